package common

import (
	"strconv"
	"sync"
	"time"

	"execution-core/pkg/logger"
)

// WeightTracker follows the request weight an exchange reports back in
// response headers (e.g. X-MBX-USED-WEIGHT-1M).
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewWeightTracker creates a tracker. limit is the venue ceiling for one
// resetInterval window (1200/min for spot, 2400/min for futures).
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{limit: limit, resetInterval: resetInterval, lastReset: time.Now()}
}

// UpdateFromHeader records the used weight from a response header.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.usedWeight = weight
	pct := float64(weight) / float64(w.limit) * 100
	w.mu.Unlock()

	if pct >= 95 {
		logger.Warnf("request weight critical: %d/%d (%.1f%%)", weight, w.limit, pct)
	} else if pct >= 80 {
		logger.Debugf("request weight high: %d/%d (%.1f%%)", weight, w.limit, pct)
	}
}

// Usage returns the current weight window.
func (w *WeightTracker) Usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// ShouldDelay reports whether the window is close to exhausted.
func (w *WeightTracker) ShouldDelay() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}
