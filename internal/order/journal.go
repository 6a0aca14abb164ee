package order

import (
	"sync"
)

// Journal keeps the most recent attempts per account for snapshots and
// forwards every attempt to the configured sinks.
type Journal struct {
	mu      sync.RWMutex
	size    int
	recent  map[string][]Attempt
	sinks   []AttemptRecorder
	counter map[Outcome]int64
}

func NewJournal(size int, sinks ...AttemptRecorder) *Journal {
	if size <= 0 {
		size = 200
	}
	return &Journal{
		size:    size,
		recent:  make(map[string][]Attempt),
		sinks:   sinks,
		counter: make(map[Outcome]int64),
	}
}

// RecordAttempt implements AttemptRecorder.
func (j *Journal) RecordAttempt(a Attempt) {
	j.mu.Lock()
	ring := j.recent[a.Account]
	if len(ring) >= j.size {
		ring = ring[1:]
	}
	j.recent[a.Account] = append(ring, a)
	j.counter[a.Outcome]++
	sinks := j.sinks
	j.mu.Unlock()

	for _, s := range sinks {
		s.RecordAttempt(a)
	}
}

// Recent returns up to limit attempts for account, newest first.
func (j *Journal) Recent(account string, limit int) []Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ring := j.recent[account]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Attempt, 0, limit)
	for i := len(ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

// Counts returns totals per outcome since start.
func (j *Journal) Counts() map[Outcome]int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[Outcome]int64, len(j.counter))
	for k, v := range j.counter {
		out[k] = v
	}
	return out
}
