// Package backoff tracks API health for one broker connection and turns it
// into pauses, batch-size hints and an availability breaker.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/logger"
)

// Kind classifies the outcome of one exchange call.
type Kind string

const (
	OK          Kind = "OK"
	RateLimited Kind = "RATE_LIMITED"
	Forbidden   Kind = "FORBIDDEN"
	// Failure is any other error; it feeds the breaker window but not the
	// consecutive rate-limit counter.
	Failure Kind = "FAILURE"
)

// Config tunes one controller.
type Config struct {
	Alpha            float64 // EWMA weight of the newest outcome
	TripAfter        int     // consecutive RATE_LIMITED/FORBIDDEN before a local pause
	PauseMin         time.Duration
	PauseMax         time.Duration
	MinBatch         int
	MaxBatch         int
	WarmupBatch      int
	WarmupCycles     int // clean cycles before leaving warm-up
	GrowStep         int
	BreakerThreshold int // errors within BreakerWindow that trip the breaker
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryJitter      float64 // fraction of the delay, 0..1
}

func DefaultConfig() Config {
	return Config{
		Alpha:            0.2,
		TripAfter:        3,
		PauseMin:         15 * time.Second,
		PauseMax:         30 * time.Second,
		MinBatch:         5,
		MaxBatch:         40,
		WarmupBatch:      5,
		WarmupCycles:     3,
		GrowStep:         5,
		BreakerThreshold: 12,
		BreakerWindow:    2 * time.Minute,
		BreakerCooldown:  5 * time.Minute,
		RetryBase:        time.Second,
		RetryMax:         30 * time.Second,
		RetryJitter:      0.2,
	}
}

// Stats is a read-only snapshot for dashboards.
type Stats struct {
	Health      float64        `json:"health"`
	BatchSize   int            `json:"batch_size"`
	Warming     bool           `json:"warming"`
	Consecutive int            `json:"consecutive_limited"`
	PausedFor   time.Duration  `json:"paused_for"`
	Available   bool           `json:"available"`
	LocalTrips  int            `json:"local_trips"`
	GlobalTrips int            `json:"global_trips"`
	Outcomes    map[Kind]int64 `json:"outcomes"`
}

// Controller is owned by one broker connection and safe for concurrent use.
type Controller struct {
	name string
	cfg  Config
	now  func() time.Time
	log  *zap.Logger

	mu           sync.Mutex
	health       float64
	consecutive  int
	batch        int
	warming      bool
	cleanCycles  int
	pausedUntil  time.Time
	breakerUntil time.Time
	errTimes     []time.Time
	localTrips   int
	globalTrips  int
	outcomes     map[Kind]int64
}

// New returns a controller in warm-up with full health.
func New(name string, cfg Config) *Controller {
	return NewWithClock(name, cfg, time.Now)
}

func NewWithClock(name string, cfg Config, now func() time.Time) *Controller {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = def.TripAfter
	}
	if cfg.PauseMin <= 0 {
		cfg.PauseMin = def.PauseMin
	}
	if cfg.PauseMax < cfg.PauseMin {
		cfg.PauseMax = cfg.PauseMin
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = def.MinBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = cfg.MinBatch
	}
	if cfg.WarmupBatch < cfg.MinBatch {
		cfg.WarmupBatch = cfg.MinBatch
	}
	if cfg.GrowStep <= 0 {
		cfg.GrowStep = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	c := &Controller{
		name:     name,
		cfg:      cfg,
		now:      now,
		log:      logger.Named("backoff").With(zap.String("connection", name)),
		health:   100,
		outcomes: make(map[Kind]int64),
	}
	c.startWarmup()
	return c
}

func (c *Controller) startWarmup() {
	c.warming = true
	c.cleanCycles = 0
	c.consecutive = 0
	c.batch = c.cfg.WarmupBatch
}

// Warmup restarts the warm-up period; called after every (re)connection.
func (c *Controller) Warmup() {
	c.mu.Lock()
	c.startWarmup()
	c.mu.Unlock()
}

// RecordOutcome folds one call result into the health score, the local
// pause trigger and the breaker window.
func (c *Controller) RecordOutcome(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.outcomes[kind]++
	sample := 0.0
	if kind == OK {
		sample = 100
	}
	c.health = c.cfg.Alpha*sample + (1-c.cfg.Alpha)*c.health

	switch kind {
	case OK:
		c.consecutive = 0
		return
	case RateLimited, Forbidden:
		c.consecutive++
		if c.consecutive >= c.cfg.TripAfter {
			pause := c.cfg.PauseMin
			if span := c.cfg.PauseMax - c.cfg.PauseMin; span > 0 {
				pause += rand.N(span + 1)
			}
			c.pausedUntil = now.Add(pause)
			c.batch = max(c.cfg.MinBatch, c.batch/2)
			c.consecutive = 0
			c.localTrips++
			c.log.Warn("rate limit circuit break",
				zap.Duration("pause", pause), zap.Int("batch", c.batch))
		}
	}

	if c.cfg.BreakerThreshold <= 0 {
		return
	}
	cutoff := now.Add(-c.cfg.BreakerWindow)
	kept := c.errTimes[:0]
	for _, t := range c.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errTimes = append(kept, now)
	if len(c.errTimes) >= c.cfg.BreakerThreshold && !now.Before(c.breakerUntil) {
		c.breakerUntil = now.Add(c.cfg.BreakerCooldown)
		c.errTimes = c.errTimes[:0]
		c.globalTrips++
		c.log.Error("exchange unavailable: breaker tripped",
			zap.Duration("cooldown", c.cfg.BreakerCooldown), zap.Float64("health", c.health))
	}
}

// Available is false while the breaker is open. The first call after the
// cooldown re-enters warm-up.
func (c *Controller) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableLocked(c.now())
}

func (c *Controller) availableLocked(now time.Time) bool {
	if c.breakerUntil.IsZero() {
		return true
	}
	if now.Before(c.breakerUntil) {
		return false
	}
	c.breakerUntil = time.Time{}
	c.startWarmup()
	c.log.Info("breaker cooldown elapsed, warming up")
	return true
}

// ShouldPause returns how long the caller must wait before the next call.
func (c *Controller) ShouldPause() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	until := c.pausedUntil
	if c.breakerUntil.After(until) {
		until = c.breakerUntil
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NextBatchSize is the number of symbols/intents to process this cycle.
func (c *Controller) NextBatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.batch
	if c.warming && n > c.cfg.WarmupBatch {
		n = c.cfg.WarmupBatch
	}
	if c.health < 50 {
		n = int(float64(n) * c.health / 100)
	}
	return max(n, c.cfg.MinBatch)
}

// CompleteCycle ends one loop cycle. Clean cycles finish warm-up and then
// grow the batch additively; a dirty cycle resets the clean streak.
func (c *Controller) CompleteCycle(clean bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !clean {
		c.cleanCycles = 0
		return
	}
	c.cleanCycles++
	if c.warming {
		if c.cleanCycles >= c.cfg.WarmupCycles {
			c.warming = false
			c.log.Info("warm-up complete", zap.Int("batch", c.batch))
		}
		return
	}
	c.batch = min(c.cfg.MaxBatch, c.batch+c.cfg.GrowStep)
}

// RetryDelay is base*2^(attempt-1), capped, with symmetric jitter.
func (c *Controller) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.cfg.RetryBase) * math.Pow(2, float64(attempt-1))
	if d > float64(c.cfg.RetryMax) {
		d = float64(c.cfg.RetryMax)
	}
	if c.cfg.RetryJitter > 0 {
		d += d * c.cfg.RetryJitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Health is the EWMA score, 0..100.
func (c *Controller) Health() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := Stats{
		Health:      c.health,
		BatchSize:   c.batch,
		Warming:     c.warming,
		Consecutive: c.consecutive,
		Available:   c.availableLocked(now),
		LocalTrips:  c.localTrips,
		GlobalTrips: c.globalTrips,
		Outcomes:    make(map[Kind]int64, len(c.outcomes)),
	}
	if d := c.pausedUntil.Sub(now); d > 0 {
		s.PausedFor = d
	}
	for k, v := range c.outcomes {
		s.Outcomes[k] = v
	}
	return s
}
