package backoff

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewWithClock("test", cfg, clk.now), clk
}

func TestHealthEWMA(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	if c.Health() != 100 {
		t.Fatalf("initial health = %v", c.Health())
	}
	c.RecordOutcome(Failure)
	if got := c.Health(); got < 79.9 || got > 80.1 {
		t.Fatalf("health after one failure = %v, want 80", got)
	}
	c.RecordOutcome(OK)
	if got := c.Health(); got < 83.9 || got > 84.1 {
		t.Fatalf("health after recovery = %v, want 84", got)
	}
}

func TestThreeRateLimitsPauseAndHalveBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupCycles = 1
	c, _ := newTestController(cfg)
	c.CompleteCycle(true) // leave warm-up
	for i := 0; i < 5; i++ {
		c.CompleteCycle(true)
	}
	before := c.Stats().BatchSize
	if before != 30 {
		t.Fatalf("batch before = %d, want 30", before)
	}

	c.RecordOutcome(RateLimited)
	c.RecordOutcome(Forbidden)
	if c.ShouldPause() != 0 {
		t.Fatal("two limited outcomes must not pause")
	}
	c.RecordOutcome(RateLimited)

	pause := c.ShouldPause()
	if pause < 15*time.Second || pause > 30*time.Second {
		t.Fatalf("pause = %v, want 15-30s", pause)
	}
	if got := c.Stats().BatchSize; got != 15 {
		t.Fatalf("batch after trip = %d, want 15", got)
	}
}

func TestConsecutiveResetByOK(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	c.RecordOutcome(RateLimited)
	c.RecordOutcome(RateLimited)
	c.RecordOutcome(OK)
	c.RecordOutcome(RateLimited)
	if c.ShouldPause() != 0 {
		t.Fatal("OK in between must reset the streak")
	}
}

func TestBatchFloor(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	for i := 0; i < 30; i++ {
		c.RecordOutcome(RateLimited)
	}
	if got := c.NextBatchSize(); got != 5 {
		t.Fatalf("batch floor = %d, want 5", got)
	}
}

func TestWarmupCapsBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupBatch = 8
	cfg.WarmupCycles = 3
	c, _ := newTestController(cfg)

	c.CompleteCycle(true)
	c.CompleteCycle(false) // resets streak
	c.CompleteCycle(true)
	c.CompleteCycle(true)
	if !c.Stats().Warming || c.NextBatchSize() != 8 {
		t.Fatalf("still warming expected, stats=%+v", c.Stats())
	}
	c.CompleteCycle(true)
	if c.Stats().Warming {
		t.Fatal("warm-up should end after three clean cycles")
	}
	c.CompleteCycle(true)
	if got := c.NextBatchSize(); got != 13 {
		t.Fatalf("batch after growth = %d, want 13", got)
	}

	c.Warmup()
	if got := c.NextBatchSize(); got != 8 {
		t.Fatalf("batch after reconnect = %d, want 8", got)
	}
}

func TestGlobalBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 4
	cfg.BreakerWindow = time.Minute
	cfg.BreakerCooldown = 5 * time.Minute
	c, clk := newTestController(cfg)

	// spread out: the window forgets old errors
	for i := 0; i < 3; i++ {
		c.RecordOutcome(Failure)
		clk.advance(40 * time.Second)
	}
	if !c.Available() {
		t.Fatal("errors outside window must not trip")
	}

	for i := 0; i < 4; i++ {
		c.RecordOutcome(Failure)
	}
	if c.Available() {
		t.Fatal("breaker should be open")
	}
	if p := c.ShouldPause(); p != 5*time.Minute {
		t.Fatalf("pause while open = %v", p)
	}

	clk.advance(5 * time.Minute)
	if !c.Available() {
		t.Fatal("breaker should close after cooldown")
	}
	st := c.Stats()
	if !st.Warming || st.GlobalTrips != 1 {
		t.Fatalf("expected warm-up after cooldown, stats=%+v", st)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryJitter = 0
	c, _ := newTestController(cfg)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := c.RetryDelay(i + 1); got != w {
			t.Fatalf("RetryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := c.RetryDelay(20); got != 30*time.Second {
		t.Fatalf("RetryDelay cap = %v", got)
	}

	cfg.RetryJitter = 0.2
	j, _ := newTestController(cfg)
	for i := 0; i < 100; i++ {
		d := j.RetryDelay(2)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestLowHealthShrinksBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupCycles = 1
	cfg.BreakerThreshold = 0
	c, _ := newTestController(cfg)
	c.CompleteCycle(true)
	for i := 0; i < 7; i++ {
		c.CompleteCycle(true)
	}
	full := c.NextBatchSize()
	for i := 0; i < 6; i++ {
		c.RecordOutcome(Failure)
	}
	if got := c.NextBatchSize(); got >= full {
		t.Fatalf("low health batch %d should be below %d", got, full)
	}
}
