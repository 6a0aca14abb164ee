// Package nonce issues strictly increasing authentication nonces for one
// exchange credential.
package nonce

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// RetryJump is added per retry attempt so a nonce the exchange may already
// have consumed on a failed request is never reissued.
const RetryJump int64 = 1_000_000

// MaxSeedOffset bounds the random seed offset, in microseconds.
const MaxSeedOffset int64 = 1_000_000

// Sequencer is owned by exactly one broker connection.
type Sequencer struct {
	mu     sync.Mutex
	last   int64
	issued atomic.Int64
	now    func() time.Time
}

// New seeds from wall-clock microseconds plus a random offset.
func New() *Sequencer {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(now func() time.Time) *Sequencer {
	return &Sequencer{last: seed(now().UnixMicro()), now: now}
}

// seed spreads sequencers created in the same microsecond across
// MaxSeedOffset values. Each sequencer owns its credential, so seeds need
// only be unlikely to collide, not unique.
func seed(nowMicros int64) int64 {
	return nowMicros + rand.Int64N(MaxSeedOffset)
}

// Next returns max(now, last+1).
func (s *Sequencer) Next() int64 {
	return s.issue(0)
}

// NextRetry is Next for retry attempt n (n >= 1): the candidate is pushed
// n*RetryJump past the last value before taking the max with the clock.
func (s *Sequencer) NextRetry(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}
	return s.issue(int64(attempt) * RetryJump)
}

func (s *Sequencer) issue(jump int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := s.now().UnixMicro()
	if floor := s.last + 1 + jump; candidate < floor {
		candidate = floor
	}
	s.last = candidate
	s.issued.Add(1)
	return candidate
}

// Last is the most recently issued value (the seed before any issuance).
func (s *Sequencer) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Issued counts values handed out.
func (s *Sequencer) Issued() int64 {
	return s.issued.Load()
}
