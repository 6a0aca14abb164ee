package broker

import (
	"sort"
	"sync"
	"sync/atomic"

	"execution-core/internal/capability"
)

// Safety holds the process-wide switches: EmergencyMode and the sell-only
// set. Loops read Emergency once per cycle.
type Safety struct {
	emergency atomic.Bool

	mu          sync.RWMutex
	sellOnlyAll bool
	sellOnly    map[string]bool
}

// NewSafety seeds the switches; "*" in sellOnly disables buys everywhere.
func NewSafety(emergency bool, sellOnly []string) *Safety {
	s := &Safety{sellOnly: make(map[string]bool)}
	s.emergency.Store(emergency)
	for _, sym := range sellOnly {
		s.SetSellOnly(sym, true)
	}
	return s
}

func (s *Safety) SetEmergency(on bool) { s.emergency.Store(on) }
func (s *Safety) Emergency() bool      { return s.emergency.Load() }

// SetSellOnly toggles buy-disable for a symbol, or for all with "*".
func (s *Safety) SetSellOnly(symbol string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol == "*" {
		s.sellOnlyAll = on
		return
	}
	sym := capability.Canonical(symbol)
	if on {
		s.sellOnly[sym] = true
	} else {
		delete(s.sellOnly, sym)
	}
}

// BuyDisabled reports whether new BUY exposure is blocked for symbol.
func (s *Safety) BuyDisabled(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sellOnlyAll || s.sellOnly[capability.Canonical(symbol)]
}

// SellOnly lists the blocked symbols ("*" when all are).
func (s *Safety) SellOnly() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sellOnly)+1)
	if s.sellOnlyAll {
		out = append(out, "*")
	}
	for sym := range s.sellOnly {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
