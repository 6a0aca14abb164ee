package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

// StopTrigger is a position whose mark crossed its stop.
type StopTrigger struct {
	Broker    string
	Symbol    string
	Qty       decimal.Decimal
	Direction common.Direction
	Mark      decimal.Decimal
	Stop      decimal.Decimal
	Reason    string
}

type stopWatch struct {
	direction     common.Direction
	entry         decimal.Decimal
	stop          decimal.Decimal
	highWaterMark decimal.Decimal // lowest mark for shorts
}

// StopLossManager tracks fixed or trailing stops per (broker, symbol).
type StopLossManager struct {
	mu      sync.Mutex
	watches map[string]*stopWatch
}

// NewStopLossManager creates an empty tracker.
func NewStopLossManager() *StopLossManager {
	return &StopLossManager{watches: make(map[string]*stopWatch)}
}

func stopKey(brokerID, symbol string) string { return brokerID + "|" + symbol }

// Check updates stops from current marks and returns the positions that
// crossed. Positions no longer present are forgotten. stopPct <= 0 disables.
func (s *StopLossManager) Check(stopPct, trailPct float64, positions []ledger.Position) []StopTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]struct{}, len(positions))
	var out []StopTrigger
	for _, p := range positions {
		if p.Status != ledger.StatusOpen || !p.MarkPrice.IsPositive() || !p.EntryPrice.IsPositive() {
			continue
		}
		k := stopKey(p.Broker, p.Symbol)
		live[k] = struct{}{}
		if stopPct <= 0 {
			continue
		}
		w := s.watches[k]
		if w == nil || w.direction != p.Direction || !w.entry.Equal(p.EntryPrice) {
			w = newStopWatch(p, stopPct)
			s.watches[k] = w
		}
		if trailPct > 0 {
			w.trail(p.MarkPrice, trailPct)
		}
		if w.crossed(p.MarkPrice) {
			out = append(out, StopTrigger{
				Broker:    p.Broker,
				Symbol:    p.Symbol,
				Qty:       p.Qty,
				Direction: p.Direction,
				Mark:      p.MarkPrice,
				Stop:      w.stop,
				Reason:    fmt.Sprintf("stop %s crossed at %s", w.stop.StringFixed(4), p.MarkPrice.String()),
			})
			delete(s.watches, k)
		}
	}
	for k := range s.watches {
		if _, ok := live[k]; !ok {
			delete(s.watches, k)
		}
	}
	return out
}

// Len reports tracked stops.
func (s *StopLossManager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func newStopWatch(p ledger.Position, stopPct float64) *stopWatch {
	w := &stopWatch{direction: p.Direction, entry: p.EntryPrice, highWaterMark: p.EntryPrice}
	off := decimal.NewFromFloat(stopPct).Div(hundred)
	if p.Direction == common.Short {
		w.stop = p.EntryPrice.Mul(decimal.NewFromInt(1).Add(off))
	} else {
		w.stop = p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(off))
	}
	return w
}

// trail moves the stop toward the mark; it never loosens.
func (w *stopWatch) trail(mark decimal.Decimal, trailPct float64) {
	off := decimal.NewFromFloat(trailPct).Div(hundred)
	if w.direction == common.Short {
		if mark.LessThan(w.highWaterMark) {
			w.highWaterMark = mark
			if s := mark.Mul(decimal.NewFromInt(1).Add(off)); s.LessThan(w.stop) {
				w.stop = s
			}
		}
		return
	}
	if mark.GreaterThan(w.highWaterMark) {
		w.highWaterMark = mark
		if s := mark.Mul(decimal.NewFromInt(1).Sub(off)); s.GreaterThan(w.stop) {
			w.stop = s
		}
	}
}

func (w *stopWatch) crossed(mark decimal.Decimal) bool {
	if w.direction == common.Short {
		return mark.GreaterThanOrEqual(w.stop)
	}
	return mark.LessThanOrEqual(w.stop)
}
