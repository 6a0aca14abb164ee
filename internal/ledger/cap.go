package ledger

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
)

// EnforceCap returns FORCED exits that bring the account's counted positions,
// across all its brokers, down to maxPositions. Positions already CLOSING
// count toward the reduction. Victims are ranked by ascending USD value,
// then worst P&L, then oldest, and are marked CLOSING. A non-positive cap
// disables enforcement.
func (l *Ledger) EnforceCap(ctx context.Context, account string, maxPositions int) []order.Intent {
	if maxPositions <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var open []*Position
	counted, closing := 0, 0
	for _, p := range l.positions {
		if p.Account != account || !l.counts(p) {
			continue
		}
		counted++
		if p.Status == StatusClosing {
			closing++
			continue
		}
		open = append(open, p)
	}
	excess := counted - maxPositions - closing
	if excess <= 0 {
		return nil
	}

	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if c := a.ValueUSD().Cmp(b.ValueUSD()); c != 0 {
			return c < 0
		}
		if c := a.PnL().Cmp(b.PnL()); c != 0 {
			return c < 0
		}
		if !a.OpenedAt.Equal(b.OpenedAt) {
			return a.OpenedAt.Before(b.OpenedAt)
		}
		if a.Broker != b.Broker {
			return a.Broker < b.Broker
		}
		return a.Symbol < b.Symbol
	})
	if excess > len(open) {
		excess = len(open)
	}

	now := l.now().UTC()
	intents := make([]order.Intent, 0, excess)
	for _, p := range open[:excess] {
		in := order.Intent{
			Account:        p.Account,
			Broker:         p.Broker,
			Symbol:         p.Symbol,
			Side:           common.SideSell,
			Size:           p.Qty,
			RefPrice:       p.MarkPrice,
			Urgency:        order.UrgencyForced,
			IdempotencyKey: order.IdempotencyKey(),
			ReduceOnly:     true,
			Source:         order.SourceCap,
			Reason:         "position_cap",
			CreatedAt:      now,
		}
		if p.Direction == common.Short {
			in.Side = common.SideBuy
		}
		p.Status = StatusClosing
		p.UpdatedAt = now
		if err := l.persistLocked(ctx, p); err != nil {
			l.log.Warn("persist closing status failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		intents = append(intents, in)
		l.log.Warn("position cap exceeded; forcing exit",
			zap.String("account", account), zap.String("broker", p.Broker), zap.String("symbol", p.Symbol),
			zap.String("value_usd", p.ValueUSD().StringFixed(2)), zap.Int("cap", maxPositions), zap.Int("counted", counted))
	}
	return intents
}
