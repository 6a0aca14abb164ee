package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/exchanges/common"
)

// Report summarizes one reconciliation pass of one (account, broker).
type Report struct {
	Account string `json:"account"`
	Broker  string `json:"broker"`
	Tracked int    `json:"tracked"`
	Live    int    `json:"live"`
	Zombies int    `json:"zombies"`
	Removed int    `json:"removed"`
	Revived int    `json:"revived"`
	Healed  int    `json:"healed"`
	Adopted int    `json:"adopted"`
	Dust    int    `json:"dust"`
}

// Reconcile compares the tracked positions of (account, broker) with a live
// snapshot. A tracked position missing from the snapshot becomes ZOMBIE and
// is removed if it is still missing on the next pass. Live holdings heal
// drifted quantities and untracked holdings are adopted. Holdings worth
// less than the dust floor are blacklisted.
func (l *Ledger) Reconcile(ctx context.Context, account, brokerID string, live []broker.Position) (Report, error) {
	rep := Report{Account: account, Broker: brokerID, Live: len(live)}
	now := l.now().UTC()

	liveBy := make(map[string]broker.Position, len(live))
	for _, lp := range live {
		lp.Symbol = capability.Canonical(lp.Symbol)
		if !lp.Qty.IsPositive() {
			continue
		}
		liveBy[lp.Symbol] = lp
	}

	var errs error
	var notices []struct {
		topic events.Event
		n     events.PositionNotice
	}
	notify := func(topic events.Event, sym, reason string, v decimal.Decimal) {
		notices = append(notices, struct {
			topic events.Event
			n     events.PositionNotice
		}{topic, events.PositionNotice{Account: account, Broker: brokerID, Symbol: sym, Reason: reason, ValueUSD: v}})
	}

	l.mu.Lock()
	for k, p := range l.positions {
		if k.account != account || k.broker != brokerID {
			continue
		}
		rep.Tracked++
		lp, ok := liveBy[p.Symbol]
		if !ok {
			if p.Status == StatusZombie {
				v := p.ValueUSD()
				errs = multierr.Append(errs, l.deleteLocked(ctx, k))
				rep.Removed++
				notify(events.EventPositionRemoved, p.Symbol, "zombie_confirmed", v)
				continue
			}
			p.Status = StatusZombie
			p.MissedPasses++
			p.UpdatedAt = now
			errs = multierr.Append(errs, l.persistLocked(ctx, p))
			rep.Zombies++
			notify(events.EventPositionZombie, p.Symbol, "absent_from_exchange", p.ValueUSD())
			continue
		}

		if p.Status == StatusZombie {
			p.Status = StatusOpen
			rep.Revived++
		}
		p.MissedPasses = 0
		if !lp.Qty.Equal(p.Qty) || (lp.Direction != "" && lp.Direction != p.Direction) {
			l.log.Info("healing drifted quantity",
				zap.String("account", account), zap.String("broker", brokerID), zap.String("symbol", p.Symbol),
				zap.String("tracked", p.Qty.String()), zap.String("live", lp.Qty.String()))
			p.Qty = lp.Qty
			if lp.Direction != "" {
				p.Direction = lp.Direction
			}
			rep.Healed++
		}
		if lp.MarkPrice.IsPositive() {
			p.MarkPrice = lp.MarkPrice
		}
		if !p.EntryPrice.IsPositive() && lp.EntryPrice.IsPositive() {
			p.EntryPrice = lp.EntryPrice
		}
		p.UpdatedAt = now
		errs = multierr.Append(errs, l.persistLocked(ctx, p))
	}

	for sym, lp := range liveBy {
		k := pkey{account, brokerID, sym}
		if _, ok := l.positions[k]; ok {
			continue
		}
		entry := lp.EntryPrice
		if !entry.IsPositive() {
			entry = lp.MarkPrice
		}
		dir := lp.Direction
		if dir == "" {
			dir = common.Long
		}
		p := &Position{
			Account: account, Broker: brokerID, Symbol: sym,
			Qty: lp.Qty, EntryPrice: entry, MarkPrice: lp.MarkPrice,
			Direction: dir, Status: StatusOpen, OpenedAt: now, UpdatedAt: now,
		}
		l.positions[k] = p
		errs = multierr.Append(errs, l.persistLocked(ctx, p))
		rep.Adopted++
		l.log.Info("adopted untracked holding",
			zap.String("account", account), zap.String("broker", brokerID), zap.String("symbol", sym),
			zap.String("qty", lp.Qty.String()))
	}
	l.mu.Unlock()

	for sym, lp := range liveBy {
		v := lp.ValueUSD()
		if !v.IsPositive() || !v.LessThan(l.floor) {
			continue
		}
		added, err := l.dust.Add(account, sym, "dust", v)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if added {
			rep.Dust++
			notify(events.EventDustBlacklisted, sym, "below_dust_floor", v)
		}
	}

	for _, n := range notices {
		l.publish(n.topic, n.n)
	}
	record(rep)
	if rep.Zombies+rep.Removed+rep.Revived+rep.Healed+rep.Adopted+rep.Dust > 0 {
		l.log.Info("reconciled",
			zap.String("account", account), zap.String("broker", brokerID),
			zap.Int("tracked", rep.Tracked), zap.Int("live", rep.Live),
			zap.Int("zombies", rep.Zombies), zap.Int("removed", rep.Removed),
			zap.Int("revived", rep.Revived), zap.Int("healed", rep.Healed),
			zap.Int("adopted", rep.Adopted), zap.Int("dust", rep.Dust))
	}
	return rep, errs
}

func record(rep Report) {
	for kind, n := range map[string]int{
		"zombie": rep.Zombies, "removed": rep.Removed, "revived": rep.Revived,
		"healed": rep.Healed, "adopted": rep.Adopted, "dust": rep.Dust,
	} {
		if n > 0 {
			monitor.ReconcileEvents.WithLabelValues(rep.Account, kind).Add(float64(n))
		}
	}
}
