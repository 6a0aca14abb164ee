// Package mirror replays confirmed fills of the primary account onto
// follower accounts, sized to each follower's own equity.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Mirror outcomes, also the result label of the metric.
const (
	ResultQueued      = "queued"
	ResultUnsupported = "unsupported"
	ResultSkipped     = "skipped"
	ResultFailed      = "failed"
)

var errNoBroker = errors.New("follower has no connected broker")

// Connections resolves follower brokers; *gateway.Manager satisfies it.
type Connections interface {
	Exchanges(account string) []string
	Get(account, exchange string) (broker.Connection, error)
}

// Equity reports an account's total equity across brokers.
type Equity interface {
	Equity(account string) decimal.Decimal
}

// Book answers follower holdings for proportional exits.
type Book interface {
	Get(account, broker, symbol string) (ledger.Position, bool)
}

// Dust reports blacklisted symbols, which are never mirrored.
type Dust interface {
	Contains(account, symbol string) bool
}

// Loops accepts follower intents; the orchestrator satisfies it.
type Loops interface {
	Enqueue(account, brokerID string, in order.Intent) error
}

// Follower is one mirroring account.
type Follower struct {
	Account    string
	Broker     string
	Multiplier decimal.Decimal
}

// Decision records what happened to one follower for one fill.
type Decision struct {
	Follower string
	Broker   string
	Result   string
	Reason   string
	Intent   *order.Intent
}

// Deps wires the mirror. Dust may be nil.
type Deps struct {
	Conns   Connections
	Matrix  *capability.Matrix
	Equity  Equity
	Book    Book
	Dust    Dust
	Loops   Loops
	Bus     *events.Bus
	Primary string
}

// Mirror subscribes to fills of the primary account.
type Mirror struct {
	deps      Deps
	followers []Follower
	log       *zap.Logger
}

// FollowersFrom reads the mirroring accounts of a topology.
func FollowersFrom(topo *config.Topology) []Follower {
	var out []Follower
	for _, a := range topo.Followers() {
		m := decimal.NewFromFloat(a.Follow.Multiplier)
		if !m.IsPositive() {
			m = decimal.NewFromInt(1)
		}
		out = append(out, Follower{Account: a.ID, Broker: a.Follow.Broker, Multiplier: m})
	}
	return out
}

func New(deps Deps, followers []Follower) *Mirror {
	if deps.Matrix == nil {
		deps.Matrix = capability.NewDefault()
	}
	return &Mirror{deps: deps, followers: followers, log: logger.Named("mirror")}
}

// Start consumes fill events until ctx ends.
func (m *Mirror) Start(ctx context.Context) {
	if m.deps.Primary == "" || len(m.followers) == 0 || m.deps.Bus == nil {
		m.log.Info("copy mirror disabled", zap.String("primary", m.deps.Primary), zap.Int("followers", len(m.followers)))
		return
	}
	ch, unsub := m.deps.Bus.Subscribe(events.EventFillConfirmed, 1024)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if f, ok := msg.(events.Fill); ok {
					m.OnFill(f)
				}
			}
		}
	}()
	m.log.Info("copy mirror started", zap.String("primary", m.deps.Primary), zap.Int("followers", len(m.followers)))
}

// OnFill fans one fill out to every follower. Fills of other accounts,
// fills that were themselves mirrored and dust symbols are ignored.
func (m *Mirror) OnFill(f events.Fill) []Decision {
	if f.Account != m.deps.Primary || f.Source == string(order.SourceMirror) || !f.Qty.IsPositive() {
		return nil
	}
	if m.deps.Dust != nil && m.deps.Dust.Contains(f.Account, f.Symbol) {
		m.log.Debug("dust symbol not mirrored", zap.String("symbol", f.Symbol))
		return nil
	}
	out := make([]Decision, 0, len(m.followers))
	for _, fl := range m.followers {
		d := m.follow(fl, f)
		monitor.MirrorIntents.WithLabelValues(fl.Account, d.Result).Inc()
		fields := []zap.Field{
			zap.String("follower", fl.Account), zap.String("broker", d.Broker),
			zap.String("symbol", f.Symbol), zap.String("side", f.Side), zap.String("result", d.Result),
		}
		if d.Result == ResultQueued {
			m.log.Info("mirror intent queued", append(fields, zap.String("notional", d.Intent.Notional.String()),
				zap.String("size", d.Intent.Size.String()))...)
		} else {
			m.log.Info("mirror skipped", append(fields, zap.String("reason", d.Reason))...)
		}
		out = append(out, d)
	}
	return out
}

func (m *Mirror) follow(fl Follower, f events.Fill) Decision {
	d := Decision{Follower: fl.Account, Result: ResultSkipped}
	brokerID, err := m.brokerFor(fl, f.Broker)
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	d.Broker = brokerID
	conn, err := m.deps.Conns.Get(fl.Account, brokerID)
	if err != nil {
		d.Result, d.Reason = ResultFailed, err.Error()
		return d
	}

	side := common.Side(f.Side)
	if err := m.deps.Matrix.CheckIntent(conn.CapabilityID(), f.Symbol, side); err != nil {
		d.Result, d.Reason = ResultUnsupported, err.Error()
		return d
	}

	in := order.Intent{
		Account:        fl.Account,
		Broker:         brokerID,
		Symbol:         f.Symbol,
		Side:           side,
		RefPrice:       f.Price,
		Urgency:        order.UrgencyNormal,
		IdempotencyKey: order.MirrorKey(f.OrderID, fl.Account),
		Source:         order.SourceMirror,
		Reason:         "mirror:" + m.deps.Primary,
		Confidence:     1,
		CreatedAt:      time.Now().UTC(),
	}
	if f.Exit {
		size, reason := m.exitSize(fl, brokerID, f)
		if !size.IsPositive() {
			d.Reason = reason
			return d
		}
		in.Size = size
		in.ReduceOnly = true
	} else {
		notional, reason := m.entryNotional(fl, f)
		if !notional.IsPositive() {
			d.Reason = reason
			return d
		}
		in.Notional = notional
	}

	if err := m.deps.Loops.Enqueue(fl.Account, brokerID, in); err != nil {
		d.Result, d.Reason = ResultFailed, err.Error()
		return d
	}
	d.Result = ResultQueued
	d.Intent = &in
	return d
}

// brokerFor picks the follower's configured broker, else the primary's
// broker when the follower has it, else the follower's first broker.
func (m *Mirror) brokerFor(fl Follower, primaryBroker string) (string, error) {
	if fl.Broker != "" {
		return fl.Broker, nil
	}
	exchanges := m.deps.Conns.Exchanges(fl.Account)
	for _, e := range exchanges {
		if e == primaryBroker {
			return e, nil
		}
	}
	if len(exchanges) == 0 {
		return "", errNoBroker
	}
	return exchanges[0], nil
}

// entryNotional scales the primary notional by the equity ratio.
func (m *Mirror) entryNotional(fl Follower, f events.Fill) (decimal.Decimal, string) {
	primary := m.deps.Equity.Equity(m.deps.Primary)
	if !primary.IsPositive() {
		return decimal.Zero, "primary equity unknown"
	}
	follower := m.deps.Equity.Equity(fl.Account)
	if !follower.IsPositive() {
		return decimal.Zero, "follower equity unknown"
	}
	n := f.Notional().Mul(follower).Div(primary).Mul(fl.Multiplier)
	return n.Round(8), ""
}

// exitSize closes the same fraction of the follower's holding that the
// primary fill closed of its own.
func (m *Mirror) exitSize(fl Follower, brokerID string, f events.Fill) (decimal.Decimal, string) {
	pos, ok := m.deps.Book.Get(fl.Account, brokerID, f.Symbol)
	if !ok || !pos.Qty.IsPositive() {
		return decimal.Zero, "follower holds no position"
	}
	before := f.Qty.Add(f.PositionAfter)
	if !f.PositionAfter.IsPositive() || !before.IsPositive() {
		return pos.Qty, ""
	}
	frac := f.Qty.Div(before)
	size := pos.Qty.Mul(frac).Round(8)
	if size.GreaterThan(pos.Qty) {
		size = pos.Qty
	}
	if !size.IsPositive() {
		return decimal.Zero, fmt.Sprintf("proportional exit of %s rounds to zero", pos.Qty)
	}
	return size, ""
}
