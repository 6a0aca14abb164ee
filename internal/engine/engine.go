// Package engine turns trading intents into validated broker calls and
// books confirmed fills. Forced exits bypass the risk gates but never
// precision rounding or nonce sequencing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/balance"
	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// ErrDuplicateIntent is returned while an intent with the same idempotency
// key is still being executed.
var ErrDuplicateIntent = errors.New("duplicate intent")

// Connections resolves the live connection of (account, broker).
type Connections interface {
	Get(account, brokerID string) (broker.Connection, error)
}

// Config tunes the engine.
type Config struct {
	// MinConfidence gates proposals; zero admits every proposal.
	MinConfidence float64
	// BalanceMaxAge is how old a cached balance may be before risk sizing
	// reads the exchange instead.
	BalanceMaxAge time.Duration
}

// Deps are the collaborators of an Engine. Balances and Bus may be nil.
type Deps struct {
	Conns    Connections
	Ledger   *ledger.Ledger
	Risk     *risk.MultiAccountManager
	Balances *balance.MultiAccountManager
	Matrix   *capability.Matrix
	Safety   *broker.Safety
	IDs      *order.IDs
	Bus      *events.Bus
}

type outcome struct {
	done bool
	res  broker.Result
	err  error
}

// Engine is safe for concurrent use; each (account, broker) loop calls it
// from its own goroutine.
type Engine struct {
	cfg      Config
	deps     Deps
	inflight *cache.Sharded[outcome]
	log      *zap.Logger
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Conns == nil || deps.Ledger == nil || deps.Risk == nil {
		return nil, errors.New("engine: connections, ledger and risk are required")
	}
	if deps.Matrix == nil {
		deps.Matrix = capability.NewDefault()
	}
	if deps.Safety == nil {
		deps.Safety = broker.NewSafety(false, nil)
	}
	if deps.IDs == nil {
		ids, err := order.NewIDs("ec", -1)
		if err != nil {
			return nil, err
		}
		deps.IDs = ids
	}
	if cfg.BalanceMaxAge <= 0 {
		cfg.BalanceMaxAge = 2 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		inflight: cache.New[outcome](),
		log:      logger.Named("engine"),
	}, nil
}

// Safety exposes the process-wide switches.
func (e *Engine) Safety() *broker.Safety { return e.deps.Safety }

// BuildIntent validates a proposal and turns it into a NORMAL intent.
func (e *Engine) BuildIntent(p order.Proposal) (order.Intent, error) {
	sym, err := capability.ParseSymbol(p.Symbol)
	if err != nil {
		return order.Intent{}, broker.Wrap(broker.CodeInvalidSymbol, p.Broker, p.Symbol, err)
	}
	if p.Account == "" || p.Broker == "" {
		return order.Intent{}, broker.Errorf(broker.CodeRejected, p.Broker, p.Symbol, "account and broker are required")
	}
	if !p.Side.Valid() {
		return order.Intent{}, broker.Errorf(broker.CodeRejected, p.Broker, p.Symbol, "invalid side %q", p.Side)
	}
	if p.Size.IsNegative() || p.Notional.IsNegative() {
		return order.Intent{}, broker.Errorf(broker.CodeInvalidSize, p.Broker, p.Symbol, "negative size")
	}
	return order.Intent{
		Account:        p.Account,
		Broker:         p.Broker,
		Symbol:         sym.String(),
		Side:           p.Side,
		Size:           p.Size,
		Notional:       p.Notional,
		Urgency:        order.UrgencyNormal,
		IdempotencyKey: order.IdempotencyKey(),
		Source:         order.SourceSignal,
		Reason:         p.Reason,
		Confidence:     p.Confidence,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Admit gates a proposal on confidence and turns it into an intent.
func (e *Engine) Admit(p order.Proposal) (order.Intent, error) {
	if p.Confidence < e.cfg.MinConfidence {
		return order.Intent{}, broker.Errorf(broker.CodeLowConfidence, p.Broker, p.Symbol,
			"confidence %.2f below %.2f", p.Confidence, e.cfg.MinConfidence)
	}
	return e.BuildIntent(p)
}

// ProposeIntent is the synchronous signal entry point: a proposal below the
// confidence gate is dropped, anything else is submitted.
func (e *Engine) ProposeIntent(ctx context.Context, p order.Proposal) (broker.Result, error) {
	in, err := e.Admit(p)
	if err != nil {
		return broker.Result{}, err
	}
	return e.Submit(ctx, in)
}

// Submit runs the pipeline: capability check, risk check (skipped for
// FORCED), sizing, placement and ledger bookkeeping. An intent key seen
// before returns the first outcome without touching the exchange.
func (e *Engine) Submit(ctx context.Context, in order.Intent) (broker.Result, error) {
	in.Symbol = capability.Canonical(in.Symbol)
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = order.IdempotencyKey()
	}
	if in.Urgency == "" {
		in.Urgency = order.UrgencyNormal
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	if prev, fresh := e.inflight.SetIfAbsent(in.IdempotencyKey, outcome{}); !fresh {
		if !prev.done {
			return broker.Result{}, fmt.Errorf("%w: %s", ErrDuplicateIntent, in.IdempotencyKey)
		}
		e.log.Debug("replaying settled intent", zap.String("intent_key", in.IdempotencyKey))
		return prev.res, prev.err
	}

	res, err := e.submit(ctx, in)
	e.inflight.Set(in.IdempotencyKey, outcome{done: true, res: res, err: err})
	switch {
	case err != nil:
		e.onFailure(ctx, in, err)
	case in.Urgency == order.UrgencyForced && res.FilledQty.IsPositive():
		e.notifyForced(in, res)
	}
	if err == nil && in.Urgency == order.UrgencyForced && in.IsExit() {
		e.reopenRemainder(ctx, in, res)
	}
	return res, err
}

// reopenRemainder returns a position left over by a partial or unconfirmed
// forced exit to OPEN so stops and the cap can select it again.
func (e *Engine) reopenRemainder(ctx context.Context, in order.Intent, res broker.Result) {
	pos, ok := e.deps.Ledger.Get(in.Account, in.Broker, in.Symbol)
	if !ok || pos.Status != ledger.StatusClosing || !pos.Qty.IsPositive() {
		return
	}
	if err := e.deps.Ledger.SetStatus(ctx, in.Account, in.Broker, in.Symbol, ledger.StatusOpen); err != nil {
		e.log.Warn("reopen remainder failed", zap.String("symbol", in.Symbol), zap.Error(err))
		return
	}
	e.log.Info("forced exit left a remainder; position reopened",
		zap.String("account", in.Account), zap.String("broker", in.Broker), zap.String("symbol", in.Symbol),
		zap.String("filled", res.FilledQty.String()), zap.String("remaining", pos.Qty.String()),
		zap.String("status", string(res.Status)))
}

func (e *Engine) submit(ctx context.Context, in order.Intent) (broker.Result, error) {
	if !in.Side.Valid() {
		return broker.Result{}, broker.Errorf(broker.CodeRejected, in.Broker, in.Symbol, "invalid side %q", in.Side)
	}
	conn, err := e.deps.Conns.Get(in.Account, in.Broker)
	if err != nil {
		return broker.Result{}, broker.Wrap(broker.CodeUnavailable, in.Broker, in.Symbol, err)
	}
	if err := e.deps.Matrix.CheckIntent(conn.CapabilityID(), in.Symbol, in.Side); err != nil {
		denied := broker.Denied(conn.Exchange(), in.Symbol, err)
		e.publish(events.EventCapabilityDenied, rejection(in, denied))
		return broker.Result{}, denied
	}

	price := in.RefPrice
	if !price.IsPositive() {
		if px, err := conn.Price(ctx, in.Symbol); err == nil {
			price = px
		}
	}

	size := in.Size
	if in.IsExit() && !size.IsPositive() {
		pos, ok := e.deps.Ledger.Get(in.Account, in.Broker, in.Symbol)
		if !ok {
			return broker.Result{}, broker.Errorf(broker.CodeNoPosition, in.Broker, in.Symbol, "nothing to exit")
		}
		size = pos.Qty
	}

	var reserved decimal.Decimal
	var mgr *balance.Manager
	if e.deps.Balances != nil {
		mgr = e.deps.Balances.Get(in.Account, in.Broker)
	}

	if in.Urgency != order.UrgencyForced && in.Side.Opens() && !in.ReduceOnly {
		if in.Emergency || e.deps.Safety.Emergency() {
			return broker.Result{}, broker.Errorf(broker.CodeUnavailable, in.Broker, in.Symbol, "emergency mode: entries suspended")
		}
		if !price.IsPositive() {
			return broker.Result{}, broker.Errorf(broker.CodeUnavailable, in.Broker, in.Symbol, "no reference price")
		}
		requested := in.Notional
		if size.IsPositive() {
			requested = size.Mul(price)
		}
		free, equity, err := e.funds(ctx, conn, mgr)
		if err != nil {
			return broker.Result{}, err
		}
		exMin, err := e.deps.Matrix.MinNotional(conn.CapabilityID(), in.Symbol)
		if err != nil {
			e.log.Debug("no exchange minimum notional; risk uses its own floor",
				zap.String("broker", in.Broker), zap.String("symbol", in.Symbol), zap.Error(err))
		}
		dec := e.deps.Risk.Evaluate(risk.Proposal{
			Account:     in.Account,
			Broker:      in.Broker,
			Symbol:      in.Symbol,
			Side:        in.Side,
			NotionalUSD: requested,
			Balance:     free,
			Equity:      equity,
			ExchangeMin: exMin,
			Confidence:  in.Confidence,
		})
		if !dec.Allowed {
			return broker.Result{}, dec.Err
		}
		if c := dec.RotateOut; c != nil {
			e.log.Info("rotating out weakest position",
				zap.String("account", in.Account), zap.String("broker", c.Broker),
				zap.String("symbol", c.Symbol), zap.String("for", in.Symbol))
			if _, err := e.ForceExit(ctx, in.Account, c.Broker, c.Symbol, c.Qty, "rotation"); err != nil {
				return broker.Result{}, fmt.Errorf("rotate out %s: %w", c.Symbol, err)
			}
		}
		size = dec.NotionalUSD.Div(price)
		if mgr != nil {
			if err := mgr.Reserve(dec.NotionalUSD); err != nil {
				return broker.Result{}, broker.Wrap(broker.CodeInsufficientFunds, in.Broker, in.Symbol, err)
			}
			reserved = dec.NotionalUSD
		}
	}
	if mgr != nil && reserved.IsPositive() {
		defer mgr.Release(reserved)
	}

	res, err := conn.PlaceOrder(ctx, broker.Request{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Size:       size,
		Urgency:    in.Urgency,
		ClientID:   e.deps.IDs.ClientOrderID(),
		IntentKey:  in.IdempotencyKey,
		ReduceOnly: in.ReduceOnly,
		RefPrice:   price,
		Emergency:  in.Emergency,
	})
	if err != nil {
		return res, err
	}
	res = conn.Confirm(ctx, res)
	if res.FilledQty.IsPositive() {
		e.book(ctx, in, res, price)
	} else {
		e.log.Warn("order acknowledged without a confirmed fill",
			zap.String("account", in.Account), zap.String("broker", in.Broker),
			zap.String("symbol", in.Symbol), zap.String("order_id", res.OrderID), zap.String("status", string(res.Status)))
	}
	if mgr != nil {
		if err := mgr.Sync(ctx); err != nil {
			e.log.Debug("post-trade balance sync failed", zap.String("account", in.Account), zap.Error(err))
		}
	}
	return res, nil
}

// funds returns the free balance on the broker and the account equity
// across brokers. A stale or missing cache falls back to the exchange.
func (e *Engine) funds(ctx context.Context, conn broker.Connection, mgr *balance.Manager) (free, equity decimal.Decimal, err error) {
	if mgr != nil && (!mgr.Stale(e.cfg.BalanceMaxAge) || mgr.Sync(ctx) == nil) {
		free = mgr.GetAvailable()
	} else {
		bal, err := conn.Balance(ctx)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		free = bal.Available
	}
	if e.deps.Balances != nil {
		equity = e.deps.Balances.Equity(conn.Account())
	}
	return free, equity, nil
}

// book records a confirmed fill once and announces it.
func (e *Engine) book(ctx context.Context, in order.Intent, res broker.Result, ref decimal.Decimal) {
	px := res.AvgPrice
	if !px.IsPositive() {
		px = ref
	}
	pos, applied, err := e.deps.Ledger.RecordFill(ctx, ledger.Fill{
		Account:   in.Account,
		Broker:    in.Broker,
		Symbol:    in.Symbol,
		Side:      in.Side,
		Qty:       res.FilledQty,
		Price:     px,
		OrderID:   res.OrderID,
		ClientID:  res.ClientID,
		IntentKey: in.IdempotencyKey,
		Source:    string(in.Source),
	})
	if err != nil {
		e.log.Error("ledger write failed after confirmed fill",
			zap.String("account", in.Account), zap.String("symbol", in.Symbol),
			zap.String("order_id", res.OrderID), zap.Error(err))
	}
	if !applied {
		return
	}
	e.publish(events.EventFillConfirmed, events.Fill{
		Account:       in.Account,
		Broker:        in.Broker,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Qty:           res.FilledQty,
		Price:         px,
		OrderID:       res.OrderID,
		ClientID:      res.ClientID,
		IntentKey:     in.IdempotencyKey,
		Urgency:       string(in.Urgency),
		Source:        string(in.Source),
		Exit:          in.IsExit() || (in.Side == order.SideBuy && pos.Direction == common.Short),
		PositionAfter: pos.Qty,
		At:            time.Now().UTC(),
	})
	e.log.Info("fill recorded",
		zap.String("account", in.Account), zap.String("broker", in.Broker), zap.String("symbol", in.Symbol),
		zap.String("side", string(in.Side)), zap.String("qty", res.FilledQty.String()),
		zap.String("price", px.String()), zap.String("urgency", string(in.Urgency)))
}

// onFailure publishes the terminal result. A failed forced exit either
// purges an unsellable dust position or returns it to OPEN.
func (e *Engine) onFailure(ctx context.Context, in order.Intent, err error) {
	code := broker.CodeOf(err)
	topic := events.EventOrderRejected
	if code == broker.CodeUnknown {
		topic = events.EventOrderEscalated
	}
	e.publish(topic, rejection(in, err))

	if in.Urgency != order.UrgencyForced || !in.IsExit() {
		return
	}
	pos, ok := e.deps.Ledger.Get(in.Account, in.Broker, in.Symbol)
	if !ok {
		return
	}
	switch code {
	case broker.CodeInvalidPrecision:
		if _, derr := e.deps.Ledger.Dust().Add(in.Account, in.Symbol, "unsellable_dust", pos.ValueUSD()); derr != nil {
			e.log.Error("dust blacklist write failed", zap.String("symbol", in.Symbol), zap.Error(derr))
		}
		if rerr := e.deps.Ledger.Remove(ctx, in.Account, in.Broker, in.Symbol, "dust"); rerr != nil {
			e.log.Error("dust position removal failed", zap.String("symbol", in.Symbol), zap.Error(rerr))
		}
		e.publish(events.EventDustBlacklisted, events.PositionNotice{
			Account: in.Account, Broker: in.Broker, Symbol: in.Symbol, Reason: "unsellable_dust", ValueUSD: pos.ValueUSD(),
		})
	case broker.CodeUnknown:
		// Outcome is with manual review; the position stays CLOSING.
	default:
		if pos.Status == ledger.StatusClosing {
			if serr := e.deps.Ledger.SetStatus(ctx, in.Account, in.Broker, in.Symbol, ledger.StatusOpen); serr != nil {
				e.log.Warn("revert closing status failed", zap.String("symbol", in.Symbol), zap.Error(serr))
			}
		}
	}
}

// ForceExit closes qty of a tracked position through the bypass path. A
// zero qty closes the whole position.
func (e *Engine) ForceExit(ctx context.Context, account, brokerID, symbol string, qty decimal.Decimal, reason string) (broker.Result, error) {
	symbol = capability.Canonical(symbol)
	pos, ok := e.deps.Ledger.Get(account, brokerID, symbol)
	if !ok {
		return broker.Result{}, broker.Errorf(broker.CodeNoPosition, brokerID, symbol, "no tracked position")
	}
	if !qty.IsPositive() || qty.GreaterThan(pos.Qty) {
		qty = pos.Qty
	}
	if err := e.deps.Ledger.SetStatus(ctx, account, brokerID, symbol, ledger.StatusClosing); err != nil {
		e.log.Warn("persist closing status failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return e.Submit(ctx, ExitIntent(pos, qty, reason, e.deps.Safety.Emergency()))
}

// ExitIntent builds the FORCED intent that closes qty of pos.
func ExitIntent(pos ledger.Position, qty decimal.Decimal, reason string, emergency bool) order.Intent {
	src := order.SourceEmergency
	switch reason {
	case "position_cap":
		src = order.SourceCap
	case "operator":
		src = order.SourceOperator
	}
	side := order.SideSell
	if pos.Direction == common.Short {
		side = order.SideBuy
	}
	return order.Intent{
		Account:        pos.Account,
		Broker:         pos.Broker,
		Symbol:         pos.Symbol,
		Side:           side,
		Size:           qty,
		RefPrice:       pos.MarkPrice,
		Urgency:        order.UrgencyForced,
		IdempotencyKey: order.IdempotencyKey(),
		ReduceOnly:     true,
		Source:         src,
		Reason:         reason,
		Emergency:      emergency,
		CreatedAt:      time.Now().UTC(),
	}
}

// notifyForced announces a forced exit that filled.
func (e *Engine) notifyForced(in order.Intent, res broker.Result) {
	e.publish(events.EventForcedExit, events.PositionNotice{
		Account: in.Account, Broker: in.Broker, Symbol: in.Symbol, Reason: in.Reason,
		ValueUSD: res.FilledQty.Mul(res.AvgPrice),
	})
}

// Sweep forgets settled intent keys older than maxAge.
func (e *Engine) Sweep(maxAge time.Duration) int {
	return e.inflight.Cleanup(maxAge)
}

func rejection(in order.Intent, err error) events.Rejection {
	return events.Rejection{
		Account: in.Account,
		Broker:  in.Broker,
		Symbol:  in.Symbol,
		Side:    string(in.Side),
		Code:    string(broker.CodeOf(err)),
		Reason:  err.Error(),
	}
}

func (e *Engine) publish(topic events.Event, payload any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(topic, payload)
	}
}
