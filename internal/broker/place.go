package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/capability"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
)

// PlaceOrder validates, rounds and transmits a market order. Every denial
// happens before a nonce is issued. Once transmitted the call is bounded by
// CallTimeout and is not cancelled with ctx.
func (c *Conn) PlaceOrder(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := c.placeOrder(ctx, req)
	monitor.OrderLatency.WithLabelValues(c.opts.Exchange).Observe(time.Since(start).Seconds())
	if err != nil {
		code := CodeOf(err)
		monitor.TerminalErrors.WithLabelValues(c.opts.Exchange, string(code)).Inc()
		c.log.Warn("order failed",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("qty", req.Size.String()),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	return res, err
}

func (c *Conn) placeOrder(ctx context.Context, req Request) (Result, error) {
	sym := capability.Canonical(req.Symbol)
	if !req.Side.Valid() {
		return Result{}, Errorf(CodeRejected, c.opts.Exchange, sym, "invalid side %q", req.Side)
	}
	if req.Side == common.SideBuy && !req.ReduceOnly && c.deps.Safety.BuyDisabled(sym) {
		return Result{}, Errorf(CodeBuyDisabled, c.opts.Exchange, sym, "sell-only mode")
	}
	if err := c.deps.Matrix.CheckIntent(c.capID, sym, req.Side); err != nil {
		return Result{}, wrap(capabilityCode(err), c.opts.Exchange, sym, err)
	}
	if !req.Size.IsPositive() {
		return Result{}, Errorf(CodeInvalidSize, c.opts.Exchange, sym, "size %s", req.Size)
	}
	// Exits pass an open breaker and are still paced by gate. Only an
	// authentication failure stops them.
	exit := req.ReduceOnly || !req.Side.Opens() || req.Urgency == order.UrgencyForced
	if c.AuthFailed() || (!exit && !c.ctl.Available()) {
		return Result{}, Errorf(CodeUnavailable, c.opts.Exchange, sym, "connection unavailable")
	}
	native, err := c.deps.Matrix.ToExchangeSymbol(c.capID, sym)
	if err != nil {
		return Result{}, wrap(capabilityCode(err), c.opts.Exchange, sym, err)
	}

	var held *decimal.Decimal
	bypass := req.Urgency == order.UrgencyForced && (req.Emergency || c.deps.Safety.Emergency())
	if !bypass {
		h, err := c.preflight(ctx, sym, req)
		if err != nil {
			return Result{}, err
		}
		held = h
	}

	qty, err := c.normalize(ctx, sym, req, held)
	if err != nil {
		return Result{}, err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return c.submit(ctx, sym, native, clientID, qty, req)
}

// preflight checks funds for orders that open exposure. Exits are never
// blocked: a ledger/exchange mismatch only logs. It returns the live held
// quantity for exits, nil when unknown.
func (c *Conn) preflight(ctx context.Context, sym string, req Request) (*decimal.Decimal, error) {
	if !req.Side.Opens() || req.ReduceOnly {
		h, err := c.heldQty(ctx, sym)
		if err != nil {
			c.log.Warn("preflight holdings read failed; sending exit anyway", zap.String("symbol", sym), zap.Error(err))
			return nil, nil
		}
		if h.LessThan(req.Size) {
			c.log.Warn("exit size exceeds live holding; exchange is authoritative",
				zap.String("symbol", sym),
				zap.String("requested", req.Size.String()),
				zap.String("held", h.String()))
		}
		return &h, nil
	}

	price := req.RefPrice
	if !price.IsPositive() {
		px, err := c.Price(ctx, sym)
		if err != nil {
			c.log.Debug("no reference price for preflight", zap.String("symbol", sym), zap.Error(err))
			return nil, nil
		}
		price = px
	}
	bal, err := c.Balance(ctx)
	if err != nil {
		return nil, err
	}
	need := req.Size.Mul(price)
	if bal.Available.LessThan(need) {
		return nil, Errorf(CodeInsufficientFunds, c.opts.Exchange, sym,
			"need %s %s, available %s", need.StringFixed(2), bal.Asset, bal.Available.StringFixed(2))
	}
	return nil, nil
}

// normalize rounds down to the minimum increment. An exit that collapses to
// zero falls back to the full held quantity; an entry never does.
func (c *Conn) normalize(ctx context.Context, sym string, req Request, held *decimal.Decimal) (decimal.Decimal, error) {
	inc, err := c.deps.Matrix.MinIncrement(c.capID, sym)
	if err != nil {
		return decimal.Zero, wrap(capabilityCode(err), c.opts.Exchange, sym, err)
	}
	qty := capability.RoundDown(req.Size, inc)
	if qty.IsPositive() {
		return qty, nil
	}
	if req.Side.Opens() && !req.ReduceOnly {
		return decimal.Zero, Errorf(CodeInvalidPrecision, c.opts.Exchange, sym, "size %s below increment %s", req.Size, inc)
	}
	if held == nil {
		h, err := c.heldQty(ctx, sym)
		if err == nil {
			held = &h
		}
	}
	if held != nil {
		qty = capability.RoundDown(*held, inc)
	}
	if !qty.IsPositive() {
		return decimal.Zero, Errorf(CodeInvalidPrecision, c.opts.Exchange, sym, "size %s below increment %s", req.Size, inc)
	}
	c.log.Info("rounded exit collapsed; using full holding",
		zap.String("symbol", sym), zap.String("requested", req.Size.String()), zap.String("qty", qty.String()))
	return qty, nil
}

func (c *Conn) heldQty(ctx context.Context, sym string) (decimal.Decimal, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		if p.Symbol == sym {
			return p.Qty, nil
		}
	}
	return decimal.Zero, nil
}

// submit is the bounded retry loop. Rate limits and nonce rejections retry
// with a jumped nonce. An ambiguous transport failure retries only after a
// lookup proves no order exists for the client id.
func (c *Conn) submit(ctx context.Context, sym, native, clientID string, qty decimal.Decimal, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.opts.Sleep(ctx, c.ctl.RetryDelay(attempt)); err != nil {
				return Result{}, wrap(venueCode(common.KindOf(lastErr)), c.opts.Exchange, sym, fmt.Errorf("abandoned before retry: %w", err))
			}
		}
		if err := c.gate(ctx); err != nil {
			return Result{}, wrap(CodeRateLimited, c.opts.Exchange, sym, err)
		}

		n := c.nextNonce(attempt)
		began := time.Now()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		ack, err := c.venue.SubmitOrder(cctx, common.OrderRequest{
			Symbol:     native,
			Side:       req.Side,
			Qty:        qty,
			ClientID:   clientID,
			ReduceOnly: req.ReduceOnly,
			Nonce:      n,
		})
		cancel()
		c.record(err)

		at := order.Attempt{
			Account:   c.opts.Account,
			Broker:    c.opts.Exchange,
			Symbol:    sym,
			Side:      req.Side,
			IntentKey: req.IntentKey,
			ClientID:  clientID,
			Number:    attempt + 1,
			Nonce:     n,
			Qty:       qty.String(),
			Latency:   time.Since(began),
			At:        began,
		}

		if err == nil {
			return c.accept(sym, qty, ack, at, attempt+1, n)
		}
		lastErr = err

		switch kind := common.KindOf(err); kind {
		case common.KindRateLimited, common.KindForbidden, common.KindInvalidNonce:
			c.emit(at, order.OutcomeRateLimited, CodeRateLimited, err)
			continue

		case common.KindAuth:
			c.markAuthFailed(err)
			c.emit(at, order.OutcomeRejected, CodeAuthFailure, err)
			return Result{}, wrap(CodeAuthFailure, c.opts.Exchange, sym, err)

		case common.KindTransport:
			found, absent, lerr := c.lookup(ctx, native, clientID)
			if found != nil {
				c.log.Info("order confirmed after ambiguous failure", zap.String("symbol", sym), zap.String("client_id", clientID))
				return c.accept(sym, qty, *found, at, attempt+1, n)
			}
			if absent {
				c.emit(at, order.OutcomeRejected, CodeUnknown, err)
				lastErr = err
				continue
			}
			c.emit(at, order.OutcomeUnknown, CodeUnknown, err)
			c.escalate(sym, clientID, qty, n, req, err, lerr)
			return Result{ClientID: clientID, Symbol: sym, Side: req.Side, Status: common.StatusUnknown, RequestedQty: qty, Attempts: attempt + 1, Nonce: n},
				wrap(CodeUnknown, c.opts.Exchange, sym, fmt.Errorf("order outcome unknown (client id %s): %w", clientID, err))

		default:
			code := venueCode(kind)
			c.emit(at, order.OutcomeRejected, code, err)
			return Result{}, wrap(code, c.opts.Exchange, sym, err)
		}
	}
	code := CodeRateLimited
	if common.KindOf(lastErr) == common.KindTransport {
		code = CodeUnavailable
	}
	return Result{}, wrap(code, c.opts.Exchange, sym, fmt.Errorf("gave up after %d attempts: %w", c.opts.MaxAttempts, lastErr))
}

func (c *Conn) accept(sym string, qty decimal.Decimal, ack common.OrderResult, at order.Attempt, attempts int, n int64) (Result, error) {
	res := Result{
		OrderID:      ack.ExchangeOrderID,
		ClientID:     at.ClientID,
		Symbol:       sym,
		Side:         at.Side,
		Status:       ack.Status,
		RequestedQty: qty,
		FilledQty:    ack.FilledQty,
		AvgPrice:     ack.AvgPrice,
		Attempts:     attempts,
		Nonce:        n,
	}
	outcome := order.OutcomeOf(ack.Status)
	if outcome == order.OutcomeRejected && ack.FilledQty.IsPositive() {
		outcome = order.OutcomePartial
	}
	if outcome == order.OutcomeRejected {
		c.emit(at, outcome, CodeRejected, nil)
		return res, Errorf(CodeRejected, c.opts.Exchange, sym, "order %s ended %s", ack.ExchangeOrderID, ack.Status)
	}
	c.emit(at, outcome, "", nil)
	return res, nil
}

// lookup asks the venue whether clientID exists. absent is true only when
// the venue answered and proved there is no such order.
func (c *Conn) lookup(ctx context.Context, native, clientID string) (found *common.OrderResult, absent bool, err error) {
	lk, ok := c.venue.(common.OrderLookup)
	if !ok {
		return nil, false, fmt.Errorf("%s: %w: order lookup", c.opts.Exchange, capability.ErrNotSupported)
	}
	for try := 0; try < 2; try++ {
		if err = c.gate(ctx); err != nil {
			return nil, false, err
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		res, ok, lerr := lk.LookupOrder(cctx, native, clientID, c.seq.Next())
		cancel()
		c.record(lerr)
		if lerr == nil {
			if ok {
				return &res, false, nil
			}
			return nil, true, nil
		}
		err = lerr
		if common.KindOf(lerr) == common.KindNotFound {
			return nil, true, nil
		}
	}
	return nil, false, err
}

func (c *Conn) escalate(sym, clientID string, qty decimal.Decimal, n int64, req Request, cause, lookupErr error) {
	entry := order.ReviewEntry{
		ID:        clientID,
		Account:   c.opts.Account,
		Broker:    c.opts.Exchange,
		Symbol:    sym,
		Side:      req.Side,
		Qty:       qty.String(),
		ClientID:  clientID,
		IntentKey: req.IntentKey,
		Nonce:     n,
		Error:     cause.Error(),
		At:        time.Now().UTC(),
	}
	if lookupErr != nil {
		entry.Error += "; lookup: " + lookupErr.Error()
	}
	c.log.Error("order escalated for manual review",
		zap.String("symbol", sym), zap.String("client_id", clientID), zap.Error(cause))
	if c.deps.Review == nil {
		return
	}
	if err := c.deps.Review.Escalate(entry); err != nil {
		c.log.Error("review log write failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

func (c *Conn) emit(at order.Attempt, outcome order.Outcome, code Code, err error) {
	at.Outcome = outcome
	at.ErrorCode = string(code)
	if err != nil {
		at.Error = err.Error()
	}
	monitor.OrderAttempts.WithLabelValues(c.opts.Exchange, string(outcome)).Inc()
	if c.deps.Recorder != nil {
		c.deps.Recorder.RecordAttempt(at)
	}
}

// Confirm polls the venue for an acknowledged order that came back without
// fill details. Each poll takes a fresh nonce. The result is returned
// unchanged when the venue cannot look orders up or polling runs out.
func (c *Conn) Confirm(ctx context.Context, res Result) Result {
	if res.Status != common.StatusNew || res.FilledQty.IsPositive() || res.ClientID == "" {
		return res
	}
	lk, ok := c.venue.(common.OrderLookup)
	if !ok {
		return res
	}
	native, err := c.deps.Matrix.ToExchangeSymbol(c.capID, res.Symbol)
	if err != nil {
		return res
	}
	for poll := 0; poll < 3; poll++ {
		if err := c.opts.Sleep(ctx, time.Duration(poll+1)*200*time.Millisecond); err != nil {
			return res
		}
		if err := c.gate(ctx); err != nil {
			return res
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		ack, found, err := lk.LookupOrder(cctx, native, res.ClientID, c.seq.Next())
		cancel()
		c.record(err)
		if err != nil || !found {
			continue
		}
		if ack.ExchangeOrderID != "" {
			res.OrderID = ack.ExchangeOrderID
		}
		res.Status = ack.Status
		res.FilledQty = ack.FilledQty
		res.AvgPrice = ack.AvgPrice
		if ack.Status != common.StatusNew {
			return res
		}
	}
	c.log.Warn("order still unconfirmed", zap.String("symbol", res.Symbol), zap.String("client_id", res.ClientID))
	return res
}
