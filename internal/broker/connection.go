// Package broker binds one credential to one exchange and makes every call
// through it rate-controlled, nonce-sequenced and capability-checked.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/backoff"
	"execution-core/internal/capability"
	"execution-core/internal/monitor"
	"execution-core/internal/nonce"
	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Connection is one authenticated session of one account on one exchange.
type Connection interface {
	Account() string
	Exchange() string
	CapabilityID() string
	Mode() common.MarketMode
	Balance(ctx context.Context) (common.Balance, error)
	Positions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req Request) (Result, error)
	Confirm(ctx context.Context, res Result) Result
	Cancel(ctx context.Context, symbol, orderID string) error
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Probe(ctx context.Context) error
	Available() bool
	AuthFailed() bool
	Backoff() *backoff.Controller
	NoncesIssued() int64
}

// Position is a live exchange holding in canonical form.
type Position struct {
	Symbol     string           `json:"symbol"`
	Qty        decimal.Decimal  `json:"qty"`
	Direction  common.Direction `json:"direction"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	MarkPrice  decimal.Decimal  `json:"mark_price"`
}

// ValueUSD prices the holding at mark, falling back to entry.
func (p Position) ValueUSD() decimal.Decimal {
	px := p.MarkPrice
	if !px.IsPositive() {
		px = p.EntryPrice
	}
	return p.Qty.Abs().Mul(px)
}

// Request is a validated intent handed to PlaceOrder.
type Request struct {
	Symbol     string
	Side       common.Side
	Size       decimal.Decimal
	Urgency    order.Urgency
	ClientID   string
	IntentKey  string
	ReduceOnly bool
	RefPrice   decimal.Decimal
	Emergency  bool
}

// Result is a confirmed exchange acknowledgement.
type Result struct {
	OrderID      string             `json:"order_id"`
	ClientID     string             `json:"client_id"`
	Symbol       string             `json:"symbol"`
	Side         common.Side        `json:"side"`
	Status       common.OrderStatus `json:"status"`
	RequestedQty decimal.Decimal    `json:"requested_qty"`
	FilledQty    decimal.Decimal    `json:"filled_qty"`
	AvgPrice     decimal.Decimal    `json:"avg_price"`
	Attempts     int                `json:"attempts"`
	Nonce        int64              `json:"nonce"`
}

// Escalator receives orders whose outcome could not be established.
type Escalator interface {
	Escalate(order.ReviewEntry) error
}

// Options tune one connection.
type Options struct {
	Account        string
	Exchange       string
	MaxAttempts    int
	CallTimeout    time.Duration
	RequestsPerSec float64
	Burst          int
	Backoff        backoff.Config
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Deps are shared collaborators; none carry per-connection state.
type Deps struct {
	Matrix   *capability.Matrix
	Safety   *Safety
	Recorder order.AttemptRecorder
	Review   Escalator
}

// Conn is the generic Connection over an exchange-specific Venue. It owns
// its nonce sequencer and backoff controller.
type Conn struct {
	opts    Options
	capID   string
	venue   common.Venue
	deps    Deps
	seq     *nonce.Sequencer
	ctl     *backoff.Controller
	limiter *rate.Limiter
	log     *zap.Logger

	authFailed atomic.Bool
}

// NewConn wires a venue into a connection with a fresh nonce seed and a
// warm-up backoff controller.
func NewConn(venue common.Venue, deps Deps, opts Options) *Conn {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 8
	}
	if opts.Burst <= 0 {
		opts.Burst = max(1, int(opts.RequestsPerSec))
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Exchange == "" {
		opts.Exchange = capabilityID(venue)
	}
	if deps.Safety == nil {
		deps.Safety = NewSafety(false, nil)
	}
	if deps.Matrix == nil {
		deps.Matrix = capability.NewDefault()
	}
	name := opts.Account + "/" + opts.Exchange
	return &Conn{
		opts:    opts,
		capID:   capabilityID(venue),
		venue:   venue,
		deps:    deps,
		seq:     nonce.New(),
		ctl:     backoff.New(name, opts.Backoff),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		log:     logger.Named("broker").With(zap.String("account", opts.Account), zap.String("exchange", opts.Exchange)),
	}
}

// capabilityID names the venue with an explicit mode so the matrix never
// infers a mode the venue cannot trade.
func capabilityID(v common.Venue) string {
	suffix := "spot"
	switch v.Mode() {
	case common.ModePerpetual:
		suffix = "perp"
	case common.ModeFutures:
		suffix = "futures"
	case common.ModeMargin:
		suffix = "margin"
	}
	return strings.ToLower(v.Name()) + "-" + suffix
}

func (c *Conn) Account() string                     { return c.opts.Account }
func (c *Conn) Exchange() string                    { return c.opts.Exchange }
func (c *Conn) Mode() common.MarketMode             { return c.venue.Mode() }
func (c *Conn) Venue() common.Venue                 { return c.venue }
func (c *Conn) CapabilityID() string                { return c.capID }
func (c *Conn) Backoff() *backoff.Controller        { return c.ctl }
func (c *Conn) NoncesIssued() int64                 { return c.seq.Issued() }
func (c *Conn) AuthFailed() bool                    { return c.authFailed.Load() }
func (c *Conn) Available() bool                     { return c.ctl.Available() && !c.authFailed.Load() }
func (c *Conn) Sequencer() *nonce.Sequencer         { return c.seq }
func (c *Conn) Matrix() *capability.Matrix          { return c.deps.Matrix }
func (c *Conn) SetRecorder(r order.AttemptRecorder) { c.deps.Recorder = r }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// gate waits out any backoff pause and the client-side rate limit.
func (c *Conn) gate(ctx context.Context) error {
	if p := c.ctl.ShouldPause(); p > 0 {
		c.log.Debug("pausing before call", zap.Duration("pause", p))
		if err := c.opts.Sleep(ctx, p); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx)
}

func (c *Conn) nextNonce(attempt int) int64 {
	if attempt == 0 {
		return c.seq.Next()
	}
	return c.seq.NextRetry(attempt)
}

// record folds a venue result into the controller. Business rejections mean
// the API answered, so they count as healthy.
func (c *Conn) record(err error) {
	var kind backoff.Kind
	switch common.KindOf(err) {
	case "":
		kind = backoff.OK
	case common.KindRateLimited:
		kind = backoff.RateLimited
	case common.KindForbidden, common.KindInvalidNonce, common.KindAuth:
		kind = backoff.Forbidden
	case common.KindTransport, common.KindNotFound:
		kind = backoff.Failure
	default:
		kind = backoff.OK
	}
	c.ctl.RecordOutcome(kind)
	st := c.ctl.Stats()
	monitor.APIHealth.WithLabelValues(c.opts.Account, c.opts.Exchange).Set(st.Health)
	monitor.BatchSize.WithLabelValues(c.opts.Account, c.opts.Exchange).Set(float64(st.BatchSize))
}

func (c *Conn) markAuthFailed(err error) {
	if c.authFailed.CompareAndSwap(false, true) {
		c.log.Error("authentication failed; connection degraded", zap.Error(err))
	}
}

// do runs an idempotent authenticated call with bounded retries. Rate
// limits, nonce rejections and transport errors retry with a jumped nonce.
func (c *Conn) do(ctx context.Context, op string, fn func(ctx context.Context, nonce int64) error) error {
	if !c.ctl.Available() {
		return Errorf(CodeUnavailable, c.opts.Exchange, "", "%s: breaker open", op)
	}
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.opts.Sleep(ctx, c.ctl.RetryDelay(attempt)); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		if err := c.gate(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		err := fn(cctx, c.nextNonce(attempt))
		cancel()
		c.record(err)
		if err == nil {
			return nil
		}
		lastErr = err
		switch kind := common.KindOf(err); kind {
		case common.KindRateLimited, common.KindForbidden, common.KindInvalidNonce, common.KindTransport:
			c.log.Debug("retrying call", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		case common.KindAuth:
			c.markAuthFailed(err)
			return wrap(CodeAuthFailure, c.opts.Exchange, "", err)
		default:
			return wrap(venueCode(kind), c.opts.Exchange, "", err)
		}
	}
	return wrap(venueCode(common.KindOf(lastErr)), c.opts.Exchange, "", fmt.Errorf("%s: retries exhausted: %w", op, lastErr))
}

// Balance reads the quote-currency balance.
func (c *Conn) Balance(ctx context.Context) (common.Balance, error) {
	var bal common.Balance
	err := c.do(ctx, "balance", func(ctx context.Context, n int64) error {
		var err error
		bal, err = c.venue.Balance(ctx, n)
		return err
	})
	return bal, err
}

// Probe re-checks credentials and clears a previous auth failure on
// success.
func (c *Conn) Probe(ctx context.Context) error {
	if _, err := c.Balance(ctx); err != nil {
		return err
	}
	if c.authFailed.CompareAndSwap(true, false) {
		c.log.Info("authentication recovered")
	}
	return nil
}

// Positions lists live holdings in canonical symbols. Quote-currency
// balances and unmappable assets are skipped.
func (c *Conn) Positions(ctx context.Context) ([]Position, error) {
	var holdings []common.Holding
	err := c.do(ctx, "holdings", func(ctx context.Context, n int64) error {
		var err error
		holdings, err = c.venue.Holdings(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(holdings))
	for _, h := range holdings {
		if !h.Qty.IsPositive() {
			continue
		}
		var sym string
		var err error
		if h.Symbol != "" {
			sym, err = c.deps.Matrix.FromExchangeSymbol(c.capID, h.Symbol)
		} else {
			if c.deps.Matrix.IsQuoteAsset(c.capID, h.Asset) {
				continue
			}
			sym, err = c.deps.Matrix.AssetSymbol(c.capID, h.Asset)
		}
		if err != nil {
			c.log.Debug("skipping unmappable holding", zap.String("asset", h.Asset), zap.String("symbol", h.Symbol), zap.Error(err))
			continue
		}
		dir := h.Direction
		if dir == "" {
			dir = common.Long
		}
		p := Position{Symbol: sym, Qty: h.Qty, Direction: dir, EntryPrice: h.EntryPrice, MarkPrice: h.MarkPrice}
		if !p.MarkPrice.IsPositive() {
			if px, err := c.Price(ctx, sym); err == nil {
				p.MarkPrice = px
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Price quotes a canonical symbol through the venue ticker.
func (c *Conn) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t, ok := c.venue.(common.Ticker)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w: price quotes", c.opts.Exchange, capability.ErrNotSupported)
	}
	native, err := c.deps.Matrix.ToExchangeSymbol(c.capID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.gate(ctx); err != nil {
		return decimal.Zero, err
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	px, err := t.Price(cctx, native)
	c.record(err)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(px), nil
}

// Cancel cancels an open order.
func (c *Conn) Cancel(ctx context.Context, symbol, orderID string) error {
	native, err := c.deps.Matrix.ToExchangeSymbol(c.capID, symbol)
	if err != nil {
		return wrap(capabilityCode(err), c.opts.Exchange, symbol, err)
	}
	return c.do(ctx, "cancel", func(ctx context.Context, n int64) error {
		err := c.venue.CancelOrder(ctx, native, orderID, n)
		if common.KindOf(err) == common.KindNotFound {
			return nil
		}
		return err
	})
}

// RefreshCapabilities reloads listed symbols from venue metadata.
func (c *Conn) RefreshCapabilities(ctx context.Context) error {
	src, ok := c.venue.(common.RulesSource)
	if !ok {
		return nil
	}
	return c.deps.Matrix.Refresh(ctx, c.capID, c.venue.Mode(), src)
}

// Ping probes liveness without credentials when the venue supports it.
func (c *Conn) Ping(ctx context.Context) error {
	p, ok := c.venue.(common.Pinger)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return p.Ping(cctx)
}
