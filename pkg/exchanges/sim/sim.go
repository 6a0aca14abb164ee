// Package sim is an in-memory exchange used for dry runs and tests. Faults
// can be scripted per operation and every call is counted.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Op names a venue operation for fault scripting and call counting.
type Op string

const (
	OpBalance  Op = "balance"
	OpHoldings Op = "holdings"
	OpSubmit   Op = "submit"
	OpCancel   Op = "cancel"
	OpLookup   Op = "lookup"
	OpPrice    Op = "price"
	OpRules    Op = "rules"
)

// Fault is one scripted failure. With Applied set on a submit, the order is
// executed before the error is returned, as when a response is lost.
type Fault struct {
	Kind    common.ErrorKind
	Applied bool
	Msg     string
}

// Config tunes the simulation.
type Config struct {
	Name        string
	Mode        common.MarketMode
	Quote       string
	Balance     decimal.Decimal
	StepSize    decimal.Decimal
	FeeRate     float64 // e.g. 0.001 = 10 bps
	SlippageBps float64
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	// StrictNonce rejects a nonce not above the last one seen.
	StrictNonce bool
	// Feed quotes symbols that have no price set, e.g. a live public
	// ticker during a dry run.
	Feed func(ctx context.Context, symbol string) (float64, error)
}

type holding struct {
	qty   decimal.Decimal
	dir   common.Direction
	entry decimal.Decimal
}

// Exchange is safe for concurrent use.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	cash     decimal.Decimal
	holdings map[string]*holding
	prices   map[string]float64
	orders   map[string]common.OrderResult
	byID     map[string]string
	seq      int64

	faults    map[Op][]Fault
	calls     map[Op]int
	nonces    []int64
	lastNonce int64
}

// New creates a simulated exchange. Native symbols use "-" separators.
func New(cfg Config) *Exchange {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	if cfg.Mode == "" {
		cfg.Mode = common.ModeSpot
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	if cfg.StepSize.IsZero() {
		cfg.StepSize = decimal.New(1, -4)
	}
	return &Exchange{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cash:     cfg.Balance,
		holdings: make(map[string]*holding),
		prices:   make(map[string]float64),
		orders:   make(map[string]common.OrderResult),
		byID:     make(map[string]string),
		faults:   make(map[Op][]Fault),
		calls:    make(map[Op]int),
	}
}

func (e *Exchange) Name() string            { return e.cfg.Name }
func (e *Exchange) Mode() common.MarketMode { return e.cfg.Mode }

// Fail queues faults for op; each call consumes one.
func (e *Exchange) Fail(op Op, faults ...Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], faults...)
}

// Calls reports how many times op was invoked.
func (e *Exchange) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Nonces returns every nonce received, in arrival order.
func (e *Exchange) Nonces() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.nonces...)
}

// SetPrice lists a native symbol at px.
func (e *Exchange) SetPrice(symbol string, px float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = px
}

// SetHolding overwrites a position; a zero qty removes it.
func (e *Exchange) SetHolding(symbol string, qty decimal.Decimal, dir common.Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !qty.IsPositive() {
		delete(e.holdings, symbol)
		return
	}
	if dir == "" {
		dir = common.Long
	}
	e.holdings[symbol] = &holding{qty: qty, dir: dir, entry: decimal.NewFromFloat(e.prices[symbol])}
}

// SetBalance overwrites the quote balance.
func (e *Exchange) SetBalance(v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cash = v
}

// Orders lists accepted orders by exchange id.
func (e *Exchange) Orders() []common.OrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.OrderResult, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}

// enter counts the call, checks the nonce and pops a scripted fault.
func (e *Exchange) enter(op Op, nonce int64) (*Fault, error) {
	e.calls[op]++
	if nonce != 0 {
		e.nonces = append(e.nonces, nonce)
		if e.cfg.StrictNonce && nonce <= e.lastNonce {
			return nil, common.NewError(e.cfg.Name, common.KindInvalidNonce, 400, fmt.Sprintf("nonce %d not above %d", nonce, e.lastNonce))
		}
		if nonce > e.lastNonce {
			e.lastNonce = nonce
		}
	}
	q := e.faults[op]
	if len(q) == 0 {
		return nil, nil
	}
	f := q[0]
	e.faults[op] = q[1:]
	return &f, nil
}

func (e *Exchange) faultErr(f *Fault) error {
	msg := f.Msg
	if msg == "" {
		msg = "simulated " + strings.ToLower(string(f.Kind))
	}
	if f.Kind == common.KindTransport {
		return common.Transport(e.cfg.Name, fmt.Errorf("%s", msg))
	}
	status := 400
	switch f.Kind {
	case common.KindRateLimited:
		status = 429
	case common.KindForbidden:
		status = 403
	case common.KindAuth:
		status = 401
	}
	return common.NewError(e.cfg.Name, f.Kind, status, msg)
}

func (e *Exchange) latency(ctx context.Context) error {
	lo, hi := e.cfg.LatencyMin, e.cfg.LatencyMax
	if hi <= 0 {
		return nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	d := lo
	if span := int64(hi - lo); span > 0 {
		e.mu.Lock()
		d += time.Duration(e.rng.Int63n(span + 1))
		e.mu.Unlock()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return common.Transport(e.cfg.Name, ctx.Err())
	case <-t.C:
		return nil
	}
}

func (e *Exchange) Balance(ctx context.Context, nonce int64) (common.Balance, error) {
	if err := e.latency(ctx); err != nil {
		return common.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.enter(OpBalance, nonce)
	if err != nil {
		return common.Balance{}, err
	}
	if f != nil {
		return common.Balance{}, e.faultErr(f)
	}
	return common.Balance{Asset: e.cfg.Quote, Total: e.cash, Available: e.cash}, nil
}

func (e *Exchange) Holdings(ctx context.Context, nonce int64) ([]common.Holding, error) {
	if err := e.latency(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.enter(OpHoldings, nonce)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return nil, e.faultErr(f)
	}
	out := make([]common.Holding, 0, len(e.holdings))
	for sym, h := range e.holdings {
		base, _, _ := strings.Cut(sym, "-")
		out = append(out, common.Holding{
			Asset:      base,
			Symbol:     sym,
			Qty:        h.qty,
			Direction:  h.dir,
			EntryPrice: h.entry,
			MarkPrice:  decimal.NewFromFloat(e.prices[sym]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (e *Exchange) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := e.latency(ctx); err != nil {
		return common.OrderResult{}, err
	}
	e.quote(ctx, req.Symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.enter(OpSubmit, req.Nonce)
	if err != nil {
		return common.OrderResult{}, err
	}
	if f != nil && !f.Applied {
		return common.OrderResult{}, e.faultErr(f)
	}
	res, err := e.execute(req)
	if err != nil {
		return common.OrderResult{}, err
	}
	if f != nil {
		return common.OrderResult{}, e.faultErr(f)
	}
	return res, nil
}

func (e *Exchange) execute(req common.OrderRequest) (common.OrderResult, error) {
	if _, dup := e.orders[req.ClientID]; dup && req.ClientID != "" {
		return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindRejected, 400, "duplicate client order id "+req.ClientID)
	}
	px, ok := e.prices[req.Symbol]
	if !ok || px <= 0 {
		return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindInvalidSymbol, 400, "unknown symbol "+req.Symbol)
	}
	if !req.Qty.IsPositive() || !req.Qty.Mod(e.cfg.StepSize).IsZero() {
		return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindPrecision, 400, "quantity "+req.Qty.String()+" violates step "+e.cfg.StepSize.String())
	}

	fill := decimal.NewFromFloat(px)
	if e.cfg.SlippageBps > 0 {
		noise := decimal.NewFromFloat(1 + e.rng.Float64()*e.cfg.SlippageBps/10000)
		if req.Side == common.SideBuy {
			fill = fill.Mul(noise)
		} else {
			fill = fill.Div(noise)
		}
	}
	notional := req.Qty.Mul(fill)
	fee := notional.Mul(decimal.NewFromFloat(e.cfg.FeeRate))
	h := e.holdings[req.Symbol]

	switch req.Side {
	case common.SideBuy:
		if h != nil && h.dir == common.Short {
			if req.Qty.GreaterThan(h.qty) {
				return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindRejected, 400, "reduce exceeds short position")
			}
			e.cash = e.cash.Sub(fee)
			e.reduce(req.Symbol, h, req.Qty)
			break
		}
		if req.ReduceOnly {
			return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindRejected, 400, "reduce-only order would increase position")
		}
		cost := notional.Add(fee)
		if e.cash.LessThan(cost) {
			return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindInsufficientFunds, 400, "insufficient balance")
		}
		e.cash = e.cash.Sub(cost)
		e.add(req.Symbol, common.Long, req.Qty, fill)
	case common.SideSell:
		if h == nil || h.dir != common.Long || h.qty.LessThan(req.Qty) {
			return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindInsufficientFunds, 400, "insufficient holding")
		}
		e.cash = e.cash.Add(notional.Sub(fee))
		e.reduce(req.Symbol, h, req.Qty)
	case common.SideSellShort:
		if e.cfg.Mode == common.ModeSpot {
			return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindRejected, 400, "short selling unavailable on spot")
		}
		e.cash = e.cash.Sub(fee)
		e.add(req.Symbol, common.Short, req.Qty, fill)
	default:
		return common.OrderResult{}, common.NewError(e.cfg.Name, common.KindRejected, 400, "unknown side")
	}

	e.seq++
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(e.seq, 10),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          common.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        fill,
		Fee:             fee,
		UpdatedAt:       time.Now().UTC(),
	}
	key := req.ClientID
	if key == "" {
		key = "sim-" + res.ExchangeOrderID
	}
	e.orders[key] = res
	e.byID[res.ExchangeOrderID] = key
	return res, nil
}

func (e *Exchange) add(sym string, dir common.Direction, qty, px decimal.Decimal) {
	h := e.holdings[sym]
	if h == nil {
		e.holdings[sym] = &holding{qty: qty, dir: dir, entry: px}
		return
	}
	total := h.qty.Add(qty)
	h.entry = h.entry.Mul(h.qty).Add(px.Mul(qty)).Div(total)
	h.qty = total
}

func (e *Exchange) reduce(sym string, h *holding, qty decimal.Decimal) {
	h.qty = h.qty.Sub(qty)
	if !h.qty.IsPositive() {
		delete(e.holdings, sym)
	}
}

// CancelOrder always reports NOT_FOUND for filled market orders.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string, nonce int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.enter(OpCancel, nonce)
	if err != nil {
		return err
	}
	if f != nil {
		return e.faultErr(f)
	}
	if _, ok := e.byID[orderID]; ok {
		return common.NewError(e.cfg.Name, common.KindNotFound, 400, "order already filled")
	}
	return common.NewError(e.cfg.Name, common.KindNotFound, 400, "unknown order "+orderID)
}

func (e *Exchange) LookupOrder(ctx context.Context, symbol, clientID string, nonce int64) (common.OrderResult, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.enter(OpLookup, nonce)
	if err != nil {
		return common.OrderResult{}, false, err
	}
	if f != nil {
		return common.OrderResult{}, false, e.faultErr(f)
	}
	res, ok := e.orders[clientID]
	return res, ok, nil
}

func (e *Exchange) SymbolRules(ctx context.Context) ([]common.SymbolRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, _ := e.enter(OpRules, 0); f != nil {
		return nil, e.faultErr(f)
	}
	out := make([]common.SymbolRule, 0, len(e.prices))
	for sym := range e.prices {
		parts := strings.Split(sym, "-")
		if len(parts) < 2 {
			continue
		}
		out = append(out, common.SymbolRule{
			Symbol:   sym,
			Base:     parts[0],
			Quote:    parts[1],
			StepSize: e.cfg.StepSize,
			Trading:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// quote pulls a missing price from the feed.
func (e *Exchange) quote(ctx context.Context, symbol string) {
	if e.cfg.Feed == nil {
		return
	}
	e.mu.Lock()
	_, ok := e.prices[symbol]
	e.mu.Unlock()
	if ok {
		return
	}
	if px, err := e.cfg.Feed(ctx, symbol); err == nil && px > 0 {
		e.SetPrice(symbol, px)
	}
}

func (e *Exchange) Price(ctx context.Context, symbol string) (float64, error) {
	e.quote(ctx, symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, _ := e.enter(OpPrice, 0); f != nil {
		return 0, e.faultErr(f)
	}
	px, ok := e.prices[symbol]
	if !ok {
		return 0, common.NewError(e.cfg.Name, common.KindInvalidSymbol, 400, "unknown symbol "+symbol)
	}
	return px, nil
}

func (e *Exchange) Ping(ctx context.Context) error { return nil }
