// Package ledger is the local source of truth for open positions per
// (account, broker, symbol). Quantities change only on confirmed fills and
// reconciliation against exchange holdings.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/blacklist"
	"execution-core/internal/capability"
	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Status of a tracked position.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusZombie  Status = "ZOMBIE"
	StatusClosed  Status = "CLOSED"
)

// Position is one ledger row.
type Position struct {
	Account      string           `json:"account"`
	Broker       string           `json:"broker"`
	Symbol       string           `json:"symbol"`
	Qty          decimal.Decimal  `json:"qty"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	MarkPrice    decimal.Decimal  `json:"mark_price"`
	Direction    common.Direction `json:"direction"`
	Status       Status           `json:"status"`
	MissedPasses int              `json:"missed_passes"`
	OpenedAt     time.Time        `json:"opened_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ValueUSD prices the position at mark, falling back to entry.
func (p Position) ValueUSD() decimal.Decimal {
	px := p.MarkPrice
	if !px.IsPositive() {
		px = p.EntryPrice
	}
	return p.Qty.Mul(px)
}

// PnL is the unrealized profit at mark; zero without a mark.
func (p Position) PnL() decimal.Decimal {
	if !p.MarkPrice.IsPositive() || !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	diff := p.MarkPrice.Sub(p.EntryPrice)
	if p.Direction == common.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Qty)
}

// PnLPct is PnL relative to entry notional.
func (p Position) PnLPct() float64 {
	cost := p.Qty.Mul(p.EntryPrice)
	if !cost.IsPositive() {
		return 0
	}
	f, _ := p.PnL().Div(cost).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// Fill is a confirmed execution to apply.
type Fill struct {
	Account   string
	Broker    string
	Symbol    string
	Side      common.Side
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	OrderID   string
	ClientID  string
	IntentKey string
	Source    string
	At        time.Time
}

// Store persists the ledger; *db.Queries satisfies it.
type Store interface {
	UpsertPosition(ctx context.Context, p db.Position) error
	DeletePosition(ctx context.Context, accountID, broker, symbol string) error
	AllPositions(ctx context.Context) ([]db.Position, error)
	InsertFill(ctx context.Context, f db.Fill) (bool, error)
}

// Options tune a ledger.
type Options struct {
	DustFloorUSD decimal.Decimal
	Bus          *events.Bus
	Now          func() time.Time
}

type pkey struct{ account, broker, symbol string }

// Ledger keeps an in-memory view of positions while persisting every change.
type Ledger struct {
	mu        sync.RWMutex
	positions map[pkey]*Position
	seen      map[string]struct{}
	store     Store
	dust      *blacklist.Blacklist
	floor     decimal.Decimal
	bus       *events.Bus
	now       func() time.Time
	log       *zap.Logger
}

// New builds a ledger. store and bus may be nil; dust may not.
func New(store Store, dust *blacklist.Blacklist, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DustFloorUSD.IsZero() {
		opts.DustFloorUSD = decimal.NewFromInt(1)
	}
	return &Ledger{
		positions: make(map[pkey]*Position),
		seen:      make(map[string]struct{}),
		store:     store,
		dust:      dust,
		floor:     opts.DustFloorUSD,
		bus:       opts.Bus,
		now:       opts.Now,
		log:       logger.Named("ledger"),
	}
}

// Load seeds in-memory state from the store on startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	rows, err := l.store.AllPositions(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rows {
		p := fromRow(r)
		l.positions[pkey{p.Account, p.Broker, p.Symbol}] = &p
	}
	l.log.Info("ledger loaded", zap.Int("positions", len(rows)))
	return nil
}

func fromRow(r db.Position) Position {
	return Position{
		Account:      r.AccountID,
		Broker:       r.Broker,
		Symbol:       r.Symbol,
		Qty:          r.Qty,
		EntryPrice:   r.EntryPrice,
		Direction:    common.Direction(r.Direction),
		Status:       Status(r.Status),
		MissedPasses: r.MissedPasses,
		OpenedAt:     r.OpenedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toRow(p *Position) db.Position {
	return db.Position{
		AccountID:    p.Account,
		Broker:       p.Broker,
		Symbol:       p.Symbol,
		Qty:          p.Qty,
		EntryPrice:   p.EntryPrice,
		Direction:    string(p.Direction),
		Status:       string(p.Status),
		MissedPasses: p.MissedPasses,
		OpenedAt:     p.OpenedAt,
	}
}

func (l *Ledger) persistLocked(ctx context.Context, p *Position) error {
	if l.store == nil {
		return nil
	}
	return l.store.UpsertPosition(ctx, toRow(p))
}

func (l *Ledger) deleteLocked(ctx context.Context, k pkey) error {
	delete(l.positions, k)
	if l.store == nil {
		return nil
	}
	return l.store.DeletePosition(ctx, k.account, k.broker, k.symbol)
}

// RecordFill applies a confirmed fill exactly once per (broker, order id).
// applied is false for a duplicate. The returned position has zero Qty when
// the fill closed it.
func (l *Ledger) RecordFill(ctx context.Context, f Fill) (pos Position, applied bool, err error) {
	if !f.Qty.IsPositive() {
		return Position{}, false, fmt.Errorf("fill %s: non-positive qty %s", f.OrderID, f.Qty)
	}
	f.Symbol = capability.Canonical(f.Symbol)
	if f.At.IsZero() {
		f.At = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fillKey := f.Broker + "|" + f.OrderID
	if f.OrderID != "" {
		if _, dup := l.seen[fillKey]; dup {
			return l.snapshotLocked(f.Account, f.Broker, f.Symbol), false, nil
		}
	}
	if l.store != nil && f.OrderID != "" {
		inserted, err := l.store.InsertFill(ctx, db.Fill{
			OrderID: f.OrderID, AccountID: f.Account, Broker: f.Broker, Symbol: f.Symbol,
			Side: string(f.Side), Qty: f.Qty, Price: f.Price, Fee: f.Fee,
			ClientID: f.ClientID, IntentKey: f.IntentKey, Source: f.Source, CreatedAt: f.At,
		})
		if err != nil {
			return Position{}, false, err
		}
		if !inserted {
			l.seen[fillKey] = struct{}{}
			return l.snapshotLocked(f.Account, f.Broker, f.Symbol), false, nil
		}
	}
	if f.OrderID != "" {
		l.seen[fillKey] = struct{}{}
	}

	k := pkey{f.Account, f.Broker, f.Symbol}
	p := l.positions[k]
	switch {
	case p == nil:
		if f.Side == common.SideSell {
			l.log.Warn("sell fill without tracked position",
				zap.String("account", f.Account), zap.String("broker", f.Broker), zap.String("symbol", f.Symbol))
			return Position{Account: f.Account, Broker: f.Broker, Symbol: f.Symbol}, true, nil
		}
		dir := common.Long
		if f.Side == common.SideSellShort {
			dir = common.Short
		}
		p = &Position{
			Account: f.Account, Broker: f.Broker, Symbol: f.Symbol,
			Qty: f.Qty, EntryPrice: f.Price, MarkPrice: f.Price,
			Direction: dir, Status: StatusOpen, OpenedAt: f.At,
		}
		l.positions[k] = p
	case opens(p.Direction, f.Side):
		total := p.Qty.Add(f.Qty)
		p.EntryPrice = p.EntryPrice.Mul(p.Qty).Add(f.Price.Mul(f.Qty)).Div(total)
		p.Qty = total
		p.MarkPrice = f.Price
		p.Status = StatusOpen
		p.MissedPasses = 0
	default:
		if f.Qty.GreaterThan(p.Qty) {
			l.log.Warn("fill exceeds tracked quantity; clamping to zero",
				zap.String("account", f.Account), zap.String("symbol", f.Symbol),
				zap.String("tracked", p.Qty.String()), zap.String("fill", f.Qty.String()))
		}
		p.Qty = decimal.Max(p.Qty.Sub(f.Qty), decimal.Zero)
		p.MarkPrice = f.Price
	}
	p.UpdatedAt = f.At

	if !p.Qty.IsPositive() {
		closed := *p
		closed.Qty = decimal.Zero
		closed.Status = StatusClosed
		if err := l.deleteLocked(ctx, k); err != nil {
			return closed, true, err
		}
		return closed, true, nil
	}
	return *p, true, l.persistLocked(ctx, p)
}

func opens(dir common.Direction, side common.Side) bool {
	if dir == common.Short {
		return side == common.SideSellShort
	}
	return side == common.SideBuy
}

func (l *Ledger) snapshotLocked(account, broker, symbol string) Position {
	if p, ok := l.positions[pkey{account, broker, symbol}]; ok {
		return *p
	}
	return Position{Account: account, Broker: broker, Symbol: symbol}
}

// Get returns one position.
func (l *Ledger) Get(account, broker, symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[pkey{account, broker, capability.Canonical(symbol)}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// PositionsFor returns every tracked position of account across brokers.
func (l *Ledger) PositionsFor(account string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, p := range l.positions {
		if p.Account == account {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// PositionsOn returns the positions of one (account, broker).
func (l *Ledger) PositionsOn(account, broker string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, p := range l.positions {
		if p.Account == account && p.Broker == broker {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// Accounts lists accounts with tracked positions.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := make(map[string]struct{})
	for k := range l.positions {
		set[k.account] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Broker != ps[j].Broker {
			return ps[i].Broker < ps[j].Broker
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}

// counts reports whether p occupies a slot under the position cap.
func (l *Ledger) counts(p *Position) bool {
	if p.Status != StatusOpen && p.Status != StatusClosing {
		return false
	}
	return !l.dust.Contains(p.Account, p.Symbol)
}

// CountOpen is the account-wide number of positions counted against the cap:
// OPEN or CLOSING and not dust-blacklisted, across all brokers.
func (l *Ledger) CountOpen(account string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, p := range l.positions {
		if p.Account == account && l.counts(p) {
			n++
		}
	}
	return n
}

// Holds reports whether account has a counted position in symbol on any
// broker.
func (l *Ledger) Holds(account, symbol string) bool {
	symbol = capability.Canonical(symbol)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.positions {
		if p.Account == account && p.Symbol == symbol && l.counts(p) {
			return true
		}
	}
	return false
}

// ExposureUSD sums the value of counted positions of account.
func (l *Ledger) ExposureUSD(account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.positions {
		if p.Account == account && l.counts(p) {
			total = total.Add(p.ValueUSD())
		}
	}
	return total
}

// SetStatus moves a position between OPEN and CLOSING.
func (l *Ledger) SetStatus(ctx context.Context, account, broker, symbol string, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[pkey{account, broker, capability.Canonical(symbol)}]
	if !ok {
		return nil
	}
	if p.Status == status {
		return nil
	}
	p.Status = status
	p.UpdatedAt = l.now().UTC()
	return l.persistLocked(ctx, p)
}

// Remove drops a position without a fill (dust purge, operator action).
func (l *Ledger) Remove(ctx context.Context, account, broker, symbol, reason string) error {
	symbol = capability.Canonical(symbol)
	l.mu.Lock()
	k := pkey{account, broker, symbol}
	p, ok := l.positions[k]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	value := p.ValueUSD()
	err := l.deleteLocked(ctx, k)
	l.mu.Unlock()
	l.log.Info("position removed", zap.String("account", account), zap.String("broker", broker),
		zap.String("symbol", symbol), zap.String("reason", reason))
	l.publish(events.EventPositionRemoved, events.PositionNotice{Account: account, Broker: broker, Symbol: symbol, Reason: reason, ValueUSD: value})
	return err
}

// UpdateMark records a fresh valuation price.
func (l *Ledger) UpdateMark(account, broker, symbol string, px decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[pkey{account, broker, capability.Canonical(symbol)}]; ok && px.IsPositive() {
		p.MarkPrice = px
	}
}

// Dust exposes the blacklist the ledger consults.
func (l *Ledger) Dust() *blacklist.Blacklist { return l.dust }

func (l *Ledger) publish(topic events.Event, payload any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}
