// Package capability answers what each (exchange, market-mode) pair
// supports: short selling, precision, minimum notional and symbol format.
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/monitor"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Format describes how a venue spells symbols.
type Format struct {
	Separator    string
	Lowercase    bool
	PerpSuffix   string            // appended to perpetual symbols
	QuoteAliases map[string]string // canonical -> native (USD -> ZUSD)
	BaseAliases  map[string]string // canonical -> native (BTC -> XBT)
}

// Entry is the reference data for one (exchange, mode). Entries are
// replaced, never mutated, once stored in a Matrix.
type Entry struct {
	Exchange      string
	Mode          common.MarketMode
	SupportsShort bool
	MinIncrement  decimal.Decimal
	MinNotional   decimal.Decimal
	Format        Format
	Quotes        []string // accepted canonical quotes; empty accepts any

	listed map[string]common.SymbolRule // canonical -> rule
	native map[string]string            // native -> canonical
	loaded time.Time
}

type key struct {
	exchange string
	mode     common.MarketMode
}

// Matrix is safe for concurrent use.
type Matrix struct {
	mu         sync.RWMutex
	entries    map[key]*Entry
	suppressed map[string]int64
	log        *zap.Logger
}

// New builds a matrix from entries; unknown (exchange, mode) pairs are
// denied.
func New(entries ...Entry) *Matrix {
	m := &Matrix{
		entries:    make(map[key]*Entry),
		suppressed: make(map[string]int64),
		log:        logger.Named("capability"),
	}
	for _, e := range entries {
		m.Set(e)
	}
	return m
}

// Set stores or replaces an entry.
func (m *Matrix) Set(e Entry) {
	e.Exchange = strings.ToLower(e.Exchange)
	quotes := make([]string, len(e.Quotes))
	for i, q := range e.Quotes {
		quotes[i] = strings.ToUpper(q)
	}
	e.Quotes = quotes
	m.mu.Lock()
	if prev, ok := m.entries[key{e.Exchange, e.Mode}]; ok && e.listed == nil {
		e.listed, e.native, e.loaded = prev.listed, prev.native, prev.loaded
	}
	m.entries[key{e.Exchange, e.Mode}] = &e
	m.mu.Unlock()
}

// Apply layers file overrides on top of the current entries.
func (m *Matrix) Apply(specs []config.CapabilitySpec) error {
	for _, s := range specs {
		venue, mode, explicit := SplitExchange(s.Exchange)
		if s.Mode != "" {
			mode, explicit = common.MarketMode(strings.ToUpper(s.Mode)), true
		}
		if !explicit {
			return fmt.Errorf("capability %q: market mode required", s.Exchange)
		}
		e := Entry{
			Exchange:      venue,
			Mode:          mode,
			SupportsShort: s.SupportsShort,
			Quotes:        upperAll(s.Quotes),
			Format: Format{
				Separator:    s.Separator,
				Lowercase:    s.Lowercase,
				PerpSuffix:   s.PerpSuffix,
				QuoteAliases: upperKeys(s.QuoteAliases),
				BaseAliases:  upperKeys(s.BaseAliases),
			},
		}
		var err error
		if e.MinIncrement, err = parseDecimal(s.MinIncrement); err != nil {
			return fmt.Errorf("capability %s/%s min_increment: %w", venue, mode, err)
		}
		if e.MinNotional, err = parseDecimal(s.MinNotional); err != nil {
			return fmt.Errorf("capability %s/%s min_notional: %w", venue, mode, err)
		}
		if len(s.Symbols) > 0 {
			rules := make([]common.SymbolRule, 0, len(s.Symbols))
			for _, sym := range s.Symbols {
				parsed, err := ParseSymbol(sym)
				if err != nil {
					return fmt.Errorf("capability %s/%s: %w", venue, mode, err)
				}
				parsed.Mode = mode
				rules = append(rules, common.SymbolRule{
					Symbol:  e.nativeFor(parsed),
					Base:    e.alias(e.Format.BaseAliases, parsed.Base),
					Quote:   e.alias(e.Format.QuoteAliases, parsed.Quote),
					Trading: true,
				})
			}
			e.index(rules)
		}
		m.Set(e)
	}
	return nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

func upperKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// resolve finds the entry for exchange and symbol. An explicit mode suffix on
// the exchange id wins over the symbol shape for plain BASE-QUOTE symbols and
// must agree with it otherwise.
func (m *Matrix) resolve(exchange, symbol string) (*Entry, Symbol, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, Symbol{}, err
	}
	venue, mode, explicit := SplitExchange(exchange)
	if explicit {
		if sym.Mode != common.ModeSpot && sym.Mode != mode {
			return nil, sym, fmt.Errorf("%w: %s on %s", ErrNotSupported, sym, exchange)
		}
		sym.Mode = mode
	}
	m.mu.RLock()
	e, ok := m.entries[key{venue, sym.Mode}]
	m.mu.RUnlock()
	if !ok {
		return nil, sym, fmt.Errorf("%w: no capability entry for %s/%s", ErrNotSupported, venue, sym.Mode)
	}
	return e, sym, nil
}

// Lookup returns a copy of the entry serving exchange/symbol.
func (m *Matrix) Lookup(exchange, symbol string) (Entry, error) {
	e, _, err := m.resolve(exchange, symbol)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// CanShort is false for anything the matrix does not positively know.
func (m *Matrix) CanShort(exchange, symbol string) bool {
	e, sym, err := m.resolve(exchange, symbol)
	if err != nil || !e.SupportsShort {
		return false
	}
	if _, err := e.toNative(sym); err != nil {
		return false
	}
	return true
}

// MinIncrement is the listed step size, else the entry default.
func (m *Matrix) MinIncrement(exchange, symbol string) (decimal.Decimal, error) {
	e, sym, err := m.resolve(exchange, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if r, ok := e.listed[sym.String()]; ok && r.StepSize.IsPositive() {
		return r.StepSize, nil
	}
	return e.MinIncrement, nil
}

// MinNotional is the listed minimum, else the entry default.
func (m *Matrix) MinNotional(exchange, symbol string) (decimal.Decimal, error) {
	e, sym, err := m.resolve(exchange, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if r, ok := e.listed[sym.String()]; ok && r.MinNotional.IsPositive() {
		return r.MinNotional, nil
	}
	return e.MinNotional, nil
}

// ToExchangeSymbol validates canonical and renders it in the venue format.
// Unsupported or unlisted symbols are rejected rather than guessed.
func (m *Matrix) ToExchangeSymbol(exchange, canonical string) (string, error) {
	e, sym, err := m.resolve(exchange, canonical)
	if err != nil {
		return "", err
	}
	return e.toNative(sym)
}

// FromExchangeSymbol maps a venue symbol back to canonical form.
func (m *Matrix) FromExchangeSymbol(exchange, native string) (string, error) {
	venue, mode, explicit := SplitExchange(exchange)
	if !explicit {
		mode = common.ModeSpot
	}
	m.mu.RLock()
	e, ok := m.entries[key{venue, mode}]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no capability entry for %s/%s", ErrNotSupported, venue, mode)
	}
	return e.fromNative(native)
}

// AssetSymbol is the canonical spot symbol for a held asset, priced in the
// venue's first accepted quote.
func (m *Matrix) AssetSymbol(exchange, asset string) (string, error) {
	venue, _, _ := SplitExchange(exchange)
	m.mu.RLock()
	e, ok := m.entries[key{venue, common.ModeSpot}]
	m.mu.RUnlock()
	if !ok || len(e.Quotes) == 0 {
		return "", fmt.Errorf("%w: no spot quote for %s", ErrNotSupported, venue)
	}
	base := e.unalias(e.Format.BaseAliases, strings.ToUpper(asset))
	return Symbol{Base: base, Quote: e.Quotes[0], Mode: common.ModeSpot}.String(), nil
}

// IsQuoteAsset reports whether asset is one of the venue's quote currencies.
func (m *Matrix) IsQuoteAsset(exchange, asset string) bool {
	venue, _, _ := SplitExchange(exchange)
	m.mu.RLock()
	e, ok := m.entries[key{venue, common.ModeSpot}]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	a := e.unalias(e.Format.QuoteAliases, strings.ToUpper(asset))
	return slices.Contains(e.Quotes, a)
}

// CheckIntent gates an intent before any broker call. Denials are logged
// and counted so suppressed signals stay visible; they never panic or block
// other intents.
func (m *Matrix) CheckIntent(exchange, symbol string, side common.Side) error {
	if _, err := m.ToExchangeSymbol(exchange, symbol); err != nil {
		m.suppress(exchange, symbol, side, reasonOf(err), err)
		return err
	}
	if side == common.SideSellShort && !m.CanShort(exchange, symbol) {
		m.suppress(exchange, symbol, side, "short_not_supported", ErrShortNotSupported)
		return fmt.Errorf("%w on %s %s", ErrShortNotSupported, exchange, symbol)
	}
	return nil
}

func reasonOf(err error) string {
	if errors.Is(err, ErrInvalidSymbol) {
		return "invalid_symbol"
	}
	return "unsupported_symbol"
}

func (m *Matrix) suppress(exchange, symbol string, side common.Side, reason string, err error) {
	m.mu.Lock()
	m.suppressed[exchange+"|"+reason]++
	m.mu.Unlock()
	monitor.SuppressedIntents.WithLabelValues(exchange, reason).Inc()
	m.log.Info("intent suppressed",
		zap.String("exchange", exchange), zap.String("symbol", symbol),
		zap.String("side", string(side)), zap.String("reason", reason), zap.Error(err))
}

// Suppressed returns denial counts keyed "exchange|reason".
func (m *Matrix) Suppressed() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.suppressed))
	for k, v := range m.suppressed {
		out[k] = v
	}
	return out
}

// Refresh replaces the listed symbols of (exchange, mode) from venue
// metadata. An empty listing is ignored.
func (m *Matrix) Refresh(ctx context.Context, exchange string, mode common.MarketMode, src common.RulesSource) error {
	rules, err := src.SymbolRules(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", exchange, err)
	}
	if len(rules) == 0 {
		return nil
	}
	venue, _, _ := SplitExchange(exchange)
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key{venue, mode}]
	if !ok {
		return fmt.Errorf("%w: no capability entry for %s/%s", ErrNotSupported, venue, mode)
	}
	next := *prev
	next.index(rules)
	m.entries[key{venue, mode}] = &next
	m.log.Info("capabilities refreshed", zap.String("exchange", venue),
		zap.String("mode", string(mode)), zap.Int("symbols", len(next.listed)))
	return nil
}

// Target is one venue to refresh periodically.
type Target struct {
	Exchange string
	Mode     common.MarketMode
	Source   common.RulesSource
}

// RunRefresh refreshes every target from targets() on each tick until ctx
// is done.
func (m *Matrix) RunRefresh(ctx context.Context, interval time.Duration, targets func() []Target) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, tg := range targets() {
				if err := m.Refresh(ctx, tg.Exchange, tg.Mode, tg.Source); err != nil {
					m.log.Warn("capability refresh failed", zap.String("exchange", tg.Exchange), zap.Error(err))
				}
			}
		}
	}
}

func (e *Entry) index(rules []common.SymbolRule) {
	e.listed = make(map[string]common.SymbolRule, len(rules))
	e.native = make(map[string]string, len(rules))
	for _, r := range rules {
		sym := Symbol{
			Base:  e.unalias(e.Format.BaseAliases, strings.ToUpper(r.Base)),
			Quote: e.unalias(e.Format.QuoteAliases, strings.ToUpper(r.Quote)),
			Mode:  e.Mode,
		}
		if len(e.Quotes) > 0 && !slices.Contains(e.Quotes, sym.Quote) {
			continue
		}
		canonical := sym.String()
		e.listed[canonical] = r
		e.native[r.Symbol] = canonical
	}
	e.loaded = time.Now()
}

// Listed reports how many symbols venue metadata supplied.
func (e Entry) Listed() int { return len(e.listed) }

func (e *Entry) toNative(sym Symbol) (string, error) {
	if len(e.Quotes) > 0 && !slices.Contains(e.Quotes, sym.Quote) {
		return "", fmt.Errorf("%w: quote %s on %s/%s", ErrNotSupported, sym.Quote, e.Exchange, e.Mode)
	}
	if len(e.listed) > 0 {
		r, ok := e.listed[sym.String()]
		if !ok || !r.Trading {
			return "", fmt.Errorf("%w: %s not listed on %s/%s", ErrNotSupported, sym, e.Exchange, e.Mode)
		}
		return r.Symbol, nil
	}
	return e.nativeFor(sym), nil
}

func (e *Entry) nativeFor(sym Symbol) string {
	f := e.Format
	out := e.alias(f.BaseAliases, sym.Base) + f.Separator + e.alias(f.QuoteAliases, sym.Quote)
	switch sym.Mode {
	case common.ModePerpetual:
		out += f.PerpSuffix
	case common.ModeFutures:
		out += f.Separator + sym.Expiry
	}
	if f.Lowercase {
		out = strings.ToLower(out)
	}
	return out
}

func (e *Entry) fromNative(native string) (string, error) {
	if c, ok := e.native[native]; ok {
		return c, nil
	}
	s := strings.ToUpper(native)
	if e.Mode == common.ModePerpetual && e.Format.PerpSuffix != "" {
		s = strings.TrimSuffix(s, strings.ToUpper(e.Format.PerpSuffix))
	}
	var base, quote string
	if sep := e.Format.Separator; sep != "" {
		parts := strings.Split(s, sep)
		if len(parts) < 2 {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, native)
		}
		base, quote = parts[0], parts[1]
	} else {
		for _, q := range e.Quotes {
			nq := strings.ToUpper(e.alias(e.Format.QuoteAliases, q))
			if strings.HasSuffix(s, nq) && len(s) > len(nq) {
				base, quote = s[:len(s)-len(nq)], q
				break
			}
		}
		if base == "" {
			return "", fmt.Errorf("%w: cannot split %q", ErrInvalidSymbol, native)
		}
	}
	return Symbol{
		Base:  e.unalias(e.Format.BaseAliases, base),
		Quote: e.unalias(e.Format.QuoteAliases, quote),
		Mode:  e.Mode,
	}.String(), nil
}

func (e *Entry) alias(aliases map[string]string, canonical string) string {
	if v, ok := aliases[canonical]; ok {
		return v
	}
	return canonical
}

func (e *Entry) unalias(aliases map[string]string, native string) string {
	for k, v := range aliases {
		if strings.EqualFold(v, native) {
			return k
		}
	}
	return native
}

// RoundDown floors qty to a multiple of increment. A non-positive increment
// leaves qty unchanged.
func RoundDown(qty, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return qty
	}
	return qty.Div(increment).Floor().Mul(increment)
}
