package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/broker"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/pkg/logger"
)

// Book is the ledger view risk needs.
type Book interface {
	CountOpen(account string) int
	Holds(account, symbol string) bool
	ExposureUSD(account string) decimal.Decimal
	PositionsFor(account string) []ledger.Position
}

// Dust reports dust-blacklisted symbols.
type Dust interface {
	Contains(account, symbol string) bool
}

var hundred = decimal.NewFromInt(100)

// Manager evaluates entries for one account.
type Manager struct {
	account string
	book    Book
	dust    Dust
	now     func() time.Time
	log     *zap.Logger

	mu      sync.RWMutex
	config  Config
	metrics Metrics
}

// NewManager builds a manager for account. dust may be nil.
func NewManager(account string, cfg Config, book Book, dust Dust) *Manager {
	return &Manager{
		account: account,
		book:    book,
		dust:    dust,
		now:     time.Now,
		log:     logger.Named("risk").With(zap.String("account", account)),
		config:  cfg,
		metrics: Metrics{ByCode: make(map[string]uint64)},
	}
}

// GetConfig returns a copy of the active config.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig swaps the policy; in-flight evaluations keep the old one.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// GetMetrics returns a snapshot of the counters.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.metrics
	out.ByCode = make(map[string]uint64, len(m.metrics.ByCode))
	for k, v := range m.metrics.ByCode {
		out.ByCode[k] = v
	}
	return out
}

// Evaluate checks an entry against the account policy. The blacklist is
// checked first, then the position cap (with rotation), then sizing: the
// request is shrunk to the tier cap and never raised to meet a minimum.
// The capital cap can shrink further but never below the minimum.
func (m *Manager) Evaluate(p Proposal) Decision {
	cfg := m.GetConfig()
	dec := m.evaluate(cfg, p)
	m.observe(dec)
	if !dec.Allowed {
		m.log.Info("entry rejected",
			zap.String("broker", p.Broker),
			zap.String("symbol", p.Symbol),
			zap.String("code", string(dec.Code)),
			zap.String("reason", dec.Reason))
	} else if dec.Shrunk {
		m.log.Debug("entry shrunk",
			zap.String("symbol", p.Symbol),
			zap.String("requested", p.NotionalUSD.String()),
			zap.String("allowed", dec.NotionalUSD.String()))
	}
	return dec
}

func (m *Manager) evaluate(cfg Config, p Proposal) Decision {
	if m.dust != nil && m.dust.Contains(m.account, p.Symbol) {
		return reject(broker.CodeBlacklisted, p, "symbol is dust-blacklisted")
	}

	dec := Decision{Allowed: true}
	held := m.book.Holds(m.account, p.Symbol)
	if cfg.MaxPositions > 0 && !held && m.book.CountOpen(m.account) >= cfg.MaxPositions {
		if !cfg.Rotation.Enabled {
			return reject(broker.CodePositionCap, p, "position cap %d reached", cfg.MaxPositions)
		}
		if p.Confidence < cfg.Rotation.MinConfidence {
			return reject(broker.CodeLowConfidence, p, "confidence %.2f below rotation threshold %.2f",
				p.Confidence, cfg.Rotation.MinConfidence)
		}
		c := m.rotationCandidate(cfg.Rotation.MinHold, p.Symbol)
		if c == nil {
			return reject(broker.CodeRotationHold, p, "no position held longer than %s", cfg.Rotation.MinHold)
		}
		dec.RotateOut = c
	}

	tierCap := cfg.TierCap(p.Balance)
	notional := p.NotionalUSD
	if !notional.IsPositive() {
		notional = tierCap
		dec.Shrunk = true
	} else if notional.GreaterThan(tierCap) {
		notional = tierCap
		dec.Shrunk = true
	}

	minimum := decimal.Max(cfg.MinOrderUSD, p.ExchangeMin)
	if notional.LessThan(minimum) {
		if dec.Shrunk {
			return reject(broker.CodeTierCapBelowMinimum, p,
				"tier cap %s cannot satisfy minimum %s", tierCap.StringFixed(2), minimum.StringFixed(2))
		}
		return reject(broker.CodeBelowMinimum, p, "notional %s below minimum %s",
			notional.StringFixed(2), minimum.StringFixed(2))
	}

	if cfg.MaxCapitalPct.IsPositive() {
		exposure := m.book.ExposureUSD(m.account)
		if dec.RotateOut != nil {
			exposure = exposure.Sub(m.valueOf(dec.RotateOut))
		}
		equity := p.Equity
		if !equity.IsPositive() {
			equity = p.Balance
		}
		limit := equity.Add(exposure).Mul(cfg.MaxCapitalPct).Div(hundred)
		room := limit.Sub(exposure).Truncate(2)
		if notional.GreaterThan(room) {
			if room.LessThan(minimum) {
				return reject(broker.CodeCapitalCap, p, "exposure %s at capital cap %s",
					exposure.StringFixed(2), limit.StringFixed(2))
			}
			notional = room
			dec.Shrunk = true
		}
	}

	dec.NotionalUSD = notional
	return dec
}

// rotationCandidate picks the weakest OPEN position held at least minHold,
// ranked like cap enforcement: smallest value, worst P&L, oldest.
func (m *Manager) rotationCandidate(minHold time.Duration, exclude string) *Candidate {
	cutoff := m.now().Add(-minHold)
	var pool []ledger.Position
	for _, pos := range m.book.PositionsFor(m.account) {
		if pos.Status != ledger.StatusOpen || pos.Symbol == exclude {
			continue
		}
		if m.dust != nil && m.dust.Contains(m.account, pos.Symbol) {
			continue
		}
		if pos.OpenedAt.After(cutoff) {
			continue
		}
		pool = append(pool, pos)
	}
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		vi, vj := pool[i].ValueUSD(), pool[j].ValueUSD()
		if !vi.Equal(vj) {
			return vi.LessThan(vj)
		}
		pi, pj := pool[i].PnL(), pool[j].PnL()
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		return pool[i].OpenedAt.Before(pool[j].OpenedAt)
	})
	w := pool[0]
	return &Candidate{Broker: w.Broker, Symbol: w.Symbol, Qty: w.Qty}
}

func (m *Manager) valueOf(c *Candidate) decimal.Decimal {
	for _, pos := range m.book.PositionsFor(m.account) {
		if pos.Broker == c.Broker && pos.Symbol == c.Symbol {
			return pos.ValueUSD()
		}
	}
	return decimal.Zero
}

func (m *Manager) observe(dec Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Checks++
	m.metrics.LastCheck = m.now()
	switch {
	case !dec.Allowed:
		m.metrics.Rejections++
		m.metrics.ByCode[string(dec.Code)]++
		monitor.RiskRejections.WithLabelValues(m.account, string(dec.Code)).Inc()
	case dec.RotateOut != nil:
		m.metrics.Rotations++
	}
	if dec.Allowed && dec.Shrunk {
		m.metrics.Shrunk++
	}
}

func reject(code broker.Code, p Proposal, format string, args ...any) Decision {
	err := broker.Errorf(code, p.Broker, p.Symbol, format, args...)
	return Decision{Code: code, Reason: err.Msg, Err: err}
}
