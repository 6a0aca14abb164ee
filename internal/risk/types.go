package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
)

// Tier caps a single order at a share of balance once the balance reaches
// MinBalance.
type Tier struct {
	MinBalance  decimal.Decimal `json:"min_balance"`
	MaxOrderPct decimal.Decimal `json:"max_order_pct"` // percent, 15 = 15%
}

// Rotation lets a strong signal replace the weakest held position when the
// account is at its position cap.
type Rotation struct {
	Enabled       bool          `json:"enabled"`
	MinConfidence float64       `json:"min_confidence"`
	MinHold       time.Duration `json:"min_hold"`
}

// Config is the per-account risk policy.
type Config struct {
	MaxPositions  int             `json:"max_positions"`
	MaxCapitalPct decimal.Decimal `json:"max_capital_pct"` // percent of balance in open exposure
	MinOrderUSD   decimal.Decimal `json:"min_order_usd"`
	Tiers         []Tier          `json:"tiers"` // ascending MinBalance
	Rotation      Rotation        `json:"rotation"`

	StopLossPct float64 `json:"stop_loss_pct"` // 0 disables
	TrailingPct float64 `json:"trailing_pct"`  // 0 means a fixed stop
}

// DefaultConfig returns the policy used when an account has no risk block.
func DefaultConfig() Config {
	return Config{
		MaxPositions:  8,
		MaxCapitalPct: decimal.NewFromInt(90),
		MinOrderUSD:   decimal.NewFromInt(10),
		Tiers: []Tier{
			{MinBalance: decimal.Zero, MaxOrderPct: decimal.NewFromInt(15)},
			{MinBalance: decimal.NewFromInt(1000), MaxOrderPct: decimal.NewFromInt(10)},
			{MinBalance: decimal.NewFromInt(10000), MaxOrderPct: decimal.NewFromInt(5)},
		},
		StopLossPct: 5,
	}
}

// FromSpec converts the YAML risk block. Unset fields keep defaults.
func FromSpec(s config.RiskSpec) Config {
	cfg := DefaultConfig()
	if s.MaxPositions > 0 {
		cfg.MaxPositions = s.MaxPositions
	}
	if s.MaxCapitalPct > 0 {
		cfg.MaxCapitalPct = decimal.NewFromFloat(s.MaxCapitalPct)
	}
	if s.MinOrderUSD > 0 {
		cfg.MinOrderUSD = decimal.NewFromFloat(s.MinOrderUSD)
	}
	if len(s.Tiers) > 0 {
		cfg.Tiers = cfg.Tiers[:0:0]
		for _, t := range s.Tiers {
			cfg.Tiers = append(cfg.Tiers, Tier{
				MinBalance:  decimal.NewFromFloat(t.MinBalance),
				MaxOrderPct: decimal.NewFromFloat(t.MaxOrderPct),
			})
		}
		sort.SliceStable(cfg.Tiers, func(i, j int) bool {
			return cfg.Tiers[i].MinBalance.LessThan(cfg.Tiers[j].MinBalance)
		})
	}
	cfg.Rotation = Rotation{
		Enabled:       s.Rotation.Enabled,
		MinConfidence: s.Rotation.MinConfidence,
		MinHold:       s.Rotation.MinHold(),
	}
	if s.StopLossPct > 0 {
		cfg.StopLossPct = s.StopLossPct
	}
	cfg.TrailingPct = s.TrailingPct
	return cfg
}

// TierCap is the largest order notional the tiers allow for balance, rounded
// down to cents. Zero tiers means no cap (returns balance).
func (c Config) TierCap(balance decimal.Decimal) decimal.Decimal {
	if len(c.Tiers) == 0 {
		return balance
	}
	pct := c.Tiers[0].MaxOrderPct
	for _, t := range c.Tiers {
		if balance.GreaterThanOrEqual(t.MinBalance) {
			pct = t.MaxOrderPct
		}
	}
	return balance.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)
}

// Proposal is an entry the engine wants to place.
type Proposal struct {
	Account     string
	Broker      string
	Symbol      string
	Side        common.Side
	NotionalUSD decimal.Decimal // requested; zero means "tier cap"
	Balance     decimal.Decimal // free quote balance on the broker
	Equity      decimal.Decimal // account-wide balance across brokers, for the capital cap
	ExchangeMin decimal.Decimal // venue minimum notional, may be zero
	Confidence  float64
}

// Decision is the outcome of Evaluate. On rejection Err carries the code.
type Decision struct {
	Allowed     bool            `json:"allowed"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Shrunk      bool            `json:"shrunk"`
	Code        broker.Code     `json:"code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	// RotateOut is set when the entry is allowed only after the named
	// position is force-exited.
	RotateOut *Candidate `json:"rotate_out,omitempty"`
	Err       error      `json:"-"`
}

// Candidate identifies a held position.
type Candidate struct {
	Broker string          `json:"broker"`
	Symbol string          `json:"symbol"`
	Qty    decimal.Decimal `json:"qty"`
}

// Metrics counts evaluations per account.
type Metrics struct {
	Checks     uint64            `json:"checks"`
	Rejections uint64            `json:"rejections"`
	Shrunk     uint64            `json:"shrunk"`
	Rotations  uint64            `json:"rotations"`
	ByCode     map[string]uint64 `json:"by_code"`
	LastCheck  time.Time         `json:"last_check"`
}
