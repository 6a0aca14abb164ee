package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/backoff"
	"execution-core/internal/balance"
	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
)

// AccountSummary is one row of the account list.
type AccountSummary struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	Brokers       []string        `json:"brokers"`
	EquityUSD     decimal.Decimal `json:"equity_usd"`
	OpenPositions int             `json:"open_positions"`
	MaxPositions  int             `json:"max_positions"`
}

// AccountSnapshot is the detail view of one account.
type AccountSnapshot struct {
	AccountSummary
	Balances  map[string]balance.Balance `json:"balances"`
	Positions []PositionView             `json:"positions"`
	Loops     []LoopView                 `json:"loops"`
	Risk      *risk.Metrics              `json:"risk,omitempty"`
}

// PositionView is a ledger position with derived P&L.
type PositionView struct {
	Broker     string           `json:"broker"`
	Symbol     string           `json:"symbol"`
	Direction  common.Direction `json:"direction"`
	Qty        decimal.Decimal  `json:"qty"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	MarkPrice  decimal.Decimal  `json:"mark_price"`
	ValueUSD   decimal.Decimal  `json:"value_usd"`
	PnL        decimal.Decimal  `json:"pnl"`
	PnLPct     float64          `json:"pnl_pct"`
	Status     string           `json:"status"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// LoopView is the observable state of one (account, broker) loop.
type LoopView struct {
	Account    string        `json:"account"`
	Broker     string        `json:"broker"`
	State      string        `json:"state"`
	QueueDepth int           `json:"queue_depth"`
	Since      time.Time     `json:"since"`
	Backoff    backoff.Stats `json:"backoff"`
}

// SystemStatus summarizes the process for /health and the dashboard.
type SystemStatus struct {
	Emergency   bool      `json:"emergency"`
	SellOnly    []string  `json:"sell_only"`
	DryRun      bool      `json:"dry_run"`
	Accounts    int       `json:"accounts"`
	Loops       int       `json:"loops"`
	ActiveLoops int       `json:"active_loops"`
	Blacklisted int       `json:"blacklisted"`
	Inflight    int       `json:"inflight_intents"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
}
