package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a ledger row keyed by (account, broker, symbol).
type Position struct {
	AccountID    string
	Broker       string
	Symbol       string
	Qty          decimal.Decimal
	EntryPrice   decimal.Decimal
	Direction    string
	Status       string
	MissedPasses int
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// Fill is a confirmed execution, unique per (broker, order id).
type Fill struct {
	OrderID   string
	AccountID string
	Broker    string
	Symbol    string
	Side      string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	ClientID  string
	IntentKey string
	Source    string
	CreatedAt time.Time
}

// Attempt is one physical order submission.
type Attempt struct {
	ID        int64
	AccountID string
	Broker    string
	Symbol    string
	Side      string
	IntentKey string
	ClientID  string
	Number    int
	Nonce     int64
	Qty       string
	Outcome   string
	ErrorCode string
	Error     string
	LatencyMs int64
	CreatedAt time.Time
}

// Report summarizes one reconciliation pass of one broker.
type Report struct {
	ID          int64
	AccountID   string
	Broker      string
	Tracked     int
	Live        int
	Zombies     int
	Removed     int
	Revived     int
	Healed      int
	Adopted     int
	Dust        int
	ForcedExits int
	Error       string
	CreatedAt   time.Time
}
