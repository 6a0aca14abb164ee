package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates topics inside the execution core.
type Event string

const (
	EventFillConfirmed    Event = "order.fill_confirmed"
	EventOrderRejected    Event = "order.rejected"
	EventOrderEscalated   Event = "order.escalated"
	EventForcedExit       Event = "position.forced_exit"
	EventPositionZombie   Event = "position.zombie"
	EventPositionRemoved  Event = "position.removed"
	EventDustBlacklisted  Event = "position.dust_blacklisted"
	EventLoopState        Event = "loop.state"
	EventBalanceUpdated   Event = "balance.updated"
	EventCapabilityDenied Event = "capability.denied"
)

// Fill is published once per confirmed fill recorded in the ledger.
type Fill struct {
	Account   string
	Broker    string
	Symbol    string
	Side      string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	OrderID   string
	ClientID  string
	IntentKey string
	Urgency   string
	Source    string
	// Exit is set when the fill reduced a position rather than opened one.
	Exit bool
	// PositionAfter is the tracked quantity once this fill is applied.
	PositionAfter decimal.Decimal
	At            time.Time
}

// Notional is Qty*Price.
func (f Fill) Notional() decimal.Decimal { return f.Qty.Mul(f.Price) }

// Rejection describes a terminal order failure.
type Rejection struct {
	Account string
	Broker  string
	Symbol  string
	Side    string
	Code    string
	Reason  string
}

// PositionNotice reports a ledger transition found by reconciliation or a
// forced exit.
type PositionNotice struct {
	Account  string
	Broker   string
	Symbol   string
	Reason   string
	ValueUSD decimal.Decimal
}

// StateChange reports an (account, broker) loop transition.
type StateChange struct {
	Account string
	Broker  string
	From    string
	To      string
	Reason  string
}

// BalanceChange is pushed by user-data streams.
type BalanceChange struct {
	Account string
	Broker  string
	Asset   string
}
