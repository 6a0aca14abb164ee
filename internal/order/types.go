package order

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

type Side = common.Side

const (
	SideBuy       = common.SideBuy
	SideSell      = common.SideSell
	SideSellShort = common.SideSellShort
)

// Urgency selects the gating path. FORCED skips risk and cap checks but never
// precision rounding or nonce sequencing.
type Urgency string

const (
	UrgencyNormal Urgency = "NORMAL"
	UrgencyForced Urgency = "FORCED"
)

// Source tags who produced an intent.
type Source string

const (
	SourceSignal    Source = "signal"
	SourceMirror    Source = "mirror"
	SourceCap       Source = "cap"
	SourceEmergency Source = "emergency"
	SourceOperator  Source = "operator"
)

// Intent is a transient request to trade; it is consumed into one or more
// attempts and discarded after terminal resolution.
type Intent struct {
	Account        string
	Broker         string
	Symbol         string // canonical
	Side           Side
	Size           decimal.Decimal // base quantity; zero lets the engine size from Notional or the tier cap
	Notional       decimal.Decimal // quote amount, used when Size is zero
	RefPrice       decimal.Decimal
	Urgency        Urgency
	IdempotencyKey string
	ReduceOnly     bool
	Source         Source
	Reason         string
	Confidence     float64
	// Emergency is the process-wide flag as read once at the start of the
	// cycle that drains this intent.
	Emergency bool
	CreatedAt time.Time
}

// IsExit reports whether the intent only reduces exposure.
func (i Intent) IsExit() bool {
	return i.ReduceOnly || i.Side == SideSell
}

// Outcome of one physical attempt.
type Outcome string

const (
	OutcomePending     Outcome = "PENDING"
	OutcomeFilled      Outcome = "FILLED"
	OutcomePartial     Outcome = "PARTIAL"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeRateLimited Outcome = "RATE_LIMITED"
	OutcomeUnknown     Outcome = "UNKNOWN"
)

// OutcomeOf maps an exchange status onto an attempt outcome.
func OutcomeOf(status common.OrderStatus) Outcome {
	switch status {
	case common.StatusFilled:
		return OutcomeFilled
	case common.StatusPartial:
		return OutcomePartial
	case common.StatusRejected, common.StatusCanceled, common.StatusExpired:
		return OutcomeRejected
	case common.StatusNew:
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// Attempt is one physical API call derived from an intent.
type Attempt struct {
	Account   string        `json:"account"`
	Broker    string        `json:"broker"`
	Symbol    string        `json:"symbol"`
	Side      Side          `json:"side"`
	IntentKey string        `json:"intent_key"`
	ClientID  string        `json:"client_id"`
	Number    int           `json:"attempt"`
	Nonce     int64         `json:"nonce"`
	Qty       string        `json:"qty"`
	Outcome   Outcome       `json:"outcome"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	At        time.Time     `json:"at"`
}

// AttemptRecorder receives every attempt as it resolves.
type AttemptRecorder interface {
	RecordAttempt(Attempt)
}

// Proposal is what a signal generator hands the core. Confidence is opaque
// here; it only gates whether an intent is submitted.
type Proposal struct {
	Account    string          `json:"account"`
	Broker     string          `json:"broker"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Confidence float64         `json:"confidence"`
	Notional   decimal.Decimal `json:"notional"`
	Size       decimal.Decimal `json:"size"`
	Reason     string          `json:"reason,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}
