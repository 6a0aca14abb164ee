package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side. SELL reduces a long; SELL_SHORT opens a short.
type Side string

const (
	SideBuy       Side = "BUY"
	SideSell      Side = "SELL"
	SideSellShort Side = "SELL_SHORT"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell || s == SideSellShort
}

// Opens reports whether the side adds exposure.
func (s Side) Opens() bool { return s == SideBuy || s == SideSellShort }

// MarketMode is the contract semantics of an instrument.
type MarketMode string

const (
	ModeSpot      MarketMode = "SPOT"
	ModeMargin    MarketMode = "MARGIN"
	ModeFutures   MarketMode = "FUTURES"
	ModePerpetual MarketMode = "PERPETUAL"
)

// Direction of a held position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest is a market order already validated and rounded by the
// broker connection. Symbol is in exchange-native format.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	ClientID   string
	ReduceOnly bool
	Nonce      int64
}

// OrderResult is the exchange acknowledgement.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	UpdatedAt       time.Time
}

// Balance is the quote-currency view of an exchange account.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Holding is one exchange-reported position. Spot venues report assets and
// leave Symbol empty; derivative venues report native symbols.
type Holding struct {
	Asset      string
	Symbol     string
	Qty        decimal.Decimal
	Direction  Direction
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// SymbolRule is exchange metadata for one listed instrument.
type SymbolRule struct {
	Symbol      string
	Base        string
	Quote       string
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	Trading     bool
}
