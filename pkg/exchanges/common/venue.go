package common

import "context"

// Venue is the exchange-specific half of a broker connection. Every
// authenticated call receives the nonce sequenced by the connection; venues
// that sign with server time instead may ignore it.
type Venue interface {
	Name() string
	Mode() MarketMode
	Balance(ctx context.Context, nonce int64) (Balance, error)
	Holdings(ctx context.Context, nonce int64) ([]Holding, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string, nonce int64) error
}

// OrderLookup confirms whether an order with a client id reached the
// exchange. found=false with a nil error is a confirmed absence.
type OrderLookup interface {
	LookupOrder(ctx context.Context, symbol, clientID string, nonce int64) (res OrderResult, found bool, err error)
}

// RulesSource lists tradable instruments and their precision rules.
type RulesSource interface {
	SymbolRules(ctx context.Context) ([]SymbolRule, error)
}

// Ticker quotes a last price for valuation.
type Ticker interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// Pinger is an unauthenticated liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
