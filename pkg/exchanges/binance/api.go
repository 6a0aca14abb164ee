// Package binance holds what the Binance spot and USDT-M futures adapters
// share: request signing, status mapping and error classification.
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Binance API error codes the adapters branch on.
const (
	CodeTooManyRequests    = -1003
	CodeTooManyOrders      = -1015
	CodeTimestamp          = -1021
	CodeInvalidSignature   = -1022
	CodeBadPrecision       = -1111
	CodeInvalidSymbol      = -1121
	CodeFilterFailure      = -1013
	CodeNewOrderRejected   = -2010
	CodeCancelRejected     = -2011
	CodeNoSuchOrder        = -2013
	CodeBadAPIKey          = -2014
	CodeRejectedMBXKey     = -2015
	CodeFuturesMargin      = -2019
	CodeReduceOnlyReject   = -2022
	CodeFuturesLotSize     = -4003
	CodeFuturesQtyTooLow   = -4005
	CodeFuturesMinNotional = -4164
)

// Sign returns the hex HMAC-SHA256 of data.
func Sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Classify turns a non-2xx response into a VenueError. Body codes win over
// the HTTP status because Binance reports most rejections as 400.
func Classify(venue string, status int, body []byte) *common.VenueError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	kind := common.KindFromHTTP(status)
	switch ae.Code {
	case CodeTooManyRequests, CodeTooManyOrders:
		kind = common.KindRateLimited
	case CodeTimestamp:
		kind = common.KindInvalidNonce
	case CodeInvalidSignature, CodeBadAPIKey, CodeRejectedMBXKey:
		kind = common.KindAuth
	case CodeInvalidSymbol:
		kind = common.KindInvalidSymbol
	case CodeBadPrecision, CodeFilterFailure, CodeFuturesLotSize, CodeFuturesQtyTooLow, CodeFuturesMinNotional:
		kind = common.KindPrecision
	case CodeNoSuchOrder, CodeCancelRejected:
		kind = common.KindNotFound
	case CodeFuturesMargin:
		kind = common.KindInsufficientFunds
	case CodeNewOrderRejected:
		kind = common.KindRejected
		if strings.Contains(strings.ToLower(ae.Msg), "insufficient balance") {
			kind = common.KindInsufficientFunds
		}
	}
	msg := ae.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &common.VenueError{Venue: venue, Kind: kind, Status: status, Code: ae.Code, Msg: msg}
}

// MapStatus normalizes Binance order status.
func MapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// Dec parses a decimal string, zero on garbage.
func Dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// OrderSide maps SELL_SHORT onto the wire SELL.
func OrderSide(s common.Side) string {
	if s == common.SideSellShort {
		return "SELL"
	}
	return string(s)
}

// Filter is one exchangeInfo symbol filter.
type Filter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	Notional    string `json:"notional"`
}

// ExchangeSymbol is one exchangeInfo entry.
type ExchangeSymbol struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Rule converts an exchangeInfo entry.
func (s ExchangeSymbol) Rule() common.SymbolRule {
	r := common.SymbolRule{
		Symbol:  s.Symbol,
		Base:    s.BaseAsset,
		Quote:   s.QuoteAsset,
		Trading: strings.EqualFold(s.Status, "TRADING"),
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE", "MARKET_LOT_SIZE":
			if step := Dec(f.StepSize); step.IsPositive() && (r.StepSize.IsZero() || step.GreaterThan(r.StepSize)) {
				r.StepSize = step
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			v := Dec(f.MinNotional)
			if v.IsZero() {
				v = Dec(f.Notional)
			}
			if v.GreaterThan(r.MinNotional) {
				r.MinNotional = v
			}
		}
	}
	return r
}
