package broker

import (
	"errors"
	"fmt"

	"execution-core/internal/capability"
	"execution-core/pkg/exchanges/common"
)

// Code is the typed result of a failed order path. Callers branch on codes,
// never on error strings.
type Code string

const (
	CodeInvalidSymbol       Code = "INVALID_SYMBOL"
	CodeInvalidSize         Code = "INVALID_SIZE"
	CodeInvalidPrecision    Code = "INVALID_SIZE_PRECISION"
	CodeUnsupportedSymbol   Code = "UNSUPPORTED_SYMBOL"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeAuthFailure         Code = "AUTH_FAILURE"
	CodeUnknown             Code = "UNKNOWN"
	CodeBuyDisabled         Code = "BUY_DISABLED"
	CodeRejected            Code = "REJECTED"
	CodeUnavailable         Code = "EXCHANGE_UNAVAILABLE"
	CodeTierCapBelowMinimum Code = "TIER_CAP_BELOW_MINIMUM"
	CodeBelowMinimum        Code = "BELOW_MINIMUM"
	CodePositionCap         Code = "POSITION_CAP"
	CodeCapitalCap          Code = "CAPITAL_CAP"
	CodeBlacklisted         Code = "BLACKLISTED"
	CodeRotationHold        Code = "ROTATION_HOLD"
	CodeLowConfidence       Code = "LOW_CONFIDENCE"
	CodeNoPosition          Code = "NO_POSITION"
)

// OrderError carries a Code through wrapping.
type OrderError struct {
	Code     Code
	Exchange string
	Symbol   string
	Msg      string
	Err      error
}

func (e *OrderError) Error() string {
	s := string(e.Code)
	if e.Exchange != "" || e.Symbol != "" {
		s += fmt.Sprintf(" [%s %s]", e.Exchange, e.Symbol)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OrderError) Unwrap() error { return e.Err }

// Errorf builds an OrderError.
func Errorf(code Code, exchange, symbol, format string, args ...any) *OrderError {
	return &OrderError{Code: code, Exchange: exchange, Symbol: symbol, Msg: fmt.Sprintf(format, args...)}
}

func wrap(code Code, exchange, symbol string, err error) *OrderError {
	return &OrderError{Code: code, Exchange: exchange, Symbol: symbol, Err: err}
}

// CodeOf extracts the code, or "" for nil and untyped errors.
func CodeOf(err error) Code {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// capabilityCode maps matrix denials onto the taxonomy.
func capabilityCode(err error) Code {
	if errors.Is(err, capability.ErrInvalidSymbol) {
		return CodeInvalidSymbol
	}
	return CodeUnsupportedSymbol
}

// venueCode maps a classified venue failure onto the taxonomy.
func venueCode(kind common.ErrorKind) Code {
	switch kind {
	case common.KindRateLimited, common.KindForbidden, common.KindInvalidNonce:
		return CodeRateLimited
	case common.KindAuth:
		return CodeAuthFailure
	case common.KindInsufficientFunds:
		return CodeInsufficientFunds
	case common.KindInvalidSymbol:
		return CodeInvalidSymbol
	case common.KindPrecision:
		return CodeInvalidPrecision
	case common.KindRejected, common.KindNotFound:
		return CodeRejected
	default:
		return CodeUnknown
	}
}

// Denied wraps a capability matrix denial in its typed code.
func Denied(exchange, symbol string, err error) *OrderError {
	return wrap(capabilityCode(err), exchange, symbol, err)
}

// Wrap attaches code to err.
func Wrap(code Code, exchange, symbol string, err error) *OrderError {
	return wrap(code, exchange, symbol, err)
}
