package capability

import (
	"errors"
	"fmt"
	"strings"

	"execution-core/pkg/exchanges/common"
)

var (
	// ErrInvalidSymbol is a malformed canonical symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrNotSupported is a well-formed symbol or action the venue cannot take.
	ErrNotSupported = errors.New("not supported")
	// ErrShortNotSupported is the capability denial for SELL_SHORT.
	ErrShortNotSupported = fmt.Errorf("%w: short selling", ErrNotSupported)
)

const perpSuffix = "PERP"

// Symbol is a parsed canonical symbol: BASE-QUOTE, BASE-QUOTE-PERP or
// BASE-QUOTE-YYYYMMDD.
type Symbol struct {
	Base   string
	Quote  string
	Mode   common.MarketMode
	Expiry string
}

// ParseSymbol infers the market mode from the symbol's shape.
func ParseSymbol(canonical string) (Symbol, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(canonical)), "-")
	for _, p := range parts {
		if p == "" || !isAlnum(p) {
			return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, canonical)
		}
	}
	switch len(parts) {
	case 2:
		return Symbol{Base: parts[0], Quote: parts[1], Mode: common.ModeSpot}, nil
	case 3:
		if parts[2] == perpSuffix {
			return Symbol{Base: parts[0], Quote: parts[1], Mode: common.ModePerpetual}, nil
		}
		if len(parts[2]) == 8 && isDigits(parts[2]) {
			return Symbol{Base: parts[0], Quote: parts[1], Mode: common.ModeFutures, Expiry: parts[2]}, nil
		}
	}
	return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, canonical)
}

// String renders the canonical form.
func (s Symbol) String() string {
	switch s.Mode {
	case common.ModePerpetual:
		return s.Base + "-" + s.Quote + "-" + perpSuffix
	case common.ModeFutures:
		return s.Base + "-" + s.Quote + "-" + s.Expiry
	default:
		return s.Base + "-" + s.Quote
	}
}

// Canonical normalizes a symbol string, or returns it unchanged when it does
// not parse.
func Canonical(symbol string) string {
	s, err := ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return s.String()
}

// SplitExchange separates an exchange id from an explicit mode suffix:
// "binance-spot" is (binance, SPOT, true); "kraken" is (kraken, "", false).
func SplitExchange(id string) (venue string, mode common.MarketMode, explicit bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	i := strings.LastIndex(id, "-")
	if i <= 0 {
		return id, "", false
	}
	switch id[i+1:] {
	case "spot":
		return id[:i], common.ModeSpot, true
	case "margin":
		return id[:i], common.ModeMargin, true
	case "perp", "perpetual", "usdtfut", "swap":
		return id[:i], common.ModePerpetual, true
	case "futures", "future":
		return id[:i], common.ModeFutures, true
	}
	return id, "", false
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
