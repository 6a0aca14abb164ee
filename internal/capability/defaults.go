package capability

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Defaults is the built-in table. Venue metadata refreshes listings and
// step sizes at startup; the capability file overrides anything here.
func Defaults() []Entry {
	d := decimal.RequireFromString
	return []Entry{
		{
			Exchange:     "binance",
			Mode:         common.ModeSpot,
			MinIncrement: d("0.00001"),
			MinNotional:  d("5"),
			Quotes:       []string{"USDT", "USDC", "FDUSD", "BTC"},
		},
		{
			Exchange:      "binance",
			Mode:          common.ModePerpetual,
			SupportsShort: true,
			MinIncrement:  d("0.001"),
			MinNotional:   d("5"),
			Quotes:        []string{"USDT", "USDC"},
		},
		{
			Exchange:     "kraken",
			Mode:         common.ModeSpot,
			MinIncrement: d("0.00000001"),
			MinNotional:  d("5"),
			Quotes:       []string{"USD", "EUR", "USDT"},
			Format: Format{
				BaseAliases: map[string]string{"BTC": "XBT"},
			},
		},
		{
			Exchange:     "exchangex",
			Mode:         common.ModeSpot,
			MinIncrement: d("0.0001"),
			MinNotional:  d("10"),
			Quotes:       []string{"USD"},
			Format:       Format{Separator: "-"},
		},
		{
			Exchange:     "sim",
			Mode:         common.ModeSpot,
			MinIncrement: d("0.0001"),
			MinNotional:  d("10"),
			Quotes:       []string{"USD", "USDT"},
			Format:       Format{Separator: "-"},
		},
		{
			Exchange:      "sim",
			Mode:          common.ModePerpetual,
			SupportsShort: true,
			MinIncrement:  d("0.001"),
			MinNotional:   d("10"),
			Quotes:        []string{"USD", "USDT"},
			Format:        Format{Separator: "-", PerpSuffix: "-PERP"},
		},
	}
}

// NewDefault is New(Defaults()...).
func NewDefault() *Matrix { return New(Defaults()...) }
