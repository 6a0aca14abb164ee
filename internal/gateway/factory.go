package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/internal/capability"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/binance/spot"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/kraken"
	"execution-core/pkg/exchanges/sim"
)

// Factory builds the venue for one credential. Secrets arrive decrypted.
type Factory func(cred config.Credential) (common.Venue, error)

// DefaultFactory creates live venues based on the exchange id.
func DefaultFactory(cred config.Credential) (common.Venue, error) {
	switch strings.ToLower(cred.Exchange) {
	case "binance", "binance-spot":
		return spot.New(spot.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   cred.Testnet,
			BaseURL:   cred.BaseURL,
		}), nil

	case "binance-perp", "binance-usdtfut":
		return futures_usdt.NewClient(futures_usdt.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   cred.Testnet,
			BaseURL:   cred.BaseURL,
		}), nil

	case "kraken", "kraken-spot":
		return kraken.New(kraken.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			BaseURL:   cred.BaseURL,
		}), nil

	case "sim", "sim-spot":
		return sim.New(sim.Config{Balance: decimal.NewFromInt(10000)}), nil

	case "sim-perp":
		return sim.New(sim.Config{Mode: common.ModePerpetual, Balance: decimal.NewFromInt(10000)}), nil

	default:
		return nil, fmt.Errorf("unsupported exchange type: %s", cred.Exchange)
	}
}

// DryRunFactory replaces every venue with a simulated one holding balance.
// Prices come from the public Binance spot ticker.
func DryRunFactory(balance decimal.Decimal) Factory {
	feed := spot.New(spot.Config{})
	quote := func(ctx context.Context, symbol string) (float64, error) {
		native := strings.TrimSuffix(symbol, "-PERP")
		return feed.Price(ctx, strings.ReplaceAll(native, "-", ""))
	}
	return func(cred config.Credential) (common.Venue, error) {
		_, mode, _ := capability.SplitExchange(strings.ToLower(cred.Exchange))
		if mode == "" {
			mode = common.ModeSpot
		}
		return sim.New(sim.Config{
			Name:        "sim",
			Mode:        mode,
			Quote:       "USDT",
			Balance:     balance,
			FeeRate:     0.001,
			SlippageBps: 5,
			Feed:        quote,
		}), nil
	}
}
