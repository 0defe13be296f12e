package binance

import (
	"context"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// Config selects and configures the concrete client for one scenario.
type Config struct {
	Market core.MarketType

	APIKey    string
	APISecret string

	Testnet    bool
	HeikinAshi bool

	// Futures leverage and margin per pair; ignored on spot.
	PairOptions []PairOption

	MetadataFetchers []MetadataFetcher
}

// New builds the exchange client for the configured market. Margin scenarios
// have no live connector and run paper-only.
func New(ctx context.Context, log logger.Logger, cfg Config) (Exchange, error) {
	switch cfg.Market {
	case core.MarketSpot:
		return newSpot(ctx, log, cfg)
	case core.MarketFutures:
		return newFutures(ctx, log, cfg)
	case core.MarketMargin:
		return nil, core.NewConfigError("margin market has no live connector, run it in paper mode")
	default:
		return nil, core.NewConfigError("unknown market type %q", cfg.Market)
	}
}

func newSpot(ctx context.Context, log logger.Logger, cfg Config) (Exchange, error) {
	options := make([]SpotOption, 0, 4+len(cfg.MetadataFetchers))

	if cfg.APIKey != "" && cfg.APISecret != "" {
		options = append(options, WithSpotCredentials(cfg.APIKey, cfg.APISecret))
	}
	if cfg.HeikinAshi {
		options = append(options, WithSpotHeikinAshiCandles())
	}
	if cfg.Testnet {
		options = append(options, WithSpotTestnet())
	}
	for _, fetcher := range cfg.MetadataFetchers {
		options = append(options, WithSpotMetadataFetcher(fetcher))
	}

	return NewSpot(ctx, log, options...)
}

func newFutures(ctx context.Context, log logger.Logger, cfg Config) (Exchange, error) {
	options := make([]FuturesOption, 0, 4+len(cfg.PairOptions)+len(cfg.MetadataFetchers))

	if cfg.APIKey != "" && cfg.APISecret != "" {
		options = append(options, WithFuturesCredentials(cfg.APIKey, cfg.APISecret))
	}
	if cfg.HeikinAshi {
		options = append(options, WithFuturesHeikinAshiCandles())
	}
	if cfg.Testnet {
		options = append(options, WithFuturesTestnet())
	}
	for _, pairOption := range cfg.PairOptions {
		options = append(options, WithFuturesLeverage(pairOption.Pair, pairOption.Leverage, pairOption.MarginType))
	}
	for _, fetcher := range cfg.MetadataFetchers {
		options = append(options, WithFuturesMetadataFetcher(fetcher))
	}

	return NewFutures(ctx, log, options...)
}
