package core

import (
	"context"
	"time"
)

// MarketType is the venue a scenario trades on. Shorts need futures or
// margin; a spot scenario rejects them.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
	MarketMargin  MarketType = "margin"
)

// SupportsShort reports whether the market allows short positions.
func (m MarketType) SupportsShort() bool {
	return m == MarketFutures || m == MarketMargin
}

// ParseMarketType validates a config-supplied market string. Empty defaults
// to spot.
func ParseMarketType(s string) (MarketType, error) {
	switch t := MarketType(s); t {
	case "":
		return MarketSpot, nil
	case MarketSpot, MarketFutures, MarketMargin:
		return t, nil
	default:
		return "", NewConfigError("unknown market type %q", s)
	}
}

// Feeder provides historical and streaming candles for a pair.
type Feeder interface {
	AssetsInfo(pair string) AssetInfo
	LastQuote(ctx context.Context, pair string) (float64, error)
	CandlesByPeriod(ctx context.Context, pair, timeframe string, start, end time.Time) ([]Candle, error)
	CandlesByLimit(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error)
	CandlesSubscription(ctx context.Context, pair, timeframe string) (chan Candle, chan error)
}

// Fill is the exchange-confirmed result of a market order. Live executors
// record only fills that came back from the exchange; they never synthesize
// one from local pricing.
type Fill struct {
	Symbol     string
	Side       SignalType
	Quantity   float64
	QuoteValue float64
	AvgPrice   float64
	Fee        float64
	At         time.Time
}

// ExchangePosition mirrors one position as reported by the exchange, used
// for reconciliation against the local ledger.
type ExchangePosition struct {
	Symbol   string
	Side     PositionSide
	Quantity float64
	AvgPrice float64
}

// ExchangeClient is the order-execution contract of the live executor.
type ExchangeClient interface {
	Ping(ctx context.Context) error
	USDTBalance(ctx context.Context) (float64, error)
	Price(ctx context.Context, symbol string) (float64, error)
	OpenPositions(ctx context.Context) ([]ExchangePosition, error)
	MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (Fill, error)
	MarketSell(ctx context.Context, symbol string, baseQuantity float64) (Fill, error)
}

// Notifier receives significant engine events for push channels.
type Notifier interface {
	Notify(text string)
	OnTrade(trade Trade)
	OnError(err error)
}
