package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// stableQuotes are spot balances that never count as positions.
var stableQuotes = map[string]bool{"USDT": true, "BUSD": true, "USDC": true}

// Spot is the spot-market client. Shorting is impossible here; scenarios on
// markets that need it use the futures client instead.
type Spot struct {
	client           *binance.Client
	assetsInfo       map[string]core.AssetInfo
	heikinAshi       bool
	metadataFetchers []MetadataFetcher
	log              logger.Logger
}

// SpotOption configures the spot client.
type SpotOption func(*Spot)

// WithSpotCredentials sets the API key pair.
func WithSpotCredentials(key, secret string) SpotOption {
	return func(s *Spot) {
		s.client = binance.NewClient(key, secret)
	}
}

// WithSpotHeikinAshiCandles smooths every served candle.
func WithSpotHeikinAshiCandles() SpotOption {
	return func(s *Spot) {
		s.heikinAshi = true
	}
}

// WithSpotTestnet routes all calls to the exchange testnet.
func WithSpotTestnet() SpotOption {
	return func(_ *Spot) {
		binance.UseTestnet = true
	}
}

// WithSpotMetadataFetcher attaches extra per-candle metadata.
func WithSpotMetadataFetcher(fetcher MetadataFetcher) SpotOption {
	return func(s *Spot) {
		s.metadataFetchers = append(s.metadataFetchers, fetcher)
	}
}

// NewSpot connects a spot client: it pings the exchange and loads the
// trading filters for every symbol. A failed ping aborts startup.
func NewSpot(ctx context.Context, log logger.Logger, options ...SpotOption) (*Spot, error) {
	binance.WebsocketKeepalive = true

	spot := &Spot{
		client:     binance.NewClient("", ""),
		assetsInfo: make(map[string]core.AssetInfo),
		log:        log,
	}
	for _, option := range options {
		option(spot)
	}

	if err := spot.Ping(ctx); err != nil {
		return nil, fmt.Errorf("spot ping: %w", err)
	}

	info, err := retryRead(ctx, func() (*binance.ExchangeInfo, error) {
		return spot.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load spot exchange info: %w", err)
	}

	for _, symbol := range info.Symbols {
		spot.assetsInfo[symbol.Symbol] = spotAssetInfo(symbol)
	}

	log.Infof("binance spot connected, %d symbols", len(spot.assetsInfo))
	return spot, nil
}

func spotAssetInfo(info binance.Symbol) core.AssetInfo {
	assetInfo := core.AssetInfo{
		BaseAsset:          info.BaseAsset,
		QuoteAsset:         info.QuoteAsset,
		BaseAssetPrecision: info.BaseAssetPrecision,
		QuotePrecision:     info.QuotePrecision,
	}

	for _, filter := range info.Filters {
		switch filter["filterType"] {
		case string(binance.SymbolFilterTypeLotSize):
			assetInfo.MinQuantity = filterFloat(filter, "minQty")
			assetInfo.MaxQuantity = filterFloat(filter, "maxQty")
			assetInfo.StepSize = filterFloat(filter, "stepSize")
		case string(binance.SymbolFilterTypePriceFilter):
			assetInfo.MinPrice = filterFloat(filter, "minPrice")
			assetInfo.MaxPrice = filterFloat(filter, "maxPrice")
			assetInfo.TickSize = filterFloat(filter, "tickSize")
		}
	}
	return assetInfo
}

// Ping verifies connectivity and credentials-independent availability.
func (s *Spot) Ping(ctx context.Context) error {
	_, err := retryRead(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.NewPingService().Do(ctx)
	})
	return err
}

// USDTBalance returns the free USDT balance.
func (s *Spot) USDTBalance(ctx context.Context) (float64, error) {
	account, err := retryRead(ctx, func() (*binance.Account, error) {
		return s.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return 0, err
	}

	for _, balance := range account.Balances {
		if balance.Asset != "USDT" {
			continue
		}
		return strconv.ParseFloat(balance.Free, 64)
	}
	return 0, nil
}

// Price returns the current ticker price for a symbol.
func (s *Spot) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := retryRead(ctx, func() ([]*binance.SymbolPrice, error) {
		return s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price reported for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// OpenPositions derives positions from non-stable balances. Spot accounts
// carry no entry price, so AvgPrice stays zero and reconciliation compares
// quantities only. Dust below the pair's minimum lot is ignored.
func (s *Spot) OpenPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	account, err := retryRead(ctx, func() (*binance.Account, error) {
		return s.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	positions := make([]core.ExchangePosition, 0)
	for _, balance := range account.Balances {
		if stableQuotes[balance.Asset] {
			continue
		}
		free, _ := strconv.ParseFloat(balance.Free, 64)
		locked, _ := strconv.ParseFloat(balance.Locked, 64)
		quantity := free + locked
		if quantity <= 0 {
			continue
		}

		symbol := balance.Asset + "USDT"
		if info, ok := s.assetsInfo[symbol]; ok && quantity < info.MinQuantity {
			continue
		}
		positions = append(positions, core.ExchangePosition{
			Symbol:   symbol,
			Side:     core.SideLong,
			Quantity: quantity,
		})
	}
	return positions, nil
}

// MarketBuy spends quoteAmount on a market order and reports the fill the
// exchange confirmed.
func (s *Spot) MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (core.Fill, error) {
	if quoteAmount <= 0 {
		return core.Fill{}, &OrderError{Err: ErrInvalidQuantity, Pair: symbol, Quantity: quoteAmount}
	}

	order, err := placeOrder(ctx, func() (*binance.CreateOrderResponse, error) {
		return s.client.NewCreateOrderService().
			Symbol(symbol).
			Type(binance.OrderTypeMarket).
			Side(binance.SideTypeBuy).
			QuoteOrderQty(formatQuote(s.assetsInfo, symbol, quoteAmount)).
			NewOrderRespType(binance.NewOrderRespTypeFULL).
			Do(ctx)
	})
	if err != nil {
		return core.Fill{}, err
	}
	return spotFill(symbol, core.SignalBuy, s.assetsInfo[symbol], order)
}

// MarketSell sells baseQuantity at market and reports the confirmed fill.
func (s *Spot) MarketSell(ctx context.Context, symbol string, baseQuantity float64) (core.Fill, error) {
	if err := validateOrder(s.assetsInfo, symbol, baseQuantity); err != nil {
		return core.Fill{}, err
	}

	order, err := placeOrder(ctx, func() (*binance.CreateOrderResponse, error) {
		return s.client.NewCreateOrderService().
			Symbol(symbol).
			Type(binance.OrderTypeMarket).
			Side(binance.SideTypeSell).
			Quantity(formatQuantity(s.assetsInfo, symbol, baseQuantity)).
			NewOrderRespType(binance.NewOrderRespTypeFULL).
			Do(ctx)
	})
	if err != nil {
		return core.Fill{}, err
	}
	return spotFill(symbol, core.SignalSell, s.assetsInfo[symbol], order)
}

// spotFill converts an order response into a confirmed fill. Fees are summed
// in quote terms: quote-asset commissions directly, base-asset commissions
// valued at their fill price. Commissions paid in unrelated assets are left
// out rather than guessed.
func spotFill(symbol string, side core.SignalType, info core.AssetInfo,
	order *binance.CreateOrderResponse) (core.Fill, error) {

	quoteValue, err := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if err != nil {
		return core.Fill{}, err
	}
	quantity, err := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if err != nil {
		return core.Fill{}, err
	}
	if quantity <= 0 {
		return core.Fill{}, fmt.Errorf("market order on %s executed nothing (status %s)", symbol, order.Status)
	}

	var fee float64
	for _, fill := range order.Fills {
		commission, err := strconv.ParseFloat(fill.Commission, 64)
		if err != nil {
			continue
		}
		switch fill.CommissionAsset {
		case info.QuoteAsset:
			fee += commission
		case info.BaseAsset:
			if price, err := strconv.ParseFloat(fill.Price, 64); err == nil {
				fee += commission * price
			}
		}
	}

	return core.Fill{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		QuoteValue: quoteValue,
		AvgPrice:   quoteValue / quantity,
		Fee:        fee,
		At:         time.Unix(0, order.TransactTime*int64(time.Millisecond)),
	}, nil
}

// AssetsInfo returns the exchange filters for a pair.
func (s *Spot) AssetsInfo(pair string) core.AssetInfo {
	return s.assetsInfo[pair]
}

// LastQuote returns the current ticker price.
func (s *Spot) LastQuote(ctx context.Context, pair string) (float64, error) {
	return s.Price(ctx, pair)
}

// CandlesByLimit returns the most recent limit completed candles.
func (s *Spot) CandlesByLimit(ctx context.Context, pair, timeframe string, limit int) ([]core.Candle, error) {
	// One extra bar covers the in-progress candle dropped below.
	data, err := retryRead(ctx, func() ([]*binance.Kline, error) {
		return s.client.NewKlinesService().
			Symbol(pair).
			Interval(timeframe).
			Limit(limit + 1).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	heikinAshi := core.NewHeikinAshi()
	candles := make([]core.Candle, 0, len(data))
	for i, d := range data {
		if i == len(data)-1 {
			break
		}
		candle := spotCandle(pair, d)
		if s.heikinAshi {
			candle = heikinAshi.Smooth(candle)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// CandlesByPeriod returns completed candles inside [start, end].
func (s *Spot) CandlesByPeriod(ctx context.Context, pair, timeframe string,
	start, end time.Time) ([]core.Candle, error) {

	data, err := retryRead(ctx, func() ([]*binance.Kline, error) {
		return s.client.NewKlinesService().
			Symbol(pair).
			Interval(timeframe).
			StartTime(start.UnixNano() / int64(time.Millisecond)).
			EndTime(end.UnixNano() / int64(time.Millisecond)).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	heikinAshi := core.NewHeikinAshi()
	candles := make([]core.Candle, 0, len(data))
	for _, d := range data {
		candle := spotCandle(pair, d)
		if s.heikinAshi {
			candle = heikinAshi.Smooth(candle)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// CandlesSubscription streams candles over the websocket, reconnecting with
// backoff when the stream drops. Both channels close when ctx ends or the
// connection cannot be re-established.
func (s *Spot) CandlesSubscription(ctx context.Context, pair, timeframe string) (chan core.Candle, chan error) {
	ccandle := make(chan core.Candle)
	cerr := make(chan error)
	heikinAshi := core.NewHeikinAshi()
	wait := newBackoff()

	go func() {
		for {
			done, _, err := binance.WsKlineServe(pair, timeframe, func(event *binance.WsKlineEvent) {
				wait.Reset()
				candle := spotWsCandle(pair, event.Kline)

				if candle.Complete && s.heikinAshi {
					candle = heikinAshi.Smooth(candle)
				}
				if candle.Complete {
					for _, fetcher := range s.metadataFetchers {
						key, value := fetcher(pair, candle.Time)
						candle.Metadata[key] = value
					}
				}

				ccandle <- candle
			}, func(err error) {
				cerr <- err
			})

			if err != nil {
				cerr <- err
				close(cerr)
				close(ccandle)
				return
			}

			select {
			case <-ctx.Done():
				close(cerr)
				close(ccandle)
				return
			case <-done:
				time.Sleep(wait.Duration())
			}
		}
	}()

	return ccandle, cerr
}

func spotCandle(pair string, k *binance.Kline) core.Candle {
	t := time.Unix(0, k.OpenTime*int64(time.Millisecond))
	candle := core.Candle{
		Pair:      pair,
		Time:      t,
		CloseTime: time.Unix(0, k.CloseTime*int64(time.Millisecond)),
		UpdatedAt: t,
		Metadata:  make(map[string]float64),
		Complete:  true,
	}

	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	return candle
}

func spotWsCandle(pair string, k binance.WsKline) core.Candle {
	t := time.Unix(0, k.StartTime*int64(time.Millisecond))
	candle := core.Candle{
		Pair:      pair,
		Time:      t,
		CloseTime: time.Unix(0, k.EndTime*int64(time.Millisecond)),
		UpdatedAt: time.Now(),
		Metadata:  make(map[string]float64),
		Complete:  k.IsFinal,
	}

	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	return candle
}
