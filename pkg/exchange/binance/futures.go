package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// MarginType selects isolated or crossed margin on futures pairs.
type MarginType = futures.MarginType

const (
	MarginTypeIsolated MarginType = "ISOLATED"
	MarginTypeCrossed  MarginType = "CROSSED"

	// codeNoMarginChange is returned when the pair already uses the
	// requested margin type.
	codeNoMarginChange int64 = -4046
)

// PairOption sets leverage and margin type for one futures pair.
type PairOption struct {
	Pair       string
	Leverage   int
	MarginType MarginType
}

// Futures is the USDT-margined futures client. It is the venue used by
// scenarios that short.
type Futures struct {
	client           *futures.Client
	assetsInfo       map[string]core.AssetInfo
	heikinAshi       bool
	metadataFetchers []MetadataFetcher
	pairOptions      []PairOption
	log              logger.Logger
}

// FuturesOption configures the futures client.
type FuturesOption func(*Futures)

// WithFuturesCredentials sets the API key pair.
func WithFuturesCredentials(key, secret string) FuturesOption {
	return func(f *Futures) {
		f.client = futures.NewClient(key, secret)
	}
}

// WithFuturesHeikinAshiCandles smooths every served candle.
func WithFuturesHeikinAshiCandles() FuturesOption {
	return func(f *Futures) {
		f.heikinAshi = true
	}
}

// WithFuturesTestnet routes all calls to the exchange testnet.
func WithFuturesTestnet() FuturesOption {
	return func(_ *Futures) {
		futures.UseTestnet = true
	}
}

// WithFuturesLeverage sets leverage and margin type for a pair at startup.
func WithFuturesLeverage(pair string, leverage int, marginType MarginType) FuturesOption {
	return func(f *Futures) {
		f.pairOptions = append(f.pairOptions, PairOption{
			Pair:       strings.ToUpper(pair),
			Leverage:   leverage,
			MarginType: marginType,
		})
	}
}

// WithFuturesMetadataFetcher attaches extra per-candle metadata.
func WithFuturesMetadataFetcher(fetcher MetadataFetcher) FuturesOption {
	return func(f *Futures) {
		f.metadataFetchers = append(f.metadataFetchers, fetcher)
	}
}

// NewFutures connects a futures client: ping, per-pair leverage and margin
// setup, then the trading filters for every symbol. A failed ping aborts
// startup.
func NewFutures(ctx context.Context, log logger.Logger, options ...FuturesOption) (*Futures, error) {
	futures.WebsocketKeepalive = true

	client := &Futures{
		client:     futures.NewClient("", ""),
		assetsInfo: make(map[string]core.AssetInfo),
		log:        log,
	}
	for _, option := range options {
		option(client)
	}

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("futures ping: %w", err)
	}
	if err := client.configurePairs(ctx); err != nil {
		return nil, err
	}

	info, err := retryRead(ctx, func() (*futures.ExchangeInfo, error) {
		return client.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load futures exchange info: %w", err)
	}
	for _, symbol := range info.Symbols {
		client.assetsInfo[symbol.Symbol] = futuresAssetInfo(symbol)
	}

	log.Infof("binance futures connected, %d symbols", len(client.assetsInfo))
	return client, nil
}

// configurePairs applies leverage and margin settings. An unchanged margin
// type is not an error.
func (f *Futures) configurePairs(ctx context.Context) error {
	for _, option := range f.pairOptions {
		_, err := f.client.NewChangeLeverageService().
			Symbol(option.Pair).
			Leverage(option.Leverage).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("set leverage for %s: %w", option.Pair, classify(err))
		}

		err = f.client.NewChangeMarginTypeService().
			Symbol(option.Pair).
			MarginType(option.MarginType).
			Do(ctx)
		if err != nil {
			var api *common.APIError
			if errors.As(err, &api) && api.Code == codeNoMarginChange {
				continue
			}
			return fmt.Errorf("set margin type for %s: %w", option.Pair, classify(err))
		}
	}
	return nil
}

func futuresAssetInfo(info futures.Symbol) core.AssetInfo {
	assetInfo := core.AssetInfo{
		BaseAsset:          info.BaseAsset,
		QuoteAsset:         info.QuoteAsset,
		BaseAssetPrecision: info.QuantityPrecision,
		QuotePrecision:     info.PricePrecision,
	}

	for _, filter := range info.Filters {
		switch filter["filterType"] {
		case string(futures.SymbolFilterTypeLotSize):
			assetInfo.MinQuantity = filterFloat(filter, "minQty")
			assetInfo.MaxQuantity = filterFloat(filter, "maxQty")
			assetInfo.StepSize = filterFloat(filter, "stepSize")
		case string(futures.SymbolFilterTypePrice):
			assetInfo.MinPrice = filterFloat(filter, "minPrice")
			assetInfo.MaxPrice = filterFloat(filter, "maxPrice")
			assetInfo.TickSize = filterFloat(filter, "tickSize")
		}
	}
	return assetInfo
}

// Ping verifies connectivity.
func (f *Futures) Ping(ctx context.Context) error {
	_, err := retryRead(ctx, func() (struct{}, error) {
		return struct{}{}, f.client.NewPingService().Do(ctx)
	})
	return err
}

// USDTBalance returns the available USDT margin balance.
func (f *Futures) USDTBalance(ctx context.Context) (float64, error) {
	balances, err := retryRead(ctx, func() ([]*futures.Balance, error) {
		return f.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return 0, err
	}

	for _, balance := range balances {
		if balance.Asset != "USDT" {
			continue
		}
		return strconv.ParseFloat(balance.AvailableBalance, 64)
	}
	return 0, nil
}

// Price returns the current ticker price for a symbol.
func (f *Futures) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := retryRead(ctx, func() ([]*futures.SymbolPrice, error) {
		return f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price reported for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// OpenPositions reports every nonzero futures position with its entry price.
func (f *Futures) OpenPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	risks, err := retryRead(ctx, func() ([]*futures.PositionRisk, error) {
		return f.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	positions := make([]core.ExchangePosition, 0)
	for _, risk := range risks {
		amount, err := strconv.ParseFloat(risk.PositionAmt, 64)
		if err != nil || amount == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(risk.EntryPrice, 64)

		side := core.SideLong
		if amount < 0 {
			side = core.SideShort
			amount = -amount
		}
		positions = append(positions, core.ExchangePosition{
			Symbol:   risk.Symbol,
			Side:     side,
			Quantity: amount,
			AvgPrice: entry,
		})
	}
	return positions, nil
}

// MarketBuy converts quoteAmount to a base quantity at the current price and
// buys at market. Futures orders are quantity-denominated, so the spend is
// approximate to one lot step.
func (f *Futures) MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (core.Fill, error) {
	price, err := f.Price(ctx, symbol)
	if err != nil {
		return core.Fill{}, err
	}
	if price <= 0 {
		return core.Fill{}, fmt.Errorf("no tradable price for %s", symbol)
	}

	quantity := quoteAmount / price
	if err := validateOrder(f.assetsInfo, symbol, quantity); err != nil {
		return core.Fill{}, err
	}

	order, err := placeOrder(ctx, func() (*futures.CreateOrderResponse, error) {
		return f.client.NewCreateOrderService().
			Symbol(symbol).
			Type(futures.OrderTypeMarket).
			Side(futures.SideTypeBuy).
			Quantity(formatQuantity(f.assetsInfo, symbol, quantity)).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
	})
	if err != nil {
		return core.Fill{}, err
	}
	return futuresFill(symbol, core.SignalBuy, order)
}

// MarketSell sells baseQuantity at market. On futures this either closes a
// long or opens a short, decided by the caller's ledger.
func (f *Futures) MarketSell(ctx context.Context, symbol string, baseQuantity float64) (core.Fill, error) {
	if err := validateOrder(f.assetsInfo, symbol, baseQuantity); err != nil {
		return core.Fill{}, err
	}

	order, err := placeOrder(ctx, func() (*futures.CreateOrderResponse, error) {
		return f.client.NewCreateOrderService().
			Symbol(symbol).
			Type(futures.OrderTypeMarket).
			Side(futures.SideTypeSell).
			Quantity(formatQuantity(f.assetsInfo, symbol, baseQuantity)).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
	})
	if err != nil {
		return core.Fill{}, err
	}
	return futuresFill(symbol, core.SignalSell, order)
}

// futuresFill converts an order response into a confirmed fill. RESULT
// responses carry no commission, so Fee stays zero and fees show up in the
// next balance snapshot instead.
func futuresFill(symbol string, side core.SignalType, order *futures.CreateOrderResponse) (core.Fill, error) {
	quoteValue, err := strconv.ParseFloat(order.CumQuote, 64)
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

	avgPrice := quoteValue / quantity
	if avgPrice == 0 {
		if parsed, err := strconv.ParseFloat(order.AvgPrice, 64); err == nil {
			avgPrice = parsed
		}
	}

	return core.Fill{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		QuoteValue: quoteValue,
		AvgPrice:   avgPrice,
		At:         time.Unix(0, order.UpdateTime*int64(time.Millisecond)),
	}, nil
}

// AssetsInfo returns the exchange filters for a pair.
func (f *Futures) AssetsInfo(pair string) core.AssetInfo {
	return f.assetsInfo[pair]
}

// LastQuote returns the current ticker price.
func (f *Futures) LastQuote(ctx context.Context, pair string) (float64, error) {
	return f.Price(ctx, pair)
}

// CandlesByLimit returns the most recent limit completed candles.
func (f *Futures) CandlesByLimit(ctx context.Context, pair, timeframe string, limit int) ([]core.Candle, error) {
	// One extra bar covers the in-progress candle dropped below.
	data, err := retryRead(ctx, func() ([]*futures.Kline, error) {
		return f.client.NewKlinesService().
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
		candle := futuresCandle(pair, d)
		if f.heikinAshi {
			candle = heikinAshi.Smooth(candle)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// CandlesByPeriod returns completed candles inside [start, end].
func (f *Futures) CandlesByPeriod(ctx context.Context, pair, timeframe string,
	start, end time.Time) ([]core.Candle, error) {

	data, err := retryRead(ctx, func() ([]*futures.Kline, error) {
		return f.client.NewKlinesService().
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
		candle := futuresCandle(pair, d)
		if f.heikinAshi {
			candle = heikinAshi.Smooth(candle)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// CandlesSubscription streams candles over the websocket, reconnecting with
// backoff when the stream drops.
func (f *Futures) CandlesSubscription(ctx context.Context, pair, timeframe string) (chan core.Candle, chan error) {
	ccandle := make(chan core.Candle)
	cerr := make(chan error)
	heikinAshi := core.NewHeikinAshi()
	wait := newBackoff()

	go func() {
		for {
			done, _, err := futures.WsKlineServe(pair, timeframe, func(event *futures.WsKlineEvent) {
				wait.Reset()
				candle := futuresWsCandle(pair, event.Kline)

				if candle.Complete && f.heikinAshi {
					candle = heikinAshi.Smooth(candle)
				}
				if candle.Complete {
					for _, fetcher := range f.metadataFetchers {
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

func futuresCandle(pair string, k *futures.Kline) core.Candle {
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

func futuresWsCandle(pair string, k futures.WsKline) core.Candle {
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
