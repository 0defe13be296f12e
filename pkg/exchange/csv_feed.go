package exchange

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/velabot/vela/pkg/core"
)

// defaultColumns is the column layout written by the downloader and assumed
// for headerless files.
var defaultColumns = map[string]int{
	"time":   0,
	"open":   1,
	"close":  2,
	"low":    3,
	"high":   4,
	"volume": 5,
}

// PairFeed points one pair at a local CSV file. HeikinAshi smooths the bars
// as they are read; Timeframe is the bar size stored in the file.
type PairFeed struct {
	Pair       string
	File       string
	Timeframe  string
	HeikinAshi bool
}

// CSVFeed serves historical candles from local files. It implements
// core.Feeder so backtests and paper runs can use the same wiring as live
// feeds. Files are loaded once at construction; bars whose timeframe differs
// from the target are resampled upward on period boundaries.
type CSVFeed struct {
	Timeframe string
	Feeds     map[string]PairFeed
	Candles   map[string][]core.Candle
}

// feedKey joins a pair and timeframe into the map key shared by the CSV feed
// and the live subscription hub.
func feedKey(pair, timeframe string) string {
	return fmt.Sprintf("%s--%s", pair, timeframe)
}

// splitFeedKey is the inverse of feedKey.
func splitFeedKey(key string) (pair, timeframe string) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '-' && key[i+1] == '-' {
			return key[:i], key[i+2:]
		}
	}
	return "", ""
}

// NewCSVFeed loads every pair file and resamples it to the target timeframe
// when needed. A file whose bars are already at the target timeframe is
// served as-is.
func NewCSVFeed(targetTimeframe string, feeds ...PairFeed) (*CSVFeed, error) {
	targetDuration, err := str2duration.ParseDuration(targetTimeframe)
	if err != nil {
		return nil, core.NewConfigError("invalid timeframe %q: %v", targetTimeframe, err)
	}

	csvFeed := &CSVFeed{
		Timeframe: targetTimeframe,
		Feeds:     make(map[string]PairFeed),
		Candles:   make(map[string][]core.Candle),
	}

	for _, feed := range feeds {
		sourceDuration, err := str2duration.ParseDuration(feed.Timeframe)
		if err != nil {
			return nil, core.NewConfigError("invalid timeframe %q for %s: %v", feed.Timeframe, feed.Pair, err)
		}

		candles, err := readCandlesFromCSV(feed, sourceDuration)
		if err != nil {
			return nil, err
		}

		csvFeed.Feeds[feedKey(feed.Pair, feed.Timeframe)] = feed
		csvFeed.Candles[feedKey(feed.Pair, feed.Timeframe)] = candles

		if feed.Timeframe == targetTimeframe {
			continue
		}
		if targetDuration <= sourceDuration {
			return nil, core.NewConfigError(
				"cannot resample %s bars from %s to %s", feed.Pair, feed.Timeframe, targetTimeframe)
		}

		resampled, err := resampleCandles(candles, sourceDuration, targetDuration, targetTimeframe)
		if err != nil {
			return nil, err
		}
		csvFeed.Candles[feedKey(feed.Pair, targetTimeframe)] = resampled
	}

	return csvFeed, nil
}

// readCandlesFromCSV parses one file into completed candles. The first row
// decides the layout: a numeric first cell means the default headerless
// layout, anything else is read as a header row. Columns beyond the six
// required ones are carried into candle metadata.
func readCandlesFromCSV(feed PairFeed, barDuration time.Duration) ([]core.Candle, error) {
	file, err := os.Open(feed.File)
	if err != nil {
		return nil, fmt.Errorf("open candle file for %s: %w", feed.Pair, err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read candle file for %s: %w", feed.Pair, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", core.ErrInsufficientData, feed.File)
	}

	columns, extra, hasHeader := parseColumns(rows[0])
	if hasHeader {
		rows = rows[1:]
	}

	heikinAshi := core.NewHeikinAshi()
	candles := make([]core.Candle, 0, len(rows))

	for _, row := range rows {
		candle, err := parseCandleRow(feed.Pair, row, columns, extra)
		if err != nil {
			return nil, err
		}
		candle.CloseTime = candle.Time.Add(barDuration)

		if feed.HeikinAshi {
			candle = heikinAshi.Smooth(candle)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseColumns maps column names to indexes. It returns the required column
// map, the extra metadata columns, and whether the first row was a header.
func parseColumns(first []string) (columns map[string]int, extra map[string]int, hasHeader bool) {
	if len(first) > 0 {
		if _, err := strconv.Atoi(first[0]); err == nil {
			return defaultColumns, nil, false
		}
	}

	columns = make(map[string]int, len(first))
	extra = make(map[string]int)
	for i, name := range first {
		if _, required := defaultColumns[name]; required {
			columns[name] = i
			continue
		}
		extra[name] = i
	}
	return columns, extra, true
}

func parseCandleRow(pair string, row []string, columns, extra map[string]int) (core.Candle, error) {
	field := func(name string) (float64, error) {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return 0, fmt.Errorf("candle file for %s is missing column %q", pair, name)
		}
		return strconv.ParseFloat(row[idx], 64)
	}

	tsIdx, ok := columns["time"]
	if !ok || tsIdx >= len(row) {
		return core.Candle{}, fmt.Errorf("candle file for %s is missing column %q", pair, "time")
	}
	ts, err := strconv.ParseInt(row[tsIdx], 10, 64)
	if err != nil {
		return core.Candle{}, fmt.Errorf("candle file for %s has invalid time %q: %w", pair, row[tsIdx], err)
	}

	candle := core.Candle{
		Pair:     pair,
		Time:     time.Unix(ts, 0).UTC(),
		Complete: true,
		Metadata: make(map[string]float64),
	}
	candle.UpdatedAt = candle.Time

	if candle.Open, err = field("open"); err != nil {
		return core.Candle{}, err
	}
	if candle.Close, err = field("close"); err != nil {
		return core.Candle{}, err
	}
	if candle.Low, err = field("low"); err != nil {
		return core.Candle{}, err
	}
	if candle.High, err = field("high"); err != nil {
		return core.Candle{}, err
	}
	if candle.Volume, err = field("volume"); err != nil {
		return core.Candle{}, err
	}

	for name, idx := range extra {
		if idx >= len(row) {
			continue
		}
		value, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			continue
		}
		candle.Metadata[name] = value
	}

	return candle, nil
}

// alignedToBoundary reports whether t opens a bar of the given timeframe.
// Times are evaluated in UTC; weeks open Monday 00:00 like the exchange.
func alignedToBoundary(t time.Time, timeframe string) (bool, error) {
	t = t.UTC()
	onHour := t.Minute() == 0 && t.Second() == 0

	switch timeframe {
	case "1m":
		return t.Second() == 0, nil
	case "5m", "10m", "15m", "30m":
		span, _ := strconv.Atoi(timeframe[:len(timeframe)-1])
		return t.Minute()%span == 0 && t.Second() == 0, nil
	case "1h":
		return onHour, nil
	case "2h", "4h", "6h", "12h":
		span, _ := strconv.Atoi(timeframe[:len(timeframe)-1])
		return t.Hour()%span == 0 && onHour, nil
	case "1d":
		return t.Hour() == 0 && onHour, nil
	case "1w":
		return t.Weekday() == time.Monday && t.Hour() == 0 && onHour, nil
	default:
		return false, core.NewConfigError("unsupported resample timeframe %q", timeframe)
	}
}

// resampleCandles aggregates source bars into target-timeframe bars. Bars
// before the first aligned boundary and any unfinished trailing period are
// dropped so every output candle is complete.
func resampleCandles(candles []core.Candle, sourceDuration, targetDuration time.Duration,
	targetTimeframe string) ([]core.Candle, error) {

	out := make([]core.Candle, 0, len(candles))
	var bucket core.Candle
	var open bool

	for _, candle := range candles {
		starts, err := alignedToBoundary(candle.Time, targetTimeframe)
		if err != nil {
			return nil, err
		}

		if starts {
			bucket = candle
			bucket.CloseTime = candle.Time.Add(targetDuration)
			bucket.Complete = false
			open = true
		} else if open {
			if candle.High > bucket.High {
				bucket.High = candle.High
			}
			if candle.Low < bucket.Low {
				bucket.Low = candle.Low
			}
			bucket.Close = candle.Close
			bucket.Volume += candle.Volume
			bucket.UpdatedAt = candle.Time
		} else {
			continue
		}

		// The bar whose end touches the next boundary finishes the period.
		if ends, _ := alignedToBoundary(candle.Time.Add(sourceDuration), targetTimeframe); ends {
			bucket.Complete = true
			out = append(out, bucket)
			open = false
		}
	}

	return out, nil
}

// Limit keeps only the candles inside the trailing duration window of each
// series, measured from its final bar.
func (c *CSVFeed) Limit(duration time.Duration) *CSVFeed {
	for key, candles := range c.Candles {
		if len(candles) == 0 {
			continue
		}
		start := candles[len(candles)-1].Time.Add(-duration)
		c.Candles[key] = lo.Filter(candles, func(candle core.Candle, _ int) bool {
			return candle.Time.After(start)
		})
	}
	return c
}

// AssetsInfo reports permissive trading limits; CSV data carries no exchange
// filters.
func (c *CSVFeed) AssetsInfo(pair string) core.AssetInfo {
	asset, quote := SplitAssetQuote(pair)
	return core.AssetInfo{
		BaseAsset:          asset,
		QuoteAsset:         quote,
		MinPrice:           0.00000001,
		MaxPrice:           100000000,
		MinQuantity:        0.00000001,
		MaxQuantity:        100000000,
		StepSize:           0.00000001,
		TickSize:           0.00000001,
		QuotePrecision:     8,
		BaseAssetPrecision: 8,
	}
}

// LastQuote is unavailable for file-backed feeds.
func (c *CSVFeed) LastQuote(_ context.Context, pair string) (float64, error) {
	return 0, fmt.Errorf("csv feed has no live quote for %s", pair)
}

// CandlesByPeriod returns the stored candles inside [start, end].
func (c *CSVFeed) CandlesByPeriod(_ context.Context, pair, timeframe string,
	start, end time.Time) ([]core.Candle, error) {

	candles, ok := c.Candles[feedKey(pair, timeframe)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s candles loaded for %s", core.ErrInsufficientData, timeframe, pair)
	}
	return lo.Filter(candles, func(candle core.Candle, _ int) bool {
		return !candle.Time.Before(start) && !candle.Time.After(end)
	}), nil
}

// CandlesByLimit returns the most recent limit candles.
func (c *CSVFeed) CandlesByLimit(_ context.Context, pair, timeframe string, limit int) ([]core.Candle, error) {
	candles, ok := c.Candles[feedKey(pair, timeframe)]
	if !ok || len(candles) < limit {
		return nil, fmt.Errorf("%w: %s %s has %d candles, need %d",
			core.ErrInsufficientData, pair, timeframe, len(candles), limit)
	}
	return candles[len(candles)-limit:], nil
}

// CandlesSubscription replays the stored candles into a channel and closes
// it, which lets the subscription hub drive a simulated session to completion.
func (c *CSVFeed) CandlesSubscription(ctx context.Context, pair, timeframe string) (chan core.Candle, chan error) {
	ccandle := make(chan core.Candle)
	cerr := make(chan error)

	go func() {
		defer close(ccandle)
		defer close(cerr)

		for _, candle := range c.Candles[feedKey(pair, timeframe)] {
			select {
			case <-ctx.Done():
				return
			case ccandle <- candle:
			}
		}
	}()

	return ccandle, cerr
}
