// Package download exports historical candles to CSV files that the CSV
// feed and the backtester consume.
package download

import (
	"context"
	"encoding/csv"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/xhit/go-str2duration/v2"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// batchSize is the largest candle window requested per exchange call.
const batchSize = 500

// CSV header names, in core.Candle.ToSlice order.
var csvHeaders = []string{"time", "open", "close", "low", "high", "volume"}

// Downloader fetches historical candle data from a feed and writes CSV.
type Downloader struct {
	feeder core.Feeder
	log    logger.Logger
}

// NewDownloader creates a downloader reading from the provided feed.
func NewDownloader(feeder core.Feeder, log logger.Logger) Downloader {
	if log == nil {
		log = zerologger.Nop()
	}
	return Downloader{
		feeder: feeder,
		log:    log,
	}
}

// Parameters defines the time range for a download.
type Parameters struct {
	Start time.Time
	End   time.Time
}

// Option is a function type for configuring download parameters.
type Option func(*Parameters)

// WithInterval sets specific start and end times for the download.
func WithInterval(start, end time.Time) Option {
	return func(parameters *Parameters) {
		parameters.Start = start
		parameters.End = end
	}
}

// WithDays sets the download period to a number of days back from now.
func WithDays(days int) Option {
	return func(parameters *Parameters) {
		parameters.Start = time.Now().AddDate(0, 0, -days)
		parameters.End = time.Now()
	}
}

// candleCount determines the number of candles the range spans.
func candleCount(start, end time.Time, timeframe string) (int, time.Duration, error) {
	totalDuration := end.Sub(start)
	interval, err := str2duration.ParseDuration(timeframe)
	if err != nil {
		return 0, 0, err
	}
	return int(totalDuration / interval), interval, nil
}

// Download fetches candle data and saves it to a CSV file.
func (d Downloader) Download(ctx context.Context, pair, timeframe, outputPath string, options ...Option) error {
	recordFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer recordFile.Close()

	parameters := defaultParameters()
	for _, option := range options {
		option(parameters)
	}
	normalizeTimeParameters(parameters)

	count, interval, err := candleCount(parameters.Start, parameters.End, timeframe)
	if err != nil {
		return err
	}
	count++

	d.log.Infof("downloading %d candles of %s for %s", count, timeframe, pair)

	writer := csv.NewWriter(recordFile)
	assetInfo := d.feeder.AssetsInfo(pair)

	progressBar := progressbar.Default(int64(count))

	if err := writer.Write(csvHeaders); err != nil {
		return err
	}

	missingCandles, err := d.downloadBatches(
		ctx,
		pair,
		timeframe,
		parameters.Start,
		parameters.End,
		interval,
		assetInfo.QuotePrecision,
		writer,
		progressBar,
	)
	if err != nil {
		return err
	}

	if err = progressBar.Close(); err != nil {
		d.log.Warnf("failed to close progress bar: %s", err)
	}

	if missingCandles > 0 {
		d.log.Warnf("%d missing candles", missingCandles)
	}

	writer.Flush()
	d.log.Info("download finished")
	return writer.Error()
}

// defaultParameters covers the last month.
func defaultParameters() *Parameters {
	now := time.Now()
	return &Parameters{
		Start: now.AddDate(0, -1, 0),
		End:   now,
	}
}

// normalizeTimeParameters aligns the range to day boundaries and keeps the
// end out of the future.
func normalizeTimeParameters(parameters *Parameters) {
	parameters.Start = time.Date(
		parameters.Start.Year(),
		parameters.Start.Month(),
		parameters.Start.Day(),
		0, 0, 0, 0, time.UTC,
	)

	now := time.Now()
	if now.Sub(parameters.End) > 0 {
		parameters.End = time.Date(
			parameters.End.Year(),
			parameters.End.Month(),
			parameters.End.Day(),
			0, 0, 0, 0, time.UTC,
		)
	} else {
		parameters.End = now
	}
}

// downloadBatches pulls candles in batchSize windows and streams them to
// the CSV writer, counting gaps in non-final batches.
func (d Downloader) downloadBatches(
	ctx context.Context,
	pair string,
	timeframe string,
	start time.Time,
	end time.Time,
	interval time.Duration,
	precision int,
	writer *csv.Writer,
	progressBar *progressbar.ProgressBar,
) (int, error) {
	missingCandles := 0

	for batchStart := start; batchStart.Before(end); batchStart = batchStart.Add(interval * batchSize) {
		batchEnd := batchEndTime(batchStart, interval, end)
		isLastBatch := batchEnd.Equal(end)

		candles, err := d.feeder.CandlesByPeriod(ctx, pair, timeframe, batchStart, batchEnd)
		if err != nil {
			return missingCandles, err
		}

		if err := writeCandles(writer, candles, precision); err != nil {
			return missingCandles, err
		}

		if !isLastBatch && len(candles) < batchSize {
			missingCandles += batchSize - len(candles)
		}

		if err := progressBar.Add(len(candles)); err != nil {
			d.log.Warnf("failed to update progress bar: %s", err)
		}
	}

	return missingCandles, nil
}

// batchEndTime determines the end time for one batch. A second is shaved
// off intermediate batches so the next batch's start does not overlap.
func batchEndTime(batchStart time.Time, interval time.Duration, totalEnd time.Time) time.Time {
	potentialEnd := batchStart.Add(interval * batchSize)
	if potentialEnd.Before(totalEnd) {
		return potentialEnd.Add(-1 * time.Second)
	}
	return totalEnd
}

// writeCandles writes a batch of candles to the CSV writer.
func writeCandles(writer *csv.Writer, candles []core.Candle, precision int) error {
	for _, candle := range candles {
		if err := writer.Write(candle.ToSlice(precision)); err != nil {
			return err
		}
	}
	return nil
}
