package core

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// CandleSubscriber receives finalized candles from a data feed.
type CandleSubscriber interface {
	OnCandle(Candle)
}

// Candle is a single OHLCV bar. Time is the bar open time and CloseTime the
// exchange-reported close. Complete is false for in-progress bars pushed by a
// websocket stream.
type Candle struct {
	Pair      string
	Time      time.Time
	CloseTime time.Time
	UpdatedAt time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Complete  bool

	// Extra columns carried through from CSV inputs.
	Metadata map[string]float64
}

// IsEmpty reports whether the candle carries no data at all.
func (c Candle) IsEmpty() bool {
	return c.Pair == "" && c.Open == 0 && c.Close == 0 && c.Volume == 0
}

// ToSlice renders the candle as CSV fields with the given price precision.
func (c Candle) ToSlice(precision int) []string {
	return []string{
		fmt.Sprintf("%d", c.Time.Unix()),
		strconv.FormatFloat(c.Open, 'f', precision, 64),
		strconv.FormatFloat(c.Close, 'f', precision, 64),
		strconv.FormatFloat(c.Low, 'f', precision, 64),
		strconv.FormatFloat(c.High, 'f', precision, 64),
		strconv.FormatFloat(c.Volume, 'f', precision, 64),
	}
}

// Less orders candles chronologically for the priority queue, breaking ties
// by update time and then pair name so multi-pair merges stay deterministic.
func (c Candle) Less(j Item) bool {
	other := j.(Candle)

	if diff := other.Time.Sub(c.Time); diff != 0 {
		return diff > 0
	}
	if diff := other.UpdatedAt.Sub(c.UpdatedAt); diff != 0 {
		return diff > 0
	}
	return c.Pair < other.Pair
}

// HeikinAshi keeps the previous smoothed bar needed to derive the next one.
type HeikinAshi struct {
	previous Candle
}

func NewHeikinAshi() *HeikinAshi {
	return &HeikinAshi{}
}

// Smooth converts a regular candle into its Heikin-Ashi form:
// close = (o+h+l+c)/4, open = midpoint of the previous smoothed bar,
// high/low = extremes over the raw bar and the smoothed open/close.
func (ha *HeikinAshi) Smooth(c Candle) Candle {
	open, close := ha.previous.Open, ha.previous.Close
	if ha.previous.IsEmpty() {
		open, close = c.Open, c.Close
	}

	out := c
	out.Open = (open + close) / 2
	out.Close = (c.Open + c.High + c.Low + c.Close) / 4
	out.High = math.Max(c.High, math.Max(out.Open, out.Close))
	out.Low = math.Min(c.Low, math.Min(out.Open, out.Close))

	ha.previous = out
	return out
}
