package core

import (
	"fmt"
	"time"
)

// Dataframe holds the candle window for one pair as parallel series, which is
// the shape the indicator pipeline, the regime classifier, and strategy hooks
// consume.
type Dataframe struct {
	Pair string

	Open   Series[float64]
	High   Series[float64]
	Low    Series[float64]
	Close  Series[float64]
	Volume Series[float64]

	Time       []time.Time
	CloseTime  []time.Time
	LastUpdate time.Time

	// Extra series populated from candle metadata or strategy hooks.
	Metadata map[string]Series[float64]
}

func NewDataframe(pair string) *Dataframe {
	return &Dataframe{
		Pair:     pair,
		Metadata: make(map[string]Series[float64]),
	}
}

// Len returns the number of bars in the frame.
func (df *Dataframe) Len() int {
	return len(df.Close)
}

// Append adds one bar. Bars must arrive in strictly increasing open-time
// order; anything else is rejected so a corrupted feed cannot scramble the
// window.
func (df *Dataframe) Append(c Candle) error {
	if n := len(df.Time); n > 0 && !c.Time.After(df.Time[n-1]) {
		return fmt.Errorf("%w: %s bar %s not after %s",
			ErrOutOfOrderCandle, c.Pair, c.Time, df.Time[n-1])
	}

	df.Open = append(df.Open, c.Open)
	df.High = append(df.High, c.High)
	df.Low = append(df.Low, c.Low)
	df.Close = append(df.Close, c.Close)
	df.Volume = append(df.Volume, c.Volume)
	df.Time = append(df.Time, c.Time)
	df.CloseTime = append(df.CloseTime, c.CloseTime)
	df.LastUpdate = c.Time

	for k, v := range c.Metadata {
		df.Metadata[k] = append(df.Metadata[k], v)
	}
	return nil
}

// Trim drops bars from the front so at most max remain.
func (df *Dataframe) Trim(max int) {
	n := len(df.Close)
	if max <= 0 || n <= max {
		return
	}
	cut := n - max

	df.Open = df.Open[cut:]
	df.High = df.High[cut:]
	df.Low = df.Low[cut:]
	df.Close = df.Close[cut:]
	df.Volume = df.Volume[cut:]
	df.Time = df.Time[cut:]
	df.CloseTime = df.CloseTime[cut:]

	for k := range df.Metadata {
		if len(df.Metadata[k]) > max {
			df.Metadata[k] = df.Metadata[k][len(df.Metadata[k])-max:]
		}
	}
}

// Sample returns a copy holding only the trailing 'positions' bars.
func (df *Dataframe) Sample(positions int) Dataframe {
	size := len(df.Time)
	start := size - positions
	if start <= 0 {
		return *df
	}

	sample := Dataframe{
		Pair:       df.Pair,
		Open:       df.Open.LastValues(positions),
		High:       df.High.LastValues(positions),
		Low:        df.Low.LastValues(positions),
		Close:      df.Close.LastValues(positions),
		Volume:     df.Volume.LastValues(positions),
		Time:       df.Time[start:],
		CloseTime:  df.CloseTime[start:],
		LastUpdate: df.LastUpdate,
		Metadata:   make(map[string]Series[float64]),
	}

	for k := range df.Metadata {
		sample.Metadata[k] = df.Metadata[k].LastValues(positions)
	}
	return sample
}
