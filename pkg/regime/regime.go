// Package regime classifies the recent market state from a tail of candles.
// Classification is pure: the same window always produces the same label, so
// callers can re-run it per candle without hysteresis state. The deciding
// thresholds are package constants rather than configuration.
package regime

import (
	"fmt"
	"math"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/indicator"
)

// DefaultTailBars is the window length executors feed the classifier.
const DefaultTailBars = 100

// Deciding thresholds. An ADX between the ranging and trending levels is
// ambiguous and the slope magnitude breaks the tie.
const (
	slopeWindow   = 20   // long-MA values fed to the linear regression
	slopeTrendPct = 0.05 // slope, in % of price per bar, read as a real trend

	adxTrendingLevel = 25.0
	adxRangingLevel  = 20.0

	bandWindow   = 20  // bars for the high/low band
	tightBandPct = 4.0 // band width below this is ranging-tight

	breakoutWindow      = 20
	breakoutVolumeRatio = 1.5
)

// DefaultMALongPeriod is the EMA the trend slope is measured on.
const DefaultMALongPeriod = 50

// Params selects the periods the classifier derives its inputs with. Zero
// fields fall back to defaults.
type Params struct {
	MALongPeriod int
	ADXPeriod    int
	VolWindow    int
}

func (p Params) withDefaults() Params {
	if p.MALongPeriod <= 0 {
		p.MALongPeriod = DefaultMALongPeriod
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = indicator.DefaultADXPeriod
	}
	if p.VolWindow <= 0 {
		p.VolWindow = indicator.DefaultVolWindow
	}
	return p
}

// MinBars is the shortest window Classify accepts.
func (p Params) MinBars() int {
	p = p.withDefaults()
	min := p.MALongPeriod + slopeWindow - 1
	if n := 2*p.ADXPeriod + 1; n > min {
		min = n
	}
	if n := breakoutWindow + 1; n > min {
		min = n
	}
	if n := p.VolWindow; n > min {
		min = n
	}
	return min
}

// metrics is everything the decision needs, extracted so the classification
// step itself stays a pure function of numbers.
type metrics struct {
	slopePct    float64 // long-MA regression slope, % of last close per bar
	adx         float64
	bandPct     float64 // (HH-LL)/mid over bandWindow, in percent
	breakUp     bool
	breakDown   bool
	volumeRatio float64 // last volume / average volume
}

// Classify labels the market state of the window tail. Priority order is
// breakout, then trending, then ranging; confidence grows with the distance
// past each deciding threshold and is clamped to [0,100].
func Classify(df *core.Dataframe, params Params) (core.Regime, error) {
	p := params.withDefaults()
	if df.Len() < p.MinBars() {
		return core.Regime{}, fmt.Errorf("%w: regime needs %d bars, have %d",
			core.ErrInsufficientData, p.MinBars(), df.Len())
	}

	m, err := extract(df, p)
	if err != nil {
		return core.Regime{}, err
	}
	label, confidence := decide(m)
	return core.Regime{Label: label, Confidence: confidence}, nil
}

func extract(df *core.Dataframe, p Params) (metrics, error) {
	closes := df.Close.Values()
	highs := df.High.Values()
	lows := df.Low.Values()
	n := len(closes)

	var m metrics
	lastClose := closes[n-1]
	if lastClose <= 0 || math.IsNaN(lastClose) || math.IsInf(lastClose, 0) {
		return m, fmt.Errorf("%w: close %v", core.ErrInsufficientData, lastClose)
	}

	ma, err := indicator.EMASeries(closes, p.MALongPeriod)
	if err != nil {
		return m, err
	}
	slopes := indicator.LinRegSlope(ma, slopeWindow)
	m.slopePct = slopes[len(slopes)-1] / lastClose * 100

	adx, err := indicator.ADX(highs, lows, closes, p.ADXPeriod)
	if err != nil {
		return m, err
	}
	m.adx = adx

	hh := indicator.Max(highs, bandWindow)[n-1]
	ll := indicator.Min(lows, bandWindow)[n-1]
	if mid := (hh + ll) / 2; mid > 0 {
		m.bandPct = (hh - ll) / mid * 100
	}

	avgVol, err := indicator.SMA(df.Volume.Values(), p.VolWindow)
	if err != nil {
		return m, err
	}
	if avgVol > 0 {
		m.volumeRatio = df.Volume.Last(0) / avgVol
	}

	// Breakout compares the last close against the band of the bars before
	// it, so a fresh extreme counts as beyond.
	prevHigh := indicator.Max(highs[:n-1], breakoutWindow)[n-2]
	prevLow := indicator.Min(lows[:n-1], breakoutWindow)[n-2]
	if m.volumeRatio >= breakoutVolumeRatio {
		m.breakUp = lastClose > prevHigh
		m.breakDown = lastClose < prevLow
	}

	return m, nil
}

func decide(m metrics) (core.RegimeLabel, float64) {
	switch {
	case m.breakUp:
		return core.RegimeBreakoutUp, breakoutConfidence(m)
	case m.breakDown:
		return core.RegimeBreakoutDown, breakoutConfidence(m)
	}

	trending := m.adx >= adxTrendingLevel ||
		(m.adx >= adxRangingLevel && math.Abs(m.slopePct) >= slopeTrendPct)
	if trending && m.slopePct != 0 {
		strength := 0.5*span(m.adx, adxRangingLevel, 50) +
			0.5*span(math.Abs(m.slopePct), slopeTrendPct, 4*slopeTrendPct)
		if m.slopePct > 0 {
			return core.RegimeTrendingBull, confidence(strength)
		}
		return core.RegimeTrendingBear, confidence(strength)
	}

	quiet := span(adxTrendingLevel-m.adx, 0, adxTrendingLevel)
	if m.bandPct < tightBandPct {
		strength := 0.5*quiet + 0.5*span(tightBandPct-m.bandPct, 0, tightBandPct)
		return core.RegimeRangingTight, confidence(strength)
	}
	strength := 0.5*quiet + 0.5*span(m.bandPct-tightBandPct, 0, 2*tightBandPct)
	return core.RegimeRangingWide, confidence(strength)
}

func breakoutConfidence(m metrics) float64 {
	strength := 0.5*span(m.volumeRatio, breakoutVolumeRatio, 2*breakoutVolumeRatio) +
		0.5*span(m.bandPct, 0, 2*tightBandPct)
	return confidence(strength)
}

// span maps how far x landed past lo, relative to the lo..hi stretch, into
// [0,1].
func span(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	r := (x - lo) / (hi - lo)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// confidence turns a [0,1] strength into the [0,100] scale, with a floor of
// 50 for a classification that barely cleared its thresholds.
func confidence(strength float64) float64 {
	c := 50 + 50*strength
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
