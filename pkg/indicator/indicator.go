// Package indicator computes snapshots from candle windows. Every function is
// pure: the same window always produces the same values, and a window too
// short for a component reports that instead of returning NaN.
package indicator

import (
	"fmt"
	"math"

	"github.com/velabot/vela/pkg/core"
)

// Params selects the periods the pipeline computes with.
type Params struct {
	MAShort    int
	MALong     int
	RSIPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATRPeriod  int
	ADXPeriod  int
	VolWindow  int
}

// Defaults for the components the strategy config usually leaves alone.
const (
	DefaultATRPeriod = 14
	DefaultADXPeriod = 14
	DefaultVolWindow = 20
)

func (p Params) withDefaults() Params {
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = DefaultATRPeriod
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = DefaultADXPeriod
	}
	if p.VolWindow <= 0 {
		p.VolWindow = DefaultVolWindow
	}
	return p
}

// MinBars is the window length needed before Snapshot stops reporting
// insufficient history. MACD and ADX are optional components and do not
// count toward it.
func (p Params) MinBars() int {
	p = p.withDefaults()
	min := p.MALong
	for _, n := range []int{p.MAShort, p.RSIPeriod + 1, p.ATRPeriod + 1, p.VolWindow} {
		if n > min {
			min = n
		}
	}
	return min
}

// Snapshot computes the indicator state for the window tail. The required
// components (both MAs, RSI, ATR, volume stats) must all be computable or the
// whole snapshot is absent; MACD and ADX are attached only when the window
// allows them.
func Snapshot(df *core.Dataframe, params Params) (*core.IndicatorSnapshot, error) {
	p := params.withDefaults()
	n := df.Len()
	if n == 0 {
		return nil, fmt.Errorf("%w: empty window", core.ErrInsufficientData)
	}

	closes := df.Close.Values()

	maShort, err := EMA(closes, p.MAShort)
	if err != nil {
		return nil, err
	}
	maLong, err := EMA(closes, p.MALong)
	if err != nil {
		return nil, err
	}
	rsi, err := RSI(closes, p.RSIPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := ATR(df.High.Values(), df.Low.Values(), closes, p.ATRPeriod)
	if err != nil {
		return nil, err
	}
	avgVol, err := SMA(df.Volume.Values(), p.VolWindow)
	if err != nil {
		return nil, err
	}

	snap := &core.IndicatorSnapshot{
		MAShort:    maShort,
		MALong:     maLong,
		RSI:        rsi,
		ATR:        atr,
		LastClose:  df.Close.Last(0),
		LastVolume: df.Volume.Last(0),
		AvgVolume:  avgVol,
		At:         df.Time[n-1],
	}

	if macd, err := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal); err == nil {
		snap.MACD = macd
	}
	if adx, err := ADX(df.High.Values(), df.Low.Values(), closes, p.ADXPeriod); err == nil {
		snap.ADX = &adx
	}

	return snap, nil
}

// SMA is the simple mean of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: sma period %d", core.ErrInsufficientData, period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("%w: sma needs %d values, have %d", core.ErrInsufficientData, period, len(values))
	}

	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average of the full window, seeded from
// the simple mean of the first period values.
func EMA(values []float64, period int) (float64, error) {
	series, err := emaSeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// EMASeries exposes the per-bar EMA values for consumers that need the
// smoothed curve rather than its endpoint, such as slope regressions.
func EMASeries(values []float64, period int) ([]float64, error) {
	return emaSeries(values, period)
}

// emaSeries computes the EMA at every bar from the seed onward. The result
// has len(values)-period+1 entries; entry i corresponds to values[period-1+i].
func emaSeries(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: ema period %d", core.ErrInsufficientData, period)
	}
	if len(values) < period {
		return nil, fmt.Errorf("%w: ema needs %d values, have %d", core.ErrInsufficientData, period, len(values))
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)

	k := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema += k * (v - ema)
		out = append(out, ema)
	}
	return out, nil
}

// RSI computes Wilder's relative strength index over the window tail. The
// first period gains and losses are averaged as simple means, then smoothed
// recursively. A flat window has no strength either way and reports 50.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: rsi period %d", core.ErrInsufficientData, period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("%w: rsi needs %d values, have %d", core.ErrInsufficientData, period+1, len(closes))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgGain == 0 && avgLoss == 0 {
		return 50, nil
	}
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACD computes the convergence/divergence triple. It exists only when
// fast < slow and the window holds at least slow+signal bars; the signal line
// is an EMA of the MACD line seeded like any other EMA.
func MACD(closes []float64, fast, slow, signal int) (*core.MACD, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return nil, fmt.Errorf("%w: macd periods fast=%d slow=%d signal=%d", core.ErrInsufficientData, fast, slow, signal)
	}
	if len(closes) < slow+signal {
		return nil, fmt.Errorf("%w: macd needs %d values, have %d", core.ErrInsufficientData, slow+signal, len(closes))
	}

	fastSeries, err := emaSeries(closes, fast)
	if err != nil {
		return nil, err
	}
	slowSeries, err := emaSeries(closes, slow)
	if err != nil {
		return nil, err
	}

	// Align both series at the slow seed bar and difference them.
	offset := slow - fast
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, err := emaSeries(line, signal)
	if err != nil {
		return nil, err
	}

	last := line[len(line)-1]
	sig := signalSeries[len(signalSeries)-1]
	return &core.MACD{
		Line:      last,
		Signal:    sig,
		Histogram: last - sig,
	}, nil
}

// trueRanges returns the TR sequence starting at the second bar.
func trueRanges(highs, lows, closes []float64) []float64 {
	out := make([]float64, 0, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

// ATR computes Wilder's average true range; it needs period+1 bars.
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: atr period %d", core.ErrInsufficientData, period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("%w: atr needs %d values, have %d", core.ErrInsufficientData, period+1, len(closes))
	}

	trs := trueRanges(highs, lows, closes)

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

// ADX computes Wilder's average directional index; it needs 2*period+1 bars.
func ADX(highs, lows, closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: adx period %d", core.ErrInsufficientData, period)
	}
	if len(closes) < 2*period+1 {
		return 0, fmt.Errorf("%w: adx needs %d values, have %d", core.ErrInsufficientData, 2*period+1, len(closes))
	}

	trs := trueRanges(highs, lows, closes)
	plusDM := make([]float64, len(trs))
	minusDM := make([]float64, len(trs))
	for i := 1; i < len(highs); i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	// Wilder smoothed sums over the first period, then recursive decay.
	var trSum, plusSum, minusSum float64
	for i := 0; i < period; i++ {
		trSum += trs[i]
		plusSum += plusDM[i]
		minusSum += minusDM[i]
	}

	dx := func() float64 {
		if trSum == 0 {
			return 0
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		if plusDI+minusDI == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}

	dxs := []float64{dx()}
	for i := period; i < len(trs); i++ {
		trSum += trs[i] - trSum/float64(period)
		plusSum += plusDM[i] - plusSum/float64(period)
		minusSum += minusDM[i] - minusSum/float64(period)
		dxs = append(dxs, dx())
	}

	adx := 0.0
	for _, v := range dxs[:period] {
		adx += v
	}
	adx /= float64(period)

	for _, v := range dxs[period:] {
		adx = (adx*float64(period-1) + v) / float64(period)
	}
	return adx, nil
}
