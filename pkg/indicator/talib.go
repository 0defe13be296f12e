package indicator

import "github.com/markcheno/go-talib"

// MaType selects the smoothing used by band-style indicators.
type MaType = talib.MaType

const (
	TypeSMA = talib.SMA
	TypeEMA = talib.EMA
)

// BB calculates Bollinger Bands and returns the upper, middle and lower band
// series. Leading entries before the period warms up are zero.
func BB(input []float64, period int, deviation float64, maType MaType) ([]float64, []float64, []float64) {
	return talib.BBands(input, period, deviation, deviation, maType)
}

// LinRegSlope calculates the least-squares regression slope over each
// trailing period window.
func LinRegSlope(input []float64, period int) []float64 {
	return talib.LinearRegSlope(input, period)
}

// StdDev calculates the rolling standard deviation.
func StdDev(input []float64, period int, nbDev float64) []float64 {
	return talib.StdDev(input, period, nbDev)
}

// Max calculates the highest value over each trailing period window.
func Max(input []float64, period int) []float64 {
	return talib.Max(input, period)
}

// Min calculates the lowest value over each trailing period window.
func Min(input []float64, period int) []float64 {
	return talib.Min(input, period)
}

// WMA calculates the weighted moving average.
func WMA(input []float64, period int) []float64 {
	return talib.Wma(input, period)
}
