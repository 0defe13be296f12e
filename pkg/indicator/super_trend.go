package indicator

import "github.com/markcheno/go-talib"

// SuperTrend calculates the SuperTrend line from ATR bands. The line flips
// between the final upper and lower bands when price closes through them,
// which makes it usable as a trailing reference for trend positions.
func SuperTrend(high, low, close []float64, atrPeriod int, factor float64) []float64 {
	length := len(close)
	if length == 0 {
		return []float64{}
	}

	atr := talib.Atr(high, low, close, atrPeriod)

	upper := make([]float64, length)
	lower := make([]float64, length)
	line := make([]float64, length)

	for i := 1; i < length; i++ {
		median := (high[i] + low[i]) / 2.0
		basicUpper := median + atr[i]*factor
		basicLower := median - atr[i]*factor

		if basicUpper < upper[i-1] || close[i-1] > upper[i-1] {
			upper[i] = basicUpper
		} else {
			upper[i] = upper[i-1]
		}

		if basicLower > lower[i-1] || close[i-1] < lower[i-1] {
			lower[i] = basicLower
		} else {
			lower[i] = lower[i-1]
		}

		if line[i-1] == upper[i-1] {
			if close[i] > upper[i] {
				line[i] = lower[i]
			} else {
				line[i] = upper[i]
			}
		} else {
			if close[i] < lower[i] {
				line[i] = upper[i]
			} else {
				line[i] = lower[i]
			}
		}
	}

	return line
}
