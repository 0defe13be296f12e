package core

import "time"

// MACD is the moving average convergence divergence triple.
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// IndicatorSnapshot is the indicator state computed from the tail of a candle
// window. MACD and ADX are nil when the window is too short for them; all
// other fields are always set on a snapshot that was produced at all. A
// window too short for the required components yields no snapshot, never a
// partial one, and never NaN.
type IndicatorSnapshot struct {
	MAShort    float64  `json:"ma_short"`
	MALong     float64  `json:"ma_long"`
	RSI        float64  `json:"rsi"`
	ATR        float64  `json:"atr"`
	MACD       *MACD    `json:"macd,omitempty"`
	ADX        *float64 `json:"adx,omitempty"`
	LastClose  float64  `json:"last_close"`
	LastVolume float64  `json:"last_volume"`
	AvgVolume  float64  `json:"avg_volume"`

	At time.Time `json:"at"`
}
