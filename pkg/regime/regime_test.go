package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/core"
)

type bar struct {
	open, high, low, close, volume float64
}

func frame(t *testing.T, bars []bar) *core.Dataframe {
	t.Helper()
	df := core.NewDataframe("BTCUSDT")
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, b := range bars {
		err := df.Append(core.Candle{
			Pair:      "BTCUSDT",
			Time:      start.Add(time.Duration(i) * time.Hour),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
			Open:      b.open,
			High:      b.high,
			Low:       b.low,
			Close:     b.close,
			Volume:    b.volume,
			Complete:  true,
		})
		require.NoError(t, err)
	}
	return df
}

func trendBars(n int, start, step float64) []bar {
	bars := make([]bar, n)
	for i := range bars {
		c := start + float64(i)*step
		bars[i] = bar{open: c - step, high: c + 0.2, low: c - 0.2, close: c, volume: 1000}
	}
	return bars
}

func choppyBars(n int, mid, amplitude float64) []bar {
	bars := make([]bar, n)
	for i := range bars {
		c := mid + amplitude
		if i%2 == 1 {
			c = mid - amplitude
		}
		bars[i] = bar{open: mid, high: c + 0.05, low: c - 0.05, close: c, volume: 1000}
	}
	return bars
}

func TestClassifyTrendingBull(t *testing.T) {
	df := frame(t, trendBars(120, 100, 0.5))

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, core.RegimeTrendingBull, got.Label)
	require.GreaterOrEqual(t, got.Confidence, 50.0)
	require.LessOrEqual(t, got.Confidence, 100.0)
}

func TestClassifyTrendingBear(t *testing.T) {
	df := frame(t, trendBars(120, 200, -0.5))

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, core.RegimeTrendingBear, got.Label)
}

func TestClassifyBreakoutUp(t *testing.T) {
	bars := choppyBars(120, 100, 0.1)
	bars[119] = bar{open: 100.1, high: 103.5, low: 100, close: 103, volume: 2500}
	df := frame(t, bars)

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, core.RegimeBreakoutUp, got.Label)
}

func TestClassifyBreakoutNeedsVolume(t *testing.T) {
	bars := choppyBars(120, 100, 0.1)
	// Same price escape but on average volume stays a ranging window.
	bars[119] = bar{open: 100.1, high: 103.5, low: 100, close: 103, volume: 1000}
	df := frame(t, bars)

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.False(t, got.Label.IsBreakout())
}

func TestClassifyRangingTight(t *testing.T) {
	df := frame(t, choppyBars(120, 100, 0.1))

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, core.RegimeRangingTight, got.Label)
}

func TestClassifyRangingWide(t *testing.T) {
	df := frame(t, choppyBars(120, 100, 5))

	got, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, core.RegimeRangingWide, got.Label)
}

func TestClassifyStable(t *testing.T) {
	df := frame(t, trendBars(120, 100, 0.5))

	first, err := Classify(df, Params{})
	require.NoError(t, err)
	second, err := Classify(df, Params{})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestClassifyInsufficientData(t *testing.T) {
	df := frame(t, trendBars(30, 100, 0.5))

	_, err := Classify(df, Params{})
	require.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestDecideADXMonotonic(t *testing.T) {
	// Strengthening ADX with everything else fixed must never demote a
	// trending label back to ranging.
	seenTrending := false
	for adx := 15.0; adx <= 60; adx++ {
		label, _ := decide(metrics{slopePct: 0.2, adx: adx, bandPct: 6})
		if label.IsTrending() {
			seenTrending = true
		} else if seenTrending {
			t.Fatalf("adx %.0f regressed to %s after trending", adx, label)
		}
	}
	require.True(t, seenTrending)
}

func TestDecideBreakoutPriority(t *testing.T) {
	label, _ := decide(metrics{slopePct: 0.5, adx: 40, bandPct: 8, breakUp: true, volumeRatio: 2})
	require.Equal(t, core.RegimeBreakoutUp, label)

	label, _ = decide(metrics{slopePct: -0.5, adx: 40, bandPct: 8, breakDown: true, volumeRatio: 2})
	require.Equal(t, core.RegimeBreakoutDown, label)
}
