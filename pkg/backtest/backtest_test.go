package backtest

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

var t0 = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

// bars builds hourly candles from a close series; opens chain to the prior
// close so the sequence looks like a real feed.
func bars(pair string, start time.Time, closes ...float64) []core.Candle {
	out := make([]core.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		out[i] = core.Candle{
			Pair:      pair,
			Time:      start.Add(time.Duration(i) * time.Hour),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
			Open:      prev,
			High:      math.Max(prev, c),
			Low:       math.Min(prev, c),
			Close:     c,
			Volume:    1000,
			Complete:  true,
		}
		prev = c
	}
	return out
}

func ramp(from, to float64) []float64 {
	out := make([]float64, 0, int(to-from)+1)
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

func btConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{
		Name:       "bt",
		MarketType: core.MarketFutures,
		Timeframe:  "1h",
		Pairs:      []string{"BTCUSDT"},
		Indicators: config.Indicators{
			MAShort: 3, MALong: 5, RSIPeriod: 3,
			ATRPeriod: 3, VolumeWindow: 5,
		},
		Thresholds: config.Thresholds{
			RSIOversold: 30, RSIOverbought: 70,
			VolumeSurgeRatio: 1.5, VolumeLowRatio: 0.5,
		},
		Signals: map[core.SignalType][]core.RuleName{
			core.SignalBuy:  {core.RuleMABullish},
			core.SignalSell: {core.RuleMABearish},
		},
		Risk: config.Risk{
			PositionRatio: 0.3, MinOrderSize: 10,
			StopLossPct: 5, TakeProfitPct: 50,
		},
	}
}

func run(t *testing.T, cfg *config.RuntimeConfig, in Input) *Result {
	t.Helper()
	r, err := New(cfg, Options{})
	require.NoError(t, err)
	res, err := r.Run(in)
	require.NoError(t, err)
	return res
}

func TestWarmup(t *testing.T) {
	require.Equal(t, 60, Warmup(config.Indicators{MALong: 50, RSIPeriod: 14}))
	require.Equal(t, 45, Warmup(config.Indicators{MALong: 20, MACDSlow: 26, MACDSignal: 9}))
	require.Equal(t, 31, Warmup(config.Indicators{MALong: 10, RSIPeriod: 21}))
}

func TestRunLongRoundTrip(t *testing.T) {
	// Warmup is 15 bars, so the crossover entry fires on the 15th close and
	// the rally carries into the end-of-data liquidation.
	res := run(t, btConfig(), Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, ramp(100, 121)...)},
	})

	require.Equal(t, 22, res.Bars)
	require.Len(t, res.Equity, res.Bars+1)
	require.Len(t, res.Trades, 2)

	entry := res.Trades[0]
	require.Equal(t, core.SignalBuy, entry.Side)
	require.Equal(t, 114.0, entry.Price)
	require.Contains(t, entry.Reason, "ma_bullish")

	exit := res.Trades[1]
	require.Equal(t, core.ExitEndOfData, exit.ExitReason)
	require.Equal(t, 121.0, exit.Price)

	// 3000 USDT at 114, liquidated at 121.
	require.InDelta(t, 1.8421, res.Metrics.TotalReturnPct, 1e-3)
	require.Equal(t, 1, res.Metrics.ClosedTrades)
	require.Equal(t, 1.0, res.Metrics.WinRate)
	require.Equal(t, 1, res.Metrics.ExitCounts[core.ExitEndOfData])
	require.Equal(t, 7*time.Hour, res.Metrics.MinHold)
	require.Equal(t, 7*time.Hour, res.Metrics.MaxHold)
	require.Nil(t, res.Account.Position("BTCUSDT"))
}

func TestRunStopLoss(t *testing.T) {
	closes := append(ramp(100, 114), 105, 104)
	res := run(t, btConfig(), Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, closes...)},
	})

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	require.Equal(t, core.ExitStopLoss, exit.ExitReason)
	require.Equal(t, 105.0, exit.Price)
	require.Equal(t, 1, res.Metrics.ExitCounts[core.ExitStopLoss])
	require.Equal(t, time.Hour, res.Metrics.MinHold)
	require.Less(t, res.Metrics.TotalReturnPct, 0.0)
}

func TestRunSignalExit(t *testing.T) {
	cfg := btConfig()
	cfg.Risk.StopLossPct = 20

	closes := append(ramp(100, 114), 113, 112, 111, 110, 109)
	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, closes...)},
	})

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	require.Equal(t, core.ExitSignal, exit.ExitReason)
	require.Equal(t, 111.0, exit.Price)
	require.Contains(t, exit.Reason, "ma_bearish")
	require.Nil(t, res.Account.Position("BTCUSDT"))
	require.Zero(t, res.Metrics.ExitCounts[core.ExitEndOfData])
}

func TestRunMaxTotalLossPauses(t *testing.T) {
	cfg := btConfig()
	cfg.Risk.StopLossPct = 40
	cfg.Risk.MaxTotalLossPct = 3

	closes := append(ramp(100, 114), 95, 96, 97)
	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, closes...)},
	})

	// The crash bar trips the total-loss guard before the bearish cross
	// liquidates, and the pause blocks any re-entry afterwards.
	require.True(t, res.Account.IsPaused())
	require.Len(t, res.Trades, 2)
	require.Equal(t, core.ExitSignal, res.Trades[1].ExitReason)
	require.InDelta(t, -5.0, res.Metrics.TotalReturnPct, 1e-6)
}

func TestRunDCAAdd(t *testing.T) {
	cfg := btConfig()
	cfg.Risk.StopLossPct = 30
	cfg.DCA = config.DCA{
		Enabled: true, TotalTranches: 2, DropPct: 5,
		AddUSDT: 500, MaxDurationHours: 48,
	}

	closes := append(ramp(100, 114), 108)
	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, closes...)},
	})

	// Entry at 114, the 108 bar triggers the second tranche, then the same
	// bar's bearish cross closes the averaged position.
	require.Len(t, res.Trades, 3)
	require.Equal(t, "dca add", res.Trades[1].Reason)
	require.Equal(t, core.ExitSignal, res.Trades[2].ExitReason)
	require.Nil(t, res.Account.Position("BTCUSDT"))
	require.InDelta(t, 9842.1053, res.Account.Cash(), 1e-3)
}

func TestRunAdjustHookOverridesDCA(t *testing.T) {
	cfg := btConfig()
	cfg.Risk.StopLossPct = 30
	cfg.DCA = config.DCA{
		Enabled: true, TotalTranches: 2, DropPct: 5,
		AddUSDT: 500, MaxDurationHours: 48,
	}

	var seen int
	r, err := New(cfg, Options{
		Adjust: func(pos *core.Position, df *core.Dataframe) (float64, bool) {
			seen++
			return -1100, true // scale out instead of averaging down
		},
	})
	require.NoError(t, err)

	closes := append(ramp(100, 114), 108)
	res, err := r.Run(Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, closes...)},
	})
	require.NoError(t, err)

	require.Greater(t, seen, 0)
	for _, tr := range res.Trades {
		require.NotEqual(t, "dca add", tr.Reason)
	}
	reduced := res.Trades[1]
	require.Equal(t, core.SignalSell, reduced.Side)
	require.Equal(t, "strategy adjustment", reduced.Reason)
}

func TestRunMultiPairPositionLimit(t *testing.T) {
	cfg := btConfig()
	cfg.Pairs = []string{"AAAUSDT", "BBBUSDT"}
	cfg.Risk.MaxPositions = 1

	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles: map[string][]core.Candle{
			"AAAUSDT": bars("AAAUSDT", t0, ramp(100, 121)...),
			"BBBUSDT": bars("BBBUSDT", t0, ramp(200, 221)...),
		},
	})

	// Candles merge chronologically with the pair name breaking ties, so
	// AAAUSDT claims the only slot each time.
	var opens []string
	for _, tr := range res.Trades {
		if tr.Side == core.SignalBuy {
			opens = append(opens, tr.Symbol)
		}
	}
	require.Equal(t, []string{"AAAUSDT"}, opens)
	require.Len(t, res.Equity, 44+1)
}

func TestRunInputValidation(t *testing.T) {
	r, err := New(btConfig(), Options{})
	require.NoError(t, err)

	_, err = r.Run(Input{InitialCash: 0})
	require.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = r.Run(Input{InitialCash: 1000})
	require.ErrorIs(t, err, core.ErrConfigInvalid)

	// A scrambled feed aborts the run instead of producing a silent result.
	shuffled := bars("BTCUSDT", t0, ramp(100, 110)...)
	shuffled[3].Time = shuffled[2].Time
	_, err = r.Run(Input{
		InitialCash: 1000,
		Candles:     map[string][]core.Candle{"BTCUSDT": shuffled},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, core.ErrOutOfOrderCandle))
}

func TestTrendFilterSuppressesUntilWarm(t *testing.T) {
	cfg := btConfig()
	cfg.TrendTimeframe = "4h"

	// No higher-timeframe candles are supplied, so every entry stays
	// suppressed and the run finishes flat.
	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, ramp(100, 121)...)},
	})
	require.Empty(t, res.Trades)
	require.InDelta(t, 0.0, res.Metrics.TotalReturnPct, 1e-9)
}

func TestTrendFilterConfirmsEntries(t *testing.T) {
	cfg := btConfig()
	cfg.TrendTimeframe = "4h"

	// A rising higher timeframe, fully closed before the run starts,
	// confirms the long once its window is warm.
	trend := bars("BTCUSDT", t0, ramp(100, 121)...)
	for i := range trend {
		trend[i].Time = t0.Add(time.Duration(i-len(trend)) * 4 * time.Hour)
		trend[i].CloseTime = trend[i].Time.Add(4 * time.Hour)
	}

	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles:     map[string][]core.Candle{"BTCUSDT": bars("BTCUSDT", t0, ramp(100, 121)...)},
		Trend:       map[string][]core.Candle{"BTCUSDT": trend},
	})
	require.Len(t, res.Trades, 2)
	require.Equal(t, core.ExitEndOfData, res.Trades[1].ExitReason)
}

func TestReportRenders(t *testing.T) {
	cfg := btConfig()
	cfg.Pairs = []string{"AAAUSDT", "BBBUSDT"}
	cfg.Risk.StopLossPct = 20

	res := run(t, cfg, Input{
		InitialCash: 10_000,
		Candles: map[string][]core.Candle{
			"AAAUSDT": bars("AAAUSDT", t0, append(ramp(100, 114), 113, 112, 111, 110, 109)...),
			"BBBUSDT": bars("BBBUSDT", t0, ramp(200, 221)...),
		},
	})
	require.Equal(t, 2, res.Metrics.ClosedTrades)

	var buf bytes.Buffer
	res.WriteReport(&buf)
	out := buf.String()

	require.Contains(t, out, "AAAUSDT")
	require.Contains(t, out, "BBBUSDT")
	require.Contains(t, out, "TOTAL")
	require.Contains(t, out, "CONFIDENCE INTERVAL")
	require.Contains(t, out, "Total return:")
	require.Contains(t, out, "signal")
	require.Contains(t, out, "end_of_data")
}

func TestSignalReason(t *testing.T) {
	got := SignalReason(core.Signal{
		Type:   core.SignalBuy,
		Rules:  []core.RuleName{core.RuleMABullish, core.RuleRSINotOverbought},
		Regime: core.Regime{Label: core.RegimeTrendingBull},
	})
	require.Equal(t, "buy [ma_bullish+rsi_not_overbought] in trending-bull", got)

	got = SignalReason(core.Signal{Type: core.SignalSell, Rules: []core.RuleName{core.RuleMABearish}})
	require.Equal(t, "sell [ma_bearish]", got)
}
