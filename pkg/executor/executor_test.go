package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/signal"
	"github.com/velabot/vela/pkg/storage"
)

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

func execConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{
		Name:       "exec",
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

func TestNewValidation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, execConfig(), Options{Mode: "turbo", InitialCash: 1000})
	require.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(ctx, execConfig(), Options{Mode: config.ModeLive, InitialCash: 1000})
	require.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(ctx, execConfig(), Options{Mode: config.ModePaper})
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestPaperFlowStopLoss(t *testing.T) {
	dir := t.TempDir()
	accountPath := filepath.Join(dir, "account.json")
	store, err := storage.FromMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate())
	hist := signal.NewHistory(filepath.Join(dir, "signals.jsonl"))

	e, err := New(context.Background(), execConfig(), Options{
		Mode:        config.ModePaper,
		InitialCash: 10_000,
		AccountFile: accountPath,
		Store:       store,
		History:     hist,
	})
	require.NoError(t, err)
	require.NoError(t, e.Startup())

	// Warmup is 15 bars: the crossover entry fires at 114, the 105 bar
	// breaches the 108.3 stop.
	closes := append(ramp(100, 114), 105, 104)
	for _, c := range bars("BTCUSDT", t0, closes...) {
		e.OnCandle(c)
	}

	acct := e.Account()
	require.Nil(t, acct.Position("BTCUSDT"))

	trades := acct.TradeLog()
	require.Len(t, trades, 2)
	require.Equal(t, core.SignalBuy, trades[0].Side)
	require.Equal(t, 114.0, trades[0].Price)
	require.Equal(t, core.ExitStopLoss, trades[1].ExitReason)
	require.Equal(t, 105.0, trades[1].Price)

	qty := 3000.0 / 114
	require.InDelta(t, 10_000+qty*(105-114), acct.Cash(), 1e-9)

	// The ledger file carries the flat state.
	loaded, err := account.Load(accountPath, "exec", 10_000, time.Now().UTC())
	require.NoError(t, err)
	require.InDelta(t, acct.Cash(), loaded.Cash(), 1e-9)
	require.Empty(t, loaded.OpenPositions())

	// One history entry, opened at the entry price and closed by the stop.
	entries, err := hist.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, signal.StatusClosed, entries[0].Status)
	require.Equal(t, 114.0, entries[0].EntryPrice)
	require.Equal(t, 105.0, entries[0].ExitPrice)
	require.Equal(t, core.ExitStopLoss, entries[0].ExitReason)
	require.InDelta(t, qty*(105-114), entries[0].PnL, 1e-9)

	// One store row, inserted on open and completed by the stop.
	rows, err := store.Trades(core.WithScenario("exec"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Open)
	require.True(t, rows[0].StopLossHit)
	require.Equal(t, 114.0, rows[0].EntryPrice)
	require.Equal(t, 105.0, rows[0].ExitPrice)
	require.InDelta(t, qty*(105-114), rows[0].PnL, 1e-9)
}

func TestPreloadCountsTowardWarmup(t *testing.T) {
	e, err := New(context.Background(), execConfig(), Options{
		Mode:        config.ModePaper,
		InitialCash: 10_000,
	})
	require.NoError(t, err)

	e.Preload("BTCUSDT", bars("BTCUSDT", t0, ramp(100, 113)...))
	require.Nil(t, e.Account().Position("BTCUSDT"))

	live := bars("BTCUSDT", t0.Add(14*time.Hour), 114)
	e.OnCandle(live[0])

	pos := e.Account().Position("BTCUSDT")
	require.NotNil(t, pos)
	require.Equal(t, 114.0, pos.EntryPrice)
}

func TestTickRunsCommandsAndEquity(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "commands.json")
	respPath := filepath.Join(dir, "responses.jsonl")
	equityPath := filepath.Join(dir, "equity.jsonl")

	e, err := New(context.Background(), execConfig(), Options{
		Mode:        config.ModePaper,
		InitialCash: 10_000,
		Commands:    NewCommandQueue(queuePath, respPath),
		Equity:      NewEquityLog(equityPath, time.Hour),
	})
	require.NoError(t, err)

	for _, c := range bars("BTCUSDT", t0, ramp(100, 114)...) {
		e.OnCandle(c)
	}
	require.NotNil(t, e.Account().Position("BTCUSDT"))

	cmds := `[{"id":"1","action":"status"},{"id":"2","action":"close","symbol":"BTCUSDT"}]`
	require.NoError(t, os.WriteFile(queuePath, []byte(cmds), 0o644))

	e.tick()

	require.Nil(t, e.Account().Position("BTCUSDT"))
	require.NoFileExists(t, queuePath)

	data, err := os.ReadFile(respPath)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 2)

	var status Response
	require.NoError(t, json.Unmarshal(lines[0], &status))
	require.Equal(t, "1", status.ID)
	require.Equal(t, "ok", status.Status)
	require.Contains(t, status.Detail, "positions 1")

	var closed Response
	require.NoError(t, json.Unmarshal(lines[1], &closed))
	require.Equal(t, "2", closed.ID)
	require.Equal(t, "ok", closed.Status)
	require.Contains(t, closed.Detail, "closed")

	first, err := os.ReadFile(equityPath)
	require.NoError(t, err)
	require.Len(t, splitLines(first), 1)

	// A second pass within the hour adds no equity line.
	e.tick()
	second, err := os.ReadFile(equityPath)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStartupAbortsWhenExchangeUnreachable(t *testing.T) {
	fc := &fakeClient{pingErr: errors.New("connection refused")}
	e, err := New(context.Background(), execConfig(), Options{
		Mode:        config.ModeLive,
		InitialCash: 10_000,
		Client:      fc,
	})
	require.NoError(t, err)
	require.ErrorIs(t, e.Startup(), core.ErrExchangeFatal)
}

func TestStartupRefusesCriticalReconciliation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.json")
	seed := account.New("exec", 10_000, t0)
	_, err := seed.OpenLong("BTCUSDT", 100, "signal", t0, account.OpenOptions{AbsoluteUSDT: 1000})
	require.NoError(t, err)
	require.NoError(t, seed.Save(path))

	// The exchange reports no holdings for the ledger's position.
	fc := &fakeClient{balance: 10_000}
	e, err := New(context.Background(), execConfig(), Options{
		Mode:        config.ModeLive,
		InitialCash: 10_000,
		AccountFile: path,
		Client:      fc,
	})
	require.NoError(t, err)

	err = e.Startup()
	require.ErrorIs(t, err, core.ErrReconcileCritical)
	require.True(t, e.Account().IsPaused())
}
