package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func gateConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{
		Name:       "test",
		MarketType: core.MarketFutures,
		Timeframe:  "1h",
		Risk: config.Risk{
			PositionRatio: 0.2,
			MinOrderSize:  10,
		},
	}
}

func newGate(t *testing.T, cfg *config.RuntimeConfig) *Gate {
	t.Helper()
	g, err := NewGate(cfg)
	require.NoError(t, err)
	return g
}

func requireSkip(t *testing.T, err error, reason core.SkipReason) {
	t.Helper()
	skip, ok := core.AsSkip(err)
	require.True(t, ok, "want skip, got %v", err)
	require.Equal(t, reason, skip.Reason)
}

// closedTrade builds one closing ledger record for protection and Kelly
// history.
func closedTrade(id int, symbol string, pnl, pnlPct float64, at time.Time, exit core.ExitReason) core.Trade {
	p, pp := pnl, pnlPct
	return core.Trade{
		ID: int64(id), Symbol: symbol, Side: core.SignalSell,
		Quantity: 1, Price: 100, At: at,
		ExitReason: exit, PnL: &p, PnLPct: &pp,
	}
}

func TestAdmitCleanAccount(t *testing.T) {
	g := newGate(t, gateConfig())
	acct := account.New("test", 10000, t0)

	d, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)
	require.InDelta(t, 0.2, d.PositionRatio, 1e-9)
	require.Zero(t, d.Heat)
	require.False(t, d.KellyApplied)
}

func TestAdmitPausedScenario(t *testing.T) {
	g := newGate(t, gateConfig())
	acct := account.New("test", 10000, t0)
	acct.Pause()

	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	requireSkip(t, err, core.SkipScenarioPaused)
}

func TestAdmitShortNeedsFutures(t *testing.T) {
	cfg := gateConfig()
	cfg.MarketType = core.MarketSpot
	g := newGate(t, cfg)
	acct := account.New("test", 10000, t0)

	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideShort, At: t0, Account: acct})
	requireSkip(t, err, core.SkipMarketUnsupported)

	// Longs on spot pass.
	_, err = g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)
}

func TestAdmitPositionLimit(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.MaxPositions = 2
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	for _, sym := range []string{"ETHUSDT", "SOLUSDT"} {
		acct.Positions[sym] = &core.Position{Symbol: sym, Side: core.SideLong, Quantity: 1, EntryPrice: 100, EntryTime: t0}
		acct.SetMark(sym, 100)
	}

	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	requireSkip(t, err, core.SkipPositionLimit)
}

func TestAdmitSymbolCap(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.SymbolCapRatio = 0.25
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)

	// An existing stake pushes the would-be notional past the cap.
	acct.Positions["BTCUSDT"] = &core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Quantity: 0.02, EntryPrice: 50000, EntryTime: t0}
	acct.SetMark("BTCUSDT", 50000)

	_, err = g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	requireSkip(t, err, core.SkipSymbolCap)
}

func TestAdmitDailyLossLimit(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.DailyLossPct = 5
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	acct.DailyLoss = account.DailyLoss{Date: t0.Format("2006-01-02"), Loss: 499}
	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)

	acct.DailyLoss.Loss = 500
	_, err = g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	requireSkip(t, err, core.SkipDailyLossLimit)

	// A new day starts with a clean slate.
	_, err = g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0.Add(24 * time.Hour), Account: acct})
	require.NoError(t, err)
}

func TestAdmitProtectionBlocks(t *testing.T) {
	cfg := gateConfig()
	cfg.Protections = []config.Protection{{Name: config.ProtectionCooldown, LookbackCandles: 5}}
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	acct.Trades = []core.Trade{closedTrade(1, "BTCUSDT", -50, -0.05, t0.Add(-2*time.Hour), core.ExitStopLoss)}

	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	requireSkip(t, err, core.SkipProtectionBlock)

	// Another symbol is unaffected by the cooldown.
	_, err = g.Admit(Input{Symbol: "ETHUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)
}

func TestAdmitSentimentGate(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Sentiment = config.Sentiment{Enabled: true, MinScore: 0.5}
	g := newGate(t, cfg)
	acct := account.New("test", 10000, t0)

	// No snapshot available: the gate passes.
	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)

	_, err = g.Admit(Input{
		Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct,
		Sentiment: &SentimentScore{Score: 0.3, ScoredAt: t0},
	})
	requireSkip(t, err, core.SkipSentimentBlock)

	_, err = g.Admit(Input{
		Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct,
		Sentiment: &SentimentScore{Score: 0.7, ScoredAt: t0},
	})
	require.NoError(t, err)
}

// zigzag builds a close series whose log-returns alternate up and down.
// Sharing the shape across symbols gives correlation +1, mirroring it -1.
func zigzag(n int, start, upTo float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = start
		} else {
			out[i] = upTo
		}
	}
	return out
}

func TestAdmitCorrelationBlocks(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Correlation = config.Correlation{Lookback: 8, Threshold: 0.8, MaxHeat: 0.9}
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	acct.Positions["ETHUSDT"] = &core.Position{Symbol: "ETHUSDT", Side: core.SideLong, Quantity: 10, EntryPrice: 100, EntryTime: t0}
	acct.SetMark("ETHUSDT", 100)

	closes := map[string][]float64{
		"BTCUSDT": zigzag(10, 100, 101),
		"ETHUSDT": zigzag(10, 200, 202),
	}
	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct, Closes: closes})
	requireSkip(t, err, core.SkipCorrelationBlock)

	// A short in the same symbol is a hedge, not concentration.
	acct.Positions["ETHUSDT"].Side = core.SideShort
	acct.Positions["ETHUSDT"].Margin = 1000
	_, err = g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct, Closes: closes})
	require.NoError(t, err)
}

func TestAdmitCorrelationNeedsHistory(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Correlation = config.Correlation{Lookback: 8, Threshold: 0.8, MaxHeat: 0.9}
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	acct.Positions["ETHUSDT"] = &core.Position{Symbol: "ETHUSDT", Side: core.SideLong, Quantity: 10, EntryPrice: 100, EntryTime: t0}
	acct.SetMark("ETHUSDT", 100)

	// Too few closes: the filter cannot run and does not block.
	closes := map[string][]float64{
		"BTCUSDT": zigzag(4, 100, 101),
		"ETHUSDT": zigzag(10, 200, 202),
	}
	d, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct, Closes: closes})
	require.NoError(t, err)
	require.Zero(t, d.Heat)
}

func TestAdmitHeatScalesRatio(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Correlation = config.Correlation{Lookback: 8, Threshold: 0.99, MaxHeat: 0.9}
	g := newGate(t, cfg)

	// Anti-correlated series: passes the threshold but contributes |corr|
	// to heat. Held position is 8000 of 10000 equity, so heat is 0.8.
	acct := account.New("test", 2000, t0)
	acct.Positions["ETHUSDT"] = &core.Position{Symbol: "ETHUSDT", Side: core.SideLong, Quantity: 80, EntryPrice: 100, EntryTime: t0}
	acct.SetMark("ETHUSDT", 100)

	up := zigzag(10, 100, 101)
	down := zigzag(10, 101, 100)
	closes := map[string][]float64{"BTCUSDT": down, "ETHUSDT": up}

	d, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct, Closes: closes})
	require.NoError(t, err)
	require.InDelta(t, 0.8, d.Heat, 1e-6)
	require.InDelta(t, 0.2*(1-0.8), d.PositionRatio, 1e-6)
}

func TestAdmitHeatBlocks(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Correlation = config.Correlation{Lookback: 8, Threshold: 0.99, MaxHeat: 0.75}
	g := newGate(t, cfg)

	acct := account.New("test", 2000, t0)
	acct.Positions["ETHUSDT"] = &core.Position{Symbol: "ETHUSDT", Side: core.SideLong, Quantity: 80, EntryPrice: 100, EntryTime: t0}
	acct.SetMark("ETHUSDT", 100)

	closes := map[string][]float64{
		"BTCUSDT": zigzag(10, 101, 100),
		"ETHUSDT": zigzag(10, 100, 101),
	}
	_, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct, Closes: closes})
	requireSkip(t, err, core.SkipHeatBlock)
}

func TestKellyRatio(t *testing.T) {
	cfg := config.Kelly{Enabled: true, Lookback: 20, MinRatio: 0.05, MaxRatio: 0.5}

	var trades []core.Trade
	for i := 0; i < 12; i++ {
		trades = append(trades, closedTrade(i, "BTCUSDT", 10, 0.01, t0, core.ExitTakeProfit))
	}
	for i := 12; i < 20; i++ {
		trades = append(trades, closedTrade(i, "BTCUSDT", -5, -0.005, t0, core.ExitStopLoss))
	}

	// W=0.6, R=2: kelly 0.4, half-kelly 0.2.
	k, ok := kellyRatio(trades, cfg)
	require.True(t, ok)
	require.InDelta(t, 0.2, k, 1e-9)

	// Sample smaller than the lookback falls back.
	_, ok = kellyRatio(trades[:19], cfg)
	require.False(t, ok)

	// All losers: non-positive fraction falls back.
	var losers []core.Trade
	for i := 0; i < 20; i++ {
		losers = append(losers, closedTrade(i, "BTCUSDT", -5, -0.005, t0, core.ExitStopLoss))
	}
	_, ok = kellyRatio(losers, cfg)
	require.False(t, ok)

	// All winners clamp at the maximum.
	var winners []core.Trade
	for i := 0; i < 20; i++ {
		winners = append(winners, closedTrade(i, "BTCUSDT", 10, 0.01, t0, core.ExitTakeProfit))
	}
	k, ok = kellyRatio(winners, cfg)
	require.True(t, ok)
	require.InDelta(t, cfg.MaxRatio, k, 1e-9)
}

func TestAdmitKellyApplied(t *testing.T) {
	cfg := gateConfig()
	cfg.Risk.Kelly = config.Kelly{Enabled: true, Lookback: 20, MinRatio: 0.05, MaxRatio: 0.5}
	g := newGate(t, cfg)

	acct := account.New("test", 10000, t0)
	for i := 0; i < 12; i++ {
		acct.Trades = append(acct.Trades, closedTrade(i, "BTCUSDT", 10, 0.01, t0.Add(-time.Hour), core.ExitTakeProfit))
	}
	for i := 12; i < 20; i++ {
		acct.Trades = append(acct.Trades, closedTrade(i, "BTCUSDT", -5, -0.005, t0.Add(-time.Hour), core.ExitStopLoss))
	}

	d, err := g.Admit(Input{Symbol: "BTCUSDT", Side: core.SideLong, At: t0, Account: acct})
	require.NoError(t, err)
	require.True(t, d.KellyApplied)
	require.InDelta(t, 0.2, d.PositionRatio, 1e-9)
}

func TestEnforceMaxTotalLoss(t *testing.T) {
	acct := account.New("test", 10000, t0)

	require.False(t, EnforceMaxTotalLoss(acct, 20))
	require.False(t, acct.IsPaused())

	// Draw equity down 25% from initial.
	acct.CashBalance = 7500
	require.True(t, EnforceMaxTotalLoss(acct, 20))
	require.True(t, acct.IsPaused())

	// Already paused: the guard does not re-trip.
	require.False(t, EnforceMaxTotalLoss(acct, 20))
}

func TestLogReturns(t *testing.T) {
	_, ok := logReturns([]float64{100, 101}, 5)
	require.False(t, ok)

	r, ok := logReturns([]float64{90, 100, 110, 121}, 2)
	require.True(t, ok)
	require.Len(t, r, 2)
	require.InDelta(t, 0.09531, r[0], 1e-4)
	require.InDelta(t, 0.09531, r[1], 1e-4)

	_, ok = logReturns([]float64{100, 0, 110}, 2)
	require.False(t, ok)
}
