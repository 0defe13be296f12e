package account

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/core"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func zeroCost() OpenOptions {
	return OpenOptions{
		PositionRatio: 0.2,
		MinOrderSize:  10,
		StopLossPct:   5,
		TakeProfitPct: 15,
		Market:        core.MarketFutures,
	}
}

func TestOpenLongStopLoss(t *testing.T) {
	a := New("s1", 10000, t0)

	trade, err := a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	require.NoError(t, err)
	require.InDelta(t, 0.04, trade.Quantity, 1e-12)
	require.InDelta(t, 8000, a.Cash(), 1e-9)

	pos := a.Position("BTCUSDT")
	require.NotNil(t, pos)
	require.InDelta(t, 47500, pos.StopLoss, 1e-9)
	require.InDelta(t, 57500, pos.TakeProfit, 1e-9)

	trades, err := a.CheckExits("BTCUSDT", 47000, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.ExitStopLoss, trades[0].ExitReason)
	require.InDelta(t, -120, *trades[0].PnL, 1e-9)
	require.Nil(t, a.Position("BTCUSDT"))
	require.InDelta(t, 9880, a.Cash(), 1e-9)
}

func TestOpenLongTakeProfit(t *testing.T) {
	a := New("s2", 10000, t0)

	_, err := a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	require.NoError(t, err)

	trades, err := a.CheckExits("BTCUSDT", 58000, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.ExitTakeProfit, trades[0].ExitReason)
	require.Greater(t, *trades[0].PnL, 0.0)
}

func TestShortCoverProfit(t *testing.T) {
	a := New("s3", 10000, t0)

	trade, err := a.OpenShort("BTCUSDT", 100, "signal", t0, zeroCost())
	require.NoError(t, err)
	require.InDelta(t, 20, trade.Quantity, 1e-12)
	require.InDelta(t, 8000, a.Cash(), 1e-9)

	cover, err := a.CloseShort("BTCUSDT", 80, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.InDelta(t, 400, *cover.PnL, 1e-9)
	require.InDelta(t, 10400, a.Cash(), 1e-9)
	require.False(t, cover.Liquidation)
}

func TestShortCoverClampedLoss(t *testing.T) {
	a := New("s4", 10000, t0)

	_, err := a.OpenShort("BTCUSDT", 100, "signal", t0, zeroCost())
	require.NoError(t, err)

	// Price doubles: the 2000 margin absorbs the whole loss exactly.
	cover, err := a.CloseShort("BTCUSDT", 200, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.InDelta(t, -2000, *cover.PnL, 1e-9)
	require.InDelta(t, 8000, a.Cash(), 1e-9)
	require.False(t, cover.Liquidation)
	require.GreaterOrEqual(t, a.Cash(), 0.0)
}

func TestShortCoverLiquidation(t *testing.T) {
	a := New("s4b", 10000, t0)

	_, err := a.OpenShort("BTCUSDT", 100, "signal", t0, zeroCost())
	require.NoError(t, err)

	// Loss beyond margin: cash return clamps at zero, trade is annotated.
	cover, err := a.CloseShort("BTCUSDT", 250, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.InDelta(t, -3000, *cover.PnL, 1e-9)
	require.True(t, cover.Liquidation)
	require.InDelta(t, 8000, a.Cash(), 1e-9)
	require.GreaterOrEqual(t, a.Cash(), 0.0)
}

func TestDCAAddWeightsEntry(t *testing.T) {
	a := New("s5", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err := a.OpenLong("BTCUSDT", 50000, "signal", t0, opts)
	require.NoError(t, err)

	before := *a.Position("BTCUSDT")
	_, err = a.DCAAdd("BTCUSDT", 47000, 1000, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)

	after := a.Position("BTCUSDT")
	require.Greater(t, after.Quantity, before.Quantity)
	require.Less(t, after.EntryPrice, 50000.0)
	require.Greater(t, after.EntryPrice, 47000.0)
	require.Equal(t, before.StopLoss, after.StopLoss)
	require.Equal(t, before.TakeProfit, after.TakeProfit)
}

func TestDCAAddRejections(t *testing.T) {
	a := New("s", 10000, t0)

	_, err := a.DCAAdd("BTCUSDT", 100, 50, t0, ExecOptions{})
	skip, ok := core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipNoPosition, skip.Reason)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err = a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	_, err = a.DCAAdd("BTCUSDT", 100, 0.5, t0, ExecOptions{})
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipMinOrderSize, skip.Reason)

	_, err = a.DCAAdd("BTCUSDT", 100, 99999, t0, ExecOptions{})
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipInsufficientFunds, skip.Reason)

	_, err = a.DCAAdd("BTCUSDT", math.NaN(), 100, t0, ExecOptions{})
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPriceInvalid, skip.Reason)
}

func TestReducePosition(t *testing.T) {
	a := New("s", 10000, t0)

	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, zeroCost())
	require.NoError(t, err)
	q0 := a.Position("BTCUSDT").Quantity // 2000 / 100

	tr, err := a.Reduce("BTCUSDT", 110, 1100, "scale out", t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, core.SignalSell, tr.Side)
	require.Equal(t, core.ExitSignal, tr.ExitReason)
	require.InDelta(t, 10.0, tr.Quantity, 1e-9)
	require.NotNil(t, tr.PnL)
	require.InDelta(t, 100.0, *tr.PnL, 1e-9)
	require.InDelta(t, q0-10, a.Position("BTCUSDT").Quantity, 1e-9)

	// Oversized notionals clamp at the held quantity and close the position.
	_, err = a.Reduce("BTCUSDT", 110, 1e9, "scale out", t0.Add(2*time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.Nil(t, a.Position("BTCUSDT"))

	_, err = a.Reduce("BTCUSDT", 110, 100, "scale out", t0, ExecOptions{})
	skip, ok := core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipNoPosition, skip.Reason)

	_, err = a.OpenShort("ETHUSDT", 50, "signal", t0, zeroCost())
	require.NoError(t, err)
	_, err = a.Reduce("ETHUSDT", 50, 0, "scale out", t0, ExecOptions{})
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipMinOrderSize, skip.Reason)

	// Short reductions cover at the buy-side price and release margin.
	tr, err = a.Reduce("ETHUSDT", 45, 450, "scale out", t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, core.SignalCover, tr.Side)
	require.InDelta(t, 10.0, tr.Quantity, 1e-9)
	require.InDelta(t, 50.0, *tr.PnL, 1e-9)
}

func TestPaperDCATrigger(t *testing.T) {
	pos := &core.Position{
		Symbol: "BTCUSDT", Side: core.SideLong, Quantity: 1, EntryPrice: 100,
		DCA: &core.DCAState{
			TotalTranches: 3, CompletedTranches: 1, LastTranchePrice: 100,
			DropPct: 5, StartedAt: t0, MaxDuration: 48 * time.Hour,
		},
	}

	require.True(t, PaperDCATriggered(pos, 95, t0.Add(time.Hour)))
	require.False(t, PaperDCATriggered(pos, 95.1, t0.Add(time.Hour)))

	pos.DCA.CompletedTranches = 3
	require.False(t, PaperDCATriggered(pos, 90, t0.Add(time.Hour)))

	pos.DCA.CompletedTranches = 1
	require.False(t, PaperDCATriggered(pos, 90, t0.Add(49*time.Hour)))

	require.False(t, PaperDCATriggered(nil, 90, t0))
}

func TestTrailingStopLifecycle(t *testing.T) {
	a := New("s6", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	policy := ExitPolicy{TrailingActivationPct: 5, TrailingCallbackPct: 2}

	trades, err := a.CheckExits("BTCUSDT", 104, t0.Add(1*time.Hour), policy)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.False(t, a.Position("BTCUSDT").Trailing.Active)

	trades, err = a.CheckExits("BTCUSDT", 108, t0.Add(2*time.Hour), policy)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.True(t, a.Position("BTCUSDT").Trailing.Active)
	require.InDelta(t, 108, a.Position("BTCUSDT").Trailing.Extreme, 1e-9)

	trades, err = a.CheckExits("BTCUSDT", 107, t0.Add(3*time.Hour), policy)
	require.NoError(t, err)
	require.Empty(t, trades)

	trades, err = a.CheckExits("BTCUSDT", 105, t0.Add(4*time.Hour), policy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.ExitTrailingStop, trades[0].ExitReason)
	require.Nil(t, a.Position("BTCUSDT"))
}

func TestTrailingExtremeMonotonic(t *testing.T) {
	a := New("s", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	policy := ExitPolicy{TrailingActivationPct: 5, TrailingCallbackPct: 50}
	last := 0.0
	for i, mark := range []float64{106, 105.5, 109, 107, 111, 110} {
		_, err := a.CheckExits("BTCUSDT", mark, t0.Add(time.Duration(i+1)*time.Hour), policy)
		require.NoError(t, err)
		extreme := a.Position("BTCUSDT").Trailing.Extreme
		require.GreaterOrEqual(t, extreme, last)
		last = extreme
	}
}

func TestStagedTakeProfits(t *testing.T) {
	a := New("s", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	opts.StagedTPs = []core.TPStage{{AtPct: 5, CloseRatio: 0.5}, {AtPct: 10, CloseRatio: 0.5}}
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)
	q0 := a.Position("BTCUSDT").Quantity

	trades, err := a.CheckExits("BTCUSDT", 105, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.ExitStagedTP, trades[0].ExitReason)
	require.InDelta(t, q0/2, a.Position("BTCUSDT").Quantity, 1e-9)
	require.Len(t, a.Position("BTCUSDT").StagedTPs, 1)

	// Crossing the second stage closes half of what remains.
	trades, err = a.CheckExits("BTCUSDT", 110, t0.Add(2*time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.InDelta(t, q0/4, a.Position("BTCUSDT").Quantity, 1e-9)
	require.Empty(t, a.Position("BTCUSDT").StagedTPs)
}

func TestStagedTakeProfitsBothStagesOneTick(t *testing.T) {
	a := New("s", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	opts.StagedTPs = []core.TPStage{{AtPct: 5, CloseRatio: 0.5}, {AtPct: 10, CloseRatio: 0.5}}
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)
	q0 := a.Position("BTCUSDT").Quantity

	trades, err := a.CheckExits("BTCUSDT", 112, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.InDelta(t, q0/4, a.Position("BTCUSDT").Quantity, 1e-9)
}

func TestTimeStop(t *testing.T) {
	a := New("s", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	policy := ExitPolicy{TimeStopHours: 48}

	// Held too long but in profit: stays open.
	trades, err := a.CheckExits("BTCUSDT", 101, t0.Add(49*time.Hour), policy)
	require.NoError(t, err)
	require.Empty(t, trades)

	trades, err = a.CheckExits("BTCUSDT", 99, t0.Add(50*time.Hour), policy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.ExitTimeStop, trades[0].ExitReason)
}

func TestPlanExitStopLossAndSettle(t *testing.T) {
	a := New("live", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	intent, err := a.PlanExit("BTCUSDT", 94, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.NotNil(t, intent)
	require.Equal(t, core.ExitStopLoss, intent.ExitReason)
	require.Equal(t, core.SideLong, intent.Side)
	require.InDelta(t, 10, intent.Quantity, 1e-9)
	require.False(t, intent.Staged)

	// Planning books nothing: the position and cash are untouched.
	require.NotNil(t, a.Position("BTCUSDT"))
	require.InDelta(t, 9000, a.Cash(), 1e-9)
	require.Len(t, a.TradeLog(), 1)

	fill := core.Fill{Symbol: "BTCUSDT", Quantity: 10, QuoteValue: 940, AvgPrice: 94, Fee: 0.94}
	trade, err := a.SettleExit(*intent, fill, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, core.ExitStopLoss, trade.ExitReason)
	require.Equal(t, 94.0, trade.Price)
	require.InDelta(t, 0.94, trade.Fee, 1e-9)
	require.InDelta(t, -60.94, *trade.PnL, 1e-9)
	require.Nil(t, a.Position("BTCUSDT"))
	require.InDelta(t, 9939.06, a.Cash(), 1e-9)
}

func TestPlanExitNothingDue(t *testing.T) {
	a := New("live", 10000, t0)

	intent, err := a.PlanExit("BTCUSDT", 100, t0, ExitPolicy{})
	require.NoError(t, err)
	require.Nil(t, intent)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err = a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	intent, err = a.PlanExit("BTCUSDT", 100, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Nil(t, intent)

	_, err = a.PlanExit("BTCUSDT", 0, t0.Add(time.Hour), ExitPolicy{})
	skip, ok := core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPriceInvalid, skip.Reason)
}

func TestPlanExitStagedRearmsUntilSettled(t *testing.T) {
	a := New("live", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	opts.StagedTPs = []core.TPStage{{AtPct: 5, CloseRatio: 0.5}, {AtPct: 10, CloseRatio: 0.5}}
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	intent, err := a.PlanExit("BTCUSDT", 105, t0.Add(time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.NotNil(t, intent)
	require.True(t, intent.Staged)
	require.InDelta(t, 5, intent.Quantity, 1e-9)

	// A failed external order leaves the stage armed for the next tick.
	again, err := a.PlanExit("BTCUSDT", 105, t0.Add(2*time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, intent.Quantity, again.Quantity)
	require.Len(t, a.Position("BTCUSDT").StagedTPs, 2)

	fill := core.Fill{Symbol: "BTCUSDT", Quantity: 5, QuoteValue: 525, AvgPrice: 105}
	trade, err := a.SettleExit(*again, fill, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 25, *trade.PnL, 1e-9)
	require.InDelta(t, 5, a.Position("BTCUSDT").Quantity, 1e-9)
	require.Len(t, a.Position("BTCUSDT").StagedTPs, 1)

	// The consumed stage is gone, the next one needs its own threshold.
	intent, err = a.PlanExit("BTCUSDT", 105, t0.Add(3*time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.Nil(t, intent)

	intent, err = a.PlanExit("BTCUSDT", 110, t0.Add(4*time.Hour), ExitPolicy{})
	require.NoError(t, err)
	require.NotNil(t, intent)
	require.InDelta(t, 2.5, intent.Quantity, 1e-9)
}

func TestPlanExitTrailingAdvances(t *testing.T) {
	a := New("live", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	opts.StopLossPct = 0
	opts.TakeProfitPct = 0
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	policy := ExitPolicy{TrailingActivationPct: 5, TrailingCallbackPct: 2}

	intent, err := a.PlanExit("BTCUSDT", 106, t0.Add(time.Hour), policy)
	require.NoError(t, err)
	require.Nil(t, intent)
	require.True(t, a.Position("BTCUSDT").Trailing.Active)
	require.Equal(t, 106.0, a.Position("BTCUSDT").Trailing.Extreme)

	intent, err = a.PlanExit("BTCUSDT", 110, t0.Add(2*time.Hour), policy)
	require.NoError(t, err)
	require.Nil(t, intent)
	require.Equal(t, 110.0, a.Position("BTCUSDT").Trailing.Extreme)

	intent, err = a.PlanExit("BTCUSDT", 107, t0.Add(3*time.Hour), policy)
	require.NoError(t, err)
	require.NotNil(t, intent)
	require.Equal(t, core.ExitTrailingStop, intent.ExitReason)

	fill := core.Fill{Symbol: "BTCUSDT", Quantity: 10, QuoteValue: 1070, AvgPrice: 107}
	trade, err := a.SettleExit(*intent, fill, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 70, *trade.PnL, 1e-9)
	require.Nil(t, a.Position("BTCUSDT"))
}

func TestSettleExitShortCover(t *testing.T) {
	a := New("live", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err := a.OpenShort("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	intent := ExitIntent{
		Symbol:     "BTCUSDT",
		Side:       core.SideShort,
		Quantity:   10,
		Reason:     "take-profit 85 hit",
		ExitReason: core.ExitTakeProfit,
	}
	fill := core.Fill{Symbol: "BTCUSDT", Quantity: 10, QuoteValue: 900, AvgPrice: 90, Fee: 0.9}
	trade, err := a.SettleExit(intent, fill, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, core.SignalCover, trade.Side)
	require.InDelta(t, 99.1, *trade.PnL, 1e-9)
	require.Nil(t, a.Position("BTCUSDT"))
	require.InDelta(t, 10099.1, a.Cash(), 1e-9)
}

func TestSettleExitGuards(t *testing.T) {
	a := New("live", 10000, t0)

	intent := ExitIntent{Symbol: "BTCUSDT", Side: core.SideLong, Quantity: 1}
	_, err := a.SettleExit(intent, core.Fill{Quantity: 1, AvgPrice: 100}, t0)
	skip, ok := core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipNoPosition, skip.Reason)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err = a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)

	_, err = a.SettleExit(intent, core.Fill{Quantity: 0, AvgPrice: 100}, t0)
	require.ErrorContains(t, err, "executed nothing")

	_, err = a.SettleExit(intent, core.Fill{Quantity: 1, AvgPrice: 0}, t0)
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPriceInvalid, skip.Reason)

	// An over-reported fill clamps to the held quantity.
	fill := core.Fill{Symbol: "BTCUSDT", Quantity: 12, QuoteValue: 1200, AvgPrice: 100}
	trade, err := a.SettleExit(ExitIntent{Symbol: "BTCUSDT", Side: core.SideLong, Quantity: 10}, fill, t0.Add(time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 10, trade.Quantity, 1e-9)
	require.Nil(t, a.Position("BTCUSDT"))
}

func TestOpenRejections(t *testing.T) {
	a := New("s", 10000, t0)

	_, err := a.OpenLong("BTCUSDT", 0, "signal", t0, zeroCost())
	skip, ok := core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPriceInvalid, skip.Reason)

	_, err = a.OpenLong("BTCUSDT", math.Inf(1), "signal", t0, zeroCost())
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPriceInvalid, skip.Reason)

	_, err = a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	require.NoError(t, err)
	_, err = a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipPositionExists, skip.Reason)

	opts := zeroCost()
	opts.AbsoluteUSDT = 5
	_, err = a.OpenLong("ETHUSDT", 100, "signal", t0, opts)
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipMinOrderSize, skip.Reason)

	opts = zeroCost()
	opts.AbsoluteUSDT = 9999999
	_, err = a.OpenLong("ETHUSDT", 100, "signal", t0, opts)
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipInsufficientFunds, skip.Reason)

	spot := zeroCost()
	spot.Market = core.MarketSpot
	_, err = a.OpenShort("ETHUSDT", 100, "signal", t0, spot)
	skip, ok = core.AsSkip(err)
	require.True(t, ok)
	require.Equal(t, core.SkipMarketUnsupported, skip.Reason)
}

func TestRoundTripEquityZeroCost(t *testing.T) {
	a := New("s", 10000, t0)

	_, err := a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	require.NoError(t, err)
	_, err = a.CloseLong("BTCUSDT", 50000, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)

	require.InDelta(t, 10000, a.Cash(), 1e-9)
}

func TestSpreadMonotonicity(t *testing.T) {
	lastPnL := math.Inf(1)
	for _, spread := range []float64{0, 5, 10, 25, 50} {
		a := New("s", 10000, t0)
		opts := zeroCost()
		opts.AbsoluteUSDT = 1000
		opts.SpreadBps = spread

		_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
		require.NoError(t, err)
		trade, err := a.CloseLong("BTCUSDT", 100, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{SpreadBps: spread})
		require.NoError(t, err)

		require.Less(t, *trade.PnL, lastPnL, "spread %v must lower pnl", spread)
		lastPnL = *trade.PnL
	}
}

func TestCashNeverNegative(t *testing.T) {
	a := New("s", 10000, t0)
	opts := zeroCost()
	opts.SlippagePct = 0.1
	opts.SpreadBps = 10
	opts.FeeRate = 0.001

	marks := []float64{100, 90, 120, 60, 300}
	for i, m := range marks {
		at := t0.Add(time.Duration(i) * time.Hour)
		a.OpenShort("BTCUSDT", m, "signal", at, opts)
		require.GreaterOrEqual(t, a.Cash(), 0.0)
		a.CloseShort("BTCUSDT", m*3, "signal", core.ExitSignal, at.Add(30*time.Minute), opts.ExecOptions)
		require.GreaterOrEqual(t, a.Cash(), 0.0)
	}
}

func TestTradesAppendOnly(t *testing.T) {
	a := New("s", 10000, t0)

	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, zeroCost())
	require.NoError(t, err)
	snapshot := a.TradeLog()

	// Mutating the returned log must not reach the ledger.
	snapshot[0].Quantity = -1
	require.NotEqual(t, -1.0, a.TradeLog()[0].Quantity)

	_, err = a.CloseLong("BTCUSDT", 110, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)

	log := a.TradeLog()
	require.Len(t, log, 2)
	require.Equal(t, int64(1), log[0].ID)
	require.Equal(t, int64(2), log[1].ID)
}

func TestEquitySkipsUnquotedSymbols(t *testing.T) {
	a := New("s", 10000, t0)
	a.Positions["GHOSTUSDT"] = &core.Position{
		Symbol: "GHOSTUSDT", Side: core.SideLong, Quantity: 5, EntryPrice: 100, EntryTime: t0,
	}

	// No mark for GHOSTUSDT: equity is cash only.
	require.InDelta(t, 10000, a.Equity(), 1e-9)

	a.SetMark("GHOSTUSDT", 120)
	require.InDelta(t, 10600, a.Equity(), 1e-9)
}

func TestDailyLossRollover(t *testing.T) {
	a := New("s", 10000, t0)

	opts := zeroCost()
	opts.AbsoluteUSDT = 1000
	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)
	_, err = a.CloseLong("BTCUSDT", 90, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)

	require.InDelta(t, 100, a.TodayLoss(t0), 1e-9)
	require.Zero(t, a.TodayLoss(t0.Add(25*time.Hour)))
}

func TestWinRate(t *testing.T) {
	a := New("s", 10000, t0)
	opts := zeroCost()
	opts.AbsoluteUSDT = 1000

	_, err := a.OpenLong("BTCUSDT", 100, "signal", t0, opts)
	require.NoError(t, err)
	_, err = a.CloseLong("BTCUSDT", 110, "signal", core.ExitSignal, t0.Add(time.Hour), ExecOptions{})
	require.NoError(t, err)

	_, err = a.OpenLong("BTCUSDT", 100, "signal", t0.Add(2*time.Hour), opts)
	require.NoError(t, err)
	_, err = a.CloseLong("BTCUSDT", 90, "signal", core.ExitSignal, t0.Add(3*time.Hour), ExecOptions{})
	require.NoError(t, err)

	require.InDelta(t, 0.5, a.WinRate(), 1e-9)
}

func TestSaveAtomicAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.json")

	a := New("paper-1", 10000, t0)
	_, err := a.OpenLong("BTCUSDT", 50000, "signal", t0, zeroCost())
	require.NoError(t, err)
	require.NoError(t, a.Save(path))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.False(t, strings.Contains(files[0].Name(), ".tmp"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(data))

	loaded, err := Load(path, "paper-1", 10000, t0)
	require.NoError(t, err)
	require.InDelta(t, a.Cash(), loaded.Cash(), 1e-9)
	require.NotNil(t, loaded.Position("BTCUSDT"))
	require.Len(t, loaded.TradeLog(), 1)
}

func TestLoadMissingFileSeedsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	a, err := Load(path, "fresh", 2500, t0)
	require.NoError(t, err)
	require.Equal(t, 2500.0, a.Cash())
	require.Empty(t, a.OpenPositions())
}

func TestLoadRefusesInvalidSide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	raw := `{
	  "scenario": "s",
	  "initial_cash": 1000,
	  "cash": 1000,
	  "positions": {
	    "BTCUSDT": {"symbol": "BTCUSDT", "quantity": 1, "entry_price": 100}
	  }
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := Load(path, "s", 1000, t0)
	require.ErrorIs(t, err, core.ErrConfigInvalid)
	require.Contains(t, err.Error(), "BTCUSDT")
}

func TestLoadRefusesScenarioMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	a := New("original", 1000, t0)
	require.NoError(t, a.Save(path))

	_, err := Load(path, "other", 1000, t0)
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}
