package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/strategy"
)

var t0 = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func frame(close float64) *core.Dataframe {
	return &core.Dataframe{Pair: "BTCUSDT", Close: core.Series[float64]{close}}
}

func longAt(entry float64, at time.Time) *core.Position {
	return &core.Position{
		Symbol: "BTCUSDT", Side: core.SideLong,
		Quantity: 1, EntryPrice: entry, EntryTime: at,
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	ids := strategy.IDs()
	require.Contains(t, ids, "momentum_guard")
	require.Contains(t, ids, "pyramid")
	require.Contains(t, ids, "accumulator")
}

func TestMomentumGuardVetoesStretchedEntries(t *testing.T) {
	g := NewMomentumGuard()

	buy := &core.Signal{Type: core.SignalBuy, Symbol: "BTCUSDT", Snapshot: &core.IndicatorSnapshot{RSI: 80}}
	g.PopulateSignal(buy)
	require.Equal(t, core.SignalNone, buy.Type)
	require.Contains(t, buy.Reason, "momentum guard")

	short := &core.Signal{Type: core.SignalShort, Symbol: "BTCUSDT", Snapshot: &core.IndicatorSnapshot{RSI: 20}}
	g.PopulateSignal(short)
	require.Equal(t, core.SignalNone, short.Type)
}

func TestMomentumGuardPassesThrough(t *testing.T) {
	g := NewMomentumGuard()

	// Healthy momentum, exits and bare signals stay untouched.
	buy := &core.Signal{Type: core.SignalBuy, Snapshot: &core.IndicatorSnapshot{RSI: 55}}
	g.PopulateSignal(buy)
	require.Equal(t, core.SignalBuy, buy.Type)

	sell := &core.Signal{Type: core.SignalSell, Snapshot: &core.IndicatorSnapshot{RSI: 90}}
	g.PopulateSignal(sell)
	require.Equal(t, core.SignalSell, sell.Type)

	bare := &core.Signal{Type: core.SignalBuy}
	g.PopulateSignal(bare)
	require.Equal(t, core.SignalBuy, bare.Type)
}

func TestPyramidAddsOnRun(t *testing.T) {
	p := NewPyramid()
	pos := longAt(100, t0)

	amount, ok := p.AdjustPosition(pos, frame(101.9))
	require.False(t, ok)
	require.Zero(t, amount)

	amount, ok = p.AdjustPosition(pos, frame(102.5))
	require.True(t, ok)
	require.Equal(t, 250.0, amount)

	short := &core.Position{Symbol: "BTCUSDT", Side: core.SideShort, Quantity: 1, EntryPrice: 100, EntryTime: t0}
	amount, ok = p.AdjustPosition(short, frame(97.5))
	require.True(t, ok)
	require.Equal(t, 250.0, amount)
}

func TestPyramidHonorsTrancheCap(t *testing.T) {
	p := NewPyramid()
	pos := longAt(100, t0)
	pos.DCA = &core.DCAState{TotalTranches: 5, CompletedTranches: p.MaxAdds}

	_, ok := p.AdjustPosition(pos, frame(110))
	require.False(t, ok)
}

func TestAccumulatorCycle(t *testing.T) {
	a := NewAccumulator()
	pos := longAt(100, t0)

	// Inside both levels: nothing fires, both stay armed.
	_, ok := a.AdjustPosition(pos, frame(99))
	require.False(t, ok)

	// The dip add fires once.
	amount, ok := a.AdjustPosition(pos, frame(96.5))
	require.True(t, ok)
	require.Equal(t, 200.0, amount)

	_, ok = a.AdjustPosition(pos, frame(96.5))
	require.False(t, ok)

	// The run scale-out fires as a reduction.
	amount, ok = a.AdjustPosition(pos, frame(105.5))
	require.True(t, ok)
	require.Equal(t, -200.0, amount)

	// Both consumed: the position is out of armed orders.
	_, ok = a.AdjustPosition(pos, frame(90))
	require.False(t, ok)

	// A fresh position on the same symbol re-arms the pair.
	reopened := longAt(100, t0.Add(24*time.Hour))
	amount, ok = a.AdjustPosition(reopened, frame(96.5))
	require.True(t, ok)
	require.Equal(t, 200.0, amount)
}

func TestAccumulatorShortSides(t *testing.T) {
	a := NewAccumulator()
	pos := &core.Position{Symbol: "BTCUSDT", Side: core.SideShort, Quantity: 1, EntryPrice: 100, EntryTime: t0}

	// For a short the adverse dip is a move up.
	amount, ok := a.AdjustPosition(pos, frame(103.5))
	require.True(t, ok)
	require.Equal(t, 200.0, amount)

	// And the favorable run is a move down.
	amount, ok = a.AdjustPosition(pos, frame(94.5))
	require.True(t, ok)
	require.Equal(t, -200.0, amount)
}
