package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/velabot/vela/pkg/core"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// stores builds one of each backend so every test runs against both.
func stores(t *testing.T) map[string]core.TradeStore {
	t.Helper()

	bunt, err := FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { bunt.Close() })

	sqlStore, err := FromSQL(
		sqlite.Open(filepath.Join(t.TempDir(), "trades.db")),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]core.TradeStore{"bunt": bunt, "sql": sqlStore}
}

func record(scenario, symbol string, at time.Time) *core.TradeRecord {
	return &core.TradeRecord{
		Scenario:   scenario,
		Symbol:     symbol,
		Side:       "long",
		Quantity:   0.5,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 115,
		OpenedAt:   at,
		Open:       true,
	}
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var last int64
			for i := 0; i < 3; i++ {
				rec := record("paper-1", "BTCUSDT", base.Add(time.Duration(i)*time.Hour))
				require.NoError(t, store.InsertTrade(rec))
				require.Greater(t, rec.ID, last)
				last = rec.ID
			}
		})
	}
}

func TestCloseTradeLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := record("paper-1", "BTCUSDT", base)
			require.NoError(t, store.InsertTrade(rec))

			closedAt := base.Add(2 * time.Hour)
			err := store.CloseTrade(rec.ID, core.CloseUpdate{
				ExitPrice:  115,
				PnL:        7.5,
				PnLPct:     0.15,
				TakeProfit: true,
				ClosedAt:   closedAt,
			})
			require.NoError(t, err)

			rows, err := store.Trades(core.WithScenario("paper-1"))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			got := rows[0]
			require.False(t, got.Open)
			require.Equal(t, 115.0, got.ExitPrice)
			require.Equal(t, 7.5, got.PnL)
			require.True(t, got.TakeProfitHit)
			require.False(t, got.StopLossHit)
			require.NotNil(t, got.ClosedAt)
			require.True(t, got.ClosedAt.Equal(closedAt))

			// Closing twice or closing an unknown id both fail.
			require.Error(t, store.CloseTrade(rec.ID, core.CloseUpdate{ClosedAt: closedAt}))
			require.Error(t, store.CloseTrade(9999, core.CloseUpdate{ClosedAt: closedAt}))
		})
	}
}

func TestTradeFilters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a1 := record("alpha", "BTCUSDT", base)
			a2 := record("alpha", "ETHUSDT", base.Add(time.Hour))
			b1 := record("beta", "BTCUSDT", base.Add(2*time.Hour))
			for _, rec := range []*core.TradeRecord{a1, a2, b1} {
				require.NoError(t, store.InsertTrade(rec))
			}
			require.NoError(t, store.CloseTrade(a2.ID, core.CloseUpdate{
				ExitPrice: 90, PnL: -5, PnLPct: -0.05, StopLoss: true,
				ClosedAt: base.Add(3 * time.Hour),
			}))

			rows, err := store.Trades(core.WithScenario("alpha"))
			require.NoError(t, err)
			require.Len(t, rows, 2)

			rows, err = store.Trades(core.WithScenario("alpha"), core.WithSymbol("BTCUSDT"))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.Equal(t, a1.ID, rows[0].ID)

			rows, err = store.Trades(core.WithOpen())
			require.NoError(t, err)
			require.Len(t, rows, 2)

			rows, err = store.Trades(core.WithClosedSince(base.Add(3 * time.Hour)))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.Equal(t, a2.ID, rows[0].ID)
		})
	}
}

func TestOpenAndRecentClosedQueries(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			open := record("paper-1", "BTCUSDT", base)
			closed := record("paper-1", "ETHUSDT", base)
			other := record("paper-2", "BTCUSDT", base)
			for _, rec := range []*core.TradeRecord{open, closed, other} {
				require.NoError(t, store.InsertTrade(rec))
			}

			closedAt := base.Add(4 * time.Hour)
			require.NoError(t, store.CloseTrade(closed.ID, core.CloseUpdate{
				ExitPrice: 120, PnL: 10, PnLPct: 0.2, TakeProfit: true, ClosedAt: closedAt,
			}))

			rows, err := store.OpenTrades("paper-1")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.Equal(t, open.ID, rows[0].ID)

			// The window boundary is inclusive.
			rows, err = store.RecentClosedTrades("paper-1", closedAt)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.Equal(t, closed.ID, rows[0].ID)

			rows, err = store.RecentClosedTrades("paper-1", closedAt.Add(time.Second))
			require.NoError(t, err)
			require.Empty(t, rows)
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	type snapshotter interface {
		Snapshots(scenario string) ([]core.EquitySnapshot, error)
	}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				snap := &core.EquitySnapshot{
					Scenario:  "paper-1",
					Equity:    10000 + float64(i)*50,
					Cash:      8000,
					Positions: 1,
					At:        base.Add(time.Duration(i) * time.Hour),
				}
				require.NoError(t, store.RecordSnapshot(snap))
				require.NotZero(t, snap.ID)
			}

			reader, ok := store.(snapshotter)
			require.True(t, ok)
			snaps, err := reader.Snapshots("paper-1")
			require.NoError(t, err)
			require.Len(t, snaps, 3)
			require.Equal(t, 10000.0, snaps[0].Equity)
			require.Equal(t, 10100.0, snaps[2].Equity)
		})
	}
}

func TestBuntIDsResumeAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")

	store, err := FromFile(path)
	require.NoError(t, err)
	first := record("paper-1", "BTCUSDT", base)
	require.NoError(t, store.InsertTrade(first))
	second := record("paper-1", "ETHUSDT", base.Add(time.Hour))
	require.NoError(t, store.InsertTrade(second))
	require.NoError(t, store.Close())

	reopened, err := FromFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	third := record("paper-1", "SOLUSDT", base.Add(2*time.Hour))
	require.NoError(t, reopened.InsertTrade(third))
	require.Equal(t, second.ID+1, third.ID)

	rows, err := reopened.Trades()
	require.NoError(t, err)
	require.Len(t, rows, 3)
}
