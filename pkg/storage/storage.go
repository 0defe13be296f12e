// Package storage persists trade records and equity snapshots. Two backends
// implement core.TradeStore: a single-file buntdb store for paper scenarios
// and a gorm SQL store for live deployments sharing a database.
package storage

import (
	"github.com/velabot/vela/pkg/core"
)

func applyClose(rec *core.TradeRecord, u core.CloseUpdate) {
	rec.Open = false
	rec.ExitPrice = u.ExitPrice
	rec.PnL = u.PnL
	rec.PnLPct = u.PnLPct
	rec.StopLossHit = u.StopLoss
	rec.TakeProfitHit = u.TakeProfit
	closedAt := u.ClosedAt
	rec.ClosedAt = &closedAt
	rec.UpdatedAt = u.ClosedAt
}

func matches(rec core.TradeRecord, filters []core.TradeFilter) bool {
	for _, f := range filters {
		if !f(rec) {
			return false
		}
	}
	return true
}
