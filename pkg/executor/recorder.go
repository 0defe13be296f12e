package executor

import (
	"time"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// recorder mirrors ledger activity into the trade store: one row per
// position, inserted on open and completed on the final close. Store failures
// are logged and skipped so a database hiccup never blocks trading.
type recorder struct {
	store    core.TradeStore
	scenario string
	log      logger.Logger
	rows     map[string]*openRow
}

// openRow tracks the store row backing one open position. basis is the quote
// capital committed across the open and every DCA add; realized accumulates
// PnL from partial closes so the final row carries the whole position's
// outcome.
type openRow struct {
	id       int64
	basis    float64
	realized float64
}

func newRecorder(store core.TradeStore, scenario string, log logger.Logger) *recorder {
	return &recorder{
		store:    store,
		scenario: scenario,
		log:      log,
		rows:     make(map[string]*openRow),
	}
}

// restore reattaches open rows to the positions the loaded ledger still
// holds and closes rows whose position is gone, so a crash between a fill
// and its row update cannot leave records dangling across restarts.
func (r *recorder) restore(acct *account.Account, at time.Time) {
	recs, err := r.store.OpenTrades(r.scenario)
	if err != nil {
		r.log.WithError(err).Errorf("%s trade store recovery", r.scenario)
		return
	}
	for _, rec := range recs {
		pos := acct.Position(rec.Symbol)
		if pos == nil || string(pos.Side) != rec.Side {
			r.closeFlat(rec.ID, rec.Symbol, rec.EntryPrice, at)
			continue
		}
		if prev, ok := r.rows[rec.Symbol]; ok {
			// Two open rows for one symbol; the older one is stale churn.
			r.closeFlat(prev.id, rec.Symbol, rec.EntryPrice, at)
		}
		r.rows[rec.Symbol] = &openRow{id: rec.ID, basis: rec.EntryPrice * rec.Quantity}
	}
}

func (r *recorder) closeFlat(id int64, symbol string, price float64, at time.Time) {
	update := core.CloseUpdate{ExitPrice: price, ClosedAt: at}
	if err := r.store.CloseTrade(id, update); err != nil {
		r.log.WithError(err).Errorf("%s stale trade row %d", symbol, id)
		return
	}
	r.log.Warnf("%s: closed stale trade row %d flat", symbol, id)
}

// onTrade routes one ledger trade into the store. Entries insert or grow a
// row, closes accumulate realized PnL and complete the row once the ledger
// is flat on the symbol.
func (r *recorder) onTrade(acct *account.Account, t core.Trade) {
	switch {
	case t.Side == core.SignalBuy || t.Side == core.SignalShort:
		if row, ok := r.rows[t.Symbol]; ok {
			row.basis += -t.CashImpact
			return
		}
		pos := acct.Position(t.Symbol)
		if pos == nil {
			return
		}
		rec := &core.TradeRecord{
			Scenario:   r.scenario,
			Symbol:     t.Symbol,
			Side:       string(pos.Side),
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			OpenedAt:   t.At,
			Open:       true,
			UpdatedAt:  t.At,
		}
		if err := r.store.InsertTrade(rec); err != nil {
			r.log.WithError(err).Errorf("%s trade row insert", t.Symbol)
			return
		}
		r.rows[t.Symbol] = &openRow{id: rec.ID, basis: -t.CashImpact}

	case t.IsClose():
		row, ok := r.rows[t.Symbol]
		if !ok {
			return
		}
		if t.PnL != nil {
			row.realized += *t.PnL
		}
		if acct.Position(t.Symbol) != nil {
			return
		}
		pct := 0.0
		if row.basis > 0 {
			pct = row.realized / row.basis
		}
		update := core.CloseUpdate{
			ExitPrice:  t.Price,
			PnL:        row.realized,
			PnLPct:     pct,
			StopLoss:   t.ExitReason == core.ExitStopLoss,
			TakeProfit: t.ExitReason == core.ExitTakeProfit || t.ExitReason == core.ExitStagedTP,
			ClosedAt:   t.At,
		}
		if err := r.store.CloseTrade(row.id, update); err != nil {
			r.log.WithError(err).Errorf("%s trade row close", t.Symbol)
		}
		delete(r.rows, t.Symbol)
	}
}

// snapshot records one equity sample into the store.
func (r *recorder) snapshot(at time.Time, equity, cash float64, positions int) {
	snap := &core.EquitySnapshot{
		Scenario:  r.scenario,
		Equity:    equity,
		Cash:      cash,
		Positions: positions,
		At:        at,
	}
	if err := r.store.RecordSnapshot(snap); err != nil {
		r.log.WithError(err).Errorf("%s equity snapshot", r.scenario)
	}
}
