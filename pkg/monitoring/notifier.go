package monitoring

import (
	"errors"

	"github.com/velabot/vela/pkg/core"
)

// Notifier adapts engine events into metrics so it can sit in the
// notification fan-out next to the push channels.
type Notifier struct {
	Scenario string
}

// Notify is a no-op: plain text pushes carry no metric.
func (n Notifier) Notify(string) {}

// OnTrade counts the trade and, on closes, observes its return.
func (n Notifier) OnTrade(trade core.Trade) {
	RecordTrade(n.Scenario, trade.Symbol, string(trade.Side))
	UpdatePrice(trade.Symbol, trade.Price)

	if trade.IsClose() && trade.PnLPct != nil {
		ObserveTradeReturn(n.Scenario, *trade.PnLPct)
	}
}

// OnError counts the error under its sentinel kind.
func (n Notifier) OnError(err error) {
	RecordError(n.Scenario, errorKind(err))
}

// errorKind maps an error onto a bounded label set. Anything outside the
// engine sentinels lands in "other" to keep cardinality flat.
func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrExchangeFatal):
		return "exchange_fatal"
	case errors.Is(err, core.ErrExchangeTransient):
		return "exchange_transient"
	case errors.Is(err, core.ErrReconcileCritical):
		return "reconcile"
	case errors.Is(err, core.ErrConfigInvalid):
		return "config"
	default:
		return "other"
	}
}
