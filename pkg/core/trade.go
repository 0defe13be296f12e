package core

import (
	"fmt"
	"time"
)

// ExitReason labels why a position was closed or reduced. Protections and the
// trade database branch on these, so they are first-class values rather than
// free text.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitStagedTP     ExitReason = "staged_take_profit"
	ExitTimeStop     ExitReason = "time_stop"
	ExitSignal       ExitReason = "signal"
	ExitEndOfData    ExitReason = "end_of_data"
	ExitManual       ExitReason = "manual"
)

// Trade is one immutable cash-flow record. Opening trades carry side buy or
// short; closing trades carry sell or cover plus PnL figures. Records are
// append-only: nothing mutates a trade once written.
type Trade struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       SignalType `json:"side"`
	Quantity   float64    `json:"quantity"`
	Price      float64    `json:"price"`
	CashImpact float64    `json:"cash_impact"`
	Fee        float64    `json:"fee"`
	Slippage   float64    `json:"slippage"`
	At         time.Time  `json:"at"`
	Reason     string     `json:"reason"`

	// Closing trades only.
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	PnL        *float64   `json:"pnl,omitempty"`
	PnLPct     *float64   `json:"pnl_pct,omitempty"`

	// Liquidation marks a close whose loss exceeded available cash and was
	// clamped at zero.
	Liquidation bool `json:"liquidation,omitempty"`
}

// IsClose reports whether the trade closed or reduced a position.
func (t Trade) IsClose() bool {
	return t.Side == SignalSell || t.Side == SignalCover
}

// IsWin reports whether a closing trade realized a profit.
func (t Trade) IsWin() bool {
	return t.IsClose() && t.PnL != nil && *t.PnL > 0
}

func (t Trade) String() string {
	return fmt.Sprintf("[%s] %s %s qty=%v price=%v cash=%+.2f reason=%q",
		t.At.Format("2006-01-02 15:04:05"), t.Side, t.Symbol, t.Quantity, t.Price, t.CashImpact, t.Reason)
}
