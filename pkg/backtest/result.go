package backtest

import (
	"time"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/metric"
)

// EquityPoint is one sample of the per-bar equity curve.
type EquityPoint struct {
	At     time.Time `json:"at"`
	Equity float64   `json:"equity"`
}

// Metrics summarize a finished run. Win/loss statistics cover closed trades
// only; curve statistics are computed on the per-bar equity series.
type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`

	ClosedTrades int     `json:"closed_trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`

	MinHold time.Duration `json:"min_hold"`
	AvgHold time.Duration `json:"avg_hold"`
	MaxHold time.Duration `json:"max_hold"`

	ExitCounts map[core.ExitReason]int `json:"exit_counts"`
}

// Result is everything one run produced.
type Result struct {
	Scenario    string           `json:"scenario"`
	InitialCash float64          `json:"initial_cash"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Bars        int              `json:"bars"`
	Trades      []core.Trade     `json:"trades"`
	Equity      []EquityPoint    `json:"equity"`
	Metrics     Metrics          `json:"metrics"`
	Account     *account.Account `json:"-"`
}

func buildResult(scenario string, initialCash float64, start, end time.Time, bars int, st *runState) *Result {
	trades := st.acct.TradeLog()
	return &Result{
		Scenario:    scenario,
		InitialCash: initialCash,
		Start:       start,
		End:         end,
		Bars:        bars,
		Trades:      trades,
		Equity:      st.equity,
		Metrics:     computeMetrics(initialCash, st.equity, trades, st.holds),
		Account:     st.acct,
	}
}

func computeMetrics(initialCash float64, equity []EquityPoint, trades []core.Trade, holds []time.Duration) Metrics {
	curve := make([]float64, len(equity))
	for i, p := range equity {
		curve[i] = p.Equity
	}
	final := initialCash
	if len(curve) > 0 {
		final = curve[len(curve)-1]
	}

	returns := metric.Returns(curve)
	m := Metrics{
		TotalReturnPct: (final - initialCash) / initialCash * 100,
		MaxDrawdownPct: metric.MaxDrawdown(curve) * 100,
		Sharpe:         metric.Sharpe(returns),
		Sortino:        metric.Sortino(returns),
		ExitCounts:     make(map[core.ExitReason]int),
	}

	var pnls, wins, losses []float64
	for _, t := range trades {
		if !t.IsClose() || t.PnL == nil {
			continue
		}
		pnls = append(pnls, *t.PnL)
		if *t.PnL > 0 {
			wins = append(wins, *t.PnL)
		} else {
			losses = append(losses, *t.PnL)
		}
		if t.ExitReason != "" {
			m.ExitCounts[t.ExitReason]++
		}
	}
	m.ClosedTrades = len(pnls)
	m.WinRate = metric.WinRate(pnls)
	m.ProfitFactor = metric.ProfitFactor(pnls)
	m.AvgWin = metric.Mean(wins)
	m.AvgLoss = metric.Mean(losses)

	if len(holds) > 0 {
		m.MinHold, m.MaxHold = holds[0], holds[0]
		var sum time.Duration
		for _, h := range holds {
			if h < m.MinHold {
				m.MinHold = h
			}
			if h > m.MaxHold {
				m.MaxHold = h
			}
			sum += h
		}
		m.AvgHold = sum / time.Duration(len(holds))
	}
	return m
}
