package backtest

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/olekukonko/tablewriter"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/metric"
)

// bootstrapResamples is the resample count behind the report's confidence
// intervals.
const bootstrapResamples = 10000

// pairStats aggregates closed-trade outcomes per pair for the report table.
type pairStats struct {
	wins    []float64
	losses  []float64
	returns []float64 // per-trade pnl fractions
	volume  float64
}

// WriteReport renders the result the way a trader reads it: per-pair table,
// trade return histogram, bootstrap confidence intervals, then the run-level
// metrics block.
func (res *Result) WriteReport(w io.Writer) {
	stats := res.pairStats()
	pairs := make([]string, 0, len(stats))
	for pair := range stats {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	res.writeTable(w, pairs, stats)
	res.writeHistogram(w, pairs, stats)
	res.writeIntervals(w, pairs, stats)
	res.writeMetrics(w)
}

func (res *Result) pairStats() map[string]*pairStats {
	out := make(map[string]*pairStats)
	for _, t := range res.Trades {
		s := out[t.Symbol]
		if s == nil {
			s = &pairStats{}
			out[t.Symbol] = s
		}
		s.volume += t.Quantity * t.Price

		if !t.IsClose() || t.PnL == nil {
			continue
		}
		if *t.PnL > 0 {
			s.wins = append(s.wins, *t.PnL)
		} else {
			s.losses = append(s.losses, *t.PnL)
		}
		if t.PnLPct != nil {
			s.returns = append(s.returns, *t.PnLPct)
		}
	}
	return out
}

func (res *Result) writeTable(w io.Writer, pairs []string, stats map[string]*pairStats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Pair", "Trades", "Win", "Loss", "% Win", "Payoff", "Pr Fact.", "Profit", "Volume"})
	table.SetFooterAlignment(tablewriter.ALIGN_RIGHT)

	var wins, losses int
	var profit, volume float64
	for _, pair := range pairs {
		s := stats[pair]
		closed := len(s.wins) + len(s.losses)
		if closed == 0 {
			continue
		}
		pnls := append(append([]float64(nil), s.wins...), s.losses...)
		pairProfit := 0.0
		for _, v := range pnls {
			pairProfit += v
		}

		table.Append([]string{
			pair,
			strconv.Itoa(closed),
			strconv.Itoa(len(s.wins)),
			strconv.Itoa(len(s.losses)),
			fmt.Sprintf("%.1f %%", float64(len(s.wins))/float64(closed)*100),
			fmt.Sprintf("%.3f", metric.Payoff(pnls)),
			fmt.Sprintf("%.3f", metric.ProfitFactor(pnls)),
			fmt.Sprintf("%.2f", pairProfit),
			fmt.Sprintf("%.2f", s.volume),
		})

		wins += len(s.wins)
		losses += len(s.losses)
		profit += pairProfit
		volume += s.volume
	}

	if wins+losses > 0 {
		table.SetFooter([]string{
			"TOTAL",
			strconv.Itoa(wins + losses),
			strconv.Itoa(wins),
			strconv.Itoa(losses),
			fmt.Sprintf("%.1f %%", float64(wins)/float64(wins+losses)*100),
			"", "",
			fmt.Sprintf("%.2f", profit),
			fmt.Sprintf("%.2f", volume),
		})
	}
	table.Render()
}

func (res *Result) writeHistogram(w io.Writer, pairs []string, stats map[string]*pairStats) {
	var returnsPercent []float64
	for _, pair := range pairs {
		for _, r := range stats[pair].returns {
			returnsPercent = append(returnsPercent, r*100)
		}
	}
	if len(returnsPercent) == 0 {
		return
	}

	fmt.Fprintln(w, "------ RETURN (per trade, %) -------")
	hist := histogram.Hist(15, returnsPercent)
	if err := histogram.Fprint(w, hist, histogram.Linear(10)); err != nil {
		fmt.Fprintf(w, "histogram: %v\n", err)
	}
	fmt.Fprintln(w)
}

func (res *Result) writeIntervals(w io.Writer, pairs []string, stats map[string]*pairStats) {
	fmt.Fprintln(w, "------ CONFIDENCE INTERVAL (95%) -------")
	for _, pair := range pairs {
		s := stats[pair]
		if len(s.returns) == 0 {
			continue
		}
		fmt.Fprintf(w, "| %s |\n", pair)

		returnsCI := metric.Bootstrap(s.returns, metric.Mean, bootstrapResamples, 0.95)
		payoffCI := metric.Bootstrap(s.returns, metric.Payoff, bootstrapResamples, 0.95)
		profitFactorCI := metric.Bootstrap(s.returns, metric.ProfitFactor, bootstrapResamples, 0.95)

		fmt.Fprintf(w, "RETURN:      %.2f%% (%.2f%% ~ %.2f%%)\n",
			returnsCI.Mean*100, returnsCI.Lower*100, returnsCI.Upper*100)
		fmt.Fprintf(w, "PAYOFF:      %.2f (%.2f ~ %.2f)\n",
			payoffCI.Mean, payoffCI.Lower, payoffCI.Upper)
		fmt.Fprintf(w, "PROF.FACTOR: %.2f (%.2f ~ %.2f)\n",
			profitFactorCI.Mean, profitFactorCI.Lower, profitFactorCI.Upper)
	}
	fmt.Fprintln(w)
}

func (res *Result) writeMetrics(w io.Writer) {
	m := res.Metrics
	fmt.Fprintln(w, "------ RESULT -------")
	fmt.Fprintf(w, "Scenario:      %s (%s ~ %s, %d bars)\n",
		res.Scenario, res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"), res.Bars)
	fmt.Fprintf(w, "Total return:  %.2f%%\n", m.TotalReturnPct)
	fmt.Fprintf(w, "Max drawdown:  %.2f%%\n", m.MaxDrawdownPct)
	fmt.Fprintf(w, "Sharpe:        %.3f\n", m.Sharpe)
	fmt.Fprintf(w, "Sortino:       %.3f\n", m.Sortino)
	fmt.Fprintf(w, "Closed trades: %d (win rate %.1f%%)\n", m.ClosedTrades, m.WinRate*100)
	fmt.Fprintf(w, "Profit factor: %.3f\n", m.ProfitFactor)
	fmt.Fprintf(w, "Avg win/loss:  %.2f / %.2f\n", m.AvgWin, m.AvgLoss)
	if m.MaxHold > 0 {
		fmt.Fprintf(w, "Hold time:     min %s avg %s max %s\n",
			formatHold(m.MinHold), formatHold(m.AvgHold), formatHold(m.MaxHold))
	}

	if len(m.ExitCounts) > 0 {
		reasons := make([]string, 0, len(m.ExitCounts))
		for reason := range m.ExitCounts {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		fmt.Fprintln(w, "Exits:")
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %-20s %d\n", reason, m.ExitCounts[core.ExitReason(reason)])
		}
	}
}

func formatHold(d time.Duration) string {
	return d.Round(time.Minute).String()
}
