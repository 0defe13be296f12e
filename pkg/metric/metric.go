// Package metric holds the pure performance statistics shared by the
// backtest report, the optimizer objective, and the live summaries.
package metric

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// noLossSentinel is reported by ratio metrics whose denominator needs at
// least one losing sample. Keeping it finite keeps the metrics record
// serializable.
const noLossSentinel = 10

// Mean is the arithmetic mean of the values, zero for an empty sample.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Payoff is the ratio of the average win to the average loss magnitude.
// Returns 10 when there are no losses.
func Payoff(values []float64) float64 {
	wins, losses := partition(values)
	if len(losses) == 0 {
		return noLossSentinel
	}

	avgWin := stat.Mean(wins, nil)
	avgLoss := stat.Mean(losses, nil)
	if avgLoss == 0 {
		return noLossSentinel
	}
	return math.Abs(avgWin / avgLoss)
}

// ProfitFactor is the ratio of total profits to total loss magnitude.
// Returns 10 when there are no losses.
func ProfitFactor(values []float64) float64 {
	var totalWins, totalLosses float64
	for _, v := range values {
		if v >= 0 {
			totalWins += v
		} else {
			totalLosses += v
		}
	}
	if totalLosses == 0 {
		return noLossSentinel
	}
	return math.Abs(totalWins / totalLosses)
}

// WinRate is the share of strictly positive values, in [0,1].
func WinRate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var wins int
	for _, v := range values {
		if v > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(values))
}

// Returns converts an equity curve into per-period fractional returns.
// Periods starting from non-positive equity are dropped.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, (equity[i]-equity[i-1])/equity[i-1])
	}
	return out
}

// Sharpe is the mean of the per-period returns over their standard
// deviation, zero for empty or flat series.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

// Sortino is the mean return over the downside deviation, penalizing only
// losing periods. Returns 10 when no period lost money.
func Sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean := stat.Mean(returns, nil)

	var downside float64
	var count int
	for _, r := range returns {
		if r < 0 {
			downside += r * r
			count++
		}
	}
	if count == 0 {
		return noLossSentinel
	}
	dev := math.Sqrt(downside / float64(count))
	if dev == 0 {
		return noLossSentinel
	}
	return mean / dev
}

// MaxDrawdown is the largest peak-to-trough equity decline as a fraction of
// the peak, in [0,1].
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	var maxDD float64
	for _, v := range equity[1:] {
		if v > peak {
			peak = v
			continue
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// partition splits trade results into wins and loss magnitudes.
func partition(values []float64) (wins, losses []float64) {
	for _, v := range values {
		if v >= 0 {
			wins = append(wins, v)
		} else {
			losses = append(losses, math.Abs(v))
		}
	}
	return wins, losses
}
