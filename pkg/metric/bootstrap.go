package metric

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// BootstrapInterval is a confidence interval for a statistic, estimated by
// resampling the original observations with replacement.
type BootstrapInterval struct {
	Lower  float64
	Upper  float64
	StdDev float64
	Mean   float64
}

// Bootstrap estimates a confidence interval for measure applied to values.
// It draws resamples bootstrap samples, evaluates measure on each, and takes
// the central confidence mass of the resulting distribution (0.95 keeps the
// 2.5th to 97.5th percentile range).
func Bootstrap(values []float64, measure func([]float64) float64, resamples int, confidence float64) BootstrapInterval {
	if len(values) == 0 || resamples <= 0 {
		return BootstrapInterval{}
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	data := make([]float64, 0, resamples)
	for i := 0; i < resamples; i++ {
		sample := make([]float64, len(values))
		for j := range sample {
			sample[j] = lo.Sample(values)
		}
		data = append(data, measure(sample))
	}
	sort.Float64s(data)

	tail := 1 - confidence
	mean, stdDev := stat.MeanStdDev(data, nil)

	return BootstrapInterval{
		Lower:  stat.Quantile(tail/2, stat.LinInterp, data, nil),
		Upper:  stat.Quantile(1-tail/2, stat.LinInterp, data, nil),
		StdDev: stdDev,
		Mean:   mean,
	}
}
