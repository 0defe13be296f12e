package optimizer

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/velabot/vela/pkg/backtest"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// Walk-forward defaults.
const (
	DefaultTrainRatio        = 0.7
	DefaultMinImprovementPct = 5.0
	DefaultTrials            = 50
)

// WalkForwardConfig tunes the out-of-sample validation run. Zero fields fall
// back to the package defaults.
type WalkForwardConfig struct {
	// Space is the parameter space searched on the train slice.
	Space []Parameter

	// Trials is how many parameter sets the optimizer evaluates.
	Trials int

	// TrainRatio is the share of the time range used for optimization; the
	// newer remainder stays unseen until the final scoring.
	TrainRatio float64

	// MinImprovementPct is the margin the winner must beat the incumbent by
	// on the test slice before the config changes.
	MinImprovementPct float64

	Seed   int64
	Warmup int
	Score  Score
	Log    logger.Logger
}

// WalkForwardResult reports what the search found and whether the incumbent
// configuration should be replaced.
type WalkForwardResult struct {
	// Best is the winning observation from the train slice.
	Best Observation

	// BestTest and CurrentTest are the winner's and the incumbent's scores
	// on the unseen slice.
	BestTest    float64
	CurrentTest float64

	ImprovementPct float64
	Updated        bool

	// Config is the configuration to run with from here on: the winner
	// applied when Updated, otherwise a copy of the incumbent.
	Config *config.RuntimeConfig

	// History holds every trial in arrival order.
	History []Observation
}

// WalkForward optimizes on the older TrainRatio share of the candles, then
// scores both the winner and the incumbent configuration once on the newer
// remainder. The winner is adopted only when it beats the incumbent there by
// at least MinImprovementPct percent and is positive in its own right.
func WalkForward(ctx context.Context, cfg *config.RuntimeConfig, in backtest.Input, wf WalkForwardConfig) (*WalkForwardResult, error) {
	if wf.Trials <= 0 {
		wf.Trials = DefaultTrials
	}
	if wf.TrainRatio <= 0 || wf.TrainRatio >= 1 {
		wf.TrainRatio = DefaultTrainRatio
	}
	if wf.MinImprovementPct <= 0 {
		wf.MinImprovementPct = DefaultMinImprovementPct
	}
	if wf.Log == nil {
		wf.Log = zerologger.Nop()
	}

	trainCandles, testCandles := Split(in.Candles, wf.TrainRatio)
	trainTrend, testTrend := Split(in.Trend, wf.TrainRatio)
	if len(trainCandles) == 0 || len(testCandles) == 0 {
		return nil, core.NewConfigError("walk-forward needs candles on both sides of the %.0f%% split", wf.TrainRatio*100)
	}
	train := backtest.Input{InitialCash: in.InitialCash, Candles: trainCandles, Trend: trainTrend}
	test := backtest.Input{InitialCash: in.InitialCash, Candles: testCandles, Trend: testTrend}

	tpeCfg := NewConfig()
	if wf.Seed != 0 {
		tpeCfg.WithSeed(wf.Seed)
	}
	if wf.Warmup > 0 {
		tpeCfg.WithWarmup(wf.Warmup)
	}
	tpe, err := NewTPE(wf.Space, tpeCfg)
	if err != nil {
		return nil, err
	}

	objective := BacktestObjective(cfg, train, wf.Score, wf.Log)
	for i := 0; i < wf.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params := tpe.Suggest()
		score := objective(params)
		tpe.Observe(params, score)
		wf.Log.Infof("trial %d/%d scored %.4f (%s)", i+1, wf.Trials, score, FormatParams(params))
	}

	best, ok := tpe.Best()
	if !ok {
		return nil, core.NewConfigError("walk-forward finished without observations")
	}

	testObjective := BacktestObjective(cfg, test, wf.Score, wf.Log)
	bestTest := testObjective(best.Params)
	currentTest := testObjective(ParameterSet{})
	improvement, updated := improvementGate(bestTest, currentTest, wf.MinImprovementPct)

	out := &WalkForwardResult{
		Best:           best,
		BestTest:       bestTest,
		CurrentTest:    currentTest,
		ImprovementPct: improvement,
		Updated:        updated,
		History:        tpe.History(),
	}
	if updated {
		applied, err := Apply(cfg, best.Params)
		if err != nil {
			return nil, err
		}
		out.Config = applied
		wf.Log.Infof("%s: adopting optimized parameters, test %.4f vs %.4f (improvement %.1f%%)",
			cfg.Name, bestTest, currentTest, improvement)
	} else {
		out.Config = cfg.Clone()
		wf.Log.Infof("%s: keeping current parameters, test %.4f vs %.4f (improvement %.1f%%, bar %.1f%%)",
			cfg.Name, bestTest, currentTest, improvement, wf.MinImprovementPct)
	}
	return out, nil
}

// Split partitions every pair's candles at the trainRatio point of the
// combined time range. A candle exactly on the cutoff lands in train.
func Split(candles map[string][]core.Candle, trainRatio float64) (train, test map[string][]core.Candle) {
	train = make(map[string][]core.Candle, len(candles))
	test = make(map[string][]core.Candle, len(candles))

	var first, last time.Time
	for _, cs := range candles {
		if len(cs) == 0 {
			continue
		}
		if first.IsZero() || cs[0].Time.Before(first) {
			first = cs[0].Time
		}
		if end := cs[len(cs)-1].Time; end.After(last) {
			last = end
		}
	}
	if first.IsZero() {
		return train, test
	}

	cutoff := first.Add(time.Duration(trainRatio * float64(last.Sub(first))))
	for pair, cs := range candles {
		i := sort.Search(len(cs), func(i int) bool { return cs[i].Time.After(cutoff) })
		if i > 0 {
			train[pair] = cs[:i]
		}
		if i < len(cs) {
			test[pair] = cs[i:]
		}
	}
	return train, test
}

// improvementGate applies the acceptance rule: the candidate must beat the
// incumbent on the test slice by at least minPct percent and must be positive
// in its own right.
func improvementGate(candidate, incumbent, minPct float64) (float64, bool) {
	var pct float64
	switch {
	case incumbent != 0:
		pct = (candidate - incumbent) / math.Abs(incumbent) * 100
	case candidate > 0:
		pct = math.Inf(1)
	}
	return pct, candidate > 0 && pct >= minPct
}
