package optimizer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/velabot/vela/pkg/core"
)

// Model internals.
const (
	// perturbScale is the gaussian step around elite points, as a share of
	// the dimension span.
	perturbScale = 0.1
	// bandwidthFloorRatio keeps kernel bandwidths positive when a sample
	// set collapses to a single value.
	bandwidthFloorRatio = 1e-3
	// minDensity guards the log against floating-point underflow far from
	// every sample.
	minDensity = 1e-300
)

// TPE is a tree-structured Parzen estimator. It keeps every observation,
// splits the history into good and bad sets by score, and suggests points
// where the estimated good density dominates the bad one. Methods are not
// safe for concurrent use; the suggest/observe loop is sequential by nature.
type TPE struct {
	space   []Parameter
	cfg     Config
	rng     *lcg
	history []Observation
}

// NewTPE validates the space and builds the estimator. A nil cfg uses the
// NewConfig defaults, as do out-of-range config fields.
func NewTPE(space []Parameter, cfg *Config) (*TPE, error) {
	if len(space) == 0 {
		return nil, core.NewConfigError("optimizer needs at least one parameter")
	}
	seen := make(map[string]bool, len(space))
	for _, p := range space {
		switch {
		case p.Name == "":
			return nil, core.NewConfigError("optimizer parameter without a name")
		case seen[p.Name]:
			return nil, core.NewConfigError("duplicate optimizer parameter %q", p.Name)
		case p.Max < p.Min:
			return nil, core.NewConfigError("parameter %s: max %v below min %v", p.Name, p.Max, p.Min)
		}
		seen[p.Name] = true
	}

	c := NewConfig()
	if cfg != nil {
		*c = *cfg
	}
	if c.Warmup < 1 {
		c.Warmup = DefaultWarmup
	}
	if c.Gamma <= 0 || c.Gamma >= 1 {
		c.Gamma = DefaultGamma
	}
	if c.Candidates < 2 {
		c.Candidates = DefaultCandidates
	}

	return &TPE{
		space: append([]Parameter(nil), space...),
		cfg:   *c,
		rng:   newLCG(c.Seed),
	}, nil
}

// Suggest proposes the next parameter set to evaluate. The first Warmup
// suggestions explore uniformly; afterwards a candidate pool is scored
// against the good/bad density split and the strongest candidate wins.
func (t *TPE) Suggest() ParameterSet {
	if len(t.history) < t.cfg.Warmup {
		return t.uniform()
	}
	return t.modelSuggest()
}

// Observe records the measured score for a suggested set.
func (t *TPE) Observe(params ParameterSet, score float64) {
	t.history = append(t.history, Observation{Params: params.Clone(), Score: score})
}

// Best returns a copy of the highest-scoring observation so far.
func (t *TPE) Best() (Observation, bool) {
	if len(t.history) == 0 {
		return Observation{}, false
	}
	best := t.history[0]
	for _, obs := range t.history[1:] {
		if obs.Score > best.Score {
			best = obs
		}
	}
	best.Params = best.Params.Clone()
	return best, true
}

// History returns a copy of every observation in arrival order.
func (t *TPE) History() []Observation {
	out := make([]Observation, len(t.history))
	for i, obs := range t.history {
		out[i] = Observation{Params: obs.Params.Clone(), Score: obs.Score}
	}
	return out
}

// uniform draws every dimension uniformly from its range.
func (t *TPE) uniform() ParameterSet {
	out := make(ParameterSet, len(t.space))
	for _, p := range t.space {
		out[p.Name] = p.snap(p.Min + t.rng.float()*p.span())
	}
	return out
}

// modelSuggest splits the history at the Gamma quantile and picks the
// candidate with the best summed log density ratio. Half the pool is fresh
// uniform draws, half perturbations of elite points.
func (t *TPE) modelSuggest() ParameterSet {
	sorted := make([]Observation, len(t.history))
	copy(sorted, t.history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	if len(sorted) < 2 {
		return t.uniform()
	}
	nGood := int(t.cfg.Gamma * float64(len(sorted)))
	if nGood < 1 {
		nGood = 1
	}
	if nGood >= len(sorted) {
		nGood = len(sorted) - 1
	}
	good, bad := sorted[:nGood], sorted[nGood:]

	var best ParameterSet
	bestScore := math.Inf(-1)
	for i := 0; i < t.cfg.Candidates; i++ {
		var cand ParameterSet
		if i%2 == 0 {
			cand = t.uniform()
		} else {
			cand = t.perturb(good)
		}
		if score := t.candidateScore(cand, good, bad); score > bestScore {
			bestScore, best = score, cand
		}
	}
	return best
}

// perturb draws a gaussian step around one elite observation.
func (t *TPE) perturb(good []Observation) ParameterSet {
	src := good[t.rng.intn(len(good))].Params
	out := make(ParameterSet, len(t.space))
	for _, p := range t.space {
		out[p.Name] = p.snap(src[p.Name] + t.rng.norm()*p.span()*perturbScale)
	}
	return out
}

// candidateScore sums the per-dimension log density ratios between the good
// and bad sets.
func (t *TPE) candidateScore(cand ParameterSet, good, bad []Observation) float64 {
	total := 0.0
	for _, p := range t.space {
		x := cand[p.Name]
		total += kdeLogDensity(x, dimValues(good, p.Name), p.span())
		total -= kdeLogDensity(x, dimValues(bad, p.Name), p.span())
	}
	return total
}

func dimValues(obs []Observation, name string) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Params[name]
	}
	return out
}

// kdeLogDensity evaluates a gaussian kernel density estimate at x using the
// Silverman bandwidth 1.06 sigma n^(-1/5), floored on a small share of the
// dimension span so collapsed sample sets keep a finite density.
func kdeLogDensity(x float64, samples []float64, span float64) float64 {
	n := float64(len(samples))
	sigma := stat.StdDev(samples, nil)
	if math.IsNaN(sigma) {
		sigma = 0
	}

	bw := 1.06 * sigma * math.Pow(n, -0.2)
	floor := span * bandwidthFloorRatio
	if floor <= 0 {
		floor = 1e-9
	}
	if bw < floor {
		bw = floor
	}

	sum := 0.0
	for _, s := range samples {
		z := (x - s) / bw
		sum += math.Exp(-0.5 * z * z)
	}
	density := sum / (n * bw * math.Sqrt(2*math.Pi))
	if density < minDensity {
		density = minDensity
	}
	return math.Log(density)
}
