// Package optimizer searches strategy parameter spaces with a tree-structured
// Parzen estimator. Suggestions come from a seeded deterministic generator, so
// a run with the same seed, space and objective replays identically.
package optimizer

import "math"

// Parameter defines one dimension of the search space. Integer dimensions
// step on a whole-number grid; float dimensions stay continuous unless Step
// is set.
type Parameter struct {
	Name    string
	Min     float64
	Max     float64
	Step    float64
	Integer bool
}

// IntParam describes a whole-number dimension stepped by one.
func IntParam(name string, min, max int) Parameter {
	return Parameter{Name: name, Min: float64(min), Max: float64(max), Step: 1, Integer: true}
}

// FloatParam describes a continuous dimension.
func FloatParam(name string, min, max float64) Parameter {
	return Parameter{Name: name, Min: min, Max: max}
}

// snap aligns v to the dimension's grid and clamps it into range.
func (p Parameter) snap(v float64) float64 {
	if p.Step > 0 {
		v = p.Min + math.Round((v-p.Min)/p.Step)*p.Step
	}
	if p.Integer {
		v = math.Round(v)
	}
	return math.Min(math.Max(v, p.Min), p.Max)
}

// span is the width of the dimension.
func (p Parameter) span() float64 {
	return p.Max - p.Min
}

// ParameterSet is one concrete point of the search space, keyed by parameter
// name. Integer dimensions hold whole-number values.
type ParameterSet map[string]float64

// Clone returns an independent copy.
func (s ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(s))
	for name, v := range s {
		out[name] = v
	}
	return out
}

// Int reads an integer dimension.
func (s ParameterSet) Int(name string) int {
	return int(math.Round(s[name]))
}

// Observation is one measured point: a suggested set and its score.
type Observation struct {
	Params ParameterSet
	Score  float64
}

// Suggestion engine defaults.
const (
	// DefaultSeed keeps runs reproducible unless the caller reseeds.
	DefaultSeed = 1
	// DefaultWarmup is how many uniform draws precede model-based
	// suggestions.
	DefaultWarmup = 20
	// DefaultGamma is the share of history treated as the good set.
	DefaultGamma = 0.25
	// DefaultCandidates is the pool size scored per model-based suggestion.
	DefaultCandidates = 128
)

// Config tunes the suggestion engine.
type Config struct {
	Seed       int64
	Warmup     int
	Gamma      float64
	Candidates int
}

// NewConfig returns the engine defaults.
func NewConfig() *Config {
	return &Config{
		Seed:       DefaultSeed,
		Warmup:     DefaultWarmup,
		Gamma:      DefaultGamma,
		Candidates: DefaultCandidates,
	}
}

// WithSeed reseeds the deterministic generator.
func (c *Config) WithSeed(seed int64) *Config {
	c.Seed = seed
	return c
}

// WithWarmup sets how many uniform suggestions precede the model.
func (c *Config) WithWarmup(n int) *Config {
	c.Warmup = n
	return c
}

// WithGamma sets the good-set share of the history split.
func (c *Config) WithGamma(gamma float64) *Config {
	c.Gamma = gamma
	return c
}

// WithCandidates sets the candidate pool size per model suggestion.
func (c *Config) WithCandidates(n int) *Config {
	c.Candidates = n
	return c
}
