package core

import "fmt"

// RegimeLabel is a classified market state. The string values double as
// regime_strategies config keys.
type RegimeLabel string

const (
	RegimeTrendingBull RegimeLabel = "trending-bull"
	RegimeTrendingBear RegimeLabel = "trending-bear"
	RegimeRangingTight RegimeLabel = "ranging-tight"
	RegimeRangingWide  RegimeLabel = "ranging-wide"
	RegimeBreakoutUp   RegimeLabel = "breakout-up"
	RegimeBreakoutDown RegimeLabel = "breakout-down"
)

// AllRegimeLabels lists every label in priority order.
func AllRegimeLabels() []RegimeLabel {
	return []RegimeLabel{
		RegimeBreakoutUp, RegimeBreakoutDown,
		RegimeTrendingBull, RegimeTrendingBear,
		RegimeRangingTight, RegimeRangingWide,
	}
}

// ParseRegimeLabel validates a config-supplied regime key.
func ParseRegimeLabel(s string) (RegimeLabel, error) {
	for _, l := range AllRegimeLabels() {
		if RegimeLabel(s) == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unknown regime %q", ErrConfigInvalid, s)
}

// IsTrending reports whether the label is one of the trending states.
func (l RegimeLabel) IsTrending() bool {
	return l == RegimeTrendingBull || l == RegimeTrendingBear
}

// IsRanging reports whether the label is one of the ranging states.
func (l RegimeLabel) IsRanging() bool {
	return l == RegimeRangingTight || l == RegimeRangingWide
}

// IsBreakout reports whether the label is one of the breakout states.
func (l RegimeLabel) IsBreakout() bool {
	return l == RegimeBreakoutUp || l == RegimeBreakoutDown
}

// Regime is a classification with its confidence in [0,100].
type Regime struct {
	Label      RegimeLabel `json:"label"`
	Confidence float64     `json:"confidence"`
}

func (r Regime) String() string {
	return fmt.Sprintf("%s (%.0f%%)", r.Label, r.Confidence)
}
