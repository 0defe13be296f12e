// Package strategy hosts the strategy registry. A strategy decorates the
// rule-based signal pipeline instead of replacing it: its PopulateSignal
// transformer runs during synthesis and may veto or annotate the signal,
// and strategies that also implement PositionAdjuster manage held positions
// ahead of the default DCA policy.
package strategy

import (
	"github.com/velabot/vela/pkg/core"
)

// Strategy is the contract scenario configs reference by id.
type Strategy interface {
	// ID is the stable identifier used in scenario configuration.
	ID() string
	// Name is the human-readable strategy name.
	Name() string
	// PopulateSignal runs during signal synthesis and may veto or annotate
	// the signal in place.
	PopulateSignal(sig *core.Signal)
}

// Describer optionally documents a strategy for CLI listings.
type Describer interface {
	Description() string
}

// PositionAdjuster manages a held position before the default DCA policy
// runs. A positive amount adds that much quote notional, a negative amount
// reduces, and (0, false) falls through.
type PositionAdjuster interface {
	AdjustPosition(pos *core.Position, df *core.Dataframe) (float64, bool)
}

// Hooks splits a strategy into the two pipeline attachment points. The
// adjust hook is nil when the strategy does not manage positions.
func Hooks(s Strategy) (hook func(*core.Signal), adjust func(*core.Position, *core.Dataframe) (float64, bool)) {
	if s == nil {
		return nil, nil
	}

	hook = s.PopulateSignal
	if adjuster, ok := s.(PositionAdjuster); ok {
		adjust = adjuster.AdjustPosition
	}
	return hook, adjust
}
