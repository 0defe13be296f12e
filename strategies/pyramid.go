package strategies

import (
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/strategy"
)

// Pyramid scales into winners: each time the mark runs StepPct past the
// re-averaged entry, one more tranche of AddNotional is committed. Every
// add lifts the average entry, so the next tranche needs a further run;
// positions carrying DCA state are additionally capped at MaxAdds tranches.
type Pyramid struct {
	StepPct     float64
	AddNotional float64
	MaxAdds     int
}

// NewPyramid returns the strategy with its default sizing.
func NewPyramid() *Pyramid {
	return &Pyramid{StepPct: 2, AddNotional: 250, MaxAdds: 3}
}

func (s *Pyramid) ID() string   { return "pyramid" }
func (s *Pyramid) Name() string { return "Pyramid" }

func (s *Pyramid) Description() string {
	return "adds fixed-notional tranches while a position keeps running"
}

// PopulateSignal leaves the configured rule set untouched.
func (s *Pyramid) PopulateSignal(*core.Signal) {}

// AdjustPosition asks for one more tranche while the run holds.
func (s *Pyramid) AdjustPosition(pos *core.Position, df *core.Dataframe) (float64, bool) {
	price := df.Close.Last(0)
	if price <= 0 {
		return 0, false
	}
	if pos.DCA != nil && pos.DCA.CompletedTranches >= s.MaxAdds {
		return 0, false
	}

	step := s.StepPct / 100
	switch pos.Side {
	case core.SideLong:
		if price >= pos.EntryPrice*(1+step) {
			return s.AddNotional, true
		}
	case core.SideShort:
		if price <= pos.EntryPrice*(1-step) {
			return s.AddNotional, true
		}
	}
	return 0, false
}

func init() {
	strategy.Register(NewPyramid())
}
