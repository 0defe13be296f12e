package strategy

import (
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// Condition gates a scheduled adjustment on the held position and the
// current candle window.
type Condition func(pos *core.Position, df *core.Dataframe) bool

// Adjustment is one armed, one-shot position action.
type Adjustment struct {
	Condition Condition
	Notional  float64 // positive adds quote notional, negative reduces
}

// Scheduler accumulates deferred adjustments for one symbol and replays
// them through the position-management pipeline. A fired adjustment is
// disarmed whether or not the ledger admits the resulting order; unmet
// conditions stay armed across bars.
type Scheduler struct {
	symbol      string
	log         logger.Logger
	adjustments []Adjustment
}

// NewScheduler creates a Scheduler for one symbol.
func NewScheduler(symbol string, log logger.Logger) *Scheduler {
	if log == nil {
		log = zerologger.Nop()
	}
	return &Scheduler{
		symbol:      symbol,
		log:         log,
		adjustments: make([]Adjustment, 0),
	}
}

// AddWhen arms a one-shot add of the given quote notional.
func (s *Scheduler) AddWhen(notional float64, condition Condition) {
	s.arm(notional, condition)
}

// ReduceWhen arms a one-shot reduction of the given quote notional.
func (s *Scheduler) ReduceWhen(notional float64, condition Condition) {
	s.arm(-notional, condition)
}

func (s *Scheduler) arm(notional float64, condition Condition) {
	s.adjustments = append(s.adjustments, Adjustment{
		Condition: condition,
		Notional:  notional,
	})
}

// Armed reports how many adjustments are still waiting.
func (s *Scheduler) Armed() int {
	return len(s.adjustments)
}

// Adjust fires the first armed adjustment whose condition holds, at most
// one per call. It satisfies the position-adjuster contract.
func (s *Scheduler) Adjust(pos *core.Position, df *core.Dataframe) (float64, bool) {
	if pos == nil || pos.Symbol != s.symbol {
		return 0, false
	}

	for i, adjustment := range s.adjustments {
		if !adjustment.Condition(pos, df) {
			continue
		}

		s.adjustments = append(s.adjustments[:i], s.adjustments[i+1:]...)
		s.log.Infof("scheduled adjustment fired for %s: %+.2f", s.symbol, adjustment.Notional)
		return adjustment.Notional, true
	}
	return 0, false
}
