package strategies

import (
	"sync"
	"time"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/strategy"
)

// Accumulator arms two one-shot orders around every new position: an add of
// Notional one dip of DipPct against entry, and a scale-out of Notional one
// run of RunPct in favor. The scheduler keeps both pending across bars until
// the market reaches either level; a re-opened symbol re-arms both sides.
type Accumulator struct {
	DipPct   float64
	RunPct   float64
	Notional float64

	mu         sync.Mutex
	schedulers map[string]*strategy.Scheduler
	armedAt    map[string]time.Time
}

// NewAccumulator returns the strategy with its default levels.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		DipPct:     3,
		RunPct:     5,
		Notional:   200,
		schedulers: make(map[string]*strategy.Scheduler),
		armedAt:    make(map[string]time.Time),
	}
}

func (s *Accumulator) ID() string   { return "accumulator" }
func (s *Accumulator) Name() string { return "Accumulator" }

func (s *Accumulator) Description() string {
	return "arms a dip add and a run scale-out around each new position"
}

// PopulateSignal leaves the configured rule set untouched.
func (s *Accumulator) PopulateSignal(*core.Signal) {}

// AdjustPosition replays the armed orders for this position. Positions are
// recognized by entry time, so the same symbol re-armed after a flat period
// starts with a fresh pair of orders.
func (s *Accumulator) AdjustPosition(pos *core.Position, df *core.Dataframe) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedulers[pos.Symbol]
	if !ok || !s.armedAt[pos.Symbol].Equal(pos.EntryTime) {
		sched = s.arm(pos)
	}
	return sched.Adjust(pos, df)
}

// arm builds the one-shot pair against the position's current entry. The
// conditions read the live entry price, so a fired dip add shifts the
// remaining run level along with the re-averaged entry.
func (s *Accumulator) arm(pos *core.Position) *strategy.Scheduler {
	sched := strategy.NewScheduler(pos.Symbol, nil)

	dip := s.DipPct / 100
	run := s.RunPct / 100

	sched.AddWhen(s.Notional, func(pos *core.Position, df *core.Dataframe) bool {
		price := df.Close.Last(0)
		if price <= 0 {
			return false
		}
		if pos.Side == core.SideShort {
			return price >= pos.EntryPrice*(1+dip)
		}
		return price <= pos.EntryPrice*(1-dip)
	})

	sched.ReduceWhen(s.Notional, func(pos *core.Position, df *core.Dataframe) bool {
		price := df.Close.Last(0)
		if price <= 0 {
			return false
		}
		if pos.Side == core.SideShort {
			return price <= pos.EntryPrice*(1-run)
		}
		return price >= pos.EntryPrice*(1+run)
	})

	s.schedulers[pos.Symbol] = sched
	s.armedAt[pos.Symbol] = pos.EntryTime
	return sched
}

func init() {
	strategy.Register(NewAccumulator())
}
