package core

import (
	"fmt"
	"time"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// TrailingStop is the one-way trailing state of a position. It starts
// inactive; once the mark crosses the activation threshold it becomes active
// and Extreme tracks the best price seen since (highest for longs, lowest for
// shorts). The transition never reverses within a position's life.
type TrailingStop struct {
	Active  bool    `json:"active"`
	Extreme float64 `json:"extreme,omitempty"`
}

// Activate flips the trailing state on at the given extreme. Activating an
// already active stop is ignored.
func (t *TrailingStop) Activate(extreme float64) {
	if t.Active {
		return
	}
	t.Active = true
	t.Extreme = extreme
}

// Track updates the extreme monotonically for the given side.
func (t *TrailingStop) Track(side PositionSide, mark float64) {
	if !t.Active {
		return
	}
	switch side {
	case SideLong:
		if mark > t.Extreme {
			t.Extreme = mark
		}
	case SideShort:
		if mark < t.Extreme {
			t.Extreme = mark
		}
	}
}

// DCAState tracks dollar-cost-averaging progress for one position.
type DCAState struct {
	TotalTranches     int           `json:"total_tranches"`
	CompletedTranches int           `json:"completed_tranches"`
	LastTranchePrice  float64       `json:"last_tranche_price"`
	DropPct           float64       `json:"drop_pct"`
	StartedAt         time.Time     `json:"started_at"`
	MaxDuration       time.Duration `json:"max_duration_ms"`
}

// TPStage is one staged take-profit level: close CloseRatio of the position
// when profit reaches AtPct percent.
type TPStage struct {
	AtPct      float64 `json:"at_pct"`
	CloseRatio float64 `json:"close_ratio"`
}

// Position is the open exposure for one (scenario, symbol). Stop-loss and
// take-profit always sit on the protective side of entry for the side held.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"quantity"`
	EntryPrice float64      `json:"entry_price"`
	EntryTime  time.Time    `json:"entry_time"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit float64      `json:"take_profit"`
	Trailing   TrailingStop `json:"trailing"`
	DCA        *DCAState    `json:"dca,omitempty"`

	// Margin locked for shorts; zero for longs.
	Margin float64 `json:"margin,omitempty"`

	// Staged take-profit levels still waiting to fire.
	StagedTPs []TPStage `json:"staged_tps,omitempty"`

	// HistoryID links the position to its signal-history record.
	HistoryID string `json:"history_id,omitempty"`
}

// Validate checks the structural invariants. Records loaded from disk with a
// missing side are refused here rather than silently defaulted.
func (p *Position) Validate() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: position without symbol", ErrConfigInvalid)
	case p.Side != SideLong && p.Side != SideShort:
		return fmt.Errorf("%w: position %s has invalid side %q", ErrConfigInvalid, p.Symbol, p.Side)
	case p.Quantity <= 0:
		return fmt.Errorf("%w: position %s quantity %v", ErrConfigInvalid, p.Symbol, p.Quantity)
	case p.EntryPrice <= 0:
		return fmt.Errorf("%w: position %s entry price %v", ErrConfigInvalid, p.Symbol, p.EntryPrice)
	}

	if p.Side == SideLong {
		if p.StopLoss > 0 && p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("%w: long %s stop-loss %v above entry %v", ErrConfigInvalid, p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit > 0 && p.TakeProfit <= p.EntryPrice {
			return fmt.Errorf("%w: long %s take-profit %v below entry %v", ErrConfigInvalid, p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	} else {
		if p.StopLoss > 0 && p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("%w: short %s stop-loss %v below entry %v", ErrConfigInvalid, p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit > 0 && p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("%w: short %s take-profit %v above entry %v", ErrConfigInvalid, p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	}
	return nil
}

// UnrealizedPnL values the position against the given mark.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - mark) * p.Quantity
	}
	return (mark - p.EntryPrice) * p.Quantity
}

// MarkValue is the position's contribution to total equity at the given mark.
func (p *Position) MarkValue(mark float64) float64 {
	if p.Side == SideShort {
		return p.Margin + (p.EntryPrice-mark)*p.Quantity
	}
	return p.Quantity * mark
}
