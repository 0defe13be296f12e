// Package strategies ships ready-made strategies that register themselves
// with the default registry on import.
package strategies

import (
	"fmt"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/strategy"
)

// MomentumGuard vetoes entries against stretched momentum: longs are
// suppressed while RSI sits above the overbought band, shorts while it sits
// below the oversold band. Exits pass through untouched.
type MomentumGuard struct {
	Overbought float64
	Oversold   float64
}

// NewMomentumGuard returns the guard with its default bands.
func NewMomentumGuard() *MomentumGuard {
	return &MomentumGuard{Overbought: 75, Oversold: 25}
}

func (s *MomentumGuard) ID() string   { return "momentum_guard" }
func (s *MomentumGuard) Name() string { return "Momentum Guard" }

func (s *MomentumGuard) Description() string {
	return "suppresses entries while RSI is stretched beyond its bands"
}

// PopulateSignal downgrades stretched entries to none with a diagnostic.
func (s *MomentumGuard) PopulateSignal(sig *core.Signal) {
	if sig.Snapshot == nil {
		return
	}

	switch {
	case sig.Type == core.SignalBuy && sig.Snapshot.RSI >= s.Overbought:
		sig.Reason = fmt.Sprintf("momentum guard: rsi %.1f at or above %.1f", sig.Snapshot.RSI, s.Overbought)
		sig.Type = core.SignalNone
	case sig.Type == core.SignalShort && sig.Snapshot.RSI <= s.Oversold:
		sig.Reason = fmt.Sprintf("momentum guard: rsi %.1f at or below %.1f", sig.Snapshot.RSI, s.Oversold)
		sig.Type = core.SignalNone
	}
}

func init() {
	strategy.Register(NewMomentumGuard())
}
