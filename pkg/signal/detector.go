// Package signal composes configured rule sets into typed trading signals
// and records their lifecycle in a line-delimited JSON history.
package signal

import (
	"fmt"
	"math"

	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

// Input is everything one detection needs for one symbol at one bar.
type Input struct {
	Symbol   string
	Snapshot *core.IndicatorSnapshot
	Config   *config.RuntimeConfig

	// Position is the currently held position for the symbol, nil when flat.
	Position *core.Position

	Regime core.Regime

	// TrendSnapshot is the higher-timeframe snapshot, nil when the config
	// sets no trend_timeframe or its window is still warming up.
	TrendSnapshot *core.IndicatorSnapshot

	// Hook is the strategy's PopulateSignal transformer, run after synthesis.
	Hook func(*core.Signal)
}

// Detect evaluates the effective rule sets and emits at most one signal.
// Suppressions come back as SignalNone with the reason recorded; detection
// never fails, it only declines.
func Detect(in Input) core.Signal {
	out := core.Signal{
		Type:   core.SignalNone,
		Symbol: in.Symbol,
		Regime: in.Regime,
	}

	if in.Snapshot == nil {
		out.Reason = core.NewSkip(core.SkipDataStale, "no indicator snapshot for %s", in.Symbol).Error()
		return out
	}
	out.Snapshot = in.Snapshot
	out.Price = in.Snapshot.LastClose
	out.At = in.Snapshot.At

	if out.Price <= 0 || math.IsNaN(out.Price) || math.IsInf(out.Price, 0) {
		out.Reason = core.NewSkip(core.SkipPriceInvalid, "%s price %v", in.Symbol, out.Price).Error()
		return out
	}

	signals := effectiveSignals(in.Config, in.Regime)

	for _, t := range candidateTypes(in.Position) {
		rules, ok := signals[t]
		// An empty rule list would pass vacuously, so it cannot fire.
		if !ok || len(rules) == 0 {
			continue
		}
		if !allPass(rules, in.Snapshot, in.Config.Thresholds) {
			continue
		}

		out.Type = t
		out.Rules = append([]core.RuleName(nil), rules...)
		break
	}

	if out.Type.IsEntry() && in.Config.TrendTimeframe != "" {
		if reason, ok := trendConfirmed(out.Type, in); !ok {
			out.Type = core.SignalNone
			out.Rules = nil
			out.Reason = reason
		}
	}

	if in.Hook != nil {
		in.Hook(&out)
	}
	return out
}

// candidateTypes orders the signal types a symbol may emit given its held
// side. A long position can only close long, a short only cover; a flat
// symbol considers entries with buy winning ties.
func candidateTypes(pos *core.Position) []core.SignalType {
	if pos != nil {
		if pos.Side == core.SideShort {
			return []core.SignalType{core.SignalCover}
		}
		return []core.SignalType{core.SignalSell}
	}
	return []core.SignalType{core.SignalBuy, core.SignalShort}
}

// effectiveSignals picks the rule sets in force for the current regime: an
// explicit regime_strategies override wins, otherwise the configured map is
// auto-filtered to reversal rules in ranging regimes and trend rules in
// trending regimes.
func effectiveSignals(cfg *config.RuntimeConfig, regime core.Regime) map[core.SignalType][]core.RuleName {
	if override, ok := cfg.RegimeStrategies[regime.Label]; ok {
		return override
	}

	var keep func(core.RuleName) bool
	switch {
	case regime.Label.IsRanging():
		keep = core.RuleName.IsReversalRule
	case regime.Label.IsTrending():
		keep = core.RuleName.IsTrendRule
	default:
		return cfg.Signals
	}

	filtered := make(map[core.SignalType][]core.RuleName, len(cfg.Signals))
	for t, rules := range cfg.Signals {
		var kept []core.RuleName
		for _, r := range rules {
			if keep(r) {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			filtered[t] = kept
		}
	}
	return filtered
}

// trendConfirmed applies the multi-timeframe filter to an entry: longs need
// ma_bullish and shorts ma_bearish on the higher timeframe.
func trendConfirmed(t core.SignalType, in Input) (string, bool) {
	if in.TrendSnapshot == nil {
		return core.NewSkip(core.SkipDataStale,
			"%s trend timeframe %s has no snapshot", in.Symbol, in.Config.TrendTimeframe).Error(), false
	}

	required := core.RuleMABullish
	if t == core.SignalShort {
		required = core.RuleMABearish
	}
	if !Eval(required, in.TrendSnapshot, in.Config.Thresholds) {
		return fmt.Sprintf("%s %s not confirmed by %s on %s",
			in.Symbol, t, required, in.Config.TrendTimeframe), false
	}
	return "", true
}
