package signal

import (
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

// Eval runs one rule predicate against a snapshot. A rule that references an
// absent component (MACD before warmup, zero average volume) returns false
// rather than guessing.
func Eval(rule core.RuleName, snap *core.IndicatorSnapshot, th config.Thresholds) bool {
	switch rule {
	case core.RuleMABullish:
		return snap.MAShort > snap.MALong
	case core.RuleMABearish:
		return snap.MAShort < snap.MALong
	case core.RuleMACDBullish:
		return snap.MACD != nil && snap.MACD.Line > snap.MACD.Signal && snap.MACD.Histogram > 0
	case core.RuleMACDBearish:
		return snap.MACD != nil && snap.MACD.Line < snap.MACD.Signal && snap.MACD.Histogram < 0
	case core.RuleRSIOversold:
		return snap.RSI <= th.RSIOversold
	case core.RuleRSIOverbought:
		return snap.RSI >= th.RSIOverbought
	case core.RuleRSINotOverbought:
		return snap.RSI < th.RSIOverbought
	case core.RuleRSINotOversold:
		return snap.RSI > th.RSIOversold
	case core.RuleVolumeSurge:
		return snap.AvgVolume > 0 && snap.LastVolume >= th.VolumeSurgeRatio*snap.AvgVolume
	case core.RuleVolumeLow:
		return snap.AvgVolume > 0 && snap.LastVolume <= th.VolumeLowRatio*snap.AvgVolume
	}
	return false
}

func allPass(rules []core.RuleName, snap *core.IndicatorSnapshot, th config.Thresholds) bool {
	for _, r := range rules {
		if !Eval(r, snap, th) {
			return false
		}
	}
	return true
}
