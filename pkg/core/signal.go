package core

import (
	"fmt"
	"time"
)

// SignalType is the action a signal asks for. None carries a reason when a
// filter downgraded an otherwise qualified signal.
type SignalType string

const (
	SignalBuy   SignalType = "buy"
	SignalSell  SignalType = "sell"
	SignalShort SignalType = "short"
	SignalCover SignalType = "cover"
	SignalNone  SignalType = "none"
)

// ParseSignalType validates a config-supplied signal type string.
func ParseSignalType(s string) (SignalType, error) {
	switch t := SignalType(s); t {
	case SignalBuy, SignalSell, SignalShort, SignalCover:
		return t, nil
	default:
		return SignalNone, fmt.Errorf("%w: unknown signal type %q", ErrConfigInvalid, s)
	}
}

// IsEntry reports whether the signal opens exposure.
func (t SignalType) IsEntry() bool {
	return t == SignalBuy || t == SignalShort
}

// IsExit reports whether the signal closes exposure.
func (t SignalType) IsExit() bool {
	return t == SignalSell || t == SignalCover
}

// RuleName identifies one signal rule predicate. The string values are what
// config files and log diagnostics use.
type RuleName string

const (
	RuleMABullish        RuleName = "ma_bullish"
	RuleMABearish        RuleName = "ma_bearish"
	RuleMACDBullish      RuleName = "macd_bullish"
	RuleMACDBearish      RuleName = "macd_bearish"
	RuleRSIOversold      RuleName = "rsi_oversold"
	RuleRSIOverbought    RuleName = "rsi_overbought"
	RuleRSINotOverbought RuleName = "rsi_not_overbought"
	RuleRSINotOversold   RuleName = "rsi_not_oversold"
	RuleVolumeSurge      RuleName = "volume_surge"
	RuleVolumeLow        RuleName = "volume_low"
)

// AllRuleNames lists every known rule, in documentation order.
func AllRuleNames() []RuleName {
	return []RuleName{
		RuleMABullish, RuleMABearish,
		RuleMACDBullish, RuleMACDBearish,
		RuleRSIOversold, RuleRSIOverbought,
		RuleRSINotOverbought, RuleRSINotOversold,
		RuleVolumeSurge, RuleVolumeLow,
	}
}

// ParseRuleName validates a config-supplied rule name string.
func ParseRuleName(s string) (RuleName, error) {
	for _, r := range AllRuleNames() {
		if RuleName(s) == r {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown rule %q", ErrConfigInvalid, s)
}

// IsTrendRule reports whether the rule belongs to the trend-following family,
// used by the regime auto-fallback.
func (r RuleName) IsTrendRule() bool {
	switch r {
	case RuleMABullish, RuleMABearish, RuleMACDBullish, RuleMACDBearish:
		return true
	}
	return false
}

// IsReversalRule reports whether the rule belongs to the RSI-reversal family.
func (r RuleName) IsReversalRule() bool {
	switch r {
	case RuleRSIOversold, RuleRSIOverbought, RuleRSINotOverbought, RuleRSINotOversold:
		return true
	}
	return false
}

// Signal is the detector output for one symbol at one bar.
type Signal struct {
	Type     SignalType         `json:"type"`
	Symbol   string             `json:"symbol"`
	Price    float64            `json:"price"`
	Rules    []RuleName         `json:"rules,omitempty"`
	Snapshot *IndicatorSnapshot `json:"snapshot,omitempty"`
	Regime   Regime             `json:"regime"`
	Reason   string             `json:"reason,omitempty"`
	At       time.Time          `json:"at"`
}
