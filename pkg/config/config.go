// Package config loads the YAML strategy files and resolves the three
// configuration layers (base strategy, named profile, per-scenario
// overrides) into the single RuntimeConfig a scenario runs with.
package config

import (
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/indicator"
)

// Mode selects how a scenario executes orders.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ParseMode validates a scenario mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePaper, ModeLive:
		return m, nil
	default:
		return "", core.NewConfigError("unknown scenario mode %q", s)
	}
}

// Protection plugin names the risk gate understands.
const (
	ProtectionCooldown       = "cooldown"
	ProtectionStoplossGuard  = "stoploss_guard"
	ProtectionMaxDrawdown    = "max_drawdown"
	ProtectionLowProfitPairs = "low_profit_pairs"
)

// Defaults applied by Resolve before validation.
const (
	DefaultRSIOversold      = 30.0
	DefaultRSIOverbought    = 70.0
	DefaultVolumeSurgeRatio = 1.5
	DefaultVolumeLowRatio   = 0.5

	DefaultMinOrderSize = 10.0
	DefaultMaxHeat      = 0.9

	DefaultCorrelationLookback  = 50
	DefaultCorrelationThreshold = 0.8

	DefaultKellyLookback = 20
	DefaultKellyMinRatio = 0.05
	DefaultKellyMaxRatio = 0.5
)

// File is one parsed YAML document before any layering is applied.
type File struct {
	Base      RuntimeConfig       `yaml:"base"`
	Profiles  map[string]*Overlay `yaml:"profiles"`
	Scenarios []Scenario          `yaml:"scenarios"`
}

// Scenario binds a resolved strategy config to an account and an execution
// mode. Scenario names key the account file, the trade store rows and every
// log line, so they must be unique within a file.
type Scenario struct {
	Name        string   `yaml:"name"`
	Mode        Mode     `yaml:"mode"`
	Profile     string   `yaml:"profile,omitempty"`
	InitialCash float64  `yaml:"initial_cash"`
	AccountFile string   `yaml:"account_file,omitempty"`
	Overrides   *Overlay `yaml:"overrides,omitempty"`
}

// RuntimeConfig is the fully resolved configuration a scenario trades with.
// Map keys and rule lists stay typed; raw strings appear only in the YAML
// and in log diagnostics.
type RuntimeConfig struct {
	Name           string          `yaml:"name"`
	Strategy       string          `yaml:"strategy,omitempty"`
	MarketType     core.MarketType `yaml:"market_type,omitempty"`
	Timeframe      string          `yaml:"timeframe"`
	TrendTimeframe string          `yaml:"trend_timeframe,omitempty"`
	Pairs          []string        `yaml:"pairs"`

	Indicators Indicators `yaml:"indicators"`
	Thresholds Thresholds `yaml:"thresholds"`

	Signals          map[core.SignalType][]core.RuleName                     `yaml:"signals"`
	RegimeStrategies map[core.RegimeLabel]map[core.SignalType][]core.RuleName `yaml:"regime_strategies,omitempty"`

	Risk        Risk         `yaml:"risk"`
	DCA         DCA          `yaml:"dca,omitempty"`
	Protections []Protection `yaml:"protections,omitempty"`
	Pairlist    Pairlist     `yaml:"pairlist,omitempty"`
}

// Indicators selects the periods the indicator pipeline computes with.
type Indicators struct {
	MAShort      int `yaml:"ma_short"`
	MALong       int `yaml:"ma_long"`
	RSIPeriod    int `yaml:"rsi_period"`
	MACDFast     int `yaml:"macd_fast,omitempty"`
	MACDSlow     int `yaml:"macd_slow,omitempty"`
	MACDSignal   int `yaml:"macd_signal,omitempty"`
	ATRPeriod    int `yaml:"atr_period,omitempty"`
	ADXPeriod    int `yaml:"adx_period,omitempty"`
	VolumeWindow int `yaml:"volume_window,omitempty"`
}

// Thresholds are the numeric levels the rule predicates compare against.
type Thresholds struct {
	RSIOversold      float64 `yaml:"rsi_oversold"`
	RSIOverbought    float64 `yaml:"rsi_overbought"`
	VolumeSurgeRatio float64 `yaml:"volume_surge_ratio"`
	VolumeLowRatio   float64 `yaml:"volume_low_ratio"`
}

// Risk is the admission and exit policy for one scenario.
type Risk struct {
	PositionRatio  float64 `yaml:"position_ratio"`
	AbsoluteAmount float64 `yaml:"absolute_amount,omitempty"`
	MinOrderSize   float64 `yaml:"min_order_size,omitempty"`

	FeeRate     float64 `yaml:"fee_rate"`
	SlippagePct float64 `yaml:"slippage_pct"`
	SpreadBps   float64 `yaml:"spread_bps"`

	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`

	// MaxPositions of zero means unlimited.
	MaxPositions    int     `yaml:"max_positions,omitempty"`
	SymbolCapRatio  float64 `yaml:"symbol_cap_ratio,omitempty"`
	DailyLossPct    float64 `yaml:"daily_loss_pct,omitempty"`
	MaxTotalLossPct float64 `yaml:"max_total_loss_pct,omitempty"`

	TimeStopHours float64 `yaml:"time_stop_hours,omitempty"`

	TrailingStop      TrailingStop `yaml:"trailing_stop,omitempty"`
	StagedTakeProfits []Stage      `yaml:"staged_take_profits,omitempty"`

	Kelly       Kelly       `yaml:"kelly,omitempty"`
	Correlation Correlation `yaml:"correlation,omitempty"`
	Sentiment   Sentiment   `yaml:"sentiment,omitempty"`
}

// TrailingStop enables the one-way trailing exit when both fields are
// positive.
type TrailingStop struct {
	ActivationPct float64 `yaml:"activation_pct"`
	CallbackPct   float64 `yaml:"callback_pct"`
}

// Enabled reports whether trailing exits should run.
func (t TrailingStop) Enabled() bool {
	return t.ActivationPct > 0 && t.CallbackPct > 0
}

// Stage is one staged take-profit level.
type Stage struct {
	AtPct      float64 `yaml:"at_pct"`
	CloseRatio float64 `yaml:"close_ratio"`
}

// Kelly sizes entries from recent trade outcomes when enabled.
type Kelly struct {
	Enabled  bool    `yaml:"enabled"`
	Lookback int     `yaml:"lookback,omitempty"`
	MinRatio float64 `yaml:"min_ratio,omitempty"`
	MaxRatio float64 `yaml:"max_ratio,omitempty"`
}

// Correlation configures the same-direction correlation filter and the
// portfolio heat cap.
type Correlation struct {
	Lookback  int     `yaml:"lookback,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	MaxHeat   float64 `yaml:"max_heat,omitempty"`
}

// Sentiment gates entries on an externally scored snapshot when enabled.
type Sentiment struct {
	Enabled  bool    `yaml:"enabled"`
	MinScore float64 `yaml:"min_score,omitempty"`
}

// DCA configures dollar-cost-averaging adds on adverse moves.
type DCA struct {
	Enabled          bool    `yaml:"enabled"`
	TotalTranches    int     `yaml:"total_tranches,omitempty"`
	DropPct          float64 `yaml:"drop_pct,omitempty"`
	AddUSDT          float64 `yaml:"add_usdt,omitempty"`
	MaxDurationHours float64 `yaml:"max_duration_hours,omitempty"`
}

// Protection is one plugin entry. Name picks the plugin; the remaining
// fields are read by the plugins that use them.
type Protection struct {
	Name            string  `yaml:"name"`
	LookbackCandles int     `yaml:"lookback_candles,omitempty"`
	TradeLimit      int     `yaml:"trade_limit,omitempty"`
	MaxDrawdown     float64 `yaml:"max_allowed_drawdown,omitempty"`
	RequiredProfit  float64 `yaml:"required_profit,omitempty"`
	OnlyPerPair     bool    `yaml:"only_per_pair,omitempty"`
}

// Pairlist adds exchange-derived pairs on top of the static list when
// Dynamic is set.
type Pairlist struct {
	Dynamic        bool     `yaml:"dynamic,omitempty"`
	Quote          string   `yaml:"quote,omitempty"`
	Top            int      `yaml:"top,omitempty"`
	MinQuoteVolume float64  `yaml:"min_quote_volume,omitempty"`
	Blacklist      []string `yaml:"blacklist,omitempty"`
}

// IndicatorParams converts the configured periods into pipeline parameters.
func (c *RuntimeConfig) IndicatorParams() indicator.Params {
	return indicator.Params{
		MAShort:    c.Indicators.MAShort,
		MALong:     c.Indicators.MALong,
		RSIPeriod:  c.Indicators.RSIPeriod,
		MACDFast:   c.Indicators.MACDFast,
		MACDSlow:   c.Indicators.MACDSlow,
		MACDSignal: c.Indicators.MACDSignal,
		ATRPeriod:  c.Indicators.ATRPeriod,
		ADXPeriod:  c.Indicators.ADXPeriod,
		VolWindow:  c.Indicators.VolumeWindow,
	}
}

// Clone returns a deep copy so a resolved config can be mutated per layer
// without aliasing the base.
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	out := *c

	out.Pairs = append([]string(nil), c.Pairs...)
	out.Risk.StagedTakeProfits = append([]Stage(nil), c.Risk.StagedTakeProfits...)
	out.Protections = append([]Protection(nil), c.Protections...)
	out.Pairlist.Blacklist = append([]string(nil), c.Pairlist.Blacklist...)

	out.Signals = cloneSignals(c.Signals)
	if c.RegimeStrategies != nil {
		out.RegimeStrategies = make(map[core.RegimeLabel]map[core.SignalType][]core.RuleName, len(c.RegimeStrategies))
		for label, signals := range c.RegimeStrategies {
			out.RegimeStrategies[label] = cloneSignals(signals)
		}
	}
	return &out
}

func cloneSignals(in map[core.SignalType][]core.RuleName) map[core.SignalType][]core.RuleName {
	if in == nil {
		return nil
	}
	out := make(map[core.SignalType][]core.RuleName, len(in))
	for t, rules := range in {
		out[t] = append([]core.RuleName(nil), rules...)
	}
	return out
}
