package config

import (
	"fmt"
	"os"
	"strings"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/velabot/vela/pkg/core"
)

// Load reads and parses one strategy file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a strategy document. Unknown keys are tolerated so files can
// carry annotations for external tools; required keys are checked at Resolve.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.NewConfigError("yaml: %v", err)
	}

	seen := map[string]bool{}
	for _, sc := range f.Scenarios {
		if sc.Name == "" {
			return nil, core.NewConfigError("scenario without name")
		}
		if seen[sc.Name] {
			return nil, core.NewConfigError("duplicate scenario %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return &f, nil
}

// Resolve layers base → profile → scenario overrides for one scenario and
// validates the result. The profile's name never overrides the base name.
func (f *File) Resolve(scenarioName string) (*RuntimeConfig, *Scenario, error) {
	var sc *Scenario
	for i := range f.Scenarios {
		if f.Scenarios[i].Name == scenarioName {
			sc = &f.Scenarios[i]
			break
		}
	}
	if sc == nil {
		return nil, nil, core.NewConfigError("unknown scenario %q", scenarioName)
	}

	cfg := f.Base.Clone()

	if sc.Profile != "" {
		profile, ok := f.Profiles[sc.Profile]
		if !ok {
			return nil, nil, core.NewConfigError("scenario %q references unknown profile %q", sc.Name, sc.Profile)
		}
		profile.apply(cfg, false)
	}
	if sc.Overrides != nil {
		sc.Overrides.apply(cfg, true)
	}

	applyDefaults(cfg)
	if err := validate(cfg, sc); err != nil {
		return nil, nil, err
	}
	return cfg, sc, nil
}

// ResolveAll resolves every scenario in the file.
func (f *File) ResolveAll() ([]Runtime, error) {
	out := make([]Runtime, 0, len(f.Scenarios))
	for _, sc := range f.Scenarios {
		cfg, scenario, err := f.Resolve(sc.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, Runtime{Scenario: *scenario, Config: *cfg})
	}
	return out, nil
}

// Runtime pairs a scenario with its resolved strategy config.
type Runtime struct {
	Scenario Scenario
	Config   RuntimeConfig
}

// Overlay is one partial configuration layer. Nil fields leave the lower
// layer untouched. Top-level fields replace wholesale (a signals map in an
// overlay replaces the whole map); the risk block merges field by field so a
// layer can bump one knob without restating the rest.
type Overlay struct {
	Name           *string  `yaml:"name"`
	Strategy       *string  `yaml:"strategy"`
	MarketType     *string  `yaml:"market_type"`
	Timeframe      *string  `yaml:"timeframe"`
	TrendTimeframe *string  `yaml:"trend_timeframe"`
	Pairs          []string `yaml:"pairs"`

	Indicators *IndicatorsOverlay `yaml:"indicators"`
	Thresholds *ThresholdsOverlay `yaml:"thresholds"`

	Signals          map[core.SignalType][]core.RuleName                     `yaml:"signals"`
	RegimeStrategies map[core.RegimeLabel]map[core.SignalType][]core.RuleName `yaml:"regime_strategies"`

	Risk        *RiskOverlay `yaml:"risk"`
	DCA         *DCAOverlay  `yaml:"dca"`
	Protections []Protection `yaml:"protections"`
	Pairlist    *Pairlist    `yaml:"pairlist"`
}

// IndicatorsOverlay mirrors Indicators with optional fields.
type IndicatorsOverlay struct {
	MAShort      *int `yaml:"ma_short"`
	MALong       *int `yaml:"ma_long"`
	RSIPeriod    *int `yaml:"rsi_period"`
	MACDFast     *int `yaml:"macd_fast"`
	MACDSlow     *int `yaml:"macd_slow"`
	MACDSignal   *int `yaml:"macd_signal"`
	ATRPeriod    *int `yaml:"atr_period"`
	ADXPeriod    *int `yaml:"adx_period"`
	VolumeWindow *int `yaml:"volume_window"`
}

// ThresholdsOverlay mirrors Thresholds with optional fields.
type ThresholdsOverlay struct {
	RSIOversold      *float64 `yaml:"rsi_oversold"`
	RSIOverbought    *float64 `yaml:"rsi_overbought"`
	VolumeSurgeRatio *float64 `yaml:"volume_surge_ratio"`
	VolumeLowRatio   *float64 `yaml:"volume_low_ratio"`
}

// RiskOverlay mirrors Risk with optional fields, including the nested
// trailing-stop knobs.
type RiskOverlay struct {
	PositionRatio  *float64 `yaml:"position_ratio"`
	AbsoluteAmount *float64 `yaml:"absolute_amount"`
	MinOrderSize   *float64 `yaml:"min_order_size"`

	FeeRate     *float64 `yaml:"fee_rate"`
	SlippagePct *float64 `yaml:"slippage_pct"`
	SpreadBps   *float64 `yaml:"spread_bps"`

	StopLossPct   *float64 `yaml:"stop_loss_pct"`
	TakeProfitPct *float64 `yaml:"take_profit_pct"`

	MaxPositions    *int     `yaml:"max_positions"`
	SymbolCapRatio  *float64 `yaml:"symbol_cap_ratio"`
	DailyLossPct    *float64 `yaml:"daily_loss_pct"`
	MaxTotalLossPct *float64 `yaml:"max_total_loss_pct"`

	TimeStopHours *float64 `yaml:"time_stop_hours"`

	TrailingStop      *TrailingStopOverlay `yaml:"trailing_stop"`
	StagedTakeProfits []Stage              `yaml:"staged_take_profits"`

	Kelly       *KellyOverlay       `yaml:"kelly"`
	Correlation *CorrelationOverlay `yaml:"correlation"`
	Sentiment   *SentimentOverlay   `yaml:"sentiment"`
}

// TrailingStopOverlay mirrors TrailingStop with optional fields.
type TrailingStopOverlay struct {
	ActivationPct *float64 `yaml:"activation_pct"`
	CallbackPct   *float64 `yaml:"callback_pct"`
}

// KellyOverlay mirrors Kelly with optional fields.
type KellyOverlay struct {
	Enabled  *bool    `yaml:"enabled"`
	Lookback *int     `yaml:"lookback"`
	MinRatio *float64 `yaml:"min_ratio"`
	MaxRatio *float64 `yaml:"max_ratio"`
}

// CorrelationOverlay mirrors Correlation with optional fields.
type CorrelationOverlay struct {
	Lookback  *int     `yaml:"lookback"`
	Threshold *float64 `yaml:"threshold"`
	MaxHeat   *float64 `yaml:"max_heat"`
}

// SentimentOverlay mirrors Sentiment with optional fields.
type SentimentOverlay struct {
	Enabled  *bool    `yaml:"enabled"`
	MinScore *float64 `yaml:"min_score"`
}

// DCAOverlay mirrors DCA with optional fields.
type DCAOverlay struct {
	Enabled          *bool    `yaml:"enabled"`
	TotalTranches    *int     `yaml:"total_tranches"`
	DropPct          *float64 `yaml:"drop_pct"`
	AddUSDT          *float64 `yaml:"add_usdt"`
	MaxDurationHours *float64 `yaml:"max_duration_hours"`
}

func override[T any](dst, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (o *Overlay) apply(cfg *RuntimeConfig, allowName bool) {
	if allowName {
		override(&cfg.Name, o.Name)
	}
	override(&cfg.Strategy, o.Strategy)
	if o.MarketType != nil {
		cfg.MarketType = core.MarketType(*o.MarketType)
	}
	override(&cfg.Timeframe, o.Timeframe)
	override(&cfg.TrendTimeframe, o.TrendTimeframe)
	if o.Pairs != nil {
		cfg.Pairs = append([]string(nil), o.Pairs...)
	}
	if o.Indicators != nil {
		o.Indicators.apply(&cfg.Indicators)
	}
	if o.Thresholds != nil {
		o.Thresholds.apply(&cfg.Thresholds)
	}
	if o.Signals != nil {
		cfg.Signals = cloneSignals(o.Signals)
	}
	if o.RegimeStrategies != nil {
		cfg.RegimeStrategies = make(map[core.RegimeLabel]map[core.SignalType][]core.RuleName, len(o.RegimeStrategies))
		for label, signals := range o.RegimeStrategies {
			cfg.RegimeStrategies[label] = cloneSignals(signals)
		}
	}
	if o.Risk != nil {
		o.Risk.apply(&cfg.Risk)
	}
	if o.DCA != nil {
		o.DCA.apply(&cfg.DCA)
	}
	if o.Protections != nil {
		cfg.Protections = append([]Protection(nil), o.Protections...)
	}
	if o.Pairlist != nil {
		cfg.Pairlist = *o.Pairlist
		cfg.Pairlist.Blacklist = append([]string(nil), o.Pairlist.Blacklist...)
	}
}

func (o *IndicatorsOverlay) apply(dst *Indicators) {
	override(&dst.MAShort, o.MAShort)
	override(&dst.MALong, o.MALong)
	override(&dst.RSIPeriod, o.RSIPeriod)
	override(&dst.MACDFast, o.MACDFast)
	override(&dst.MACDSlow, o.MACDSlow)
	override(&dst.MACDSignal, o.MACDSignal)
	override(&dst.ATRPeriod, o.ATRPeriod)
	override(&dst.ADXPeriod, o.ADXPeriod)
	override(&dst.VolumeWindow, o.VolumeWindow)
}

func (o *ThresholdsOverlay) apply(dst *Thresholds) {
	override(&dst.RSIOversold, o.RSIOversold)
	override(&dst.RSIOverbought, o.RSIOverbought)
	override(&dst.VolumeSurgeRatio, o.VolumeSurgeRatio)
	override(&dst.VolumeLowRatio, o.VolumeLowRatio)
}

func (o *RiskOverlay) apply(dst *Risk) {
	override(&dst.PositionRatio, o.PositionRatio)
	override(&dst.AbsoluteAmount, o.AbsoluteAmount)
	override(&dst.MinOrderSize, o.MinOrderSize)
	override(&dst.FeeRate, o.FeeRate)
	override(&dst.SlippagePct, o.SlippagePct)
	override(&dst.SpreadBps, o.SpreadBps)
	override(&dst.StopLossPct, o.StopLossPct)
	override(&dst.TakeProfitPct, o.TakeProfitPct)
	override(&dst.MaxPositions, o.MaxPositions)
	override(&dst.SymbolCapRatio, o.SymbolCapRatio)
	override(&dst.DailyLossPct, o.DailyLossPct)
	override(&dst.MaxTotalLossPct, o.MaxTotalLossPct)
	override(&dst.TimeStopHours, o.TimeStopHours)
	if o.TrailingStop != nil {
		override(&dst.TrailingStop.ActivationPct, o.TrailingStop.ActivationPct)
		override(&dst.TrailingStop.CallbackPct, o.TrailingStop.CallbackPct)
	}
	if o.StagedTakeProfits != nil {
		dst.StagedTakeProfits = append([]Stage(nil), o.StagedTakeProfits...)
	}
	if o.Kelly != nil {
		override(&dst.Kelly.Enabled, o.Kelly.Enabled)
		override(&dst.Kelly.Lookback, o.Kelly.Lookback)
		override(&dst.Kelly.MinRatio, o.Kelly.MinRatio)
		override(&dst.Kelly.MaxRatio, o.Kelly.MaxRatio)
	}
	if o.Correlation != nil {
		override(&dst.Correlation.Lookback, o.Correlation.Lookback)
		override(&dst.Correlation.Threshold, o.Correlation.Threshold)
		override(&dst.Correlation.MaxHeat, o.Correlation.MaxHeat)
	}
	if o.Sentiment != nil {
		override(&dst.Sentiment.Enabled, o.Sentiment.Enabled)
		override(&dst.Sentiment.MinScore, o.Sentiment.MinScore)
	}
}

func (o *DCAOverlay) apply(dst *DCA) {
	override(&dst.Enabled, o.Enabled)
	override(&dst.TotalTranches, o.TotalTranches)
	override(&dst.DropPct, o.DropPct)
	override(&dst.AddUSDT, o.AddUSDT)
	override(&dst.MaxDurationHours, o.MaxDurationHours)
}

func applyDefaults(cfg *RuntimeConfig) {
	if cfg.MarketType == "" {
		cfg.MarketType = core.MarketSpot
	}
	th := &cfg.Thresholds
	if th.RSIOversold == 0 {
		th.RSIOversold = DefaultRSIOversold
	}
	if th.RSIOverbought == 0 {
		th.RSIOverbought = DefaultRSIOverbought
	}
	if th.VolumeSurgeRatio == 0 {
		th.VolumeSurgeRatio = DefaultVolumeSurgeRatio
	}
	if th.VolumeLowRatio == 0 {
		th.VolumeLowRatio = DefaultVolumeLowRatio
	}

	r := &cfg.Risk
	if r.MinOrderSize == 0 {
		r.MinOrderSize = DefaultMinOrderSize
	}
	if r.Correlation.Lookback == 0 {
		r.Correlation.Lookback = DefaultCorrelationLookback
	}
	if r.Correlation.Threshold == 0 {
		r.Correlation.Threshold = DefaultCorrelationThreshold
	}
	if r.Correlation.MaxHeat == 0 {
		r.Correlation.MaxHeat = DefaultMaxHeat
	}
	if r.Kelly.Lookback == 0 {
		r.Kelly.Lookback = DefaultKellyLookback
	}
	if r.Kelly.MinRatio == 0 {
		r.Kelly.MinRatio = DefaultKellyMinRatio
	}
	if r.Kelly.MaxRatio == 0 {
		r.Kelly.MaxRatio = DefaultKellyMaxRatio
	}
}

func validate(cfg *RuntimeConfig, sc *Scenario) error {
	if cfg.Name == "" {
		return core.NewConfigError("scenario %q: base name is required", sc.Name)
	}
	if cfg.Timeframe == "" {
		return core.NewConfigError("scenario %q: timeframe is required", sc.Name)
	}
	if _, err := str2duration.ParseDuration(cfg.Timeframe); err != nil {
		return core.NewConfigError("scenario %q: timeframe %q: %v", sc.Name, cfg.Timeframe, err)
	}
	if cfg.TrendTimeframe != "" {
		if _, err := str2duration.ParseDuration(cfg.TrendTimeframe); err != nil {
			return core.NewConfigError("scenario %q: trend_timeframe %q: %v", sc.Name, cfg.TrendTimeframe, err)
		}
	}
	if len(cfg.Pairs) == 0 && !cfg.Pairlist.Dynamic {
		return core.NewConfigError("scenario %q: pairs are required", sc.Name)
	}
	if _, err := core.ParseMarketType(string(cfg.MarketType)); err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	ind := cfg.Indicators
	if ind.MAShort <= 0 || ind.MALong <= 0 || ind.RSIPeriod <= 0 {
		return core.NewConfigError("scenario %q: ma_short, ma_long and rsi_period are required", sc.Name)
	}
	if ind.MAShort >= ind.MALong {
		return core.NewConfigError("scenario %q: ma_short %d must be below ma_long %d", sc.Name, ind.MAShort, ind.MALong)
	}
	if n := ind.MACDFast + ind.MACDSlow + ind.MACDSignal; n > 0 {
		if ind.MACDFast <= 0 || ind.MACDSlow <= 0 || ind.MACDSignal <= 0 || ind.MACDFast >= ind.MACDSlow {
			return core.NewConfigError("scenario %q: macd periods need 0 < fast < slow and a signal period", sc.Name)
		}
	}

	th := cfg.Thresholds
	if th.RSIOversold >= th.RSIOverbought || th.RSIOversold <= 0 || th.RSIOverbought >= 100 {
		return core.NewConfigError("scenario %q: rsi thresholds need 0 < oversold < overbought < 100", sc.Name)
	}

	if len(cfg.Signals) == 0 {
		return core.NewConfigError("scenario %q: signals map is required", sc.Name)
	}
	if err := validateSignals(cfg.Signals); err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	for label, signals := range cfg.RegimeStrategies {
		if _, err := core.ParseRegimeLabel(string(label)); err != nil {
			return fmt.Errorf("scenario %q: regime_strategies: %w", sc.Name, err)
		}
		if err := validateSignals(signals); err != nil {
			return fmt.Errorf("scenario %q: regime_strategies[%s]: %w", sc.Name, label, err)
		}
	}

	r := cfg.Risk
	if r.PositionRatio <= 0 || r.PositionRatio > 1 {
		return core.NewConfigError("scenario %q: risk.position_ratio must be in (0, 1]", sc.Name)
	}
	if r.FeeRate < 0 || r.SlippagePct < 0 || r.SpreadBps < 0 {
		return core.NewConfigError("scenario %q: fees, slippage and spread cannot be negative", sc.Name)
	}
	for _, stage := range r.StagedTakeProfits {
		if stage.AtPct <= 0 || stage.CloseRatio <= 0 || stage.CloseRatio > 1 {
			return core.NewConfigError("scenario %q: staged take-profit {%v, %v} invalid", sc.Name, stage.AtPct, stage.CloseRatio)
		}
	}

	for _, p := range cfg.Protections {
		switch p.Name {
		case ProtectionCooldown, ProtectionStoplossGuard, ProtectionMaxDrawdown, ProtectionLowProfitPairs:
		default:
			return core.NewConfigError("scenario %q: unknown protection %q", sc.Name, p.Name)
		}
		if p.LookbackCandles <= 0 {
			return core.NewConfigError("scenario %q: protection %s needs lookback_candles", sc.Name, p.Name)
		}
		if p.Name != ProtectionCooldown && p.TradeLimit <= 0 {
			return core.NewConfigError("scenario %q: protection %s needs trade_limit", sc.Name, p.Name)
		}
	}

	if _, err := ParseMode(string(sc.Mode)); err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	if sc.InitialCash <= 0 {
		return core.NewConfigError("scenario %q: initial_cash must be positive", sc.Name)
	}
	return nil
}

func validateSignals(signals map[core.SignalType][]core.RuleName) error {
	for t, rules := range signals {
		if _, err := core.ParseSignalType(string(t)); err != nil {
			return err
		}
		if len(rules) == 0 {
			return core.NewConfigError("signal %s lists no rules", t)
		}
		for _, r := range rules {
			if _, err := core.ParseRuleName(string(r)); err != nil {
				return fmt.Errorf("signal %s: %w", t, err)
			}
		}
	}
	return nil
}

// Env variable names recognized on top of the YAML file. The .env file is
// loaded by the command layer before these are read.
const (
	EnvCredentialsFile = "VELA_CREDENTIALS_FILE"
	EnvTelegramToken   = "VELA_TELEGRAM_TOKEN"
	EnvTelegramChatID  = "VELA_TELEGRAM_CHAT_ID"
	EnvNotifyBin       = "VELA_NOTIFY_BIN"
)

// Env is the recognized process environment.
type Env struct {
	CredentialsFile string
	TelegramToken   string
	TelegramChatID  string
	NotifyBin       string
}

// ReadEnv snapshots the recognized environment variables.
func ReadEnv() Env {
	return Env{
		CredentialsFile: strings.TrimSpace(os.Getenv(EnvCredentialsFile)),
		TelegramToken:   strings.TrimSpace(os.Getenv(EnvTelegramToken)),
		TelegramChatID:  strings.TrimSpace(os.Getenv(EnvTelegramChatID)),
		NotifyBin:       strings.TrimSpace(os.Getenv(EnvNotifyBin)),
	}
}

// Credentials are exchange API keys, kept outside the strategy YAML.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// LoadCredentials reads a credentials YAML file. Both keys must be present.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read credentials %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, core.NewConfigError("credentials %s: %v", path, err)
	}
	if c.APIKey == "" || c.APISecret == "" {
		return c, core.NewConfigError("credentials %s: api_key and api_secret are required", path)
	}
	return c, nil
}
