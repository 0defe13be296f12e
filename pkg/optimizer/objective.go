package optimizer

import (
	"math"

	"github.com/velabot/vela/pkg/backtest"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// ConstraintViolation is the score for parameter sets that break a hard
// constraint. The candle replay never runs for them.
const ConstraintViolation = -999.0

// Objective measures one parameter set. Higher is better.
type Objective func(params ParameterSet) float64

// Score reduces a finished replay to the scalar the optimizer maximizes.
type Score func(res *backtest.Result) float64

// ScoreSharpe ranks parameter sets by risk-adjusted return.
func ScoreSharpe(res *backtest.Result) float64 {
	return res.Metrics.Sharpe
}

// ScoreTotalReturn ranks parameter sets by raw return.
func ScoreTotalReturn(res *backtest.Result) float64 {
	return res.Metrics.TotalReturnPct
}

// BacktestObjective builds the standard objective: apply the set to a copy of
// the scenario config, refuse impossible combinations, replay the candles and
// score the result. A nil score ranks by Sharpe. Replay failures score as
// violations, so one broken set cannot abort a whole search.
func BacktestObjective(cfg *config.RuntimeConfig, in backtest.Input, score Score, log logger.Logger) Objective {
	if score == nil {
		score = ScoreSharpe
	}
	if log == nil {
		log = zerologger.Nop()
	}
	return func(params ParameterSet) float64 {
		applied, err := Apply(cfg, params)
		if err != nil {
			log.WithError(err).Errorf("parameter set rejected")
			return ConstraintViolation
		}
		if reason := CheckConstraints(applied); reason != "" {
			log.Debugf("constraint: %s (%s)", reason, FormatParams(params))
			return ConstraintViolation
		}

		runner, err := backtest.New(applied, backtest.Options{Log: log})
		if err != nil {
			log.WithError(err).Errorf("runner rejected %s", FormatParams(params))
			return ConstraintViolation
		}
		res, err := runner.Run(in)
		if err != nil {
			log.WithError(err).Errorf("replay failed for %s", FormatParams(params))
			return ConstraintViolation
		}
		return score(res)
	}
}

// Apply copies the set's values onto a clone of the config. Names follow the
// YAML keys of the tunable fields; unknown names are refused.
func Apply(cfg *config.RuntimeConfig, params ParameterSet) (*config.RuntimeConfig, error) {
	out := cfg.Clone()
	for name, v := range params {
		switch name {
		case "ma_short":
			out.Indicators.MAShort = asPeriod(v)
		case "ma_long":
			out.Indicators.MALong = asPeriod(v)
		case "rsi_period":
			out.Indicators.RSIPeriod = asPeriod(v)
		case "macd_fast":
			out.Indicators.MACDFast = asPeriod(v)
		case "macd_slow":
			out.Indicators.MACDSlow = asPeriod(v)
		case "macd_signal":
			out.Indicators.MACDSignal = asPeriod(v)
		case "atr_period":
			out.Indicators.ATRPeriod = asPeriod(v)
		case "adx_period":
			out.Indicators.ADXPeriod = asPeriod(v)
		case "volume_window":
			out.Indicators.VolumeWindow = asPeriod(v)
		case "rsi_oversold":
			out.Thresholds.RSIOversold = v
		case "rsi_overbought":
			out.Thresholds.RSIOverbought = v
		case "volume_surge_ratio":
			out.Thresholds.VolumeSurgeRatio = v
		case "volume_low_ratio":
			out.Thresholds.VolumeLowRatio = v
		case "position_ratio":
			out.Risk.PositionRatio = v
		case "stop_loss_pct":
			out.Risk.StopLossPct = v
		case "take_profit_pct":
			out.Risk.TakeProfitPct = v
		case "trailing_activation_pct":
			out.Risk.TrailingStop.ActivationPct = v
		case "trailing_callback_pct":
			out.Risk.TrailingStop.CallbackPct = v
		case "time_stop_hours":
			out.Risk.TimeStopHours = v
		case "dca_drop_pct":
			out.DCA.DropPct = v
		case "dca_add_usdt":
			out.DCA.AddUSDT = v
		default:
			return nil, core.NewConfigError("unknown tunable parameter %q", name)
		}
	}
	return out, nil
}

func asPeriod(v float64) int {
	return int(math.Round(v))
}

// CheckConstraints names the first ordering constraint the config breaks, or
// returns the empty string.
func CheckConstraints(cfg *config.RuntimeConfig) string {
	ind := cfg.Indicators
	if ind.MAShort >= ind.MALong {
		return "ma_short must stay below ma_long"
	}
	if ind.MACDFast > 0 && ind.MACDSlow > 0 && ind.MACDFast >= ind.MACDSlow {
		return "macd_fast must stay below macd_slow"
	}
	th := cfg.Thresholds
	if th.RSIOversold > 0 && th.RSIOverbought > 0 && th.RSIOversold >= th.RSIOverbought {
		return "rsi_oversold must stay below rsi_overbought"
	}
	return ""
}

// DefaultSpace covers the indicator periods and exit levels most scenarios
// tune. The optimize command falls back to it when no space is configured.
func DefaultSpace() []Parameter {
	return []Parameter{
		IntParam("ma_short", 5, 30),
		IntParam("ma_long", 20, 120),
		IntParam("rsi_period", 7, 28),
		FloatParam("rsi_oversold", 15, 40),
		FloatParam("rsi_overbought", 60, 85),
		FloatParam("stop_loss_pct", 1, 10),
		FloatParam("take_profit_pct", 2, 25),
	}
}
