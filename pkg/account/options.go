package account

import (
	"time"

	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

// OptionsFromConfig assembles the entry options a scenario's risk config
// implies. The DCA setup is attached only when the config enables it.
func OptionsFromConfig(cfg *config.RuntimeConfig) OpenOptions {
	r := cfg.Risk

	opts := OpenOptions{
		ExecOptions:   ExecOptionsFromConfig(cfg),
		PositionRatio: r.PositionRatio,
		AbsoluteUSDT:  r.AbsoluteAmount,
		MinOrderSize:  r.MinOrderSize,
		StopLossPct:   r.StopLossPct,
		TakeProfitPct: r.TakeProfitPct,
		Market:        cfg.MarketType,
	}

	for _, s := range r.StagedTakeProfits {
		opts.StagedTPs = append(opts.StagedTPs, core.TPStage{AtPct: s.AtPct, CloseRatio: s.CloseRatio})
	}

	if cfg.DCA.Enabled {
		opts.DCA = &DCASetup{
			TotalTranches: cfg.DCA.TotalTranches,
			DropPct:       cfg.DCA.DropPct,
			MaxDuration:   time.Duration(cfg.DCA.MaxDurationHours * float64(time.Hour)),
		}
	}
	return opts
}

// ExecOptionsFromConfig extracts the execution-cost knobs.
func ExecOptionsFromConfig(cfg *config.RuntimeConfig) ExecOptions {
	return ExecOptions{
		FeeRate:     cfg.Risk.FeeRate,
		SlippagePct: cfg.Risk.SlippagePct,
		SpreadBps:   cfg.Risk.SpreadBps,
	}
}

// ExitPolicyFromConfig assembles the per-tick exit policy.
func ExitPolicyFromConfig(cfg *config.RuntimeConfig) ExitPolicy {
	return ExitPolicy{
		ExecOptions:           ExecOptionsFromConfig(cfg),
		TrailingActivationPct: cfg.Risk.TrailingStop.ActivationPct,
		TrailingCallbackPct:   cfg.Risk.TrailingStop.CallbackPct,
		TimeStopHours:         cfg.Risk.TimeStopHours,
	}
}
