// Package backtest replays historical candles through the full decision
// pipeline: indicators, regime, signal rules, risk gate, paper ledger. Every
// run starts from a fresh in-memory account, so results depend only on the
// candles and the configuration.
package backtest

import (
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/indicator"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
	"github.com/velabot/vela/pkg/regime"
	"github.com/velabot/vela/pkg/risk"
	"github.com/velabot/vela/pkg/signal"
)

// WarmupSlack is added on top of the longest indicator period before the
// runner starts evaluating signals.
const WarmupSlack = 10

// AdjustFunc is the strategy position-adjustment hook. A positive amount adds
// that much quote notional to the position, a negative amount reduces it, and
// (0, false) falls through to the default DCA policy.
type AdjustFunc func(pos *core.Position, df *core.Dataframe) (float64, bool)

// Options carry the per-run knobs that are not part of the scenario config.
type Options struct {
	// Hook is the strategy's signal transformer, run after rule synthesis.
	Hook func(*core.Signal)

	// Adjust manages held positions before the default DCA check.
	Adjust AdjustFunc

	Log      logger.Logger
	Progress bool
}

// Input is the data one run consumes: candles per pair, plus optional
// higher-timeframe candles when the config sets a trend filter. Entries stay
// suppressed until the higher-timeframe window warms up.
type Input struct {
	InitialCash float64
	Candles     map[string][]core.Candle
	Trend       map[string][]core.Candle
}

// Runner drives one scenario configuration over historical data.
type Runner struct {
	cfg    *config.RuntimeConfig
	gate   *risk.Gate
	log    logger.Logger
	opts   Options
	params indicator.Params
	rp     regime.Params
	exec   account.ExecOptions
	policy account.ExitPolicy
	warmup int
}

// New builds a runner for the resolved configuration.
func New(cfg *config.RuntimeConfig, opts Options) (*Runner, error) {
	gate, err := risk.NewGate(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = zerologger.Nop()
	}

	r := cfg.Risk
	exec := account.ExecOptions{
		FeeRate:     r.FeeRate,
		SlippagePct: r.SlippagePct,
		SpreadBps:   r.SpreadBps,
	}
	return &Runner{
		cfg:    cfg,
		gate:   gate,
		log:    opts.Log,
		opts:   opts,
		params: cfg.IndicatorParams(),
		rp: regime.Params{
			MALongPeriod: cfg.Indicators.MALong,
			ADXPeriod:    cfg.Indicators.ADXPeriod,
			VolWindow:    cfg.Indicators.VolumeWindow,
		},
		exec: exec,
		policy: account.ExitPolicy{
			ExecOptions:           exec,
			TrailingActivationPct: r.TrailingStop.ActivationPct,
			TrailingCallbackPct:   r.TrailingStop.CallbackPct,
			TimeStopHours:         r.TimeStopHours,
		},
		warmup: Warmup(cfg.Indicators),
	}, nil
}

// Warmup is the bar count consumed before the first signal evaluation: the
// longest configured indicator period plus slack for the smoothed components
// to converge.
func Warmup(ind config.Indicators) int {
	w := ind.MALong
	if ind.RSIPeriod > w {
		w = ind.RSIPeriod
	}
	if n := ind.MACDSlow + ind.MACDSignal; n > w {
		w = n
	}
	return w + WarmupSlack
}

// runState is the mutable world of one run.
type runState struct {
	acct    *account.Account
	frames  map[string]*core.Dataframe
	trend   map[string]*core.Dataframe
	pending map[string][]core.Candle
	holds   []time.Duration
	equity  []EquityPoint
}

// Run replays the candles chronologically and returns the populated result.
// Candles for different pairs are merged by open time the way the live feed
// would interleave them.
func (r *Runner) Run(in Input) (*Result, error) {
	if in.InitialCash <= 0 {
		return nil, core.NewConfigError("backtest needs positive initial cash, got %v", in.InitialCash)
	}
	total := 0
	for _, cs := range in.Candles {
		total += len(cs)
	}
	if total == 0 {
		return nil, core.NewConfigError("backtest needs candles for %s", r.cfg.Name)
	}

	items := make([]core.Item, 0, total)
	for _, cs := range in.Candles {
		for _, c := range cs {
			items = append(items, c)
		}
	}
	queue := core.NewPriorityQueue(items)

	first := queue.Peek().(core.Candle)
	st := &runState{
		acct:    account.New(r.cfg.Name, in.InitialCash, first.Time),
		frames:  make(map[string]*core.Dataframe, len(in.Candles)),
		pending: make(map[string][]core.Candle, len(in.Trend)),
		trend:   make(map[string]*core.Dataframe, len(in.Trend)),
	}
	for pair, cs := range in.Trend {
		st.pending[pair] = cs
	}

	var bar *progressbar.ProgressBar
	if r.opts.Progress {
		bar = progressbar.Default(int64(total))
	}

	var last core.Candle
	for queue.Len() > 0 {
		c := queue.Pop().(core.Candle)
		if err := r.step(st, c); err != nil {
			return nil, err
		}
		last = c

		if bar != nil {
			if err := bar.Add(1); err != nil {
				r.log.Warnf("progress bar: %v", err)
			}
		}
	}

	r.forceClose(st, last.Time)
	st.equity = append(st.equity, EquityPoint{At: last.Time, Equity: st.acct.Equity()})

	return buildResult(r.cfg.Name, in.InitialCash, first.Time, last.Time, total, st), nil
}

// step processes one candle: exits and portfolio guards first, then position
// management, then signal evaluation once the pair is past warmup.
func (r *Runner) step(st *runState, c core.Candle) error {
	df := st.frames[c.Pair]
	if df == nil {
		df = core.NewDataframe(c.Pair)
		st.frames[c.Pair] = df
	}
	if err := df.Append(c); err != nil {
		return err
	}
	if err := r.absorbTrend(st, c.Pair, c.Time); err != nil {
		return err
	}
	st.acct.SetMark(c.Pair, c.Close)

	heldBefore := st.acct.Position(c.Pair)
	var entryTime time.Time
	if heldBefore != nil {
		entryTime = heldBefore.EntryTime
	}

	if _, err := st.acct.CheckExits(c.Pair, c.Close, c.Time, r.policy); err != nil {
		r.log.WithError(err).Debugf("%s exit check", c.Pair)
	}
	if risk.EnforceMaxTotalLoss(st.acct, r.cfg.Risk.MaxTotalLossPct) {
		r.log.Warnf("%s: max total loss %.4g%% reached, scenario paused",
			r.cfg.Name, r.cfg.Risk.MaxTotalLossPct)
	}

	if pos := st.acct.Position(c.Pair); pos != nil {
		r.managePosition(st, pos, df, c)
	}
	if df.Len() >= r.warmup {
		r.signalTick(st, df, c)
	}

	if heldBefore != nil && st.acct.Position(c.Pair) == nil {
		st.holds = append(st.holds, c.Time.Sub(entryTime))
	}
	st.equity = append(st.equity, EquityPoint{At: c.Time, Equity: st.acct.Equity()})
	return nil
}

// absorbTrend moves higher-timeframe candles whose bar has fully closed into
// the pair's trend frame, so the filter never reads an unfinished bar.
func (r *Runner) absorbTrend(st *runState, pair string, now time.Time) error {
	queued := st.pending[pair]
	for len(queued) > 0 && closedBy(queued[0], now) {
		tdf := st.trend[pair]
		if tdf == nil {
			tdf = core.NewDataframe(pair)
			st.trend[pair] = tdf
		}
		if err := tdf.Append(queued[0]); err != nil {
			return err
		}
		queued = queued[1:]
	}
	st.pending[pair] = queued
	return nil
}

func closedBy(c core.Candle, now time.Time) bool {
	if !c.CloseTime.IsZero() {
		return !c.CloseTime.After(now)
	}
	return !c.Time.After(now)
}

// managePosition runs the strategy adjustment hook and, when it declines, the
// default paper DCA policy.
func (r *Runner) managePosition(st *runState, pos *core.Position, df *core.Dataframe, c core.Candle) {
	if r.opts.Adjust != nil {
		if amount, ok := r.opts.Adjust(pos, df); ok && amount != 0 {
			var err error
			if amount > 0 {
				_, err = st.acct.DCAAdd(c.Pair, c.Close, amount, c.Time, r.exec)
			} else {
				_, err = st.acct.Reduce(c.Pair, c.Close, -amount, "strategy adjustment", c.Time, r.exec)
			}
			if err != nil {
				r.log.WithError(err).Debugf("%s position adjustment", c.Pair)
			}
			return
		}
	}

	if r.cfg.DCA.Enabled && account.PaperDCATriggered(pos, c.Close, c.Time) {
		if _, err := st.acct.DCAAdd(c.Pair, c.Close, r.cfg.DCA.AddUSDT, c.Time, r.exec); err != nil {
			r.log.WithError(err).Debugf("%s dca add", c.Pair)
		}
	}
}

// signalTick evaluates the pipeline for one pair at one bar and routes the
// resulting signal into the ledger.
func (r *Runner) signalTick(st *runState, df *core.Dataframe, c core.Candle) {
	snap, err := indicator.Snapshot(df, r.params)
	if err != nil {
		r.log.WithError(err).Debugf("%s indicators not ready", c.Pair)
		return
	}

	sig := signal.Detect(signal.Input{
		Symbol:        c.Pair,
		Snapshot:      snap,
		Config:        r.cfg,
		Position:      st.acct.Position(c.Pair),
		Regime:        r.classify(df),
		TrendSnapshot: r.trendSnapshot(st, c.Pair),
		Hook:          r.opts.Hook,
	})

	switch {
	case sig.Type.IsEntry():
		r.enter(st, sig, c)
	case sig.Type.IsExit():
		if _, err := st.acct.Close(c.Pair, c.Close, SignalReason(sig), core.ExitSignal, c.Time, r.exec); err != nil {
			r.log.WithError(err).Debugf("%s signal exit", c.Pair)
		}
	default:
		if sig.Reason != "" {
			r.log.Debugf("%s: %s", c.Pair, sig.Reason)
		}
	}
}

func (r *Runner) classify(df *core.Dataframe) core.Regime {
	tail := df.Sample(regime.DefaultTailBars)
	reg, err := regime.Classify(&tail, r.rp)
	if err != nil {
		// Not enough history to label the market; the detector falls back
		// to the unfiltered rule sets.
		return core.Regime{}
	}
	return reg
}

func (r *Runner) trendSnapshot(st *runState, pair string) *core.IndicatorSnapshot {
	if r.cfg.TrendTimeframe == "" {
		return nil
	}
	tdf := st.trend[pair]
	if tdf == nil {
		return nil
	}
	snap, err := indicator.Snapshot(tdf, r.params)
	if err != nil {
		return nil
	}
	return snap
}

// enter runs the admission gate and opens the position it sizes.
func (r *Runner) enter(st *runState, sig core.Signal, c core.Candle) {
	side := core.SideLong
	if sig.Type == core.SignalShort {
		side = core.SideShort
	}

	dec, err := r.gate.Admit(risk.Input{
		Symbol:  c.Pair,
		Side:    side,
		At:      c.Time,
		Account: st.acct,
		Closes:  st.closeSeries(),
	})
	if err != nil {
		if skip, ok := core.AsSkip(err); ok {
			r.log.Debugf("%s entry skipped: %v", c.Pair, skip)
		} else {
			r.log.WithError(err).Errorf("%s admission", c.Pair)
		}
		return
	}

	opts := EntryOptions(r.cfg, r.exec, dec)
	reason := SignalReason(sig)
	if side == core.SideShort {
		_, err = st.acct.OpenShort(c.Pair, c.Close, reason, c.Time, opts)
	} else {
		_, err = st.acct.OpenLong(c.Pair, c.Close, reason, c.Time, opts)
	}
	if err != nil {
		r.log.WithError(err).Debugf("%s open", c.Pair)
	}
}

// EntryOptions translates a risk decision into ledger options. Kelly sizing
// works in ratios, so an applied Kelly overrides a configured absolute
// amount; otherwise the absolute amount is scaled by the remaining heat
// headroom just like the ratio would be. The live executor sizes entries
// through the same translation, so paper and live fills start from identical
// orders.
func EntryOptions(cfg *config.RuntimeConfig, exec account.ExecOptions, dec risk.Decision) account.OpenOptions {
	rc := cfg.Risk
	opts := account.OpenOptions{
		ExecOptions:   exec,
		PositionRatio: dec.PositionRatio,
		MinOrderSize:  rc.MinOrderSize,
		StopLossPct:   rc.StopLossPct,
		TakeProfitPct: rc.TakeProfitPct,
		Market:        cfg.MarketType,
	}
	if rc.AbsoluteAmount > 0 && !dec.KellyApplied {
		opts.AbsoluteUSDT = rc.AbsoluteAmount * (1 - dec.Heat)
	}
	for _, s := range rc.StagedTakeProfits {
		opts.StagedTPs = append(opts.StagedTPs, core.TPStage{AtPct: s.AtPct, CloseRatio: s.CloseRatio})
	}
	if cfg.DCA.Enabled {
		opts.DCA = &account.DCASetup{
			TotalTranches: cfg.DCA.TotalTranches,
			DropPct:       cfg.DCA.DropPct,
			MaxDuration:   time.Duration(cfg.DCA.MaxDurationHours * float64(time.Hour)),
		}
	}
	return opts
}

// forceClose liquidates whatever is still open at the last quoted mark, so a
// result never carries paper exposure past the data.
func (r *Runner) forceClose(st *runState, at time.Time) {
	for _, pos := range st.acct.OpenPositions() {
		mark, ok := st.acct.Mark(pos.Symbol)
		if !ok {
			continue
		}
		if _, err := st.acct.Close(pos.Symbol, mark, "end of data", core.ExitEndOfData, at, r.exec); err != nil {
			r.log.WithError(err).Warnf("%s end-of-data close", pos.Symbol)
		} else {
			st.holds = append(st.holds, at.Sub(pos.EntryTime))
		}
	}
}

func (st *runState) closeSeries() map[string][]float64 {
	out := make(map[string][]float64, len(st.frames))
	for pair, df := range st.frames {
		out[pair] = df.Close
	}
	return out
}

// SignalReason renders a signal's provenance as the ledger trade reason, for
// example "buy [ma_bullish+rsi_oversold] in trending-bull".
func SignalReason(sig core.Signal) string {
	parts := make([]string, len(sig.Rules))
	for i, rule := range sig.Rules {
		parts[i] = string(rule)
	}
	if sig.Regime.Label != "" {
		return string(sig.Type) + " [" + strings.Join(parts, "+") + "] in " + string(sig.Regime.Label)
	}
	return string(sig.Type) + " [" + strings.Join(parts, "+") + "]"
}
