// Package executor runs one scenario against a live market. Candle closes
// from the exchange feed drive the same pipeline the backtester replays, a
// paper or live broker books the resulting trades, and the ledger is
// persisted after every mutation so a restart resumes exactly where the last
// bar left off.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/backtest"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/indicator"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
	"github.com/velabot/vela/pkg/regime"
	"github.com/velabot/vela/pkg/risk"
	"github.com/velabot/vela/pkg/signal"
)

// Status is the executor lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

const (
	// defaultTickInterval drives the safety pass between bars: exit checks
	// at the latest quotes, command polling, reconciliation and equity
	// sampling.
	defaultTickInterval = time.Minute

	// liveOrderSpacing separates per-symbol exchange calls within one pass
	// to stay inside request rate limits.
	liveOrderSpacing = 300 * time.Millisecond

	// reconcileEveryTicks spaces periodic reconciliations in live mode.
	reconcileEveryTicks = 15
)

// Options carry the scenario settings and collaborators for one executor.
// Client is required in live mode; everything else degrades gracefully when
// absent.
type Options struct {
	Mode        config.Mode
	InitialCash float64

	// AccountFile is the ledger's persistence path. Empty keeps the
	// account in memory only.
	AccountFile string

	Client   core.ExchangeClient
	Feeder   core.Feeder
	Store    core.TradeStore
	History  *signal.History
	Equity   *EquityLog
	Commands *CommandQueue
	Notifier core.Notifier

	// Hook is the strategy's signal transformer, run after rule synthesis.
	Hook func(*core.Signal)

	// Adjust manages held positions before the default DCA check.
	Adjust backtest.AdjustFunc

	Log logger.Logger
}

// histTrack accumulates a position's realized outcome across partial closes
// so its signal-history entry records the whole trade, not the last slice.
type histTrack struct {
	id       string
	basis    float64
	realized float64
}

// Executor drives one scenario. Bar processing and periodic ticks share one
// mutex, so the ledger only ever has a single writer and bar T is fully
// booked and persisted before T+1 is accepted.
type Executor struct {
	ctx    context.Context
	cfg    *config.RuntimeConfig
	mode   config.Mode
	opts   Options
	log    logger.Logger
	acct   *account.Account
	broker Broker
	gate   *risk.Gate
	rec    *recorder
	trades *TradeFeed

	params indicator.Params
	rp     regime.Params
	exec   account.ExecOptions
	warmup int

	runMu       sync.Mutex
	frames      map[string]*core.Dataframe
	trend       map[string]*core.Dataframe
	histIDs     map[string]*histTrack
	ticks       int
	saveFailing bool

	priceMu   sync.RWMutex
	lastPrice map[string]float64

	tickInterval time.Duration
	finish       chan bool
	status       Status
}

// New builds an executor for the resolved scenario configuration.
func New(ctx context.Context, cfg *config.RuntimeConfig, opts Options) (*Executor, error) {
	if opts.Mode != config.ModePaper && opts.Mode != config.ModeLive {
		return nil, core.NewConfigError("executor mode %q", opts.Mode)
	}
	if opts.Mode == config.ModeLive && opts.Client == nil {
		return nil, core.NewConfigError("%s: live mode needs an exchange client", cfg.Name)
	}
	if opts.InitialCash <= 0 {
		return nil, core.NewConfigError("%s: initial cash %v", cfg.Name, opts.InitialCash)
	}
	gate, err := risk.NewGate(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = zerologger.Nop()
	}

	now := time.Now().UTC()
	var acct *account.Account
	if opts.AccountFile != "" {
		acct, err = account.Load(opts.AccountFile, cfg.Name, opts.InitialCash, now)
		if err != nil {
			return nil, err
		}
	} else {
		acct = account.New(cfg.Name, opts.InitialCash, now)
	}

	r := cfg.Risk
	exec := account.ExecOptions{
		FeeRate:     r.FeeRate,
		SlippagePct: r.SlippagePct,
		SpreadBps:   r.SpreadBps,
	}
	policy := account.ExitPolicy{
		ExecOptions:           exec,
		TrailingActivationPct: r.TrailingStop.ActivationPct,
		TrailingCallbackPct:   r.TrailingStop.CallbackPct,
		TimeStopHours:         r.TimeStopHours,
	}

	var broker Broker
	if opts.Mode == config.ModeLive {
		broker = NewLiveBroker(opts.Client, acct, policy, opts.Log)
	} else {
		broker = NewPaperBroker(acct, exec, policy)
	}

	e := &Executor{
		ctx:    ctx,
		cfg:    cfg,
		mode:   opts.Mode,
		opts:   opts,
		log:    opts.Log,
		acct:   acct,
		broker: broker,
		gate:   gate,
		params: cfg.IndicatorParams(),
		rp: regime.Params{
			MALongPeriod: cfg.Indicators.MALong,
			ADXPeriod:    cfg.Indicators.ADXPeriod,
			VolWindow:    cfg.Indicators.VolumeWindow,
		},
		exec:         exec,
		warmup:       backtest.Warmup(cfg.Indicators),
		trades:       NewTradeFeed(),
		frames:       make(map[string]*core.Dataframe),
		trend:        make(map[string]*core.Dataframe),
		histIDs:      make(map[string]*histTrack),
		lastPrice:    make(map[string]float64),
		tickInterval: defaultTickInterval,
		finish:       make(chan bool),
		status:       StatusStopped,
	}
	if opts.Store != nil {
		e.rec = newRecorder(opts.Store, cfg.Name, e.log)
	}
	return e, nil
}

// Account exposes the scenario ledger for status reporting.
func (e *Executor) Account() *account.Account { return e.acct }

// Trades exposes the booked-trade feed so in-process consumers can subscribe.
func (e *Executor) Trades() *TradeFeed { return e.trades }

// Status returns the executor lifecycle state.
func (e *Executor) Status() Status { return e.status }

// Startup runs the pre-trading checks: exchange liveness in live mode,
// historical warmup, store and history recovery, and an initial
// reconciliation. A critical reconciliation refuses to start.
func (e *Executor) Startup() error {
	if e.mode == config.ModeLive {
		if err := e.opts.Client.Ping(e.ctx); err != nil {
			return fmt.Errorf("%w: %s ping: %v", core.ErrExchangeFatal, e.cfg.Name, err)
		}
		balance, err := e.opts.Client.USDTBalance(e.ctx)
		if err != nil {
			return fmt.Errorf("%w: %s balance: %v", core.ErrExchangeFatal, e.cfg.Name, err)
		}
		e.log.Infof("%s: exchange reachable, %.2f USDT free", e.cfg.Name, balance)
		if balance < e.acct.Cash() {
			e.log.Warnf("%s: exchange balance %.2f below ledger cash %.2f",
				e.cfg.Name, balance, e.acct.Cash())
		}
	}

	e.preload()
	e.restoreHistory()
	if e.rec != nil {
		e.rec.restore(e.acct, time.Now().UTC())
	}

	if e.mode == config.ModeLive {
		report, err := e.reconcile()
		if err != nil {
			return fmt.Errorf("%s startup reconciliation: %w", e.cfg.Name, err)
		}
		if report.Status == ReconcileCritical {
			return fmt.Errorf("%w: %s", core.ErrReconcileCritical, report)
		}
		e.log.Infof("%s: %s", e.cfg.Name, report)
	}

	e.runMu.Lock()
	e.persist()
	e.runMu.Unlock()
	return nil
}

// Start launches the periodic safety pass. Candle routing stays with the
// feed subscriptions; Start only owns the ticker.
func (e *Executor) Start() {
	if e.status != StatusRunning {
		e.status = StatusRunning
		e.trades.Start()
		go func() {
			ticker := time.NewTicker(e.tickInterval)
			for {
				select {
				case <-ticker.C:
					e.tick()
				case <-e.finish:
					ticker.Stop()
					return
				}
			}
		}()
		e.log.Infof("%s executor started in %s mode", e.cfg.Name, e.mode)
	}
}

// Stop runs one final pass and halts the ticker. Open positions stay open;
// the persisted ledger carries them into the next run.
func (e *Executor) Stop() {
	if e.status == StatusRunning {
		e.status = StatusStopped
		e.tick()
		e.finish <- true
		e.trades.Stop()
		e.log.Infof("%s executor stopped", e.cfg.Name)
	}
}

// setPrice stores the latest observed price for a symbol.
func (e *Executor) setPrice(symbol string, price float64) {
	e.priceMu.Lock()
	e.lastPrice[symbol] = price
	e.priceMu.Unlock()
}

// price returns the latest observed price for a symbol, if any.
func (e *Executor) price(symbol string) (float64, bool) {
	e.priceMu.RLock()
	p, ok := e.lastPrice[symbol]
	e.priceMu.RUnlock()
	return p, ok
}

// OnPriceTick records a mid-bar quote. Wired to the unfinished-candle feed
// so safety passes between bar closes see fresh prices.
func (e *Executor) OnPriceTick(c core.Candle) {
	e.setPrice(c.Pair, c.Close)
}

// OnCandle processes one finished bar through the decision pipeline.
func (e *Executor) OnCandle(c core.Candle) {
	e.setPrice(c.Pair, c.Close)
	if !c.Complete {
		return
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.processBar(c)
	e.persist()
}

// OnTrendCandle appends one finished higher-timeframe bar to the pair's
// trend frame.
func (e *Executor) OnTrendCandle(c core.Candle) {
	if !c.Complete {
		return
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if err := e.trendFrame(c.Pair).Append(c); err != nil {
		e.log.WithError(err).Debugf("%s trend bar dropped", c.Pair)
	}
}

// Preload seeds a pair's frame with historical bars without trading on them.
func (e *Executor) Preload(pair string, candles []core.Candle) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.appendAll(e.frame(pair), candles)
	if n := len(candles); n > 0 {
		e.setPrice(pair, candles[n-1].Close)
	}
}

// PreloadTrend seeds a pair's higher-timeframe frame.
func (e *Executor) PreloadTrend(pair string, candles []core.Candle) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.appendAll(e.trendFrame(pair), candles)
}

// preload fetches warmup history for every pair so signals evaluate from the
// first live bar. A failed fetch only delays that pair until enough live
// bars accumulate.
func (e *Executor) preload() {
	if e.opts.Feeder == nil {
		return
	}
	for _, pair := range e.cfg.Pairs {
		candles, err := e.opts.Feeder.CandlesByLimit(e.ctx, pair, e.cfg.Timeframe, e.warmup)
		if err != nil {
			e.log.WithError(err).Warnf("%s warmup preload", pair)
			continue
		}
		e.Preload(pair, candles)

		if e.cfg.TrendTimeframe == "" {
			continue
		}
		trend, err := e.opts.Feeder.CandlesByLimit(e.ctx, pair, e.cfg.TrendTimeframe, e.warmup)
		if err != nil {
			e.log.WithError(err).Warnf("%s trend preload", pair)
			continue
		}
		e.PreloadTrend(pair, trend)
	}
}

// tick is the periodic safety pass: operator commands, exit checks at the
// latest quotes, loss guard, reconciliation cadence and equity sampling.
func (e *Executor) tick() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	now := time.Now().UTC()
	e.pollCommands(now)

	for _, pos := range e.acct.OpenPositions() {
		price, ok := e.price(pos.Symbol)
		if !ok {
			continue
		}
		e.acct.SetMark(pos.Symbol, price)
		e.runExits(pos.Symbol, price, now)
		if e.mode == config.ModeLive {
			time.Sleep(liveOrderSpacing)
		}
	}
	if risk.EnforceMaxTotalLoss(e.acct, e.cfg.Risk.MaxTotalLossPct) {
		e.guardTripped()
	}

	if e.mode == config.ModeLive {
		e.ticks++
		if e.ticks%reconcileEveryTicks == 0 {
			if _, err := e.reconcile(); err != nil {
				e.log.WithError(err).Errorf("%s reconciliation", e.cfg.Name)
			}
		}
	}

	e.sampleEquity(now)
	e.persist()
	e.log.Debugf("%s heartbeat: equity %.2f, cash %.2f, positions %d",
		e.cfg.Name, e.acct.Equity(), e.acct.Cash(), len(e.acct.OpenPositions()))
}

// processBar runs one finished bar: exits and portfolio guards first, then
// position management, then signal evaluation once the pair is past warmup.
func (e *Executor) processBar(c core.Candle) {
	df := e.frame(c.Pair)
	if err := df.Append(c); err != nil {
		e.log.WithError(err).Warnf("%s bar at %s dropped", c.Pair, c.Time.Format(time.RFC3339))
		return
	}
	e.acct.SetMark(c.Pair, c.Close)

	e.runExits(c.Pair, c.Close, c.Time)
	if risk.EnforceMaxTotalLoss(e.acct, e.cfg.Risk.MaxTotalLossPct) {
		e.guardTripped()
	}

	if pos := e.acct.Position(c.Pair); pos != nil {
		e.managePosition(pos, df, c)
	}
	if df.Len() >= e.warmup {
		e.signalTick(df, c)
	}
}

func (e *Executor) runExits(symbol string, mark float64, at time.Time) {
	trades, err := e.broker.CheckExits(e.ctx, symbol, mark, at)
	if err != nil {
		e.tradeErr(err, "%s exit check", symbol)
		return
	}
	for i := range trades {
		e.record(&trades[i])
	}
}

// managePosition runs the strategy adjustment hook and, when it declines,
// the default DCA policy.
func (e *Executor) managePosition(pos *core.Position, df *core.Dataframe, c core.Candle) {
	if e.opts.Adjust != nil {
		if amount, ok := e.opts.Adjust(pos, df); ok && amount != 0 {
			var t *core.Trade
			var err error
			if amount > 0 {
				t, err = e.broker.DCAAdd(e.ctx, c.Pair, c.Close, amount, c.Time)
			} else {
				t, err = e.broker.Reduce(e.ctx, c.Pair, c.Close, -amount, "strategy adjustment", c.Time)
			}
			if err != nil {
				e.tradeErr(err, "%s position adjustment", c.Pair)
				return
			}
			e.record(t)
			return
		}
	}

	if e.cfg.DCA.Enabled && account.PaperDCATriggered(pos, c.Close, c.Time) {
		t, err := e.broker.DCAAdd(e.ctx, c.Pair, c.Close, e.cfg.DCA.AddUSDT, c.Time)
		if err != nil {
			e.tradeErr(err, "%s dca add", c.Pair)
			return
		}
		e.record(t)
	}
}

// signalTick evaluates the pipeline for one pair at one bar and routes the
// resulting signal through the broker.
func (e *Executor) signalTick(df *core.Dataframe, c core.Candle) {
	snap, err := indicator.Snapshot(df, e.params)
	if err != nil {
		e.log.WithError(err).Debugf("%s indicators not ready", c.Pair)
		return
	}

	sig := signal.Detect(signal.Input{
		Symbol:        c.Pair,
		Snapshot:      snap,
		Config:        e.cfg,
		Position:      e.acct.Position(c.Pair),
		Regime:        e.classify(df),
		TrendSnapshot: e.trendSnapshot(c.Pair),
		Hook:          e.opts.Hook,
	})

	switch {
	case sig.Type.IsEntry():
		e.enter(sig, c)
	case sig.Type.IsExit():
		t, err := e.broker.Close(e.ctx, c.Pair, c.Close, backtest.SignalReason(sig), core.ExitSignal, c.Time)
		if err != nil {
			e.tradeErr(err, "%s signal exit", c.Pair)
			return
		}
		e.record(t)
	default:
		if sig.Reason != "" {
			e.log.Debugf("%s: %s", c.Pair, sig.Reason)
		}
	}
}

// enter runs the admission gate, opens the sized position and registers the
// signal-history entry.
func (e *Executor) enter(sig core.Signal, c core.Candle) {
	side := core.SideLong
	if sig.Type == core.SignalShort {
		side = core.SideShort
	}

	dec, err := e.gate.Admit(risk.Input{
		Symbol:  c.Pair,
		Side:    side,
		At:      c.Time,
		Account: e.acct,
		Closes:  e.closeSeries(),
	})
	if err != nil {
		if skip, ok := core.AsSkip(err); ok {
			e.log.Debugf("%s entry skipped: %v", c.Pair, skip)
		} else {
			e.log.WithError(err).Errorf("%s admission", c.Pair)
			e.notifyError(err)
		}
		return
	}

	opts := backtest.EntryOptions(e.cfg, e.exec, dec)
	reason := backtest.SignalReason(sig)
	var t *core.Trade
	if side == core.SideShort {
		t, err = e.broker.OpenShort(e.ctx, c.Pair, c.Close, reason, c.Time, opts)
	} else {
		t, err = e.broker.OpenLong(e.ctx, c.Pair, c.Close, reason, c.Time, opts)
	}
	if err != nil {
		e.tradeErr(err, "%s open", c.Pair)
		return
	}
	e.record(t)
	e.openHistory(c.Pair, sig, t)
}

// openHistory appends the signal-history entry for a fresh position and
// links it to the ledger so the id survives restarts.
func (e *Executor) openHistory(symbol string, sig core.Signal, t *core.Trade) {
	if e.opts.History == nil {
		return
	}
	id, err := e.opts.History.Open(e.cfg.Name, sig)
	if err != nil {
		e.log.WithError(err).Errorf("%s signal history open", symbol)
		return
	}
	e.acct.SetHistoryID(symbol, id)
	e.histIDs[symbol] = &histTrack{id: id, basis: -t.CashImpact}
}

// restoreHistory reattaches loaded positions to their history entries and
// expires entries left open by positions that no longer exist.
func (e *Executor) restoreHistory() {
	if e.opts.History == nil {
		return
	}
	adopted := make(map[string]bool)
	for _, pos := range e.acct.OpenPositions() {
		if pos.HistoryID == "" {
			continue
		}
		basis := pos.EntryPrice * pos.Quantity
		if pos.Side == core.SideShort && pos.Margin > 0 {
			basis = pos.Margin
		}
		e.histIDs[pos.Symbol] = &histTrack{id: pos.HistoryID, basis: basis}
		adopted[pos.HistoryID] = true
	}

	entries, err := e.opts.History.Entries()
	if err != nil {
		e.log.WithError(err).Warnf("%s signal history recovery", e.cfg.Name)
		return
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.Scenario != e.cfg.Name || entry.Status != signal.StatusOpen || adopted[entry.ID] {
			continue
		}
		if err := e.opts.History.Expire(entry.ID, now); err != nil {
			e.log.WithError(err).Warnf("%s signal history expire", entry.Symbol)
		}
	}
}

// record routes one booked trade into the store, the signal history and the
// notifier.
func (e *Executor) record(t *core.Trade) {
	if t == nil {
		return
	}
	e.log.WithField("scenario", e.cfg.Name).Infof("%s %s %.8g at %.8g (%s)",
		t.Symbol, t.Side, t.Quantity, t.Price, t.Reason)

	if e.rec != nil {
		e.rec.onTrade(e.acct, *t)
	}

	track := e.histIDs[t.Symbol]
	switch {
	case t.IsClose():
		if track != nil && t.PnL != nil {
			track.realized += *t.PnL
		}
		if e.acct.Position(t.Symbol) == nil {
			e.closeHistory(t, track)
			delete(e.histIDs, t.Symbol)
		}
	case track != nil:
		// DCA add grows the committed basis.
		track.basis += -t.CashImpact
	}

	if e.opts.Notifier != nil {
		e.opts.Notifier.OnTrade(*t)
	}
	e.trades.Publish(*t)
}

func (e *Executor) closeHistory(t *core.Trade, track *histTrack) {
	if e.opts.History == nil || track == nil {
		return
	}
	fraction := 0.0
	if track.basis > 0 {
		fraction = track.realized / track.basis
	}
	if err := e.opts.History.Close(track.id, t.Price, t.At, t.ExitReason, track.realized, fraction); err != nil {
		e.log.WithError(err).Errorf("%s signal history close", t.Symbol)
	}
}

// pollCommands consumes the operator queue and answers every command.
func (e *Executor) pollCommands(now time.Time) {
	if e.opts.Commands == nil {
		return
	}
	cmds, err := e.opts.Commands.Poll()
	if err != nil {
		e.log.WithError(err).Errorf("%s command queue", e.cfg.Name)
		return
	}
	for _, cmd := range cmds {
		resp := e.handleCommand(cmd, now)
		e.log.Infof("%s command %s: %s %s", e.cfg.Name, cmd.Action, resp.Status, resp.Detail)
		if err := e.opts.Commands.Respond(resp); err != nil {
			e.log.WithError(err).Errorf("%s command response", e.cfg.Name)
		}
	}
}

func (e *Executor) handleCommand(cmd Command, now time.Time) Response {
	resp := Response{ID: cmd.ID, Action: cmd.Action, Status: "ok", At: now}
	switch cmd.Action {
	case ActionPause:
		e.acct.Pause()
		resp.Detail = "scenario paused"
	case ActionResume:
		e.acct.Resume()
		resp.Detail = "scenario resumed"
	case ActionStatus:
		resp.Detail = e.statusLine()
	case ActionClose:
		price, ok := e.price(cmd.Symbol)
		if !ok {
			resp.Status = "error"
			resp.Detail = fmt.Sprintf("no quote for %s yet", cmd.Symbol)
			break
		}
		t, err := e.broker.Close(e.ctx, cmd.Symbol, price, "operator close", core.ExitManual, now)
		if err != nil {
			resp.Status = "error"
			resp.Detail = err.Error()
			break
		}
		e.record(t)
		resp.Detail = fmt.Sprintf("closed %.8g %s at %.8g", t.Quantity, t.Symbol, t.Price)
	default:
		resp.Status = "error"
		resp.Detail = fmt.Sprintf("unknown action %q", cmd.Action)
	}
	return resp
}

func (e *Executor) statusLine() string {
	return fmt.Sprintf("%s %s: equity %.2f, cash %.2f, positions %d, paused %v",
		e.cfg.Name, e.mode, e.acct.Equity(), e.acct.Cash(), len(e.acct.OpenPositions()), e.acct.IsPaused())
}

// reconcile compares the ledger against the exchange. Critical drift pauses
// the scenario; the caller decides whether it is also fatal.
func (e *Executor) reconcile() (*ReconcileReport, error) {
	remote, err := e.opts.Client.OpenPositions(e.ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange positions: %w", err)
	}
	report := Reconcile(e.acct.OpenPositions(), remote, time.Now().UTC())
	for _, m := range report.Mismatches {
		if m.Severity == ReconcileCritical {
			e.log.Errorf("%s reconcile: %s", e.cfg.Name, m)
		} else {
			e.log.Warnf("%s reconcile: %s", e.cfg.Name, m)
		}
	}
	if report.Status == ReconcileCritical && !e.acct.IsPaused() {
		e.acct.Pause()
		e.notify(fmt.Sprintf("%s paused: %s", e.cfg.Name, report))
	}
	return report, nil
}

// sampleEquity writes the hourly equity line and mirrors it into the store.
func (e *Executor) sampleEquity(now time.Time) {
	if e.opts.Equity == nil {
		return
	}
	equity := e.acct.Equity()
	positions := len(e.acct.OpenPositions())
	wrote, err := e.opts.Equity.Sample(now, equity, positions)
	if err != nil {
		e.log.WithError(err).Errorf("%s equity history", e.cfg.Name)
		return
	}
	if wrote && e.rec != nil {
		e.rec.snapshot(now, equity, e.acct.Cash(), positions)
	}
}

// persist saves the ledger. The notifier hears about failures once per
// outage, the log about every one.
func (e *Executor) persist() {
	if e.opts.AccountFile == "" {
		return
	}
	if err := e.acct.Save(e.opts.AccountFile); err != nil {
		e.log.WithError(err).Errorf("%s account save", e.cfg.Name)
		if !e.saveFailing {
			e.saveFailing = true
			e.notifyError(fmt.Errorf("%s account save: %w", e.cfg.Name, err))
		}
		return
	}
	e.saveFailing = false
}

func (e *Executor) guardTripped() {
	e.log.Warnf("%s: max total loss %.4g%% reached, scenario paused",
		e.cfg.Name, e.cfg.Risk.MaxTotalLossPct)
	e.notify(fmt.Sprintf("%s paused: max total loss %.4g%% reached",
		e.cfg.Name, e.cfg.Risk.MaxTotalLossPct))
}

// tradeErr separates expected skips from real failures around broker calls.
func (e *Executor) tradeErr(err error, format string, args ...any) {
	if skip, ok := core.AsSkip(err); ok {
		e.log.Debugf(format+": %v", append(args, skip)...)
		return
	}
	e.log.WithError(err).Errorf(format, args...)
	e.notifyError(err)
}

func (e *Executor) notify(message string) {
	e.log.Info(message)
	if e.opts.Notifier != nil {
		e.opts.Notifier.Notify(message)
	}
}

func (e *Executor) notifyError(err error) {
	if e.opts.Notifier != nil {
		e.opts.Notifier.OnError(err)
	}
}

func (e *Executor) classify(df *core.Dataframe) core.Regime {
	tail := df.Sample(regime.DefaultTailBars)
	reg, err := regime.Classify(&tail, e.rp)
	if err != nil {
		return core.Regime{}
	}
	return reg
}

func (e *Executor) trendSnapshot(pair string) *core.IndicatorSnapshot {
	if e.cfg.TrendTimeframe == "" {
		return nil
	}
	tdf := e.trend[pair]
	if tdf == nil {
		return nil
	}
	snap, err := indicator.Snapshot(tdf, e.params)
	if err != nil {
		return nil
	}
	return snap
}

func (e *Executor) closeSeries() map[string][]float64 {
	out := make(map[string][]float64, len(e.frames))
	for pair, df := range e.frames {
		out[pair] = df.Close
	}
	return out
}

func (e *Executor) frame(pair string) *core.Dataframe {
	df := e.frames[pair]
	if df == nil {
		df = core.NewDataframe(pair)
		e.frames[pair] = df
	}
	return df
}

func (e *Executor) trendFrame(pair string) *core.Dataframe {
	df := e.trend[pair]
	if df == nil {
		df = core.NewDataframe(pair)
		e.trend[pair] = df
	}
	return df
}

func (e *Executor) appendAll(df *core.Dataframe, candles []core.Candle) {
	for _, c := range candles {
		if !c.Complete {
			continue
		}
		if err := df.Append(c); err != nil {
			e.log.WithError(err).Warnf("%s preload bar at %s", df.Pair, c.Time.Format(time.RFC3339))
			return
		}
	}
}
