// Package vela assembles the trading engine: it resolves the layered
// scenario configuration, binds strategies from the registry, builds one
// executor per scenario, fans candle feeds out to them, and owns startup,
// the run loop and graceful shutdown.
package vela

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/velabot/vela/pkg/backtest"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/exchange"
	"github.com/velabot/vela/pkg/executor"
	"github.com/velabot/vela/pkg/logger"
	"github.com/velabot/vela/pkg/monitoring"
	"github.com/velabot/vela/pkg/signal"
	"github.com/velabot/vela/pkg/storage"
	"github.com/velabot/vela/pkg/strategy"
)

// DefaultLog is the process-wide logger, configured from the environment in
// init. WithLogger replaces it per bot.
var DefaultLog logger.Logger

const (
	defaultDatabase = "vela.db"

	// shutdownTimeout bounds the monitoring server drain once every
	// executor has run its final pass.
	shutdownTimeout = 10 * time.Second
)

// Bot wires scenarios, candle feeds, storage, notifiers and monitoring
// together. Each scenario trades through its own executor and ledger; the
// bot owns everything they share.
type Bot struct {
	feeder   core.Feeder
	runtimes []config.Runtime

	feed      *exchange.DataFeedSubscription
	executors map[string]*executor.Executor

	store      core.TradeStore
	ownsStore  bool
	client     core.ExchangeClient
	registry   *strategy.Registry
	notifiers  []core.Notifier
	candleSubs []core.CandleSubscriber

	monitorAddr string
	monitor     *monitoring.Server
	health      *monitoring.HealthChecker

	stateDir string
	loadSync bool
	log      logger.Logger
}

// NewBot builds a bot for every scenario in the configuration file. A
// CSV-backed feeder makes Run drain the data and return; any other feeder
// makes Run block until its context ends.
func NewBot(ctx context.Context, file *config.File, feeder core.Feeder, options ...Option) (*Bot, error) {
	if file == nil {
		return nil, core.NewConfigError("nil configuration")
	}

	bot := &Bot{
		feeder:    feeder,
		executors: make(map[string]*executor.Executor),
		registry:  strategy.Default,
		log:       DefaultLog,
	}
	if _, ok := feeder.(*exchange.CSVFeed); ok {
		bot.loadSync = true
	}

	for _, option := range options {
		option(bot)
	}
	bot.registry.SetLogger(bot.log)
	bot.feed = exchange.NewDataFeed(feeder, bot.log)
	if bot.monitorAddr != "" {
		bot.health = monitoring.NewHealthChecker(0)
		bot.monitor = monitoring.NewServer(bot.monitorAddr, bot.health, bot.log)
	}
	if bot.stateDir != "" {
		if err := os.MkdirAll(bot.stateDir, 0o755); err != nil {
			return nil, err
		}
	}

	runtimes, err := file.ResolveAll()
	if err != nil {
		return nil, err
	}
	if len(runtimes) == 0 {
		return nil, core.NewConfigError("configuration declares no scenarios")
	}
	bot.runtimes = runtimes

	if err := validatePairs(runtimes); err != nil {
		return nil, err
	}
	if err := initializeStorage(bot); err != nil {
		return nil, err
	}
	if err := initializeExecutors(ctx, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

// validatePairs ensures every configured pair splits into asset and quote.
func validatePairs(runtimes []config.Runtime) error {
	for _, rt := range runtimes {
		for _, pair := range rt.Config.Pairs {
			asset, quote := exchange.SplitAssetQuote(pair)
			if asset == "" || quote == "" {
				return core.NewConfigError("scenario %s: invalid pair %q", rt.Scenario.Name, pair)
			}
		}
	}
	return nil
}

// initializeStorage opens the default trade database when no store was given.
func initializeStorage(bot *Bot) error {
	if bot.store != nil {
		return nil
	}
	store, err := storage.FromFile(defaultDatabase)
	if err != nil {
		return err
	}
	bot.store = store
	bot.ownsStore = true
	return nil
}

// initializeExecutors builds one executor per scenario, binding its strategy
// hooks and per-scenario state files.
func initializeExecutors(ctx context.Context, bot *Bot) error {
	for _, rt := range bot.runtimes {
		name := rt.Scenario.Name
		if _, dup := bot.executors[name]; dup {
			return core.NewConfigError("duplicate scenario name %q", name)
		}

		var hook func(*core.Signal)
		var adjust backtest.AdjustFunc
		if rt.Config.Strategy != "" {
			st, err := bot.registry.Lookup(rt.Config.Strategy)
			if err != nil {
				return err
			}
			hook, adjust = strategy.Hooks(st)
		}

		opts := executor.Options{
			Mode:        rt.Scenario.Mode,
			InitialCash: rt.Scenario.InitialCash,
			AccountFile: bot.accountFile(rt.Scenario),
			Client:      bot.client,
			Feeder:      bot.feeder,
			Store:       bot.store,
			Notifier:    bot.notifierFor(name),
			Hook:        hook,
			Adjust:      adjust,
			Log:         bot.log.WithField("scenario", name),
		}
		if bot.stateDir != "" {
			opts.History = signal.NewHistory(filepath.Join(bot.stateDir, name+"_history.jsonl"))
			opts.Equity = executor.NewEquityLog(filepath.Join(bot.stateDir, name+"_equity.jsonl"), time.Hour)
			opts.Commands = executor.NewCommandQueue(
				filepath.Join(bot.stateDir, name+"_commands.json"),
				filepath.Join(bot.stateDir, name+"_responses.jsonl"),
			)
		}

		cfg := rt.Config
		exec, err := executor.New(ctx, &cfg, opts)
		if err != nil {
			return err
		}
		bot.executors[name] = exec
	}
	return nil
}

// accountFile resolves where a scenario's ledger persists. A scenario that
// names no file stays in memory unless a state directory is set.
func (b *Bot) accountFile(sc config.Scenario) string {
	if sc.AccountFile != "" || b.stateDir == "" {
		return sc.AccountFile
	}
	return filepath.Join(b.stateDir, sc.Name+"_account.json")
}

// Executor returns the named scenario's executor, or nil.
func (b *Bot) Executor(name string) *executor.Executor {
	return b.executors[name]
}

// Runtimes lists the resolved scenarios the bot trades.
func (b *Bot) Runtimes() []config.Runtime {
	return b.runtimes
}

// SubscribeCandle adds consumers to every configured pair's candle stream.
// Takes effect when Run wires the feeds.
func (b *Bot) SubscribeCandle(subscriptions ...core.CandleSubscriber) {
	b.candleSubs = append(b.candleSubs, subscriptions...)
}

// Run starts every scenario and blocks: with a file-backed feeder it returns
// once the data is exhausted, otherwise it runs until ctx is done. Open
// positions survive shutdown through the persisted ledgers.
func (b *Bot) Run(ctx context.Context) error {
	for _, rt := range b.runtimes {
		exec := b.executors[rt.Scenario.Name]
		if err := exec.Startup(); err != nil {
			return err
		}
		b.subscribe(rt, exec)
		exec.Start()
	}

	if b.monitor != nil {
		b.health.SetConnected(true)
		go func() {
			if err := b.monitor.Start(); err != nil {
				b.log.WithError(err).Error("monitoring server stopped")
			}
		}()
		go b.report(ctx)
	}

	b.feed.Start(ctx, b.loadSync)
	if !b.loadSync {
		<-ctx.Done()
	}
	b.shutdown()
	return nil
}

// subscribe wires one scenario's executor into the candle feeds: finished
// bars drive the decision pipeline, partial bars refresh the last-price
// cache, and the trend timeframe feeds the higher-frame regime view.
func (b *Bot) subscribe(rt config.Runtime, exec *executor.Executor) {
	for _, pair := range rt.Config.Pairs {
		b.feed.Subscribe(pair, rt.Config.Timeframe, exec.OnCandle, true)
		b.feed.Subscribe(pair, rt.Config.Timeframe, exec.OnPriceTick, false)
		if rt.Config.TrendTimeframe != "" {
			b.feed.Subscribe(pair, rt.Config.TrendTimeframe, exec.OnTrendCandle, true)
		}
		if b.health != nil {
			b.feed.Subscribe(pair, rt.Config.Timeframe, b.markBar, true)
		}
		for _, sub := range b.candleSubs {
			b.feed.Subscribe(pair, rt.Config.Timeframe, sub.OnCandle, false)
		}
	}
}

func (b *Bot) markBar(c core.Candle) {
	b.health.MarkBar(c.Time)
}

// report refreshes the per-scenario account gauges once a minute.
func (b *Bot) report(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for name, exec := range b.executors {
				acct := exec.Account()
				monitoring.UpdateAccount(name, acct.Equity(), acct.Cash(),
					len(acct.OpenPositions()), acct.IsPaused())
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdown stops every executor with a final safety pass, then drains the
// monitoring server and closes the bot-owned store.
func (b *Bot) shutdown() {
	for _, rt := range b.runtimes {
		b.executors[rt.Scenario.Name].Stop()
	}

	if b.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.monitor.Shutdown(ctx); err != nil {
			b.log.WithError(err).Error("monitoring shutdown")
		}
	}
	if b.ownsStore {
		if err := b.store.Close(); err != nil {
			b.log.WithError(err).Error("trade store close")
		}
	}
}
