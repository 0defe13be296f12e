package vela

import (
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	"github.com/velabot/vela/pkg/strategy"
)

// Option is a functional option for configuring a Bot instance.
type Option func(*Bot)

// WithStorage sets the trade store. Without it the bot opens a local buntdb
// file named vela.db and closes it on shutdown; a store passed in here
// belongs to the caller.
func WithStorage(store core.TradeStore) Option {
	return func(bot *Bot) {
		bot.store = store
	}
}

// WithExchangeClient sets the exchange client live scenarios trade through.
// Paper scenarios never touch it.
func WithExchangeClient(client core.ExchangeClient) Option {
	return func(bot *Bot) {
		bot.client = client
	}
}

// WithNotifier registers a notifier for trade and error events. Repeat the
// option to fan events out to several channels.
func WithNotifier(notifier core.Notifier) Option {
	return func(bot *Bot) {
		bot.notifiers = append(bot.notifiers, notifier)
	}
}

// WithRegistry resolves strategy ids against reg instead of the process
// default registry.
func WithRegistry(reg *strategy.Registry) Option {
	return func(bot *Bot) {
		bot.registry = reg
	}
}

// WithStateDir persists per-scenario runtime state under dir: signal
// history, hourly equity samples, the operator command queue, and account
// files for scenarios that do not name one.
func WithStateDir(dir string) Option {
	return func(bot *Bot) {
		bot.stateDir = dir
	}
}

// WithMonitoring serves Prometheus metrics and the health probe on addr.
func WithMonitoring(addr string) Option {
	return func(bot *Bot) {
		bot.monitorAddr = addr
	}
}

// WithLogger replaces the process-default logger for this bot.
func WithLogger(log logger.Logger) Option {
	return func(bot *Bot) {
		bot.log = log
	}
}

// WithLogLevel sets the log level on the bot's logger.
func WithLogLevel(level logger.Level) Option {
	return func(bot *Bot) {
		bot.log.SetLevel(level)
	}
}

// WithCandleSubscription subscribes an extra consumer to every configured
// pair's candle stream, partial bars included.
func WithCandleSubscription(subscriber core.CandleSubscriber) Option {
	return func(bot *Bot) {
		bot.candleSubs = append(bot.candleSubs, subscriber)
	}
}
