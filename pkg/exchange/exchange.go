// Package exchange provides the engine's candle plumbing: a CSV-backed
// feeder for backtests, and a subscription hub that fans candles from any
// core.Feeder out to consumers.
package exchange

import (
	"context"
	"sync"

	"github.com/StudioSol/set"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// DataFeed carries one (pair, timeframe) candle stream and its errors.
type DataFeed struct {
	Data chan core.Candle
	Err  chan error
}

// DataFeedConsumer receives candles from a subscribed feed.
type DataFeedConsumer func(core.Candle)

// Subscription binds a consumer to a feed. With onCandleClose set, partial
// bars are filtered out and only completed candles are delivered.
type Subscription struct {
	onCandleClose bool
	consumer      DataFeedConsumer
}

// DataFeedSubscription multiplexes candle streams from a feeder to any
// number of consumers. Feeds are keyed by (pair, timeframe); the key set is
// insertion-ordered so feeds connect in the order they were subscribed.
type DataFeedSubscription struct {
	feeder                  core.Feeder
	Feeds                   *set.LinkedHashSetString
	DataFeeds               map[string]*DataFeed
	SubscriptionsByDataFeed map[string][]Subscription
	log                     logger.Logger
	mu                      sync.RWMutex
}

// NewDataFeed creates a subscription hub over the given feeder.
func NewDataFeed(feeder core.Feeder, log logger.Logger) *DataFeedSubscription {
	return &DataFeedSubscription{
		feeder:                  feeder,
		Feeds:                   set.NewLinkedHashSetString(),
		DataFeeds:               make(map[string]*DataFeed),
		SubscriptionsByDataFeed: make(map[string][]Subscription),
		log:                     log,
	}
}

// Subscribe registers a consumer for a pair and timeframe. Consumers added
// after Connect are only reached by candles that arrive later.
func (d *DataFeedSubscription) Subscribe(pair, timeframe string, consumer DataFeedConsumer, onCandleClose bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := feedKey(pair, timeframe)
	d.Feeds.Add(key)
	d.SubscriptionsByDataFeed[key] = append(d.SubscriptionsByDataFeed[key], Subscription{
		onCandleClose: onCandleClose,
		consumer:      consumer,
	})
}

// Preload replays historical candles into every consumer of the feed before
// the live stream starts. Partial bars are skipped.
func (d *DataFeedSubscription) Preload(pair, timeframe string, candles []core.Candle) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	d.log.Infof("preloading %d candles for %s %s", len(candles), pair, timeframe)
	key := feedKey(pair, timeframe)

	for _, candle := range candles {
		if !candle.Complete {
			continue
		}
		for _, subscription := range d.SubscriptionsByDataFeed[key] {
			subscription.consumer(candle)
		}
	}
}

// Connect opens one candle subscription per registered feed.
func (d *DataFeedSubscription) Connect(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("connecting candle feeds")
	for feed := range d.Feeds.Iter() {
		pair, timeframe := splitFeedKey(feed)
		ccandle, cerr := d.feeder.CandlesSubscription(ctx, pair, timeframe)
		d.DataFeeds[feed] = &DataFeed{Data: ccandle, Err: cerr}
	}
}

// Start connects and pumps every feed. With loadSync set it blocks until all
// feeds are drained, which is how file-backed sessions run to completion;
// live feeds never close on their own, so executors pass false.
func (d *DataFeedSubscription) Start(ctx context.Context, loadSync bool) {
	d.Connect(ctx)

	var wg sync.WaitGroup

	d.mu.RLock()
	for key, feed := range d.DataFeeds {
		wg.Add(1)
		go d.processFeed(key, feed, &wg)
	}
	d.mu.RUnlock()

	d.log.Info("candle feeds connected")

	if loadSync {
		wg.Wait()
	}
}

// processFeed forwards one feed's candles to its consumers until both
// channels close.
func (d *DataFeedSubscription) processFeed(key string, feed *DataFeed, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case candle, ok := <-feed.Data:
			if !ok {
				return
			}

			d.mu.RLock()
			subscriptions := d.SubscriptionsByDataFeed[key]
			d.mu.RUnlock()

			for _, subscription := range subscriptions {
				if subscription.onCandleClose && !candle.Complete {
					continue
				}
				subscription.consumer(candle)
			}

		case err, ok := <-feed.Err:
			if !ok {
				return
			}
			if err != nil {
				d.log.WithError(err).Errorf("candle feed %s failed", key)
			}
		}
	}
}
