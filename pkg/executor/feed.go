package executor

import (
	"sync"

	"github.com/velabot/vela/pkg/core"
)

// tradeFeedBuffer is the per-symbol channel depth. Publish drops instead of
// blocking the decision loop when a consumer falls this far behind.
const tradeFeedBuffer = 100

// TradeFeedConsumer receives booked trades.
type TradeFeedConsumer func(trade core.Trade)

type tradeSubscription struct {
	closedOnly bool
	consumer   TradeFeedConsumer
}

// TradeFeed fans booked trades out to in-process consumers, one dispatch
// goroutine per symbol. Delivery is asynchronous so a slow consumer never
// stalls bar processing. Subscribe before the executor starts, or any time
// after; trades booked for symbols nobody subscribed to are dropped.
type TradeFeed struct {
	mu            sync.RWMutex
	channels      map[string]chan core.Trade
	subscriptions map[string][]tradeSubscription
	started       bool
}

// NewTradeFeed creates an empty feed.
func NewTradeFeed() *TradeFeed {
	return &TradeFeed{
		channels:      make(map[string]chan core.Trade),
		subscriptions: make(map[string][]tradeSubscription),
	}
}

// Subscribe registers a consumer for one symbol's trades. With closedOnly
// set the consumer sees exits only; opens and DCA adds are filtered out.
func (f *TradeFeed) Subscribe(symbol string, consumer TradeFeedConsumer, closedOnly bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.channels[symbol]; !ok {
		ch := make(chan core.Trade, tradeFeedBuffer)
		f.channels[symbol] = ch
		if f.started {
			go f.dispatch(symbol, ch)
		}
	}
	f.subscriptions[symbol] = append(f.subscriptions[symbol], tradeSubscription{
		closedOnly: closedOnly,
		consumer:   consumer,
	})
}

// Publish queues one trade for the symbol's subscribers.
func (f *TradeFeed) Publish(trade core.Trade) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ch, ok := f.channels[trade.Symbol]
	if !ok {
		return
	}
	select {
	case ch <- trade:
	default:
	}
}

// Start launches the dispatch goroutines for the subscribed symbols.
func (f *TradeFeed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return
	}
	f.started = true
	for symbol, ch := range f.channels {
		go f.dispatch(symbol, ch)
	}
}

// Stop closes every channel; dispatchers deliver what was already queued,
// then exit.
func (f *TradeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for symbol, ch := range f.channels {
		close(ch)
		delete(f.channels, symbol)
	}
	f.started = false
}

func (f *TradeFeed) dispatch(symbol string, ch chan core.Trade) {
	for trade := range ch {
		f.mu.RLock()
		subs := append([]tradeSubscription(nil), f.subscriptions[symbol]...)
		f.mu.RUnlock()

		for _, sub := range subs {
			if sub.closedOnly && !trade.IsClose() {
				continue
			}
			sub.consumer(trade)
		}
	}
}
