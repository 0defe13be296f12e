package exchange

import (
	"sort"
	"sync"
)

// quoteAssets lists the quote currencies recognized when splitting a pair
// symbol. Longest suffix wins so USDT is tried before BTC.
var (
	quoteMu     sync.RWMutex
	quoteAssets = []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB"}
)

// RegisterQuote adds a quote currency to the pair splitter. Needed only for
// CSV feeds of pairs quoted in something outside the default list.
func RegisterQuote(quote string) {
	quoteMu.Lock()
	defer quoteMu.Unlock()

	for _, q := range quoteAssets {
		if q == quote {
			return
		}
	}
	quoteAssets = append(quoteAssets, quote)
	sort.Slice(quoteAssets, func(i, j int) bool {
		return len(quoteAssets[i]) > len(quoteAssets[j])
	})
}

// SplitAssetQuote splits a pair symbol like BTCUSDT into its base and quote
// parts. Unknown quotes fall back to a three-letter suffix.
func SplitAssetQuote(pair string) (asset, quote string) {
	quoteMu.RLock()
	defer quoteMu.RUnlock()

	for _, q := range quoteAssets {
		if len(pair) > len(q) && pair[len(pair)-len(q):] == q {
			return pair[:len(pair)-len(q)], q
		}
	}

	if len(pair) > 3 {
		return pair[:len(pair)-3], pair[len(pair)-3:]
	}
	return pair, ""
}
