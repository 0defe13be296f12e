// Package binance implements the live exchange connector on the official
// REST and websocket APIs. Spot and USDT-margined futures clients share one
// retry policy: idempotent reads back off and retry transient failures,
// order placement goes out once unless the exchange verifiably rejected the
// request before matching.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/jpillora/backoff"

	"github.com/velabot/vela/pkg/core"
)

var (
	ErrInvalidAsset    = errors.New("invalid asset")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// OrderError carries the pair and quantity of a rejected order.
type OrderError struct {
	Err      error
	Pair     string
	Quantity float64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order error: %v, pair: %s, quantity: %f", e.Err, e.Pair, e.Quantity)
}

func (e *OrderError) Unwrap() error { return e.Err }

// MetadataFetcher attaches one extra named value to each completed candle,
// such as a funding rate or an open-interest reading.
type MetadataFetcher func(pair string, t time.Time) (string, float64)

// Exchange is the combined surface a live session needs: market data and
// order execution on one client.
type Exchange interface {
	core.ExchangeClient
	core.Feeder
}

// maxAttempts bounds both read retries and the rare safe order retries.
const maxAttempts = 3

// Exchange API error codes used for classification.
const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeTimestamp       = -1021
	codeSignature       = -1022
	codeInvalidSymbol   = -1121
	codeKeyFormat       = -2014
	codeKeyRejected     = -2015
)

// classify maps an API failure onto the engine's typed exchange errors.
// Business rejections such as a bad quantity or insufficient balance pass
// through untouched; retrying them returns the same answer.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var api *common.APIError
	if errors.As(err, &api) {
		switch api.Code {
		case codeSignature, codeKeyFormat, codeKeyRejected, codeInvalidSymbol:
			return fmt.Errorf("%w: %s", core.ErrExchangeFatal, api.Message)
		case codeDisconnected, codeTooManyRequests, codeTimeout:
			return fmt.Errorf("%w: %s", core.ErrExchangeTransient, api.Message)
		}
		return err
	}

	// Anything that never produced an exchange response is network-level.
	return fmt.Errorf("%w: %v", core.ErrExchangeTransient, err)
}

// verifiablyUnexecuted reports whether the error proves the exchange never
// accepted an order. Rate limiting and clock skew reject the request before
// it reaches matching; a network timeout leaves the outcome unknown and must
// not be retried.
func verifiablyUnexecuted(err error) bool {
	var api *common.APIError
	if !errors.As(err, &api) {
		return false
	}
	return api.Code == codeTooManyRequests || api.Code == codeTimestamp
}

func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
	}
}

// retryRead runs an idempotent read, retrying transient failures with
// exponential backoff up to maxAttempts.
func retryRead[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	var err error

	wait := newBackoff()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		err = classify(err)
		if !errors.Is(err, core.ErrExchangeTransient) {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait.Duration()):
		}
	}
	return out, err
}

// placeOrder submits an order, retrying only failures that verifiably never
// executed. Ambiguous outcomes surface immediately so the caller reconciles
// instead of double-sending.
func placeOrder[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	var err error

	wait := newBackoff()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if !verifiablyUnexecuted(err) {
			return out, classify(err)
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait.Duration()):
		}
	}
	return out, classify(err)
}

// formatQuantity snaps a base quantity to the pair's lot size.
func formatQuantity(assetsInfo map[string]core.AssetInfo, pair string, value float64) string {
	if info, ok := assetsInfo[pair]; ok {
		value = common.AmountToLotSize(info.StepSize, info.BaseAssetPrecision, value)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// formatQuote renders a quote amount at the pair's quote precision.
func formatQuote(assetsInfo map[string]core.AssetInfo, pair string, value float64) string {
	precision := 8
	if info, ok := assetsInfo[pair]; ok && info.QuotePrecision > 0 {
		precision = info.QuotePrecision
	}
	return strconv.FormatFloat(value, 'f', precision, 64)
}

// validateOrder checks the quantity against the pair's exchange filters.
func validateOrder(assetsInfo map[string]core.AssetInfo, pair string, quantity float64) error {
	info, ok := assetsInfo[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAsset, pair)
	}

	if quantity > info.MaxQuantity || quantity < info.MinQuantity {
		return &OrderError{
			Err:      fmt.Errorf("%w: min %.8f max %.8f", ErrInvalidQuantity, info.MinQuantity, info.MaxQuantity),
			Pair:     pair,
			Quantity: quantity,
		}
	}
	return nil
}

// filterFloat reads one numeric field out of an exchange-info symbol filter.
func filterFloat(filter map[string]any, key string) float64 {
	raw, ok := filter[key].(string)
	if !ok {
		return 0
	}
	value, _ := strconv.ParseFloat(raw, 64)
	return value
}
