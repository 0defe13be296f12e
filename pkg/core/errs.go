package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid marks configuration problems that are fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrExchangeFatal marks exchange failures with no retry path, such as
	// authentication errors or unknown symbols. The scenario is paused.
	ErrExchangeFatal = errors.New("fatal exchange error")

	// ErrExchangeTransient marks network or 5xx failures that idempotent
	// reads may retry.
	ErrExchangeTransient = errors.New("transient exchange error")

	// ErrReconcileCritical marks local/exchange position drift above the
	// critical threshold. The scenario is paused.
	ErrReconcileCritical = errors.New("critical reconciliation drift")

	// ErrOutOfOrderCandle marks a bar arriving at or before the window tail.
	ErrOutOfOrderCandle = errors.New("out-of-order candle")

	// ErrInsufficientData marks a candle window too short for the required
	// indicator components.
	ErrInsufficientData = errors.New("insufficient candle history")
)

// NewConfigError wraps ErrConfigInvalid with a formatted detail so callers
// can still match with errors.Is.
func NewConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// SkipReason classifies why an operation was not admitted. Skips are results,
// not failures: callers branch on the reason and keep running.
type SkipReason string

const (
	SkipPriceInvalid       SkipReason = "price_invalid"
	SkipInsufficientFunds  SkipReason = "insufficient_funds"
	SkipInsufficientMargin SkipReason = "insufficient_margin"
	SkipMarketUnsupported  SkipReason = "market_unsupported"
	SkipProtectionBlock    SkipReason = "protection_block"
	SkipSentimentBlock     SkipReason = "sentiment_block"
	SkipCorrelationBlock   SkipReason = "correlation_block"
	SkipHeatBlock          SkipReason = "heat_block"
	SkipDataStale          SkipReason = "data_stale"
	SkipPositionExists     SkipReason = "position_exists"
	SkipPositionLimit      SkipReason = "position_limit"
	SkipSymbolCap          SkipReason = "symbol_cap"
	SkipDailyLossLimit     SkipReason = "daily_loss_limit"
	SkipScenarioPaused     SkipReason = "scenario_paused"
	SkipMinOrderSize       SkipReason = "min_order_size"
	SkipNoPosition         SkipReason = "no_position"
	SkipEquityDepleted     SkipReason = "equity_depleted"
)

// SkipError carries a typed skip reason plus a human-readable diagnostic.
type SkipError struct {
	Reason SkipReason
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// NewSkip builds a SkipError with a formatted diagnostic.
func NewSkip(reason SkipReason, format string, args ...any) *SkipError {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsSkip unwraps err into a SkipError when it is one.
func AsSkip(err error) (*SkipError, bool) {
	var s *SkipError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}
