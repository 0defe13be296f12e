package core

import (
	"time"
)

// TradeRecord is one row of the trade database. A record is inserted when a
// position opens and completed in place when it closes; ids are monotonic
// per database.
type TradeRecord struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Scenario   string    `json:"scenario" gorm:"index"`
	Symbol     string    `json:"symbol" gorm:"index"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	OpenedAt   time.Time `json:"opened_at"`

	Open          bool       `json:"open" gorm:"index"`
	ExitPrice     float64    `json:"exit_price"`
	PnL           float64    `json:"pnl"`
	PnLPct        float64    `json:"pnl_pct"`
	StopLossHit   bool       `json:"stop_loss_hit"`
	TakeProfitHit bool       `json:"take_profit_hit"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CloseUpdate carries the fields written when a trade record closes.
type CloseUpdate struct {
	ExitPrice  float64
	PnL        float64
	PnLPct     float64
	StopLoss   bool
	TakeProfit bool
	ClosedAt   time.Time
}

// EquitySnapshot is one periodic equity sample per scenario.
type EquitySnapshot struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Scenario  string    `json:"scenario" gorm:"index"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	Positions int       `json:"positions"`
	At        time.Time `json:"at"`
}

// TradeFilter selects trade records when querying a store.
type TradeFilter func(TradeRecord) bool

// WithScenario keeps records belonging to the named scenario.
func WithScenario(name string) TradeFilter {
	return func(r TradeRecord) bool {
		return r.Scenario == name
	}
}

// WithSymbol keeps records for one symbol.
func WithSymbol(symbol string) TradeFilter {
	return func(r TradeRecord) bool {
		return r.Symbol == symbol
	}
}

// WithOpen keeps records whose position is still open.
func WithOpen() TradeFilter {
	return func(r TradeRecord) bool {
		return r.Open
	}
}

// WithClosedSince keeps records closed at or after the given time.
func WithClosedSince(since time.Time) TradeFilter {
	return func(r TradeRecord) bool {
		return !r.Open && r.ClosedAt != nil && !r.ClosedAt.Before(since)
	}
}

// TradeStore persists trade records and equity snapshots. Migrate is
// idempotent and runs on first connection.
type TradeStore interface {
	Migrate() error
	InsertTrade(rec *TradeRecord) error
	CloseTrade(id int64, update CloseUpdate) error
	Trades(filters ...TradeFilter) ([]TradeRecord, error)
	OpenTrades(scenario string) ([]TradeRecord, error)
	RecentClosedTrades(scenario string, since time.Time) ([]TradeRecord, error)
	RecordSnapshot(snap *EquitySnapshot) error
	Close() error
}
