package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/velabot/vela/pkg/core"
)

// SQLStore implements core.TradeStore on a gorm database. Live deployments
// point it at sqlite or any other gorm dialector.
type SQLStore struct {
	db *gorm.DB
}

var _ core.TradeStore = (*SQLStore)(nil)

// FromSQL opens a gorm-backed store, configures the connection pool, and
// runs migrations.
func FromSQL(dialect gorm.Dialector, opts ...gorm.Option) (*SQLStore, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &SQLStore{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the trade and equity tables.
func (s *SQLStore) Migrate() error {
	if err := s.db.AutoMigrate(&core.TradeRecord{}, &core.EquitySnapshot{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InsertTrade stores the opening record; the database assigns the id.
func (s *SQLStore) InsertTrade(rec *core.TradeRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.OpenedAt
	}
	if result := s.db.Create(rec); result.Error != nil {
		return fmt.Errorf("insert trade: %w", result.Error)
	}
	return nil
}

// CloseTrade completes an open record in place. Closing an unknown or
// already-closed record is an error.
func (s *SQLStore) CloseTrade(id int64, update core.CloseUpdate) error {
	var rec core.TradeRecord
	if result := s.db.First(&rec, id); result.Error != nil {
		return fmt.Errorf("trade %d not found: %w", id, result.Error)
	}
	if !rec.Open {
		return fmt.Errorf("trade %d already closed", id)
	}

	applyClose(&rec, update)
	if result := s.db.Save(&rec); result.Error != nil {
		return fmt.Errorf("close trade %d: %w", id, result.Error)
	}
	return nil
}

// Trades returns the records passing every filter, in id order. Filters run
// in memory so both backends share the same filter vocabulary.
func (s *SQLStore) Trades(filters ...core.TradeFilter) ([]core.TradeRecord, error) {
	var rows []core.TradeRecord
	result := s.db.Order("id").Find(&rows)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("fetch trades: %w", result.Error)
	}
	return lo.Filter(rows, func(rec core.TradeRecord, _ int) bool {
		return matches(rec, filters)
	}), nil
}

// OpenTrades returns the scenario's records still marked open.
func (s *SQLStore) OpenTrades(scenario string) ([]core.TradeRecord, error) {
	var rows []core.TradeRecord
	result := s.db.Where("scenario = ? AND open = ?", scenario, true).Order("id").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("fetch open trades: %w", result.Error)
	}
	return rows, nil
}

// RecentClosedTrades returns the scenario's records closed at or after since.
func (s *SQLStore) RecentClosedTrades(scenario string, since time.Time) ([]core.TradeRecord, error) {
	var rows []core.TradeRecord
	result := s.db.
		Where("scenario = ? AND open = ? AND closed_at >= ?", scenario, false, since).
		Order("id").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("fetch closed trades: %w", result.Error)
	}
	return rows, nil
}

// RecordSnapshot appends one equity sample.
func (s *SQLStore) RecordSnapshot(snap *core.EquitySnapshot) error {
	if result := s.db.Create(snap); result.Error != nil {
		return fmt.Errorf("insert snapshot: %w", result.Error)
	}
	return nil
}

// Snapshots returns a scenario's equity samples in time order.
func (s *SQLStore) Snapshots(scenario string) ([]core.EquitySnapshot, error) {
	var rows []core.EquitySnapshot
	result := s.db.Where("scenario = ?", scenario).Order("at").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", result.Error)
	}
	return rows, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	return sqlDB.Close()
}
