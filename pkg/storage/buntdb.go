package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/velabot/vela/pkg/core"
)

const (
	tradeKeyPrefix  = "trade:"
	equityKeyPrefix = "equity:"
)

// BuntStore implements core.TradeStore on a single buntdb file. Trade rows
// live under trade:<id> indexed by their updated_at field, equity snapshots
// under equity:<id> indexed by sample time.
type BuntStore struct {
	lastTradeID  int64
	lastEquityID int64
	db           *buntdb.DB
}

var _ core.TradeStore = (*BuntStore)(nil)

// FromMemory opens an in-memory store, used by backtests and tests.
func FromMemory() (*BuntStore, error) {
	return NewBuntStore(":memory:")
}

// FromFile opens or creates a file-backed store.
func FromFile(file string) (*BuntStore, error) {
	return NewBuntStore(file)
}

// NewBuntStore opens the database, builds the indexes, and resumes the id
// sequences from whatever the file already holds.
func NewBuntStore(sourceFile string) (*BuntStore, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}

	if err := db.CreateIndex("trade_update", tradeKeyPrefix+"*", buntdb.IndexJSON("updated_at")); err != nil {
		return nil, fmt.Errorf("create trade index: %w", err)
	}
	if err := db.CreateIndex("equity_at", equityKeyPrefix+"*", buntdb.IndexJSON("at")); err != nil {
		return nil, fmt.Errorf("create equity index: %w", err)
	}

	s := &BuntStore{db: db}
	if err := s.restoreIDs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// restoreIDs keeps ids monotonic across reopens of a file-backed store.
func (s *BuntStore) restoreIDs() error {
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("*", func(key, _ string) bool {
			switch {
			case strings.HasPrefix(key, tradeKeyPrefix):
				if id, err := strconv.ParseInt(key[len(tradeKeyPrefix):], 10, 64); err == nil && id > s.lastTradeID {
					s.lastTradeID = id
				}
			case strings.HasPrefix(key, equityKeyPrefix):
				if id, err := strconv.ParseInt(key[len(equityKeyPrefix):], 10, 64); err == nil && id > s.lastEquityID {
					s.lastEquityID = id
				}
			}
			return true
		})
	})
}

// Migrate is a no-op: buntdb needs no schema.
func (s *BuntStore) Migrate() error { return nil }

// InsertTrade assigns the next id and stores the opening record.
func (s *BuntStore) InsertTrade(rec *core.TradeRecord) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		rec.ID = atomic.AddInt64(&s.lastTradeID, 1)
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.OpenedAt
		}
		content, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		if _, _, err := tx.Set(tradeKey(rec.ID), string(content), nil); err != nil {
			return fmt.Errorf("store trade: %w", err)
		}
		return nil
	})
}

// CloseTrade completes an open record in place. Closing an unknown or
// already-closed record is an error.
func (s *BuntStore) CloseTrade(id int64, update core.CloseUpdate) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key := tradeKey(id)
		value, err := tx.Get(key)
		if err != nil {
			return fmt.Errorf("trade %d not found: %w", id, err)
		}

		var rec core.TradeRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return fmt.Errorf("unmarshal trade %d: %w", id, err)
		}
		if !rec.Open {
			return fmt.Errorf("trade %d already closed", id)
		}

		applyClose(&rec, update)
		content, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal trade %d: %w", id, err)
		}
		if _, _, err := tx.Set(key, string(content), nil); err != nil {
			return fmt.Errorf("update trade %d: %w", id, err)
		}
		return nil
	})
}

// Trades returns the records passing every filter, in write order.
func (s *BuntStore) Trades(filters ...core.TradeFilter) ([]core.TradeRecord, error) {
	out := make([]core.TradeRecord, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var rowErr error
		err := tx.Ascend("trade_update", func(_, value string) bool {
			var rec core.TradeRecord
			if err := json.Unmarshal([]byte(value), &rec); err != nil {
				rowErr = fmt.Errorf("unmarshal trade row: %w", err)
				return false
			}
			if matches(rec, filters) {
				out = append(out, rec)
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("iterate trades: %w", err)
		}
		return rowErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenTrades returns the scenario's records still marked open.
func (s *BuntStore) OpenTrades(scenario string) ([]core.TradeRecord, error) {
	return s.Trades(core.WithScenario(scenario), core.WithOpen())
}

// RecentClosedTrades returns the scenario's records closed at or after since.
func (s *BuntStore) RecentClosedTrades(scenario string, since time.Time) ([]core.TradeRecord, error) {
	return s.Trades(core.WithScenario(scenario), core.WithClosedSince(since))
}

// RecordSnapshot appends one equity sample.
func (s *BuntStore) RecordSnapshot(snap *core.EquitySnapshot) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		snap.ID = atomic.AddInt64(&s.lastEquityID, 1)
		content, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if _, _, err := tx.Set(equityKey(snap.ID), string(content), nil); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		return nil
	})
}

// Snapshots returns a scenario's equity samples in time order.
func (s *BuntStore) Snapshots(scenario string) ([]core.EquitySnapshot, error) {
	out := make([]core.EquitySnapshot, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var rowErr error
		err := tx.Ascend("equity_at", func(_, value string) bool {
			var snap core.EquitySnapshot
			if err := json.Unmarshal([]byte(value), &snap); err != nil {
				rowErr = fmt.Errorf("unmarshal snapshot row: %w", err)
				return false
			}
			if snap.Scenario == scenario {
				out = append(out, snap)
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("iterate snapshots: %w", err)
		}
		return rowErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *BuntStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func tradeKey(id int64) string {
	return tradeKeyPrefix + strconv.FormatInt(id, 10)
}

func equityKey(id int64) string {
	return equityKeyPrefix + strconv.FormatInt(id, 10)
}
