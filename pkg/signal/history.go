package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velabot/vela/pkg/core"
)

// HistoryStatus is the lifecycle state of one recorded signal.
type HistoryStatus string

const (
	StatusOpen    HistoryStatus = "open"
	StatusClosed  HistoryStatus = "closed"
	StatusExpired HistoryStatus = "expired"
)

// HistoryEntry is one line of the signal history. Entries are written once
// on emission and rewritten in place exactly once when the position exits.
type HistoryEntry struct {
	ID         string          `json:"id"`
	Scenario   string          `json:"scenario"`
	Symbol     string          `json:"symbol"`
	Type       core.SignalType `json:"type"`
	EntryPrice float64         `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
	Rules      []core.RuleName `json:"rules,omitempty"`
	Status     HistoryStatus   `json:"status"`

	ExitPrice    float64         `json:"exit_price,omitempty"`
	ExitTime     *time.Time      `json:"exit_time,omitempty"`
	ExitReason   core.ExitReason `json:"exit_reason,omitempty"`
	PnL          float64         `json:"pnl,omitempty"`
	PnLFraction  float64         `json:"pnl_fraction,omitempty"`
	HoldingHours float64         `json:"holding_hours,omitempty"`
}

// History persists signal lifecycles as line-delimited JSON. Opens append;
// closes rewrite the matched line through a temp file so readers never see a
// torn record.
type History struct {
	mu   sync.Mutex
	path string
}

// NewHistory returns a history writing to path. The file is created on first
// append.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Path returns the backing file path.
func (h *History) Path() string { return h.path }

// Open appends a new open entry for an emitted signal and returns its id.
func (h *History) Open(scenario string, sig core.Signal) (string, error) {
	entry := HistoryEntry{
		ID:         uuid.NewString(),
		Scenario:   scenario,
		Symbol:     sig.Symbol,
		Type:       sig.Type,
		EntryPrice: sig.Price,
		EntryTime:  sig.At,
		Rules:      sig.Rules,
		Status:     StatusOpen,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return "", fmt.Errorf("signal history dir: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open signal history: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append signal history: %w", err)
	}
	return entry.ID, nil
}

// Close marks the entry as closed with its exit figures.
func (h *History) Close(id string, exitPrice float64, exitTime time.Time, reason core.ExitReason, pnl, pnlFraction float64) error {
	return h.rewrite(id, func(e *HistoryEntry) {
		e.Status = StatusClosed
		e.ExitPrice = exitPrice
		e.ExitTime = &exitTime
		e.ExitReason = reason
		e.PnL = pnl
		e.PnLFraction = pnlFraction
		e.HoldingHours = exitTime.Sub(e.EntryTime).Hours()
	})
}

// Expire marks an entry whose position vanished without a recorded exit,
// typically found during reconciliation.
func (h *History) Expire(id string, at time.Time) error {
	return h.rewrite(id, func(e *HistoryEntry) {
		e.Status = StatusExpired
		e.ExitTime = &at
	})
}

// Entries reads the whole history. Mostly for reports and tests.
func (h *History) Entries() ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signal history: %w", err)
	}
	return parseLines(data)
}

func (h *History) rewrite(id string, mutate func(*HistoryEntry)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("read signal history: %w", err)
	}
	entries, err := parseLines(data)
	if err != nil {
		return err
	}

	found := false
	var buf bytes.Buffer
	for i := range entries {
		if entries[i].ID == id {
			mutate(&entries[i])
			found = true
		}
		line, err := json.Marshal(entries[i])
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if !found {
		return fmt.Errorf("signal history: no entry %s", id)
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), filepath.Base(h.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("signal history temp: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write signal history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), h.path)
}

func parseLines(data []byte) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("signal history line: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
