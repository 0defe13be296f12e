package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/velabot/vela/pkg/core"
)

// Load reads a scenario's account file. A missing file seeds a fresh account
// with the configured initial cash; a present file is validated whole, and
// positions with a missing or invalid side are refused here rather than
// silently defaulted.
func Load(path, scenario string, initialCash float64, now time.Time) (*Account, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(scenario, initialCash, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", path, err)
	}

	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, core.NewConfigError("account %s: %v", path, err)
	}
	if a.Scenario != scenario {
		return nil, core.NewConfigError("account %s belongs to scenario %q, not %q", path, a.Scenario, scenario)
	}
	if a.CashBalance < 0 {
		return nil, core.NewConfigError("account %s: negative cash %v", path, a.CashBalance)
	}
	for symbol, pos := range a.Positions {
		if pos == nil {
			return nil, core.NewConfigError("account %s: symbol %s: empty position", path, symbol)
		}
		if err := pos.Validate(); err != nil {
			return nil, fmt.Errorf("account %s: %w", path, err)
		}
	}

	if a.Positions == nil {
		a.Positions = make(map[string]*core.Position)
	}
	if a.Marks == nil {
		a.Marks = make(map[string]float64)
	}
	return &a, nil
}

// Save writes the account atomically: marshal, write to a temp file in the
// same directory, fsync, rename. A crash mid-save leaves the previous file
// intact and no .tmp behind on the happy path.
func (a *Account) Save(path string) error {
	a.mu.Lock()
	data, err := json.MarshalIndent(a, "", "  ")
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("account dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("account temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write account: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync account: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename account: %w", err)
	}
	return nil
}
