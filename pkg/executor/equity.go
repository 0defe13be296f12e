package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EquitySample is one line of the equity history.
type EquitySample struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Positions int       `json:"positions"`
}

// EquityLog appends equity samples to a line-delimited JSON file, at most one
// per interval. The cadence survives restarts: the gate is seeded from the
// last line already in the file.
type EquityLog struct {
	path     string
	interval time.Duration
	last     time.Time
}

// NewEquityLog opens an equity log at path. A non-positive interval defaults
// to one hour.
func NewEquityLog(path string, interval time.Duration) *EquityLog {
	if interval <= 0 {
		interval = time.Hour
	}
	return &EquityLog{path: path, interval: interval, last: lastSampleTime(path)}
}

// Sample appends one line unless the previous sample is within the interval.
// It reports whether a line was written.
func (l *EquityLog) Sample(at time.Time, equity float64, positions int) (bool, error) {
	if !l.last.IsZero() && at.Sub(l.last) < l.interval {
		return false, nil
	}
	line, err := json.Marshal(EquitySample{Timestamp: at.UTC(), Equity: equity, Positions: positions})
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("equity history dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open equity history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("append equity history: %w", err)
	}
	l.last = at
	return true, nil
}

// lastSampleTime reads the newest parsable timestamp from an existing log.
// Any read or parse trouble just means an unseeded gate.
func lastSampleTime(path string) time.Time {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		var s EquitySample
		if json.Unmarshal(lines[i], &s) == nil && !s.Timestamp.IsZero() {
			return s.Timestamp
		}
	}
	return time.Time{}
}
