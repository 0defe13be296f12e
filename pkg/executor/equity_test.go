package executor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func splitLines(data []byte) [][]byte {
	return bytes.Split(bytes.TrimSpace(data), []byte("\n"))
}

func TestEquityLogInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.jsonl")
	log := NewEquityLog(path, time.Hour)

	wrote, err := log.Sample(t0, 10_000, 0)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = log.Sample(t0.Add(30*time.Minute), 10_100, 1)
	require.NoError(t, err)
	require.False(t, wrote)

	wrote, err = log.Sample(t0.Add(time.Hour), 10_200, 1)
	require.NoError(t, err)
	require.True(t, wrote)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 2)

	var first, last EquitySample
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &last))
	require.Equal(t, 10_000.0, first.Equity)
	require.Equal(t, t0, first.Timestamp)
	require.Equal(t, 10_200.0, last.Equity)
	require.Equal(t, 1, last.Positions)
}

func TestEquityLogSeedsCadenceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.jsonl")

	log := NewEquityLog(path, time.Hour)
	_, err := log.Sample(t0, 10_000, 0)
	require.NoError(t, err)

	// A fresh instance keeps the hourly cadence across restarts.
	reopened := NewEquityLog(path, time.Hour)
	wrote, err := reopened.Sample(t0.Add(10*time.Minute), 10_050, 0)
	require.NoError(t, err)
	require.False(t, wrote)

	wrote, err = reopened.Sample(t0.Add(90*time.Minute), 10_050, 0)
	require.NoError(t, err)
	require.True(t, wrote)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, splitLines(data), 2)
}
