package notification

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/core"
)

// writeHook drops an executable shell script that records its first argument.
func writeHook(t *testing.T) (bin, outFile string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "hook.sh")
	outFile = filepath.Join(dir, "out.txt")

	script := "#!/bin/sh\nprintf '%s' \"$1\" > " + outFile + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, outFile
}

func TestScriptNotify(t *testing.T) {
	bin, outFile := writeHook(t)

	NewScript(bin).Notify("hello from the engine")

	got, err := os.ReadFile(outFile)
	require.NoError(t, err)
	require.Equal(t, "hello from the engine", string(got))
}

func TestScriptOnTrade(t *testing.T) {
	bin, outFile := writeHook(t)

	NewScript(bin).OnTrade(core.Trade{
		Symbol:   "BTCUSDT",
		Side:     core.SignalBuy,
		Quantity: 0.5,
		Price:    64000,
	})

	got, err := os.ReadFile(outFile)
	require.NoError(t, err)
	require.Contains(t, string(got), "BUY - BTCUSDT")
	require.Contains(t, string(got), "Quantity: `0.500000`")
}

func TestScriptMissingBinaryIsSilent(t *testing.T) {
	// A broken hook must never panic or block the caller.
	NewScript(filepath.Join(t.TempDir(), "absent")).Notify("dropped")
}
