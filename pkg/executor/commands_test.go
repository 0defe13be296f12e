package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*CommandQueue, string, string) {
	t.Helper()
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "commands.json")
	respPath := filepath.Join(dir, "responses.jsonl")
	return NewCommandQueue(queuePath, respPath), queuePath, respPath
}

func TestPollConsumesQueue(t *testing.T) {
	q, queuePath, _ := testQueue(t)

	// No file means no commands.
	cmds, err := q.Poll()
	require.NoError(t, err)
	require.Empty(t, cmds)

	payload := `[{"id":"a","action":"pause"},{"id":"b","action":"close","symbol":"BTCUSDT"}]`
	require.NoError(t, os.WriteFile(queuePath, []byte(payload), 0o644))

	cmds, err = q.Poll()
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, Command{ID: "a", Action: ActionPause}, cmds[0])
	require.Equal(t, Command{ID: "b", Action: ActionClose, Symbol: "BTCUSDT"}, cmds[1])

	// The file is consumed whole.
	require.NoFileExists(t, queuePath)
	cmds, err = q.Poll()
	require.NoError(t, err)
	require.Empty(t, cmds)
}

func TestPollAcceptsBareObject(t *testing.T) {
	q, queuePath, _ := testQueue(t)
	require.NoError(t, os.WriteFile(queuePath, []byte(`{"action":"status"}`), 0o644))

	cmds, err := q.Poll()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, ActionStatus, cmds[0].Action)
}

func TestPollConsumesMalformedDrop(t *testing.T) {
	q, queuePath, _ := testQueue(t)
	require.NoError(t, os.WriteFile(queuePath, []byte("{nope"), 0o644))

	_, err := q.Poll()
	require.Error(t, err)

	// One bad drop cannot wedge the queue.
	require.NoFileExists(t, queuePath)
	cmds, err := q.Poll()
	require.NoError(t, err)
	require.Empty(t, cmds)
}

func TestRespondAppends(t *testing.T) {
	q, _, respPath := testQueue(t)
	at := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Respond(Response{ID: "a", Action: ActionPause, Status: "ok", At: at}))
	require.NoError(t, q.Respond(Response{ID: "b", Action: ActionClose, Status: "error", Detail: "no position", At: at}))

	data, err := os.ReadFile(respPath)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 2)

	var first, second Response
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, "ok", first.Status)
	require.Equal(t, at, first.At)
	require.Equal(t, "no position", second.Detail)
}
