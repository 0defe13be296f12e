package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Operator actions accepted through the command queue.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionClose  = "close"
	ActionStatus = "status"
)

// Command is one operator request. The queue file holds a JSON array of
// these; a bare object is accepted too.
type Command struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Symbol string `json:"symbol,omitempty"`
}

// Response is the recorded outcome of one command.
type Response struct {
	ID     string    `json:"id,omitempty"`
	Action string    `json:"action"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// CommandQueue exchanges operator commands through the filesystem: requests
// are dropped as a JSON file that each poll consumes whole, outcomes are
// appended to a line-delimited response log next to it.
type CommandQueue struct {
	queuePath    string
	responsePath string
}

// NewCommandQueue builds a queue reading queuePath and appending responses
// to responsePath.
func NewCommandQueue(queuePath, responsePath string) *CommandQueue {
	return &CommandQueue{queuePath: queuePath, responsePath: responsePath}
}

// Poll reads and removes the pending queue file. A missing file means no
// commands. A malformed file is still consumed, so one bad drop cannot wedge
// the queue.
func (q *CommandQueue) Poll() ([]Command, error) {
	data, err := os.ReadFile(q.queuePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read command queue: %w", err)
	}
	if err := os.Remove(q.queuePath); err != nil {
		return nil, fmt.Errorf("consume command queue: %w", err)
	}

	var cmds []Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		var single Command
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("parse command queue %s: %w", q.queuePath, err)
		}
		cmds = []Command{single}
	}
	return cmds, nil
}

// Respond appends one outcome line to the response log.
func (q *CommandQueue) Respond(resp Response) error {
	if resp.At.IsZero() {
		resp.At = time.Now().UTC()
	}
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.responsePath), 0o755); err != nil {
		return fmt.Errorf("command response dir: %w", err)
	}
	f, err := os.OpenFile(q.responsePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open command responses: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append command response: %w", err)
	}
	return nil
}
