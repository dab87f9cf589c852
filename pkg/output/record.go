// Package output writes run activity as JSONL.
//
// Each line is a typed envelope with a timestamp, the session it belongs to
// and a type-specific payload, so a stream can be tailed and parsed one line
// at a time.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types. The suffix versions the payload shape.
const (
	TypeRun     = "agentdock.run.v1"
	TypeError   = "agentdock.error.v1"
	TypeSummary = "agentdock.summary.v1"
)

// Record is the envelope for every JSONL line.
type Record struct {
	Type      string          `json:"type"`
	TS        time.Time       `json:"ts"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ErrorRecord reports a failure while producing the stream.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// SummaryRecord closes a stream.
type SummaryRecord struct {
	// Runs is the number of runs seen in the last snapshot.
	Runs int `json:"runs"`

	// Changes counts run records emitted over the stream.
	Changes int `json:"changes"`

	// Statuses counts runs by status in the last snapshot.
	Statuses map[string]int `json:"statuses"`

	// Idle is true when no run was queued, claimed or running.
	Idle bool `json:"idle"`

	DurationMs int64 `json:"duration_ms"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output writer closed")

// WriteError wraps a marshal or write failure.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
