// Package dispatch connects the run queue to the container pool: workers claim
// runs, acquire an executor container, mark the run started and hand the task
// to the executor. Completion and cancellation release the container again.
package dispatch

import (
	"context"
	"strings"

	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// Queue is the slice of runqueue.Service dispatch needs.
type Queue interface {
	ClaimDispatch(ctx context.Context, p runqueue.ClaimParams) (*runqueue.Claim, error)
	StartRun(ctx context.Context, runID, workerID string) (*runqueue.Run, error)
	FailRun(ctx context.Context, runID, workerID string, errorMessage *string) (*runqueue.Run, error)
	CompleteRun(ctx context.Context, runID, workerID string) (*runqueue.Run, error)
	GetRun(ctx context.Context, runID string) (*runqueue.Run, error)
	GetSession(ctx context.Context, sessionID string) (*runqueue.Session, error)
	CancelSessionRuns(ctx context.Context, sessionID string) (int, error)
	RecordWorkspaceArchive(ctx context.Context, sessionID, url string) error
}

// Pool is the slice of containerpool.Pool dispatch needs.
type Pool interface {
	GetOrCreateContainer(ctx context.Context, req containerpool.Request) (*containerpool.Acquisition, error)
	OnTaskComplete(ctx context.Context, sessionID string)
	CancelTask(ctx context.Context, sessionID string) error
}

var (
	_ Queue = (*runqueue.Service)(nil)
	_ Pool  = (*containerpool.Pool)(nil)
)

// Task is the payload posted to an executor.
type Task struct {
	RunID           string         `json:"run_id"`
	SessionID       string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	WorkerID        string         `json:"worker_id"`
	Prompt          string         `json:"prompt"`
	Config          map[string]any `json:"config,omitempty"`
	SDKSessionID    *string        `json:"sdk_session_id,omitempty"`
	CallbackBaseURL string         `json:"callback_base_url,omitempty"`
	ContainerID     string         `json:"container_id,omitempty"`
}

// Config keys read from a run's config snapshot.
const (
	configBrowserEnabled = "browser_enabled"
	configContainerMode  = "container_mode"
	configContainerID    = "container_id"
)

func boolSetting(cfg map[string]any, key string, fallback bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	case float64:
		return v != 0
	}
	return fallback
}

func stringSetting(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
