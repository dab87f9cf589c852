package runqueue

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether the run holds its session's execution slot.
func (s Status) Active() bool {
	return s == StatusClaimed || s == StatusRunning
}

// Cancelable reports whether session cancellation applies to the run.
func (s Status) Cancelable() bool {
	return s == StatusQueued || s.Active()
}

// ScheduleMode controls when a run becomes eligible for claiming.
type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "immediate"
	ScheduleScheduled ScheduleMode = "scheduled"
	ScheduleNightly   ScheduleMode = "nightly"
)

// Valid reports whether m is a known schedule mode.
func (m ScheduleMode) Valid() bool {
	switch m {
	case ScheduleImmediate, ScheduleScheduled, ScheduleNightly:
		return true
	}
	return false
}

// SessionStatus mirrors the coarse state of the owning session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// Run is one queued unit of agent work for a session.
type Run struct {
	ID             string         `json:"run_id"`
	SessionID      string         `json:"session_id"`
	UserMessageID  int64          `json:"user_message_id"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	ScheduleMode   ScheduleMode   `json:"schedule_mode"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Owner returns claimed_by or "" when unowned.
func (r *Run) Owner() string {
	if r == nil || r.ClaimedBy == nil {
		return ""
	}
	return *r.ClaimedBy
}

// Clone returns a deep-enough copy for compare-and-swap updates.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ClaimedBy = cloneString(r.ClaimedBy)
	cp.LastError = cloneString(r.LastError)
	cp.LeaseExpiresAt = cloneTime(r.LeaseExpiresAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	if r.ConfigSnapshot != nil {
		cp.ConfigSnapshot = make(map[string]any, len(r.ConfigSnapshot))
		for k, v := range r.ConfigSnapshot {
			cp.ConfigSnapshot[k] = v
		}
	}
	return &cp
}

// Session is the minimal view of a conversation the queue needs.
type Session struct {
	ID                  string         `json:"session_id"`
	UserID              string         `json:"user_id"`
	Status              SessionStatus  `json:"status"`
	ConfigSnapshot      map[string]any `json:"config_snapshot,omitempty"`
	SDKSessionID        *string        `json:"sdk_session_id,omitempty"`
	WorkspaceArchiveURL *string        `json:"workspace_archive_url,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Message is a stored conversation message. Content is the structured payload.
type Message struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id"`
	Role        string         `json:"role"`
	Content     map[string]any `json:"content"`
	TextPreview *string        `json:"text_preview,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EnqueueParams describes a run to enqueue.
type EnqueueParams struct {
	SessionID      string
	UserMessageID  int64
	ScheduleMode   ScheduleMode
	ScheduledAt    *time.Time
	ConfigSnapshot map[string]any
}

// ClaimParams selects work for a worker.
type ClaimParams struct {
	WorkerID      string
	LeaseSeconds  int
	ScheduleModes []string
}

// ClaimRequest is the normalized claim handed to a Store.
type ClaimRequest struct {
	WorkerID      string
	Lease         time.Duration
	Now           time.Time
	ScheduleModes []ScheduleMode
}

// Claim is a claimed run with everything a worker needs to execute it.
type Claim struct {
	Run            *Run           `json:"run"`
	UserID         string         `json:"user_id"`
	Prompt         string         `json:"prompt"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
	SDKSessionID   *string        `json:"sdk_session_id,omitempty"`
}

// TaskRequest is the externally exposed enqueue request.
type TaskRequest struct {
	UserID       string         `json:"user_id"`
	Prompt       string         `json:"prompt"`
	Config       map[string]any `json:"config,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ScheduleMode ScheduleMode   `json:"schedule_mode"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
}

// TaskResult is returned by EnqueueTask.
type TaskResult struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Status    Status `json:"status"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func stringPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
