package runqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultLeaseSeconds applies when a claim asks for a non-positive lease.
	DefaultLeaseSeconds = 30
	// MaxLeaseSeconds caps a claim's lease.
	MaxLeaseSeconds = 24 * 60 * 60

	// DefaultListLimit and MaxListLimit bound ListRuns pages.
	DefaultListLimit = 100
	MaxListLimit     = 500

	// scheduledGrace absorbs client clock skew for scheduled_at == now.
	scheduledGrace = time.Second

	// casAttempts bounds re-reads after a lost compare-and-swap.
	casAttempts = 3
)

// Service implements run queue transitions on top of a Store.
type Service struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (UTC is enforced by the service).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a queue service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the backing store.
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Enqueue creates a queued run after resolving its schedule.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, invalid("Enqueue", "session_id cannot be empty")
	}

	now := s.clock()
	mode, scheduledAt, err := resolveSchedule(p.ScheduleMode, p.ScheduledAt, now)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:             uuid.NewString(),
		SessionID:      p.SessionID,
		UserMessageID:  p.UserMessageID,
		Status:         StatusQueued,
		ScheduleMode:   mode,
		ScheduledAt:    scheduledAt,
		ConfigSnapshot: p.ConfigSnapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.logger.Debug("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
		zap.String("schedule_mode", string(run.ScheduleMode)),
		zap.Time("scheduled_at", run.ScheduledAt))
	return run, nil
}

// resolveSchedule normalizes the schedule mode and eligibility time.
func resolveSchedule(mode ScheduleMode, at *time.Time, now time.Time) (ScheduleMode, time.Time, error) {
	mode = ScheduleMode(strings.TrimSpace(string(mode)))
	if mode == "" {
		return "", time.Time{}, invalid("Enqueue", "schedule_mode cannot be empty")
	}
	if !mode.Valid() {
		return "", time.Time{}, invalid("Enqueue", "invalid schedule_mode: %s", mode)
	}

	switch mode {
	case ScheduleNightly:
		if at != nil {
			return "", time.Time{}, invalid("Enqueue", "scheduled_at is not supported for nightly runs")
		}
		return mode, now, nil
	case ScheduleScheduled:
		if at == nil {
			return "", time.Time{}, invalid("Enqueue", "scheduled_at is required for scheduled runs")
		}
	case ScheduleImmediate:
		if at == nil {
			return mode, now, nil
		}
		// An explicit time turns an immediate request into a scheduled one.
		mode = ScheduleScheduled
	}

	when := at.UTC()
	if when.Before(now.Add(-scheduledGrace)) {
		return "", time.Time{}, invalid("Enqueue", "scheduled_at must not be in the past")
	}
	return mode, when, nil
}

// EnqueueTask records the user prompt on a new or existing session and enqueues a run.
func (s *Service) EnqueueTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, invalid("EnqueueTask", "user_id cannot be empty")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, invalid("EnqueueTask", "prompt cannot be empty")
	}
	if req.ScheduleMode == "" {
		req.ScheduleMode = ScheduleImmediate
	}
	now := s.clock()
	// Validate the schedule before any writes happen.
	if _, _, err := resolveSchedule(req.ScheduleMode, req.ScheduledAt, now); err != nil {
		return nil, err
	}

	var session *Session
	if sid := strings.TrimSpace(req.SessionID); sid != "" {
		existing, err := s.store.GetSession(ctx, sid)
		if err != nil {
			if IsNotFound(err) {
				return nil, &QueueError{Op: "EnqueueTask", SessionID: sid, Msg: "session not found: " + sid, Err: ErrNotFound}
			}
			return nil, fmt.Errorf("get session: %w", err)
		}
		if existing.UserID != userID {
			return nil, &QueueError{Op: "EnqueueTask", SessionID: sid, Msg: "session does not belong to user", Err: ErrForbidden}
		}
		existing.ConfigSnapshot = MergeConfig(existing.ConfigSnapshot, req.Config)
		existing.Status = SessionPending
		existing.UpdatedAt = now
		if err := s.store.UpdateSession(ctx, existing); err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
		session = existing
	} else {
		session = &Session{
			ID:             uuid.NewString(),
			UserID:         userID,
			Status:         SessionPending,
			ConfigSnapshot: MergeConfig(nil, req.Config),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	msg := &Message{
		SessionID:   session.ID,
		Role:        "user",
		Content:     UserMessageContent(prompt),
		TextPreview: stringPtr(TextPreview(prompt)),
		CreatedAt:   now,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	run, err := s.Enqueue(ctx, EnqueueParams{
		SessionID:      session.ID,
		UserMessageID:  msg.ID,
		ScheduleMode:   req.ScheduleMode,
		ScheduledAt:    req.ScheduledAt,
		ConfigSnapshot: session.ConfigSnapshot,
	})
	if err != nil {
		return nil, err
	}

	return &TaskResult{SessionID: session.ID, RunID: run.ID, Status: run.Status}, nil
}

// ClaimNext atomically claims the oldest eligible run for a worker. It returns
// nil, nil when there is no eligible work.
func (s *Service) ClaimNext(ctx context.Context, p ClaimParams) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	workerID := strings.TrimSpace(p.WorkerID)
	if workerID == "" {
		return nil, invalid("ClaimNext", "worker_id cannot be empty")
	}

	var modes []ScheduleMode
	for _, raw := range p.ScheduleModes {
		m := ScheduleMode(strings.TrimSpace(raw))
		if m == "" {
			continue
		}
		if !m.Valid() {
			return nil, invalid("ClaimNext", "invalid schedule_mode: %s", m)
		}
		modes = append(modes, m)
	}

	lease := p.LeaseSeconds
	if lease <= 0 {
		lease = DefaultLeaseSeconds
	}
	if lease > MaxLeaseSeconds {
		return nil, invalid("ClaimNext", "lease_seconds must be at most %d", MaxLeaseSeconds)
	}

	run, err := s.store.ClaimNext(ctx, ClaimRequest{
		WorkerID:      workerID,
		Lease:         time.Duration(lease) * time.Second,
		Now:           s.clock(),
		ScheduleModes: modes,
	})
	if err != nil {
		return nil, fmt.Errorf("claim next run: %w", err)
	}
	if run != nil {
		s.logger.Debug("run claimed",
			zap.String("run_id", run.ID),
			zap.String("session_id", run.SessionID),
			zap.String("worker_id", workerID))
	}
	return run, nil
}

// ClaimDispatch claims a run and resolves the session and prompt needed to execute it.
func (s *Service) ClaimDispatch(ctx context.Context, p ClaimParams) (*Claim, error) {
	run, err := s.ClaimNext(ctx, p)
	if err != nil || run == nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := s.store.GetSession(ctx, run.SessionID)
	if err != nil {
		if IsNotFound(err) {
			err = &QueueError{Op: "ClaimDispatch", SessionID: run.SessionID, Msg: "session not found: " + run.SessionID, Err: ErrNotFound}
			return nil, s.failUndispatchable(ctx, run, err)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	msg, err := s.store.GetMessage(ctx, run.UserMessageID)
	if err != nil {
		if IsNotFound(err) {
			err = &QueueError{Op: "ClaimDispatch", RunID: run.ID, Msg: fmt.Sprintf("message not found: %d", run.UserMessageID), Err: ErrNotFound}
			return nil, s.failUndispatchable(ctx, run, err)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	prompt, ok := ExtractPrompt(msg)
	if !ok {
		return nil, s.failUndispatchable(ctx, run, invalid("ClaimDispatch", "unable to extract prompt from message"))
	}

	cfg := run.ConfigSnapshot
	if cfg == nil {
		cfg = session.ConfigSnapshot
	}
	return &Claim{
		Run:            run,
		UserID:         session.UserID,
		Prompt:         prompt,
		ConfigSnapshot: cfg,
		SDKSessionID:   session.SDKSessionID,
	}, nil
}

// failUndispatchable fails a freshly claimed run that can never be executed, so
// lease expiry does not hand it out again. It returns cause.
func (s *Service) failUndispatchable(ctx context.Context, run *Run, cause error) error {
	reason := cause.Error()
	var qe *QueueError
	if errors.As(cause, &qe) && qe.Msg != "" {
		reason = qe.Msg
	}
	if _, err := s.FailRun(ctx, run.ID, run.Owner(), &reason); err != nil {
		s.logger.Warn("failed to fail undispatchable run",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	return cause
}

// StartRun moves a claimed run to running. Repeated calls by the owner are no-ops.
func (s *Service) StartRun(ctx context.Context, runID, workerID string) (*Run, error) {
	const op = "StartRun"
	if ctx == nil {
		ctx = context.Background()
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, invalid(op, "worker_id cannot be empty")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		run, err := s.getRun(ctx, op, runID)
		if err != nil {
			return nil, err
		}

		if run.Status.Terminal() {
			return run, nil
		}
		owner := run.Owner()
		if run.Status == StatusRunning {
			if owner != "" && owner != workerID {
				return nil, forbidden(op, runID, "run is claimed by another worker")
			}
			return run, nil
		}
		if run.Status != StatusClaimed && run.Status != StatusQueued {
			return nil, invalid(op, "run status cannot be started: %s", run.Status)
		}
		if owner != "" && owner != workerID {
			return nil, forbidden(op, runID, "run is claimed by another worker")
		}

		session, err := s.store.GetSession(ctx, run.SessionID)
		if err != nil {
			if IsNotFound(err) {
				return nil, &QueueError{Op: op, SessionID: run.SessionID, Msg: "session not found: " + run.SessionID, Err: ErrNotFound}
			}
			return nil, fmt.Errorf("get session: %w", err)
		}

		now := s.clock()
		next := run.Clone()
		next.Status = StatusRunning
		next.StartedAt = timePtr(now)
		next.LeaseExpiresAt = nil
		next.Attempts++
		next.ClaimedBy = stringPtr(workerID)
		next.UpdatedAt = now

		swapped, err := s.store.CompareAndSwapRun(ctx, next, run.Status, owner)
		if err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		if !swapped {
			continue
		}

		session.Status = SessionRunning
		session.UpdatedAt = now
		if err := s.store.UpdateSession(ctx, session); err != nil {
			s.logger.Warn("failed to mark session running",
				zap.String("session_id", session.ID), zap.Error(err))
		}
		return next, nil
	}
	return nil, &QueueError{Op: op, RunID: runID, Msg: "run changed concurrently", Err: ErrConflict}
}

// FailRun marks a run failed. Ownership is enforced only when the run is claimed.
func (s *Service) FailRun(ctx context.Context, runID, workerID string, errorMessage *string) (*Run, error) {
	return s.finish(ctx, "FailRun", runID, workerID, StatusFailed, errorMessage)
}

// CompleteRun marks a run completed. Already-terminal runs are returned unchanged.
func (s *Service) CompleteRun(ctx context.Context, runID, workerID string) (*Run, error) {
	return s.finish(ctx, "CompleteRun", runID, workerID, StatusCompleted, nil)
}

func (s *Service) finish(ctx context.Context, op, runID, workerID string, status Status, errorMessage *string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, invalid(op, "worker_id cannot be empty")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		run, err := s.getRun(ctx, op, runID)
		if err != nil {
			return nil, err
		}
		owner := run.Owner()
		if owner != "" && owner != workerID {
			return nil, forbidden(op, runID, "run is claimed by another worker")
		}
		if status == StatusCompleted && run.Status.Terminal() {
			return run, nil
		}

		now := s.clock()
		next := run.Clone()
		next.Status = status
		next.FinishedAt = timePtr(now)
		next.LeaseExpiresAt = nil
		next.UpdatedAt = now
		if status == StatusFailed {
			next.LastError = cloneString(errorMessage)
		} else {
			next.Progress = 100
		}

		swapped, err := s.store.CompareAndSwapRun(ctx, next, run.Status, owner)
		if err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		if !swapped {
			continue
		}

		s.setSessionStatus(ctx, run.SessionID, sessionStatusFor(status), now)
		return next, nil
	}
	return nil, &QueueError{Op: op, RunID: runID, Msg: "run changed concurrently", Err: ErrConflict}
}

// CancelSessionRuns cancels every queued, claimed or running run of a session,
// including runs scheduled in the future.
func (s *Service) CancelSessionRuns(ctx context.Context, sessionID string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(sessionID) == "" {
		return 0, invalid("CancelSessionRuns", "session_id cannot be empty")
	}
	now := s.clock()
	n, err := s.store.CancelSessionRuns(ctx, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel session runs: %w", err)
	}
	s.setSessionStatus(ctx, sessionID, SessionCanceled, now)
	s.logger.Info("session runs canceled", zap.String("session_id", sessionID), zap.Int("canceled", n))
	return n, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.getRun(ctx, "GetRun", runID)
}

// ListRuns returns a session's runs ordered by eligibility.
func (s *Service) ListRuns(ctx context.Context, sessionID string, limit, offset int) ([]*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	runs, err := s.store.ListRunsBySession(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &QueueError{Op: "GetSession", SessionID: sessionID, Msg: "session not found: " + sessionID, Err: ErrNotFound}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// RecordWorkspaceArchive stores the archive location of a session's workspace.
func (s *Service) RecordWorkspaceArchive(ctx context.Context, sessionID, url string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.WorkspaceArchiveURL = stringPtr(url)
	session.UpdatedAt = s.clock()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Service) getRun(ctx context.Context, op, runID string) (*Run, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, invalid(op, "run_id cannot be empty")
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if IsNotFound(err) {
			return nil, runNotFound(op, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Service) setSessionStatus(ctx context.Context, sessionID string, status SessionStatus, now time.Time) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
	session.Status = status
	session.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Warn("failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func sessionStatusFor(status Status) SessionStatus {
	switch status {
	case StatusCompleted:
		return SessionCompleted
	case StatusFailed:
		return SessionFailed
	case StatusCanceled:
		return SessionCanceled
	}
	return SessionRunning
}
