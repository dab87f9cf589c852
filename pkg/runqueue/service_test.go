package runqueue_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentdock/pkg/runqueue"
	"github.com/3leaps/agentdock/pkg/runstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T) (*runqueue.Service, *fakeClock) {
	t.Helper()
	store, err := runstore.OpenStore(context.Background(), runstore.Config{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)}
	return runqueue.NewService(store, runqueue.WithClock(clock.Now)), clock
}

func enqueueTask(t *testing.T, svc *runqueue.Service, sessionID string) *runqueue.TaskResult {
	t.Helper()
	res, err := svc.EnqueueTask(context.Background(), runqueue.TaskRequest{
		UserID:       "user-1",
		Prompt:       "summarize the repo",
		SessionID:    sessionID,
		ScheduleMode: runqueue.ScheduleImmediate,
	})
	require.NoError(t, err)
	return res
}

func TestEnqueueScheduleResolution(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	task := enqueueTask(t, svc, "")
	now := clock.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	zoned := future.In(time.FixedZone("PDT", -7*3600))

	tests := []struct {
		name     string
		mode     runqueue.ScheduleMode
		at       *time.Time
		wantMode runqueue.ScheduleMode
		wantAt   time.Time
		wantErr  bool
	}{
		{name: "immediate defaults to now", mode: runqueue.ScheduleImmediate, wantMode: runqueue.ScheduleImmediate, wantAt: now},
		{name: "immediate with time becomes scheduled", mode: runqueue.ScheduleImmediate, at: &future, wantMode: runqueue.ScheduleScheduled, wantAt: future},
		{name: "scheduled normalizes to utc", mode: runqueue.ScheduleScheduled, at: &zoned, wantMode: runqueue.ScheduleScheduled, wantAt: future},
		{name: "scheduled requires time", mode: runqueue.ScheduleScheduled, wantErr: true},
		{name: "scheduled rejects past", mode: runqueue.ScheduleScheduled, at: &past, wantErr: true},
		{name: "nightly rejects time", mode: runqueue.ScheduleNightly, at: &future, wantErr: true},
		{name: "nightly", mode: runqueue.ScheduleNightly, wantMode: runqueue.ScheduleNightly, wantAt: now},
		{name: "empty mode", mode: "", wantErr: true},
		{name: "unknown mode", mode: "weekly", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := svc.Enqueue(ctx, runqueue.EnqueueParams{
				SessionID:     task.SessionID,
				UserMessageID: 1,
				ScheduleMode:  tt.mode,
				ScheduledAt:   tt.at,
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, runqueue.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, runqueue.StatusQueued, run.Status)
			assert.Equal(t, tt.wantMode, run.ScheduleMode)
			assert.True(t, tt.wantAt.Equal(run.ScheduledAt))
			assert.Equal(t, time.UTC, run.ScheduledAt.Location())
		})
	}
}

func TestEnqueueTaskValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.EnqueueTask(ctx, runqueue.TaskRequest{UserID: "u", Prompt: "   "})
	assert.True(t, runqueue.IsInvalidArgument(err))

	_, err = svc.EnqueueTask(ctx, runqueue.TaskRequest{UserID: "", Prompt: "hi"})
	assert.True(t, runqueue.IsInvalidArgument(err))

	_, err = svc.EnqueueTask(ctx, runqueue.TaskRequest{UserID: "u", Prompt: "hi", SessionID: "missing"})
	assert.True(t, runqueue.IsNotFound(err))

	task := enqueueTask(t, svc, "")
	_, err = svc.EnqueueTask(ctx, runqueue.TaskRequest{UserID: "other", Prompt: "hi", SessionID: task.SessionID})
	assert.True(t, runqueue.IsForbidden(err))
}

func TestEnqueueTaskMergesSessionConfig(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	first, err := svc.EnqueueTask(ctx, runqueue.TaskRequest{
		UserID: "user-1",
		Prompt: "one",
		Config: map[string]any{"browser_enabled": true, "model": "a", "env": map[string]any{"A": "1"}},
	})
	require.NoError(t, err)

	second, err := svc.EnqueueTask(ctx, runqueue.TaskRequest{
		UserID:    "user-1",
		Prompt:    "two",
		SessionID: first.SessionID,
		Config:    map[string]any{"model": nil, "env": map[string]any{"B": "2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	run, err := svc.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, true, run.ConfigSnapshot["browser_enabled"])
	assert.NotContains(t, run.ConfigSnapshot, "model")
	assert.Equal(t, map[string]any{"A": "1", "B": "2"}, run.ConfigSnapshot["env"])
}

func TestClaimDispatchReturnsPrompt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	claim, err := svc.ClaimDispatch(ctx, runqueue.ClaimParams{WorkerID: " worker-a ", LeaseSeconds: 0})
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, task.RunID, claim.Run.ID)
	assert.Equal(t, "summarize the repo", claim.Prompt)
	assert.Equal(t, "user-1", claim.UserID)
	assert.Equal(t, "worker-a", claim.Run.Owner())
	require.NotNil(t, claim.Run.LeaseExpiresAt)
	assert.Equal(t, 30*time.Second, claim.Run.LeaseExpiresAt.Sub(claim.Run.UpdatedAt))

	empty, err := svc.ClaimDispatch(ctx, runqueue.ClaimParams{WorkerID: "worker-b"})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestClaimNextValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "  "})
	assert.True(t, runqueue.IsInvalidArgument(err))

	_, err = svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w", ScheduleModes: []string{"bogus"}})
	assert.True(t, runqueue.IsInvalidArgument(err))

	run, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w", ScheduleModes: []string{" ", ""}})
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestClaimNextRejectsOversizedLease(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	task := enqueueTask(t, svc, "")

	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "wA", LeaseSeconds: 10_000_000_000})
	assert.True(t, runqueue.IsInvalidArgument(err))

	run, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "wA", LeaseSeconds: runqueue.MaxLeaseSeconds})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, task.RunID, run.ID)
	require.NotNil(t, run.LeaseExpiresAt)
	assert.True(t, run.LeaseExpiresAt.After(clock.Now()))

	clock.Advance(time.Second)
	other, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "wB"})
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSessionExclusivityAcrossClaims(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	first := enqueueTask(t, svc, "")
	enqueueTask(t, svc, first.SessionID)

	run, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, first.RunID, run.ID)

	blocked, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w2"})
	require.NoError(t, err)
	assert.Nil(t, blocked)

	_, err = svc.StartRun(ctx, run.ID, "w1")
	require.NoError(t, err)
	_, err = svc.CompleteRun(ctx, run.ID, "w1")
	require.NoError(t, err)

	next, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w2"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, first.RunID, next.ID)
}

func TestLeaseReclaimHandsRunToAnotherWorker(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	task := enqueueTask(t, svc, "")

	run, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1", LeaseSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, run)

	clock.Advance(2 * time.Second)

	again, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w2"})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.RunID, again.ID)
	assert.Equal(t, "w2", again.Owner())

	_, err = svc.StartRun(ctx, task.RunID, "w1")
	assert.True(t, runqueue.IsForbidden(err))
}

func TestStartRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)

	first, err := svc.StartRun(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Nil(t, first.LeaseExpiresAt)
	require.NotNil(t, first.StartedAt)

	second, err := svc.StartRun(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Attempts)
	assert.True(t, first.StartedAt.Equal(*second.StartedAt))

	_, err = svc.StartRun(ctx, task.RunID, "w2")
	assert.True(t, runqueue.IsForbidden(err))

	session, err := svc.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.SessionRunning, session.Status)
}

func TestStartRunOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	_, err := svc.StartRun(ctx, task.RunID, "")
	assert.True(t, runqueue.IsInvalidArgument(err))

	_, err = svc.StartRun(ctx, "missing", "w1")
	assert.True(t, runqueue.IsNotFound(err))

	_, err = svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)

	_, err = svc.StartRun(ctx, task.RunID, "w2")
	assert.True(t, runqueue.IsForbidden(err))
}

func TestStartRunOnTerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	n, err := svc.CancelSessionRuns(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := svc.StartRun(ctx, task.RunID, "anyone")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCanceled, run.Status)
	assert.Zero(t, run.Attempts)
}

func TestFailRun(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)

	msg := "executor crashed"
	_, err = svc.FailRun(ctx, task.RunID, "w2", &msg)
	assert.True(t, runqueue.IsForbidden(err))

	run, err := svc.FailRun(ctx, task.RunID, "w1", &msg)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, msg, *run.LastError)
	assert.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.LeaseExpiresAt)

	session, err := svc.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.SessionFailed, session.Status)
}

func TestFailRunUnclaimedAcceptsAnyWorker(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	run, err := svc.FailRun(ctx, task.RunID, "janitor", nil)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusFailed, run.Status)
	assert.Nil(t, run.LastError)
}

func TestCompleteRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = svc.StartRun(ctx, task.RunID, "w1")
	require.NoError(t, err)

	done, err := svc.CompleteRun(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)

	again, err := svc.CompleteRun(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.True(t, done.FinishedAt.Equal(*again.FinishedAt))

	_, err = svc.CompleteRun(ctx, task.RunID, "w2")
	assert.True(t, runqueue.IsForbidden(err))
}

func TestCancelSessionRunsIncludesFutureRuns(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	task := enqueueTask(t, svc, "")
	future := clock.Now().Add(48 * time.Hour)
	_, err := svc.Enqueue(ctx, runqueue.EnqueueParams{
		SessionID:     task.SessionID,
		UserMessageID: 1,
		ScheduleMode:  runqueue.ScheduleScheduled,
		ScheduledAt:   &future,
	})
	require.NoError(t, err)

	_, err = svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)

	n, err := svc.CancelSessionRuns(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err := svc.ListRuns(ctx, task.SessionID, 0, 0)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, runqueue.StatusCanceled, r.Status)
		assert.Nil(t, r.ClaimedBy)
	}

	session, err := svc.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.SessionCanceled, session.Status)
}

func TestEndToEndEnqueueClaimStartFail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	task := enqueueTask(t, svc, "")

	claim, err := svc.ClaimDispatch(ctx, runqueue.ClaimParams{WorkerID: "w"})
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, runqueue.StatusClaimed, claim.Run.Status)

	started, err := svc.StartRun(ctx, task.RunID, "w")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusRunning, started.Status)

	reason := "boom"
	failed, err := svc.FailRun(ctx, task.RunID, "w", &reason)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusFailed, failed.Status)
	assert.Equal(t, "boom", *failed.LastError)
	assert.NotNil(t, failed.FinishedAt)
}

func TestClaimDispatchFailsRunWithoutPrompt(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	task := enqueueTask(t, svc, "")

	// Drain the healthy run so the broken one is next.
	_, err := svc.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w0"})
	require.NoError(t, err)
	_, err = svc.CompleteRun(ctx, task.RunID, "w0")
	require.NoError(t, err)

	msg := &runqueue.Message{
		SessionID: task.SessionID,
		Role:      "user",
		Content:   map[string]any{"content": []any{}},
		CreatedAt: clock.Now(),
	}
	require.NoError(t, svc.Store().CreateMessage(ctx, msg))
	broken, err := svc.Enqueue(ctx, runqueue.EnqueueParams{
		SessionID:     task.SessionID,
		UserMessageID: msg.ID,
		ScheduleMode:  runqueue.ScheduleImmediate,
	})
	require.NoError(t, err)

	claim, err := svc.ClaimDispatch(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	assert.Nil(t, claim)
	assert.True(t, runqueue.IsInvalidArgument(err))

	run, err := svc.GetRun(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "prompt")
}
