//go:build pgintegration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentdock/pkg/runqueue"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("AGENTDOCK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("AGENTDOCK_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, Config{URL: url, MaxConns: 8})
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx, `TRUNCATE runs, messages, sessions RESTART IDENTITY`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSession(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), &runqueue.Session{
		ID:        id,
		UserID:    "user-1",
		Status:    runqueue.SessionPending,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}))
}

func seedRun(t *testing.T, store *Store, id, sessionID string, scheduledAt time.Time, mode runqueue.ScheduleMode) {
	t.Helper()
	require.NoError(t, store.CreateRun(context.Background(), &runqueue.Run{
		ID:            id,
		SessionID:     sessionID,
		UserMessageID: 1,
		Status:        runqueue.StatusQueued,
		ScheduleMode:  mode,
		ScheduledAt:   scheduledAt,
		CreatedAt:     scheduledAt,
		UpdatedAt:     scheduledAt,
	}))
}

func claim(t *testing.T, store *Store, worker string, now time.Time, modes ...runqueue.ScheduleMode) *runqueue.Run {
	t.Helper()
	run, err := store.ClaimNext(context.Background(), runqueue.ClaimRequest{
		WorkerID:      worker,
		Lease:         30 * time.Second,
		Now:           now,
		ScheduleModes: modes,
	})
	require.NoError(t, err)
	return run
}

func TestPostgresClaimOrderAndExclusivity(t *testing.T) {
	store := openTestStore(t)
	seedSession(t, store, "s1")
	seedSession(t, store, "s2")
	seedRun(t, store, "r-late", "s1", baseTime.Add(-time.Minute), runqueue.ScheduleImmediate)
	seedRun(t, store, "r-early", "s1", baseTime.Add(-time.Hour), runqueue.ScheduleImmediate)
	seedRun(t, store, "r-other", "s2", baseTime.Add(-30*time.Minute), runqueue.ScheduleImmediate)
	seedRun(t, store, "r-future", "s2", baseTime.Add(time.Hour), runqueue.ScheduleScheduled)

	first := claim(t, store, "w1", baseTime)
	require.NotNil(t, first)
	assert.Equal(t, "r-early", first.ID)
	assert.Equal(t, "w1", first.Owner())
	require.NotNil(t, first.LeaseExpiresAt)
	assert.True(t, first.LeaseExpiresAt.Equal(baseTime.Add(30*time.Second)))

	second := claim(t, store, "w2", baseTime)
	require.NotNil(t, second)
	assert.Equal(t, "r-other", second.ID, "s1 already has an active run")

	assert.Nil(t, claim(t, store, "w3", baseTime))
}

func TestPostgresReclaimsExpiredLease(t *testing.T) {
	store := openTestStore(t)
	seedSession(t, store, "s1")
	seedRun(t, store, "r1", "s1", baseTime.Add(-time.Minute), runqueue.ScheduleImmediate)

	require.NotNil(t, claim(t, store, "w1", baseTime))
	assert.Nil(t, claim(t, store, "w2", baseTime.Add(10*time.Second)))

	again := claim(t, store, "w2", baseTime.Add(31*time.Second))
	require.NotNil(t, again)
	assert.Equal(t, "w2", again.Owner())
}

func TestPostgresModeFilter(t *testing.T) {
	store := openTestStore(t)
	seedSession(t, store, "s1")
	seedSession(t, store, "s2")
	seedRun(t, store, "r-now", "s1", baseTime.Add(-time.Minute), runqueue.ScheduleImmediate)
	seedRun(t, store, "r-night", "s2", baseTime.Add(-time.Minute), runqueue.ScheduleNightly)

	run := claim(t, store, "w1", baseTime, runqueue.ScheduleNightly)
	require.NotNil(t, run)
	assert.Equal(t, "r-night", run.ID)
}

func TestPostgresConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	store := openTestStore(t)
	const sessions = 10
	for i := 0; i < sessions; i++ {
		sid := fmt.Sprintf("s%02d", i)
		seedSession(t, store, sid)
		for j := 0; j < 3; j++ {
			seedRun(t, store, uuid.NewString(), sid, baseTime.Add(-time.Duration(j+1)*time.Minute), runqueue.ScheduleImmediate)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				run, err := store.ClaimNext(context.Background(), runqueue.ClaimRequest{
					WorkerID: worker, Lease: time.Minute, Now: baseTime,
				})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[run.SessionID]; dup {
					t.Errorf("session %s claimed twice (%s and %s)", run.SessionID, prev, run.ID)
				}
				claimed[run.SessionID] = run.ID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, sessions)
}

func TestPostgresServiceLifecycle(t *testing.T) {
	store := openTestStore(t)
	svc := runqueue.NewService(store, runqueue.WithClock(func() time.Time { return baseTime }))
	ctx := context.Background()

	res, err := svc.EnqueueTask(ctx, runqueue.TaskRequest{UserID: "u1", Prompt: "hello", Config: map[string]any{"model": "m"}})
	require.NoError(t, err)

	claimed, err := svc.ClaimDispatch(ctx, runqueue.ClaimParams{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, res.RunID, claimed.Run.ID)
	assert.Equal(t, "hello", claimed.Prompt)
	assert.Equal(t, "m", claimed.ConfigSnapshot["model"])

	run, err := svc.StartRun(ctx, res.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusRunning, run.Status)

	run, err = svc.CompleteRun(ctx, res.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCompleted, run.Status)

	sess, err := store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.SessionCompleted, sess.Status)
}

func TestPostgresMissingRows(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, runqueue.ErrNotFound)
	_, err = store.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, runqueue.ErrNotFound)
}
