package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/runqueue"
	"github.com/3leaps/agentdock/pkg/runstore"
)

type fakePool struct {
	mu         sync.Mutex
	requests   []containerpool.Request
	completed  []string
	canceled   []string
	acquireErr error
	// onAcquire runs before the acquisition is recorded.
	onAcquire func(req containerpool.Request)
}

func (p *fakePool) GetOrCreateContainer(_ context.Context, req containerpool.Request) (*containerpool.Acquisition, error) {
	if p.onAcquire != nil {
		p.onAcquire(req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &containerpool.Acquisition{Endpoint: "http://localhost:49000", ContainerID: containerpool.ContainerIDFor(req.SessionID)}, nil
}

func (p *fakePool) OnTaskComplete(_ context.Context, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, sessionID)
}

func (p *fakePool) CancelTask(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, sessionID)
	return nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	endpoints []string
	tasks     []Task
	err       error
}

func (s *fakeSubmitter) Submit(_ context.Context, endpoint string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, endpoint)
	s.tasks = append(s.tasks, task)
	return s.err
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type fakeArchiver struct {
	mu    sync.Mutex
	dirs  []string
	err   error
	calls int
}

func (a *fakeArchiver) Archive(_ context.Context, userID, sessionID, dir string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.dirs = append(a.dirs, dir)
	if a.err != nil {
		return "", a.err
	}
	return "s3://bkt/workspaces/" + userID + "/" + sessionID + ".tar.gz", nil
}

func newQueue(t *testing.T) *runqueue.Service {
	t.Helper()
	store, err := runstore.OpenStore(context.Background(), runstore.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return runqueue.NewService(store)
}

func enqueue(t *testing.T, q *runqueue.Service, sessionID string, cfg map[string]any) *runqueue.TaskResult {
	t.Helper()
	res, err := q.EnqueueTask(context.Background(), runqueue.TaskRequest{
		UserID:       "user-1",
		Prompt:       "build the report",
		Config:       cfg,
		SessionID:    sessionID,
		ScheduleMode: runqueue.ScheduleImmediate,
	})
	require.NoError(t, err)
	return res
}

func testDispatcher(q Queue, pool Pool, sub Submitter) *Dispatcher {
	return NewDispatcher(Config{
		Workers:         2,
		WorkerIDPrefix:  "host",
		PollInterval:    5 * time.Millisecond,
		CallbackBaseURL: "http://callback:8080",
	}, q, pool, sub, nil)
}

func TestDispatchOnceHappyPath(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	pool := &fakePool{}
	sub := &fakeSubmitter{}
	task := enqueue(t, q, "", map[string]any{"container_mode": "persistent", "browser_enabled": true, "model": "m1"})

	d := testDispatcher(q, pool, sub)
	claimed, err := d.DispatchOnce(ctx, d.WorkerID(0))
	require.NoError(t, err)
	assert.True(t, claimed)

	run, err := q.GetRun(ctx, task.RunID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusRunning, run.Status)
	assert.Equal(t, "host-0", run.Owner())

	require.Len(t, pool.requests, 1)
	assert.Equal(t, containerpool.Request{
		SessionID:      task.SessionID,
		UserID:         "user-1",
		BrowserEnabled: true,
		Mode:           containerpool.ModePersistent,
	}, pool.requests[0])

	require.Len(t, sub.tasks, 1)
	assert.Equal(t, "http://localhost:49000", sub.endpoints[0])
	got := sub.tasks[0]
	assert.Equal(t, task.RunID, got.RunID)
	assert.Equal(t, "build the report", got.Prompt)
	assert.Equal(t, "host-0", got.WorkerID)
	assert.Equal(t, "http://callback:8080", got.CallbackBaseURL)
	assert.Equal(t, "m1", got.Config["model"])
	assert.Empty(t, pool.completed)
}

func TestDispatchOnceNoWork(t *testing.T) {
	d := testDispatcher(newQueue(t), &fakePool{}, &fakeSubmitter{})
	claimed, err := d.DispatchOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDispatchOnceFailuresFailTheRun(t *testing.T) {
	tests := []struct {
		name      string
		pool      *fakePool
		sub       *fakeSubmitter
		wantError string
	}{
		{
			name:      "container start fails",
			pool:      &fakePool{acquireErr: errors.New("image pull failed")},
			sub:       &fakeSubmitter{},
			wantError: "image pull failed",
		},
		{
			name:      "executor rejects task",
			pool:      &fakePool{},
			sub:       &fakeSubmitter{err: errors.New("status 503")},
			wantError: "status 503",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(t)
			task := enqueue(t, q, "", nil)

			d := testDispatcher(q, tt.pool, tt.sub)
			claimed, err := d.DispatchOnce(ctx, "w1")
			require.Error(t, err)
			assert.True(t, claimed)

			run, err := q.GetRun(ctx, task.RunID)
			require.NoError(t, err)
			assert.Equal(t, runqueue.StatusFailed, run.Status)
			require.NotNil(t, run.LastError)
			assert.Contains(t, *run.LastError, tt.wantError)
			assert.Equal(t, []string{task.SessionID}, tt.pool.completed)

			sess, err := q.GetSession(ctx, task.SessionID)
			require.NoError(t, err)
			assert.Equal(t, runqueue.SessionFailed, sess.Status)
		})
	}
}

func TestDispatchOnceKeepsContainerAfterLeaseLoss(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.OpenStore(ctx, runstore.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	q := runqueue.NewService(store, runqueue.WithClock(clock))
	task := enqueue(t, q, "", nil)

	// Provisioning outlives the lease and a second worker reclaims the run.
	pool := &fakePool{onAcquire: func(containerpool.Request) {
		clockMu.Lock()
		now = now.Add(time.Duration(DefaultLeaseSeconds+1) * time.Second)
		clockMu.Unlock()
		run, err := q.ClaimNext(ctx, runqueue.ClaimParams{WorkerID: "w2"})
		require.NoError(t, err)
		require.NotNil(t, run)
	}}
	sub := &fakeSubmitter{}

	claimed, err := testDispatcher(q, pool, sub).DispatchOnce(ctx, "w1")
	require.Error(t, err)
	assert.True(t, claimed)
	assert.True(t, runqueue.IsForbidden(err))

	run, err := q.GetRun(ctx, task.RunID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusClaimed, run.Status)
	assert.Equal(t, "w2", run.Owner())
	assert.Empty(t, pool.completed, "the new owner's container must stay bound")
	assert.Zero(t, sub.count())
}

func TestLeaseSecondsFor(t *testing.T) {
	assert.Equal(t, 120, LeaseSecondsFor(30, 90*time.Second))
	assert.Equal(t, 600, LeaseSecondsFor(600, 90*time.Second))
	assert.Equal(t, 61, LeaseSecondsFor(0, 30*time.Second+500*time.Millisecond))
	assert.Equal(t, runqueue.MaxLeaseSeconds, LeaseSecondsFor(30, 48*time.Hour))
	assert.Equal(t, DefaultLeaseSeconds, DefaultConfig().LeaseSeconds)
}

func TestRunDispatchesUntilCanceled(t *testing.T) {
	q := newQueue(t)
	pool := &fakePool{}
	sub := &fakeSubmitter{}
	for i := 0; i < 3; i++ {
		enqueue(t, q, "", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testDispatcher(q, pool, sub).Run(ctx) }()

	require.Eventually(t, func() bool { return sub.count() == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestFinisherReleasesOnce(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	pool := &fakePool{}
	arch := &fakeArchiver{}
	task := enqueue(t, q, "", nil)

	_, err := testDispatcher(q, pool, &fakeSubmitter{}).DispatchOnce(ctx, "w1")
	require.NoError(t, err)

	f := NewFinisher(q, pool, arch, func(userID, sessionID string) string {
		return filepath.Join("/ws", userID, sessionID)
	}, nil)

	run, err := f.Complete(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCompleted, run.Status)
	assert.Equal(t, 100, run.Progress)

	again, err := f.Complete(ctx, task.RunID, "w1")
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCompleted, again.Status)
	f.Wait()

	assert.Equal(t, []string{task.SessionID}, pool.completed)
	assert.Equal(t, 1, arch.calls)
	assert.Equal(t, []string{filepath.Join("/ws", "user-1", task.SessionID)}, arch.dirs)

	sess, err := q.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.WorkspaceArchiveURL)
	assert.Equal(t, "s3://bkt/workspaces/user-1/"+task.SessionID+".tar.gz", *sess.WorkspaceArchiveURL)
}

func TestFinisherFailEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	pool := &fakePool{}
	task := enqueue(t, q, "", nil)
	_, err := testDispatcher(q, pool, &fakeSubmitter{}).DispatchOnce(ctx, "w1")
	require.NoError(t, err)

	f := NewFinisher(q, pool, nil, nil, nil)
	reason := "nope"
	_, err = f.Fail(ctx, task.RunID, "intruder", &reason)
	assert.True(t, runqueue.IsForbidden(err))
	assert.Empty(t, pool.completed)

	run, err := f.Fail(ctx, task.RunID, "w1", &reason)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusFailed, run.Status)
	assert.Equal(t, []string{task.SessionID}, pool.completed)
}

func TestFinisherArchiveFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	pool := &fakePool{}
	arch := &fakeArchiver{err: errors.New("bucket gone")}
	task := enqueue(t, q, "", nil)
	_, err := testDispatcher(q, pool, &fakeSubmitter{}).DispatchOnce(ctx, "w1")
	require.NoError(t, err)

	f := NewFinisher(q, pool, arch, func(string, string) string { return "/ws" }, nil)
	_, err = f.Complete(ctx, task.RunID, "w1")
	require.NoError(t, err)
	f.Wait()

	sess, err := q.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.WorkspaceArchiveURL)
}

func TestCancellerCancelsRunsAndContainers(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	pool := &fakePool{}
	first := enqueue(t, q, "", nil)
	enqueue(t, q, first.SessionID, nil)
	_, err := testDispatcher(q, pool, &fakeSubmitter{}).DispatchOnce(ctx, "w1")
	require.NoError(t, err)

	n, err := NewCanceller(q, pool, nil).CancelSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{first.SessionID}, pool.canceled)

	runs, err := q.ListRuns(ctx, first.SessionID, 0, 0)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, runqueue.StatusCanceled, r.Status)
	}
}

func TestHTTPSubmitter(t *testing.T) {
	var got Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Prompt == "reject" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("busy"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sub := &HTTPSubmitter{Timeout: time.Second}
	require.NoError(t, sub.Submit(context.Background(), srv.URL+"/", Task{RunID: "r1", Prompt: "go"}))
	assert.Equal(t, "r1", got.RunID)

	err := sub.Submit(context.Background(), srv.URL, Task{RunID: "r2", Prompt: "reject"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503: busy")
}

func TestSettings(t *testing.T) {
	cfg := map[string]any{"a": true, "b": "no", "c": float64(1), "d": "maybe", "mode": " persistent "}
	assert.True(t, boolSetting(cfg, "a", false))
	assert.False(t, boolSetting(cfg, "b", true))
	assert.True(t, boolSetting(cfg, "c", false))
	assert.True(t, boolSetting(cfg, "d", true))
	assert.False(t, boolSetting(nil, "x", false))
	assert.Equal(t, "persistent", stringSetting(cfg, "mode", "ephemeral"))
	assert.Equal(t, "ephemeral", stringSetting(cfg, "missing", "ephemeral"))
}
