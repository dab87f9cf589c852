package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/agentdock/internal/errors"
	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/dispatch"
	"github.com/3leaps/agentdock/pkg/runqueue"
	"github.com/3leaps/agentdock/pkg/runstore"
)

type fakePool struct {
	mu         sync.Mutex
	acquireErr error
	completed  []string
	canceled   []string
	deleted    []string
}

func (p *fakePool) GetOrCreateContainer(_ context.Context, req containerpool.Request) (*containerpool.Acquisition, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &containerpool.Acquisition{Endpoint: "http://localhost:49001", ContainerID: containerpool.ContainerIDFor(req.SessionID)}, nil
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

func (p *fakePool) DeleteContainer(_ context.Context, containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, containerID)
}

func (p *fakePool) Stats() containerpool.Stats {
	return containerpool.Stats{TotalActive: 1, Ephemeral: 1, Containers: []containerpool.ContainerSummary{
		{ContainerID: "exec-aaaaaaaa", Name: "executor-aaaaaaaa", Status: "running", Mode: containerpool.ModeEphemeral},
	}}
}

type apiFixture struct {
	queue   *runqueue.Service
	pool    *fakePool
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := runstore.OpenStore(context.Background(), runstore.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := runqueue.NewService(store)
	pool := &fakePool{}
	api := &API{
		Queue:         q,
		Finisher:      dispatch.NewFinisher(q, pool, nil, nil, nil),
		Canceller:     dispatch.NewCanceller(q, pool, nil),
		Pool:          pool,
		WatchInterval: 10 * time.Millisecond,
	}
	r := chi.NewRouter()
	r.Route("/api/v1", api.Routes)
	return &apiFixture{queue: q, pool: pool, handler: r}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func (f *apiFixture) enqueue(t *testing.T) runqueue.TaskResult {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"user_id":       "user-1",
		"prompt":        "summarize the logs",
		"schedule_mode": "immediate",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res runqueue.TaskResult
	decodeData(t, rec, &res)
	return res
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	task := f.enqueue(t)
	assert.Equal(t, runqueue.StatusQueued, task.Status)

	rec := f.do(t, http.MethodPost, "/api/v1/runs/claim", map[string]any{"worker_id": "w1", "lease_seconds": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	var claim runqueue.Claim
	decodeData(t, rec, &claim)
	assert.Equal(t, task.RunID, claim.Run.ID)
	assert.Equal(t, "summarize the logs", claim.Prompt)
	assert.Equal(t, "user-1", claim.UserID)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+task.RunID+"/start", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var run runqueue.Run
	decodeData(t, rec, &run)
	assert.Equal(t, runqueue.StatusRunning, run.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+task.RunID+"/complete", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &run)
	assert.Equal(t, runqueue.StatusCompleted, run.Status)
	assert.Equal(t, []string{task.SessionID}, f.pool.completed)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+task.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/session/"+task.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runqueue.Run
	decodeData(t, rec, &runs)
	require.Len(t, runs, 1)
}

func TestFailRunOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	task := f.enqueue(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+task.RunID+"/fail", map[string]any{"worker_id": "w1", "error_message": "executor crashed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var run runqueue.Run
	decodeData(t, rec, &run)
	assert.Equal(t, runqueue.StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, "executor crashed", *run.LastError)
}

func TestClaimWithNoWork(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeData(t, rec, nil)
	assert.Equal(t, "null", string(env.Data))
	assert.Equal(t, "No runs", env.Message)
}

func TestAPIErrors(t *testing.T) {
	f := newAPIFixture(t)
	task := f.enqueue(t)
	rec := f.do(t, http.MethodPost, "/api/v1/runs/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"empty prompt", http.MethodPost, "/api/v1/tasks", map[string]any{"user_id": "u", "prompt": "", "schedule_mode": "immediate"}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"unknown task field", http.MethodPost, "/api/v1/tasks", map[string]any{"user_id": "u", "prompt": "p", "bogus": true}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"task field wrong type", http.MethodPost, "/api/v1/tasks", map[string]any{"user_id": 7, "prompt": "p"}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"task missing user", http.MethodPost, "/api/v1/tasks", map[string]any{"prompt": "p"}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/runs/claim", map[string]any{"worker_id": "w1", "bogus": 1}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"missing worker", http.MethodPost, "/api/v1/runs/claim", map[string]any{}, http.StatusBadRequest, apperrors.CodeBadRequest},
		{"unknown run", http.MethodGet, "/api/v1/runs/does-not-exist", nil, http.StatusNotFound, apperrors.CodeNotFound},
		{"start by other worker", http.MethodPost, "/api/v1/runs/" + task.RunID + "/start", map[string]any{"worker_id": "w2"}, http.StatusForbidden, apperrors.CodeForbidden},
		{"bad limit", http.MethodGet, "/api/v1/runs/session/" + task.SessionID + "?limit=-1", nil, http.StatusBadRequest, apperrors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rec))
		})
	}
}

func TestCancelSessionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	task := f.enqueue(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+task.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	decodeData(t, rec, &out)
	assert.EqualValues(t, 1, out["canceled_runs"])
	assert.Equal(t, []string{task.SessionID}, f.pool.canceled)

	run, err := f.queue.GetRun(context.Background(), task.RunID)
	require.NoError(t, err)
	assert.Equal(t, runqueue.StatusCanceled, run.Status)
}

func TestContainerRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/containers", map[string]any{"session_id": "aaaaaaaa-1111", "user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var acq containerpool.Acquisition
	decodeData(t, rec, &acq)
	assert.Equal(t, "http://localhost:49001", acq.Endpoint)
	assert.Equal(t, "exec-aaaaaaaa", acq.ContainerID)

	rec = f.do(t, http.MethodGet, "/api/v1/containers/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats containerpool.Stats
	decodeData(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalActive)

	rec = f.do(t, http.MethodPost, "/api/v1/containers/sessions/aaaaaaaa-1111/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/containers/sessions/aaaaaaaa-1111/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/containers/exec-aaaaaaaa", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"aaaaaaaa-1111"}, f.pool.completed)
	assert.Equal(t, []string{"aaaaaaaa-1111"}, f.pool.canceled)
	assert.Equal(t, []string{"exec-aaaaaaaa"}, f.pool.deleted)
}

func TestAcquireContainerStartFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.pool.acquireErr = &containerpool.PoolError{Op: "wait_running", ContainerID: "exec-1", Msg: "never running", Err: containerpool.ErrStartFailed}

	rec := f.do(t, http.MethodPost, "/api/v1/containers", map[string]any{"session_id": "s1", "user_id": "u1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.CodeContainerStartFailed, errorCode(t, rec))
}

func TestWatchRunsStreamsUntilIdle(t *testing.T) {
	f := newAPIFixture(t)
	task := f.enqueue(t)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + task.SessionID + "/runs/watch?until_idle=true"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	read := func() wsEnvelope {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		return wsEnvelope{Type: msg.Type, Data: msg.Data}
	}

	first := read()
	assert.Equal(t, WatchTypeRuns, first.Type)
	assert.Contains(t, string(first.Data.(json.RawMessage)), `"status":"queued"`)

	_, err = f.queue.CancelSessionRuns(context.Background(), task.SessionID)
	require.NoError(t, err)

	second := read()
	assert.Equal(t, WatchTypeRuns, second.Type)
	assert.Contains(t, string(second.Data.(json.RawMessage)), `"status":"canceled"`)

	assert.Equal(t, WatchTypeIdle, read().Type)
}

func TestValidateTaskRequest(t *testing.T) {
	require.NoError(t, validateTaskRequest([]byte(`{"user_id":"u","prompt":"p","schedule_mode":"nightly","config":{"browser_enabled":true}}`)))
	require.NoError(t, validateTaskRequest([]byte(`{"user_id":"u","prompt":"p","scheduled_at":null,"config":null}`)))

	err := validateTaskRequest([]byte(`{"user_id":"u","prompt":"p","schedule_mode":"weekly"}`))
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeBadRequest, appErr.Code)
	errs, ok := appErr.Details["errors"].([]fieldError)
	require.True(t, ok)
	require.NotEmpty(t, errs)

	err = validateTaskRequest([]byte(`{"user_id":"u"`))
	require.Error(t, err)
}
