package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/agentdock/internal/errors"
	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// RunQueue is the queue surface served over HTTP.
type RunQueue interface {
	EnqueueTask(ctx context.Context, req runqueue.TaskRequest) (*runqueue.TaskResult, error)
	ClaimDispatch(ctx context.Context, p runqueue.ClaimParams) (*runqueue.Claim, error)
	StartRun(ctx context.Context, runID, workerID string) (*runqueue.Run, error)
	GetRun(ctx context.Context, runID string) (*runqueue.Run, error)
	ListRuns(ctx context.Context, sessionID string, limit, offset int) ([]*runqueue.Run, error)
}

// RunFinisher moves runs to a terminal state and releases their container.
type RunFinisher interface {
	Complete(ctx context.Context, runID, workerID string) (*runqueue.Run, error)
	Fail(ctx context.Context, runID, workerID string, errorMessage *string) (*runqueue.Run, error)
}

// SessionCanceller cancels a session's runs and its running task.
type SessionCanceller interface {
	CancelSession(ctx context.Context, sessionID string) (int, error)
}

// ContainerPool is the container surface served over HTTP.
type ContainerPool interface {
	GetOrCreateContainer(ctx context.Context, req containerpool.Request) (*containerpool.Acquisition, error)
	OnTaskComplete(ctx context.Context, sessionID string)
	CancelTask(ctx context.Context, sessionID string) error
	DeleteContainer(ctx context.Context, containerID string)
	Stats() containerpool.Stats
}

var (
	_ RunQueue      = (*runqueue.Service)(nil)
	_ ContainerPool = (*containerpool.Pool)(nil)
)

// Response is the success envelope.
type Response struct {
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

// API serves the /api/v1 routes.
type API struct {
	Queue     RunQueue
	Finisher  RunFinisher
	Canceller SessionCanceller
	Pool      ContainerPool
	Logger    *zap.Logger

	// WatchInterval is how often a run watch polls. Defaults to 1s.
	WatchInterval time.Duration
}

const maxBodyBytes = 1 << 20

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/tasks", a.EnqueueTask)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/claim", a.ClaimRun)
		r.Get("/session/{session_id}", a.ListRuns)
		r.Get("/{run_id}", a.GetRun)
		r.Post("/{run_id}/start", a.StartRun)
		r.Post("/{run_id}/fail", a.FailRun)
		r.Post("/{run_id}/complete", a.CompleteRun)
	})

	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Post("/cancel", a.CancelSession)
		r.Get("/runs/watch", a.WatchRuns)
	})

	r.Route("/containers", func(r chi.Router) {
		r.Post("/", a.AcquireContainer)
		r.Get("/stats", a.ContainerStats)
		r.Post("/sessions/{session_id}/complete", a.ReleaseContainer)
		r.Post("/sessions/{session_id}/cancel", a.CancelContainerTask)
		r.Delete("/{container_id}", a.DeleteContainer)
	})
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func writeData(w http.ResponseWriter, status int, data any, message string) {
	apperrors.WriteJSON(w, status, Response{Data: data, Message: message})
}

// decodeBody decodes an optional JSON body into dst. An empty body is allowed.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// decodeValidated reads the body, runs validate on the raw bytes and then
// decodes it like decodeBody.
func decodeValidated(r *http.Request, dst any, validate func([]byte) error) error {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.NewBadRequest(fmt.Sprintf("read request body: %v", err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := validate(raw); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// EnqueueTask handles POST /tasks. The body is checked against the task
// request schema before it is decoded.
func (a *API) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req runqueue.TaskRequest
	if err := decodeValidated(r, &req, validateTaskRequest); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := a.Queue.EnqueueTask(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, res, "Task enqueued")
}

type claimBody struct {
	WorkerID      string   `json:"worker_id"`
	LeaseSeconds  int      `json:"lease_seconds"`
	ScheduleModes []string `json:"schedule_modes"`
}

// ClaimRun handles POST /runs/claim.
func (a *API) ClaimRun(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	claim, err := a.Queue.ClaimDispatch(r.Context(), runqueue.ClaimParams{
		WorkerID:      body.WorkerID,
		LeaseSeconds:  body.LeaseSeconds,
		ScheduleModes: body.ScheduleModes,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if claim == nil {
		writeData(w, http.StatusOK, nil, "No runs")
		return
	}
	writeData(w, http.StatusOK, claim, "Run claimed")
}

type workerBody struct {
	WorkerID     string  `json:"worker_id"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// StartRun handles POST /runs/{run_id}/start.
func (a *API) StartRun(w http.ResponseWriter, r *http.Request) {
	var body workerBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	run, err := a.Queue.StartRun(r.Context(), chi.URLParam(r, "run_id"), body.WorkerID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run, "Run started")
}

// FailRun handles POST /runs/{run_id}/fail.
func (a *API) FailRun(w http.ResponseWriter, r *http.Request) {
	var body workerBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	run, err := a.Finisher.Fail(r.Context(), chi.URLParam(r, "run_id"), body.WorkerID, body.ErrorMessage)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run, "Run failed")
}

// CompleteRun handles POST /runs/{run_id}/complete.
func (a *API) CompleteRun(w http.ResponseWriter, r *http.Request) {
	var body workerBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	run, err := a.Finisher.Complete(r.Context(), chi.URLParam(r, "run_id"), body.WorkerID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run, "Run completed")
}

// GetRun handles GET /runs/{run_id}.
func (a *API) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.Queue.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run, "")
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewBadRequest(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

// ListRuns handles GET /runs/session/{session_id}.
func (a *API) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	runs, err := a.Queue.ListRuns(r.Context(), chi.URLParam(r, "session_id"), limit, offset)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*runqueue.Run{}
	}
	writeData(w, http.StatusOK, runs, "")
}

// CancelSession handles POST /sessions/{session_id}/cancel.
func (a *API) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	n, err := a.Canceller.CancelSession(r.Context(), sessionID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"session_id": sessionID, "canceled_runs": n}, "Session canceled")
}

// AcquireContainer handles POST /containers.
func (a *API) AcquireContainer(w http.ResponseWriter, r *http.Request) {
	var req containerpool.Request
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	acq, err := a.Pool.GetOrCreateContainer(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, acq, "")
}

// ReleaseContainer handles POST /containers/sessions/{session_id}/complete.
func (a *API) ReleaseContainer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	a.Pool.OnTaskComplete(r.Context(), sessionID)
	writeData(w, http.StatusOK, map[string]any{"session_id": sessionID}, "Container released")
}

// CancelContainerTask handles POST /containers/sessions/{session_id}/cancel.
func (a *API) CancelContainerTask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := a.Pool.CancelTask(r.Context(), sessionID); err != nil {
		a.logger().Warn("Cancel task reported errors", zap.String("session_id", sessionID), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"session_id": sessionID}, "Task canceled")
}

// DeleteContainer handles DELETE /containers/{container_id}.
func (a *API) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "container_id")
	a.Pool.DeleteContainer(r.Context(), containerID)
	writeData(w, http.StatusOK, map[string]any{"container_id": containerID}, "Container deleted")
}

// ContainerStats handles GET /containers/stats.
func (a *API) ContainerStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.Pool.Stats(), "")
}
