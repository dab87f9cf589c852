package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// WorkspaceDirFunc returns the host directory of a session's workspace.
type WorkspaceDirFunc func(userID, sessionID string) string

// Finisher moves runs to a terminal state and releases what they held.
type Finisher struct {
	queue    Queue
	pool     Pool
	archiver archive.Archiver
	dir      WorkspaceDirFunc
	logger   *zap.Logger

	// ArchiveTimeout bounds one workspace upload. Defaults to 5m.
	ArchiveTimeout time.Duration

	wg sync.WaitGroup
}

// NewFinisher creates a finisher. Archiving happens only when both archiver
// and dir are non-nil.
func NewFinisher(queue Queue, pool Pool, archiver archive.Archiver, dir WorkspaceDirFunc, logger *zap.Logger) *Finisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finisher{
		queue:          queue,
		pool:           pool,
		archiver:       archiver,
		dir:            dir,
		logger:         logger,
		ArchiveTimeout: 5 * time.Minute,
	}
}

// Complete marks the run completed.
func (f *Finisher) Complete(ctx context.Context, runID, workerID string) (*runqueue.Run, error) {
	return f.finish(ctx, runID, func() (*runqueue.Run, error) {
		return f.queue.CompleteRun(ctx, runID, workerID)
	})
}

// Fail marks the run failed with errorMessage.
func (f *Finisher) Fail(ctx context.Context, runID, workerID string, errorMessage *string) (*runqueue.Run, error) {
	return f.finish(ctx, runID, func() (*runqueue.Run, error) {
		return f.queue.FailRun(ctx, runID, workerID, errorMessage)
	})
}

func (f *Finisher) finish(ctx context.Context, runID string, transition func() (*runqueue.Run, error)) (*runqueue.Run, error) {
	before, err := f.queue.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err := transition()
	if err != nil {
		return nil, err
	}
	// Repeated completions must not release the container twice.
	if before.Status.Terminal() && run.Status == before.Status {
		return run, nil
	}

	f.pool.OnTaskComplete(ctx, run.SessionID)
	f.archiveAsync(ctx, run.SessionID)
	return run, nil
}

func (f *Finisher) archiveAsync(ctx context.Context, sessionID string) {
	if f.archiver == nil || f.dir == nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.ArchiveTimeout)
		defer cancel()
		if err := f.ArchiveSession(actx, sessionID); err != nil && !errors.Is(err, archive.ErrDisabled) {
			f.logger.Warn("workspace archive failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// ArchiveSession uploads the session workspace and records its location.
func (f *Finisher) ArchiveSession(ctx context.Context, sessionID string) error {
	if f.archiver == nil || f.dir == nil {
		return archive.ErrDisabled
	}
	session, err := f.queue.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	url, err := f.archiver.Archive(ctx, session.UserID, session.ID, f.dir(session.UserID, session.ID))
	if err != nil {
		return err
	}
	return f.queue.RecordWorkspaceArchive(ctx, session.ID, url)
}

// Wait blocks until in-flight archive uploads finish.
func (f *Finisher) Wait() {
	f.wg.Wait()
}
