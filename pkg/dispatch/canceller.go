package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Canceller stops everything belonging to a session.
type Canceller struct {
	queue  Queue
	pool   Pool
	logger *zap.Logger
}

// NewCanceller creates a canceller.
func NewCanceller(queue Queue, pool Pool, logger *zap.Logger) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canceller{queue: queue, pool: pool, logger: logger}
}

// CancelSession cancels the session's pending and active runs, then stops any
// container that may be executing them. It returns the number of canceled runs.
func (c *Canceller) CancelSession(ctx context.Context, sessionID string) (int, error) {
	n, err := c.queue.CancelSessionRuns(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := c.pool.CancelTask(ctx, sessionID); err != nil {
		return n, fmt.Errorf("cancel session containers: %w", err)
	}
	c.logger.Info("session canceled", zap.String("session_id", sessionID), zap.Int("canceled_runs", n))
	return n, nil
}
