package runqueue

import (
	"context"
	"time"
)

// Store persists runs and the minimal session/message records the queue reads.
//
// Implementations must make ClaimNext atomic across processes: expired leases are
// reclaimed, then at most one eligible run is moved to claimed, never for a session
// that already has a claimed or running run.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	// CreateMessage stores m and assigns m.ID.
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRunsBySession(ctx context.Context, sessionID string, limit, offset int) ([]*Run, error)

	// ClaimNext returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, req ClaimRequest) (*Run, error)

	// CompareAndSwapRun writes r only if the stored row still has expectStatus and
	// expectClaimedBy ("" meaning NULL). It reports whether the write happened.
	CompareAndSwapRun(ctx context.Context, r *Run, expectStatus Status, expectClaimedBy string) (bool, error)

	// CancelSessionRuns cancels every queued, claimed or running run of the session.
	CancelSessionRuns(ctx context.Context, sessionID string, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
