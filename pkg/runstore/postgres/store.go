// Package postgres is a runqueue.Store backed by PostgreSQL via pgx.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never block on the
// same candidate rows, plus a transaction-scoped advisory lock per session so
// two workers cannot claim different runs of one session at the same time.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/3leaps/agentdock/pkg/runqueue"
)

// claimBatch is how many locked candidates one claim considers.
const claimBatch = 16

const runColumns = `id, session_id, user_message_id, status, progress, schedule_mode, scheduled_at,
	claimed_by, lease_expires_at, attempts, last_error, started_at, finished_at,
	config_snapshot, created_at, updated_at`

// Config configures the Postgres store.
type Config struct {
	// URL is a libpq-style connection string or postgres:// URL.
	URL string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
}

// Store implements runqueue.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ runqueue.Store = (*Store)(nil)

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return New(pool), nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *runqueue.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, status, config_snapshot, sdk_session_id, workspace_archive_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, string(sess.Status), jsonArg(sess.ConfigSnapshot), sess.SDKSessionID,
		sess.WorkspaceArchiveURL, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*runqueue.Session, error) {
	var (
		sess   runqueue.Session
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, config_snapshot, sdk_session_id, workspace_archive_url, created_at, updated_at
		FROM sessions WHERE id = $1`, sessionID).
		Scan(&sess.ID, &sess.UserID, &status, &sess.ConfigSnapshot, &sess.SDKSessionID,
			&sess.WorkspaceArchiveURL, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = runqueue.SessionStatus(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *runqueue.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, config_snapshot = $2, sdk_session_id = $3, workspace_archive_url = $4, updated_at = $5
		WHERE id = $6`,
		string(sess.Status), jsonArg(sess.ConfigSnapshot), sess.SDKSessionID, sess.WorkspaceArchiveURL,
		sess.UpdatedAt.UTC(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, runqueue.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *runqueue.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content, text_preview, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		m.SessionID, m.Role, jsonArg(m.Content), m.TextPreview, m.CreatedAt.UTC()).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*runqueue.Message, error) {
	var m runqueue.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, role, content, text_preview, created_at
		FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TextPreview, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get message %d: %w", id, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) CreateRun(ctx context.Context, r *runqueue.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.SessionID, r.UserMessageID, string(r.Status), r.Progress, string(r.ScheduleMode),
		r.ScheduledAt.UTC(), r.ClaimedBy, utcPtr(r.LeaseExpiresAt), r.Attempts, r.LastError,
		utcPtr(r.StartedAt), utcPtr(r.FinishedAt), jsonArg(r.ConfigSnapshot), r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*runqueue.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, limit, offset int) ([]*runqueue.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE session_id = $1
		ORDER BY scheduled_at ASC, created_at ASC
		LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*runqueue.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type candidate struct {
	id        string
	sessionID string
}

// ClaimNext reclaims expired leases, locks a batch of eligible rows with SKIP
// LOCKED and claims the first whose session advisory lock it can take.
func (s *Store) ClaimNext(ctx context.Context, req runqueue.ClaimRequest) (*runqueue.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := req.Now.UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE runs
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE status = 'claimed' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		now); err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}

	query, args := candidateQuery(req.ScheduleModes, now)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.sessionID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim candidates: %w", err)
	}

	tried := make(map[string]bool)
	for _, c := range candidates {
		if tried[c.sessionID] {
			continue
		}
		tried[c.sessionID] = true

		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, c.sessionID).Scan(&locked); err != nil {
			return nil, fmt.Errorf("lock session %s: %w", c.sessionID, err)
		}
		if !locked {
			continue
		}

		run, err := scanRun(tx.QueryRow(ctx, `
			UPDATE runs
			SET status = 'claimed', claimed_by = $1, lease_expires_at = $2, updated_at = $3
			WHERE id = $4 AND status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM runs active
				WHERE active.session_id = runs.session_id AND active.status IN ('claimed', 'running')
			  )
			RETURNING `+runColumns,
			req.WorkerID, now.Add(req.Lease), now, c.id))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim tx: %w", err)
		}
		return run, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return nil, nil
}

// candidateQuery selects and row-locks eligible queued runs in claim order.
func candidateQuery(modes []runqueue.ScheduleMode, now time.Time) (string, []any) {
	var b strings.Builder
	args := []any{now}
	b.WriteString(`
		SELECT r.id, r.session_id FROM runs r
		WHERE r.status = 'queued' AND r.scheduled_at <= $1`)
	if len(modes) > 0 {
		names := make([]string, len(modes))
		for i, m := range modes {
			names[i] = string(m)
		}
		args = append(args, names)
		b.WriteString(` AND r.schedule_mode = ANY($2)`)
	}
	b.WriteString(`
		  AND NOT EXISTS (
			SELECT 1 FROM runs active
			WHERE active.session_id = r.session_id AND active.status IN ('claimed', 'running')
		  )
		ORDER BY r.scheduled_at ASC, r.created_at ASC
		LIMIT ` + strconv.Itoa(claimBatch) + `
		FOR UPDATE OF r SKIP LOCKED`)
	return b.String(), args
}

func (s *Store) CompareAndSwapRun(ctx context.Context, r *runqueue.Run, expectStatus runqueue.Status, expectClaimedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $1, progress = $2, claimed_by = $3, lease_expires_at = $4, attempts = $5,
			last_error = $6, started_at = $7, finished_at = $8, updated_at = $9
		WHERE id = $10 AND status = $11 AND COALESCE(claimed_by, '') = $12`,
		string(r.Status), r.Progress, r.ClaimedBy, utcPtr(r.LeaseExpiresAt), r.Attempts,
		r.LastError, utcPtr(r.StartedAt), utcPtr(r.FinishedAt), r.UpdatedAt.UTC(),
		r.ID, string(expectStatus), expectClaimedBy)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CancelSessionRuns(ctx context.Context, sessionID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'canceled', finished_at = $1, claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE session_id = $2 AND status IN ('queued', 'claimed', 'running')`,
		now.UTC(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("cancel runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRun(row pgx.Row) (*runqueue.Run, error) {
	var (
		r            runqueue.Run
		status, mode string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.UserMessageID, &status, &r.Progress, &mode, &r.ScheduledAt,
		&r.ClaimedBy, &r.LeaseExpiresAt, &r.Attempts, &r.LastError, &r.StartedAt, &r.FinishedAt,
		&r.ConfigSnapshot, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = runqueue.Status(status)
	r.ScheduleMode = runqueue.ScheduleMode(mode)
	r.ScheduledAt = r.ScheduledAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.LeaseExpiresAt = utcPtr(r.LeaseExpiresAt)
	r.StartedAt = utcPtr(r.StartedAt)
	r.FinishedAt = utcPtr(r.FinishedAt)
	return &r, nil
}

// jsonArg sends nil maps as SQL NULL.
func jsonArg(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
