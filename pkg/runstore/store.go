package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/agentdock/pkg/runqueue"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// claimAttempts bounds how many candidates one claim call tries after losing a CAS.
const claimAttempts = 5

const runColumns = `id, session_id, user_message_id, status, progress, schedule_mode, scheduled_at,
	claimed_by, lease_expires_at, attempts, last_error, started_at, finished_at,
	config_snapshot, created_at, updated_at`

// Store is a SQLite/libsql implementation of runqueue.Store.
type Store struct {
	db *sql.DB
}

var _ runqueue.Store = (*Store)(nil)

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore opens the database described by cfg and migrates it.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess *runqueue.Session) error {
	cfg, err := encodeJSON(sess.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, config_snapshot, sdk_session_id, workspace_archive_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), cfg, nullString(sess.SDKSessionID),
		nullString(sess.WorkspaceArchiveURL), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*runqueue.Session, error) {
	var (
		sess               runqueue.Session
		status             string
		cfg, sdk, archive  sql.NullString
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, config_snapshot, sdk_session_id, workspace_archive_url, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID).
		Scan(&sess.ID, &sess.UserID, &status, &cfg, &sdk, &archive, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Status = runqueue.SessionStatus(status)
	if sess.ConfigSnapshot, err = decodeJSON(cfg); err != nil {
		return nil, err
	}
	sess.SDKSessionID = stringFromNull(sdk)
	sess.WorkspaceArchiveURL = stringFromNull(archive)
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *runqueue.Session) error {
	cfg, err := encodeJSON(sess.ConfigSnapshot)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, config_snapshot = ?, sdk_session_id = ?, workspace_archive_url = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.Status), cfg, nullString(sess.SDKSessionID), nullString(sess.WorkspaceArchiveURL),
		formatTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, runqueue.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *runqueue.Message) error {
	content, err := encodeJSON(m.Content)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, role, content, text_preview, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		m.SessionID, m.Role, content, nullString(m.TextPreview), formatTime(m.CreatedAt)).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*runqueue.Message, error) {
	var (
		m         runqueue.Message
		content   sql.NullString
		preview   sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, text_preview, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.SessionID, &m.Role, &content, &preview, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get message %d: %w", id, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if m.Content, err = decodeJSON(content); err != nil {
		return nil, err
	}
	m.TextPreview = stringFromNull(preview)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreateRun(ctx context.Context, r *runqueue.Run) error {
	cfg, err := encodeJSON(r.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.UserMessageID, string(r.Status), r.Progress, string(r.ScheduleMode),
		formatTime(r.ScheduledAt), nullString(r.ClaimedBy), nullTime(r.LeaseExpiresAt), r.Attempts,
		nullString(r.LastError), nullTime(r.StartedAt), nullTime(r.FinishedAt), cfg,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*runqueue.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, runqueue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, limit, offset int) ([]*runqueue.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE session_id = ?
		ORDER BY scheduled_at ASC, created_at ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// ClaimNext reclaims expired leases and claims the oldest eligible run in one
// write transaction. SQLite has no SKIP LOCKED, so the claim is a guarded
// UPDATE that only succeeds while the row is still queued and its session idle.
func (s *Store) ClaimNext(ctx context.Context, req runqueue.ClaimRequest) (*runqueue.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(req.Now)

	// The reclaim write comes first so the transaction holds the write lock
	// before it reads candidates.
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = 'claimed' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		now, now); err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}

	selectQuery, selectArgs := candidateQuery(req, now)
	var skipped []string
	for attempt := 0; attempt < claimAttempts; attempt++ {
		query, args := excludeIDs(selectQuery, selectArgs, skipped)

		var candidate string
		err := tx.QueryRowContext(ctx, query, args...).Scan(&candidate)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		lease := formatTime(req.Now.Add(req.Lease))
		row := tx.QueryRowContext(ctx, `
			UPDATE runs
			SET status = 'claimed', claimed_by = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM runs active
				WHERE active.session_id = runs.session_id AND active.status IN ('claimed', 'running')
			  )
			RETURNING `+runColumns,
			req.WorkerID, lease, now, candidate)
		run, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			skipped = append(skipped, candidate)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim run: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim tx: %w", err)
		}
		return run, nil
	}

	// Nothing claimed; keep the lease reclamation.
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return nil, nil
}

func candidateQuery(req runqueue.ClaimRequest, now string) (string, []any) {
	var b strings.Builder
	args := []any{now}
	b.WriteString(`
		SELECT r.id FROM runs r
		WHERE r.status = 'queued' AND r.scheduled_at <= ?`)
	if len(req.ScheduleModes) > 0 {
		b.WriteString(` AND r.schedule_mode IN (`)
		for i, m := range req.ScheduleModes {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, string(m))
		}
		b.WriteString(")")
	}
	b.WriteString(`
		  AND NOT EXISTS (
			SELECT 1 FROM runs active
			WHERE active.session_id = r.session_id AND active.status IN ('claimed', 'running')
		  )`)
	return b.String(), args
}

func excludeIDs(query string, args []any, ids []string) (string, []any) {
	out := make([]any, 0, len(args)+len(ids))
	out = append(out, args...)
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			out = append(out, id)
		}
		query += ` AND r.id NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}
	return query + `
		ORDER BY r.scheduled_at ASC, r.created_at ASC
		LIMIT 1`, out
}

func (s *Store) CompareAndSwapRun(ctx context.Context, r *runqueue.Run, expectStatus runqueue.Status, expectClaimedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, progress = ?, claimed_by = ?, lease_expires_at = ?, attempts = ?,
			last_error = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND COALESCE(claimed_by, '') = ?`,
		string(r.Status), r.Progress, nullString(r.ClaimedBy), nullTime(r.LeaseExpiresAt), r.Attempts,
		nullString(r.LastError), nullTime(r.StartedAt), nullTime(r.FinishedAt), formatTime(r.UpdatedAt),
		r.ID, string(expectStatus), expectClaimedBy)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CancelSessionRuns(ctx context.Context, sessionID string, now time.Time) (int, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'canceled', finished_at = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE session_id = ? AND status IN ('queued', 'claimed', 'running')`,
		ts, ts, sessionID)
	if err != nil {
		return 0, fmt.Errorf("cancel runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel runs rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*runqueue.Run, error) {
	var (
		r                            runqueue.Run
		status, mode, scheduledAt    string
		claimedBy, lastError, cfg    sql.NullString
		lease, startedAt, finishedAt sql.NullString
		createdAt, updatedAt         string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.UserMessageID, &status, &r.Progress, &mode, &scheduledAt,
		&claimedBy, &lease, &r.Attempts, &lastError, &startedAt, &finishedAt,
		&cfg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	r.Status = runqueue.Status(status)
	r.ScheduleMode = runqueue.ScheduleMode(mode)
	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	r.ClaimedBy = stringFromNull(claimedBy)
	r.LastError = stringFromNull(lastError)
	if r.LeaseExpiresAt, err = timeFromNull(lease); err != nil {
		return nil, err
	}
	if r.StartedAt, err = timeFromNull(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = timeFromNull(finishedAt); err != nil {
		return nil, err
	}
	if r.ConfigSnapshot, err = decodeJSON(cfg); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timeFromNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func encodeJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}
