package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersion is the current Postgres schema version.
const SchemaVersion = 2

const migrateLockKey int64 = 0x61676e74646f636b

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                    TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL,
		status                TEXT NOT NULL,
		config_snapshot       JSONB,
		sdk_session_id        TEXT,
		workspace_archive_url TEXT,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           BIGSERIAL PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role         TEXT NOT NULL,
		content      JSONB,
		text_preview TEXT,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_message_id  BIGINT NOT NULL,
		status           TEXT NOT NULL,
		progress         INTEGER NOT NULL DEFAULT 0,
		schedule_mode    TEXT NOT NULL,
		scheduled_at     TIMESTAMPTZ NOT NULL,
		claimed_by       TEXT,
		lease_expires_at TIMESTAMPTZ,
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT,
		started_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ,
		config_snapshot  JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(status, scheduled_at, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_session_status ON runs(session_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_lease ON runs(status, lease_expires_at)`,
	`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS workspace_archive_url TEXT`,
}

// Migrate creates or upgrades the schema in one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		// Serialize concurrent migrators.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrateLockKey); err != nil {
			return fmt.Errorf("acquire migrate lock: %w", err)
		}
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_meta (key, value) VALUES ('schema_version', $1)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			fmt.Sprintf("%d", SchemaVersion))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
