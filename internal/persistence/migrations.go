package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations apply in order; PRAGMA user_version tracks the last applied
// index + 1.
var migrations = []string{
	`
	CREATE TABLE devices (
		firmware_id   TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		first_seen_at INTEGER NOT NULL,
		last_seen_at  INTEGER NOT NULL
	);
	CREATE TABLE sessions (
		local_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id           INTEGER NOT NULL,
		firmware_id          TEXT NOT NULL,
		transport_name       TEXT NOT NULL,
		started_at           INTEGER NOT NULL,
		ended_at             INTEGER NOT NULL DEFAULT 0,
		end_reason           TEXT NOT NULL DEFAULT '',
		max_bitrate          INTEGER NOT NULL DEFAULT 0,
		heartbeat_timeout_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_sessions_started_at ON sessions(started_at DESC);
	CREATE TABLE conn_events (
		local_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		state          TEXT NOT NULL,
		transport_name TEXT NOT NULL,
		at             INTEGER NOT NULL
	);
	CREATE INDEX idx_conn_events_at ON conn_events(at DESC);
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d tx: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
