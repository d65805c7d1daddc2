package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 2

func finishOpen(ctx context.Context, db *sql.DB, dsn string) (*sql.DB, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := configureLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates (or upgrades) the ledger schema in place.
//
// v1: runs + shards
// v2: run_events for structured warnings (partial shard sets, skipped uploads)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			variant TEXT NOT NULL DEFAULT '',
			manifest TEXT NOT NULL DEFAULT '',
			results_location TEXT NOT NULL DEFAULT '',
			world_size INTEGER NOT NULL DEFAULT 0,
			nodes_total INTEGER NOT NULL DEFAULT 0,
			nodes_failed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			-- outcome is the reconciliation classification (empty, partial, complete).
			outcome TEXT,
			expected INTEGER,
			observed INTEGER,
			missing_ranks TEXT,
			result_key TEXT,
			publish_target TEXT,
			published INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,

		`CREATE TABLE IF NOT EXISTS shards (
			run_id TEXT NOT NULL,
			shard_key TEXT NOT NULL,
			node_index INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			last_modified TEXT,
			PRIMARY KEY(run_id, shard_key),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shards_rank ON shards(run_id, rank);`,

		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			detail TEXT,
			rank INTEGER,
			error_code TEXT,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
