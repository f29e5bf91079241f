package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run history tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id               TEXT PRIMARY KEY,
  created_at       TEXT NOT NULL,
  out_path         TEXT NOT NULL,
  config_path      TEXT NOT NULL,
  account          TEXT NOT NULL,
  items_found      INTEGER NOT NULL,
  items_completed  INTEGER NOT NULL,
  items_todo       INTEGER NOT NULL,
  regressors       INTEGER NOT NULL,
  jobs             INTEGER NOT NULL,
  items_per_job    INTEGER NOT NULL,
  walltime         TEXT NOT NULL,
  mem              TEXT NOT NULL,
  policy_version   TEXT NOT NULL,
  script_path      TEXT,
  status           TEXT NOT NULL,
  scheduler_job_id TEXT,
  submitted_at     TEXT,
  last_error       TEXT
);`,
		`CREATE TABLE IF NOT EXISTS batches (
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  batch_index INTEGER NOT NULL,
  items       INTEGER NOT NULL,
  first_item  TEXT,
  last_item   TEXT,
  config_path TEXT NOT NULL,
  PRIMARY KEY (run_id, batch_index)
);`,
		`CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS runs_out_path_idx ON runs(out_path, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
