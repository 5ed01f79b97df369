package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
//
// The pool is limited to one connection: every writer is already serialized
// per agent, and a single connection keeps busy errors out of the picture.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := RequireLocalFilesystem(path, "database"); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// agent_jobs holds queued, in-flight (running) and failed jobs. Only queued
// rows carry a position; positions are dense per agent_key. A running row is
// the crash-recovery marker for a job that has been handed to a session.
// run_log is append-only history, one row per finished session.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_jobs (
  id          TEXT PRIMARY KEY,
  agent_key   TEXT NOT NULL,
  payload     TEXT NOT NULL,
  project_id  TEXT NOT NULL DEFAULT '',
  thread_id   TEXT NOT NULL DEFAULT '',
  position    INTEGER,
  status      TEXT NOT NULL,
  queued_at   TEXT NOT NULL,
  started_at  TEXT,
  failed_at   TEXT,
  last_error  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS run_log (
  run_id      TEXT PRIMARY KEY,
  agent_key   TEXT NOT NULL,
  job_id      TEXT NOT NULL,
  status      TEXT NOT NULL,
  reason      TEXT NOT NULL DEFAULT '',
  exit_code   INTEGER,
  started_at  TEXT NOT NULL,
  ended_at    TEXT NOT NULL,
  last_error  TEXT,
  stderr      TEXT
);`,
		`CREATE INDEX IF NOT EXISTS agent_jobs_agent_status_position_idx ON agent_jobs(agent_key, status, position);`,
		`CREATE INDEX IF NOT EXISTS run_log_agent_ended_idx ON run_log(agent_key, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
