package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// Repository is the DuckDB-backed job and schedule store.
//
// All mutating operations take writeMu and run inside a single transaction on
// the one shared connection pool: a status change is read-validate-write as
// one unit, never a read on one connection and a write on another.
type Repository struct {
	db      *sql.DB
	writeMu sync.Mutex
}

var (
	_ ports.JobStore      = (*Repository)(nil)
	_ ports.ScheduleStore = (*Repository)(nil)
)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		job_kind TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING','QUEUED','RUNNING','DONE','FAILED','CANCELLED','INTERRUPTED')),
		params TEXT,
		progress_pct INTEGER NOT NULL DEFAULT 0,
		progress_detail TEXT NOT NULL DEFAULT '',
		result_ref TEXT,
		result_kind TEXT,
		error_detail TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		timeout_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_completed ON jobs(status, completed_at);

	CREATE TABLE IF NOT EXISTS sub_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('running','ok','failed','orphaned')),
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sub_runs_job ON sub_runs(job_id);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		job_kind TEXT NOT NULL,
		params TEXT,
		type TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		interval_sec INTEGER NOT NULL DEFAULT 0,
		next_run TIMESTAMP NOT NULL,
		last_run TIMESTAMP,
		last_job_id TEXT,
		last_result TEXT NOT NULL DEFAULT '',
		run_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}
