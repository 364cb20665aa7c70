package duckdb

import (
	"context"
	"fmt"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

func (r *Repository) AddSubRun(ctx context.Context, run domain.SubRun) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sub_runs (id, job_id, seq, label, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail`,
		run.ID, string(run.JobID), run.Seq, run.Label, string(run.Status), run.Detail, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save sub-run %s: %w", run.ID, err)
	}
	return nil
}

func (r *Repository) ListSubRuns(ctx context.Context, jobID domain.JobID) ([]domain.SubRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, seq, label, status, detail, created_at
		FROM sub_runs WHERE job_id = ? ORDER BY seq ASC`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("list sub-runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.SubRun{}
	for rows.Next() {
		var s domain.SubRun
		var jobIDStr, statusStr string
		if err := rows.Scan(&s.ID, &jobIDStr, &s.Seq, &s.Label, &statusStr, &s.Detail, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.JobID = domain.JobID(jobIDStr)
		s.Status = domain.SubRunStatus(statusStr)
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

// MarkSubRunsOrphaned flags unfinished sub-runs of an interrupted job.
// Completed sub-runs keep their status.
func (r *Repository) MarkSubRunsOrphaned(ctx context.Context, jobID domain.JobID) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE sub_runs SET status = 'orphaned'
		WHERE job_id = ? AND status = 'running'`, string(jobID))
	if err != nil {
		return 0, fmt.Errorf("orphan sub-runs of job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
