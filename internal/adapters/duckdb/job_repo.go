package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

const jobColumns = `id, owner_id, job_kind, status, CAST(params AS TEXT), progress_pct, progress_detail,
	result_ref, result_kind, error_detail, created_at, started_at, completed_at, timeout_at`

// CreateAdmitted durably inserts a freshly admitted job. The caller holds the
// owner's ledger lock, so the insert and the slot reservation form one
// atomic admission.
func (r *Repository) CreateAdmitted(ctx context.Context, job domain.Job) error {
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusQueued {
		return fmt.Errorf("job %s: cannot create in status %s", job.ID, job.Status)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var params *string
	if len(job.Params) > 0 {
		p := string(job.Params)
		params = &p
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, job_kind, status, params, progress_pct, progress_detail,
		                  result_ref, result_kind, error_detail, created_at, started_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, 0, '', NULL, NULL, NULL, ?, NULL, NULL, ?)`,
		string(job.ID), string(job.OwnerID), string(job.Kind), string(job.Status),
		params, job.CreatedAt, job.TimeoutAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateStatus transitions a job along the state graph. The current status is
// read and validated inside the same transaction that writes the new one, so
// concurrent transitions serialize and exactly one wins.
func (r *Repository) UpdateStatus(ctx context.Context, id domain.JobID, next domain.JobStatus, upd ports.StatusUpdate) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current domain.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, string(id)).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read status of job %s: %w", id, err)
	}

	if !current.CanTransitionTo(next) {
		return domain.InvalidTransitionError(id, current, next)
	}

	set := []string{"status = ?"}
	args := []any{string(next)}
	if upd.ResultRef != nil {
		set = append(set, "result_ref = ?")
		args = append(args, *upd.ResultRef)
	}
	if upd.ResultKind != nil {
		set = append(set, "result_kind = ?")
		args = append(args, *upd.ResultKind)
	}
	if upd.ErrorDetail != nil {
		set = append(set, "error_detail = ?")
		args = append(args, *upd.ErrorDetail)
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}
	if next == domain.JobStatusDone {
		set = append(set, "progress_pct = 100")
	}
	args = append(args, string(id), string(current))

	// The status guard re-checks the row we just read; inside one
	// transaction under writeMu it cannot have moved, but it keeps the
	// write itself conditional.
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InvalidTransitionError(id, current, next)
	}

	return tx.Commit()
}

// AppendProgress records the latest progress report for a RUNNING job.
// The stored percentage never decreases.
func (r *Repository) AppendProgress(ctx context.Context, id domain.JobID, pct int, detail string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress_pct = GREATEST(progress_pct, ?), progress_detail = ?
		WHERE id = ? AND status = 'RUNNING'`,
		pct, detail, string(id),
	)
	if err != nil {
		return fmt.Errorf("append progress for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current domain.JobStatus
		err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, string(id)).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		return domain.InvalidTransitionError(id, current, domain.JobStatusRunning)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, statuses []domain.JobStatus, owner *domain.OwnerID) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return []domain.Job{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders + `)`
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	if owner != nil {
		query += ` AND owner_id = ?`
		args = append(args, string(*owner))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteOlderThan removes terminal jobs completed before the window, together
// with their sub-runs. Non-terminal jobs are never deleted.
func (r *Repository) DeleteOlderThan(ctx context.Context, window time.Duration) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-window)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const terminalFilter = `status IN ('DONE','FAILED','CANCELLED','INTERRUPTED') AND completed_at IS NOT NULL AND completed_at < ?`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sub_runs WHERE job_id IN (SELECT id FROM jobs WHERE `+terminalFilter+`)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("delete expired sub-runs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+terminalFilter, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// scanJob reads one jobs row via the given scan function (works for both
// sql.Row and sql.Rows).
func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var idStr, ownerStr, kindStr, statusStr, detail string
	var params, resultRef, resultKind, errorDetail *string
	var startedAt, completedAt, timeoutAt *time.Time

	err := scan(
		&idStr, &ownerStr, &kindStr, &statusStr, &params, &j.ProgressPct, &detail,
		&resultRef, &resultKind, &errorDetail, &j.CreatedAt, &startedAt, &completedAt, &timeoutAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(idStr)
	j.OwnerID = domain.OwnerID(ownerStr)
	j.Kind = domain.JobKind(kindStr)
	j.Status = domain.JobStatus(statusStr)
	j.ProgressDetail = detail
	if params != nil {
		j.Params = []byte(*params)
	}
	j.ResultRef = resultRef
	j.ResultKind = resultKind
	j.ErrorDetail = errorDetail
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	j.TimeoutAt = timeoutAt
	return j, nil
}
