package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

const scheduleColumns = `id, owner_id, name, job_kind, CAST(params AS TEXT), type, cron_expr, interval_sec,
	next_run, last_run, last_job_id, last_result, run_count, status, created_at`

func (r *Repository) SaveSchedule(ctx context.Context, sched *domain.Schedule) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var params *string
	if len(sched.Params) > 0 {
		p := string(sched.Params)
		params = &p
	}
	var lastJobID *string
	if sched.LastJobID != nil {
		s := string(*sched.LastJobID)
		lastJobID = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, owner_id, name, job_kind, params, type, cron_expr, interval_sec,
		                       next_run, last_run, last_job_id, last_result, run_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			next_run = excluded.next_run,
			last_run = excluded.last_run,
			last_job_id = excluded.last_job_id,
			last_result = excluded.last_result,
			run_count = excluded.run_count,
			status = excluded.status`,
		string(sched.ID), string(sched.OwnerID), sched.Name, string(sched.Kind), params,
		string(sched.Type), sched.CronExpr, sched.IntervalSec,
		sched.NextRun, sched.LastRun, lastJobID, sched.LastResult,
		sched.RunCount, string(sched.Status), sched.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (r *Repository) GetSchedule(ctx context.Context, id domain.ScheduleID) (*domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, string(id))

	sched, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sched, nil
}

func (r *Repository) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

func (r *Repository) DeleteSchedule(ctx context.Context, id domain.ScheduleID) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, string(id))
	return err
}

func (r *Repository) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = 'active' AND next_run <= ? ORDER BY next_run ASC`,
		now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	scheds := []domain.Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, *sched)
	}
	return scheds, rows.Err()
}

func scanSchedule(scan func(dest ...any) error) (*domain.Schedule, error) {
	var s domain.Schedule
	var idStr, ownerStr, kindStr, typeStr, statusStr string
	var params, lastJobID *string

	err := scan(
		&idStr, &ownerStr, &s.Name, &kindStr, &params, &typeStr, &s.CronExpr, &s.IntervalSec,
		&s.NextRun, &s.LastRun, &lastJobID, &s.LastResult, &s.RunCount, &statusStr, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ID = domain.ScheduleID(idStr)
	s.OwnerID = domain.OwnerID(ownerStr)
	s.Kind = domain.JobKind(kindStr)
	s.Type = domain.ScheduleType(typeStr)
	s.Status = domain.ScheduleStatus(statusStr)
	if params != nil {
		s.Params = []byte(*params)
	}
	if lastJobID != nil {
		id := domain.JobID(*lastJobID)
		s.LastJobID = &id
	}
	return &s, nil
}
