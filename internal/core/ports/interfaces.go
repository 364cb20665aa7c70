package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

// StatusUpdate carries the fields that may change alongside a status
// transition. Nil pointers leave the column untouched.
type StatusUpdate struct {
	ResultRef   *string
	ResultKind  *string
	ErrorDetail *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobStore abstracts the durable job record (DuckDB).
//
// Implementations must serialize all status-changing writes for a single job:
// a transition is a read-validate-write inside one transaction on one
// connection, never a read on one connection and a write on another.
type JobStore interface {
	// CreateAdmitted durably inserts a freshly admitted job (PENDING or
	// QUEUED). It is the atomic primitive the slot allocator calls while
	// holding the owner's critical section.
	CreateAdmitted(ctx context.Context, job domain.Job) error

	// UpdateStatus transitions a job along the state graph, applying upd in
	// the same write. Illegal edges return ErrInvalidTransition and leave the
	// row unchanged.
	UpdateStatus(ctx context.Context, id domain.JobID, next domain.JobStatus, upd StatusUpdate) error

	// AppendProgress records the latest progress report. Only RUNNING jobs
	// accept progress, and the stored percentage never decreases.
	AppendProgress(ctx context.Context, id domain.JobID, pct int, detail string) error

	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ListByStatus returns jobs in any of the given statuses, newest last.
	// A nil owner lists across all owners.
	ListByStatus(ctx context.Context, statuses []domain.JobStatus, owner *domain.OwnerID) ([]domain.Job, error)

	// DeleteOlderThan removes terminal jobs (and their sub-runs) whose
	// completion is older than the window. Non-terminal jobs are never touched.
	DeleteOlderThan(ctx context.Context, window time.Duration) (int, error)

	// Sub-run bookkeeping for dependent partial artifacts.
	AddSubRun(ctx context.Context, run domain.SubRun) error
	ListSubRuns(ctx context.Context, jobID domain.JobID) ([]domain.SubRun, error)
	MarkSubRunsOrphaned(ctx context.Context, jobID domain.JobID) (int, error)

	// Ping verifies the store is reachable; admissions halt while it is not.
	Ping(ctx context.Context) error
}

// ScheduleStore abstracts persistence for scheduled submissions.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, sched *domain.Schedule) error
	GetSchedule(ctx context.Context, id domain.ScheduleID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id domain.ScheduleID) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
}

// Result is the opaque pointer a work function returns on success.
type Result struct {
	Ref  string
	Kind string
}

// ProgressFunc relays a work function's progress report. Implementations are
// non-blocking; a slow subscriber never stalls the caller.
type ProgressFunc func(pct int, detail string)

// WorkExecutor is implemented per job kind, outside the scheduling core.
// Execute must check ctx between internal steps (cancellation is cooperative)
// and should call report periodically.
type WorkExecutor interface {
	Execute(ctx context.Context, params json.RawMessage, report ProgressFunc) (Result, error)
}

// WorkExecutorFunc adapts a plain function to the WorkExecutor interface.
type WorkExecutorFunc func(ctx context.Context, params json.RawMessage, report ProgressFunc) (Result, error)

func (f WorkExecutorFunc) Execute(ctx context.Context, params json.RawMessage, report ProgressFunc) (Result, error) {
	return f(ctx, params, report)
}
