package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// RecoveryManager reconciles persisted state with the fact that a restart
// destroyed every in-memory execution unit. It runs exactly once, before the
// scheduler accepts any submission.
type RecoveryManager struct {
	logger *slog.Logger
	store  ports.JobStore
}

func NewRecoveryManager(logger *slog.Logger, store ports.JobStore) *RecoveryManager {
	return &RecoveryManager{logger: logger, store: store}
}

// Run marks every non-terminal job INTERRUPTED and orphans its sub-runs.
// Jobs are never silently resumed: their in-process state and any partially
// written results are unknown and unsafe to trust. Returns the number of
// jobs reconciled.
func (r *RecoveryManager) Run(ctx context.Context) (int, error) {
	jobs, err := r.store.ListByStatus(ctx, domain.ActiveStatuses, nil)
	if err != nil {
		return 0, fmt.Errorf("list in-flight jobs: %w", err)
	}
	if len(jobs) == 0 {
		r.logger.Info("recovery: no in-flight jobs found")
		return 0, nil
	}

	r.logger.Info("recovery: interrupting jobs with no live execution", "count", len(jobs))

	now := time.Now().UTC()
	for _, job := range jobs {
		detail := fmt.Sprintf("process restarted while job was %s", job.Status)
		err := r.store.UpdateStatus(ctx, job.ID, domain.JobStatusInterrupted, ports.StatusUpdate{
			ErrorDetail: &detail,
			CompletedAt: &now,
		})
		if err != nil {
			return 0, fmt.Errorf("interrupt job %s: %w", job.ID, err)
		}

		orphaned, err := r.store.MarkSubRunsOrphaned(ctx, job.ID)
		if err != nil {
			return 0, fmt.Errorf("orphan sub-runs of job %s: %w", job.ID, err)
		}
		r.logger.Info("recovery: job interrupted", "job_id", job.ID,
			"previous_status", job.Status, "orphaned_sub_runs", orphaned)
	}

	return len(jobs), nil
}
