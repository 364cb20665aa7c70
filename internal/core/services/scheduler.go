package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// SchedulerConfig defines admission and execution limits.
type SchedulerConfig struct {
	OwnerSlotLimit    int
	GlobalConcurrency int64
	DefaultJobTimeout time.Duration
	CancelGracePeriod time.Duration
}

// Scheduler is the single entry point for submitting, cancelling, and
// observing background jobs. Construct one at process start and pass it by
// reference to every consumer; there is no ambient global instance.
type Scheduler struct {
	logger *slog.Logger
	store  ports.JobStore
	alloc  *SlotAllocator
	sup    *Supervisor
	pub    *Publisher

	defaultTimeout time.Duration

	execMu    sync.RWMutex
	executors map[domain.JobKind]ports.WorkExecutor

	// degraded flips when the store fails; admissions halt until a ping
	// confirms storage is healthy again.
	degraded atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
}

func NewScheduler(logger *slog.Logger, store ports.JobStore, pub *Publisher, cfg SchedulerConfig) *Scheduler {
	timeout := cfg.DefaultJobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	s := &Scheduler{
		logger:         logger,
		store:          store,
		pub:            pub,
		defaultTimeout: timeout,
		executors:      make(map[domain.JobKind]ports.WorkExecutor),
	}
	s.baseCtx, s.baseCancel = context.WithCancelCause(context.Background())
	s.alloc = NewSlotAllocator(logger, store, cfg.OwnerSlotLimit)
	s.sup = NewSupervisor(logger, store, pub, SupervisorConfig{
		GlobalConcurrency: cfg.GlobalConcurrency,
		GracePeriod:       cfg.CancelGracePeriod,
	})
	s.sup.SetTerminalHook(s.releaseAndPromote)
	pub.SetResyncSource(s.resyncEvent)
	return s
}

// RegisterExecutor binds the work function for a job kind. Submissions for
// kinds with no executor are rejected at admission.
func (s *Scheduler) RegisterExecutor(kind domain.JobKind, exec ports.WorkExecutor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executors[kind] = exec
}

func (s *Scheduler) executor(kind domain.JobKind) (ports.WorkExecutor, bool) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	exec, ok := s.executors[kind]
	return exec, ok
}

// Submit admits a new job, queueing it when the owner is at capacity.
// Queueing is not an error: the returned job's status says which happened.
func (s *Scheduler) Submit(ctx context.Context, owner domain.OwnerID, kind domain.JobKind, params json.RawMessage, timeout time.Duration) (domain.Job, error) {
	if strings.TrimSpace(string(owner)) == "" {
		return domain.Job{}, fmt.Errorf("%w: missing owner_id", domain.ErrAdmissionRejected)
	}
	if !kind.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown job kind %q", domain.ErrAdmissionRejected, kind)
	}
	exec, ok := s.executor(kind)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: no executor registered for kind %q", domain.ErrAdmissionRejected, kind)
	}
	if err := s.checkHealth(ctx); err != nil {
		return domain.Job{}, err
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	now := time.Now().UTC()
	deadline := now.Add(timeout)
	job := domain.Job{
		ID:        domain.JobID(uuid.New().String()),
		OwnerID:   owner,
		Kind:      kind,
		Params:    params,
		CreatedAt: now,
		TimeoutAt: &deadline,
	}

	started, err := s.alloc.Admit(ctx, &job)
	if err != nil {
		s.degraded.Store(true)
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.pub.PublishToOwner(owner, domain.EventFromJob(job))
	s.logger.Info("job admitted", "job_id", job.ID, "owner_id", owner,
		"job_kind", kind, "status", job.Status)

	if started {
		s.sup.Launch(s.baseCtx, job, exec)
	}
	return job, nil
}

// Cancel requests cooperative cancellation. It is idempotent: cancelling a
// job that is already terminal is a no-op, not an error.
func (s *Scheduler) Cancel(ctx context.Context, id domain.JobID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	// A live execution unit handles its own terminal write.
	if s.sup.RequestCancel(id) {
		s.logger.Info("cancellation signalled", "job_id", id)
		return nil
	}

	// Not running: PENDING and QUEUED jobs go straight to CANCELLED. The
	// conditional store write settles any race with a concurrent start.
	now := time.Now().UTC()
	err = s.store.UpdateStatus(ctx, id, domain.JobStatusCancelled, ports.StatusUpdate{CompletedAt: &now})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// The job started or finished while we looked: retry the signal,
			// and treat an already-terminal job as done.
			if s.sup.RequestCancel(id) {
				return nil
			}
			current, gerr := s.store.GetJob(ctx, id)
			if gerr == nil && current.Status.Terminal() {
				return nil
			}
		}
		return err
	}

	// A queued job never held a slot; a pending one gives its slot back when
	// the supervisor's start attempt loses the transition race.
	s.alloc.RemoveWaiting(job.OwnerID, id)

	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	s.pub.PublishToOwner(job.OwnerID, domain.EventFromJob(job))
	s.logger.Info("job cancelled before start", "job_id", id)
	return nil
}

// GetStatus returns the job's durable record.
func (s *Scheduler) GetStatus(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListActive returns the owner's PENDING, QUEUED, and RUNNING jobs.
func (s *Scheduler) ListActive(ctx context.Context, owner domain.OwnerID) ([]domain.Job, error) {
	return s.store.ListByStatus(ctx, domain.ActiveStatuses, &owner)
}

// ListAll is the operator surface: filter by status set and/or owner.
// Empty filters list everything.
func (s *Scheduler) ListAll(ctx context.Context, statuses []domain.JobStatus, owner *domain.OwnerID) ([]domain.Job, error) {
	if len(statuses) == 0 {
		statuses = append(append([]domain.JobStatus{}, domain.ActiveStatuses...), domain.TerminalStatuses...)
	}
	return s.store.ListByStatus(ctx, statuses, owner)
}

// Cleanup deletes terminal jobs older than the window. Non-terminal jobs are
// never touched regardless of age.
func (s *Scheduler) Cleanup(ctx context.Context, window time.Duration) (int, error) {
	return s.store.DeleteOlderThan(ctx, window)
}

// RecordSubRun lets work functions register dependent partial artifacts so
// recovery can reconcile them after a crash.
func (s *Scheduler) RecordSubRun(ctx context.Context, run domain.SubRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.SubRunRunning
	}
	return s.store.AddSubRun(ctx, run)
}

// Run blocks until ctx is cancelled, then shuts the execution units down:
// each live unit is cancelled and the supervisor waits one grace period for
// them to yield before the process exits.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "owner_slot_limit", s.alloc.Limit())
	<-ctx.Done()

	s.logger.Info("scheduler stopping, cancelling live jobs", "running", s.sup.RunningCount())
	s.baseCancel(errShuttingDown)

	waitCtx, cancel := context.WithTimeout(context.Background(), s.sup.grace)
	defer cancel()
	if err := s.sup.Wait(waitCtx); err != nil {
		s.logger.Warn("jobs still live at shutdown; startup recovery will interrupt them")
	}
	return nil
}

// releaseAndPromote is the supervisor's terminal hook: free the slot and
// start the owner's oldest queued job, if any.
func (s *Scheduler) releaseAndPromote(job domain.Job) {
	promoted, ok := s.alloc.Release(job.OwnerID, job.ID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()

	next, err := s.store.GetJob(ctx, promoted)
	if err != nil {
		s.logger.Error("failed to load promoted job", "job_id", promoted, "error", err)
		s.releaseAndPromote(domain.Job{ID: promoted, OwnerID: job.OwnerID})
		return
	}
	exec, ok := s.executor(next.Kind)
	if !ok {
		// Executor unregistered since admission; fail the job rather than
		// wedge the queue.
		detail := fmt.Sprintf("no executor registered for kind %q", next.Kind)
		now := time.Now().UTC()
		if err := s.store.UpdateStatus(ctx, next.ID, domain.JobStatusInterrupted, ports.StatusUpdate{
			ErrorDetail: &detail, CompletedAt: &now,
		}); err != nil {
			s.logger.Error("failed to interrupt unpromotable job", "job_id", next.ID, "error", err)
		}
		s.releaseAndPromote(next)
		return
	}

	s.logger.Info("promoting queued job", "job_id", next.ID, "owner_id", next.OwnerID)
	s.sup.Launch(s.baseCtx, next, exec)
}

// resyncEvent snapshots the active jobs visible to a (re)connecting
// subscriber so it does not need to poll after connecting.
func (s *Scheduler) resyncEvent(ctx context.Context, owner domain.OwnerID, admin bool) (domain.JobEvent, error) {
	var ownerFilter *domain.OwnerID
	if !admin {
		ownerFilter = &owner
	}
	jobs, err := s.store.ListByStatus(ctx, domain.ActiveStatuses, ownerFilter)
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("resync snapshot: %w", err)
	}
	return domain.JobEvent{Type: domain.EventResync, OwnerID: owner, ActiveJobs: jobs}, nil
}

// checkHealth gates admissions on store availability. Once degraded, a
// successful ping is required before new jobs are accepted.
func (s *Scheduler) checkHealth(ctx context.Context) error {
	if !s.degraded.Load() {
		return nil
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.degraded.Store(false)
	s.logger.Info("job store healthy again, admissions resumed")
	return nil
}
