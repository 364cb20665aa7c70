package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

var (
	errCancelRequested = errors.New("cancellation requested")
	errDeadlineReached = errors.New("job deadline reached")
	errShuttingDown    = errors.New("scheduler shutting down")
)

// Supervisor runs one cancellable goroutine per admitted job. It owns the
// job's slot from the moment Launch is called until the terminal callback
// fires, so a slot is released exactly once no matter how the job ends.
type Supervisor struct {
	logger *slog.Logger
	store  ports.JobStore
	pub    *Publisher
	sem    *semaphore.Weighted
	grace  time.Duration

	// onTerminal releases the owner's slot and promotes the next queued job.
	// Wired by the Scheduler before any Launch.
	onTerminal func(job domain.Job)

	mu      sync.Mutex
	running map[domain.JobID]*execution
	wg      sync.WaitGroup
}

// execution is the live state bound to one RUNNING job.
type execution struct {
	job        domain.Job
	cancel     context.CancelCauseFunc
	userCancel atomic.Bool
	lastPct    atomic.Int64
	finalize   sync.Once
	done       chan struct{}
}

// SupervisorConfig bounds execution concurrency and cancellation patience.
type SupervisorConfig struct {
	// GlobalConcurrency caps simultaneously executing jobs across all owners.
	GlobalConcurrency int64
	// GracePeriod is how long a cancelled unit may take to yield before the
	// job is force-marked INTERRUPTED.
	GracePeriod time.Duration
}

func NewSupervisor(logger *slog.Logger, store ports.JobStore, pub *Publisher, cfg SupervisorConfig) *Supervisor {
	limit := cfg.GlobalConcurrency
	if limit <= 0 {
		limit = 64
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Supervisor{
		logger:  logger,
		store:   store,
		pub:     pub,
		sem:     semaphore.NewWeighted(limit),
		grace:   grace,
		running: make(map[domain.JobID]*execution),
	}
}

// SetTerminalHook wires the slot-release callback. Must be set before Launch.
func (s *Supervisor) SetTerminalHook(fn func(job domain.Job)) {
	s.onTerminal = fn
}

// Launch starts the execution unit for a job holding a slot. ctx is the
// scheduler's root context; request contexts must not be passed here because
// jobs outlive the submitting request.
func (s *Supervisor) Launch(ctx context.Context, job domain.Job, exec ports.WorkExecutor) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, job, exec)
	}()
}

// RequestCancel signals the execution unit bound to id, if any. It reports
// whether a live unit was found; the caller handles the not-running case.
func (s *Supervisor) RequestCancel(id domain.JobID) bool {
	s.mu.Lock()
	ex, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ex.userCancel.Store(true)
	ex.cancel(errCancelRequested)
	return true
}

// RunningCount returns the number of live execution units.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until every launched unit has finished or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context, job domain.Job, exec ports.WorkExecutor) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Shutdown before the unit ever ran: no live state to trust.
		s.markInterrupted(job, "scheduler shut down before execution started")
		return
	}
	defer s.sem.Release(1)

	now := time.Now().UTC()
	err := s.store.UpdateStatus(ctx, job.ID, domain.JobStatusRunning, ports.StatusUpdate{StartedAt: &now})
	if err != nil {
		// Lost the race against a cancel: the terminal write already
		// happened, only the slot still needs releasing.
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Info("job cancelled before start", "job_id", job.ID)
		} else {
			s.logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
			s.markInterrupted(job, fmt.Sprintf("could not persist RUNNING state: %v", err))
			return
		}
		s.onTerminal(job)
		return
	}
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	s.pub.PublishToOwner(job.OwnerID, domain.EventFromJob(job))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ex := &execution{job: job, cancel: cancel, done: make(chan struct{})}
	s.register(ex)
	defer s.unregister(job.ID)
	defer close(ex.done)

	var watchdog *time.Timer
	if job.TimeoutAt != nil {
		watchdog = s.armWatchdog(ex)
		defer watchdog.Stop()
	}

	result, execErr := s.invoke(runCtx, exec, job, ex)

	ex.finalize.Do(func() {
		s.finalize(runCtx, ex, result, execErr)
	})
}

// armWatchdog cancels the unit at its deadline and force-marks it INTERRUPTED
// if it has not yielded one grace period later.
func (s *Supervisor) armWatchdog(ex *execution) *time.Timer {
	return time.AfterFunc(time.Until(*ex.job.TimeoutAt), func() {
		s.logger.Warn("job deadline reached, requesting cancellation",
			"job_id", ex.job.ID, "grace", s.grace)
		ex.cancel(errDeadlineReached)

		select {
		case <-ex.done:
			return
		case <-time.After(s.grace):
		}

		ex.finalize.Do(func() {
			// The unit did not yield: we cannot confirm a clean stop, so the
			// job is INTERRUPTED rather than CANCELLED. The goroutine is
			// abandoned; its eventual return hits the consumed Once.
			s.logger.Error("job did not yield within grace period, force-marking interrupted",
				"job_id", ex.job.ID)
			detail := fmt.Sprintf("timed out and did not stop within %s grace period", s.grace)
			s.writeTerminal(ex.job, domain.JobStatusInterrupted, ports.StatusUpdate{ErrorDetail: &detail})
		})
	})
}

// invoke calls the work function, containing panics to this job.
func (s *Supervisor) invoke(ctx context.Context, exec ports.WorkExecutor, job domain.Job, ex *execution) (result ports.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work function panicked: %v", r)
			s.logger.Error("work function panic", "job_id", job.ID, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	report := func(pct int, detail string) {
		s.reportProgress(ctx, ex, pct, detail)
	}
	return exec.Execute(ctx, job.Params, report)
}

// reportProgress clamps and persists a progress callback, then fans it out.
// Progress is non-decreasing while RUNNING; stale reports are ignored.
func (s *Supervisor) reportProgress(ctx context.Context, ex *execution, pct int, detail string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	for {
		last := ex.lastPct.Load()
		if int64(pct) < last {
			return
		}
		if ex.lastPct.CompareAndSwap(last, int64(pct)) {
			break
		}
	}

	if err := s.store.AppendProgress(ctx, ex.job.ID, pct, detail); err != nil {
		// Progress on a job that just went terminal is expected noise.
		if !errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Error("failed to persist progress", "job_id", ex.job.ID, "error", err)
		}
		return
	}
	s.pub.PublishToOwner(ex.job.OwnerID, domain.ProgressEvent(ex.job, pct, detail))
}

// finalize maps the work function's outcome onto a terminal state.
func (s *Supervisor) finalize(runCtx context.Context, ex *execution, result ports.Result, execErr error) {
	job := ex.job
	cause := context.Cause(runCtx)

	switch {
	case execErr == nil && !errors.Is(cause, errDeadlineReached):
		s.writeTerminal(job, domain.JobStatusDone, ports.StatusUpdate{
			ResultRef:  &result.Ref,
			ResultKind: &result.Kind,
		})

	case errors.Is(cause, errDeadlineReached) || errors.Is(execErr, context.DeadlineExceeded):
		detail := "timed out"
		if job.TimeoutAt != nil && job.StartedAt != nil {
			detail = fmt.Sprintf("timed out after %s", job.TimeoutAt.Sub(*job.StartedAt).Round(time.Second))
		}
		s.writeTerminal(job, domain.JobStatusFailed, ports.StatusUpdate{ErrorDetail: &detail})

	case ex.userCancel.Load():
		s.writeTerminal(job, domain.JobStatusCancelled, ports.StatusUpdate{})

	case errors.Is(cause, errShuttingDown) || errors.Is(cause, context.Canceled):
		detail := "scheduler shut down while job was running"
		s.writeTerminal(job, domain.JobStatusInterrupted, ports.StatusUpdate{ErrorDetail: &detail})

	default:
		detail := execErr.Error()
		s.writeTerminal(job, domain.JobStatusFailed, ports.StatusUpdate{ErrorDetail: &detail})
	}
}

// writeTerminal persists the terminal transition, publishes the event, and
// hands the slot back. Store writes here use a fresh context: the job context
// may already be cancelled, and a terminal record must still land.
func (s *Supervisor) writeTerminal(job domain.Job, status domain.JobStatus, upd ports.StatusUpdate) {
	now := time.Now().UTC()
	upd.CompletedAt = &now

	ctx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	if err := s.store.UpdateStatus(ctx, job.ID, status, upd); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Another path won the terminal write; nothing further to record.
			s.logger.Info("terminal state already recorded", "job_id", job.ID, "status", status)
		} else {
			s.logger.Error("failed to persist terminal state",
				"job_id", job.ID, "status", status, "error", err)
		}
		s.onTerminal(job)
		return
	}

	job.Status = status
	job.CompletedAt = &now
	job.ResultRef = upd.ResultRef
	job.ErrorDetail = upd.ErrorDetail
	if status == domain.JobStatusDone {
		job.ProgressPct = 100
	}
	s.pub.PublishToOwner(job.OwnerID, domain.EventFromJob(job))
	s.onTerminal(job)
}

// markInterrupted records an interruption for a unit that never reached
// RUNNING (startup refused, shutdown race).
func (s *Supervisor) markInterrupted(job domain.Job, detail string) {
	s.writeTerminal(job, domain.JobStatusInterrupted, ports.StatusUpdate{ErrorDetail: &detail})
}

func (s *Supervisor) register(ex *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[ex.job.ID] = ex
}

func (s *Supervisor) unregister(id domain.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}
