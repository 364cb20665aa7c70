package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// memStore is an in-memory JobStore with the same transition discipline as the
// durable adapter, for exercising the services without a database file.
type memStore struct {
	mu      sync.Mutex
	jobs    map[domain.JobID]domain.Job
	subRuns map[domain.JobID][]domain.SubRun
	failing bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[domain.JobID]domain.Job),
		subRuns: make(map[domain.JobID][]domain.SubRun),
	}
}

func (m *memStore) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

func (m *memStore) CreateAdmitted(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("store down")
	}
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id domain.JobID, next domain.JobStatus, upd ports.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("store down")
	}
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if !job.Status.CanTransitionTo(next) {
		return domain.InvalidTransitionError(id, job.Status, next)
	}
	job.Status = next
	if upd.ResultRef != nil {
		job.ResultRef = upd.ResultRef
	}
	if upd.ResultKind != nil {
		job.ResultKind = upd.ResultKind
	}
	if upd.ErrorDetail != nil {
		job.ErrorDetail = upd.ErrorDetail
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	if next == domain.JobStatusDone {
		job.ProgressPct = 100
	}
	m.jobs[id] = job
	return nil
}

func (m *memStore) AppendProgress(_ context.Context, id domain.JobID, pct int, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != domain.JobStatusRunning {
		return domain.InvalidTransitionError(id, job.Status, domain.JobStatusRunning)
	}
	if pct > job.ProgressPct {
		job.ProgressPct = pct
	}
	job.ProgressDetail = detail
	m.jobs[id] = job
	return nil
}

func (m *memStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses []domain.JobStatus, owner *domain.OwnerID) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[domain.JobStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	out := []domain.Job{}
	for _, job := range m.jobs {
		if _, ok := want[job.Status]; !ok {
			continue
		}
		if owner != nil && job.OwnerID != *owner {
			continue
		}
		out = append(out, job)
	}
	// oldest first, matching the durable adapter
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	deleted := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.subRuns, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) AddSubRun(_ context.Context, run domain.SubRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subRuns[run.JobID] = append(m.subRuns[run.JobID], run)
	return nil
}

func (m *memStore) ListSubRuns(_ context.Context, jobID domain.JobID) ([]domain.SubRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SubRun{}, m.subRuns[jobID]...), nil
}

func (m *memStore) MarkSubRunsOrphaned(_ context.Context, jobID domain.JobID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, run := range m.subRuns[jobID] {
		if run.Status == domain.SubRunRunning {
			m.subRuns[jobID][i].Status = domain.SubRunOrphaned
			n++
		}
	}
	return n, nil
}

func (m *memStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("store down")
	}
	return nil
}

// statusOf is a test convenience.
func (m *memStore) statusOf(id domain.JobID) domain.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}
