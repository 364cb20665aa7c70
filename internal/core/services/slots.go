package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// SlotAllocator enforces the per-owner concurrency ceiling.
//
// Each owner has its own ledger with its own mutex, so unrelated owners never
// serialize on each other. The ceiling check, the reservation, and the durable
// insert all happen while holding the owner's ledger lock: two concurrent
// submissions by the same owner can never both observe a free slot.
type SlotAllocator struct {
	logger *slog.Logger
	store  ports.JobStore
	limit  int

	mu      sync.Mutex
	ledgers map[domain.OwnerID]*ownerLedger
}

// ownerLedger tracks one owner's reserved slots and FIFO waiting queue.
// A job id appears in at most one of {active, waiting}.
type ownerLedger struct {
	mu      sync.Mutex
	active  map[domain.JobID]struct{}
	waiting []domain.JobID
}

func NewSlotAllocator(logger *slog.Logger, store ports.JobStore, limit int) *SlotAllocator {
	if limit <= 0 {
		limit = 3
	}
	return &SlotAllocator{
		logger:  logger,
		store:   store,
		limit:   limit,
		ledgers: make(map[domain.OwnerID]*ownerLedger),
	}
}

// Limit returns the configured per-owner ceiling.
func (a *SlotAllocator) Limit() int { return a.limit }

func (a *SlotAllocator) ledger(owner domain.OwnerID) *ownerLedger {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.ledgers[owner]
	if !ok {
		l = &ownerLedger{active: make(map[domain.JobID]struct{})}
		a.ledgers[owner] = l
	}
	return l
}

// Admit decides PENDING vs QUEUED for the job, durably creates it, and
// reserves a slot if one is free, all under the owner's critical section.
// It reports whether the job holds a slot and should start now.
//
// If the durable insert fails the reservation is not kept: the critical
// section spans both, so the ledger and the store cannot diverge.
func (a *SlotAllocator) Admit(ctx context.Context, job *domain.Job) (started bool, err error) {
	l := a.ledger(job.OwnerID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.active) < a.limit {
		job.Status = domain.JobStatusPending
		if err := a.store.CreateAdmitted(ctx, *job); err != nil {
			return false, fmt.Errorf("create admitted job: %w", err)
		}
		l.active[job.ID] = struct{}{}
		return true, nil
	}

	job.Status = domain.JobStatusQueued
	if err := a.store.CreateAdmitted(ctx, *job); err != nil {
		return false, fmt.Errorf("create queued job: %w", err)
	}
	l.waiting = append(l.waiting, job.ID)
	return false, nil
}

// Release frees the slot held by id and, if the waiting queue is non-empty,
// atomically promotes its oldest entry into the freed slot.
func (a *SlotAllocator) Release(owner domain.OwnerID, id domain.JobID) (promoted domain.JobID, ok bool) {
	l := a.ledger(owner)
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.active, id)
	if len(l.waiting) == 0 || len(l.active) >= a.limit {
		return "", false
	}

	promoted = l.waiting[0]
	l.waiting = l.waiting[1:]
	l.active[promoted] = struct{}{}
	return promoted, true
}

// RemoveWaiting drops a queued job from the owner's FIFO queue. It reports
// false when the job is not waiting (already promoted, or never queued).
func (a *SlotAllocator) RemoveWaiting(owner domain.OwnerID, id domain.JobID) bool {
	l := a.ledger(owner)
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range l.waiting {
		if w == id {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveCount returns how many slots the owner currently holds.
func (a *SlotAllocator) ActiveCount(owner domain.OwnerID) int {
	l := a.ledger(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// WaitingCount returns the depth of the owner's FIFO queue.
func (a *SlotAllocator) WaitingCount(owner domain.OwnerID) int {
	l := a.ledger(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}
