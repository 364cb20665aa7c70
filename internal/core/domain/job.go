package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ID types to prevent stringly-typed confusion
type JobID string

type OwnerID string

// JobKind is the closed set of work categories. It selects which registered
// WorkExecutor runs the job; the scheduler never looks inside Params.
type JobKind string

const (
	KindBenchmark    JobKind = "benchmark"
	KindToolEval     JobKind = "tool_eval"
	KindParamTune    JobKind = "param_tune"
	KindPromptTune   JobKind = "prompt_tune"
	KindJudge        JobKind = "judge"
	KindJudgeCompare JobKind = "judge_compare"
	KindScheduledRun JobKind = "scheduled_run"
	KindOther        JobKind = "other"
)

var jobKinds = map[JobKind]struct{}{
	KindBenchmark:    {},
	KindToolEval:     {},
	KindParamTune:    {},
	KindPromptTune:   {},
	KindJudge:        {},
	KindJudgeCompare: {},
	KindScheduledRun: {},
	KindOther:        {},
}

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	_, ok := jobKinds[k]
	return ok
}

type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusQueued      JobStatus = "QUEUED"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusDone        JobStatus = "DONE"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCancelled   JobStatus = "CANCELLED"
	JobStatusInterrupted JobStatus = "INTERRUPTED"
)

// ActiveStatuses are the non-terminal states, in admission order.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning}

// TerminalStatuses are absorbing: once reached, the job is never mutated
// again except by retention-driven deletion.
var TerminalStatuses = []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCancelled, JobStatusInterrupted}

// Terminal reports whether s is an absorbing state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled, JobStatusInterrupted:
		return true
	}
	return false
}

// transitions is the full state graph. Anything not listed is rejected.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled, JobStatusInterrupted},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled, JobStatusInterrupted},
	JobStatusRunning: {JobStatusDone, JobStatusFailed, JobStatusCancelled, JobStatusInterrupted},
}

// CanTransitionTo reports whether s -> next is a legal edge of the state graph.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Job is the unit of trackable background work.
type Job struct {
	ID             JobID           `json:"id"`
	OwnerID        OwnerID         `json:"owner_id"`
	Kind           JobKind         `json:"job_kind"`
	Status         JobStatus       `json:"status"`
	Params         json.RawMessage `json:"params,omitempty"`
	ProgressPct    int             `json:"progress_pct"`
	ProgressDetail string          `json:"progress_detail,omitempty"`
	ResultRef      *string         `json:"result_ref,omitempty"`
	ResultKind     *string         `json:"result_kind,omitempty"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	TimeoutAt      *time.Time      `json:"timeout_at,omitempty"`
}

// SubRunStatus tracks partial per-job artifacts (tuning iterations, benchmark
// cases) written by work functions. Recovery marks unfinished ones orphaned.
type SubRunStatus string

const (
	SubRunRunning  SubRunStatus = "running"
	SubRunOK       SubRunStatus = "ok"
	SubRunFailed   SubRunStatus = "failed"
	SubRunOrphaned SubRunStatus = "orphaned"
)

// SubRun is a dependent partial artifact keyed by its parent job.
type SubRun struct {
	ID        string       `json:"id"`
	JobID     JobID        `json:"job_id"`
	Seq       int          `json:"seq"`
	Label     string       `json:"label,omitempty"`
	Status    SubRunStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrStoreUnavailable  = errors.New("job store unavailable")
)

// InvalidTransitionError wraps ErrInvalidTransition with the offending edge so
// callers can log it without re-reading the row.
func InvalidTransitionError(id JobID, from, to JobStatus) error {
	return fmt.Errorf("%w: job %s: %s -> %s", ErrInvalidTransition, id, from, to)
}
