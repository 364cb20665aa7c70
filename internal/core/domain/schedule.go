package domain

import (
	"encoding/json"
	"time"
)

// ScheduleID is the unique identifier for a scheduled submission
type ScheduleID string

// ScheduleStatus represents the current state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCompleted ScheduleStatus = "completed" // one-shot that has run
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

// ScheduleType differentiates one-shot from recurring schedules
type ScheduleType string

const (
	ScheduleTypeOneShot   ScheduleType = "one_shot"  // run once at a specific time
	ScheduleTypeRecurring ScheduleType = "recurring" // repeat on interval
	ScheduleTypeCron      ScheduleType = "cron"      // cron expression
)

// Schedule is a recurring or deferred job submission. Due schedules are
// submitted through the normal admission path, so scheduled work obeys the
// same per-owner ceilings as interactive work.
type Schedule struct {
	ID          ScheduleID      `json:"id"`
	OwnerID     OwnerID         `json:"owner_id"`
	Name        string          `json:"name"`
	Kind        JobKind         `json:"job_kind"`
	Params      json.RawMessage `json:"params,omitempty"`
	Type        ScheduleType    `json:"type"`
	CronExpr    string          `json:"cron_expr,omitempty"`    // cron expression (for Type=cron)
	IntervalSec int             `json:"interval_sec,omitempty"` // interval in seconds (for Type=recurring)
	NextRun     time.Time       `json:"next_run"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	LastJobID   *JobID          `json:"last_job_id,omitempty"`
	LastResult  string          `json:"last_result,omitempty"`
	RunCount    int             `json:"run_count"`
	Status      ScheduleStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
