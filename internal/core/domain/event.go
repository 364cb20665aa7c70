package domain

// EventType identifies a lifecycle notification on the wire.
type EventType string

const (
	EventJobAdmitted    EventType = "job_admitted"
	EventJobQueued      EventType = "job_queued"
	EventJobStarted     EventType = "job_started"
	EventJobProgress    EventType = "job_progress"
	EventJobDone        EventType = "job_done"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
	EventJobInterrupted EventType = "job_interrupted"
	EventResync         EventType = "resync"
)

// JobEvent is the JSON payload pushed to subscribers. A resync event
// additionally carries every active job visible to the subscriber.
type JobEvent struct {
	Type           EventType `json:"type"`
	JobID          JobID     `json:"job_id,omitempty"`
	OwnerID        OwnerID   `json:"owner_id,omitempty"`
	Kind           JobKind   `json:"job_kind,omitempty"`
	Status         JobStatus `json:"status,omitempty"`
	ProgressPct    int       `json:"progress_pct"`
	ProgressDetail string    `json:"progress_detail,omitempty"`
	ResultRef      *string   `json:"result_ref,omitempty"`
	ErrorDetail    *string   `json:"error_detail,omitempty"`
	ActiveJobs     []Job     `json:"active_jobs,omitempty"`
}

// statusEvents maps a job state to the event type announcing it.
var statusEvents = map[JobStatus]EventType{
	JobStatusPending:     EventJobAdmitted,
	JobStatusQueued:      EventJobQueued,
	JobStatusRunning:     EventJobStarted,
	JobStatusDone:        EventJobDone,
	JobStatusFailed:      EventJobFailed,
	JobStatusCancelled:   EventJobCancelled,
	JobStatusInterrupted: EventJobInterrupted,
}

// EventFromJob builds the lifecycle event announcing the job's current status.
func EventFromJob(job Job) JobEvent {
	return JobEvent{
		Type:           statusEvents[job.Status],
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Kind:           job.Kind,
		Status:         job.Status,
		ProgressPct:    job.ProgressPct,
		ProgressDetail: job.ProgressDetail,
		ResultRef:      job.ResultRef,
		ErrorDetail:    job.ErrorDetail,
	}
}

// ProgressEvent builds a job_progress event for a running job.
func ProgressEvent(job Job, pct int, detail string) JobEvent {
	return JobEvent{
		Type:           EventJobProgress,
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Kind:           job.Kind,
		Status:         JobStatusRunning,
		ProgressPct:    pct,
		ProgressDetail: detail,
	}
}
