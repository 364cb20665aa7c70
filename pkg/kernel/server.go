package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
	"github.com/edvaldsson/forgeq/internal/core/services"
)

// Server exposes the scheduling core over HTTP. Authentication is out of
// scope here: owner identity is taken from the request and trusted; an
// authenticating proxy in front is expected to enforce it.
type Server struct {
	logger    *slog.Logger
	scheduler *services.Scheduler
	publisher *services.Publisher
	schedules ports.ScheduleStore
}

func NewServer(logger *slog.Logger, scheduler *services.Scheduler, publisher *services.Publisher, schedules ports.ScheduleStore) *Server {
	return &Server{
		logger:    logger,
		scheduler: scheduler,
		publisher: publisher,
		schedules: schedules,
	}
}

// Handler returns the http.Handler for the kernel API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/events", s.handleOwnerSSE)
	mux.HandleFunc("GET /v1/admin/events", s.handleAdminSSE)
	mux.HandleFunc("POST /v1/admin/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)

	return mux
}

type submitJobRequest struct {
	OwnerID    string          `json:"owner_id"`
	Kind       string          `json:"job_kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	TimeoutSec int             `json:"timeout_sec,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	job, err := s.scheduler.Submit(r.Context(), domain.OwnerID(req.OwnerID), domain.JobKind(req.Kind), req.Params, timeout)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAdmissionRejected):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	job, err := s.scheduler.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	// Owners only ever see their own jobs.
	if owner := r.URL.Query().Get("owner_id"); owner != "" && owner != string(job.OwnerID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("cancel failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var owner *domain.OwnerID
	if o := q.Get("owner_id"); o != "" {
		oid := domain.OwnerID(o)
		owner = &oid
	}

	var statuses []domain.JobStatus
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.JobStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	var (
		jobs []domain.Job
		err  error
	)
	if q.Get("active") == "true" && owner != nil {
		jobs, err = s.scheduler.ListActive(r.Context(), *owner)
	} else {
		jobs, err = s.scheduler.ListAll(r.Context(), statuses, owner)
	}
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type cleanupRequest struct {
	RetentionHours int `json:"retention_hours"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RetentionHours <= 0 {
		writeError(w, http.StatusBadRequest, "retention_hours must be positive")
		return
	}

	deleted, err := s.scheduler.Cleanup(r.Context(), time.Duration(req.RetentionHours)*time.Hour)
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type createScheduleRequest struct {
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	Kind        string          `json:"job_kind"`
	Params      json.RawMessage `json:"params,omitempty"`
	Type        string          `json:"type"`
	CronExpr    string          `json:"cron_expr,omitempty"`
	IntervalSec int             `json:"interval_sec,omitempty"`
	NextRun     *time.Time      `json:"next_run,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "missing owner_id")
		return
	}
	kind := domain.JobKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job_kind")
		return
	}

	sched := &domain.Schedule{
		ID:          domain.ScheduleID(uuid.New().String()),
		OwnerID:     domain.OwnerID(req.OwnerID),
		Name:        req.Name,
		Kind:        kind,
		Params:      req.Params,
		Type:        domain.ScheduleType(req.Type),
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		Status:      domain.ScheduleStatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if req.NextRun != nil {
		sched.NextRun = *req.NextRun
	}

	next, err := services.NextRunFor(sched, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.NextRun = next

	if err := s.schedules.SaveSchedule(r.Context(), sched); err != nil {
		s.logger.Error("save schedule failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := domain.ScheduleID(r.PathValue("id"))
	if err := s.schedules.DeleteSchedule(r.Context(), id); err != nil {
		s.logger.Error("delete schedule failed", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
