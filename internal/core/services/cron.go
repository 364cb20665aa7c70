package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// jobSubmitter is the minimal scheduler surface the schedule loop needs.
type jobSubmitter interface {
	Submit(ctx context.Context, owner domain.OwnerID, kind domain.JobKind, params json.RawMessage, timeout time.Duration) (domain.Job, error)
}

// ScheduleService is a ticker loop that submits due schedules as ordinary
// jobs. Submissions go through the normal admission path, so scheduled work
// queues behind the owner's ceiling like anything else.
type ScheduleService struct {
	logger    *slog.Logger
	repo      ports.ScheduleStore
	submitter jobSubmitter
	tick      time.Duration
}

func NewScheduleService(logger *slog.Logger, repo ports.ScheduleStore, submitter jobSubmitter, tick time.Duration) *ScheduleService {
	if tick <= 0 {
		tick = time.Minute
	}
	return &ScheduleService{
		logger:    logger,
		repo:      repo,
		submitter: submitter,
		tick:      tick,
	}
}

// Run starts the schedule loop. Blocks until ctx is cancelled.
func (s *ScheduleService) Run(ctx context.Context) error {
	s.logger.Info("schedule service started", "check_interval", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule service stopped")
			return nil
		case <-ticker.C:
			s.checkAndSubmit(ctx)
		}
	}
}

func (s *ScheduleService) checkAndSubmit(ctx context.Context) {
	now := time.Now()
	due, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to get due schedules", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("submitting due schedules", "count", len(due))
	for _, sched := range due {
		sched := sched
		s.submitDue(ctx, &sched, now)
	}
}

func (s *ScheduleService) submitDue(ctx context.Context, sched *domain.Schedule, now time.Time) {
	job, err := s.submitter.Submit(ctx, sched.OwnerID, sched.Kind, sched.Params, 0)

	sched.LastRun = &now
	sched.RunCount++

	if err != nil {
		sched.LastResult = fmt.Sprintf("ERROR: %v", err)
		s.logger.Error("scheduled submission failed", "schedule_id", sched.ID, "error", err)
		// Admission rejections will not fix themselves on retry.
		if errors.Is(err, domain.ErrAdmissionRejected) {
			sched.Status = domain.ScheduleStatusFailed
		}
	} else {
		sched.LastJobID = &job.ID
		sched.LastResult = string(job.Status)
		s.logger.Info("schedule submitted", "schedule_id", sched.ID, "job_id", job.ID)
	}

	switch sched.Type {
	case domain.ScheduleTypeOneShot:
		if sched.Status == domain.ScheduleStatusActive {
			sched.Status = domain.ScheduleStatusCompleted
		}
	case domain.ScheduleTypeRecurring:
		if sched.IntervalSec > 0 {
			sched.NextRun = now.Add(time.Duration(sched.IntervalSec) * time.Second)
		}
	case domain.ScheduleTypeCron:
		next, parseErr := nextCronTime(sched.CronExpr, now)
		if parseErr != nil {
			s.logger.Error("invalid cron expression", "schedule_id", sched.ID,
				"expr", sched.CronExpr, "error", parseErr)
			sched.Status = domain.ScheduleStatusFailed
			sched.LastResult = fmt.Sprintf("invalid cron expression: %v", parseErr)
		} else {
			sched.NextRun = next
		}
	}

	if saveErr := s.repo.SaveSchedule(ctx, sched); saveErr != nil {
		s.logger.Error("failed to save schedule after submission", "schedule_id", sched.ID, "error", saveErr)
	}
}

// NextRunFor computes the first run time for a newly created schedule.
func NextRunFor(sched *domain.Schedule, from time.Time) (time.Time, error) {
	switch sched.Type {
	case domain.ScheduleTypeOneShot:
		if sched.NextRun.IsZero() {
			return time.Time{}, fmt.Errorf("one-shot schedule requires next_run")
		}
		return sched.NextRun, nil
	case domain.ScheduleTypeRecurring:
		if sched.IntervalSec <= 0 {
			return time.Time{}, fmt.Errorf("recurring schedule requires interval_sec > 0")
		}
		return from.Add(time.Duration(sched.IntervalSec) * time.Second), nil
	case domain.ScheduleTypeCron:
		return nextCronTime(sched.CronExpr, from)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

// nextCronTime parses a standard 5-field cron expression and returns the next
// matching time. Supports *, specific numbers, comma lists, and */N steps,
// scanning forward minute by minute up to 48 hours.
func nextCronTime(expr string, from time.Time) (time.Time, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("expected 5 fields (min hour day month weekday), got %d", len(fields))
	}

	candidate := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(48 * time.Hour)

	for candidate.Before(limit) {
		if cronFieldMatches(fields[0], candidate.Minute()) &&
			cronFieldMatches(fields[1], candidate.Hour()) &&
			cronFieldMatches(fields[2], candidate.Day()) &&
			cronFieldMatches(fields[3], int(candidate.Month())) &&
			cronFieldMatches(fields[4], int(candidate.Weekday())) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching time within 48 hours for expression: %s", expr)
}

func cronFieldMatches(pattern string, value int) bool {
	if pattern == "*" {
		return true
	}

	if strings.HasPrefix(pattern, "*/") {
		n := 0
		if _, err := fmt.Sscanf(pattern, "*/%d", &n); err == nil && n > 0 {
			return value%n == 0
		}
		return false
	}

	if strings.Contains(pattern, ",") {
		for _, part := range strings.Split(pattern, ",") {
			pn := 0
			if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &pn); err == nil && pn == value {
				return true
			}
		}
		return false
	}

	n := 0
	if _, err := fmt.Sscanf(pattern, "%d", &n); err == nil {
		return value == n
	}

	return false
}
