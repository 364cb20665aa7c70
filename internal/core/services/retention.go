package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// RetentionSweeper periodically deletes terminal jobs older than the
// configured window. Non-terminal jobs are never deleted, whatever their age.
type RetentionSweeper struct {
	logger   *slog.Logger
	store    ports.JobStore
	window   time.Duration
	interval time.Duration
}

func NewRetentionSweeper(logger *slog.Logger, store ports.JobStore, window, interval time.Duration) *RetentionSweeper {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{logger: logger, store: store, window: window, interval: interval}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	s.logger.Info("retention sweeper started", "window", s.window, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	deleted, err := s.store.DeleteOlderThan(ctx, s.window)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep complete", "deleted", deleted, "window", s.window)
	}
}
