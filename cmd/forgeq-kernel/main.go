package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/edvaldsson/forgeq/internal/adapters/duckdb"
	"github.com/edvaldsson/forgeq/internal/config"
	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/services"
	"github.com/edvaldsson/forgeq/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting forgeq kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	// Startup reconciliation must finish before any submission is accepted:
	// every job left non-terminal by the previous process is interrupted.
	recovery := services.NewRecoveryManager(logger, repo)
	interrupted, err := recovery.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if interrupted > 0 {
		logger.Info("startup recovery complete", "interrupted_jobs", interrupted)
	}

	publisher := services.NewPublisher(logger)
	scheduler := services.NewScheduler(logger, repo, publisher, services.SchedulerConfig{
		OwnerSlotLimit:    cfg.OwnerSlotLimit,
		GlobalConcurrency: cfg.GlobalConcurrency,
		DefaultJobTimeout: cfg.DefaultJobTimeout,
		CancelGracePeriod: cfg.CancelGracePeriod,
	})

	workspaceMgr := services.NewWorkspaceManager(cfg.WorkspaceDir)
	cmdExec := services.NewCommandExecutor(workspaceMgr)
	scheduler.RegisterExecutor(domain.KindScheduledRun, cmdExec)
	scheduler.RegisterExecutor(domain.KindOther, cmdExec)

	scheduleSvc := services.NewScheduleService(logger, repo, scheduler, cfg.ScheduleTick)
	sweeper := services.NewRetentionSweeper(logger, repo, cfg.RetentionWindow, cfg.SweepInterval)

	apiServer := kernel.NewServer(logger, scheduler, publisher, repo)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		return scheduleSvc.Run(gCtx)
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
