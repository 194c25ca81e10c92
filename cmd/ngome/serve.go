package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/httpapi"
	"github.com/jkaninda/ngome/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the maintenance scheduler",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `ngome --port :9090` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if cfg.Components.ScanOnStart {
		if _, err := runScan(ctx, sc, cfg.Components.Path); err != nil {
			return err
		}
	}

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		sched, err := scheduler.New(sc.Orchestrator.TempDirs(), sc.Scanner, scheduler.Config{
			SweepSchedule:  cfg.Scheduler.SweepSchedule,
			MaxAge:         cfg.Scheduler.MaxAge(),
			RescanSchedule: cfg.Scheduler.RescanSchedule,
			RescanRoot:     cfg.Components.Path,
		}, schedulerMetrics(sc), logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
	}

	gw := httpapi.NewGateway(httpConfig(cfg, sc.Obs), sc.Service, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func schedulerMetrics(sc *SharedComponents) *scheduler.Metrics {
	if m := sc.Obs.MetricsOrNil(); m != nil {
		return scheduler.NewMetrics(m.Registry)
	}
	return nil
}
