// Package scheduler runs ngome's periodic maintenance: sweeping execution
// directories left behind by crashed hosts and, optionally, rescanning the
// component source tree so new built-ins are signed without a restart.
//
// Jobs never overlap themselves. A slow sweep delays the next one instead
// of racing it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/signature"
)

const (
	// DefaultSweepSchedule runs the temp sweep every ten minutes.
	DefaultSweepSchedule = "*/10 * * * *"
	// DefaultMaxAge is how old an execution directory must be to be swept.
	DefaultMaxAge = time.Hour
)

// Sweeper removes stale execution directories. sandbox.TempDirs implements it.
type Sweeper interface {
	Sweep(cutoff time.Time) (int, error)
}

// Rescanner registers signatures for a component source tree.
type Rescanner interface {
	ScanAndRegister(ctx context.Context, root string) (*signature.ScanReport, error)
}

// Config configures the Scheduler.
type Config struct {
	SweepSchedule string        // Default: DefaultSweepSchedule.
	MaxAge        time.Duration // Default: DefaultMaxAge.
	// RescanSchedule enables periodic rescans of RescanRoot. Empty disables.
	RescanSchedule string
	RescanRoot     string
}

func (c Config) sweepSchedule() string {
	if c.SweepSchedule != "" {
		return c.SweepSchedule
	}
	return DefaultSweepSchedule
}

func (c Config) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return DefaultMaxAge
}

// Scheduler owns a cron runner with the maintenance jobs registered.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	scanner Rescanner
	metrics *Metrics
	logger  *slog.Logger
	config  Config
	now     func() time.Time
}

// New creates a Scheduler and validates the cron expressions. scanner may be
// nil when rescans are disabled.
func New(sweeper Sweeper, scanner Rescanner, cfg Config, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sweeper: sweeper,
		scanner: scanner,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)

	if _, err := s.cron.AddFunc(cfg.sweepSchedule(), func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.sweepSchedule(), err)
	}
	if cfg.RescanSchedule != "" {
		if scanner == nil || cfg.RescanRoot == "" {
			return nil, fmt.Errorf("rescan schedule set without a scanner and root")
		}
		if _, err := s.cron.AddFunc(cfg.RescanSchedule, func() { s.Rescan(context.Background()) }); err != nil {
			return nil, fmt.Errorf("invalid rescan schedule %q: %w", cfg.RescanSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop until ctx is cancelled or the returned function
// is called. Stopping waits for a running job to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	s.logger.InfoContext(ctx, "maintenance scheduler started",
		slog.String("sweep_schedule", s.config.sweepSchedule()),
		slog.String("max_age", s.config.maxAge().String()),
		slog.String("rescan_schedule", s.config.RescanSchedule),
	)
	s.cron.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}()

	return func() {
		cancel()
		<-done
	}
}

// Sweep removes execution directories older than the configured max age.
func (s *Scheduler) Sweep(ctx context.Context) int {
	start := time.Now()
	defer s.metrics.observe("sweep", start)

	removed, err := s.sweeper.Sweep(s.now().Add(-s.config.maxAge()))
	s.metrics.swept(removed, err)
	if err != nil {
		s.logger.WarnContext(ctx, "temp sweep incomplete",
			slog.Int("removed", removed),
			slog.String("error", err.Error()),
		)
		return removed
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "removed stale execution directories", slog.Int("count", removed))
	}
	return removed
}

// Rescan re-registers the configured component tree.
func (s *Scheduler) Rescan(ctx context.Context) (*signature.ScanReport, error) {
	start := time.Now()
	defer s.metrics.observe("rescan", start)

	report, err := s.scanner.ScanAndRegister(ctx, s.config.RescanRoot)
	s.metrics.rescanned(report, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "component rescan failed",
			slog.String("root", s.config.RescanRoot),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	s.logger.InfoContext(ctx, "component rescan complete",
		slog.Int("files", report.FilesScanned),
		slog.Int("inserted", report.Inserted),
	)
	return report, nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
