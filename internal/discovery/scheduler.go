package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the refresh period used when none is configured.
const DefaultInterval = 30 * time.Second

// Scheduler refreshes a Registry on a fixed period.
type Scheduler struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. A zero interval uses DefaultInterval.
// timeout bounds each enumeration; zero means the interval.
func NewScheduler(registry *Registry, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start runs one refresh synchronously and then schedules the rest.
// Overlapping ticks are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		s.cancel()
		s.cron = nil
		return fmt.Errorf("schedule discovery %q: %w", spec, err)
	}

	s.tick()
	s.cron.Start()
	s.logger.Info("device discovery scheduled", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	// Failures are logged by the registry; the next tick retries.
	_, _ = s.registry.Refresh(ctx)
}

// Stop cancels any running refresh and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
}

// Interval returns the refresh period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}
