package recurring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig holds the dependencies for the trigger loop.
type SchedulerConfig struct {
	Engine   *Engine
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries for due active templates and triggers
// each one. A single goroutine runs all triggers, so at most one fires
// per template per due instant.
type Scheduler struct {
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   cfg.Engine,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("recurring scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("recurring scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every due active template once. Exported so tests and
// manual sync paths can run a pass without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.engine.store.ListDueRecurring(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due templates", "error", err)
		return
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.Trigger(ctx, rec.ID); err != nil {
			s.logger.Error("scheduler: trigger failed",
				"recurring_id", rec.ID, "title", rec.Title, "error", err)
		}
	}
}
