package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs a set of sweeps on a fixed interval until its context is
// cancelled. Every instance of the service runs a scheduler; the per-sweep
// lock decides which instance actually does the work on each tick.
type Scheduler struct {
	interval time.Duration
	runners  []*Runner
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler over the supplied runners.
func NewScheduler(interval time.Duration, logger *slog.Logger, runners ...*Runner) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{interval: interval, runners: runners, logger: logger}
}

// Start launches the tick loop. It returns immediately; call Wait to block
// until a cancelled scheduler has fully drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sweep scheduler started",
			slog.Duration("interval", s.interval),
			slog.Int("sweeps", len(s.runners)))

		// First pass runs immediately so a freshly deployed instance does not
		// wait a full interval before clearing overdue rows.
		s.runAll(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("sweep scheduler stopped")
				return
			case <-ticker.C:
				s.runAll(ctx)
			}
		}
	}()
}

func (s *Scheduler) runAll(ctx context.Context) {
	for _, r := range s.runners {
		if ctx.Err() != nil {
			return
		}
		r.Run(ctx)
	}
}

// Wait blocks until the scheduler goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
