// Package sweep implements the background expiration jobs as leader-bounded
// batch sweeps: a named distributed lock, a bounded time budget, bounded
// batches processed oldest-first, and per-batch transactional atomicity.
// Many scheduler instances may run the same sweep concurrently; the lock is
// the sole mechanism preventing double processing.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"referralhub/lock"
	"referralhub/observability"
)

// BatchFunc processes one bounded batch and reports how many rows it
// transitioned. A zero count signals the sweep is drained.
type BatchFunc func(ctx context.Context, now time.Time) (int, error)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Name is both the sweep's identity in logs and metrics and the name of
	// its distributed lock.
	Name  string
	Locks lock.Locker
	Batch BatchFunc
	// Budget bounds how long one execution keeps processing batches.
	Budget time.Duration
	// LockBuffer pads the lock TTL past the budget so the lock cannot lapse
	// while a final batch is still in flight.
	LockBuffer time.Duration
	Logger     *slog.Logger
	Metrics    *observability.SweepMetrics
	Now        func() time.Time
}

// Runner executes one sweep under the named lock.
type Runner struct {
	name       string
	locks      lock.Locker
	batch      BatchFunc
	budget     time.Duration
	lockBuffer time.Duration
	logger     *slog.Logger
	metrics    *observability.SweepMetrics
	tracer     trace.Tracer
	now        func() time.Time
}

// NewRunner builds a configured sweep runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Name == "" {
		return nil, errors.New("sweep: name is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("sweep: locker is required")
	}
	if cfg.Batch == nil {
		return nil, errors.New("sweep: batch func is required")
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = time.Hour
	}
	buffer := cfg.LockBuffer
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Runner{
		name:       cfg.Name,
		locks:      cfg.Locks,
		batch:      cfg.Batch,
		budget:     budget,
		lockBuffer: buffer,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("referralhub/sweep"),
		now:        nowFn,
	}, nil
}

// Run executes the sweep once. Failing to acquire the lock is the expected
// "another instance is already running" outcome and causes a silent early
// return. Batch errors are logged and swallowed here so one failed sweep
// cannot crash the scheduler host; the lock is always released.
func (r *Runner) Run(ctx context.Context) {
	started := r.now()
	executeUntil := started.Add(r.budget)

	acquired, err := r.locks.TryAcquire(ctx, r.name, r.budget+r.lockBuffer)
	if err != nil {
		r.logger.Error("sweep lock acquisition failed", slog.String("sweep", r.name), slog.String("error", err.Error()))
		r.metrics.ObserveRun(r.name, 0, r.now().Sub(started), err)
		return
	}
	if !acquired {
		r.metrics.ObserveContention(r.name)
		r.logger.Debug("sweep lock held elsewhere", slog.String("sweep", r.name))
		return
	}
	defer func() {
		// Release on a fresh context so a cancelled sweep still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.locks.Release(releaseCtx, r.name); err != nil {
			r.logger.Error("sweep lock release failed", slog.String("sweep", r.name), slog.String("error", err.Error()))
		}
	}()

	ctx, span := r.tracer.Start(ctx, "sweep.run", trace.WithAttributes(attribute.String("sweep.name", r.name)))
	defer span.End()

	total := 0
	var runErr error
	for {
		// A batch in flight always completes its transaction before the
		// time budget is re-evaluated.
		processed, err := r.batch(ctx, r.now())
		if err != nil {
			runErr = err
			break
		}
		total += processed
		if processed == 0 {
			break
		}
		if !r.now().Before(executeUntil) {
			r.logger.Info("sweep time budget reached", slog.String("sweep", r.name), slog.Int("rows", total))
			break
		}
	}

	duration := r.now().Sub(started)
	span.SetAttributes(attribute.Int("sweep.rows", total))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		r.logger.Error("sweep failed", slog.String("sweep", r.name), slog.Int("rows", total), slog.String("error", runErr.Error()))
	} else if total > 0 {
		r.logger.Info("sweep completed", slog.String("sweep", r.name), slog.Int("rows", total), slog.Duration("duration", duration))
	}
	r.metrics.ObserveRun(r.name, total, duration, runErr)
}
