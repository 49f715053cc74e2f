package jobs

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"box-office/internal/config"
	"box-office/internal/models"
	"box-office/internal/telemetry"
)

// Store is the durable queue surface the dispatcher drives. All mutual
// exclusion between worker replicas lives behind ClaimNextJob.
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkJobSucceeded(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkJobDead(ctx context.Context, id string, attempts int, lastErr string) error
	ReclaimStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	PendingJobCount(ctx context.Context) (int64, error)
}

// Handler executes a job for a given type. Handlers must be idempotent: a
// crash between handler success and MarkJobSucceeded causes re-delivery.
type Handler func(ctx context.Context, job models.Job) error

// Dispatcher drives the worker execution loop: claim, dispatch by type,
// apply the retry/backoff/dead-letter policy.
type Dispatcher struct {
	cfg      config.Config
	store    Store
	handlers map[string]Handler
	workerID string
	log      *zap.Logger
}

func NewDispatcher(cfg config.Config, st Store, workerID string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
		log:      log,
	}
}

// RegisterHandler binds a handler to a job type.
func (d *Dispatcher) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	d.handlers[jobType] = handler
}

// Run polls the store until context cancellation. Safe to run in multiple
// processes against the same store.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := d.store.ReclaimStuckJobs(ctx, d.cfg.JobReclaimAfter); err != nil {
			d.log.Error("reclaim stuck jobs failed", zap.Error(err))
		} else if reclaimed > 0 {
			d.log.Warn("reclaimed stuck jobs", zap.Int64("count", reclaimed))
			telemetry.JobsReclaimed.Add(float64(reclaimed))
		}
		if depth, err := d.store.PendingJobCount(ctx); err != nil {
			d.log.Error("count pending jobs failed", zap.Error(err))
		} else {
			telemetry.PendingJobsGauge.Set(float64(depth))
		}

		job, err := d.store.ClaimNextJob(ctx, d.workerID)
		if err != nil {
			d.log.Error("claim job", zap.Error(err))
			d.sleep(ctx)
			continue
		}
		if job == nil {
			d.sleep(ctx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		d.process(ctx, *job)
		telemetry.InFlightGauge.Dec()
	}
}

// RunOnce claims and processes at most one job. Returns false when the queue
// had nothing runnable.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.store.ClaimNextJob(ctx, d.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.process(ctx, *job)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, job models.Job) {
	err := d.runJob(ctx, job)
	if err == nil {
		if err := d.store.MarkJobSucceeded(ctx, job.ID); err != nil {
			d.log.Error("mark succeeded", zap.String("job_id", job.ID), zap.Error(err))
		}
		telemetry.JobsSucceeded.Inc()
		return
	}

	attempts := job.Attempts + 1
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}

	if IsPermanent(err) {
		// Retrying cannot change the outcome; skip the retry budget entirely.
		if err := d.store.MarkJobDead(ctx, job.ID, attempts, err.Error()); err != nil {
			d.log.Error("mark dead", fields...)
		}
		d.log.Error("job dead-lettered (permanent failure)", fields...)
		telemetry.JobsDead.Inc()
		return
	}

	if attempts >= job.MaxAttempts {
		if err := d.store.MarkJobDead(ctx, job.ID, attempts, err.Error()); err != nil {
			d.log.Error("mark dead", fields...)
		}
		d.log.Error("job dead-lettered (retries exhausted)", fields...)
		telemetry.JobsDead.Inc()
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, attempts))
	if err := d.store.MarkJobFailed(ctx, job.ID, attempts, nextRun, err.Error()); err != nil {
		d.log.Error("mark failed", fields...)
	}
	d.log.Warn("job retry scheduled", append(fields, zap.Time("next_run_at", nextRun))...)
	telemetry.JobsRetried.Inc()
}

// runJob dispatches to the registered handler, converting panics to errors so
// one bad job cannot take the loop down.
func (d *Dispatcher) runJob(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()

	handler, ok := d.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	return handler(ctx, job)
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.WorkerPollInterval):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
