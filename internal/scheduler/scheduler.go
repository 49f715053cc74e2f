package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"box-office/internal/models"
	"box-office/internal/store"
)

// Enqueuer is the producer surface the scheduler drives. All scheduled work
// flows through the normal dispatcher path, sharing its retry and idempotence
// guarantees.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType string, payload any, opts store.EnqueueOptions) (models.Job, error)
}

// Entry is one recurring maintenance job.
type Entry struct {
	Type  string
	Every time.Duration
}

// DefaultEntries covers the maintenance jobs the engine needs: expiring
// orphaned pending orders hourly and purging old terminal jobs daily.
func DefaultEntries() []Entry {
	return []Entry{
		{Type: models.TypeOrphanedOrderCleanup, Every: time.Hour},
		{Type: models.TypeCleanupOldJobs, Every: 24 * time.Hour},
	}
}

// Scheduler injects recurring jobs on fixed intervals, decoupled from request
// traffic.
type Scheduler struct {
	enqueuer Enqueuer
	entries  []Entry
	log      *zap.Logger
}

func New(enqueuer Enqueuer, entries []Entry, log *zap.Logger) *Scheduler {
	return &Scheduler{enqueuer: enqueuer, entries: entries, log: log}
}

// Run ticks every entry until context cancellation. A failing tick is logged
// and never stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			ticker := time.NewTicker(e.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx, e)
				}
			}
		}(entry)
	}
	wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, e Entry) {
	job, err := s.enqueuer.EnqueueJob(ctx, e.Type, struct{}{}, store.EnqueueOptions{})
	if err != nil {
		s.log.Error("scheduled enqueue failed", zap.String("type", e.Type), zap.Error(err))
		return
	}
	s.log.Debug("scheduled job enqueued", zap.String("type", e.Type), zap.String("job_id", job.ID))
}
