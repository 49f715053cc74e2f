package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"box-office/internal/models"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// execer abstracts the pool and an open transaction for writes.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnqueueJob inserts a pending job. Payload is marshalled to JSONB.
func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (models.Job, error) {
	return insertJob(ctx, s.pool, jobType, payload, opts)
}

func insertJob(ctx context.Context, db execer, jobType string, payload any, opts EnqueueOptions) (models.Job, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	runAt := now.Add(opts.Delay)

	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, jobType, payloadJSON, models.JobPending, opts.MaxAttempts, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        jobType,
		Payload:     payloadJSON,
		Status:      models.JobPending,
		Attempts:    0,
		MaxAttempts: opts.MaxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, next_run_at, last_error, worker_id, created_at, updated_at`

// ClaimNextJob atomically selects the oldest runnable pending job and flips it
// to processing. SKIP LOCKED guarantees two concurrent dispatchers never claim
// the same row. Returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, worker_id = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND next_run_at <= NOW()
			ORDER BY next_run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.JobProcessing, workerID, models.JobPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkJobSucceeded transitions a job to succeeded without touching attempts.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.JobSucceeded)
	return err
}

// MarkJobFailed requeues a job for retry at nextRun with the attempt count and
// error recorded.
func (s *Store) MarkJobFailed(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobPending, attempts, nextRun, lastErr)
	return err
}

// MarkJobDead flags a job as terminally failed. Dead jobs stay queryable for
// operator inspection.
func (s *Store) MarkJobDead(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobDead, attempts, lastErr)
	return err
}

// DeadJobs returns the most recent dead-lettered jobs.
func (s *Store) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.JobDead, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PurgeJobsOlderThan deletes terminal jobs past the retention window.
func (s *Store) PurgeJobsOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2) AND updated_at < NOW() - make_interval(days => $3)
	`, models.JobSucceeded, models.JobDead, days)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStuckJobs sweeps jobs left in processing by a crashed worker back to
// pending once they exceed the visibility threshold.
func (s *Store) ReclaimStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, worker_id = NULL, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - make_interval(secs => $3)
	`, models.JobPending, models.JobProcessing, int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingJobCount returns the number of jobs ready to run now.
func (s *Store) PendingJobCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.JobPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var lastErr, workerID pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.NextRunAt, &lastErr, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payloadJSON)
	job.LastError = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
