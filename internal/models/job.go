package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobDead       = "dead"
)

// Job type discriminators. Each type has its own payload schema, decoded by
// the handler that owns it.
const (
	TypePaymentCreation      = "payment_creation"
	TypePaymentWebhook       = "payment_webhook"
	TypeOrphanedOrderCleanup = "orphaned_order_cleanup"
	TypeCleanupOldJobs       = "cleanup_old_jobs"
)

// Job represents one unit of asynchronous work persisted in Postgres.
// A job moves pending -> processing -> {succeeded | pending (retry) | dead}.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   *string         `json:"last_error,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job will never run again.
func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobDead
}
