// Package jobs holds the asynq task definitions and worker wiring for the
// background maintenance of the stock ledger.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAgingScan flags stock lots older than the configured threshold.
	TaskAgingScan = "inventory:aging_scan"
	// TaskReorderCheck compares per-material stock to reorder levels.
	TaskReorderCheck = "inventory:reorder_check"
	// TaskIdempotencyCleanup prunes approval idempotency keys past retention.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// AgingScanPayload carries scheduling metadata for the aging scan.
type AgingScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAgingScanTask constructs an aging scan task.
func NewAgingScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(AgingScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAgingScan, body, asynq.Queue(QueueDefault)), nil
}

// ReorderCheckPayload carries scheduling metadata for the reorder check.
type ReorderCheckPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReorderCheckTask constructs a reorder check task.
func NewReorderCheckTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReorderCheckPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReorderCheck, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries scheduling metadata for the key prune.
type IdempotencyCleanupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIdempotencyCleanupTask constructs a key prune task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
