package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mangod12/kbsteel/internal/observability"
	"github.com/mangod12/kbsteel/internal/shared"
)

// KeyPruner removes approval idempotency keys past their retention. Within
// the window a replayed approval is rejected as a duplicate; after it the
// document's own state machine rejects the retry anyway.
type KeyPruner struct {
	store     *shared.IdempotencyStore
	retention time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewKeyPruner constructs a KeyPruner. metrics may be nil.
func NewKeyPruner(store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger, metrics *observability.Metrics) *KeyPruner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &KeyPruner{store: store, retention: retention, logger: logger, metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (p *KeyPruner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	if err := p.store.Cleanup(ctx, p.retention); err != nil {
		p.metrics.JobRun(TaskIdempotencyCleanup, "error")
		return err
	}

	p.logger.Info("idempotency keys pruned", slog.Duration("retention", p.retention))
	p.metrics.JobRun(TaskIdempotencyCleanup, "ok")
	return nil
}
