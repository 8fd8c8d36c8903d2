package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/masterdata"
	"github.com/mangod12/kbsteel/internal/observability"
	"github.com/mangod12/kbsteel/internal/weight"
)

// MaterialLister yields the active materials whose reorder levels are
// checked.
type MaterialLister interface {
	ListActiveMaterials(ctx context.Context) ([]masterdata.Material, error)
}

// ReorderChecker compares total on-hand weight per material against its
// reorder level and logs breaches.
type ReorderChecker struct {
	materials MaterialLister
	stock     inventory.ReadRepository
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewReorderChecker constructs a ReorderChecker. metrics may be nil.
func NewReorderChecker(materials MaterialLister, stock inventory.ReadRepository, logger *slog.Logger, metrics *observability.Metrics) *ReorderChecker {
	return &ReorderChecker{materials: materials, stock: stock, logger: logger, metrics: metrics}
}

// Handle processes TaskReorderCheck tasks.
func (c *ReorderChecker) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReorderCheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	materials, err := c.materials.ListActiveMaterials(ctx)
	if err != nil {
		c.metrics.JobRun(TaskReorderCheck, "error")
		return err
	}

	breaches := 0
	for _, material := range materials {
		if !material.ReorderLevel.IsPositive() {
			continue
		}
		rows, err := c.stock.SummarizeStock(ctx, material.ID, 0)
		if err != nil {
			c.metrics.JobRun(TaskReorderCheck, "error")
			return err
		}
		total := decimal.Zero
		for _, row := range rows {
			total = total.Add(row.TotalWeight)
		}
		if total.LessThan(material.ReorderLevel) {
			breaches++
			c.logger.Warn("reorder level breached",
				slog.String("material", material.Code),
				slog.String("on_hand_kg", total.StringFixed(weight.Places)),
				slog.String("reorder_level_kg", material.ReorderLevel.StringFixed(weight.Places)))
		}
	}

	c.logger.Info("reorder check complete",
		slog.Int("materials_checked", len(materials)), slog.Int("breaches", breaches))
	c.metrics.JobRun(TaskReorderCheck, "ok")
	return nil
}
