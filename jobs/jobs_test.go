package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/masterdata"
)

type stubStock struct {
	lots    []inventory.StockLot
	summary map[int64][]inventory.StockSummaryRow
}

func (s *stubStock) GetLot(ctx context.Context, lotID int64) (inventory.StockLot, error) {
	return inventory.StockLot{}, inventory.ErrNotFound
}

func (s *stubStock) GetLotByNumber(ctx context.Context, number string) (inventory.StockLot, error) {
	return inventory.StockLot{}, inventory.ErrNotFound
}

func (s *stubStock) ListConsumableLots(ctx context.Context, materialID, locationID int64) ([]inventory.StockLot, error) {
	return nil, nil
}

func (s *stubStock) ListActiveLots(ctx context.Context, materialID int64) ([]inventory.StockLot, error) {
	return s.lots, nil
}

func (s *stubStock) SummarizeStock(ctx context.Context, materialID, locationID int64) ([]inventory.StockSummaryRow, error) {
	return s.summary[materialID], nil
}

func (s *stubStock) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, int, error) {
	return nil, 0, nil
}

type stubMaterials struct {
	materials []masterdata.Material
}

func (s *stubMaterials) ListActiveMaterials(ctx context.Context) ([]masterdata.Material, error) {
	return s.materials, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func agingTask(t *testing.T) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(AgingScanPayload{ScheduledFor: time.Now().UTC()})
	require.NoError(t, err)
	return asynq.NewTask(TaskAgingScan, body)
}

func TestAgingScanFlagsOldLots(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stock := &stubStock{lots: []inventory.StockLot{
		{LotNumber: "LOT/2024/000001", MaterialID: 1, CurrentWeight: dec("500"), ReceivedDate: now.AddDate(0, 0, -120), IsActive: true},
		{LotNumber: "LOT/2024/000002", MaterialID: 1, CurrentWeight: dec("300"), ReceivedDate: now.AddDate(0, 0, -10), IsActive: true},
	}}
	scanner := NewAgingScanner(stock, 90, slog.Default(), nil)
	scanner.now = func() time.Time { return now }

	require.NoError(t, scanner.Handle(context.Background(), agingTask(t)))
}

func TestAgingScanFlagsOnlyStrictlyPastThreshold(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	scanner := NewAgingScanner(&stubStock{}, 90, slog.Default(), nil)

	flagged := scanner.scan(now, []inventory.StockLot{
		{LotNumber: "LOT/2024/000001", ReceivedDate: now.AddDate(0, 0, -90)}, // exactly at threshold
		{LotNumber: "LOT/2024/000002", ReceivedDate: now.AddDate(0, 0, -91)},
	})
	require.Equal(t, 1, flagged)
}

func TestAgingScanRejectsMalformedPayload(t *testing.T) {
	scanner := NewAgingScanner(&stubStock{}, 90, slog.Default(), nil)
	err := scanner.Handle(context.Background(), asynq.NewTask(TaskAgingScan, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReorderCheckReportsBreaches(t *testing.T) {
	materials := &stubMaterials{materials: []masterdata.Material{
		{ID: 1, Code: "HR-COIL", ReorderLevel: dec("1000")},
		{ID: 2, Code: "CR-SHEET", ReorderLevel: dec("500")},
		{ID: 3, Code: "MS-PLATE"},
	}}
	stock := &stubStock{summary: map[int64][]inventory.StockSummaryRow{
		1: {{MaterialID: 1, TotalWeight: dec("400")}, {MaterialID: 1, TotalWeight: dec("300")}},
		2: {{MaterialID: 2, TotalWeight: dec("900")}},
	}}
	checker := NewReorderChecker(materials, stock, slog.Default(), nil)

	body, err := json.Marshal(ReorderCheckPayload{ScheduledFor: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, checker.Handle(context.Background(), asynq.NewTask(TaskReorderCheck, body)))
}
