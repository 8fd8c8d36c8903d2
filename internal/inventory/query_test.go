package inventory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mangod12/kbsteel/internal/weight"
)

func newTestQueries(repo *memoryRepo) *QueryService {
	s := NewQueryService(repo, nil, slog.Default())
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

// seedAgedLot inserts a lot directly with a chosen received date.
func seedAgedLot(t *testing.T, repo *memoryRepo, materialID int64, weightKg string, received time.Time, qa QAStatus) StockLot {
	t.Helper()
	var lot StockLot
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, "lot", "LOT", true)
		if err != nil {
			return err
		}
		lot = StockLot{
			LotNumber:     number,
			MaterialID:    materialID,
			GrossWeight:   dec(weightKg),
			NetWeight:     dec(weightKg),
			CurrentWeight: dec(weightKg),
			Unit:          weight.UnitKG,
			QAStatus:      qa,
			LocationID:    10,
			ReceivedDate:  received,
			IsActive:      true,
		}
		lot.ID, err = tx.InsertLot(ctx, lot)
		return err
	})
	require.NoError(t, err)
	return lot
}

func TestPickForFIFOPrefersOldestLots(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	oldest := seedAgedLot(t, repo, 1, "200", base, QAApproved)
	middle := seedAgedLot(t, repo, 1, "300", base.AddDate(0, 1, 0), QAApproved)
	newest := seedAgedLot(t, repo, 1, "500", base.AddDate(0, 2, 0), QAApproved)

	plan, err := queries.PickForFIFO(context.Background(), 1, dec("450"), 0)
	require.NoError(t, err)
	require.Len(t, plan.Items, 2)
	require.Equal(t, oldest.ID, plan.Items[0].LotID)
	require.True(t, plan.Items[0].Take.Equal(dec("200")), "oldest lot drained fully")
	require.Equal(t, middle.ID, plan.Items[1].LotID)
	require.True(t, plan.Items[1].Take.Equal(dec("250")), "second lot covers the remainder")
	require.True(t, plan.Total.Equal(plan.Required))

	// The newest lot stays untouched.
	for _, item := range plan.Items {
		require.NotEqual(t, newest.ID, item.LotID)
	}
}

func TestPickForFIFOSkipsIneligibleLots(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	pending := seedAgedLot(t, repo, 1, "400", base, QAPending)
	blocked := seedAgedLot(t, repo, 1, "400", base.AddDate(0, 0, 1), QAApproved)
	blocked.IsBlocked = true
	repo.lots[blocked.ID] = blocked
	eligible := seedAgedLot(t, repo, 1, "400", base.AddDate(0, 0, 2), QAConditional)

	plan, err := queries.PickForFIFO(context.Background(), 1, dec("100"), 0)
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	require.Equal(t, eligible.ID, plan.Items[0].LotID)
	require.NotEqual(t, pending.ID, plan.Items[0].LotID)
}

func TestPickForFIFOReportsShortfall(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	seedAgedLot(t, repo, 1, "150", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), QAApproved)

	_, err := queries.PickForFIFO(context.Background(), 1, dec("400"), 0)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Contains(t, err.Error(), "short by 250.000 kg")
}

func TestPickForFIFORejectsNonPositiveRequirement(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)

	_, err := queries.PickForFIFO(context.Background(), 1, dec("0"), 0)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestAgingReportBucketsByReceiptAge(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seedAgedLot(t, repo, 1, "100", now.AddDate(0, 0, -5), QAApproved)    // 0-30
	seedAgedLot(t, repo, 1, "200", now.AddDate(0, 0, -45), QAApproved)   // 31-60
	seedAgedLot(t, repo, 1, "300", now.AddDate(0, 0, -75), QAApproved)   // 61-90
	old := seedAgedLot(t, repo, 1, "400", now.AddDate(0, 0, -180), QAApproved) // 90+
	seedAgedLot(t, repo, 1, "50", now.AddDate(0, 0, -30), QAPending)    // 0-30, QA state is irrelevant to aging

	report, err := queries.AgingReport(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultAgingThresholdDays, report.ThresholdDays)

	buckets := report.Buckets
	require.Len(t, buckets, 4)
	require.True(t, buckets[0].TotalWeight.Equal(dec("150")))
	require.Equal(t, 2, buckets[0].LotCount)
	require.True(t, buckets[1].TotalWeight.Equal(dec("200")))
	require.True(t, buckets[2].TotalWeight.Equal(dec("300")))
	require.True(t, buckets[3].TotalWeight.Equal(dec("400")))
	require.Equal(t, -1, buckets[3].MaxDays)

	// Per-lot rows come back oldest first with the age and threshold flag.
	require.Len(t, report.Lots, 5)
	require.Equal(t, old.ID, report.Lots[0].LotID)
	require.Equal(t, 180, report.Lots[0].AgeDays)
	require.True(t, report.Lots[0].IsOldStock)
	for _, row := range report.Lots[1:] {
		require.False(t, row.IsOldStock, "lots at or under the threshold stay unflagged")
	}
}

func TestAgingReportHonoursCustomThreshold(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	atThreshold := seedAgedLot(t, repo, 1, "100", now.AddDate(0, 0, -60), QAApproved)
	over := seedAgedLot(t, repo, 1, "200", now.AddDate(0, 0, -61), QAApproved)

	report, err := queries.AgingReport(context.Background(), 1, 60)
	require.NoError(t, err)
	require.Equal(t, 60, report.ThresholdDays)
	require.Len(t, report.Lots, 2)
	require.Equal(t, over.ID, report.Lots[0].LotID)
	require.True(t, report.Lots[0].IsOldStock)
	require.Equal(t, atThreshold.ID, report.Lots[1].LotID)
	require.False(t, report.Lots[1].IsOldStock, "exactly at the threshold is not old stock")
}

func TestStockSummaryAggregatesPerMaterialAndLocation(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	seedAgedLot(t, repo, 1, "100", base, QAApproved)
	seedAgedLot(t, repo, 1, "250", base.AddDate(0, 0, 5), QAPending)
	other := seedAgedLot(t, repo, 2, "75", base, QAApproved)
	_ = other

	rows, err := queries.StockSummary(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].TotalWeight.Equal(dec("350")))
	require.Equal(t, 2, rows[0].LotCount)
	require.True(t, rows[0].PendingQAWght.Equal(dec("250")))
	require.True(t, rows[0].OldestReceived.Equal(base))
	require.True(t, rows[0].NewestReceived.Equal(base.AddDate(0, 0, 5)))
}

func TestReconcileAppliesHalfPercentTolerance(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	lot := seedAgedLot(t, repo, 1, "1000", base, QAApproved)
	drifted := seedAgedLot(t, repo, 1, "1000", base, QAApproved)

	rows, err := queries.Reconcile(context.Background(), []PhysicalCount{
		{LotID: lot.ID, Weight: dec("1004")},    // 0.4% over, acceptable drift
		{LotID: drifted.ID, Weight: dec("980")}, // 2% short, flagged
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.True(t, rows[0].WithinTolerance)
	require.True(t, rows[0].Variance.Equal(dec("4")))

	require.False(t, rows[1].WithinTolerance)
	require.True(t, rows[1].Variance.Equal(dec("-20")))
	require.True(t, rows[1].VariancePercent.Equal(dec("-2")))
}

func TestReconcileUnknownLot(t *testing.T) {
	repo := newMemoryRepo()
	queries := newTestQueries(repo)

	_, err := queries.Reconcile(context.Background(), []PhysicalCount{{LotID: 404, Weight: dec("10")}})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMovementHistoryFiltersAndPaginates(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	queries := newTestQueries(repo)
	lot := seedLot(t, ledger, "1000")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := ledger.Consume(ctx, ConsumeInput{LotID: lot.ID, Weight: dec("10"), ActorID: 7})
		require.NoError(t, err)
	}

	movements, pagination, err := queries.MovementHistory(ctx, MovementFilter{
		LotID: lot.ID, Type: MovementConsumption, Page: 1, PerPage: 3,
	})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	require.Equal(t, 5, pagination.Total)
	require.Equal(t, 2, pagination.TotalPages)
	// Newest first.
	require.Equal(t, "MOV/2024/000006", movements[0].Number)
}
