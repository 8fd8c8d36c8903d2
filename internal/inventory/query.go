package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// ReadRepository is the read-only view of the ledger's tables. No locks are
// taken on this path.
type ReadRepository interface {
	GetLot(ctx context.Context, lotID int64) (StockLot, error)
	GetLotByNumber(ctx context.Context, number string) (StockLot, error)
	// ListConsumableLots returns active, unblocked, QA-cleared lots for the
	// material ordered oldest received first (ties broken by id).
	// locationID zero means all locations.
	ListConsumableLots(ctx context.Context, materialID, locationID int64) ([]StockLot, error)
	ListActiveLots(ctx context.Context, materialID int64) ([]StockLot, error)
	SummarizeStock(ctx context.Context, materialID, locationID int64) ([]StockSummaryRow, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
}

// StockSummaryRow aggregates on-hand stock per material and location.
type StockSummaryRow struct {
	MaterialID     int64           `json:"material_id"`
	MaterialCode   string          `json:"material_code"`
	LocationID     int64           `json:"location_id"`
	TotalWeight    decimal.Decimal `json:"total_weight"`
	LotCount       int             `json:"lot_count"`
	BlockedWeight  decimal.Decimal `json:"blocked_weight"`
	PendingQAWght  decimal.Decimal `json:"pending_qa_weight"`
	OldestReceived time.Time       `json:"oldest_received"`
	NewestReceived time.Time       `json:"newest_received"`
	ReorderLevel   decimal.Decimal `json:"reorder_level"`
	BelowReorder   bool            `json:"below_reorder"`
}

// AgingRow is one active lot of the aging report.
type AgingRow struct {
	LotID         int64           `json:"lot_id"`
	LotNumber     string          `json:"lot_number"`
	MaterialID    int64           `json:"material_id"`
	LocationID    int64           `json:"location_id"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	ReceivedDate  time.Time       `json:"received_date"`
	AgeDays       int             `json:"age_days"`
	IsOldStock    bool            `json:"is_old_stock"`
}

// AgingBucket is one age band of the aging report.
type AgingBucket struct {
	Label       string          `json:"label"`
	MinDays     int             `json:"min_days"`
	MaxDays     int             `json:"max_days"` // -1 for the open-ended band
	TotalWeight decimal.Decimal `json:"total_weight"`
	LotCount    int             `json:"lot_count"`
}

// AgingReport lists active lots oldest first with their age in days and an
// old-stock flag, plus the aggregate age bands.
type AgingReport struct {
	ThresholdDays int           `json:"threshold_days"`
	Lots          []AgingRow    `json:"lots"`
	Buckets       []AgingBucket `json:"buckets"`
}

// DefaultAgingThresholdDays flags stock as old when it has sat for more than
// this many days since receipt.
const DefaultAgingThresholdDays = 90

// PickItem is one lot allocation in a FIFO plan.
type PickItem struct {
	LotID     int64           `json:"lot_id"`
	LotNumber string          `json:"lot_number"`
	Available decimal.Decimal `json:"available"`
	Take      decimal.Decimal `json:"take"`
}

// PickPlan is a FIFO consumption plan. Building a plan reserves nothing;
// the dispatch approval re-validates each lot under lock.
type PickPlan struct {
	MaterialID int64           `json:"material_id"`
	Required   decimal.Decimal `json:"required"`
	Total      decimal.Decimal `json:"total"`
	Items      []PickItem      `json:"items"`
}

// PhysicalCount is one counted lot in a reconciliation.
type PhysicalCount struct {
	LotID  int64
	Weight decimal.Decimal
}

// ReconcileRow compares one lot's system weight against the physical count.
type ReconcileRow struct {
	LotID           int64           `json:"lot_id"`
	LotNumber       string          `json:"lot_number"`
	SystemWeight    decimal.Decimal `json:"system_weight"`
	PhysicalWeight  decimal.Decimal `json:"physical_weight"`
	Variance        decimal.Decimal `json:"variance"`
	VariancePercent decimal.Decimal `json:"variance_percent"`
	WithinTolerance bool            `json:"within_tolerance"`
}

// MovementFilter narrows a movement history listing.
type MovementFilter struct {
	LotID      int64
	MaterialID int64
	Type       MovementType
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// ReconcileTolerancePercent is the acceptable weighbridge drift between
// system and physical weight.
var ReconcileTolerancePercent = decimal.RequireFromString("0.5")

// QueryService serves read-only inventory reports. Summaries and aging go
// through the versioned cache; FIFO planning and reconciliation always read
// the live tables.
type QueryService struct {
	repo   ReadRepository
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewQueryService constructs a QueryService. cache may be nil.
func NewQueryService(repo ReadRepository, cache *Cache, logger *slog.Logger) *QueryService {
	return &QueryService{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// GetLot fetches a single lot by id.
func (s *QueryService) GetLot(ctx context.Context, lotID int64) (StockLot, error) {
	return s.repo.GetLot(ctx, lotID)
}

// GetLotByNumber fetches a single lot by its document number.
func (s *QueryService) GetLotByNumber(ctx context.Context, number string) (StockLot, error) {
	return s.repo.GetLotByNumber(ctx, number)
}

// StockSummary aggregates current stock per material/location. Zero ids
// widen the filter.
func (s *QueryService) StockSummary(ctx context.Context, materialID, locationID int64) ([]StockSummaryRow, error) {
	key, err := s.cache.BuildKey(ctx, keyStockSummary(materialID, locationID))
	if err != nil {
		s.logger.Warn("stock summary cache key", slog.Any("error", err))
		return s.repo.SummarizeStock(ctx, materialID, locationID)
	}
	var rows []StockSummaryRow
	err = s.cache.FetchJSON(ctx, key, &rows, func(ctx context.Context) (any, error) {
		return s.repo.SummarizeStock(ctx, materialID, locationID)
	})
	return rows, err
}

// AgingReport lists active stock of a material oldest first, flagging lots
// older than thresholdDays, and buckets the same lots into the 0-30, 31-60,
// 61-90 and 90+ bands. thresholdDays zero or negative applies the default.
func (s *QueryService) AgingReport(ctx context.Context, materialID int64, thresholdDays int) (AgingReport, error) {
	if thresholdDays <= 0 {
		thresholdDays = DefaultAgingThresholdDays
	}
	asOf := s.now().UTC()
	key, err := s.cache.BuildKey(ctx, keyAging(materialID, thresholdDays, asOf))
	if err != nil {
		return s.buildAging(ctx, materialID, thresholdDays, asOf)
	}
	var report AgingReport
	err = s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (any, error) {
		return s.buildAging(ctx, materialID, thresholdDays, asOf)
	})
	return report, err
}

func (s *QueryService) buildAging(ctx context.Context, materialID int64, thresholdDays int, asOf time.Time) (AgingReport, error) {
	lots, err := s.repo.ListActiveLots(ctx, materialID)
	if err != nil {
		return AgingReport{}, err
	}
	report := AgingReport{
		ThresholdDays: thresholdDays,
		Lots:          make([]AgingRow, 0, len(lots)),
		Buckets: []AgingBucket{
			{Label: "0-30", MinDays: 0, MaxDays: 30, TotalWeight: decimal.Zero},
			{Label: "31-60", MinDays: 31, MaxDays: 60, TotalWeight: decimal.Zero},
			{Label: "61-90", MinDays: 61, MaxDays: 90, TotalWeight: decimal.Zero},
			{Label: "90+", MinDays: 91, MaxDays: -1, TotalWeight: decimal.Zero},
		},
	}
	for _, lot := range lots {
		age := int(asOf.Sub(lot.ReceivedDate).Hours() / 24)
		report.Lots = append(report.Lots, AgingRow{
			LotID:         lot.ID,
			LotNumber:     lot.LotNumber,
			MaterialID:    lot.MaterialID,
			LocationID:    lot.LocationID,
			CurrentWeight: lot.CurrentWeight,
			ReceivedDate:  lot.ReceivedDate,
			AgeDays:       age,
			IsOldStock:    age > thresholdDays,
		})
		for i := range report.Buckets {
			b := &report.Buckets[i]
			if age >= b.MinDays && (b.MaxDays < 0 || age <= b.MaxDays) {
				b.TotalWeight = b.TotalWeight.Add(lot.CurrentWeight)
				b.LotCount++
				break
			}
		}
	}
	return report, nil
}

// PickForFIFO builds a consumption plan drawing from the oldest consumable
// lots first. When the pool cannot cover the requirement it fails with
// ErrInsufficientStock carrying the shortfall.
func (s *QueryService) PickForFIFO(ctx context.Context, materialID int64, required decimal.Decimal, locationID int64) (PickPlan, error) {
	req := weight.Quantize(required)
	if !req.IsPositive() {
		return PickPlan{}, fmt.Errorf("%w: required weight must be positive", ErrInvalidOperation)
	}
	lots, err := s.repo.ListConsumableLots(ctx, materialID, locationID)
	if err != nil {
		return PickPlan{}, err
	}

	plan := PickPlan{MaterialID: materialID, Required: req, Total: decimal.Zero}
	remaining := req
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := lot.CurrentWeight
		if take.GreaterThan(remaining) {
			take = remaining
		}
		plan.Items = append(plan.Items, PickItem{
			LotID:     lot.ID,
			LotNumber: lot.LotNumber,
			Available: lot.CurrentWeight,
			Take:      take,
		})
		plan.Total = plan.Total.Add(take)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return PickPlan{}, fmt.Errorf("%w: cannot fulfill requirement, short by %s kg",
			ErrInsufficientStock, remaining.StringFixed(weight.Places))
	}
	return plan, nil
}

// Reconcile compares physical counts against system weights. Variances
// within ReconcileTolerancePercent of the system weight are flagged as
// acceptable weighbridge drift.
func (s *QueryService) Reconcile(ctx context.Context, counts []PhysicalCount) ([]ReconcileRow, error) {
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: no counts supplied", ErrInvalidOperation)
	}
	rows := make([]ReconcileRow, 0, len(counts))
	hundred := decimal.NewFromInt(100)
	for _, count := range counts {
		lot, err := s.repo.GetLot(ctx, count.LotID)
		if err != nil {
			return nil, err
		}
		physical := weight.Quantize(count.Weight)
		variance := physical.Sub(lot.CurrentWeight)
		var pct decimal.Decimal
		if !lot.CurrentWeight.IsZero() {
			pct = variance.Div(lot.CurrentWeight).Mul(hundred).Round(2)
		} else if !physical.IsZero() {
			pct = hundred
		}
		rows = append(rows, ReconcileRow{
			LotID:           lot.ID,
			LotNumber:       lot.LotNumber,
			SystemWeight:    lot.CurrentWeight,
			PhysicalWeight:  physical,
			Variance:        variance,
			VariancePercent: pct,
			WithinTolerance: pct.Abs().LessThanOrEqual(ReconcileTolerancePercent),
		})
	}
	return rows, nil
}

// MovementHistory lists movements matching the filter, newest first.
func (s *QueryService) MovementHistory(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 || filter.PerPage > 200 {
		filter.PerPage = 50
	}
	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return movements, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}
