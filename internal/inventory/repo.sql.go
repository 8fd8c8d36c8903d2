package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mangod12/kbsteel/internal/platform/db"
	"github.com/mangod12/kbsteel/internal/sequence"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Repository persists lots and movements in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds how long a
// mutation waits for another transaction's row lock before failing with
// ErrBusy; zero disables the bound.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with the
// configured lock timeout applied.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.RunInTx(ctx, r.pool, r.lockTimeout.Milliseconds(), func(tx pgx.Tx) error {
		return fn(ctx, WrapTx(tx))
	})
}

// WrapTx exposes the ledger's transactional operations over a caller-owned
// transaction. The inbound and outbound workflows use it to post movements
// atomically with their own document updates.
func WrapTx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const lotColumns = `id, lot_number, material_id, heat_number, batch_number, coil_number,
gross_weight, tare_weight, net_weight, current_weight, initial_qty, current_qty, unit,
vendor_id, grn_id, purchase_rate, qa_status, location_id, received_date,
is_active, is_blocked, COALESCE(block_reason, ''), created_at, updated_at`

func scanLot(row pgx.Row) (StockLot, error) {
	var lot StockLot
	var unit, qaStatus string
	err := row.Scan(&lot.ID, &lot.LotNumber, &lot.MaterialID, &lot.HeatNumber, &lot.BatchNumber, &lot.CoilNumber,
		&lot.GrossWeight, &lot.TareWeight, &lot.NetWeight, &lot.CurrentWeight, &lot.InitialQty, &lot.CurrentQty, &unit,
		&lot.VendorID, &lot.GRNID, &lot.PurchaseRate, &qaStatus, &lot.LocationID, &lot.ReceivedDate,
		&lot.IsActive, &lot.IsBlocked, &lot.BlockReason, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return StockLot{}, translateErr(err)
	}
	lot.Unit = weight.Unit(unit)
	lot.QAStatus = QAStatus(qaStatus)
	return lot, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error) {
	return scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1 FOR UPDATE`, lotID))
}

func (r *txRepository) InsertLot(ctx context.Context, lot StockLot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_lots
(lot_number, material_id, heat_number, batch_number, coil_number,
 gross_weight, tare_weight, net_weight, current_weight, initial_qty, current_qty, unit,
 vendor_id, grn_id, purchase_rate, qa_status, location_id, received_date,
 is_active, is_blocked, block_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,NULLIF($21,''),$22,$23)
RETURNING id`,
		lot.LotNumber, lot.MaterialID, lot.HeatNumber, lot.BatchNumber, lot.CoilNumber,
		lot.GrossWeight, lot.TareWeight, lot.NetWeight, lot.CurrentWeight, lot.InitialQty, lot.CurrentQty, string(lot.Unit),
		nullInt(lot.VendorID), nullInt(lot.GRNID), lot.PurchaseRate, string(lot.QAStatus), lot.LocationID, lot.ReceivedDate,
		lot.IsActive, lot.IsBlocked, lot.BlockReason, lot.CreatedAt, lot.UpdatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) UpdateLot(ctx context.Context, lot StockLot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET
current_weight=$2, current_qty=$3, qa_status=$4, location_id=$5,
is_active=$6, is_blocked=$7, block_reason=NULLIF($8,''), updated_at=$9
WHERE id=$1`,
		lot.ID, lot.CurrentWeight, lot.CurrentQty, string(lot.QAStatus), lot.LocationID,
		lot.IsActive, lot.IsBlocked, lot.BlockReason, lot.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %d", ErrNotFound, lot.ID)
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
(movement_number, lot_id, movement_type, weight_change, weight_before, weight_after, quantity_change,
 reference_type, reference_id, reference_number,
 from_location_id, to_location_id, reason, created_by, approved_by, approved_at, movement_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,0),NULLIF($10,''),NULLIF($11,0),NULLIF($12,0),$13,$14,NULLIF($15,0),$16,$17,$18)
RETURNING id`,
		m.Number, m.LotID, string(m.Type), m.WeightChange, m.WeightBefore, m.WeightAfter, m.QuantityChange,
		m.Reference.Type, m.Reference.ID, m.Reference.Number,
		m.FromLocationID, m.ToLocationID, m.Reason, m.CreatedBy, m.ApprovedBy, m.ApprovedAt, m.MovementDate, m.CreatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	gen := sequence.New(sequence.NewPgStore(r.tx))
	number, err := gen.Next(ctx, name, prefix, yearWise)
	if err != nil {
		return "", translateErr(err)
	}
	return number, nil
}

// GetLot fetches a lot without locking it.
func (r *Repository) GetLot(ctx context.Context, lotID int64) (StockLot, error) {
	return scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1`, lotID))
}

// GetLotByNumber fetches a lot by its document number.
func (r *Repository) GetLotByNumber(ctx context.Context, number string) (StockLot, error) {
	return scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE lot_number=$1`, number))
}

// ListConsumableLots returns FIFO-ordered lots eligible for consumption.
func (r *Repository) ListConsumableLots(ctx context.Context, materialID, locationID int64) ([]StockLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE material_id=$1
  AND ($2 = 0 OR location_id = $2)
  AND is_active AND NOT is_blocked
  AND qa_status IN ('approved','conditional')
  AND current_weight > 0
ORDER BY received_date ASC, id ASC`, materialID, locationID)
	if err != nil {
		return nil, translateErr(err)
	}
	return collectLots(rows)
}

// ListActiveLots returns all active lots of a material regardless of QA or
// block state, used by aging and reconciliation.
func (r *Repository) ListActiveLots(ctx context.Context, materialID int64) ([]StockLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE ($1 = 0 OR material_id = $1) AND is_active
ORDER BY received_date ASC, id ASC`, materialID)
	if err != nil {
		return nil, translateErr(err)
	}
	return collectLots(rows)
}

// SummarizeStock aggregates active stock per material and location.
func (r *Repository) SummarizeStock(ctx context.Context, materialID, locationID int64) ([]StockSummaryRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.material_id, COALESCE(m.code, ''), l.location_id,
COALESCE(SUM(l.current_weight), 0),
COUNT(*),
COALESCE(SUM(l.current_weight) FILTER (WHERE l.is_blocked), 0),
COALESCE(SUM(l.current_weight) FILTER (WHERE l.qa_status = 'pending'), 0),
MIN(l.received_date),
MAX(l.received_date),
COALESCE(m.reorder_level, 0)
FROM stock_lots l
LEFT JOIN materials m ON m.id = l.material_id
WHERE l.is_active
  AND ($1 = 0 OR l.material_id = $1)
  AND ($2 = 0 OR l.location_id = $2)
GROUP BY l.material_id, m.code, m.reorder_level, l.location_id
ORDER BY l.material_id, l.location_id`, materialID, locationID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	summary := []StockSummaryRow{}
	for rows.Next() {
		var row StockSummaryRow
		if err := rows.Scan(&row.MaterialID, &row.MaterialCode, &row.LocationID,
			&row.TotalWeight, &row.LotCount, &row.BlockedWeight, &row.PendingQAWght,
			&row.OldestReceived, &row.NewestReceived,
			&row.ReorderLevel); err != nil {
			return nil, err
		}
		row.BelowReorder = row.ReorderLevel.IsPositive() && row.TotalWeight.LessThan(row.ReorderLevel)
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

// ListMovements lists movements matching the filter, newest first, with the
// total row count for pagination.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	offset := (filter.Page - 1) * filter.PerPage
	rows, err := r.pool.Query(ctx, `SELECT mv.id, mv.movement_number, mv.lot_id, mv.movement_type,
mv.weight_change, mv.weight_before, mv.weight_after, mv.quantity_change,
COALESCE(mv.reference_type, ''), COALESCE(mv.reference_id, 0), COALESCE(mv.reference_number, ''),
COALESCE(mv.from_location_id, 0), COALESCE(mv.to_location_id, 0), mv.reason,
mv.created_by, COALESCE(mv.approved_by, 0), mv.approved_at, mv.movement_date, mv.created_at,
COUNT(*) OVER()
FROM stock_movements mv
JOIN stock_lots l ON l.id = mv.lot_id
WHERE ($1 = 0 OR mv.lot_id = $1)
  AND ($2 = 0 OR l.material_id = $2)
  AND ($3 = '' OR mv.movement_type = $3)
  AND mv.movement_date BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY mv.movement_date DESC, mv.id DESC
LIMIT $6 OFFSET $7`,
		filter.LotID, filter.MaterialID, string(filter.Type), nullTime(filter.From), nullTime(filter.To), filter.PerPage, offset)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	defer rows.Close()
	movements := []Movement{}
	total := 0
	for rows.Next() {
		var m Movement
		var movementType string
		if err := rows.Scan(&m.ID, &m.Number, &m.LotID, &movementType,
			&m.WeightChange, &m.WeightBefore, &m.WeightAfter, &m.QuantityChange,
			&m.Reference.Type, &m.Reference.ID, &m.Reference.Number,
			&m.FromLocationID, &m.ToLocationID, &m.Reason,
			&m.CreatedBy, &m.ApprovedBy, &m.ApprovedAt, &m.MovementDate, &m.CreatedAt,
			&total); err != nil {
			return nil, 0, err
		}
		m.Type = MovementType(movementType)
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

func collectLots(rows pgx.Rows) ([]StockLot, error) {
	defer rows.Close()
	lots := []StockLot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// translateErr maps driver errors to the ledger taxonomy. 55P03 is raised
// when lock_timeout expires waiting for a row lock.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return fmt.Errorf("%w: %s", ErrBusy, pgErr.Message)
	}
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
