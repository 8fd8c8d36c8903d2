package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/platform/db"
	"github.com/mangod12/kbsteel/internal/sequence"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Repository persists GRNs in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs the callback inside a repeatable-read transaction with the
// lock timeout applied, so GRN approval and the lots it mints share one
// commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inbound repository not initialised")
	}
	return db.RunInTx(ctx, r.pool, r.lockTimeout.Milliseconds(), func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) Inventory() inventory.TxRepository {
	return inventory.WrapTx(r.tx)
}

const grnColumns = `id, grn_number, vendor_id, location_id, COALESCE(vehicle_number, ''), COALESCE(challan_number, ''),
status, COALESCE(wb_gross_weight, 0), COALESCE(wb_tare_weight, 0), COALESCE(wb_ticket_number, ''), wb_weighed_at,
COALESCE(remarks, ''), created_by, COALESCE(approved_by, 0), approved_at, created_at, updated_at`

func scanGRN(row pgx.Row) (GRN, error) {
	var grn GRN
	var status string
	var weighedAt *time.Time
	err := row.Scan(&grn.ID, &grn.Number, &grn.VendorID, &grn.LocationID, &grn.VehicleNumber, &grn.ChallanNumber,
		&status, &grn.Weighbridge.GrossVehicleWeight, &grn.Weighbridge.TareVehicleWeight, &grn.Weighbridge.TicketNumber, &weighedAt,
		&grn.Remarks, &grn.CreatedBy, &grn.ApprovedBy, &grn.ApprovedAt, &grn.CreatedAt, &grn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GRN{}, ErrNotFound
		}
		return GRN{}, translateErr(err)
	}
	grn.Status = Status(status)
	if weighedAt != nil {
		grn.Weighbridge.WeighedAt = *weighedAt
	}
	return grn, nil
}

func (r *txRepository) GetGRNForUpdate(ctx context.Context, id int64) (GRN, error) {
	grn, err := scanGRN(r.tx.QueryRow(ctx, `SELECT `+grnColumns+` FROM grns WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return GRN{}, err
	}
	grn.Lines, err = loadLines(ctx, r.tx, id)
	return grn, err
}

func (r *txRepository) InsertGRN(ctx context.Context, grn GRN) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO grns
(grn_number, vendor_id, location_id, vehicle_number, challan_number, status, remarks, created_by, created_at, updated_at)
VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,NULLIF($7,''),$8,$9,$10)
RETURNING id`,
		grn.Number, grn.VendorID, grn.LocationID, grn.VehicleNumber, grn.ChallanNumber,
		string(grn.Status), grn.Remarks, grn.CreatedBy, grn.CreatedAt, grn.UpdatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) UpdateGRN(ctx context.Context, grn GRN) error {
	tag, err := r.tx.Exec(ctx, `UPDATE grns SET
vehicle_number=NULLIF($2,''), challan_number=NULLIF($3,''), status=$4,
wb_gross_weight=NULLIF($5,0), wb_tare_weight=$6, wb_ticket_number=NULLIF($7,''), wb_weighed_at=$8,
remarks=NULLIF($9,''), approved_by=NULLIF($10,0), approved_at=$11, updated_at=$12
WHERE id=$1`,
		grn.ID, grn.VehicleNumber, grn.ChallanNumber, string(grn.Status),
		grn.Weighbridge.GrossVehicleWeight, grn.Weighbridge.TareVehicleWeight, grn.Weighbridge.TicketNumber, nullTime(grn.Weighbridge.WeighedAt),
		grn.Remarks, grn.ApprovedBy, grn.ApprovedAt, grn.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: grn %d", ErrNotFound, grn.ID)
	}
	return nil
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO grn_lines
(grn_id, material_id, heat_number, batch_number, coil_number, weight, quantity, unit, rate, qa_status, qa_remarks, lot_id)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,NULLIF($11,''),NULLIF($12,0))
RETURNING id`,
		line.GRNID, line.MaterialID, line.HeatNumber, line.BatchNumber, line.CoilNumber,
		line.Weight, line.Quantity, string(line.Unit), line.Rate, string(line.QAStatus), line.QARemarks, line.LotID).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) UpdateLine(ctx context.Context, line Line) error {
	tag, err := r.tx.Exec(ctx, `UPDATE grn_lines SET
qa_status=$2, qa_remarks=NULLIF($3,''), lot_id=NULLIF($4,0)
WHERE id=$1`, line.ID, string(line.QAStatus), line.QARemarks, line.LotID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: grn line %d", ErrNotFound, line.ID)
	}
	return nil
}

func (r *txRepository) DeleteLine(ctx context.Context, lineID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM grn_lines WHERE id=$1`, lineID)
	return translateErr(err)
}

func (r *txRepository) NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	gen := sequence.New(sequence.NewPgStore(r.tx))
	return gen.Next(ctx, name, prefix, yearWise)
}

func (r *txRepository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, module)
}

// GetGRN fetches a GRN with its lines, without locking.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GRN, error) {
	grn, err := scanGRN(r.pool.QueryRow(ctx, `SELECT `+grnColumns+` FROM grns WHERE id=$1`, id))
	if err != nil {
		return GRN{}, err
	}
	grn.Lines, err = loadLines(ctx, r.pool, id)
	return grn, err
}

// ListGRNs pages over GRN headers, newest first.
func (r *Repository) ListGRNs(ctx context.Context, status Status, page, perPage int) ([]GRN, int, error) {
	offset := (page - 1) * perPage
	rows, err := r.pool.Query(ctx, `SELECT `+grnColumns+`, COUNT(*) OVER()
FROM grns
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, string(status), perPage, offset)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	defer rows.Close()
	grns := []GRN{}
	total := 0
	for rows.Next() {
		var grn GRN
		var st string
		var weighedAt *time.Time
		if err := rows.Scan(&grn.ID, &grn.Number, &grn.VendorID, &grn.LocationID, &grn.VehicleNumber, &grn.ChallanNumber,
			&st, &grn.Weighbridge.GrossVehicleWeight, &grn.Weighbridge.TareVehicleWeight, &grn.Weighbridge.TicketNumber, &weighedAt,
			&grn.Remarks, &grn.CreatedBy, &grn.ApprovedBy, &grn.ApprovedAt, &grn.CreatedAt, &grn.UpdatedAt,
			&total); err != nil {
			return nil, 0, err
		}
		grn.Status = Status(st)
		if weighedAt != nil {
			grn.Weighbridge.WeighedAt = *weighedAt
		}
		grns = append(grns, grn)
	}
	return grns, total, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, grnID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, grn_id, material_id, COALESCE(heat_number, ''), COALESCE(batch_number, ''), COALESCE(coil_number, ''),
weight, quantity, unit, rate, qa_status, COALESCE(qa_remarks, ''), COALESCE(lot_id, 0)
FROM grn_lines WHERE grn_id=$1 ORDER BY id ASC`, grnID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var line Line
		var unit, qaStatus string
		if err := rows.Scan(&line.ID, &line.GRNID, &line.MaterialID, &line.HeatNumber, &line.BatchNumber, &line.CoilNumber,
			&line.Weight, &line.Quantity, &unit, &line.Rate, &qaStatus, &line.QARemarks, &line.LotID); err != nil {
			return nil, err
		}
		line.Unit = weight.Unit(unit)
		line.QAStatus = inventory.QAStatus(qaStatus)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return fmt.Errorf("%w: %s", inventory.ErrBusy, pgErr.Message)
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
