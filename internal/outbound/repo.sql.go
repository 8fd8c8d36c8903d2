package outbound

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
)

// Repository persists dispatches in PostgreSQL.
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
// lock timeout applied, so dispatch approval and the consumption it posts
// share one commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("outbound repository not initialised")
	}
	return db.RunInTx(ctx, r.pool, r.lockTimeout.Milliseconds(), func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) Inventory() inventory.TxRepository {
	return inventory.WrapTx(r.tx)
}

const dispatchColumns = `id, dispatch_number, customer_id, location_id, COALESCE(vehicle_number, ''),
status, COALESCE(wb_gross_weight, 0), COALESCE(wb_tare_weight, 0), COALESCE(wb_ticket_number, ''), wb_weighed_at,
COALESCE(remarks, ''), created_by, COALESCE(approved_by, 0), approved_at, created_at, updated_at`

func scanDispatch(row pgx.Row) (Dispatch, error) {
	var d Dispatch
	var status string
	var weighedAt *time.Time
	err := row.Scan(&d.ID, &d.Number, &d.CustomerID, &d.LocationID, &d.VehicleNumber,
		&status, &d.Weighbridge.GrossVehicleWeight, &d.Weighbridge.TareVehicleWeight, &d.Weighbridge.TicketNumber, &weighedAt,
		&d.Remarks, &d.CreatedBy, &d.ApprovedBy, &d.ApprovedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispatch{}, ErrNotFound
		}
		return Dispatch{}, translateErr(err)
	}
	d.Status = Status(status)
	if weighedAt != nil {
		d.Weighbridge.WeighedAt = *weighedAt
	}
	return d, nil
}

func (r *txRepository) GetDispatchForUpdate(ctx context.Context, id int64) (Dispatch, error) {
	d, err := scanDispatch(r.tx.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Dispatch{}, err
	}
	d.Lines, err = loadLines(ctx, r.tx, id)
	return d, err
}

func (r *txRepository) InsertDispatch(ctx context.Context, d Dispatch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO dispatches
(dispatch_number, customer_id, location_id, vehicle_number, status, remarks, created_by, created_at, updated_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),$7,$8,$9)
RETURNING id`,
		d.Number, d.CustomerID, d.LocationID, d.VehicleNumber,
		string(d.Status), d.Remarks, d.CreatedBy, d.CreatedAt, d.UpdatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) UpdateDispatch(ctx context.Context, d Dispatch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE dispatches SET
vehicle_number=NULLIF($2,''), status=$3,
wb_gross_weight=NULLIF($4,0), wb_tare_weight=$5, wb_ticket_number=NULLIF($6,''), wb_weighed_at=$7,
remarks=NULLIF($8,''), approved_by=NULLIF($9,0), approved_at=$10, updated_at=$11
WHERE id=$1`,
		d.ID, d.VehicleNumber, string(d.Status),
		d.Weighbridge.GrossVehicleWeight, d.Weighbridge.TareVehicleWeight, d.Weighbridge.TicketNumber, nullTime(d.Weighbridge.WeighedAt),
		d.Remarks, d.ApprovedBy, d.ApprovedAt, d.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispatch %d", ErrNotFound, d.ID)
	}
	return nil
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO dispatch_lines
(dispatch_id, lot_id, lot_number, weight, movement_id)
VALUES ($1,$2,$3,$4,NULLIF($5,0))
RETURNING id`,
		line.DispatchID, line.LotID, line.LotNumber, line.Weight, line.MovementID).Scan(&id)
	return id, translateErr(err)
}

func (r *txRepository) UpdateLine(ctx context.Context, line Line) error {
	tag, err := r.tx.Exec(ctx, `UPDATE dispatch_lines SET weight=$2, movement_id=NULLIF($3,0) WHERE id=$1`,
		line.ID, line.Weight, line.MovementID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispatch line %d", ErrNotFound, line.ID)
	}
	return nil
}

func (r *txRepository) DeleteLine(ctx context.Context, lineID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM dispatch_lines WHERE id=$1`, lineID)
	return translateErr(err)
}

func (r *txRepository) NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	gen := sequence.New(sequence.NewPgStore(r.tx))
	return gen.Next(ctx, name, prefix, yearWise)
}

func (r *txRepository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, module)
}

// GetDispatch fetches a dispatch with its lines, without locking.
func (r *Repository) GetDispatch(ctx context.Context, id int64) (Dispatch, error) {
	d, err := scanDispatch(r.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id=$1`, id))
	if err != nil {
		return Dispatch{}, err
	}
	d.Lines, err = loadLines(ctx, r.pool, id)
	return d, err
}

// ListDispatches pages over dispatch headers, newest first.
func (r *Repository) ListDispatches(ctx context.Context, status Status, page, perPage int) ([]Dispatch, int, error) {
	offset := (page - 1) * perPage
	rows, err := r.pool.Query(ctx, `SELECT `+dispatchColumns+`, COUNT(*) OVER()
FROM dispatches
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, string(status), perPage, offset)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	defer rows.Close()
	dispatches := []Dispatch{}
	total := 0
	for rows.Next() {
		var d Dispatch
		var st string
		var weighedAt *time.Time
		if err := rows.Scan(&d.ID, &d.Number, &d.CustomerID, &d.LocationID, &d.VehicleNumber,
			&st, &d.Weighbridge.GrossVehicleWeight, &d.Weighbridge.TareVehicleWeight, &d.Weighbridge.TicketNumber, &weighedAt,
			&d.Remarks, &d.CreatedBy, &d.ApprovedBy, &d.ApprovedAt, &d.CreatedAt, &d.UpdatedAt,
			&total); err != nil {
			return nil, 0, err
		}
		d.Status = Status(st)
		if weighedAt != nil {
			d.Weighbridge.WeighedAt = *weighedAt
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, total, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, dispatchID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, dispatch_id, lot_id, lot_number, weight, COALESCE(movement_id, 0)
FROM dispatch_lines WHERE dispatch_id=$1 ORDER BY id ASC`, dispatchID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.DispatchID, &line.LotID, &line.LotNumber, &line.Weight, &line.MovementID); err != nil {
			return nil, err
		}
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
