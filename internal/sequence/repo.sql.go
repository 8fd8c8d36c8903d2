package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx satisfied by both pgx.Tx and *pgxpool.Pool.
// The ledger passes its own transaction so sequence allocation commits or
// aborts together with the mutation that needed the number.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore persists sequences in the number_sequences table.
type PgStore struct {
	q Querier
}

// NewPgStore wraps a pgx.Tx (or pool) as a Store.
func NewPgStore(q Querier) *PgStore {
	return &PgStore{q: q}
}

// GetForUpdate locks the counter row exclusively for the caller's transaction.
func (s *PgStore) GetForUpdate(ctx context.Context, name string) (Row, error) {
	var row Row
	err := s.q.QueryRow(ctx, `SELECT sequence_name, prefix, current_number, COALESCE(year, 0), padding
FROM number_sequences WHERE sequence_name=$1 FOR UPDATE`, name).
		Scan(&row.Name, &row.Prefix, &row.Current, &row.Year, &row.Padding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, err
	}
	return row, nil
}

// Create seeds a new counter row. Losing a concurrent insert race is fine;
// the caller re-reads under lock afterwards.
func (s *PgStore) Create(ctx context.Context, row Row) error {
	_, err := s.q.Exec(ctx, `INSERT INTO number_sequences (sequence_name, prefix, current_number, year, padding)
VALUES ($1,$2,$3,NULLIF($4,0),$5)
ON CONFLICT (sequence_name) DO NOTHING`, row.Name, row.Prefix, row.Current, row.Year, row.Padding)
	return err
}

// Save persists the incremented counter.
func (s *PgStore) Save(ctx context.Context, row Row) error {
	_, err := s.q.Exec(ctx, `UPDATE number_sequences
SET prefix=$2, current_number=$3, year=NULLIF($4,0), padding=$5, updated_at=NOW()
WHERE sequence_name=$1`, row.Name, row.Prefix, row.Current, row.Year, row.Padding)
	return err
}
