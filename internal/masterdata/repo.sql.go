package masterdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists both catalogs in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const materialColumns = `id, code, name, COALESCE(grade, ''), COALESCE(form, ''), unit, reorder_level, is_active, created_at, updated_at`

func (r *Repository) ListMaterials(ctx context.Context, filters ListFilters) ([]Material, int, error) {
	query := `SELECT ` + materialColumns + `, COUNT(*) OVER() FROM materials WHERE 1=1`
	args := []any{}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		query += ` AND (code ILIKE $` + n + ` OR name ILIKE $` + n + `)`
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		query += ` AND is_active = $` + strconv.Itoa(len(args))
	}
	args = append(args, filters.PerPage)
	query += ` ORDER BY code ASC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, (filters.Page-1)*filters.PerPage)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	defer rows.Close()
	materials := []Material{}
	total := 0
	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.ID, &m.Code, &m.Name, &m.Grade, &m.Form, &m.Unit, &m.ReorderLevel,
			&m.IsActive, &m.CreatedAt, &m.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		materials = append(materials, m)
	}
	return materials, total, rows.Err()
}

func (r *Repository) GetMaterial(ctx context.Context, id int64) (Material, error) {
	var m Material
	err := r.pool.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id = $1`, id).
		Scan(&m.ID, &m.Code, &m.Name, &m.Grade, &m.Form, &m.Unit, &m.ReorderLevel,
			&m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Material{}, translateErr(err)
	}
	return m, nil
}

func (r *Repository) InsertMaterial(ctx context.Context, m Material) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO materials
(code, name, grade, form, unit, reorder_level, is_active, created_at, updated_at)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,$9)
RETURNING id`,
		m.Code, m.Name, m.Grade, m.Form, string(m.Unit), m.ReorderLevel, m.IsActive, m.CreatedAt, m.UpdatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *Repository) UpdateMaterial(ctx context.Context, m Material) error {
	tag, err := r.pool.Exec(ctx, `UPDATE materials SET
code=$2, name=$3, grade=NULLIF($4,''), form=NULLIF($5,''), unit=$6, reorder_level=$7, is_active=$8, updated_at=$9
WHERE id=$1`,
		m.ID, m.Code, m.Name, m.Grade, m.Form, string(m.Unit), m.ReorderLevel, m.IsActive, m.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: material %d", ErrNotFound, m.ID)
	}
	return nil
}

// ListActiveMaterials returns every active material, used by the reorder
// check job.
func (r *Repository) ListActiveMaterials(ctx context.Context) ([]Material, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+materialColumns+` FROM materials WHERE is_active ORDER BY code ASC`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	materials := []Material{}
	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.ID, &m.Code, &m.Name, &m.Grade, &m.Form, &m.Unit, &m.ReorderLevel,
			&m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

const locationColumns = `id, code, name, type, is_active, created_at, updated_at`

func (r *Repository) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	query := `SELECT ` + locationColumns + `, COUNT(*) OVER() FROM locations WHERE 1=1`
	args := []any{}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		query += ` AND (code ILIKE $` + n + ` OR name ILIKE $` + n + `)`
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		query += ` AND is_active = $` + strconv.Itoa(len(args))
	}
	args = append(args, filters.PerPage)
	query += ` ORDER BY code ASC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, (filters.Page-1)*filters.PerPage)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	defer rows.Close()
	locations := []Location{}
	total := 0
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.Type, &l.IsActive, &l.CreatedAt, &l.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		locations = append(locations, l)
	}
	return locations, total, rows.Err()
}

func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.Code, &l.Name, &l.Type, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Location{}, translateErr(err)
	}
	return l, nil
}

func (r *Repository) InsertLocation(ctx context.Context, l Location) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO locations (code, name, type, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`,
		l.Code, l.Name, l.Type, l.IsActive, l.CreatedAt, l.UpdatedAt).Scan(&id)
	return id, translateErr(err)
}

func (r *Repository) UpdateLocation(ctx context.Context, l Location) error {
	tag, err := r.pool.Exec(ctx, `UPDATE locations SET code=$2, name=$3, type=$4, is_active=$5, updated_at=$6 WHERE id=$1`,
		l.ID, l.Code, l.Name, l.Type, l.IsActive, l.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: location %d", ErrNotFound, l.ID)
	}
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
