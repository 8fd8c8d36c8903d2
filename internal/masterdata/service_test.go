package masterdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mangod12/kbsteel/internal/weight"
)

type memoryCatalog struct {
	materials map[int64]Material
	locations map[int64]Location
	nextID    int64
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{materials: make(map[int64]Material), locations: make(map[int64]Location)}
}

func (m *memoryCatalog) ListMaterials(ctx context.Context, filters ListFilters) ([]Material, int, error) {
	var out []Material
	for _, mat := range m.materials {
		if filters.IsActive != nil && mat.IsActive != *filters.IsActive {
			continue
		}
		out = append(out, mat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, len(out), nil
}

func (m *memoryCatalog) GetMaterial(ctx context.Context, id int64) (Material, error) {
	mat, ok := m.materials[id]
	if !ok {
		return Material{}, ErrNotFound
	}
	return mat, nil
}

func (m *memoryCatalog) InsertMaterial(ctx context.Context, mat Material) (int64, error) {
	for _, existing := range m.materials {
		if existing.Code == mat.Code {
			return 0, fmt.Errorf("%w: materials_code_key", ErrDuplicate)
		}
	}
	m.nextID++
	mat.ID = m.nextID
	m.materials[mat.ID] = mat
	return mat.ID, nil
}

func (m *memoryCatalog) UpdateMaterial(ctx context.Context, mat Material) error {
	if _, ok := m.materials[mat.ID]; !ok {
		return ErrNotFound
	}
	m.materials[mat.ID] = mat
	return nil
}

func (m *memoryCatalog) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	var out []Location
	for _, loc := range m.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, len(out), nil
}

func (m *memoryCatalog) GetLocation(ctx context.Context, id int64) (Location, error) {
	loc, ok := m.locations[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

func (m *memoryCatalog) InsertLocation(ctx context.Context, loc Location) (int64, error) {
	for _, existing := range m.locations {
		if existing.Code == loc.Code {
			return 0, fmt.Errorf("%w: locations_code_key", ErrDuplicate)
		}
	}
	m.nextID++
	loc.ID = m.nextID
	m.locations[loc.ID] = loc
	return loc.ID, nil
}

func (m *memoryCatalog) UpdateLocation(ctx context.Context, loc Location) error {
	if _, ok := m.locations[loc.ID]; !ok {
		return ErrNotFound
	}
	m.locations[loc.ID] = loc
	return nil
}

func newTestService() (*Service, *memoryCatalog) {
	catalog := newMemoryCatalog()
	svc := NewService(catalog, catalog, slog.Default())
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc, catalog
}

func TestCreateMaterialNormalizesCodeAndReorderLevel(t *testing.T) {
	svc, _ := newTestService()

	m, err := svc.CreateMaterial(context.Background(), Material{
		Code:         "  hr-coil-2mm ",
		Name:         "HR Coil 2mm",
		Grade:        "IS2062 E250",
		ReorderLevel: decimal.RequireFromString("5000.12345"),
	})
	require.NoError(t, err)
	require.Equal(t, "HR-COIL-2MM", m.Code)
	require.Equal(t, weight.UnitKG, m.Unit)
	require.Equal(t, "5000.123", m.ReorderLevel.StringFixed(3))
	require.True(t, m.IsActive)
}

func TestCreateMaterialRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateMaterial(ctx, Material{Code: "CR-SHEET", Name: "CR Sheet"})
	require.NoError(t, err)
	_, err = svc.CreateMaterial(ctx, Material{Code: "cr-sheet", Name: "Another"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateMaterialValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateMaterial(ctx, Material{Name: "No Code"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateMaterial(ctx, Material{Code: "X", Name: "X", Unit: "bushel"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateMaterial(ctx, Material{Code: "X", Name: "X", ReorderLevel: decimal.RequireFromString("-1")})
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateMaterialCanDeactivate(t *testing.T) {
	svc, catalog := newTestService()
	ctx := context.Background()

	m, err := svc.CreateMaterial(ctx, Material{Code: "MS-PLATE", Name: "MS Plate"})
	require.NoError(t, err)

	m.IsActive = false
	m.ReorderLevel = decimal.RequireFromString("1200")
	updated, err := svc.UpdateMaterial(ctx, m.ID, m)
	require.NoError(t, err)
	require.False(t, updated.IsActive)
	require.True(t, catalog.materials[m.ID].ReorderLevel.Equal(decimal.RequireFromString("1200")))
}

func TestCreateLocationValidatesType(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	l, err := svc.CreateLocation(ctx, Location{Code: "yard-a", Name: "Yard A"})
	require.NoError(t, err)
	require.Equal(t, "YARD-A", l.Code)
	require.Equal(t, LocationYard, l.Type)

	_, err = svc.CreateLocation(ctx, Location{Code: "X", Name: "X", Type: "basement"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGetRejectsNonPositiveID(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.GetMaterial(context.Background(), 0)
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GetLocation(context.Background(), -3)
	require.ErrorIs(t, err, ErrValidation)
}
