package masterdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// MaterialRepository persists the material catalog.
type MaterialRepository interface {
	ListMaterials(ctx context.Context, filters ListFilters) ([]Material, int, error)
	GetMaterial(ctx context.Context, id int64) (Material, error)
	InsertMaterial(ctx context.Context, m Material) (int64, error)
	UpdateMaterial(ctx context.Context, m Material) error
}

// LocationRepository persists the storage location catalog.
type LocationRepository interface {
	ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	InsertLocation(ctx context.Context, l Location) (int64, error)
	UpdateLocation(ctx context.Context, l Location) error
}

// Service fronts both catalogs.
type Service struct {
	materials MaterialRepository
	locations LocationRepository
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the masterdata service.
func NewService(materials MaterialRepository, locations LocationRepository, logger *slog.Logger) *Service {
	return &Service{materials: materials, locations: locations, logger: logger, now: time.Now}
}

// CreateMaterial adds a material. Codes are upper-cased and unique.
func (s *Service) CreateMaterial(ctx context.Context, m Material) (Material, error) {
	if err := s.validateMaterial(&m); err != nil {
		return Material{}, err
	}
	now := s.now().UTC()
	m.IsActive = true
	m.CreatedAt = now
	m.UpdatedAt = now
	id, err := s.materials.InsertMaterial(ctx, m)
	if err != nil {
		return Material{}, err
	}
	m.ID = id
	s.logger.Info("material created", slog.String("code", m.Code))
	return m, nil
}

// UpdateMaterial rewrites a material's mutable fields, including IsActive.
func (s *Service) UpdateMaterial(ctx context.Context, id int64, m Material) (Material, error) {
	if id <= 0 {
		return Material{}, fmt.Errorf("%w: invalid material id", ErrValidation)
	}
	if err := s.validateMaterial(&m); err != nil {
		return Material{}, err
	}
	existing, err := s.materials.GetMaterial(ctx, id)
	if err != nil {
		return Material{}, err
	}
	existing.Code = m.Code
	existing.Name = m.Name
	existing.Grade = m.Grade
	existing.Form = m.Form
	existing.Unit = m.Unit
	existing.ReorderLevel = m.ReorderLevel
	existing.IsActive = m.IsActive
	existing.UpdatedAt = s.now().UTC()
	if err := s.materials.UpdateMaterial(ctx, existing); err != nil {
		return Material{}, err
	}
	return existing, nil
}

// GetMaterial fetches one material.
func (s *Service) GetMaterial(ctx context.Context, id int64) (Material, error) {
	if id <= 0 {
		return Material{}, fmt.Errorf("%w: invalid material id", ErrValidation)
	}
	return s.materials.GetMaterial(ctx, id)
}

// ListMaterials pages over the catalog.
func (s *Service) ListMaterials(ctx context.Context, filters ListFilters) ([]Material, shared.Pagination, error) {
	clampFilters(&filters)
	materials, total, err := s.materials.ListMaterials(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return materials, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// CreateLocation adds a storage location.
func (s *Service) CreateLocation(ctx context.Context, l Location) (Location, error) {
	if err := s.validateLocation(&l); err != nil {
		return Location{}, err
	}
	now := s.now().UTC()
	l.IsActive = true
	l.CreatedAt = now
	l.UpdatedAt = now
	id, err := s.locations.InsertLocation(ctx, l)
	if err != nil {
		return Location{}, err
	}
	l.ID = id
	s.logger.Info("location created", slog.String("code", l.Code))
	return l, nil
}

// UpdateLocation rewrites a location's mutable fields.
func (s *Service) UpdateLocation(ctx context.Context, id int64, l Location) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w: invalid location id", ErrValidation)
	}
	if err := s.validateLocation(&l); err != nil {
		return Location{}, err
	}
	existing, err := s.locations.GetLocation(ctx, id)
	if err != nil {
		return Location{}, err
	}
	existing.Code = l.Code
	existing.Name = l.Name
	existing.Type = l.Type
	existing.IsActive = l.IsActive
	existing.UpdatedAt = s.now().UTC()
	if err := s.locations.UpdateLocation(ctx, existing); err != nil {
		return Location{}, err
	}
	return existing, nil
}

// GetLocation fetches one location.
func (s *Service) GetLocation(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w: invalid location id", ErrValidation)
	}
	return s.locations.GetLocation(ctx, id)
}

// ListLocations pages over the catalog.
func (s *Service) ListLocations(ctx context.Context, filters ListFilters) ([]Location, shared.Pagination, error) {
	clampFilters(&filters)
	locations, total, err := s.locations.ListLocations(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return locations, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

func (s *Service) validateMaterial(m *Material) error {
	m.Code = normalizeCode(m.Code)
	m.Name = strings.TrimSpace(m.Name)
	if m.Code == "" {
		return fmt.Errorf("%w: material code required", ErrValidation)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: material name required", ErrValidation)
	}
	if m.Unit == "" {
		m.Unit = weight.UnitKG
	}
	if !m.Unit.IsValid() {
		return fmt.Errorf("%w: unknown unit %q", ErrValidation, m.Unit)
	}
	if m.ReorderLevel.IsNegative() {
		return fmt.Errorf("%w: reorder level cannot be negative", ErrValidation)
	}
	m.ReorderLevel = weight.Quantize(m.ReorderLevel)
	return nil
}

func (s *Service) validateLocation(l *Location) error {
	l.Code = normalizeCode(l.Code)
	l.Name = strings.TrimSpace(l.Name)
	if l.Code == "" {
		return fmt.Errorf("%w: location code required", ErrValidation)
	}
	if l.Name == "" {
		return fmt.Errorf("%w: location name required", ErrValidation)
	}
	if l.Type == "" {
		l.Type = LocationYard
	}
	if !validLocationType(l.Type) {
		return fmt.Errorf("%w: unknown location type %q", ErrValidation, l.Type)
	}
	return nil
}

func clampFilters(f *ListFilters) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PerPage <= 0 || f.PerPage > 100 {
		f.PerPage = 20
	}
}
