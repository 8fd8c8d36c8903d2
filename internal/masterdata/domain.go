// Package masterdata maintains the material and storage location catalogs
// the inventory modules reference.
package masterdata

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/weight"
)

// Material is one catalog entry for a steel product. ReorderLevel is the
// kg threshold the reorder check compares total stock against; zero
// disables the check for the material.
type Material struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Grade        string          `json:"grade"`
	Form         string          `json:"form"`
	Unit         weight.Unit     `json:"unit"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Location is a physical storage area lots live in.
type Location struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Known location types. Free-form values are rejected.
const (
	LocationYard      = "yard"
	LocationWarehouse = "warehouse"
	LocationQAHold    = "qa_hold"
	LocationScrapBay  = "scrap_bay"
)

func validLocationType(t string) bool {
	switch t {
	case LocationYard, LocationWarehouse, LocationQAHold, LocationScrapBay:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound   = errors.New("masterdata: not found")
	ErrDuplicate  = errors.New("masterdata: duplicate code")
	ErrValidation = errors.New("masterdata: validation failed")
)

// ListFilters narrows catalog listings.
type ListFilters struct {
	Search   string
	IsActive *bool
	Page     int
	PerPage  int
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
