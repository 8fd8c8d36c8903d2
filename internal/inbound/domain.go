// Package inbound implements goods receipt notes: the controlled intake path
// through which material becomes stock lots.
package inbound

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Status is the GRN document state. Transitions are strictly
// draft -> submitted -> approved, with cancellation allowed before approval.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether the status is part of the closed set.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusCancelled:
		return true
	default:
		return false
	}
}

// Editable reports whether lines may still change.
func (s Status) Editable() bool {
	return s == StatusDraft
}

// Weighbridge captures the vehicle weighment for the receipt.
type Weighbridge struct {
	GrossVehicleWeight decimal.Decimal
	TareVehicleWeight  decimal.Decimal
	TicketNumber       string
	WeighedAt          time.Time
}

// NetWeight is the weighed material weight for the whole vehicle.
func (w Weighbridge) NetWeight() decimal.Decimal {
	return w.GrossVehicleWeight.Sub(w.TareVehicleWeight)
}

// Recorded reports whether a weighment has been captured.
func (w Weighbridge) Recorded() bool {
	return w.TicketNumber != "" && w.GrossVehicleWeight.IsPositive()
}

// GRN is a goods receipt note.
type GRN struct {
	ID            int64
	Number        string
	VendorID      int64
	LocationID    int64
	VehicleNumber string
	ChallanNumber string
	Status        Status
	Weighbridge   Weighbridge
	Lines         []Line
	Remarks       string
	CreatedBy     int64
	ApprovedBy    int64
	ApprovedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Line is one received item on a GRN. Weight is stored normalized to
// kilograms; once the GRN is approved LotID points at the minted lot.
type Line struct {
	ID          int64
	GRNID       int64
	MaterialID  int64
	HeatNumber  string
	BatchNumber string
	CoilNumber  string
	Weight      decimal.Decimal
	Quantity    decimal.Decimal
	Unit        weight.Unit
	Rate        decimal.Decimal
	QAStatus    inventory.QAStatus
	QARemarks   string
	LotID       int64
}

// Package error taxonomy, matched with errors.Is by handlers.
var (
	ErrNotFound     = errors.New("inbound: not found")
	ErrInvalidState = errors.New("inbound: invalid document state")
	ErrValidation   = errors.New("inbound: validation failed")
)

// CreateInput starts a draft GRN.
type CreateInput struct {
	VendorID      int64
	LocationID    int64
	VehicleNumber string
	ChallanNumber string
	Remarks       string
	ActorID       int64
}

// AddLineInput appends one item to a draft GRN. Weight is the raw declared
// value in Unit; the service normalizes it to kilograms.
type AddLineInput struct {
	GRNID       int64
	MaterialID  int64
	HeatNumber  string
	BatchNumber string
	CoilNumber  string
	Weight      decimal.Decimal
	Quantity    decimal.Decimal
	Unit        weight.Unit
	Rate        decimal.Decimal
	ActorID     int64
}

// WeighmentInput records the weighbridge capture.
type WeighmentInput struct {
	GRNID              int64
	GrossVehicleWeight decimal.Decimal
	TareVehicleWeight  decimal.Decimal
	TicketNumber       string
	ActorID            int64
}

// QAInput sets the inspection result for one line.
type QAInput struct {
	GRNID   int64
	LineID  int64
	Status  inventory.QAStatus
	Remarks string
	ActorID int64
}

// ActionInput covers submit/approve/cancel.
type ActionInput struct {
	GRNID   int64
	ActorID int64
	Note    string
}
