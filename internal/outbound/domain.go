// Package outbound implements dispatch notes: the controlled exit path
// through which stock lots leave the yard.
package outbound

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the dispatch document state. Transitions are strictly
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

// Weighbridge captures the outgoing vehicle weighment.
type Weighbridge struct {
	GrossVehicleWeight decimal.Decimal
	TareVehicleWeight  decimal.Decimal
	TicketNumber       string
	WeighedAt          time.Time
}

// NetWeight is the weighed material weight leaving on the vehicle.
func (w Weighbridge) NetWeight() decimal.Decimal {
	return w.GrossVehicleWeight.Sub(w.TareVehicleWeight)
}

// Recorded reports whether a weighment has been captured.
func (w Weighbridge) Recorded() bool {
	return w.TicketNumber != "" && w.GrossVehicleWeight.IsPositive()
}

// Dispatch is one outbound delivery document.
type Dispatch struct {
	ID            int64
	Number        string
	CustomerID    int64
	LocationID    int64
	VehicleNumber string
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

// Line allocates weight from one lot. MovementID is set on approval when
// stock is actually drawn down.
type Line struct {
	ID         int64
	DispatchID int64
	LotID      int64
	LotNumber  string
	Weight     decimal.Decimal
	MovementID int64
}

// Package error taxonomy, matched with errors.Is by handlers.
var (
	ErrNotFound     = errors.New("outbound: not found")
	ErrInvalidState = errors.New("outbound: invalid document state")
	ErrValidation   = errors.New("outbound: validation failed")
)

// CreateInput starts a draft dispatch.
type CreateInput struct {
	CustomerID    int64
	LocationID    int64
	VehicleNumber string
	Remarks       string
	ActorID       int64
}

// AddLineInput allocates weight from a lot onto a draft dispatch.
type AddLineInput struct {
	DispatchID int64
	LotID      int64
	Weight     decimal.Decimal
	ActorID    int64
}

// AutoPickInput fills a draft dispatch from a FIFO plan.
type AutoPickInput struct {
	DispatchID int64
	MaterialID int64
	Required   decimal.Decimal
	ActorID    int64
}

// WeighmentInput records the outgoing weighbridge capture.
type WeighmentInput struct {
	DispatchID         int64
	GrossVehicleWeight decimal.Decimal
	TareVehicleWeight  decimal.Decimal
	TicketNumber       string
	ActorID            int64
}

// ActionInput covers submit/approve/cancel.
type ActionInput struct {
	DispatchID int64
	ActorID    int64
	Note       string
}
