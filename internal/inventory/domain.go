package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/weight"
)

// MovementType enumerates every supported ledger movement.
type MovementType string

const (
	MovementInwardPurchase  MovementType = "inward_purchase"
	MovementInwardReturn    MovementType = "inward_return"
	MovementInwardTransfer  MovementType = "inward_transfer"
	MovementOutwardSale     MovementType = "outward_sale"
	MovementOutwardTransfer MovementType = "outward_transfer"
	MovementOutwardScrap    MovementType = "outward_scrap"
	MovementConsumption     MovementType = "consumption"
	MovementAdjustmentPlus  MovementType = "adjustment_plus"
	MovementAdjustmentMinus MovementType = "adjustment_minus"
	MovementReweigh         MovementType = "reweigh"
	MovementSplit           MovementType = "split"
	MovementMerge           MovementType = "merge"
)

// IsValid reports whether the movement type is part of the closed set.
func (m MovementType) IsValid() bool {
	switch m {
	case MovementInwardPurchase, MovementInwardReturn, MovementInwardTransfer,
		MovementOutwardSale, MovementOutwardTransfer, MovementOutwardScrap,
		MovementConsumption, MovementAdjustmentPlus, MovementAdjustmentMinus,
		MovementReweigh, MovementSplit, MovementMerge:
		return true
	default:
		return false
	}
}

// QAStatus is the quality gate on a lot.
type QAStatus string

const (
	QAPending     QAStatus = "pending"
	QAApproved    QAStatus = "approved"
	QARejected    QAStatus = "rejected"
	QAOnHold      QAStatus = "on_hold"
	QAConditional QAStatus = "conditional"
)

// IsValid reports whether the status is part of the closed set.
func (q QAStatus) IsValid() bool {
	switch q {
	case QAPending, QAApproved, QARejected, QAOnHold, QAConditional:
		return true
	default:
		return false
	}
}

// AllowsConsumption reports whether material in this QA status may leave stock.
func (q QAStatus) AllowsConsumption() bool {
	return q == QAApproved || q == QAConditional
}

// StockLot is one physically received, traceable batch of material.
// Mutated only through Ledger operations; gross/tare/net are fixed at
// creation while current weight only moves together with a movement row.
type StockLot struct {
	ID            int64
	LotNumber     string
	MaterialID    int64
	HeatNumber    string
	BatchNumber   string
	CoilNumber    string
	GrossWeight   decimal.Decimal
	TareWeight    decimal.Decimal
	NetWeight     decimal.Decimal
	CurrentWeight decimal.Decimal
	InitialQty    decimal.Decimal
	CurrentQty    decimal.Decimal
	Unit          weight.Unit
	VendorID      int64
	GRNID         int64
	PurchaseRate  decimal.Decimal
	QAStatus      QAStatus
	LocationID    int64
	ReceivedDate  time.Time
	IsActive      bool
	IsBlocked     bool
	BlockReason   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Consumable reports whether the lot may currently be drawn down.
func (l StockLot) Consumable() bool {
	return l.IsActive && !l.IsBlocked && l.QAStatus.AllowsConsumption()
}

// Reference tags a movement with the document that caused it. The ledger
// stores it verbatim and never interprets it.
type Reference struct {
	Type   string
	ID     int64
	Number string
}

// Movement is one immutable signed weight change on a lot.
type Movement struct {
	ID             int64
	Number         string
	LotID          int64
	Type           MovementType
	WeightChange   decimal.Decimal
	WeightBefore   decimal.Decimal
	WeightAfter    decimal.Decimal
	QuantityChange decimal.Decimal
	Reference      Reference
	FromLocationID int64
	ToLocationID   int64
	Reason         string
	CreatedBy      int64
	ApprovedBy     int64
	ApprovedAt     *time.Time
	MovementDate   time.Time
	CreatedAt      time.Time
}

// Ledger error taxonomy. Callers branch on these with errors.Is; the ledger
// never clamps or silently repairs an invalid request.
var (
	// ErrInsufficientStock means the requested weight exceeds what a lot or
	// FIFO pool holds. Recoverable by the caller.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidOperation is a business-rule or state-machine violation.
	ErrInvalidOperation = errors.New("inventory: invalid operation")
	// ErrNotFound indicates a missing lot/material/location.
	ErrNotFound = errors.New("inventory: not found")
	// ErrBusy is a lock acquisition timeout; safe to retry with backoff.
	ErrBusy = errors.New("inventory: lot busy, try again")
)

// CreateFromInboundInput describes one approved GRN line becoming a lot.
type CreateFromInboundInput struct {
	MaterialID   int64
	HeatNumber   string
	BatchNumber  string
	CoilNumber   string
	Weight       decimal.Decimal
	Quantity     decimal.Decimal
	Unit         weight.Unit
	QAStatus     QAStatus
	VendorID     int64
	GRNID        int64
	PurchaseRate decimal.Decimal
	LocationID   int64
	Reference    Reference
	ActorID      int64
}

// ConsumeInput draws weight down from a lot. Type defaults to consumption;
// outbound documents set one of the outward types instead.
type ConsumeInput struct {
	LotID     int64
	Weight    decimal.Decimal
	Type      MovementType
	ActorID   int64
	Reason    string
	Reference Reference
}

// IsOutward reports whether the type reduces stock.
func (m MovementType) IsOutward() bool {
	switch m {
	case MovementOutwardSale, MovementOutwardTransfer, MovementOutwardScrap, MovementConsumption:
		return true
	default:
		return false
	}
}

// AdjustInput sets a lot to a new absolute weight.
type AdjustInput struct {
	LotID      int64
	NewWeight  decimal.Decimal
	ActorID    int64
	Reason     string
	ApproverID int64
}

// TransferInput moves a lot to another storage location.
type TransferInput struct {
	LotID        int64
	ToLocationID int64
	ActorID      int64
	Reason       string
}

// SplitInput carves one or more child lots out of a parent.
type SplitInput struct {
	LotID   int64
	Weights []decimal.Decimal
	ActorID int64
	Reason  string
}

// BlockInput places or lifts a manual hold.
type BlockInput struct {
	LotID   int64
	Reason  string
	ActorID int64
}
