package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Sequence names owned by the ledger.
const (
	seqLot      = "lot"
	seqMovement = "movement"

	lotPrefix      = "LOT"
	movementPrefix = "MOV"
)

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the transactional operations a ledger mutation needs.
// GetLotForUpdate must hold an exclusive row lock until the transaction ends
// and translate lock timeouts to ErrBusy.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error)
	InsertLot(ctx context.Context, lot StockLot) (int64, error)
	UpdateLot(ctx context.Context, lot StockLot) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MovementRecorder counts posted movements, typically a Prometheus counter.
type MovementRecorder interface {
	MovementPosted(movementType string)
}

// CacheBumper invalidates read-side caches after a committed mutation.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// Ledger is the only mutation path for stock lots. Every operation locks the
// target lot row, derives the new weight, writes exactly one movement record
// and updates the lot inside a single transaction.
type Ledger struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MovementRecorder
	cache   CacheBumper
	now     func() time.Time
}

// NewLedger constructs a Ledger. audit, metrics and cache may be nil.
func NewLedger(repo RepositoryPort, audit AuditPort, metrics MovementRecorder, cache CacheBumper) *Ledger {
	return &Ledger{repo: repo, audit: audit, metrics: metrics, cache: cache, now: time.Now}
}

// CreateFromInbound mints a new lot from an approved inbound line item.
// This is the only path by which new stock enters the system.
func (l *Ledger) CreateFromInbound(ctx context.Context, input CreateFromInboundInput) (StockLot, Movement, error) {
	var (
		lot StockLot
		mov Movement
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, mov, err = l.CreateFromInboundTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return StockLot{}, Movement{}, err
	}
	l.afterCommit(ctx, input.ActorID, "inventory:create_lot", lot.LotNumber, mov)
	return lot, mov, nil
}

// CreateFromInboundTx is CreateFromInbound running inside a caller-owned
// transaction, used by the inbound workflow to make whole-document approval
// atomic.
func (l *Ledger) CreateFromInboundTx(ctx context.Context, tx TxRepository, input CreateFromInboundInput) (StockLot, Movement, error) {
	if input.MaterialID == 0 {
		return StockLot{}, Movement{}, fmt.Errorf("%w: material required", ErrInvalidOperation)
	}
	w := weight.Quantize(input.Weight)
	if !w.IsPositive() {
		return StockLot{}, Movement{}, fmt.Errorf("%w: weight must be positive", ErrInvalidOperation)
	}
	if !input.QAStatus.IsValid() {
		return StockLot{}, Movement{}, fmt.Errorf("%w: unknown qa status %q", ErrInvalidOperation, input.QAStatus)
	}

	lotNumber, err := tx.NextNumber(ctx, seqLot, lotPrefix, true)
	if err != nil {
		return StockLot{}, Movement{}, err
	}
	now := l.now().UTC()
	qty := input.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	lot := StockLot{
		LotNumber:     lotNumber,
		MaterialID:    input.MaterialID,
		HeatNumber:    input.HeatNumber,
		BatchNumber:   input.BatchNumber,
		CoilNumber:    input.CoilNumber,
		GrossWeight:   w,
		TareWeight:    decimal.Zero,
		NetWeight:     w,
		CurrentWeight: w,
		InitialQty:    qty,
		CurrentQty:    qty,
		Unit:          input.Unit,
		VendorID:      input.VendorID,
		GRNID:         input.GRNID,
		PurchaseRate:  input.PurchaseRate,
		QAStatus:      input.QAStatus,
		LocationID:    input.LocationID,
		ReceivedDate:  now,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	lot.ID, err = tx.InsertLot(ctx, lot)
	if err != nil {
		return StockLot{}, Movement{}, err
	}

	mov, err := l.appendMovement(ctx, tx, Movement{
		LotID:          lot.ID,
		Type:           MovementInwardPurchase,
		WeightChange:   w,
		WeightBefore:   decimal.Zero,
		WeightAfter:    w,
		QuantityChange: qty,
		Reference:      input.Reference,
		ToLocationID:   input.LocationID,
		CreatedBy:      input.ActorID,
		MovementDate:   now,
	})
	if err != nil {
		return StockLot{}, Movement{}, err
	}
	return lot, mov, nil
}

// Consume draws weight down from a lot.
func (l *Ledger) Consume(ctx context.Context, input ConsumeInput) (Movement, StockLot, error) {
	var (
		mov Movement
		lot StockLot
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mov, lot, err = l.ConsumeTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Movement{}, StockLot{}, err
	}
	l.afterCommit(ctx, input.ActorID, "inventory:consume", lot.LotNumber, mov)
	return mov, lot, nil
}

// ConsumeTx is Consume within a caller-owned transaction.
func (l *Ledger) ConsumeTx(ctx context.Context, tx TxRepository, input ConsumeInput) (Movement, StockLot, error) {
	w := weight.Quantize(input.Weight)
	if !w.IsPositive() {
		return Movement{}, StockLot{}, fmt.Errorf("%w: consume weight must be positive", ErrInvalidOperation)
	}
	movementType := input.Type
	if movementType == "" {
		movementType = MovementConsumption
	}
	if !movementType.IsOutward() {
		return Movement{}, StockLot{}, fmt.Errorf("%w: %s is not an outward movement type", ErrInvalidOperation, movementType)
	}

	lot, err := tx.GetLotForUpdate(ctx, input.LotID)
	if err != nil {
		return Movement{}, StockLot{}, err
	}
	if !lot.IsActive {
		return Movement{}, StockLot{}, fmt.Errorf("%w: lot %s is not active (fully consumed or voided)", ErrInvalidOperation, lot.LotNumber)
	}
	if lot.IsBlocked {
		return Movement{}, StockLot{}, fmt.Errorf("%w: lot %s is blocked: %s", ErrInvalidOperation, lot.LotNumber, lot.BlockReason)
	}
	if !lot.QAStatus.AllowsConsumption() {
		return Movement{}, StockLot{}, fmt.Errorf("%w: lot %s is not QA approved (status %s)", ErrInvalidOperation, lot.LotNumber, lot.QAStatus)
	}
	if lot.CurrentWeight.LessThan(w) {
		return Movement{}, StockLot{}, fmt.Errorf("%w: lot %s holds %s kg, requested %s kg",
			ErrInsufficientStock, lot.LotNumber, lot.CurrentWeight.StringFixed(weight.Places), w.StringFixed(weight.Places))
	}

	before := lot.CurrentWeight
	after := weight.Quantize(before.Sub(w))
	now := l.now().UTC()

	mov, err := l.appendMovement(ctx, tx, Movement{
		LotID:          lot.ID,
		Type:           movementType,
		WeightChange:   w.Neg(),
		WeightBefore:   before,
		WeightAfter:    after,
		Reference:      input.Reference,
		FromLocationID: lot.LocationID,
		Reason:         input.Reason,
		CreatedBy:      input.ActorID,
		MovementDate:   now,
	})
	if err != nil {
		return Movement{}, StockLot{}, err
	}

	lot.CurrentWeight = after
	if !lot.CurrentWeight.IsPositive() {
		// Pin to exactly zero; never leave a negative epsilon from rounding.
		lot.CurrentWeight = decimal.Zero
		lot.IsActive = false
	}
	lot.UpdatedAt = now
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return Movement{}, StockLot{}, err
	}
	return mov, lot, nil
}

// Adjust sets the lot to a new absolute weight. Negative adjustments are a
// loss and require an approver.
func (l *Ledger) Adjust(ctx context.Context, input AdjustInput) (Movement, StockLot, error) {
	var (
		mov Movement
		lot StockLot
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		newWeight := weight.Quantize(input.NewWeight)
		if newWeight.IsNegative() {
			return fmt.Errorf("%w: adjusted weight cannot be negative", ErrInvalidOperation)
		}

		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}

		delta := newWeight.Sub(lot.CurrentWeight)
		if delta.IsZero() {
			return fmt.Errorf("%w: no weight change specified", ErrInvalidOperation)
		}
		movementType := MovementAdjustmentPlus
		var approvedAt *time.Time
		if delta.IsNegative() {
			movementType = MovementAdjustmentMinus
			if input.ApproverID == 0 {
				return fmt.Errorf("%w: negative stock adjustments require approval", ErrInvalidOperation)
			}
		}
		now := l.now().UTC()
		if input.ApproverID != 0 {
			approvedAt = &now
		}

		mov, err = l.appendMovement(ctx, tx, Movement{
			LotID:        lot.ID,
			Type:         movementType,
			WeightChange: delta,
			WeightBefore: lot.CurrentWeight,
			WeightAfter:  newWeight,
			Reason:       input.Reason,
			CreatedBy:    input.ActorID,
			ApprovedBy:   input.ApproverID,
			ApprovedAt:   approvedAt,
			MovementDate: now,
		})
		if err != nil {
			return err
		}

		lot.CurrentWeight = newWeight
		if !lot.CurrentWeight.IsPositive() {
			lot.CurrentWeight = decimal.Zero
			lot.IsActive = false
		} else if !lot.IsActive {
			// A positive adjustment brings a fully consumed lot back.
			lot.IsActive = true
		}
		lot.UpdatedAt = now
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		return Movement{}, StockLot{}, err
	}
	l.afterCommit(ctx, input.ActorID, "inventory:adjust", lot.LotNumber, mov)
	return mov, lot, nil
}

// TransferLocation moves the lot between storage locations. Weight does not
// change; the zero-weight movement exists to keep location history in the
// ledger.
func (l *Ledger) TransferLocation(ctx context.Context, input TransferInput) (Movement, StockLot, error) {
	var (
		mov Movement
		lot StockLot
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.ToLocationID == 0 {
			return fmt.Errorf("%w: destination location required", ErrInvalidOperation)
		}
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.LocationID == input.ToLocationID {
			return fmt.Errorf("%w: lot %s is already at the specified location", ErrInvalidOperation, lot.LotNumber)
		}

		now := l.now().UTC()
		reason := input.Reason
		if reason == "" {
			reason = "Location transfer"
		}
		mov, err = l.appendMovement(ctx, tx, Movement{
			LotID:          lot.ID,
			Type:           MovementInwardTransfer,
			WeightChange:   decimal.Zero,
			WeightBefore:   lot.CurrentWeight,
			WeightAfter:    lot.CurrentWeight,
			FromLocationID: lot.LocationID,
			ToLocationID:   input.ToLocationID,
			Reason:         reason,
			CreatedBy:      input.ActorID,
			MovementDate:   now,
		})
		if err != nil {
			return err
		}
		lot.LocationID = input.ToLocationID
		lot.UpdatedAt = now
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		return Movement{}, StockLot{}, err
	}
	l.afterCommit(ctx, input.ActorID, "inventory:transfer", lot.LotNumber, mov)
	return mov, lot, nil
}

// Split carves child lots out of a parent, conserving weight exactly:
// sum(children) + parent remainder == parent weight before the split.
func (l *Ledger) Split(ctx context.Context, input SplitInput) ([]StockLot, error) {
	var children []StockLot
	var parentNumber string
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if len(input.Weights) == 0 {
			return fmt.Errorf("%w: at least one split weight required", ErrInvalidOperation)
		}
		total := decimal.Zero
		weights := make([]decimal.Decimal, 0, len(input.Weights))
		for _, raw := range input.Weights {
			w := weight.Quantize(raw)
			if !w.IsPositive() {
				return fmt.Errorf("%w: split weights must be positive", ErrInvalidOperation)
			}
			weights = append(weights, w)
			total = total.Add(w)
		}

		parent, err := tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		parentNumber = parent.LotNumber
		if !parent.IsActive {
			return fmt.Errorf("%w: lot %s is not active", ErrInvalidOperation, parent.LotNumber)
		}
		if total.GreaterThan(parent.CurrentWeight) {
			return fmt.Errorf("%w: total split weight %s kg exceeds available %s kg",
				ErrInsufficientStock, total.StringFixed(weight.Places), parent.CurrentWeight.StringFixed(weight.Places))
		}

		now := l.now().UTC()
		children = make([]StockLot, 0, len(weights))
		for _, w := range weights {
			lotNumber, err := tx.NextNumber(ctx, seqLot, lotPrefix, true)
			if err != nil {
				return err
			}
			child := StockLot{
				LotNumber:     lotNumber,
				MaterialID:    parent.MaterialID,
				HeatNumber:    parent.HeatNumber,
				BatchNumber:   parent.BatchNumber,
				CoilNumber:    parent.CoilNumber,
				GrossWeight:   w,
				TareWeight:    decimal.Zero,
				NetWeight:     w,
				CurrentWeight: w,
				InitialQty:    decimal.NewFromInt(1),
				CurrentQty:    decimal.NewFromInt(1),
				Unit:          parent.Unit,
				VendorID:      parent.VendorID,
				GRNID:         parent.GRNID,
				PurchaseRate:  parent.PurchaseRate,
				QAStatus:      parent.QAStatus,
				LocationID:    parent.LocationID,
				ReceivedDate:  parent.ReceivedDate,
				IsActive:      true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			child.ID, err = tx.InsertLot(ctx, child)
			if err != nil {
				return err
			}
			if _, err := l.appendMovement(ctx, tx, Movement{
				LotID:        child.ID,
				Type:         MovementSplit,
				WeightChange: w,
				WeightBefore: decimal.Zero,
				WeightAfter:  w,
				Reference:    Reference{Type: "split_from", ID: parent.ID, Number: parent.LotNumber},
				Reason:       fmt.Sprintf("Split from lot %s", parent.LotNumber),
				CreatedBy:    input.ActorID,
				MovementDate: now,
			}); err != nil {
				return err
			}
			children = append(children, child)
		}

		after := weight.Quantize(parent.CurrentWeight.Sub(total))
		if _, err := l.appendMovement(ctx, tx, Movement{
			LotID:        parent.ID,
			Type:         MovementSplit,
			WeightChange: total.Neg(),
			WeightBefore: parent.CurrentWeight,
			WeightAfter:  after,
			Reason:       input.Reason,
			CreatedBy:    input.ActorID,
			MovementDate: now,
		}); err != nil {
			return err
		}
		parent.CurrentWeight = after
		if !parent.CurrentWeight.IsPositive() {
			parent.CurrentWeight = decimal.Zero
			parent.IsActive = false
		}
		parent.UpdatedAt = now
		return tx.UpdateLot(ctx, parent)
	})
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.MovementPosted(string(MovementSplit))
	}
	l.recordAudit(ctx, input.ActorID, "inventory:split", parentNumber, map[string]any{"children": len(children)})
	l.bumpCache(ctx)
	return children, nil
}

// Block places a manual hold on the lot. Blocked lots are never consumable
// and never FIFO-picked.
func (l *Ledger) Block(ctx context.Context, input BlockInput) (StockLot, error) {
	var lot StockLot
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.Reason == "" {
			return fmt.Errorf("%w: block reason required", ErrInvalidOperation)
		}
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.IsBlocked {
			return fmt.Errorf("%w: lot %s is already blocked", ErrInvalidOperation, lot.LotNumber)
		}
		lot.IsBlocked = true
		lot.BlockReason = input.Reason
		lot.UpdatedAt = l.now().UTC()
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		return StockLot{}, err
	}
	l.recordAudit(ctx, input.ActorID, "inventory:block", lot.LotNumber, map[string]any{"reason": input.Reason})
	l.bumpCache(ctx)
	return lot, nil
}

// Unblock lifts a manual hold.
func (l *Ledger) Unblock(ctx context.Context, input BlockInput) (StockLot, error) {
	var lot StockLot
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if !lot.IsBlocked {
			return fmt.Errorf("%w: lot %s is not blocked", ErrInvalidOperation, lot.LotNumber)
		}
		lot.IsBlocked = false
		lot.BlockReason = ""
		lot.UpdatedAt = l.now().UTC()
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		return StockLot{}, err
	}
	l.recordAudit(ctx, input.ActorID, "inventory:unblock", lot.LotNumber, nil)
	l.bumpCache(ctx)
	return lot, nil
}

// appendMovement allocates a movement number and writes the row.
func (l *Ledger) appendMovement(ctx context.Context, tx TxRepository, m Movement) (Movement, error) {
	number, err := tx.NextNumber(ctx, seqMovement, movementPrefix, true)
	if err != nil {
		return Movement{}, err
	}
	m.Number = number
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.MovementDate
	}
	m.ID, err = tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

func (l *Ledger) afterCommit(ctx context.Context, actorID int64, action, lotNumber string, mov Movement) {
	if l.metrics != nil {
		l.metrics.MovementPosted(string(mov.Type))
	}
	l.recordAudit(ctx, actorID, action, lotNumber, map[string]any{
		"movement": mov.Number,
		"change":   mov.WeightChange.StringFixed(weight.Places),
	})
	l.bumpCache(ctx)
}

func (l *Ledger) recordAudit(ctx context.Context, actorID int64, action, lotNumber string, meta map[string]any) {
	if l.audit == nil {
		return
	}
	_ = l.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_lot",
		EntityID: lotNumber,
		Meta:     meta,
	})
}

func (l *Ledger) bumpCache(ctx context.Context) {
	if l.cache == nil {
		return
	}
	_ = l.cache.Bump(ctx)
}
