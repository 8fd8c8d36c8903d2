package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

const (
	seqDispatch    = "dispatch"
	dispatchPrefix = "DSP"

	approvalModule = "OUTBOUND"
)

// RepositoryPort abstracts dispatch persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDispatch(ctx context.Context, id int64) (Dispatch, error)
	ListDispatches(ctx context.Context, status Status, page, perPage int) ([]Dispatch, int, error)
}

// TxRepository exposes the transactional operations of a dispatch mutation.
// Inventory binds the stock ledger to the same transaction so approval
// consumes every line or none.
type TxRepository interface {
	GetDispatchForUpdate(ctx context.Context, id int64) (Dispatch, error)
	InsertDispatch(ctx context.Context, d Dispatch) (int64, error)
	UpdateDispatch(ctx context.Context, d Dispatch) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, lineID int64) error
	NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error)
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
	Inventory() inventory.TxRepository
}

// ApprovalPort records and reads document approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref int64) ([]shared.ApprovalLog, error)
}

// Service drives the dispatch state machine.
type Service struct {
	repo      RepositoryPort
	ledger    *inventory.Ledger
	queries   *inventory.QueryService
	approvals ApprovalPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the outbound service. approvals may be nil.
func NewService(repo RepositoryPort, ledger *inventory.Ledger, queries *inventory.QueryService, approvals ApprovalPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledger, queries: queries, approvals: approvals, logger: logger, now: time.Now}
}

// Create opens a draft dispatch.
func (s *Service) Create(ctx context.Context, input CreateInput) (Dispatch, error) {
	if input.CustomerID == 0 {
		return Dispatch{}, fmt.Errorf("%w: customer required", ErrValidation)
	}
	var d Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, seqDispatch, dispatchPrefix, true)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		d = Dispatch{
			Number:        number,
			CustomerID:    input.CustomerID,
			LocationID:    input.LocationID,
			VehicleNumber: input.VehicleNumber,
			Status:        StatusDraft,
			Remarks:       input.Remarks,
			CreatedBy:     input.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		d.ID, err = tx.InsertDispatch(ctx, d)
		return err
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.logger.Info("dispatch created", slog.String("number", d.Number), slog.Int64("customer", d.CustomerID))
	return d, nil
}

// AddLine allocates weight from a lot onto a draft dispatch. The lot's
// eligibility is checked now for early feedback and again under lock at
// approval; nothing is reserved in between.
func (s *Service) AddLine(ctx context.Context, input AddLineInput) (Line, error) {
	w := weight.Quantize(input.Weight)
	if !w.IsPositive() {
		return Line{}, fmt.Errorf("%w: line weight must be positive", ErrValidation)
	}
	lot, err := s.queries.GetLot(ctx, input.LotID)
	if err != nil {
		return Line{}, err
	}
	if !lot.Consumable() {
		return Line{}, fmt.Errorf("%w: lot %s is not consumable", ErrValidation, lot.LotNumber)
	}
	if lot.CurrentWeight.LessThan(w) {
		return Line{}, fmt.Errorf("%w: lot %s holds %s kg, requested %s kg",
			inventory.ErrInsufficientStock, lot.LotNumber, lot.CurrentWeight.StringFixed(weight.Places), w.StringFixed(weight.Places))
	}

	var line Line
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if !d.Status.Editable() {
			return fmt.Errorf("%w: cannot add lines to a %s dispatch", ErrInvalidState, d.Status)
		}
		for _, existing := range d.Lines {
			if existing.LotID == input.LotID {
				return fmt.Errorf("%w: lot %s is already on this dispatch", ErrValidation, lot.LotNumber)
			}
		}
		line = Line{
			DispatchID: d.ID,
			LotID:      lot.ID,
			LotNumber:  lot.LotNumber,
			Weight:     w,
		}
		line.ID, err = tx.InsertLine(ctx, line)
		if err != nil {
			return err
		}
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

// AutoPick fills a draft dispatch from the FIFO plan for a material. The
// dispatch must have no lines yet; a dispatch bound to a location picks
// only from lots in that location.
func (s *Service) AutoPick(ctx context.Context, input AutoPickInput) (Dispatch, error) {
	d, err := s.repo.GetDispatch(ctx, input.DispatchID)
	if err != nil {
		return Dispatch{}, err
	}
	plan, err := s.queries.PickForFIFO(ctx, input.MaterialID, input.Required, d.LocationID)
	if err != nil {
		return Dispatch{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if !d.Status.Editable() {
			return fmt.Errorf("%w: cannot auto-pick onto a %s dispatch", ErrInvalidState, d.Status)
		}
		if len(d.Lines) > 0 {
			return fmt.Errorf("%w: dispatch already has lines", ErrInvalidState)
		}
		for _, item := range plan.Items {
			line := Line{
				DispatchID: d.ID,
				LotID:      item.LotID,
				LotNumber:  item.LotNumber,
				Weight:     item.Take,
			}
			if line.ID, err = tx.InsertLine(ctx, line); err != nil {
				return err
			}
			d.Lines = append(d.Lines, line)
		}
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.logger.Info("dispatch auto-picked",
		slog.String("number", d.Number), slog.Int("lots", len(d.Lines)), slog.String("required", plan.Required.String()))
	return d, nil
}

// RemoveLine deletes a line from a draft dispatch.
func (s *Service) RemoveLine(ctx context.Context, dispatchID, lineID, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDispatchForUpdate(ctx, dispatchID)
		if err != nil {
			return err
		}
		if !d.Status.Editable() {
			return fmt.Errorf("%w: cannot remove lines from a %s dispatch", ErrInvalidState, d.Status)
		}
		if findLine(d, lineID) == nil {
			return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
		}
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		return s.touch(ctx, tx, d)
	})
}

// RecordWeighment captures the outgoing weighbridge ticket.
func (s *Service) RecordWeighment(ctx context.Context, input WeighmentInput) (Dispatch, error) {
	if input.TicketNumber == "" {
		return Dispatch{}, fmt.Errorf("%w: weighbridge ticket required", ErrValidation)
	}
	gross := weight.Quantize(input.GrossVehicleWeight)
	tare := weight.Quantize(input.TareVehicleWeight)
	if !gross.IsPositive() || tare.IsNegative() || !gross.GreaterThan(tare) {
		return Dispatch{}, fmt.Errorf("%w: gross vehicle weight must exceed tare", ErrValidation)
	}
	var d Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if !d.Status.Editable() {
			return fmt.Errorf("%w: cannot record weighment on a %s dispatch", ErrInvalidState, d.Status)
		}
		d.Weighbridge = Weighbridge{
			GrossVehicleWeight: gross,
			TareVehicleWeight:  tare,
			TicketNumber:       input.TicketNumber,
			WeighedAt:          s.now().UTC(),
		}
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

// Submit moves a draft to submitted. Lines and a weighbridge capture are
// required.
func (s *Service) Submit(ctx context.Context, input ActionInput) (Dispatch, error) {
	var d Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if d.Status != StatusDraft {
			return fmt.Errorf("%w: only draft dispatches can be submitted, got %s", ErrInvalidState, d.Status)
		}
		if len(d.Lines) == 0 {
			return fmt.Errorf("%w: dispatch has no lines", ErrInvalidState)
		}
		if !d.Weighbridge.Recorded() {
			return fmt.Errorf("%w: weighbridge capture required before submit", ErrInvalidState)
		}
		d.Status = StatusSubmitted
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.recordApproval(ctx, d.ID, input.ActorID, shared.ApprovalSubmit, input.Note)
	return d, nil
}

// Approve finalises a submitted dispatch. Every line consumes its weight
// from its lot through the ledger inside one transaction; if any lot has
// become blocked, QA-revoked or short since allocation, the whole approval
// fails and nothing leaves stock. The idempotency key is claimed in that
// same transaction, so a failed approval rolls the claim back with the
// document.
func (s *Service) Approve(ctx context.Context, input ActionInput) (Dispatch, error) {
	var d Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if d.Status != StatusSubmitted {
			return fmt.Errorf("%w: only submitted dispatches can be approved, got %s", ErrInvalidState, d.Status)
		}
		if err := tx.ClaimIdempotencyKey(ctx, approvalModule+":"+d.Number, approvalModule); err != nil {
			return err
		}

		invTx := tx.Inventory()
		now := s.now().UTC()
		for i := range d.Lines {
			line := &d.Lines[i]
			mov, _, err := s.ledger.ConsumeTx(ctx, invTx, inventory.ConsumeInput{
				LotID:     line.LotID,
				Weight:    line.Weight,
				Type:      inventory.MovementOutwardSale,
				ActorID:   input.ActorID,
				Reason:    fmt.Sprintf("Dispatch %s", d.Number),
				Reference: inventory.Reference{Type: "dispatch", ID: d.ID, Number: d.Number},
			})
			if err != nil {
				return fmt.Errorf("line %d (lot %s): %w", line.ID, line.LotNumber, err)
			}
			line.MovementID = mov.ID
			if err := tx.UpdateLine(ctx, *line); err != nil {
				return err
			}
		}

		d.Status = StatusApproved
		d.ApprovedBy = input.ActorID
		d.ApprovedAt = &now
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.recordApproval(ctx, d.ID, input.ActorID, shared.ApprovalApprove, input.Note)
	s.logger.Info("dispatch approved", slog.String("number", d.Number), slog.Int("lines", len(d.Lines)))
	return d, nil
}

// Cancel voids a dispatch that has not been approved yet.
func (s *Service) Cancel(ctx context.Context, input ActionInput) (Dispatch, error) {
	var d Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.GetDispatchForUpdate(ctx, input.DispatchID)
		if err != nil {
			return err
		}
		if d.Status == StatusApproved {
			return fmt.Errorf("%w: approved dispatches are immutable", ErrInvalidState)
		}
		if d.Status == StatusCancelled {
			return fmt.Errorf("%w: dispatch already cancelled", ErrInvalidState)
		}
		d.Status = StatusCancelled
		return s.touch(ctx, tx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.recordApproval(ctx, d.ID, input.ActorID, shared.ApprovalCancel, input.Note)
	return d, nil
}

// Get fetches a dispatch with lines.
func (s *Service) Get(ctx context.Context, id int64) (Dispatch, error) {
	return s.repo.GetDispatch(ctx, id)
}

// ApprovalTrail returns the submit/approve/cancel history of a dispatch in
// chronological order.
func (s *Service) ApprovalTrail(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetDispatch(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, id)
}

// List pages over dispatches, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, page, perPage int) ([]Dispatch, shared.Pagination, error) {
	if status != "" && !status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	dispatches, total, err := s.repo.ListDispatches(ctx, status, page, perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return dispatches, shared.NewPagination(page, perPage, total), nil
}

func (s *Service) touch(ctx context.Context, tx TxRepository, d Dispatch) error {
	d.UpdatedAt = s.now().UTC()
	return tx.UpdateDispatch(ctx, d)
}

func (s *Service) recordApproval(ctx context.Context, refID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module: approvalModule, RefID: refID, ActorID: actorID, Action: action, Note: note,
	}); err != nil {
		s.logger.Warn("record dispatch approval", slog.Any("error", err))
	}
}

func findLine(d Dispatch, lineID int64) *Line {
	for i := range d.Lines {
		if d.Lines[i].ID == lineID {
			return &d.Lines[i]
		}
	}
	return nil
}
