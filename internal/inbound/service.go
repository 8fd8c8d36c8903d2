package inbound

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
	seqGRN    = "grn"
	grnPrefix = "GRN"

	approvalModule = "INBOUND"
)

// RepositoryPort abstracts GRN persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetGRN(ctx context.Context, id int64) (GRN, error)
	ListGRNs(ctx context.Context, status Status, page, perPage int) ([]GRN, int, error)
}

// TxRepository exposes the transactional operations of a GRN mutation.
// Inventory hands back the stock ledger's operations bound to the same
// transaction, which is what makes whole-document approval atomic.
type TxRepository interface {
	GetGRNForUpdate(ctx context.Context, id int64) (GRN, error)
	InsertGRN(ctx context.Context, grn GRN) (int64, error)
	UpdateGRN(ctx context.Context, grn GRN) error
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

// Service drives the GRN state machine.
type Service struct {
	repo      RepositoryPort
	ledger    *inventory.Ledger
	approvals ApprovalPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the inbound service. approvals may be nil.
func NewService(repo RepositoryPort, ledger *inventory.Ledger, approvals ApprovalPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledger, approvals: approvals, logger: logger, now: time.Now}
}

// Create opens a draft GRN.
func (s *Service) Create(ctx context.Context, input CreateInput) (GRN, error) {
	if input.VendorID == 0 {
		return GRN{}, fmt.Errorf("%w: vendor required", ErrValidation)
	}
	if input.LocationID == 0 {
		return GRN{}, fmt.Errorf("%w: receiving location required", ErrValidation)
	}
	var grn GRN
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, seqGRN, grnPrefix, true)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		grn = GRN{
			Number:        number,
			VendorID:      input.VendorID,
			LocationID:    input.LocationID,
			VehicleNumber: input.VehicleNumber,
			ChallanNumber: input.ChallanNumber,
			Status:        StatusDraft,
			Remarks:       input.Remarks,
			CreatedBy:     input.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		grn.ID, err = tx.InsertGRN(ctx, grn)
		return err
	})
	if err != nil {
		return GRN{}, err
	}
	s.logger.Info("grn created", slog.String("number", grn.Number), slog.Int64("vendor", grn.VendorID))
	return grn, nil
}

// AddLine appends an item to a draft GRN. The declared weight is normalized
// to kilograms before it is stored.
func (s *Service) AddLine(ctx context.Context, input AddLineInput) (Line, error) {
	if input.MaterialID == 0 {
		return Line{}, fmt.Errorf("%w: material required", ErrValidation)
	}
	normalized, err := weight.NormalizeDecimal(input.Weight, input.Unit)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !normalized.IsPositive() {
		return Line{}, fmt.Errorf("%w: line weight must be positive", ErrValidation)
	}
	var line Line
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if !grn.Status.Editable() {
			return fmt.Errorf("%w: cannot add lines to a %s GRN", ErrInvalidState, grn.Status)
		}
		line = Line{
			GRNID:       grn.ID,
			MaterialID:  input.MaterialID,
			HeatNumber:  input.HeatNumber,
			BatchNumber: input.BatchNumber,
			CoilNumber:  input.CoilNumber,
			Weight:      normalized,
			Quantity:    input.Quantity,
			Unit:        input.Unit,
			Rate:        input.Rate,
			QAStatus:    inventory.QAPending,
		}
		line.ID, err = tx.InsertLine(ctx, line)
		if err != nil {
			return err
		}
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

// RemoveLine deletes a line from a draft GRN.
func (s *Service) RemoveLine(ctx context.Context, grnID, lineID, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if !grn.Status.Editable() {
			return fmt.Errorf("%w: cannot remove lines from a %s GRN", ErrInvalidState, grn.Status)
		}
		if findLine(grn, lineID) == nil {
			return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
		}
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		return s.touch(ctx, tx, grn)
	})
}

// RecordWeighment captures the weighbridge ticket for the vehicle.
func (s *Service) RecordWeighment(ctx context.Context, input WeighmentInput) (GRN, error) {
	if input.TicketNumber == "" {
		return GRN{}, fmt.Errorf("%w: weighbridge ticket required", ErrValidation)
	}
	gross := weight.Quantize(input.GrossVehicleWeight)
	tare := weight.Quantize(input.TareVehicleWeight)
	if !gross.IsPositive() || tare.IsNegative() || !gross.GreaterThan(tare) {
		return GRN{}, fmt.Errorf("%w: gross vehicle weight must exceed tare", ErrValidation)
	}
	var grn GRN
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		grn, err = tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if !grn.Status.Editable() {
			return fmt.Errorf("%w: cannot record weighment on a %s GRN", ErrInvalidState, grn.Status)
		}
		grn.Weighbridge = Weighbridge{
			GrossVehicleWeight: gross,
			TareVehicleWeight:  tare,
			TicketNumber:       input.TicketNumber,
			WeighedAt:          s.now().UTC(),
		}
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return GRN{}, err
	}
	return grn, nil
}

// RecordQA sets the inspection result on a line. Allowed until the document
// is approved or cancelled.
func (s *Service) RecordQA(ctx context.Context, input QAInput) (Line, error) {
	if !input.Status.IsValid() {
		return Line{}, fmt.Errorf("%w: unknown qa status %q", ErrValidation, input.Status)
	}
	var line Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if grn.Status == StatusApproved || grn.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot record QA on a %s GRN", ErrInvalidState, grn.Status)
		}
		found := findLine(grn, input.LineID)
		if found == nil {
			return fmt.Errorf("%w: line %d", ErrNotFound, input.LineID)
		}
		found.QAStatus = input.Status
		found.QARemarks = input.Remarks
		if err := tx.UpdateLine(ctx, *found); err != nil {
			return err
		}
		line = *found
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

// Submit moves a draft to submitted. A GRN without lines or without a
// weighbridge capture cannot be submitted.
func (s *Service) Submit(ctx context.Context, input ActionInput) (GRN, error) {
	var grn GRN
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		grn, err = tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if grn.Status != StatusDraft {
			return fmt.Errorf("%w: only draft GRNs can be submitted, got %s", ErrInvalidState, grn.Status)
		}
		if len(grn.Lines) == 0 {
			return fmt.Errorf("%w: GRN has no lines", ErrInvalidState)
		}
		if !grn.Weighbridge.Recorded() {
			return fmt.Errorf("%w: weighbridge capture required before submit", ErrInvalidState)
		}
		grn.Status = StatusSubmitted
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return GRN{}, err
	}
	s.recordApproval(ctx, grn.ID, input.ActorID, shared.ApprovalSubmit, input.Note)
	return grn, nil
}

// Approve finalises a submitted GRN. Every QA-cleared line mints a stock lot
// through the ledger inside the same transaction; if any line is still QA
// pending, or any lot cannot be created, the whole approval fails and no
// stock appears. The idempotency key is claimed in that same transaction,
// so a failed approval rolls the claim back with the document.
func (s *Service) Approve(ctx context.Context, input ActionInput) (GRN, error) {
	var grn GRN
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		grn, err = tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if grn.Status != StatusSubmitted {
			return fmt.Errorf("%w: only submitted GRNs can be approved, got %s", ErrInvalidState, grn.Status)
		}
		if err := tx.ClaimIdempotencyKey(ctx, approvalModule+":"+grn.Number, approvalModule); err != nil {
			return err
		}
		for _, line := range grn.Lines {
			if line.QAStatus == inventory.QAPending {
				return fmt.Errorf("%w: line %d is awaiting QA inspection", ErrInvalidState, line.ID)
			}
		}

		invTx := tx.Inventory()
		now := s.now().UTC()
		for i := range grn.Lines {
			line := &grn.Lines[i]
			if !line.QAStatus.AllowsConsumption() {
				// Rejected and held material never becomes stock.
				continue
			}
			lot, _, err := s.ledger.CreateFromInboundTx(ctx, invTx, inventory.CreateFromInboundInput{
				MaterialID:   line.MaterialID,
				HeatNumber:   line.HeatNumber,
				BatchNumber:  line.BatchNumber,
				CoilNumber:   line.CoilNumber,
				Weight:       line.Weight,
				Quantity:     line.Quantity,
				Unit:         line.Unit,
				QAStatus:     line.QAStatus,
				VendorID:     grn.VendorID,
				GRNID:        grn.ID,
				PurchaseRate: line.Rate,
				LocationID:   grn.LocationID,
				Reference:    inventory.Reference{Type: "grn", ID: grn.ID, Number: grn.Number},
				ActorID:      input.ActorID,
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", line.ID, err)
			}
			line.LotID = lot.ID
			if err := tx.UpdateLine(ctx, *line); err != nil {
				return err
			}
		}

		grn.Status = StatusApproved
		grn.ApprovedBy = input.ActorID
		grn.ApprovedAt = &now
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return GRN{}, err
	}
	s.recordApproval(ctx, grn.ID, input.ActorID, shared.ApprovalApprove, input.Note)
	s.logger.Info("grn approved", slog.String("number", grn.Number), slog.Int("lines", len(grn.Lines)))
	return grn, nil
}

// Cancel voids a GRN that has not been approved yet.
func (s *Service) Cancel(ctx context.Context, input ActionInput) (GRN, error) {
	var grn GRN
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		grn, err = tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if grn.Status == StatusApproved {
			return fmt.Errorf("%w: approved GRNs are immutable", ErrInvalidState)
		}
		if grn.Status == StatusCancelled {
			return fmt.Errorf("%w: GRN already cancelled", ErrInvalidState)
		}
		grn.Status = StatusCancelled
		return s.touch(ctx, tx, grn)
	})
	if err != nil {
		return GRN{}, err
	}
	s.recordApproval(ctx, grn.ID, input.ActorID, shared.ApprovalCancel, input.Note)
	return grn, nil
}

// Get fetches a GRN with lines.
func (s *Service) Get(ctx context.Context, id int64) (GRN, error) {
	return s.repo.GetGRN(ctx, id)
}

// ApprovalTrail returns the submit/approve/cancel history of a GRN in
// chronological order.
func (s *Service) ApprovalTrail(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetGRN(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, id)
}

// List pages over GRNs, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, page, perPage int) ([]GRN, shared.Pagination, error) {
	if status != "" && !status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	grns, total, err := s.repo.ListGRNs(ctx, status, page, perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return grns, shared.NewPagination(page, perPage, total), nil
}

func (s *Service) touch(ctx context.Context, tx TxRepository, grn GRN) error {
	grn.UpdatedAt = s.now().UTC()
	return tx.UpdateGRN(ctx, grn)
}

func (s *Service) recordApproval(ctx context.Context, refID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module: approvalModule, RefID: refID, ActorID: actorID, Action: action, Note: note,
	}); err != nil {
		s.logger.Warn("record grn approval", slog.Any("error", err))
	}
}

func findLine(grn GRN, lineID int64) *Line {
	for i := range grn.Lines {
		if grn.Lines[i].ID == lineID {
			return &grn.Lines[i]
		}
	}
	return nil
}
