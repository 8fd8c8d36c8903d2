package inbound

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/sequence"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// memoryInventory implements inventory.TxRepository so GRN approval can mint
// lots without a database.
type memoryInventory struct {
	lots      map[int64]inventory.StockLot
	movements []inventory.Movement
	counters  map[string]int64
	nextLotID int64
	nextMovID int64
}

func (m *memoryInventory) GetLotForUpdate(ctx context.Context, lotID int64) (inventory.StockLot, error) {
	lot, ok := m.lots[lotID]
	if !ok {
		return inventory.StockLot{}, inventory.ErrNotFound
	}
	return lot, nil
}

func (m *memoryInventory) InsertLot(ctx context.Context, lot inventory.StockLot) (int64, error) {
	m.nextLotID++
	lot.ID = m.nextLotID
	m.lots[lot.ID] = lot
	return lot.ID, nil
}

func (m *memoryInventory) UpdateLot(ctx context.Context, lot inventory.StockLot) error {
	if _, ok := m.lots[lot.ID]; !ok {
		return inventory.ErrNotFound
	}
	m.lots[lot.ID] = lot
	return nil
}

func (m *memoryInventory) InsertMovement(ctx context.Context, mov inventory.Movement) (int64, error) {
	m.nextMovID++
	mov.ID = m.nextMovID
	m.movements = append(m.movements, mov)
	return mov.ID, nil
}

func (m *memoryInventory) NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	m.counters[name]++
	return sequence.Format(prefix, 2024, m.counters[name], sequence.DefaultPadding, yearWise), nil
}

// memoryRepo implements RepositoryPort and TxRepository with snapshot
// rollback, sharing one "transaction" with the fake inventory store.
type memoryRepo struct {
	mu         sync.Mutex
	grns       map[int64]GRN
	lines      map[int64]Line
	counters   map[string]int64
	idemKeys   map[string]bool
	nextGRNID  int64
	nextLineID int64
	inv        *memoryInventory
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		grns:     make(map[int64]GRN),
		lines:    make(map[int64]Line),
		counters: make(map[string]int64),
		idemKeys: make(map[string]bool),
		inv: &memoryInventory{
			lots:     make(map[int64]inventory.StockLot),
			counters: make(map[string]int64),
		},
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	grnsSnap := make(map[int64]GRN, len(r.grns))
	for id, grn := range r.grns {
		grnsSnap[id] = grn
	}
	linesSnap := make(map[int64]Line, len(r.lines))
	for id, line := range r.lines {
		linesSnap[id] = line
	}
	countersSnap := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		countersSnap[k] = v
	}
	idemSnap := make(map[string]bool, len(r.idemKeys))
	for k, v := range r.idemKeys {
		idemSnap[k] = v
	}
	lotsSnap := make(map[int64]inventory.StockLot, len(r.inv.lots))
	for id, lot := range r.inv.lots {
		lotsSnap[id] = lot
	}
	movSnap := append([]inventory.Movement(nil), r.inv.movements...)
	invCountersSnap := make(map[string]int64, len(r.inv.counters))
	for k, v := range r.inv.counters {
		invCountersSnap[k] = v
	}
	grnID, lineID := r.nextGRNID, r.nextLineID
	lotID, movID := r.inv.nextLotID, r.inv.nextMovID

	if err := fn(ctx, r); err != nil {
		r.grns = grnsSnap
		r.lines = linesSnap
		r.counters = countersSnap
		r.idemKeys = idemSnap
		r.nextGRNID, r.nextLineID = grnID, lineID
		r.inv.lots = lotsSnap
		r.inv.movements = movSnap
		r.inv.counters = invCountersSnap
		r.inv.nextLotID, r.inv.nextMovID = lotID, movID
		return err
	}
	return nil
}

func (r *memoryRepo) Inventory() inventory.TxRepository { return r.inv }

func (r *memoryRepo) GetGRNForUpdate(ctx context.Context, id int64) (GRN, error) {
	grn, ok := r.grns[id]
	if !ok {
		return GRN{}, ErrNotFound
	}
	grn.Lines = r.linesFor(id)
	return grn, nil
}

func (r *memoryRepo) InsertGRN(ctx context.Context, grn GRN) (int64, error) {
	r.nextGRNID++
	grn.ID = r.nextGRNID
	grn.Lines = nil
	r.grns[grn.ID] = grn
	return grn.ID, nil
}

func (r *memoryRepo) UpdateGRN(ctx context.Context, grn GRN) error {
	if _, ok := r.grns[grn.ID]; !ok {
		return ErrNotFound
	}
	grn.Lines = nil
	r.grns[grn.ID] = grn
	return nil
}

func (r *memoryRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	r.nextLineID++
	line.ID = r.nextLineID
	r.lines[line.ID] = line
	return line.ID, nil
}

func (r *memoryRepo) UpdateLine(ctx context.Context, line Line) error {
	if _, ok := r.lines[line.ID]; !ok {
		return ErrNotFound
	}
	r.lines[line.ID] = line
	return nil
}

func (r *memoryRepo) DeleteLine(ctx context.Context, lineID int64) error {
	delete(r.lines, lineID)
	return nil
}

func (r *memoryRepo) NextNumber(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	r.counters[name]++
	return sequence.Format(prefix, 2024, r.counters[name], sequence.DefaultPadding, yearWise), nil
}

func (r *memoryRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if r.idemKeys[key] {
		return shared.ErrIdempotencyConflict
	}
	r.idemKeys[key] = true
	return nil
}

func (r *memoryRepo) GetGRN(ctx context.Context, id int64) (GRN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grn, ok := r.grns[id]
	if !ok {
		return GRN{}, ErrNotFound
	}
	grn.Lines = r.linesFor(id)
	return grn, nil
}

func (r *memoryRepo) ListGRNs(ctx context.Context, status Status, page, perPage int) ([]GRN, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var grns []GRN
	for _, grn := range r.grns {
		if status != "" && grn.Status != status {
			continue
		}
		grns = append(grns, grn)
	}
	sort.Slice(grns, func(i, j int) bool { return grns[i].ID > grns[j].ID })
	return grns, len(grns), nil
}

func (r *memoryRepo) linesFor(grnID int64) []Line {
	var lines []Line
	for _, line := range r.lines {
		if line.GRNID == grnID {
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

type recordedApprovals struct {
	logs []shared.ApprovalLog
}

func (a *recordedApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordedApprovals) List(ctx context.Context, module string, ref int64) ([]shared.ApprovalLog, error) {
	var logs []shared.ApprovalLog
	for _, log := range a.logs {
		if log.Module == module && log.RefID == ref {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(repo *memoryRepo, approvals ApprovalPort) *Service {
	s := NewService(repo, inventory.NewLedger(nil, nil, nil, nil), approvals, slog.Default())
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func draftGRN(t *testing.T, svc *Service) GRN {
	t.Helper()
	grn, err := svc.Create(context.Background(), CreateInput{VendorID: 5, LocationID: 10, VehicleNumber: "KA-01-AB-1234", ActorID: 7})
	require.NoError(t, err)
	return grn
}

func addLine(t *testing.T, svc *Service, grnID int64, weightVal string, unit weight.Unit) Line {
	t.Helper()
	line, err := svc.AddLine(context.Background(), AddLineInput{
		GRNID: grnID, MaterialID: 1, HeatNumber: "H-101", Weight: dec(weightVal), Unit: unit, Rate: dec("52.50"), ActorID: 7,
	})
	require.NoError(t, err)
	return line
}

func weigh(t *testing.T, svc *Service, grnID int64) {
	t.Helper()
	_, err := svc.RecordWeighment(context.Background(), WeighmentInput{
		GRNID: grnID, GrossVehicleWeight: dec("18500"), TareVehicleWeight: dec("8200"), TicketNumber: "WB-4471", ActorID: 7,
	})
	require.NoError(t, err)
}

func TestCreateAssignsYearWiseNumber(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	grn := draftGRN(t, svc)
	require.Equal(t, "GRN/2024/000001", grn.Number)
	require.Equal(t, StatusDraft, grn.Status)

	second := draftGRN(t, svc)
	require.Equal(t, "GRN/2024/000002", second.Number)
}

func TestCreateValidatesVendorAndLocation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	_, err := svc.Create(context.Background(), CreateInput{LocationID: 10, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(context.Background(), CreateInput{VendorID: 5, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAddLineNormalizesTonsToKilograms(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)

	line := addLine(t, svc, grn.ID, "2.5", weight.UnitTon)
	require.Equal(t, "2500.000", line.Weight.StringFixed(weight.Places))
	require.Equal(t, inventory.QAPending, line.QAStatus)
}

func TestAddLineRejectedOutsideDraft(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	weigh(t, svc, grn.ID)
	_, err := svc.Submit(context.Background(), ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)

	_, err = svc.AddLine(context.Background(), AddLineInput{
		GRNID: grn.ID, MaterialID: 1, Weight: dec("100"), Unit: weight.UnitKG, ActorID: 7,
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSubmitRequiresLinesAndWeighment(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)

	_, err := svc.Submit(context.Background(), ActionInput{GRNID: grn.ID, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidState)

	addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	_, err = svc.Submit(context.Background(), ActionInput{GRNID: grn.ID, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Contains(t, err.Error(), "weighbridge")

	weigh(t, svc, grn.ID)
	submitted, err := svc.Submit(context.Background(), ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, submitted.Status)
}

func TestRecordWeighmentValidatesVehicleWeights(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)

	_, err := svc.RecordWeighment(context.Background(), WeighmentInput{
		GRNID: grn.ID, GrossVehicleWeight: dec("8000"), TareVehicleWeight: dec("8200"), TicketNumber: "WB-1", ActorID: 7,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.RecordWeighment(context.Background(), WeighmentInput{
		GRNID: grn.ID, GrossVehicleWeight: dec("18500"), TareVehicleWeight: dec("8200"), ActorID: 7,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestApproveMintsLotsAtomically(t *testing.T) {
	repo := newMemoryRepo()
	approvals := &recordedApprovals{}
	svc := newTestService(repo, approvals)
	grn := draftGRN(t, svc)
	first := addLine(t, svc, grn.ID, "6.2", weight.UnitTon)
	second := addLine(t, svc, grn.ID, "4100", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)

	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: first.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: second.ID, Status: inventory.QAConditional, Remarks: "surface rust", ActorID: 9})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(3), approved.ApprovedBy)

	require.Len(t, repo.inv.lots, 2)
	final, err := svc.Get(ctx, grn.ID)
	require.NoError(t, err)
	for _, line := range final.Lines {
		require.NotZero(t, line.LotID)
		lot := repo.inv.lots[line.LotID]
		require.True(t, lot.CurrentWeight.Equal(line.Weight))
		require.Equal(t, grn.ID, lot.GRNID)
		require.Equal(t, int64(5), lot.VendorID)
		require.Equal(t, int64(10), lot.LocationID)
		require.Equal(t, line.QAStatus, lot.QAStatus)
	}
	require.Len(t, repo.inv.movements, 2)
	for _, mov := range repo.inv.movements {
		require.Equal(t, inventory.MovementInwardPurchase, mov.Type)
		require.Equal(t, "grn", mov.Reference.Type)
		require.Equal(t, grn.Number, mov.Reference.Number)
	}

	// Approval trail: submit then approve.
	require.Len(t, approvals.logs, 2)
	require.Equal(t, shared.ApprovalSubmit, approvals.logs[0].Action)
	require.Equal(t, shared.ApprovalApprove, approvals.logs[1].Action)

	trail, err := svc.ApprovalTrail(ctx, grn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
}

func TestApproveBlockedByPendingQA(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	first := addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	addLine(t, svc, grn.ID, "2000", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: first.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Contains(t, err.Error(), "awaiting QA")

	// One pending line blocks the whole document: no lots at all.
	require.Empty(t, repo.inv.lots)
	require.Empty(t, repo.inv.movements)
	current, err := svc.Get(ctx, grn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, current.Status)
}

func TestApproveSkipsRejectedLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	good := addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	bad := addLine(t, svc, grn.ID, "500", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: good.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: bad.ID, Status: inventory.QARejected, Remarks: "wrong grade", ActorID: 9})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.NoError(t, err)

	require.Len(t, repo.inv.lots, 1)
	final, err := svc.Get(ctx, grn.ID)
	require.NoError(t, err)
	for _, line := range final.Lines {
		if line.ID == bad.ID {
			require.Zero(t, line.LotID, "rejected material never becomes stock")
		} else {
			require.NotZero(t, line.LotID)
		}
	}
}

func TestApproveHoldsBackOnHoldLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	cleared := addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	held := addLine(t, svc, grn.ID, "600", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: cleared.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: held.ID, Status: inventory.QAOnHold, Remarks: "awaiting lab result", ActorID: 9})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	// Held material stays out of stock until QA clears it.
	require.Len(t, repo.inv.lots, 1)
	final, err := svc.Get(ctx, grn.ID)
	require.NoError(t, err)
	for _, line := range final.Lines {
		if line.ID == held.ID {
			require.Zero(t, line.LotID)
		} else {
			require.NotZero(t, line.LotID)
		}
	}
}

func TestApproveRequiresSubmittedStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)

	_, err := svc.Approve(context.Background(), ActionInput{GRNID: grn.ID, ActorID: 3})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApproveRefusesReplayedRequest(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	line := addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: line.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)

	// A retry delivered after the first approval committed finds the key taken.
	repo.idemKeys["INBOUND:"+grn.Number] = true
	_, err = svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Empty(t, repo.inv.lots)
	current, err := svc.Get(ctx, grn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, current.Status)

	delete(repo.idemKeys, "INBOUND:"+grn.Number)
	approved, err := svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.True(t, repo.idemKeys["INBOUND:"+grn.Number])
}

func TestFailedApproveRollsBackIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)

	// QA pending fails the approval after the key was claimed inside the
	// transaction; the rollback must free the key so the client can retry
	// once QA is done.
	_, err = svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, repo.idemKeys)
}

func TestCancelBeforeApprovalOnly(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	line := addLine(t, svc, grn.ID, "1000", weight.UnitKG)
	weigh(t, svc, grn.ID)
	ctx := context.Background()

	_, err := svc.Submit(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.RecordQA(ctx, QAInput{GRNID: grn.ID, LineID: line.ID, Status: inventory.QAApproved, ActorID: 9})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, ActionInput{GRNID: grn.ID, ActorID: 3})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, ActionInput{GRNID: grn.ID, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidState)

	other := draftGRN(t, svc)
	cancelled, err := svc.Cancel(ctx, ActionInput{GRNID: other.ID, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	_, err = svc.Cancel(ctx, ActionInput{GRNID: other.ID, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRemoveLineDraftOnly(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	grn := draftGRN(t, svc)
	line := addLine(t, svc, grn.ID, "1000", weight.UnitKG)

	require.NoError(t, svc.RemoveLine(context.Background(), grn.ID, line.ID, 7))
	current, err := svc.Get(context.Background(), grn.ID)
	require.NoError(t, err)
	require.Empty(t, current.Lines)

	err = svc.RemoveLine(context.Background(), grn.ID, 999, 7)
	require.ErrorIs(t, err, ErrNotFound)
}
