package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/platform/httpx"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Handler wires the JSON endpoints for lots, movements and stock reports.
type Handler struct {
	logger    *slog.Logger
	ledger    *Ledger
	queries   *QueryService
	validator *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, ledger *Ledger, queries *QueryService) *Handler {
	return &Handler{logger: logger, ledger: ledger, queries: queries, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/lots/{id}", h.getLot)
	r.Get("/lots/number/{number}", h.getLotByNumber)
	r.Post("/lots/{id}/consume", h.consume)
	r.Post("/lots/{id}/adjust", h.adjust)
	r.Post("/lots/{id}/transfer", h.transfer)
	r.Post("/lots/{id}/split", h.split)
	r.Post("/lots/{id}/block", h.block)
	r.Post("/lots/{id}/unblock", h.unblock)

	r.Get("/stock/summary", h.stockSummary)
	r.Get("/stock/aging", h.aging)
	r.Post("/stock/fifo-pick", h.fifoPick)
	r.Post("/stock/reconcile", h.reconcile)
	r.Get("/movements", h.movements)
}

type consumeRequest struct {
	Weight string `json:"weight" validate:"required"`
	Unit   string `json:"unit"`
	Reason string `json:"reason"`
}

type adjustRequest struct {
	NewWeight  string `json:"new_weight" validate:"required"`
	Unit       string `json:"unit"`
	Reason     string `json:"reason" validate:"required"`
	ApproverID int64  `json:"approver_id"`
}

type transferRequest struct {
	ToLocationID int64  `json:"to_location_id" validate:"required,gt=0"`
	Reason       string `json:"reason"`
}

type splitRequest struct {
	Weights []string `json:"weights" validate:"required,min=1,dive,required"`
	Unit    string   `json:"unit"`
	Reason  string   `json:"reason"`
}

type blockRequest struct {
	Reason string `json:"reason"`
}

type fifoPickRequest struct {
	MaterialID int64  `json:"material_id" validate:"required,gt=0"`
	Required   string `json:"required" validate:"required"`
	Unit       string `json:"unit"`
	LocationID int64  `json:"location_id"`
}

type reconcileRequest struct {
	Counts []struct {
		LotID  int64  `json:"lot_id" validate:"required,gt=0"`
		Weight string `json:"weight" validate:"required"`
	} `json:"counts" validate:"required,min=1,dive"`
}

func (h *Handler) getLot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	lot, err := h.queries.GetLot(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotResponse(lot))
}

func (h *Handler) getLotByNumber(w http.ResponseWriter, r *http.Request) {
	lot, err := h.queries.GetLotByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotResponse(lot))
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req consumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	w8, err := h.parseWeight(req.Weight, req.Unit)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	mov, lot, err := h.ledger.Consume(r.Context(), ConsumeInput{
		LotID:   id,
		Weight:  w8,
		Reason:  req.Reason,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movement": movementResponse(mov), "lot": lotResponse(lot)})
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	w8, err := h.parseWeight(req.NewWeight, req.Unit)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	mov, lot, err := h.ledger.Adjust(r.Context(), AdjustInput{
		LotID:      id,
		NewWeight:  w8,
		Reason:     req.Reason,
		ActorID:    shared.ActorFromContext(r.Context()),
		ApproverID: req.ApproverID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movement": movementResponse(mov), "lot": lotResponse(lot)})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	mov, lot, err := h.ledger.TransferLocation(r.Context(), TransferInput{
		LotID:        id,
		ToLocationID: req.ToLocationID,
		Reason:       req.Reason,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movement": movementResponse(mov), "lot": lotResponse(lot)})
}

func (h *Handler) split(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req splitRequest
	if !h.decode(w, r, &req) {
		return
	}
	weights := make([]decimal.Decimal, 0, len(req.Weights))
	for _, raw := range req.Weights {
		w8, err := h.parseWeight(raw, req.Unit)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		weights = append(weights, w8)
	}
	children, err := h.ledger.Split(r.Context(), SplitInput{
		LotID:   id,
		Weights: weights,
		Reason:  req.Reason,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(children))
	for _, child := range children {
		out = append(out, lotResponse(child))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"lots": out})
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	h.setBlock(w, r, true)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlock(w, r, false)
}

func (h *Handler) setBlock(w http.ResponseWriter, r *http.Request, blocked bool) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req blockRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := BlockInput{LotID: id, Reason: req.Reason, ActorID: shared.ActorFromContext(r.Context())}
	var lot StockLot
	if blocked {
		lot, err = h.ledger.Block(r.Context(), input)
	} else {
		lot, err = h.ledger.Unblock(r.Context(), input)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotResponse(lot))
}

func (h *Handler) stockSummary(w http.ResponseWriter, r *http.Request) {
	materialID := queryID(r, "material_id")
	locationID := queryID(r, "location_id")
	rows, err := h.queries.StockSummary(r.Context(), materialID, locationID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summary": rows})
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	report, err := h.queries.AgingReport(r.Context(), queryID(r, "material_id"), int(queryID(r, "threshold_days")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fifoPick(w http.ResponseWriter, r *http.Request) {
	var req fifoPickRequest
	if !h.decode(w, r, &req) {
		return
	}
	required, err := h.parseWeight(req.Required, req.Unit)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	plan, err := h.queries.PickForFIFO(r.Context(), req.MaterialID, required, req.LocationID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !h.decode(w, r, &req) {
		return
	}
	counts := make([]PhysicalCount, 0, len(req.Counts))
	for _, c := range req.Counts {
		w8, err := h.parseWeight(c.Weight, "")
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		counts = append(counts, PhysicalCount{LotID: c.LotID, Weight: w8})
	}
	rows, err := h.queries.Reconcile(r.Context(), counts)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{
		LotID:      queryID(r, "lot_id"),
		MaterialID: queryID(r, "material_id"),
		Type:       MovementType(r.URL.Query().Get("type")),
		Page:       int(queryID(r, "page")),
		PerPage:    int(queryID(r, "per_page")),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		filter.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown movement type")
		return
	}
	movements, pagination, err := h.queries.MovementHistory(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out, "pagination": pagination})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) parseWeight(value, unit string) (decimal.Decimal, error) {
	u := weight.Unit(unit)
	if unit == "" {
		u = weight.UnitKG
	}
	return weight.Normalize(value, u)
}

// respondError maps the ledger taxonomy onto problem responses. Busy gets
// 503 with Retry-After so well-behaved clients back off.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidOperation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Operation", err.Error())
	case errors.Is(err, weight.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrBusy):
		httpx.Busy(w, err.Error())
	default:
		h.logger.Error("inventory request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func lotResponse(lot StockLot) map[string]any {
	return map[string]any{
		"id":             lot.ID,
		"lot_number":     lot.LotNumber,
		"material_id":    lot.MaterialID,
		"heat_number":    lot.HeatNumber,
		"batch_number":   lot.BatchNumber,
		"coil_number":    lot.CoilNumber,
		"gross_weight":   lot.GrossWeight.StringFixed(weight.Places),
		"tare_weight":    lot.TareWeight.StringFixed(weight.Places),
		"net_weight":     lot.NetWeight.StringFixed(weight.Places),
		"current_weight": lot.CurrentWeight.StringFixed(weight.Places),
		"unit":           string(lot.Unit),
		"qa_status":      string(lot.QAStatus),
		"location_id":    lot.LocationID,
		"received_date":  lot.ReceivedDate,
		"is_active":      lot.IsActive,
		"is_blocked":     lot.IsBlocked,
		"block_reason":   lot.BlockReason,
	}
}

func movementResponse(m Movement) map[string]any {
	return map[string]any{
		"id":            m.ID,
		"number":        m.Number,
		"lot_id":        m.LotID,
		"type":          string(m.Type),
		"weight_change": m.WeightChange.StringFixed(weight.Places),
		"weight_before": m.WeightBefore.StringFixed(weight.Places),
		"weight_after":  m.WeightAfter.StringFixed(weight.Places),
		"reference":     m.Reference,
		"reason":        m.Reason,
		"movement_date": m.MovementDate,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return id
}
