package inbound

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/platform/httpx"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Handler wires the GRN JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the inbound handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers GRN routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/grns", h.create)
	r.Get("/grns", h.list)
	r.Get("/grns/{id}", h.get)
	r.Post("/grns/{id}/lines", h.addLine)
	r.Delete("/grns/{id}/lines/{lineID}", h.removeLine)
	r.Post("/grns/{id}/weighment", h.recordWeighment)
	r.Post("/grns/{id}/lines/{lineID}/qa", h.recordQA)
	r.Post("/grns/{id}/submit", h.submit)
	r.Post("/grns/{id}/approve", h.approve)
	r.Post("/grns/{id}/cancel", h.cancel)
	r.Get("/grns/{id}/approvals", h.approvalTrail)
}

type createRequest struct {
	VendorID      int64  `json:"vendor_id" validate:"required,gt=0"`
	LocationID    int64  `json:"location_id" validate:"required,gt=0"`
	VehicleNumber string `json:"vehicle_number"`
	ChallanNumber string `json:"challan_number"`
	Remarks       string `json:"remarks"`
}

type addLineRequest struct {
	MaterialID  int64  `json:"material_id" validate:"required,gt=0"`
	HeatNumber  string `json:"heat_number"`
	BatchNumber string `json:"batch_number"`
	CoilNumber  string `json:"coil_number"`
	Weight      string `json:"weight" validate:"required"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit" validate:"required"`
	Rate        string `json:"rate"`
}

type weighmentRequest struct {
	GrossVehicleWeight string `json:"gross_vehicle_weight" validate:"required"`
	TareVehicleWeight  string `json:"tare_vehicle_weight" validate:"required"`
	TicketNumber       string `json:"ticket_number" validate:"required"`
}

type qaRequest struct {
	Status  string `json:"status" validate:"required"`
	Remarks string `json:"remarks"`
}

type actionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	grn, err := h.service.Create(r.Context(), CreateInput{
		VendorID:      req.VendorID,
		LocationID:    req.LocationID,
		VehicleNumber: req.VehicleNumber,
		ChallanNumber: req.ChallanNumber,
		Remarks:       req.Remarks,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grnResponse(grn))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	grns, pagination, err := h.service.List(r.Context(), Status(q.Get("status")), page, perPage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(grns))
	for _, grn := range grns {
		out = append(out, grnResponse(grn))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grns": out, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	grn, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grnResponse(grn))
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	var req addLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	weightVal, err := decimal.NewFromString(req.Weight)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid weight")
		return
	}
	qty := decimal.Zero
	if req.Quantity != "" {
		if qty, err = decimal.NewFromString(req.Quantity); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid quantity")
			return
		}
	}
	rate := decimal.Zero
	if req.Rate != "" {
		if rate, err = decimal.NewFromString(req.Rate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid rate")
			return
		}
	}
	line, err := h.service.AddLine(r.Context(), AddLineInput{
		GRNID:       id,
		MaterialID:  req.MaterialID,
		HeatNumber:  req.HeatNumber,
		BatchNumber: req.BatchNumber,
		CoilNumber:  req.CoilNumber,
		Weight:      weightVal,
		Quantity:    qty,
		Unit:        weight.Unit(req.Unit),
		Rate:        rate,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lineResponse(line))
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	lineID, err := pathID(r, "lineID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	if err := h.service.RemoveLine(r.Context(), id, lineID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordWeighment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	var req weighmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	gross, err := decimal.NewFromString(req.GrossVehicleWeight)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid gross vehicle weight")
		return
	}
	tare, err := decimal.NewFromString(req.TareVehicleWeight)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tare vehicle weight")
		return
	}
	grn, err := h.service.RecordWeighment(r.Context(), WeighmentInput{
		GRNID:              id,
		GrossVehicleWeight: gross,
		TareVehicleWeight:  tare,
		TicketNumber:       req.TicketNumber,
		ActorID:            shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grnResponse(grn))
}

func (h *Handler) recordQA(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	lineID, err := pathID(r, "lineID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	var req qaRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.RecordQA(r.Context(), QAInput{
		GRNID:   id,
		LineID:  lineID,
		Status:  inventory.QAStatus(req.Status),
		Remarks: req.Remarks,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lineResponse(line))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.service.Submit)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.service.Approve)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.service.Cancel)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(context.Context, ActionInput) (GRN, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	var req actionRequest
	if r.ContentLength > 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	grn, err := fn(r.Context(), ActionInput{GRNID: id, ActorID: shared.ActorFromContext(r.Context()), Note: req.Note})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grnResponse(grn))
}

func (h *Handler) approvalTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	trail, err := h.service.ApprovalTrail(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(trail))
	for _, entry := range trail {
		out = append(out, map[string]any{
			"actor_id": entry.ActorID,
			"action":   string(entry.Action),
			"note":     entry.Note,
			"at":       entry.At,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": out})
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

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, weight.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, inventory.ErrInvalidOperation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, inventory.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, inventory.ErrBusy):
		httpx.Busy(w, err.Error())
	default:
		h.logger.Error("grn request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func grnResponse(grn GRN) map[string]any {
	lines := make([]map[string]any, 0, len(grn.Lines))
	for _, line := range grn.Lines {
		lines = append(lines, lineResponse(line))
	}
	out := map[string]any{
		"id":             grn.ID,
		"number":         grn.Number,
		"vendor_id":      grn.VendorID,
		"location_id":    grn.LocationID,
		"vehicle_number": grn.VehicleNumber,
		"challan_number": grn.ChallanNumber,
		"status":         string(grn.Status),
		"remarks":        grn.Remarks,
		"lines":          lines,
		"created_at":     grn.CreatedAt,
		"updated_at":     grn.UpdatedAt,
	}
	if grn.Weighbridge.Recorded() {
		out["weighbridge"] = map[string]any{
			"gross_vehicle_weight": grn.Weighbridge.GrossVehicleWeight.StringFixed(weight.Places),
			"tare_vehicle_weight":  grn.Weighbridge.TareVehicleWeight.StringFixed(weight.Places),
			"net_weight":           grn.Weighbridge.NetWeight().StringFixed(weight.Places),
			"ticket_number":        grn.Weighbridge.TicketNumber,
			"weighed_at":           grn.Weighbridge.WeighedAt,
		}
	}
	return out
}

func lineResponse(line Line) map[string]any {
	return map[string]any{
		"id":           line.ID,
		"grn_id":       line.GRNID,
		"material_id":  line.MaterialID,
		"heat_number":  line.HeatNumber,
		"batch_number": line.BatchNumber,
		"coil_number":  line.CoilNumber,
		"weight":       line.Weight.StringFixed(weight.Places),
		"quantity":     line.Quantity.String(),
		"unit":         string(line.Unit),
		"rate":         line.Rate.String(),
		"qa_status":    string(line.QAStatus),
		"qa_remarks":   line.QARemarks,
		"lot_id":       line.LotID,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
