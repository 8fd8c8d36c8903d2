package outbound

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

// Handler wires the dispatch JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the outbound handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers dispatch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/dispatches", h.create)
	r.Get("/dispatches", h.list)
	r.Get("/dispatches/{id}", h.get)
	r.Post("/dispatches/{id}/lines", h.addLine)
	r.Delete("/dispatches/{id}/lines/{lineID}", h.removeLine)
	r.Post("/dispatches/{id}/auto-pick", h.autoPick)
	r.Post("/dispatches/{id}/weighment", h.recordWeighment)
	r.Post("/dispatches/{id}/submit", h.submit)
	r.Post("/dispatches/{id}/approve", h.approve)
	r.Post("/dispatches/{id}/cancel", h.cancel)
	r.Get("/dispatches/{id}/approvals", h.approvalTrail)
}

type createRequest struct {
	CustomerID    int64  `json:"customer_id" validate:"required,gt=0"`
	LocationID    int64  `json:"location_id"`
	VehicleNumber string `json:"vehicle_number"`
	Remarks       string `json:"remarks"`
}

type addLineRequest struct {
	LotID  int64  `json:"lot_id" validate:"required,gt=0"`
	Weight string `json:"weight" validate:"required"`
}

type autoPickRequest struct {
	MaterialID int64  `json:"material_id" validate:"required,gt=0"`
	Required   string `json:"required" validate:"required"`
	Unit       string `json:"unit"`
}

type weighmentRequest struct {
	GrossVehicleWeight string `json:"gross_vehicle_weight" validate:"required"`
	TareVehicleWeight  string `json:"tare_vehicle_weight" validate:"required"`
	TicketNumber       string `json:"ticket_number" validate:"required"`
}

type actionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.service.Create(r.Context(), CreateInput{
		CustomerID:    req.CustomerID,
		LocationID:    req.LocationID,
		VehicleNumber: req.VehicleNumber,
		Remarks:       req.Remarks,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dispatchResponse(d))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	dispatches, pagination, err := h.service.List(r.Context(), Status(q.Get("status")), page, perPage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(dispatches))
	for _, d := range dispatches {
		out = append(out, dispatchResponse(d))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"dispatches": out, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dispatchResponse(d))
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
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
	line, err := h.service.AddLine(r.Context(), AddLineInput{
		DispatchID: id,
		LotID:      req.LotID,
		Weight:     weightVal,
		ActorID:    shared.ActorFromContext(r.Context()),
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
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
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

func (h *Handler) autoPick(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
		return
	}
	var req autoPickRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit := weight.Unit(req.Unit)
	if req.Unit == "" {
		unit = weight.UnitKG
	}
	required, err := weight.Normalize(req.Required, unit)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.AutoPick(r.Context(), AutoPickInput{
		DispatchID: id,
		MaterialID: req.MaterialID,
		Required:   required,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dispatchResponse(d))
}

func (h *Handler) recordWeighment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
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
	d, err := h.service.RecordWeighment(r.Context(), WeighmentInput{
		DispatchID:         id,
		GrossVehicleWeight: gross,
		TareVehicleWeight:  tare,
		TicketNumber:       req.TicketNumber,
		ActorID:            shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dispatchResponse(d))
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

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(context.Context, ActionInput) (Dispatch, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
		return
	}
	var req actionRequest
	if r.ContentLength > 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	d, err := fn(r.Context(), ActionInput{DispatchID: id, ActorID: shared.ActorFromContext(r.Context()), Note: req.Note})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dispatchResponse(d))
}

func (h *Handler) approvalTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid dispatch id")
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
		h.logger.Error("dispatch request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func dispatchResponse(d Dispatch) map[string]any {
	lines := make([]map[string]any, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, lineResponse(line))
	}
	out := map[string]any{
		"id":             d.ID,
		"number":         d.Number,
		"customer_id":    d.CustomerID,
		"location_id":    d.LocationID,
		"vehicle_number": d.VehicleNumber,
		"status":         string(d.Status),
		"remarks":        d.Remarks,
		"lines":          lines,
		"created_at":     d.CreatedAt,
		"updated_at":     d.UpdatedAt,
	}
	if d.Weighbridge.Recorded() {
		out["weighbridge"] = map[string]any{
			"gross_vehicle_weight": d.Weighbridge.GrossVehicleWeight.StringFixed(weight.Places),
			"tare_vehicle_weight":  d.Weighbridge.TareVehicleWeight.StringFixed(weight.Places),
			"net_weight":           d.Weighbridge.NetWeight().StringFixed(weight.Places),
			"ticket_number":        d.Weighbridge.TicketNumber,
			"weighed_at":           d.Weighbridge.WeighedAt,
		}
	}
	return out
}

func lineResponse(line Line) map[string]any {
	return map[string]any{
		"id":          line.ID,
		"dispatch_id": line.DispatchID,
		"lot_id":      line.LotID,
		"lot_number":  line.LotNumber,
		"weight":      line.Weight.StringFixed(weight.Places),
		"movement_id": line.MovementID,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
