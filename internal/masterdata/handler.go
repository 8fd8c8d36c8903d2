package masterdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mangod12/kbsteel/internal/platform/httpx"
	"github.com/mangod12/kbsteel/internal/weight"
)

// Handler wires the catalog JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the masterdata handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers material and location routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/materials", h.createMaterial)
	r.Get("/materials", h.listMaterials)
	r.Get("/materials/{id}", h.getMaterial)
	r.Put("/materials/{id}", h.updateMaterial)
	r.Post("/locations", h.createLocation)
	r.Get("/locations", h.listLocations)
	r.Get("/locations/{id}", h.getLocation)
	r.Put("/locations/{id}", h.updateLocation)
}

type materialRequest struct {
	Code         string `json:"code" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Grade        string `json:"grade"`
	Form         string `json:"form"`
	Unit         string `json:"unit"`
	ReorderLevel string `json:"reorder_level"`
	IsActive     *bool  `json:"is_active"`
}

type locationRequest struct {
	Code     string `json:"code" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type"`
	IsActive *bool  `json:"is_active"`
}

func (h *Handler) createMaterial(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMaterial(w, r)
	if !ok {
		return
	}
	created, err := h.service.CreateMaterial(r.Context(), m)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid material id")
		return
	}
	m, ok := h.decodeMaterial(w, r)
	if !ok {
		return
	}
	updated, err := h.service.UpdateMaterial(r.Context(), id, m)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) getMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid material id")
		return
	}
	m, err := h.service.GetMaterial(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) listMaterials(w http.ResponseWriter, r *http.Request) {
	materials, pagination, err := h.service.ListMaterials(r.Context(), listFilters(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"materials": materials, "pagination": pagination})
}

func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	l, ok := h.decodeLocation(w, r)
	if !ok {
		return
	}
	created, err := h.service.CreateLocation(r.Context(), l)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid location id")
		return
	}
	l, ok := h.decodeLocation(w, r)
	if !ok {
		return
	}
	updated, err := h.service.UpdateLocation(r.Context(), id, l)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) getLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid location id")
		return
	}
	l, err := h.service.GetLocation(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	locations, pagination, err := h.service.ListLocations(r.Context(), listFilters(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": locations, "pagination": pagination})
}

func (h *Handler) decodeMaterial(w http.ResponseWriter, r *http.Request) (Material, bool) {
	var req materialRequest
	if !h.decode(w, r, &req) {
		return Material{}, false
	}
	reorder := decimal.Zero
	if req.ReorderLevel != "" {
		var err error
		if reorder, err = decimal.NewFromString(req.ReorderLevel); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reorder level")
			return Material{}, false
		}
	}
	m := Material{
		Code:         req.Code,
		Name:         req.Name,
		Grade:        req.Grade,
		Form:         req.Form,
		Unit:         weight.Unit(req.Unit),
		ReorderLevel: reorder,
		IsActive:     true,
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	return m, true
}

func (h *Handler) decodeLocation(w http.ResponseWriter, r *http.Request) (Location, bool) {
	var req locationRequest
	if !h.decode(w, r, &req) {
		return Location{}, false
	}
	l := Location{Code: req.Code, Name: req.Name, Type: req.Type, IsActive: true}
	if req.IsActive != nil {
		l.IsActive = *req.IsActive
	}
	return l, true
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
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("masterdata request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func listFilters(r *http.Request) ListFilters {
	q := r.URL.Query()
	filters := ListFilters{Search: q.Get("search")}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("is_active"); raw != "" {
		active := raw == "true" || raw == "1"
		filters.IsActive = &active
	}
	return filters
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
