package abtest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
)

// Handler exposes experiment endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type variantPayload struct {
	Name              string  `json:"name" validate:"required"`
	IsControl         bool    `json:"isControl"`
	TrafficAllocation float64 `json:"trafficAllocation" validate:"gte=0,lte=100"`
	DiscountPercent   float64 `json:"discountPercent" validate:"gte=0,lte=100"`
}

type createTestRequest struct {
	Name     string           `json:"name" validate:"required"`
	Variants []variantPayload `json:"variants" validate:"required,min=2,dive"`
}

type transitionRequest struct {
	Status string `json:"status" validate:"required,oneof=running paused completed"`
}

type conversionRequest struct {
	VariantID string  `json:"variantId" validate:"required,uuid4"`
	Revenue   float64 `json:"revenue" validate:"gte=0"`
}

// CreateTest registers a draft experiment with its arms.
func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	variants := make([]VariantParams, 0, len(req.Variants))
	for _, v := range req.Variants {
		variants = append(variants, VariantParams{
			Name:              v.Name,
			IsControl:         v.IsControl,
			TrafficAllocation: v.TrafficAllocation,
			DiscountPercent:   v.DiscountPercent,
		})
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.CreateTest(r.Context(), orgID, CreateTestParams{Name: req.Name, Variants: variants})
	if err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": det})
}

// GetTest returns a test with its variants.
func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Get(r.Context(), orgID, id)
	if err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": det})
}

// ListTests returns the org's experiments.
func (h *Handler) ListTests(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20)
	orgID, _ := org.IDFromContext(r.Context())
	tests, err := h.Svc.List(r.Context(), orgID, int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list tests", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": tests, "page": page, "perPage": perPage})
}

// Transition moves a test between lifecycle states.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	test, err := h.Svc.Transition(r.Context(), orgID, id, req.Status)
	if err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": test})
}

// Assign returns the caller's sticky variant for a test.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "user id required", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	variant, err := h.Svc.VariantForUser(r.Context(), orgID, id, userID)
	if err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": variant})
}

// Impression records that a variant was shown.
func (h *Handler) Impression(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	variantID, err := uuid.Parse(chi.URLParam(r, "variantID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid variant id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Svc.RecordImpression(r.Context(), orgID, id, variantID); err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "recorded"}})
}

// Conversion records a conversion with its revenue.
func (h *Handler) Conversion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	var req conversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	variantID, err := uuid.Parse(req.VariantID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid variant id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Svc.RecordConversion(r.Context(), orgID, id, variantID, req.Revenue); err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "recorded"}})
}

// Results reports conversion rates and significance per arm.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid test id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	results, err := h.Svc.Results(r.Context(), orgID, id)
	if err != nil {
		writeABError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": results})
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}

func writeABError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTestNotFound), errors.Is(err, ErrVariantNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrNeedOneControl), errors.Is(err, ErrAllocationRange):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrTestNotRunning), errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "experiment operation failed", nil)
	}
}
