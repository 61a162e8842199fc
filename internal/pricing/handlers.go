package pricing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
)

// Handler exposes quoting and proposal endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type quoteRequest struct {
	Measurements   Measurements `json:"measurements"`
	ServiceIDs     []string     `json:"serviceIds" validate:"required,min=1"`
	CustomItems    []CustomItem `json:"customItems"`
	Tier           string       `json:"tier" validate:"required,oneof=economy standard premium"`
	Condition      string       `json:"condition" validate:"required,oneof=good fair poor"`
	DiscountAmount float64      `json:"discountAmount" validate:"gte=0"`
}

type createProposalRequest struct {
	quoteRequest
	CustomerID       string                    `json:"customerId" validate:"required,uuid4"`
	AppliedDiscounts []AppliedDiscountSnapshot `json:"appliedDiscounts"`
	RequiresApproval bool                      `json:"requiresApproval"`
}

// Quote computes a price breakdown without persisting anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing service not configured", nil)
		return
	}
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	state, err := h.Svc.Quote(r.Context(), orgID, req.toInput())
	if err != nil {
		writePricingError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": state})
}

// CreateProposal computes the quote and stores a proposal snapshot.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing service not configured", nil)
		return
	}
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	customerID, err := uuid.Parse(strings.TrimSpace(req.CustomerID))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid customer id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	proposal, state, err := h.Svc.CreateProposal(r.Context(), orgID, CreateProposalParams{
		CustomerID:       customerID,
		Quote:            req.toInput(),
		AppliedDiscounts: req.AppliedDiscounts,
		RequiresApproval: req.RequiresApproval,
	})
	if err != nil {
		writePricingError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"proposal": proposal,
		"pricing":  state,
	}})
}

// GetProposal returns a single proposal snapshot.
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid proposal id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	proposal, err := h.Svc.Get(r.Context(), orgID, id)
	if err != nil {
		writePricingError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": proposal})
}

// ListProposals returns recent proposals for the org.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20)
	orgID, _ := org.IDFromContext(r.Context())
	proposals, err := h.Svc.List(r.Context(), orgID, int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list proposals", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": proposals, "page": page, "perPage": perPage})
}

// SendProposal transitions a proposal to sent.
func (h *Handler) SendProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid proposal id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Svc.Send(r.Context(), orgID, id); err != nil {
		writePricingError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "sent"}})
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}

func (r quoteRequest) toInput() QuoteInput {
	return QuoteInput{
		Measurements:       r.Measurements,
		SelectedServiceIDs: r.ServiceIDs,
		CustomItems:        r.CustomItems,
		Tier:               Tier(r.Tier),
		Condition:          Condition(r.Condition),
		DiscountAmount:     r.DiscountAmount,
	}
}

func writePricingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOrgNotFound), errors.Is(err, ErrProposalNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrUnknownTier), errors.Is(err, ErrUnknownCondition),
		errors.Is(err, ErrTaxRateRange), errors.Is(err, ErrDepositPercentRange),
		errors.Is(err, ErrNoLineItems):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing computation failed", nil)
	}
}
