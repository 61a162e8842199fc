package discount

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// AdminQuerier covers the promo and campaign management queries.
type AdminQuerier interface {
	InsertPromo(ctx context.Context, arg store.InsertPromoParams) (store.PromoCode, error)
	DeactivatePromo(ctx context.Context, orgID uuid.UUID, code string) error
	InsertCampaign(ctx context.Context, arg store.InsertCampaignParams) (store.Campaign, error)
}

// Handler exposes discount preview and administration endpoints.
type Handler struct {
	Svc      *Service
	Admin    AdminQuerier
	Validate *validator.Validate

	// PerCustomerDefault caps redemptions per customer on promos created
	// without an explicit limit. Zero means no cap is applied.
	PerCustomerDefault int32
}

type previewRequest struct {
	Subtotal       float64  `json:"subtotal" validate:"gt=0"`
	PromoCode      string   `json:"promoCode"`
	CustomerID     string   `json:"customerId"`
	CustomerType   string   `json:"customerType" validate:"omitempty,oneof=new existing"`
	LoyaltyTier    string   `json:"loyaltyTier"`
	ServiceIDs     []string `json:"serviceIds"`
	TotalQuantity  float64  `json:"totalQuantity"`
	StackSourceIDs []string `json:"stackSourceIds"`
	Manual         *struct {
		Name  string  `json:"name"`
		Type  string  `json:"type" validate:"omitempty,oneof=percent fixed"`
		Value float64 `json:"value"`
	} `json:"manual"`
}

type promoPayload struct {
	Code                string     `json:"code" validate:"required"`
	Name                string     `json:"name"`
	DiscountType        string     `json:"discountType" validate:"required,oneof=percent fixed"`
	DiscountValue       float64    `json:"discountValue" validate:"gt=0"`
	MaxDiscountAmount   *float64   `json:"maxDiscountAmount"`
	MinOrderAmount      float64    `json:"minOrderAmount" validate:"gte=0"`
	MaxUsesTotal        *int32     `json:"maxUsesTotal"`
	MaxUsesPerCustomer  *int32     `json:"maxUsesPerCustomer"`
	CustomerRestriction string     `json:"customerRestriction" validate:"omitempty,oneof=all new_only existing_only"`
	StartsAt            *time.Time `json:"startsAt"`
	ExpiresAt           *time.Time `json:"expiresAt"`
}

type campaignPayload struct {
	Name               string    `json:"name" validate:"required"`
	DiscountType       string    `json:"discountType" validate:"required,oneof=percent fixed"`
	DiscountValue      float64   `json:"discountValue" validate:"gt=0"`
	MaxDiscountAmount  *float64  `json:"maxDiscountAmount"`
	StartsAt           time.Time `json:"startsAt" validate:"required"`
	ExpiresAt          time.Time `json:"expiresAt" validate:"required,gtfield=StartsAt"`
	ApplicableServices []string  `json:"applicableServices"`
}

// Preview resolves discounts for a hypothetical order without settling anything.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount service not configured", nil)
		return
	}
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	in := ResolveInput{
		Subtotal:           req.Subtotal,
		PromoCode:          req.PromoCode,
		CustomerType:       req.CustomerType,
		LoyaltyTier:        req.LoyaltyTier,
		SelectedServiceIDs: req.ServiceIDs,
		TotalQuantity:      req.TotalQuantity,
		StackSourceIDs:     req.StackSourceIDs,
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		id, err := uuid.Parse(req.CustomerID)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid customer id", nil)
			return
		}
		in.CustomerID = id
	}
	if req.Manual != nil && req.Manual.Value > 0 {
		name := req.Manual.Name
		if name == "" {
			name = "Manual discount"
		}
		kind := Type(req.Manual.Type)
		if kind == "" {
			kind = TypeFixed
		}
		in.Manual = &ManualSource{ID: "manual", Name: name, DiscountType: kind, DiscountValue: req.Manual.Value}
	}
	orgID, _ := org.IDFromContext(r.Context())
	resolution, err := h.Svc.Resolve(r.Context(), orgID, in)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount resolution failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": resolution})
}

type settleRequest struct {
	PromoCode  string  `json:"promoCode" validate:"required"`
	ProposalID string  `json:"proposalId" validate:"required,uuid4"`
	CustomerID string  `json:"customerId" validate:"omitempty,uuid4"`
	Amount     float64 `json:"amount" validate:"gte=0"`
}

// Settle records a promo redemption once a proposal is accepted. Repeats for
// the same proposal are no-ops.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount service not configured", nil)
		return
	}
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid proposal id", nil)
		return
	}
	var customerID uuid.UUID
	if strings.TrimSpace(req.CustomerID) != "" {
		customerID, err = uuid.Parse(req.CustomerID)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid customer id", nil)
			return
		}
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Svc.Settle(r.Context(), orgID, req.PromoCode, proposalID, customerID, req.Amount); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to settle redemption", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "settled"}})
}

// CreatePromo inserts a new promo code for the org.
func (h *Handler) CreatePromo(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount queries not configured", nil)
		return
	}
	var payload promoPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	code := normalizeCode(payload.Code)
	restriction := payload.CustomerRestriction
	if restriction == "" {
		restriction = "all"
	}
	perCustomer := payload.MaxUsesPerCustomer
	if perCustomer == nil && h.PerCustomerDefault > 0 {
		limit := h.PerCustomerDefault
		perCustomer = &limit
	}
	orgID, _ := org.IDFromContext(r.Context())
	promo, err := h.Admin.InsertPromo(r.Context(), store.InsertPromoParams{
		OrgID:               orgID,
		Code:                code,
		Name:                payload.Name,
		DiscountType:        payload.DiscountType,
		DiscountValue:       payload.DiscountValue,
		MaxDiscountAmount:   payload.MaxDiscountAmount,
		MinOrderAmount:      payload.MinOrderAmount,
		MaxUsesTotal:        payload.MaxUsesTotal,
		MaxUsesPerCustomer:  perCustomer,
		CustomerRestriction: restriction,
		StartsAt:            payload.StartsAt,
		ExpiresAt:           payload.ExpiresAt,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			common.JSONError(w, http.StatusConflict, "CONFLICT", "promo code already exists", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create promo code", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": promo})
}

// DeactivatePromo retires a promo code.
func (h *Handler) DeactivatePromo(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount queries not configured", nil)
		return
	}
	code := normalizeCode(chi.URLParam(r, "code"))
	if code == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "code is required", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Admin.DeactivatePromo(r.Context(), orgID, code); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to deactivate promo code", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"code": code, "status": "inactive"}})
}

// CreateCampaign inserts a seasonal campaign.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount queries not configured", nil)
		return
	}
	var payload campaignPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	campaign, err := h.Admin.InsertCampaign(r.Context(), store.InsertCampaignParams{
		OrgID:              orgID,
		Name:               payload.Name,
		DiscountType:       payload.DiscountType,
		DiscountValue:      payload.DiscountValue,
		MaxDiscountAmount:  payload.MaxDiscountAmount,
		StartsAt:           payload.StartsAt,
		ExpiresAt:          payload.ExpiresAt,
		ApplicableServices: payload.ApplicableServices,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create campaign", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": campaign})
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}
