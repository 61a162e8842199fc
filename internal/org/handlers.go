package org

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// SettingsStore covers the org configuration queries.
type SettingsStore interface {
	GetOrg(ctx context.Context, id uuid.UUID) (store.Org, error)
	UpdateOrgSettings(ctx context.Context, arg store.UpdateOrgSettingsParams) (store.Org, error)
}

// SettingsHandler exposes the org's pricing overrides. Omitting a field in
// the update payload clears that override back to the platform default.
type SettingsHandler struct {
	Store    SettingsStore
	Validate *validator.Validate
}

type settingsPayload struct {
	TaxRate         *float64 `json:"taxRate" validate:"omitempty,gte=0,lte=1"`
	DepositPercent  *float64 `json:"depositPercent" validate:"omitempty,gte=0,lte=100"`
	ApprovalPercent *float64 `json:"approvalPercent" validate:"omitempty,gte=0,lte=100"`
}

type settingsResponse struct {
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	PlanID          string   `json:"planId"`
	TaxRate         *float64 `json:"taxRate"`
	DepositPercent  *float64 `json:"depositPercent"`
	ApprovalPercent *float64 `json:"approvalPercent"`
}

// Get returns the org's current overrides; null fields mean the platform
// default applies.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "org store not configured", nil)
		return
	}
	orgID, _ := IDFromContext(r.Context())
	record, err := h.Store.GetOrg(r.Context(), orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "organisation not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load organisation", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toSettingsResponse(record)})
}

// Update replaces all three overrides at once.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "org store not configured", nil)
		return
	}
	var payload settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
	}
	orgID, _ := IDFromContext(r.Context())
	record, err := h.Store.UpdateOrgSettings(r.Context(), store.UpdateOrgSettingsParams{
		OrgID:           orgID,
		TaxRate:         payload.TaxRate,
		DepositPercent:  payload.DepositPercent,
		ApprovalPercent: payload.ApprovalPercent,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "organisation not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to update settings", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toSettingsResponse(record)})
}

func toSettingsResponse(o store.Org) settingsResponse {
	return settingsResponse{
		Slug:            o.Slug,
		Name:            o.Name,
		PlanID:          o.PlanID,
		TaxRate:         o.TaxRate,
		DepositPercent:  o.DepositPercent,
		ApprovalPercent: o.ApprovalPercent,
	}
}
