package org

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/store"
)

type stubSettingsStore struct {
	org     store.Org
	updated *store.UpdateOrgSettingsParams
}

func (s *stubSettingsStore) GetOrg(context.Context, uuid.UUID) (store.Org, error) {
	return s.org, nil
}

func (s *stubSettingsStore) UpdateOrgSettings(_ context.Context, arg store.UpdateOrgSettingsParams) (store.Org, error) {
	s.updated = &arg
	out := s.org
	out.TaxRate = arg.TaxRate
	out.DepositPercent = arg.DepositPercent
	out.ApprovalPercent = arg.ApprovalPercent
	return out, nil
}

func TestSettingsUpdateDistinguishesZeroFromUnset(t *testing.T) {
	orgID := uuid.New()
	stub := &stubSettingsStore{org: store.Org{ID: orgID, Slug: "demo", PlanID: "pro"}}
	h := &SettingsHandler{Store: stub}

	req := httptest.NewRequest(http.MethodPut, "/admin/settings", strings.NewReader(`{"taxRate":0}`))
	req = req.WithContext(WithOrg(req.Context(), orgID.String()))
	rec := httptest.NewRecorder()
	h.Update(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.updated == nil {
		t.Fatal("expected settings persisted")
	}
	if stub.updated.TaxRate == nil || *stub.updated.TaxRate != 0 {
		t.Fatalf("an explicit zero tax rate must persist as zero, got %v", stub.updated.TaxRate)
	}
	if stub.updated.DepositPercent != nil || stub.updated.ApprovalPercent != nil {
		t.Fatalf("omitted overrides must clear to the platform default, got %+v", stub.updated)
	}
}

func TestSettingsUpdateRejectsOutOfRangeTaxRate(t *testing.T) {
	orgID := uuid.New()
	stub := &stubSettingsStore{org: store.Org{ID: orgID}}
	h := &SettingsHandler{Store: stub, Validate: validator.New()}

	req := httptest.NewRequest(http.MethodPut, "/admin/settings", strings.NewReader(`{"taxRate":1.5}`))
	req = req.WithContext(WithOrg(req.Context(), orgID.String()))
	rec := httptest.NewRecorder()
	h.Update(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for tax rate above 1, got %d", rec.Code)
	}
	if stub.updated != nil {
		t.Fatal("invalid payload must not be persisted")
	}
}
