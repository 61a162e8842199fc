package org

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/store"
)

type stubLookup struct {
	orgs map[string]store.Org
}

func (s stubLookup) GetOrgBySlug(_ context.Context, slug string) (store.Org, error) {
	if o, ok := s.orgs[slug]; ok {
		return o, nil
	}
	return store.Org{}, errors.New("not found")
}

func resolvedOrg(t *testing.T, resolver *Resolver, req *http.Request) (uuid.UUID, bool) {
	t.Helper()
	var (
		id uuid.UUID
		ok bool
	)
	handler := resolver.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		id, ok = IDFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return id, ok
}

func TestResolverHeaderUUIDWins(t *testing.T) {
	orgID := uuid.New()
	resolver := NewResolver("X-Org-ID", "pavedeck.io", "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "acme.pavedeck.io"
	req.Header.Set("X-Org-ID", orgID.String())

	got, ok := resolvedOrg(t, resolver, req)
	if !ok || got != orgID {
		t.Fatalf("expected header org %s resolved, got %s ok=%v", orgID, got, ok)
	}
}

func TestResolverSubdomainSlugLookup(t *testing.T) {
	orgID := uuid.New()
	resolver := NewResolver("", "pavedeck.io", "")
	resolver.Lookup = stubLookup{orgs: map[string]store.Org{"acme": {ID: orgID, Slug: "acme"}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "Acme.pavedeck.io:8443"

	got, ok := resolvedOrg(t, resolver, req)
	if !ok || got != orgID {
		t.Fatalf("expected subdomain slug resolved to %s, got %s ok=%v", orgID, got, ok)
	}
}

func TestResolverRootDomainHasNoOrg(t *testing.T) {
	resolver := NewResolver("", "pavedeck.io", "")
	resolver.Lookup = stubLookup{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "pavedeck.io"

	if _, ok := resolvedOrg(t, resolver, req); ok {
		t.Fatal("root domain must not resolve an org")
	}
}

func TestResolverForeignHostFallsBackToDefault(t *testing.T) {
	orgID := uuid.New()
	resolver := NewResolver("", "pavedeck.io", "demo")
	resolver.Lookup = stubLookup{orgs: map[string]store.Org{"demo": {ID: orgID, Slug: "demo"}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "evil.example.com"

	got, ok := resolvedOrg(t, resolver, req)
	if !ok || got != orgID {
		t.Fatalf("expected default org fallback, got %s ok=%v", got, ok)
	}
}

func TestResolverUnknownSlugLeavesContextEmpty(t *testing.T) {
	resolver := NewResolver("", "pavedeck.io", "")
	resolver.Lookup = stubLookup{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Org-ID", "no-such-org")

	if _, ok := resolvedOrg(t, resolver, req); ok {
		t.Fatal("unknown slug must not resolve an org")
	}
}

func TestRequireRejectsUnresolvedRequests(t *testing.T) {
	handler := Require(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without an org, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithOrg(req.Context(), uuid.NewString()))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through with an org, got %d", rec.Code)
	}
}
