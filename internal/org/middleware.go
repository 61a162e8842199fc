package org

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Lookup translates an organisation slug into its stored record.
type Lookup interface {
	GetOrgBySlug(ctx context.Context, slug string) (store.Org, error)
}

// Resolver resolves organisation identifiers from HTTP requests using either
// a header or the request subdomain. Identifiers that are not UUIDs are
// treated as slugs and resolved through Lookup.
type Resolver struct {
	HeaderName string
	RootDomain string
	DefaultOrg string
	Lookup     Lookup
}

// NewResolver returns a resolver configured with the provided header name,
// root domain, and default organisation slug. If headerName is empty,
// "X-Org-ID" is used.
func NewResolver(headerName, rootDomain, defaultOrg string) *Resolver {
	if headerName == "" {
		headerName = "X-Org-ID"
	}
	return &Resolver{
		HeaderName: headerName,
		RootDomain: strings.ToLower(strings.TrimSpace(rootDomain)),
		DefaultOrg: strings.TrimSpace(defaultOrg),
	}
}

// Middleware resolves the organisation from the request and injects it into
// the context passed downstream.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ident := r.Resolve(req)
		if ident == "" {
			ident = r.DefaultOrg
		}
		if ident != "" {
			if id, err := uuid.Parse(ident); err == nil {
				req = req.WithContext(WithOrg(req.Context(), id.String()))
			} else if r.Lookup != nil {
				record, lookupErr := r.Lookup.GetOrgBySlug(req.Context(), strings.ToLower(ident))
				if lookupErr == nil {
					req = req.WithContext(WithOrg(req.Context(), record.ID.String()))
				}
			}
		}
		next.ServeHTTP(w, req)
	})
}

// Require rejects requests that reach it without a resolved organisation.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := IDFromContext(req.Context()); !ok {
			common.JSONError(w, http.StatusBadRequest, "ORG_REQUIRED", "organisation could not be resolved from the request", nil)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Resolve attempts to find the organisation identifier from the configured
// header or the request subdomain.
func (r *Resolver) Resolve(req *http.Request) string {
	if r == nil || req == nil {
		return ""
	}
	if orgID := strings.TrimSpace(req.Header.Get(r.HeaderName)); orgID != "" {
		return orgID
	}
	host := hostWithoutPort(req.Host)
	if host == "" {
		return ""
	}
	return strings.TrimSpace(r.subdomainFromHost(host))
}

func (r *Resolver) subdomainFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if r.RootDomain != "" {
		if host == r.RootDomain {
			return ""
		}
		suffix := "." + r.RootDomain
		if strings.HasSuffix(host, suffix) {
			host = strings.TrimSuffix(host, suffix)
		} else {
			return ""
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func hostWithoutPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.Index(hostport, "]"); idx != -1 {
			if host := hostport[1:idx]; host != "" {
				return host
			}
		}
	}
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	if idx := strings.Index(hostport, ":"); idx != -1 && strings.Count(hostport, ":") == 1 {
		return hostport[:idx]
	}
	return hostport
}
