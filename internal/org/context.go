// Package org resolves the organisation an incoming request belongs to and
// carries it through the request context. Every persisted row is scoped to an
// organisation; services read the identifier from context rather than taking
// it as a parameter.
package org

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const orgContextKey contextKey = "org.id"

// WithOrg stores the organisation identifier inside the context.
func WithOrg(ctx context.Context, orgID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, orgContextKey, orgID)
}

// FromContext extracts the organisation identifier from the context if available.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(orgContextKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// IDFromContext extracts the organisation identifier as a UUID. The resolver
// middleware always stores the primary key, so a parse failure means no org
// was resolved.
func IDFromContext(ctx context.Context) (uuid.UUID, bool) {
	raw, ok := FromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
