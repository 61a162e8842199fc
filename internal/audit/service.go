package audit

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/org"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// ActorKind represents the source of an audited action.
type ActorKind string

const (
	// ActorKindUser represents an authenticated end-user.
	ActorKindUser ActorKind = "user"
	// ActorKindSystem represents internal automated actions.
	ActorKindSystem ActorKind = "system"
	// ActorKindAnonymous represents unauthenticated actors.
	ActorKindAnonymous ActorKind = "anonymous"
)

// Actor describes the entity performing the action.
type Actor struct {
	Kind   ActorKind
	UserID *string
}

// Store defines the database operations required for auditing.
type Store interface {
	InsertAuditLog(ctx context.Context, arg store.InsertAuditLogParams) (store.AuditLog, error)
	ListAuditLogs(ctx context.Context, arg store.ListAuditLogsParams) ([]store.AuditLog, error)
}

// Service persists audit logs for critical workflow actions.
type Service struct {
	Store        Store
	Enabled      bool
	SamplingRate float64
}

// Record persists an audit log entry when auditing is enabled. The entry is
// scoped to the organisation resolved on the request context.
func (s Service) Record(ctx context.Context, actor Actor, action, resourceType, resourceID string, req *http.Request, status int, metadata []byte) error {
	if !s.Enabled {
		return nil
	}
	if s.SamplingRate > 0 && s.SamplingRate < 1 {
		if rand.Float64() > s.SamplingRate {
			return nil
		}
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	orgID, ok := org.IDFromContext(ctx)
	if !ok {
		return errors.New("audit: organisation not resolved")
	}

	method := req.Method
	route := obs.RoutePatternFromContext(req.Context())
	if route == "" {
		route = strings.TrimSpace(req.URL.Path)
	}

	finalStatus := status
	if finalStatus == 0 {
		finalStatus = http.StatusOK
	}

	_, err := s.Store.InsertAuditLog(ctx, store.InsertAuditLogParams{
		OrgID:        orgID,
		ActorKind:    string(normalizeActorKind(actor.Kind)),
		ActorUserID:  sanitizeString(actor.UserID),
		Action:       buildAction(action, method, route),
		ResourceType: buildResource(resourceType, route),
		ResourceID:   sanitizeString(pointerOf(resourceID)),
		IP:           sanitizeString(pointerOf(common.ClientIP(req))),
		UserAgent:    sanitizeString(pointerOf(req.Header.Get("User-Agent"))),
		Metadata:     buildMetadata(metadata, finalStatus, req.URL.RawQuery),
	})
	return err
}

func buildAction(action, method, route string) string {
	trimmed := strings.TrimSpace(action)
	if trimmed != "" {
		return trimmed
	}
	base := strings.ToUpper(strings.TrimSpace(method))
	target := route
	if target == "" {
		target = "/"
	}
	return base + " " + target
}

func buildResource(resourceType, route string) string {
	trimmed := strings.TrimSpace(resourceType)
	if trimmed != "" {
		return trimmed
	}
	route = strings.Trim(route, " ")
	if route == "" {
		return "unknown"
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "v1" {
		return strings.Join(segments[2:], ".")
	}
	return strings.ReplaceAll(strings.Trim(route, "/"), "/", ".")
}

func normalizeActorKind(kind ActorKind) ActorKind {
	switch kind {
	case ActorKindUser, ActorKindSystem:
		return kind
	default:
		return ActorKindAnonymous
	}
}

func sanitizeString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func pointerOf(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// buildMetadata folds the response status and raw query string into the
// caller-supplied metadata so they survive without dedicated columns.
func buildMetadata(metadata []byte, status int, query string) []byte {
	payload := map[string]any{"status": status}
	if strings.TrimSpace(query) != "" {
		payload["query"] = query
	}
	if len(metadata) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(metadata, &extra); err == nil {
			for k, v := range extra {
				payload[k] = v
			}
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
