package quota

import (
	"net/http"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
)

// Handler exposes the usage report endpoint.
type Handler struct {
	Gate *Gate
}

// Usage returns the per-dimension quota status for the org.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	if h.Gate == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "quota gate not configured", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	report, err := h.Gate.UsageReport(r.Context(), orgID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load usage", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": report})
}

// Middleware gates a route on an action's quota and records consumption when
// the wrapped handler succeeds.
func (h *Handler) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, ok := org.IDFromContext(r.Context())
			if !ok {
				common.JSONError(w, http.StatusBadRequest, "ORG_REQUIRED", "organisation could not be resolved from the request", nil)
				return
			}
			decision, err := h.Gate.CanPerformAction(r.Context(), orgID, action, 1)
			if err != nil {
				common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "quota check failed", nil)
				return
			}
			if !decision.Allowed {
				common.JSONError(w, http.StatusForbidden, "QUOTA_EXCEEDED", decision.Reason, map[string]any{
					"upgrade": decision.Upgrade,
					"status":  decision.Status,
				})
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status < 400 {
				_ = h.Gate.Record(r.Context(), orgID, action, 1)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
