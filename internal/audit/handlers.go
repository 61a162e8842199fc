package audit

import (
	"net/http"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Handler exposes HTTP endpoints for working with audit logs.
type Handler struct {
	Store Store
}

// List returns a paginated list of audit logs for the resolved organisation,
// optionally filtered by resource type and id.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	orgID, ok := org.IDFromContext(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORG_REQUIRED", "organisation not resolved", nil)
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := common.AtoiDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	rows, err := h.Store.ListAuditLogs(r.Context(), store.ListAuditLogsParams{
		OrgID:        orgID,
		ResourceType: r.URL.Query().Get("resourceType"),
		ResourceID:   r.URL.Query().Get("resourceId"),
		Limit:        int32(limit),
		Offset:       int32(offset),
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	common.JSON(w, http.StatusOK, rows)
}
