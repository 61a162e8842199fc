package notify

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/org"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// AdminHandler exposes management endpoints for webhook configuration and
// delivery monitoring, scoped to the resolved org.
type AdminHandler struct {
	Store Store
	Disp  *Dispatcher
}

type endpointRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	Active      *bool    `json:"active"`
	Topics      []string `json:"topics"`
	MaxAttempts int32    `json:"maxAttempts"`
}

// CreateEndpoint registers a webhook endpoint. A secret is generated when the
// caller does not provide one; it is returned once in the response.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "url is required", nil)
		return
	}
	if err := validateURL(req.URL); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	topics := normaliseTopics(req.Topics)
	if len(topics) == 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "at least one known topic is required", nil)
		return
	}
	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to generate secret", nil)
			return
		}
	}
	orgID, _ := org.IDFromContext(r.Context())
	endpoint, err := h.Store.CreateWebhookEndpoint(r.Context(), store.CreateWebhookEndpointParams{
		OrgID:       orgID,
		URL:         req.URL,
		Secret:      secret,
		Topics:      topics,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": endpoint})
}

// UpdateEndpoint mutates an endpoint's URL, topics and active flag.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "url is required", nil)
		return
	}
	if err := validateURL(req.URL); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	orgID, _ := org.IDFromContext(r.Context())
	endpoint, err := h.Store.UpdateWebhookEndpoint(r.Context(), store.UpdateWebhookEndpointParams{
		ID:     id,
		OrgID:  orgID,
		URL:    req.URL,
		Topics: normaliseTopics(req.Topics),
		Active: active,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoint})
}

// ListEndpoints returns the org's webhook endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	endpoints, err := h.Store.ListWebhookEndpoints(r.Context(), orgID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints})
}

// DeleteEndpoint removes an endpoint.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Store.DeleteWebhookEndpoint(r.Context(), orgID, id); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns recent deliveries for the org's endpoints.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 20)
	orgID, _ := org.IDFromContext(r.Context())
	deliveries, err := h.Store.ListWebhookDeliveries(r.Context(), orgID, int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": deliveries, "page": page, "perPage": perPage})
}

// ReplayDelivery re-arms a delivery and runs it immediately.
func (h *AdminHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	delivery, err := h.Store.ResetDeliveryForReplay(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "delivery not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if h.Disp != nil {
		if err := h.Disp.DeliverByID(r.Context(), delivery.ID); err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "replayed"}})
}

// normaliseTopics trims, lowercases and keeps only known topics.
func normaliseTopics(topics []string) []string {
	known := map[string]bool{}
	for _, t := range events.DefaultTopics() {
		known[t] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || !known[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
