package signature

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
)

// Handler exposes the signature workflow endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type signerPayload struct {
	Email      string `json:"email" validate:"required,email"`
	Name       string `json:"name" validate:"required"`
	AccessCode string `json:"accessCode"`
}

type createRequest struct {
	ProposalID   string          `json:"proposalId" validate:"required,uuid4"`
	Document     string          `json:"document" validate:"required"` // base64-encoded content
	Sequential   bool            `json:"sequential"`
	AllowDecline bool            `json:"allowDecline"`
	Message      *string         `json:"message"`
	ExpiresAt    *time.Time      `json:"expiresAt"`
	Signers      []signerPayload `json:"signers" validate:"required,min=1,dive"`
}

type signRequest struct {
	SignerID   string  `json:"signerId" validate:"required,uuid4"`
	AccessCode string  `json:"accessCode"`
	Location   *string `json:"location"`
}

type declineRequest struct {
	SignerID string `json:"signerId" validate:"required,uuid4"`
	Reason   string `json:"reason"`
}

type verifyRequest struct {
	Document string `json:"document" validate:"required"` // base64-encoded content
}

// Create registers a signature request over a proposal document.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
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
	document, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "document must be base64 encoded", nil)
		return
	}
	signers := make([]SignerInput, 0, len(req.Signers))
	for _, sg := range req.Signers {
		signers = append(signers, SignerInput{Email: sg.Email, Name: sg.Name, AccessCode: sg.AccessCode})
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Create(r.Context(), orgID, CreateParams{
		ProposalID:   proposalID,
		Document:     document,
		Sequential:   req.Sequential,
		AllowDecline: req.AllowDecline,
		Message:      req.Message,
		ExpiresAt:    req.ExpiresAt,
		Signers:      signers,
	})
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": detailResponse(det)})
}

// Get returns a request with its signers.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Get(r.Context(), orgID, id)
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detailResponse(det)})
}

// Send dispatches a pending request to its signers.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Send(r.Context(), orgID, id)
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detailResponse(det)})
}

// View records a signer opening the document.
func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	signerID, err := uuid.Parse(chi.URLParam(r, "signerID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid signer id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	if err := h.Svc.View(r.Context(), orgID, id, signerID); err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": "viewed"}})
}

// Sign records a signer's signature, completing the request when it is the
// last one.
func (h *Handler) Sign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	signerID, err := uuid.Parse(req.SignerID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid signer id", nil)
		return
	}
	ip := common.ClientIP(r)
	ua := r.UserAgent()
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Sign(r.Context(), orgID, id, SignParams{
		SignerID:   signerID,
		AccessCode: req.AccessCode,
		IP:         &ip,
		UserAgent:  &ua,
		Location:   req.Location,
	})
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detailResponse(det)})
}

// Decline records a signer's refusal and cancels the request.
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	var req declineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	signerID, err := uuid.Parse(req.SignerID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid signer id", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	det, err := h.Svc.Decline(r.Context(), orgID, id, signerID, req.Reason)
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detailResponse(det)})
}

// Verify checks presented content against the request's certificate.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id", nil)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "document must be base64 encoded", nil)
		return
	}
	orgID, _ := org.IDFromContext(r.Context())
	result, err := h.Svc.Verify(r.Context(), orgID, id, content)
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}

type signerView struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	SigningOrder int32      `json:"signingOrder"`
	Status       string     `json:"status"`
	ViewedAt     *time.Time `json:"viewedAt,omitempty"`
	SignedAt     *time.Time `json:"signedAt,omitempty"`
	DeclinedAt   *time.Time `json:"declinedAt,omitempty"`
	RequiresCode bool       `json:"requiresCode"`
}

// detailResponse shapes a detail for JSON, never exposing access code hashes.
func detailResponse(det Detail) map[string]any {
	signers := make([]signerView, 0, len(det.Signers))
	for _, sg := range det.Signers {
		signers = append(signers, signerView{
			ID:           sg.ID,
			Email:        sg.Email,
			Name:         sg.Name,
			SigningOrder: sg.SigningOrder,
			Status:       sg.Status,
			ViewedAt:     sg.ViewedAt,
			SignedAt:     sg.SignedAt,
			DeclinedAt:   sg.DeclinedAt,
			RequiresCode: sg.AccessCodeHash != nil,
		})
	}
	return map[string]any{
		"id":           det.Request.ID,
		"proposalId":   det.Request.ProposalID,
		"status":       det.Request.Status,
		"sequential":   det.Request.Sequential,
		"allowDecline": det.Request.AllowDecline,
		"message":      det.Request.Message,
		"documentHash": det.Request.DocumentHash,
		"expiresAt":    det.Request.ExpiresAt,
		"completedAt":  det.Request.CompletedAt,
		"signers":      signers,
	}
}

func writeSignatureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrSignerNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrInvalidAccessCode):
		common.JSONError(w, http.StatusUnauthorized, "INVALID_ACCESS_CODE", err.Error(), nil)
	case errors.Is(err, ErrRequestNotActive), errors.Is(err, ErrWaitingForPreviousSigners),
		errors.Is(err, ErrDeclineNotAllowed), errors.Is(err, ErrAlreadySigned):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, ErrNoSigners):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "signature operation failed", nil)
	}
}
