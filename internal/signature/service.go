package signature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Request lifecycle states. Pending requests have not been sent to signers yet.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusExpired    = "expired"
)

// Signer states.
const (
	SignerPending  = "pending"
	SignerViewed   = "viewed"
	SignerSigned   = "signed"
	SignerDeclined = "declined"
)

// ErrRequestNotFound is returned when a signature request does not exist in the org.
var ErrRequestNotFound = errors.New("signature request not found")

// ErrSignerNotFound is returned when a signer does not belong to the request.
var ErrSignerNotFound = errors.New("signer not found")

// ErrRequestNotActive is returned for signing actions on requests that are not
// in progress (completed, cancelled, expired, or never sent).
var ErrRequestNotActive = errors.New("signature request is not active")

// ErrWaitingForPreviousSigners is returned on sequential requests when a signer
// attempts to sign before everyone with a lower signing order has signed.
var ErrWaitingForPreviousSigners = errors.New("waiting for previous signers")

// ErrInvalidAccessCode is returned when the presented access code does not
// match the signer's stored hash.
var ErrInvalidAccessCode = errors.New("invalid access code")

// ErrDeclineNotAllowed is returned when a request was created without the
// decline option.
var ErrDeclineNotAllowed = errors.New("declining is not allowed for this request")

// ErrAlreadySigned is returned when a signer has already signed or declined.
var ErrAlreadySigned = errors.New("signer has already responded")

// ErrNoSigners is returned when a request is created without any signers.
var ErrNoSigners = errors.New("at least one signer is required")

// Querier is the persistence surface the signature service depends on.
type Querier interface {
	GetProposal(ctx context.Context, orgID, id uuid.UUID) (store.Proposal, error)
	InsertSignatureRequest(ctx context.Context, arg store.InsertSignatureRequestParams) (store.SignatureRequest, error)
	GetSignatureRequest(ctx context.Context, orgID, id uuid.UUID) (store.SignatureRequest, error)
	UpdateSignatureRequestStatus(ctx context.Context, id uuid.UUID, status string) error
	ExpireSignatureRequests(ctx context.Context, now time.Time, limit int32) ([]store.SignatureRequest, error)
	InsertSigner(ctx context.Context, arg store.InsertSignerParams) (store.Signer, error)
	ListSigners(ctx context.Context, requestID uuid.UUID) ([]store.Signer, error)
	MarkSignerViewed(ctx context.Context, signerID uuid.UUID, at time.Time) error
	MarkSignerSigned(ctx context.Context, arg store.MarkSignerSignedParams) error
	MarkSignerDeclined(ctx context.Context, signerID uuid.UUID, at time.Time) error
	InsertCertificate(ctx context.Context, arg store.InsertCertificateParams) (store.Certificate, error)
	GetCertificateByRequest(ctx context.Context, requestID uuid.UUID) (store.Certificate, error)
}

// Publisher emits domain events onto the outbox.
type Publisher interface {
	Emit(ctx context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, payload any) (store.DomainEvent, error)
}

// Service drives the signing workflow for proposals.
type Service struct {
	Q   Querier
	Bus Publisher
	Now func() time.Time

	// DefaultValidity is applied when a request is created without an
	// explicit expiry. Zero leaves the request open-ended.
	DefaultValidity time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// SignerInput describes one signing party at creation time. AccessCode is
// optional; when set it is hashed before storage and required again at signing.
type SignerInput struct {
	Email      string
	Name       string
	AccessCode string
}

// CreateParams describes a new signature request over a proposal document.
type CreateParams struct {
	ProposalID   uuid.UUID
	Document     []byte
	Sequential   bool
	AllowDecline bool
	Message      *string
	ExpiresAt    *time.Time
	Signers      []SignerInput
}

// Detail bundles a request with its signers for API responses.
type Detail struct {
	Request store.SignatureRequest
	Signers []store.Signer
}

// Create registers a pending request and its signers. Signing order follows
// the order the signers are given in.
func (s *Service) Create(ctx context.Context, orgID uuid.UUID, arg CreateParams) (Detail, error) {
	if len(arg.Signers) == 0 {
		return Detail{}, ErrNoSigners
	}
	if _, err := s.Q.GetProposal(ctx, orgID, arg.ProposalID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrRequestNotFound
		}
		return Detail{}, fmt.Errorf("signature: load proposal: %w", err)
	}

	expiresAt := arg.ExpiresAt
	if expiresAt == nil && s.DefaultValidity > 0 {
		at := s.now().Add(s.DefaultValidity)
		expiresAt = &at
	}

	req, err := s.Q.InsertSignatureRequest(ctx, store.InsertSignatureRequestParams{
		OrgID:        orgID,
		ProposalID:   arg.ProposalID,
		Sequential:   arg.Sequential,
		AllowDecline: arg.AllowDecline,
		Message:      arg.Message,
		DocumentHash: common.Sha256HexBytes(arg.Document),
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return Detail{}, fmt.Errorf("signature: insert request: %w", err)
	}

	signers := make([]store.Signer, 0, len(arg.Signers))
	for i, in := range arg.Signers {
		var codeHash *string
		if in.AccessCode != "" {
			hash, err := argon2id.CreateHash(in.AccessCode, argon2id.DefaultParams)
			if err != nil {
				return Detail{}, fmt.Errorf("signature: hash access code: %w", err)
			}
			codeHash = &hash
		}
		sg, err := s.Q.InsertSigner(ctx, store.InsertSignerParams{
			RequestID:      req.ID,
			Email:          in.Email,
			Name:           in.Name,
			SigningOrder:   int32(i + 1),
			AccessCodeHash: codeHash,
		})
		if err != nil {
			return Detail{}, fmt.Errorf("signature: insert signer: %w", err)
		}
		signers = append(signers, sg)
	}
	s.observe("create", "ok")
	return Detail{Request: req, Signers: signers}, nil
}

// Get loads a request with its signers.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (Detail, error) {
	req, err := s.Q.GetSignatureRequest(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrRequestNotFound
		}
		return Detail{}, fmt.Errorf("signature: get request: %w", err)
	}
	signers, err := s.Q.ListSigners(ctx, req.ID)
	if err != nil {
		return Detail{}, fmt.Errorf("signature: list signers: %w", err)
	}
	return Detail{Request: req, Signers: signers}, nil
}

// Send transitions a pending request to in progress and notifies the first
// signer (sequential) or all signers (parallel) via the sent event.
func (s *Service) Send(ctx context.Context, orgID, id uuid.UUID) (Detail, error) {
	det, err := s.Get(ctx, orgID, id)
	if err != nil {
		return Detail{}, err
	}
	if det.Request.Status != StatusPending {
		s.observe("send", "rejected")
		return Detail{}, ErrRequestNotActive
	}
	if err := s.Q.UpdateSignatureRequestStatus(ctx, id, StatusInProgress); err != nil {
		return Detail{}, fmt.Errorf("signature: mark in progress: %w", err)
	}
	det.Request.Status = StatusInProgress

	recipients := det.Signers
	if det.Request.Sequential && len(recipients) > 0 {
		recipients = recipients[:1]
	}
	for _, sg := range recipients {
		if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureSent, id, map[string]any{
			"requestId":  id,
			"proposalId": det.Request.ProposalID,
			"signerId":   sg.ID,
			"email":      sg.Email,
		}); err != nil {
			return Detail{}, fmt.Errorf("signature: emit sent: %w", err)
		}
	}
	s.observe("send", "ok")
	return det, nil
}

// View records the first time a signer opens the document. Later views are
// no-ops so the original view timestamp is preserved.
func (s *Service) View(ctx context.Context, orgID, requestID, signerID uuid.UUID) error {
	det, err := s.Get(ctx, orgID, requestID)
	if err != nil {
		return err
	}
	sg, err := findSigner(det.Signers, signerID)
	if err != nil {
		return err
	}
	if sg.Status != SignerPending {
		return nil
	}
	if err := s.Q.MarkSignerViewed(ctx, signerID, s.now()); err != nil {
		return fmt.Errorf("signature: mark viewed: %w", err)
	}
	if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureViewed, requestID, map[string]any{
		"requestId": requestID,
		"signerId":  signerID,
		"email":     sg.Email,
	}); err != nil {
		return fmt.Errorf("signature: emit viewed: %w", err)
	}
	s.observe("view", "ok")
	return nil
}

// SignParams carries a signer's response and its evidence.
type SignParams struct {
	SignerID   uuid.UUID
	AccessCode string
	IP         *string
	UserAgent  *string
	Location   *string
}

// Sign records one signer's signature. On sequential requests the signer must
// wait for every lower signing order to finish. When the last signer signs,
// the request completes and a certificate is issued.
func (s *Service) Sign(ctx context.Context, orgID, requestID uuid.UUID, arg SignParams) (Detail, error) {
	det, err := s.Get(ctx, orgID, requestID)
	if err != nil {
		return Detail{}, err
	}
	if det.Request.Status != StatusInProgress {
		s.observe("sign", "rejected")
		return Detail{}, ErrRequestNotActive
	}
	sg, err := findSigner(det.Signers, arg.SignerID)
	if err != nil {
		return Detail{}, err
	}
	if sg.Status == SignerSigned || sg.Status == SignerDeclined {
		return Detail{}, ErrAlreadySigned
	}
	if det.Request.Sequential {
		for _, other := range det.Signers {
			if other.SigningOrder < sg.SigningOrder && other.Status != SignerSigned {
				s.observe("sign", "out_of_order")
				return Detail{}, ErrWaitingForPreviousSigners
			}
		}
	}
	if sg.AccessCodeHash != nil {
		ok, err := argon2id.ComparePasswordAndHash(arg.AccessCode, *sg.AccessCodeHash)
		if err != nil {
			return Detail{}, fmt.Errorf("signature: compare access code: %w", err)
		}
		if !ok {
			s.observe("sign", "bad_code")
			return Detail{}, ErrInvalidAccessCode
		}
	}

	signedAt := s.now()
	if err := s.Q.MarkSignerSigned(ctx, store.MarkSignerSignedParams{
		SignerID:  sg.ID,
		SignedAt:  signedAt,
		IP:        arg.IP,
		UserAgent: arg.UserAgent,
		Location:  arg.Location,
	}); err != nil {
		return Detail{}, fmt.Errorf("signature: mark signed: %w", err)
	}
	if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureSigned, requestID, map[string]any{
		"requestId": requestID,
		"signerId":  sg.ID,
		"email":     sg.Email,
	}); err != nil {
		return Detail{}, fmt.Errorf("signature: emit signed: %w", err)
	}

	signers, err := s.Q.ListSigners(ctx, requestID)
	if err != nil {
		return Detail{}, fmt.Errorf("signature: reload signers: %w", err)
	}
	det.Signers = signers

	if allSigned(signers) {
		if err := s.complete(ctx, orgID, &det.Request, signers); err != nil {
			return Detail{}, err
		}
	} else if det.Request.Sequential {
		if next := nextPendingSigner(signers); next != nil {
			if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureSent, requestID, map[string]any{
				"requestId":  requestID,
				"proposalId": det.Request.ProposalID,
				"signerId":   next.ID,
				"email":      next.Email,
			}); err != nil {
				return Detail{}, fmt.Errorf("signature: emit next signer: %w", err)
			}
		}
	}
	s.observe("sign", "ok")
	return det, nil
}

func (s *Service) complete(ctx context.Context, orgID uuid.UUID, req *store.SignatureRequest, signers []store.Signer) error {
	issuedAt := s.now()
	summary, certHash, err := BuildCertificate(req.DocumentHash, signers, issuedAt)
	if err != nil {
		return err
	}
	if _, err := s.Q.InsertCertificate(ctx, store.InsertCertificateParams{
		RequestID:       req.ID,
		DocumentHash:    req.DocumentHash,
		SignerSummary:   summary,
		IssuedAt:        issuedAt,
		CertificateHash: certHash,
	}); err != nil {
		return fmt.Errorf("signature: insert certificate: %w", err)
	}
	if err := s.Q.UpdateSignatureRequestStatus(ctx, req.ID, StatusCompleted); err != nil {
		return fmt.Errorf("signature: mark completed: %w", err)
	}
	req.Status = StatusCompleted
	req.CompletedAt = &issuedAt
	if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureCompleted, req.ID, map[string]any{
		"requestId":       req.ID,
		"proposalId":      req.ProposalID,
		"certificateHash": certHash,
	}); err != nil {
		return fmt.Errorf("signature: emit completed: %w", err)
	}
	s.observe("complete", "ok")
	return nil
}

// Decline records a signer's refusal and cancels the whole request. It is only
// available when the request was created with the decline option.
func (s *Service) Decline(ctx context.Context, orgID, requestID, signerID uuid.UUID, reason string) (Detail, error) {
	det, err := s.Get(ctx, orgID, requestID)
	if err != nil {
		return Detail{}, err
	}
	if det.Request.Status != StatusInProgress {
		s.observe("decline", "rejected")
		return Detail{}, ErrRequestNotActive
	}
	if !det.Request.AllowDecline {
		s.observe("decline", "not_allowed")
		return Detail{}, ErrDeclineNotAllowed
	}
	sg, err := findSigner(det.Signers, signerID)
	if err != nil {
		return Detail{}, err
	}
	if sg.Status == SignerSigned || sg.Status == SignerDeclined {
		return Detail{}, ErrAlreadySigned
	}
	if err := s.Q.MarkSignerDeclined(ctx, signerID, s.now()); err != nil {
		return Detail{}, fmt.Errorf("signature: mark declined: %w", err)
	}
	if err := s.Q.UpdateSignatureRequestStatus(ctx, requestID, StatusCancelled); err != nil {
		return Detail{}, fmt.Errorf("signature: cancel request: %w", err)
	}
	det.Request.Status = StatusCancelled
	if _, err := s.Bus.Emit(ctx, orgID, events.TopicSignatureDeclined, requestID, map[string]any{
		"requestId": requestID,
		"signerId":  signerID,
		"email":     sg.Email,
		"reason":    reason,
	}); err != nil {
		return Detail{}, fmt.Errorf("signature: emit declined: %w", err)
	}
	s.observe("decline", "ok")
	return det, nil
}

// ExpireDue marks overdue requests as expired and emits an event per request.
// The worker calls this on a schedule; limit bounds one sweep.
func (s *Service) ExpireDue(ctx context.Context, limit int32) (int, error) {
	expired, err := s.Q.ExpireSignatureRequests(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("signature: expire requests: %w", err)
	}
	for _, req := range expired {
		if _, err := s.Bus.Emit(ctx, req.OrgID, events.TopicSignatureExpired, req.ID, map[string]any{
			"requestId":  req.ID,
			"proposalId": req.ProposalID,
		}); err != nil {
			return len(expired), fmt.Errorf("signature: emit expired: %w", err)
		}
		s.observe("expire", "ok")
	}
	return len(expired), nil
}

// Verify checks presented document content against the certificate of a
// completed request.
func (s *Service) Verify(ctx context.Context, orgID, requestID uuid.UUID, content []byte) (VerifyResult, error) {
	req, err := s.Q.GetSignatureRequest(ctx, orgID, requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerifyResult{}, ErrRequestNotFound
		}
		return VerifyResult{}, fmt.Errorf("signature: get request: %w", err)
	}
	cert, err := s.Q.GetCertificateByRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerifyResult{DocumentHash: common.Sha256HexBytes(content), Reason: "no certificate has been issued"}, nil
		}
		return VerifyResult{}, fmt.Errorf("signature: get certificate: %w", err)
	}
	return VerifyDocument(req, cert, content), nil
}

func (s *Service) observe(transition, result string) {
	if obs.SignatureTransitionTotal != nil {
		obs.SignatureTransitionTotal.WithLabelValues(transition, result).Inc()
	}
}

func findSigner(signers []store.Signer, id uuid.UUID) (store.Signer, error) {
	for _, sg := range signers {
		if sg.ID == id {
			return sg, nil
		}
	}
	return store.Signer{}, ErrSignerNotFound
}

func allSigned(signers []store.Signer) bool {
	for _, sg := range signers {
		if sg.Status != SignerSigned {
			return false
		}
	}
	return true
}

func nextPendingSigner(signers []store.Signer) *store.Signer {
	for i := range signers {
		if signers[i].Status == SignerPending || signers[i].Status == SignerViewed {
			return &signers[i]
		}
	}
	return nil
}
