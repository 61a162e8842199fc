package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SignatureRequest is the persistent state of one signing workflow.
type SignatureRequest struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	ProposalID   uuid.UUID
	Status       string
	Sequential   bool
	AllowDecline bool
	Message      *string
	DocumentHash string
	ExpiresAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Signer is one signing party. AccessCodeHash is an argon2id digest; the
// plain code is never stored.
type Signer struct {
	ID              uuid.UUID
	RequestID       uuid.UUID
	Email           string
	Name            string
	SigningOrder    int32
	Status          string
	AccessCodeHash  *string
	ViewedAt        *time.Time
	SignedAt        *time.Time
	DeclinedAt      *time.Time
	SignedIP        *string
	SignedUserAgent *string
	SignedLocation  *string
}

// Certificate is the tamper-evidence record issued at completion.
type Certificate struct {
	ID              uuid.UUID
	RequestID       uuid.UUID
	DocumentHash    string
	SignerSummary   []byte
	IssuedAt        time.Time
	CertificateHash string
}

const sigRequestColumns = `id, org_id, proposal_id, status, sequential, allow_decline, message,
  document_hash, expires_at, completed_at, created_at, updated_at`

// InsertSignatureRequestParams carries creation fields for a request.
type InsertSignatureRequestParams struct {
	OrgID        uuid.UUID
	ProposalID   uuid.UUID
	Sequential   bool
	AllowDecline bool
	Message      *string
	DocumentHash string
	ExpiresAt    *time.Time
}

// InsertSignatureRequest creates a request in the pending state.
func (s *Store) InsertSignatureRequest(ctx context.Context, arg InsertSignatureRequestParams) (SignatureRequest, error) {
	q := `
INSERT INTO signature_requests (org_id, proposal_id, status, sequential, allow_decline, message, document_hash, expires_at)
VALUES ($1,$2,'pending',$3,$4,$5,$6,$7)
RETURNING ` + sigRequestColumns
	return s.scanSignatureRequest(s.pool.QueryRow(ctx, q,
		arg.OrgID, arg.ProposalID, arg.Sequential, arg.AllowDecline, arg.Message, arg.DocumentHash, arg.ExpiresAt))
}

// GetSignatureRequest loads a request scoped to an org.
func (s *Store) GetSignatureRequest(ctx context.Context, orgID, id uuid.UUID) (SignatureRequest, error) {
	q := `SELECT ` + sigRequestColumns + ` FROM signature_requests WHERE org_id = $1 AND id = $2`
	return s.scanSignatureRequest(s.pool.QueryRow(ctx, q, orgID, id))
}

// UpdateSignatureRequestStatus transitions a request, recording completion time
// when the new status is completed.
func (s *Store) UpdateSignatureRequestStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `
UPDATE signature_requests
SET status = $2,
    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
    updated_at = now()
WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status)
	return err
}

// ExpireSignatureRequests marks overdue pending or in-progress requests as
// expired and returns the affected rows.
func (s *Store) ExpireSignatureRequests(ctx context.Context, now time.Time, limit int32) ([]SignatureRequest, error) {
	q := `
UPDATE signature_requests SET status = 'expired', updated_at = now()
WHERE id IN (
  SELECT id FROM signature_requests
  WHERE status IN ('pending','in_progress') AND expires_at IS NOT NULL AND expires_at < $1
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + sigRequestColumns
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignatureRequest
	for rows.Next() {
		r, err := s.scanSignatureRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertSignerParams carries creation fields for one signing party.
type InsertSignerParams struct {
	RequestID      uuid.UUID
	Email          string
	Name           string
	SigningOrder   int32
	AccessCodeHash *string
}

// InsertSigner adds a signer to a request.
func (s *Store) InsertSigner(ctx context.Context, arg InsertSignerParams) (Signer, error) {
	const q = `
INSERT INTO signers (request_id, email, name, signing_order, status, access_code_hash)
VALUES ($1,$2,$3,$4,'pending',$5)
RETURNING id, request_id, email, name, signing_order, status, access_code_hash,
  viewed_at, signed_at, declined_at, signed_ip, signed_user_agent, signed_location`
	return s.scanSigner(s.pool.QueryRow(ctx, q, arg.RequestID, arg.Email, arg.Name, arg.SigningOrder, arg.AccessCodeHash))
}

// ListSigners returns signers ordered by signing order.
func (s *Store) ListSigners(ctx context.Context, requestID uuid.UUID) ([]Signer, error) {
	const q = `
SELECT id, request_id, email, name, signing_order, status, access_code_hash,
  viewed_at, signed_at, declined_at, signed_ip, signed_user_agent, signed_location
FROM signers WHERE request_id = $1
ORDER BY signing_order ASC`
	rows, err := s.pool.Query(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Signer
	for rows.Next() {
		sg, err := s.scanSigner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// MarkSignerViewed records the first view; later views leave the row untouched.
func (s *Store) MarkSignerViewed(ctx context.Context, signerID uuid.UUID, at time.Time) error {
	const q = `
UPDATE signers SET status = 'viewed', viewed_at = $2
WHERE id = $1 AND status = 'pending'`
	_, err := s.pool.Exec(ctx, q, signerID, at)
	return err
}

// MarkSignerSignedParams records completion evidence for a signer.
type MarkSignerSignedParams struct {
	SignerID  uuid.UUID
	SignedAt  time.Time
	IP        *string
	UserAgent *string
	Location  *string
}

// MarkSignerSigned records a completed signature with its evidence.
func (s *Store) MarkSignerSigned(ctx context.Context, arg MarkSignerSignedParams) error {
	const q = `
UPDATE signers SET status = 'signed', signed_at = $2, signed_ip = $3, signed_user_agent = $4, signed_location = $5
WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, arg.SignerID, arg.SignedAt, arg.IP, arg.UserAgent, arg.Location)
	return err
}

// MarkSignerDeclined records a declined signature.
func (s *Store) MarkSignerDeclined(ctx context.Context, signerID uuid.UUID, at time.Time) error {
	const q = `UPDATE signers SET status = 'declined', declined_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, signerID, at)
	return err
}

// InsertCertificateParams carries the completion certificate fields.
type InsertCertificateParams struct {
	RequestID       uuid.UUID
	DocumentHash    string
	SignerSummary   []byte
	IssuedAt        time.Time
	CertificateHash string
}

// InsertCertificate stores the completion certificate.
func (s *Store) InsertCertificate(ctx context.Context, arg InsertCertificateParams) (Certificate, error) {
	const q = `
INSERT INTO signature_certificates (request_id, document_hash, signer_summary, issued_at, certificate_hash)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, request_id, document_hash, signer_summary, issued_at, certificate_hash`
	var c Certificate
	err := s.pool.QueryRow(ctx, q, arg.RequestID, arg.DocumentHash, arg.SignerSummary, arg.IssuedAt, arg.CertificateHash).Scan(
		&c.ID, &c.RequestID, &c.DocumentHash, &c.SignerSummary, &c.IssuedAt, &c.CertificateHash)
	return c, err
}

// GetCertificateByRequest loads the certificate for a completed request.
func (s *Store) GetCertificateByRequest(ctx context.Context, requestID uuid.UUID) (Certificate, error) {
	const q = `
SELECT id, request_id, document_hash, signer_summary, issued_at, certificate_hash
FROM signature_certificates WHERE request_id = $1`
	var c Certificate
	err := s.pool.QueryRow(ctx, q, requestID).Scan(
		&c.ID, &c.RequestID, &c.DocumentHash, &c.SignerSummary, &c.IssuedAt, &c.CertificateHash)
	return c, err
}

func (s *Store) scanSignatureRequest(row rowScanner) (SignatureRequest, error) {
	var r SignatureRequest
	err := row.Scan(
		&r.ID, &r.OrgID, &r.ProposalID, &r.Status, &r.Sequential, &r.AllowDecline, &r.Message,
		&r.DocumentHash, &r.ExpiresAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (s *Store) scanSigner(row rowScanner) (Signer, error) {
	var sg Signer
	err := row.Scan(
		&sg.ID, &sg.RequestID, &sg.Email, &sg.Name, &sg.SigningOrder, &sg.Status, &sg.AccessCodeHash,
		&sg.ViewedAt, &sg.SignedAt, &sg.DeclinedAt, &sg.SignedIP, &sg.SignedUserAgent, &sg.SignedLocation,
	)
	return sg, err
}
