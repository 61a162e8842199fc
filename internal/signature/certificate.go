package signature

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// signerRecord is the per-signer evidence embedded in a certificate.
type signerRecord struct {
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	SigningOrder int32      `json:"signingOrder"`
	Status       string     `json:"status"`
	SignedAt     *time.Time `json:"signedAt,omitempty"`
	SignedIP     *string    `json:"signedIp,omitempty"`
	UserAgent    *string    `json:"userAgent,omitempty"`
	Location     *string    `json:"location,omitempty"`
}

// BuildCertificate assembles the tamper-evidence record issued at completion.
// The certificate hash covers the document hash, issuance time and the full
// signer summary, so any change to a signer's recorded data changes the hash.
func BuildCertificate(documentHash string, signers []store.Signer, issuedAt time.Time) (summary []byte, certificateHash string, err error) {
	records := make([]signerRecord, 0, len(signers))
	for _, sg := range signers {
		records = append(records, signerRecord{
			Email:        sg.Email,
			Name:         sg.Name,
			SigningOrder: sg.SigningOrder,
			Status:       sg.Status,
			SignedAt:     sg.SignedAt,
			SignedIP:     sg.SignedIP,
			UserAgent:    sg.SignedUserAgent,
			Location:     sg.SignedLocation,
		})
	}
	summary, err = json.Marshal(records)
	if err != nil {
		return nil, "", fmt.Errorf("signature: encode signer summary: %w", err)
	}
	payload := fmt.Sprintf("%s|%s|%s", documentHash, issuedAt.UTC().Format(time.RFC3339Nano), summary)
	return summary, common.Sha256Hex(payload), nil
}

// VerifyResult reports certificate verification. IsValid requires both an
// untampered document and a completed request.
type VerifyResult struct {
	IsValid      bool   `json:"isValid"`
	DocumentHash string `json:"documentHash"`
	Reason       string `json:"reason,omitempty"`
}

// VerifyDocument re-hashes the presented content against the stored document
// hash and checks the request reached completion.
func VerifyDocument(req store.SignatureRequest, cert store.Certificate, content []byte) VerifyResult {
	currentHash := common.Sha256HexBytes(content)
	if currentHash != cert.DocumentHash {
		return VerifyResult{DocumentHash: currentHash, Reason: "document content does not match the signed version"}
	}
	if req.Status != StatusCompleted {
		return VerifyResult{DocumentHash: currentHash, Reason: "signature request was never completed"}
	}
	return VerifyResult{IsValid: true, DocumentHash: currentHash}
}
