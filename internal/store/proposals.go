package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Proposal is a priced offer snapshot. Line items and applied discounts are
// stored as JSON exactly as computed; they are never re-derived from a saved
// proposal.
type Proposal struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	CustomerID       uuid.UUID
	Status           string
	Tier             string
	SurfaceCondition string
	Subtotal         float64
	AdjustedSubtotal float64
	DiscountTotal    float64
	TaxAmount        float64
	Total            float64
	DepositAmount    float64
	RequiresApproval bool
	LineItems        []byte
	AppliedDiscounts []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InsertProposalParams carries the snapshot captured at pricing time.
type InsertProposalParams struct {
	OrgID            uuid.UUID
	CustomerID       uuid.UUID
	Tier             string
	SurfaceCondition string
	Subtotal         float64
	AdjustedSubtotal float64
	DiscountTotal    float64
	TaxAmount        float64
	Total            float64
	DepositAmount    float64
	RequiresApproval bool
	LineItems        []byte
	AppliedDiscounts []byte
}

// InsertProposal persists a new draft proposal.
func (s *Store) InsertProposal(ctx context.Context, arg InsertProposalParams) (Proposal, error) {
	const q = `
INSERT INTO proposals (
  org_id, customer_id, status, tier, surface_condition,
  subtotal, adjusted_subtotal, discount_total, tax_amount, total, deposit_amount,
  requires_approval, line_items, applied_discounts
) VALUES ($1,$2,'draft',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id, org_id, customer_id, status, tier, surface_condition,
  subtotal, adjusted_subtotal, discount_total, tax_amount, total, deposit_amount,
  requires_approval, line_items, applied_discounts, created_at, updated_at`
	return s.scanProposal(s.pool.QueryRow(ctx, q,
		arg.OrgID, arg.CustomerID, arg.Tier, arg.SurfaceCondition,
		arg.Subtotal, arg.AdjustedSubtotal, arg.DiscountTotal, arg.TaxAmount, arg.Total, arg.DepositAmount,
		arg.RequiresApproval, arg.LineItems, arg.AppliedDiscounts,
	))
}

// GetProposal loads a proposal scoped to an organisation.
func (s *Store) GetProposal(ctx context.Context, orgID, id uuid.UUID) (Proposal, error) {
	const q = `
SELECT id, org_id, customer_id, status, tier, surface_condition,
  subtotal, adjusted_subtotal, discount_total, tax_amount, total, deposit_amount,
  requires_approval, line_items, applied_discounts, created_at, updated_at
FROM proposals WHERE org_id = $1 AND id = $2`
	return s.scanProposal(s.pool.QueryRow(ctx, q, orgID, id))
}

// ListProposals returns proposals for an org newest first.
func (s *Store) ListProposals(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]Proposal, error) {
	const q = `
SELECT id, org_id, customer_id, status, tier, surface_condition,
  subtotal, adjusted_subtotal, discount_total, tax_amount, total, deposit_amount,
  requires_approval, line_items, applied_discounts, created_at, updated_at
FROM proposals WHERE org_id = $1
ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		p, err := s.scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProposalStatus moves a proposal between workflow states.
func (s *Store) UpdateProposalStatus(ctx context.Context, orgID, id uuid.UUID, status string) error {
	const q = `UPDATE proposals SET status = $3, updated_at = now() WHERE org_id = $1 AND id = $2`
	_, err := s.pool.Exec(ctx, q, orgID, id, status)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProposal(row rowScanner) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID, &p.OrgID, &p.CustomerID, &p.Status, &p.Tier, &p.SurfaceCondition,
		&p.Subtotal, &p.AdjustedSubtotal, &p.DiscountTotal, &p.TaxAmount, &p.Total, &p.DepositAmount,
		&p.RequiresApproval, &p.LineItems, &p.AppliedDiscounts, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
