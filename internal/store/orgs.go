package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Org is a tenant organisation with its pricing and billing settings. The
// override columns are nullable: nil means the org never configured a value
// and inherits the platform default, so an explicit zero stays a zero.
type Org struct {
	ID              uuid.UUID
	Slug            string
	Name            string
	PlanID          string
	Comped          bool
	TaxRate         *float64
	DepositPercent  *float64
	ApprovalPercent *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Plan describes per-dimension monthly limits. -1 means unlimited.
type Plan struct {
	ID                string
	Name              string
	ProposalsPerMonth int64
	AICallsPerMonth   int64
	EmailsPerMonth    int64
	TeamMembers       int64
	StorageMB         int64
}

// GetOrgBySlug loads an organisation by its slug.
func (s *Store) GetOrgBySlug(ctx context.Context, slug string) (Org, error) {
	const q = `
SELECT id, slug, name, plan_id, comped, tax_rate, deposit_percent, approval_percent, created_at, updated_at
FROM orgs WHERE slug = $1`
	var o Org
	err := s.pool.QueryRow(ctx, q, slug).Scan(
		&o.ID, &o.Slug, &o.Name, &o.PlanID, &o.Comped,
		&o.TaxRate, &o.DepositPercent, &o.ApprovalPercent, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// GetOrg loads an organisation by primary key.
func (s *Store) GetOrg(ctx context.Context, id uuid.UUID) (Org, error) {
	const q = `
SELECT id, slug, name, plan_id, comped, tax_rate, deposit_percent, approval_percent, created_at, updated_at
FROM orgs WHERE id = $1`
	var o Org
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&o.ID, &o.Slug, &o.Name, &o.PlanID, &o.Comped,
		&o.TaxRate, &o.DepositPercent, &o.ApprovalPercent, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// UpdateOrgSettingsParams captures mutable org-level configuration. A nil
// value clears the override back to the platform default.
type UpdateOrgSettingsParams struct {
	OrgID           uuid.UUID
	TaxRate         *float64
	DepositPercent  *float64
	ApprovalPercent *float64
}

// UpdateOrgSettings persists org-level pricing configuration.
func (s *Store) UpdateOrgSettings(ctx context.Context, arg UpdateOrgSettingsParams) (Org, error) {
	const q = `
UPDATE orgs SET tax_rate = $2, deposit_percent = $3, approval_percent = $4, updated_at = now()
WHERE id = $1
RETURNING id, slug, name, plan_id, comped, tax_rate, deposit_percent, approval_percent, created_at, updated_at`
	var o Org
	err := s.pool.QueryRow(ctx, q, arg.OrgID, arg.TaxRate, arg.DepositPercent, arg.ApprovalPercent).Scan(
		&o.ID, &o.Slug, &o.Name, &o.PlanID, &o.Comped,
		&o.TaxRate, &o.DepositPercent, &o.ApprovalPercent, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// GetPlan loads the limit set for a plan.
func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	const q = `
SELECT id, name, proposals_per_month, ai_calls_per_month, emails_per_month, team_members, storage_mb
FROM plans WHERE id = $1`
	var p Plan
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&p.ID, &p.Name, &p.ProposalsPerMonth, &p.AICallsPerMonth, &p.EmailsPerMonth, &p.TeamMembers, &p.StorageMB,
	)
	return p, err
}

// ServiceDef is one offerable service with its measurement binding and default price.
type ServiceDef struct {
	ID            string
	OrgID         *uuid.UUID
	Name          string
	Unit          string
	QuantityField string
	UnitPrice     float64
	Active        bool
}

// ListServices returns active service definitions for an org, falling back to
// platform defaults (org_id IS NULL) where the org has no override.
func (s *Store) ListServices(ctx context.Context, orgID uuid.UUID) ([]ServiceDef, error) {
	const q = `
SELECT DISTINCT ON (id) id, org_id, name, unit, quantity_field, unit_price, active
FROM service_defs
WHERE (org_id = $1 OR org_id IS NULL) AND active
ORDER BY id, org_id NULLS LAST`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []ServiceDef
	for rows.Next() {
		var d ServiceDef
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &d.Unit, &d.QuantityField, &d.UnitPrice, &d.Active); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
