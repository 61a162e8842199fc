package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PromoCode is a customer-facing discount code with usage constraints.
type PromoCode struct {
	ID                  uuid.UUID
	OrgID               uuid.UUID
	Code                string
	Name                string
	DiscountType        string
	DiscountValue       float64
	MaxDiscountAmount   *float64
	MinOrderAmount      float64
	MaxUsesTotal        *int32
	MaxUsesPerCustomer  *int32
	UsesTotal           int32
	CustomerRestriction string
	StartsAt            *time.Time
	ExpiresAt           *time.Time
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Campaign is a time-windowed seasonal discount, optionally service-restricted.
type Campaign struct {
	ID                 uuid.UUID
	OrgID              uuid.UUID
	Name               string
	DiscountType       string
	DiscountValue      float64
	MaxDiscountAmount  *float64
	StartsAt           time.Time
	ExpiresAt          time.Time
	ApplicableServices []string
	Active             bool
}

// LoyaltyTier grants a recurring discount percentage per customer status level.
type LoyaltyTier struct {
	OrgID           uuid.UUID
	Tier            string
	DiscountPercent float64
}

// VolumeRule grants a discount when a subtotal or quantity threshold is crossed.
type VolumeRule struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	Name              string
	MinSubtotal       float64
	MinQuantity       *float64
	DiscountType      string
	DiscountValue     float64
	MaxDiscountAmount *float64
	Active            bool
}

const promoColumns = `id, org_id, code, name, discount_type, discount_value, max_discount_amount,
  min_order_amount, max_uses_total, max_uses_per_customer, uses_total, customer_restriction,
  starts_at, expires_at, active, created_at, updated_at`

// GetPromoByCodeForUpdate loads a promo code row with a row lock so the
// settlement path can increment uses_total without racing.
func (s *Store) GetPromoByCodeForUpdate(ctx context.Context, orgID uuid.UUID, code string) (PromoCode, error) {
	q := `SELECT ` + promoColumns + ` FROM promo_codes WHERE org_id = $1 AND code = $2 FOR UPDATE`
	return s.scanPromo(s.pool.QueryRow(ctx, q, orgID, code))
}

// GetPromoByCode loads a promo code row without locking.
func (s *Store) GetPromoByCode(ctx context.Context, orgID uuid.UUID, code string) (PromoCode, error) {
	q := `SELECT ` + promoColumns + ` FROM promo_codes WHERE org_id = $1 AND code = $2`
	return s.scanPromo(s.pool.QueryRow(ctx, q, orgID, code))
}

// InsertPromoParams carries fields for creating a promo code.
type InsertPromoParams struct {
	OrgID               uuid.UUID
	Code                string
	Name                string
	DiscountType        string
	DiscountValue       float64
	MaxDiscountAmount   *float64
	MinOrderAmount      float64
	MaxUsesTotal        *int32
	MaxUsesPerCustomer  *int32
	CustomerRestriction string
	StartsAt            *time.Time
	ExpiresAt           *time.Time
}

// InsertPromo creates a promo code.
func (s *Store) InsertPromo(ctx context.Context, arg InsertPromoParams) (PromoCode, error) {
	q := `
INSERT INTO promo_codes (
  org_id, code, name, discount_type, discount_value, max_discount_amount,
  min_order_amount, max_uses_total, max_uses_per_customer, customer_restriction, starts_at, expires_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING ` + promoColumns
	return s.scanPromo(s.pool.QueryRow(ctx, q,
		arg.OrgID, arg.Code, arg.Name, arg.DiscountType, arg.DiscountValue, arg.MaxDiscountAmount,
		arg.MinOrderAmount, arg.MaxUsesTotal, arg.MaxUsesPerCustomer, arg.CustomerRestriction, arg.StartsAt, arg.ExpiresAt,
	))
}

// DeactivatePromo retires a promo code without deleting its redemption history.
func (s *Store) DeactivatePromo(ctx context.Context, orgID uuid.UUID, code string) error {
	const q = `UPDATE promo_codes SET active = false, updated_at = now() WHERE org_id = $1 AND code = $2`
	_, err := s.pool.Exec(ctx, q, orgID, code)
	return err
}

// CountPromoRedemptionsByCustomer returns how many times a customer used a promo.
func (s *Store) CountPromoRedemptionsByCustomer(ctx context.Context, promoID, customerID uuid.UUID) (int64, error) {
	const q = `SELECT count(*) FROM promo_redemptions WHERE promo_id = $1 AND customer_id = $2`
	var n int64
	err := s.pool.QueryRow(ctx, q, promoID, customerID).Scan(&n)
	return n, err
}

// GetPromoRedemptionByProposal checks whether a promo was already settled for a proposal.
func (s *Store) GetPromoRedemptionByProposal(ctx context.Context, promoID, proposalID uuid.UUID) (uuid.UUID, error) {
	const q = `SELECT id FROM promo_redemptions WHERE promo_id = $1 AND proposal_id = $2`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q, promoID, proposalID).Scan(&id)
	return id, err
}

// InsertPromoRedemptionParams records one settled promo use.
type InsertPromoRedemptionParams struct {
	PromoID    uuid.UUID
	ProposalID uuid.UUID
	CustomerID uuid.UUID
	Amount     float64
}

// InsertPromoRedemption records promo usage for a proposal.
func (s *Store) InsertPromoRedemption(ctx context.Context, arg InsertPromoRedemptionParams) error {
	const q = `
INSERT INTO promo_redemptions (promo_id, proposal_id, customer_id, amount)
VALUES ($1,$2,$3,$4)`
	_, err := s.pool.Exec(ctx, q, arg.PromoID, arg.ProposalID, arg.CustomerID, arg.Amount)
	return err
}

// IncrementPromoUses bumps the global usage counter for a promo.
func (s *Store) IncrementPromoUses(ctx context.Context, promoID uuid.UUID) error {
	const q = `UPDATE promo_codes SET uses_total = uses_total + 1, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, promoID)
	return err
}

// ListActiveCampaigns returns campaigns whose window contains now.
func (s *Store) ListActiveCampaigns(ctx context.Context, orgID uuid.UUID, now time.Time) ([]Campaign, error) {
	const q = `
SELECT id, org_id, name, discount_type, discount_value, max_discount_amount,
  starts_at, expires_at, applicable_services, active
FROM campaigns
WHERE org_id = $1 AND active AND starts_at <= $2 AND expires_at >= $2`
	rows, err := s.pool.Query(ctx, q, orgID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.DiscountType, &c.DiscountValue, &c.MaxDiscountAmount,
			&c.StartsAt, &c.ExpiresAt, &c.ApplicableServices, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCampaignParams carries fields for creating a seasonal campaign.
type InsertCampaignParams struct {
	OrgID              uuid.UUID
	Name               string
	DiscountType       string
	DiscountValue      float64
	MaxDiscountAmount  *float64
	StartsAt           time.Time
	ExpiresAt          time.Time
	ApplicableServices []string
}

// InsertCampaign creates a seasonal campaign.
func (s *Store) InsertCampaign(ctx context.Context, arg InsertCampaignParams) (Campaign, error) {
	const q = `
INSERT INTO campaigns (org_id, name, discount_type, discount_value, max_discount_amount, starts_at, expires_at, applicable_services)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id, org_id, name, discount_type, discount_value, max_discount_amount, starts_at, expires_at, applicable_services, active`
	var c Campaign
	err := s.pool.QueryRow(ctx, q, arg.OrgID, arg.Name, arg.DiscountType, arg.DiscountValue, arg.MaxDiscountAmount,
		arg.StartsAt, arg.ExpiresAt, arg.ApplicableServices).Scan(
		&c.ID, &c.OrgID, &c.Name, &c.DiscountType, &c.DiscountValue, &c.MaxDiscountAmount,
		&c.StartsAt, &c.ExpiresAt, &c.ApplicableServices, &c.Active)
	return c, err
}

// GetLoyaltyTier returns the loyalty configuration for a tier name.
func (s *Store) GetLoyaltyTier(ctx context.Context, orgID uuid.UUID, tier string) (LoyaltyTier, error) {
	const q = `SELECT org_id, tier, discount_percent FROM loyalty_tiers WHERE org_id = $1 AND tier = $2`
	var lt LoyaltyTier
	err := s.pool.QueryRow(ctx, q, orgID, tier).Scan(&lt.OrgID, &lt.Tier, &lt.DiscountPercent)
	return lt, err
}

// ListVolumeRules returns active volume rules for an org.
func (s *Store) ListVolumeRules(ctx context.Context, orgID uuid.UUID) ([]VolumeRule, error) {
	const q = `
SELECT id, org_id, name, min_subtotal, min_quantity, discount_type, discount_value, max_discount_amount, active
FROM volume_rules WHERE org_id = $1 AND active`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VolumeRule
	for rows.Next() {
		var v VolumeRule
		if err := rows.Scan(&v.ID, &v.OrgID, &v.Name, &v.MinSubtotal, &v.MinQuantity,
			&v.DiscountType, &v.DiscountValue, &v.MaxDiscountAmount, &v.Active); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) scanPromo(row rowScanner) (PromoCode, error) {
	var p PromoCode
	err := row.Scan(
		&p.ID, &p.OrgID, &p.Code, &p.Name, &p.DiscountType, &p.DiscountValue, &p.MaxDiscountAmount,
		&p.MinOrderAmount, &p.MaxUsesTotal, &p.MaxUsesPerCustomer, &p.UsesTotal, &p.CustomerRestriction,
		&p.StartsAt, &p.ExpiresAt, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
