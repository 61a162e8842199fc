package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ABTest is a discount experiment with a lifecycle status.
type ABTest struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ABVariant is one arm of a test with aggregate counters.
type ABVariant struct {
	ID                uuid.UUID
	TestID            uuid.UUID
	Name              string
	IsControl         bool
	Position          int32
	TrafficAllocation float64
	DiscountPercent   float64
	Impressions       int64
	Conversions       int64
	TotalRevenue      float64
}

// ABAssignment is the sticky (test, user) to variant mapping.
type ABAssignment struct {
	TestID     uuid.UUID
	UserID     string
	VariantID  uuid.UUID
	AssignedAt time.Time
}

// InsertABTest creates a test in the draft state.
func (s *Store) InsertABTest(ctx context.Context, orgID uuid.UUID, name string) (ABTest, error) {
	const q = `
INSERT INTO ab_tests (org_id, name, status) VALUES ($1,$2,'draft')
RETURNING id, org_id, name, status, created_at, updated_at`
	var t ABTest
	err := s.pool.QueryRow(ctx, q, orgID, name).Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// ListABTests returns an org's tests, newest first.
func (s *Store) ListABTests(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]ABTest, error) {
	const q = `
SELECT id, org_id, name, status, created_at, updated_at
FROM ab_tests WHERE org_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ABTest
	for rows.Next() {
		var t ABTest
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertABVariantParams carries creation fields for one test arm.
type InsertABVariantParams struct {
	TestID            uuid.UUID
	Name              string
	IsControl         bool
	Position          int32
	TrafficAllocation float64
	DiscountPercent   float64
}

// InsertABVariant adds an arm to a test.
func (s *Store) InsertABVariant(ctx context.Context, arg InsertABVariantParams) (ABVariant, error) {
	const q = `
INSERT INTO ab_variants (test_id, name, is_control, position, traffic_allocation, discount_percent)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, test_id, name, is_control, position, traffic_allocation, discount_percent,
  impressions, conversions, total_revenue`
	var v ABVariant
	err := s.pool.QueryRow(ctx, q, arg.TestID, arg.Name, arg.IsControl, arg.Position, arg.TrafficAllocation, arg.DiscountPercent).Scan(
		&v.ID, &v.TestID, &v.Name, &v.IsControl, &v.Position, &v.TrafficAllocation,
		&v.DiscountPercent, &v.Impressions, &v.Conversions, &v.TotalRevenue)
	return v, err
}

// GetABTest loads a test scoped to an org.
func (s *Store) GetABTest(ctx context.Context, orgID, id uuid.UUID) (ABTest, error) {
	const q = `SELECT id, org_id, name, status, created_at, updated_at FROM ab_tests WHERE org_id = $1 AND id = $2`
	var t ABTest
	err := s.pool.QueryRow(ctx, q, orgID, id).Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// UpdateABTestStatus transitions a test between lifecycle states.
func (s *Store) UpdateABTestStatus(ctx context.Context, orgID, id uuid.UUID, status string) error {
	const q = `UPDATE ab_tests SET status = $3, updated_at = now() WHERE org_id = $1 AND id = $2`
	_, err := s.pool.Exec(ctx, q, orgID, id, status)
	return err
}

// ListABVariants returns the control variant first, then test variants in
// their configured order.
func (s *Store) ListABVariants(ctx context.Context, testID uuid.UUID) ([]ABVariant, error) {
	const q = `
SELECT id, test_id, name, is_control, position, traffic_allocation, discount_percent,
  impressions, conversions, total_revenue
FROM ab_variants WHERE test_id = $1
ORDER BY is_control DESC, position ASC`
	rows, err := s.pool.Query(ctx, q, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ABVariant
	for rows.Next() {
		var v ABVariant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.IsControl, &v.Position, &v.TrafficAllocation,
			&v.DiscountPercent, &v.Impressions, &v.Conversions, &v.TotalRevenue); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetABVariant loads a single variant.
func (s *Store) GetABVariant(ctx context.Context, id uuid.UUID) (ABVariant, error) {
	const q = `
SELECT id, test_id, name, is_control, position, traffic_allocation, discount_percent,
  impressions, conversions, total_revenue
FROM ab_variants WHERE id = $1`
	var v ABVariant
	err := s.pool.QueryRow(ctx, q, id).Scan(&v.ID, &v.TestID, &v.Name, &v.IsControl, &v.Position,
		&v.TrafficAllocation, &v.DiscountPercent, &v.Impressions, &v.Conversions, &v.TotalRevenue)
	return v, err
}

// GetABAssignment looks up an existing sticky assignment.
func (s *Store) GetABAssignment(ctx context.Context, testID uuid.UUID, userID string) (ABAssignment, error) {
	const q = `SELECT test_id, user_id, variant_id, assigned_at FROM ab_assignments WHERE test_id = $1 AND user_id = $2`
	var a ABAssignment
	err := s.pool.QueryRow(ctx, q, testID, userID).Scan(&a.TestID, &a.UserID, &a.VariantID, &a.AssignedAt)
	return a, err
}

// InsertABAssignment persists a new assignment. The (test_id, user_id)
// uniqueness constraint makes concurrent first assignments first-write-wins;
// callers must treat a unique violation as "read back the winner".
func (s *Store) InsertABAssignment(ctx context.Context, testID uuid.UUID, userID string, variantID uuid.UUID) error {
	const q = `INSERT INTO ab_assignments (test_id, user_id, variant_id) VALUES ($1,$2,$3)`
	_, err := s.pool.Exec(ctx, q, testID, userID, variantID)
	return err
}

// IncrementABImpressions bumps the impression counter for a variant.
func (s *Store) IncrementABImpressions(ctx context.Context, variantID uuid.UUID) error {
	const q = `UPDATE ab_variants SET impressions = impressions + 1 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, variantID)
	return err
}

// RecordABConversion bumps the conversion counter and accumulates revenue.
func (s *Store) RecordABConversion(ctx context.Context, variantID uuid.UUID, revenue float64) error {
	const q = `UPDATE ab_variants SET conversions = conversions + 1, total_revenue = total_revenue + $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, variantID, revenue)
	return err
}
