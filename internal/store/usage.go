package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage dimension column names. Storage is a footprint, not a rate, and is
// the only dimension that survives the monthly reset.
const (
	DimProposals   = "proposals"
	DimAICalls     = "ai_calls"
	DimEmails      = "emails"
	DimTeamMembers = "team_members"
	DimStorageMB   = "storage_mb"
)

var usageColumns = map[string]string{
	DimProposals:   "proposals",
	DimAICalls:     "ai_calls",
	DimEmails:      "emails",
	DimTeamMembers: "team_members",
	DimStorageMB:   "storage_mb",
}

// UsageCounters holds one org's counters for the current period.
type UsageCounters struct {
	OrgID       uuid.UUID
	PeriodStart time.Time
	Proposals   int64
	AICalls     int64
	Emails      int64
	TeamMembers int64
	StorageMB   int64
	UpdatedAt   time.Time
}

// GetUsage loads the current usage row for an org, creating a zeroed row for
// the given period when none exists.
func (s *Store) GetUsage(ctx context.Context, orgID uuid.UUID, periodStart time.Time) (UsageCounters, error) {
	const q = `
INSERT INTO usage_counters (org_id, period_start)
VALUES ($1, $2)
ON CONFLICT (org_id) DO UPDATE SET org_id = usage_counters.org_id
RETURNING org_id, period_start, proposals, ai_calls, emails, team_members, storage_mb, updated_at`
	var u UsageCounters
	err := s.pool.QueryRow(ctx, q, orgID, periodStart).Scan(
		&u.OrgID, &u.PeriodStart, &u.Proposals, &u.AICalls, &u.Emails, &u.TeamMembers, &u.StorageMB, &u.UpdatedAt,
	)
	return u, err
}

// IncrementUsage atomically adds delta to one dimension. This is the server
// side atomic increment; callers fall back to read-modify-write only when it
// is unavailable.
func (s *Store) IncrementUsage(ctx context.Context, orgID uuid.UUID, dimension string, delta int64) error {
	col, ok := usageColumns[dimension]
	if !ok {
		return fmt.Errorf("usage: unknown dimension %q", dimension)
	}
	q := fmt.Sprintf(`UPDATE usage_counters SET %s = %s + $2, updated_at = now() WHERE org_id = $1`, col, col)
	_, err := s.pool.Exec(ctx, q, orgID, delta)
	return err
}

// SetUsage overwrites one dimension. Fallback path for stores without the
// atomic increment; not safe under concurrent writers.
func (s *Store) SetUsage(ctx context.Context, orgID uuid.UUID, dimension string, value int64) error {
	col, ok := usageColumns[dimension]
	if !ok {
		return fmt.Errorf("usage: unknown dimension %q", dimension)
	}
	q := fmt.Sprintf(`UPDATE usage_counters SET %s = $2, updated_at = now() WHERE org_id = $1`, col)
	_, err := s.pool.Exec(ctx, q, orgID, value)
	return err
}

// ArchiveUsage copies the current counters into the monthly rollup table.
func (s *Store) ArchiveUsage(ctx context.Context, u UsageCounters) error {
	const q = `
INSERT INTO usage_rollups (org_id, period_start, proposals, ai_calls, emails, team_members, storage_mb)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (org_id, period_start) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, u.OrgID, u.PeriodStart, u.Proposals, u.AICalls, u.Emails, u.TeamMembers, u.StorageMB)
	return err
}

// ListStaleUsageOrgs returns org IDs whose counters still sit in a period
// older than before, oldest first.
func (s *Store) ListStaleUsageOrgs(ctx context.Context, before time.Time, limit int32) ([]uuid.UUID, error) {
	const q = `
SELECT org_id FROM usage_counters
WHERE period_start < $1
ORDER BY period_start
LIMIT $2`
	rows, err := s.pool.Query(ctx, q, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetUsage zeroes the rate counters for a new period. Storage is carried
// over untouched.
func (s *Store) ResetUsage(ctx context.Context, orgID uuid.UUID, newPeriod time.Time) error {
	const q = `
UPDATE usage_counters
SET period_start = $2, proposals = 0, ai_calls = 0, emails = 0, team_members = 0, updated_at = now()
WHERE org_id = $1`
	_, err := s.pool.Exec(ctx, q, orgID, newPeriod)
	return err
}
