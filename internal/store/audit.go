package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditLog is one recorded workflow action.
type AuditLog struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	ActorKind    string
	ActorUserID  *string
	Action       string
	ResourceType string
	ResourceID   *string
	IP           *string
	UserAgent    *string
	Metadata     []byte
	CreatedAt    time.Time
}

// InsertAuditLogParams carries audit entry fields.
type InsertAuditLogParams struct {
	OrgID        uuid.UUID
	ActorKind    string
	ActorUserID  *string
	Action       string
	ResourceType string
	ResourceID   *string
	IP           *string
	UserAgent    *string
	Metadata     []byte
}

// InsertAuditLog appends an audit entry.
func (s *Store) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (AuditLog, error) {
	const q = `
INSERT INTO audit_logs (org_id, actor_kind, actor_user_id, action, resource_type, resource_id, ip, user_agent, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id, org_id, actor_kind, actor_user_id, action, resource_type, resource_id, ip, user_agent, metadata, created_at`
	var a AuditLog
	err := s.pool.QueryRow(ctx, q, arg.OrgID, arg.ActorKind, arg.ActorUserID, arg.Action,
		arg.ResourceType, arg.ResourceID, arg.IP, arg.UserAgent, arg.Metadata).Scan(
		&a.ID, &a.OrgID, &a.ActorKind, &a.ActorUserID, &a.Action, &a.ResourceType, &a.ResourceID,
		&a.IP, &a.UserAgent, &a.Metadata, &a.CreatedAt)
	return a, err
}

// ListAuditLogsParams filters the audit log listing.
type ListAuditLogsParams struct {
	OrgID        uuid.UUID
	ResourceType string
	ResourceID   string
	Limit        int32
	Offset       int32
}

// ListAuditLogs returns audit entries newest first, optionally filtered by resource.
func (s *Store) ListAuditLogs(ctx context.Context, arg ListAuditLogsParams) ([]AuditLog, error) {
	const q = `
SELECT id, org_id, actor_kind, actor_user_id, action, resource_type, resource_id, ip, user_agent, metadata, created_at
FROM audit_logs
WHERE org_id = $1
  AND ($2 = '' OR resource_type = $2)
  AND ($3 = '' OR resource_id = $3)
ORDER BY created_at DESC LIMIT $4 OFFSET $5`
	rows, err := s.pool.Query(ctx, q, arg.OrgID, arg.ResourceType, arg.ResourceID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ActorKind, &a.ActorUserID, &a.Action, &a.ResourceType,
			&a.ResourceID, &a.IP, &a.UserAgent, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
