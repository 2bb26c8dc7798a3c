package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/brandscope/idgen"
)

// AuditEntry is one row in the audit trail: validation rejections and job
// lifecycle events.
type AuditEntry struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	EntityID  string `json:"entity_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Audit records an event. Non-blocking: a failing audit write is logged
// via slog but never propagates, so it cannot block the pipeline.
func (s *Store) Audit(ctx context.Context, eventType, entityID, ownerID, detail string) {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, entity_id, owner_id, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		idgen.Audit(), eventType, entityID, ownerID, detail, time.Now().UnixMilli())
	if err != nil {
		slog.Error("audit write failed", "error", err, "event_type", eventType)
	}
}

// ListAudit returns the most recent entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, event_type, entity_id, owner_id, detail, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityID, &e.OwnerID,
			&e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
