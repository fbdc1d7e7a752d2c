package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
)

// Audit appends an audit entry. details may be nil; otherwise it is
// serialized as JSON. Audit records are append-only: nothing in the Store
// modifies them, and DeleteAuditBefore is the only deletion path.
func (s *Store) Audit(ctx context.Context, event, entityType, entityID string, details any) (*models.AuditEntry, error) {
	e := &models.AuditEntry{
		ID:        models.NewID(models.PrefixAudit),
		Event:     event,
		CreatedAt: time.Now().UTC(),
	}
	if entityType != "" {
		et := entityType
		e.EntityType = &et
	}
	if entityID != "" {
		eid := entityID
		e.EntityID = &eid
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit details: %w", err)
		}
		e.Details = data
	}

	var detailsArg any
	if e.Details != nil {
		detailsArg = string(e.Details)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, event, entity_type, entity_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Event, e.EntityType, e.EntityID, detailsArg, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return e, nil
}

// ListAudit returns up to limit audit entries, newest first. A limit of 0
// means no limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	query := `SELECT id, event, entity_type, entity_id, details, created_at
	          FROM audit_entries ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var entries []*models.AuditEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// ListAuditByEntity returns an entity's audit entries, newest first.
func (s *Store) ListAuditByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, event, entity_type, entity_id, details, created_at
		 FROM audit_entries WHERE entity_type = ? AND entity_id = ?
		 ORDER BY created_at DESC, id DESC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// DeleteAuditBefore removes audit entries created before cutoff, returning
// the count. This is the retention sweep's entry point.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
