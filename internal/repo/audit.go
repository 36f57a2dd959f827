package repo

import (
	"context"
	"database/sql"

	"issueflow/internal/domain"
)

// ListAuditEvents tails the audit log, newest first. A non-empty runID scopes
// the tail to one workflow run.
func (r Repo) ListAuditEvents(ctx context.Context, runID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM audit_events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var (
			e        domain.AuditEvent
			run      sql.NullString
			entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &run, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.RunID = run.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
