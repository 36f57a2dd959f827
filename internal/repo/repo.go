package repo

import (
	"context"
	"database/sql"
	"errors"

	"issueflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const eventColumns = `id,delivery_id,event_type,action,payload_json,actionable,workflow_run_id,processed,error,created_at,processed_at`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &e.PayloadJSON,
		&e.Actionable, &e.WorkflowRunID, &e.Processed, &e.Error, &e.CreatedAt, &e.ProcessedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DeliveryID, e.EventType, e.Action, e.PayloadJSON, e.Actionable,
		nullableStringPtr(e.WorkflowRunID), e.Processed, nullableStringPtr(e.Error), e.CreatedAt, e.ProcessedAt)
	return err
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DeliveryID, e.EventType, e.Action, e.PayloadJSON, e.Actionable,
		nullableStringPtr(e.WorkflowRunID), e.Processed, nullableStringPtr(e.Error), e.CreatedAt, e.ProcessedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func (r Repo) GetEventByDeliveryID(ctx context.Context, deliveryID string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE delivery_id=?`, deliveryID))
}

func (r Repo) LinkEventRun(ctx context.Context, tx *sql.Tx, eventID, runID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET workflow_run_id=? WHERE id=?`, runID, eventID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEventProcessed records the outcome of pipeline processing. An empty
// errMsg means success.
func (r Repo) MarkEventProcessed(ctx context.Context, eventID, errMsg, processedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE events SET processed=1, error=?, processed_at=? WHERE id=?`,
		nullable(errMsg), processedAt, eventID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
