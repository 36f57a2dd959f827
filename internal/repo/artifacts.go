package repo

import (
	"context"
	"database/sql"

	"issueflow/internal/domain"
)

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,workflow_run_id,task_id,kind,content,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.WorkflowRunID, nullableStringPtr(a.TaskID), a.Kind, a.Content, a.CreatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workflow_run_id,task_id,kind,content,created_at FROM artifacts WHERE workflow_run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.WorkflowRunID, &a.TaskID, &a.Kind, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
