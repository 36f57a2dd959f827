package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"issueflow/internal/domain"
)

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.MergeDecision) error {
	findings, err := json.Marshal(d.BlockingFindings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO merge_decisions(id,workflow_run_id,pr_number,decision,rationale,blocking_findings,decided_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.WorkflowRunID, nullableIntPtr(d.PRNumber), d.Decision, d.Rationale, string(findings), d.DecidedBy, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, runID string) ([]domain.MergeDecision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workflow_run_id,pr_number,decision,rationale,blocking_findings,decided_by,created_at FROM merge_decisions WHERE workflow_run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MergeDecision
	for rows.Next() {
		var (
			d        domain.MergeDecision
			findings string
		)
		if err := rows.Scan(&d.ID, &d.WorkflowRunID, &d.PRNumber, &d.Decision, &d.Rationale, &findings, &d.DecidedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		if findings != "" {
			if err := json.Unmarshal([]byte(findings), &d.BlockingFindings); err != nil {
				return nil, err
			}
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertAutonomyTransition(ctx context.Context, fromMode, toMode, changedBy, reason, changedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO autonomy_transitions(from_mode,to_mode,changed_by,reason,changed_at) VALUES (?,?,?,?,?)`,
		fromMode, toMode, changedBy, reason, changedAt)
	return err
}

// CurrentAutonomyMode returns the last persisted mode, or ErrNotFound when no
// transition has ever been recorded.
func (r Repo) CurrentAutonomyMode(ctx context.Context) (string, error) {
	var mode string
	err := r.DB.QueryRowContext(ctx, `SELECT to_mode FROM autonomy_transitions ORDER BY id DESC LIMIT 1`).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return mode, err
}

func (r Repo) ListAutonomyTransitions(ctx context.Context) ([]domain.AutonomyTransition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,from_mode,to_mode,changed_by,reason,changed_at FROM autonomy_transitions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutonomyTransition
	for rows.Next() {
		var t domain.AutonomyTransition
		if err := rows.Scan(&t.ID, &t.FromMode, &t.ToMode, &t.ChangedBy, &t.Reason, &t.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
