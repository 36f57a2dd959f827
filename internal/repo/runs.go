package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"issueflow/internal/domain"
)

const runColumns = `id,external_task_ref,issue_number,pr_number,status,current_stage,spec_id,dead_letter_reason,created_at,updated_at`

func scanRun(row interface{ Scan(...any) error }) (domain.WorkflowRun, error) {
	var w domain.WorkflowRun
	err := row.Scan(&w.ID, &w.ExternalTaskRef, &w.IssueNumber, &w.PRNumber, &w.Status,
		&w.CurrentStage, &w.SpecID, &w.DeadLetterReason, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ExternalTaskRef, w.IssueNumber, nullableIntPtr(w.PRNumber), w.Status, w.CurrentStage,
		nullableStringPtr(w.SpecID), nullableStringPtr(w.DeadLetterReason), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id=?`, id))
}

type RunFilter struct {
	Status string
	Stage  string
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.WorkflowRun, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM workflow_runs %s ORDER BY created_at DESC, id DESC LIMIT ?`, runColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		w, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AdvanceStageTx moves the run forward and appends the stage transition in the
// same transaction. Legality is checked by the caller before this point.
func (r Repo) AdvanceStageTx(ctx context.Context, tx *sql.Tx, runID, fromStage, toStage, metadataJSON, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET current_stage=?, updated_at=? WHERE id=? AND current_stage=?`,
		toStage, now, runID, fromStage)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run %s not at stage %s: %w", runID, fromStage, ErrNotFound)
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_transitions(workflow_run_id,from_stage,to_stage,metadata_json,transitioned_at) VALUES (?,?,?,?,?)`,
		runID, fromStage, toStage, metadataJSON, now)
	return err
}

func (r Repo) UpdateRunStatusTx(ctx context.Context, tx *sql.Tx, runID, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET status=?, updated_at=? WHERE id=?`, status, now, runID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRunDeadLetterTx(ctx context.Context, tx *sql.Tx, runID, reason, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET status='dead_letter', dead_letter_reason=?, updated_at=? WHERE id=?`,
		reason, now, runID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRunSpecTx(ctx context.Context, tx *sql.Tx, runID, specID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET spec_id=?, updated_at=? WHERE id=?`, specID, now, runID)
	return err
}

func (r Repo) SetRunPR(ctx context.Context, runID string, prNumber int, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_runs SET pr_number=?, updated_at=? WHERE id=?`, prNumber, now, runID)
	return err
}

func (r Repo) ListStageTransitions(ctx context.Context, runID string) ([]domain.StageTransition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workflow_run_id,from_stage,to_stage,metadata_json,transitioned_at FROM stage_transitions WHERE workflow_run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransition
	for rows.Next() {
		var t domain.StageTransition
		if err := rows.Scan(&t.ID, &t.WorkflowRunID, &t.FromStage, &t.ToStage, &t.MetadataJSON, &t.TransitionedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetRunView(ctx context.Context, runID string) (domain.RunView, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return domain.RunView{}, err
	}
	tasks, err := r.ListTasks(ctx, runID)
	if err != nil {
		return domain.RunView{}, err
	}
	decisions, err := r.ListDecisions(ctx, runID)
	if err != nil {
		return domain.RunView{}, err
	}
	stages, err := r.ListStageTransitions(ctx, runID)
	if err != nil {
		return domain.RunView{}, err
	}
	pending, err := r.CountPendingTasks(ctx, runID)
	if err != nil {
		return domain.RunView{}, err
	}
	return domain.RunView{Run: run, Tasks: tasks, Decisions: decisions, Stages: stages, PendingTasks: pending}, nil
}
