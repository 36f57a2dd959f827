package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"issueflow/internal/domain"
)

const taskColumns = `id,workflow_run_id,task_key,title,owner_role,status,attempt_count,last_result_json,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.WorkflowRunID, &t.TaskKey, &t.Title, &t.OwnerRole,
		&t.Status, &t.AttemptCount, &t.LastResultJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkflowRunID, t.TaskKey, t.Title, t.OwnerRole, t.Status, t.AttemptCount,
		nullableStringPtr(t.LastResultJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id,depends_on_key) VALUES (?,?)`, t.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	return r.attachDeps(ctx, t)
}

func (r Repo) GetTaskByKey(ctx context.Context, runID, taskKey string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_run_id=? AND task_key=?`, runID, taskKey))
	if err != nil {
		return t, err
	}
	return r.attachDeps(ctx, t)
}

func (r Repo) attachDeps(ctx context.Context, t domain.Task) (domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_key FROM task_deps WHERE task_id=? ORDER BY depends_on_key`, t.ID)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return t, err
		}
		t.DependsOn = append(t.DependsOn, key)
	}
	return t, rows.Err()
}

func (r Repo) ListTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_run_id=? ORDER BY created_at ASC, task_key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		t, err := r.attachDeps(ctx, res[i])
		if err != nil {
			return nil, err
		}
		res[i] = t
	}
	return res, nil
}

// ListRunnableTasks returns queued tasks whose declared dependencies have all
// completed within the same run. Tasks parked in retry status stay out of the
// set until an operator requeues them.
func (r Repo) ListRunnableTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
	WHERE workflow_run_id=? AND status='queued'
	AND NOT EXISTS (
		SELECT 1 FROM task_deps d
		JOIN tasks dep ON dep.workflow_run_id=tasks.workflow_run_id AND dep.task_key=d.depends_on_key
		WHERE d.task_id=tasks.id AND dep.status != 'completed'
	)
	ORDER BY created_at ASC, task_key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) MarkTaskRunning(ctx context.Context, taskID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='running', updated_at=? WHERE id=? AND status='queued'`,
		now, taskID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskResultTx settles a task after a scheduler pass: final status, the
// serialized last result, and the number of attempts that pass consumed.
func (r Repo) RecordTaskResultTx(ctx context.Context, tx *sql.Tx, taskID, status string, attempts int, result any, now string) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, attempt_count=attempt_count+?, last_result_json=?, updated_at=? WHERE id=?`,
		status, attempts, resultJSON, now, taskID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueTask moves a manually parked task back into the runnable pool.
func (r Repo) RequeueTask(ctx context.Context, taskID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='queued', updated_at=? WHERE id=? AND status IN ('retry','blocked','needs_review')`,
		now, taskID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingTasks counts every task that has not completed. Parked,
// blocked, and needs_review tasks all keep a run from finishing clean.
func (r Repo) CountPendingTasks(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE workflow_run_id=? AND status != 'completed'`, runID).Scan(&n)
	return n, err
}

// InsertAttempt appends to the attempt trail outside any transaction; attempt
// rows survive even when the surrounding pass fails.
func (r Repo) InsertAttempt(ctx context.Context, a domain.AgentAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_attempts(id,task_id,attempt_number,status,output,error,error_category,backoff_delay_ms,duration_ms,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.AttemptNumber, a.Status, nullableStringPtr(a.Output), nullableStringPtr(a.Error),
		nullableStringPtr(a.ErrorCategory), nullableIntPtr(a.BackoffDelayMs), a.DurationMs, a.CreatedAt)
	return err
}

func (r Repo) ListAttempts(ctx context.Context, taskID string) ([]domain.AgentAttempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,task_id,attempt_number,status,output,error,error_category,backoff_delay_ms,duration_ms,created_at FROM agent_attempts WHERE task_id=? ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentAttempt
	for rows.Next() {
		var a domain.AgentAttempt
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &a.Status, &a.Output, &a.Error,
			&a.ErrorCategory, &a.BackoffDelayMs, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
