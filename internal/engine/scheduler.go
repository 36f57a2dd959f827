package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"issueflow/internal/agents"
	"issueflow/internal/autonomy"
	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/retry"
)

// schedule runs the work-list loop: recompute the runnable set, execute it
// sequentially, repeat until the set is empty. The set can only shrink, so
// cyclic or unsatisfiable dependencies end the loop with tasks still pending
// instead of spinning.
func (e *Engine) schedule(ctx context.Context, run *domain.WorkflowRun, issue agents.IssueContext) error {
	if !autonomy.CanExecuteSubtask(e.Autonomy.Mode()) {
		return e.auditOnly(ctx, "scheduler.skipped", run.ID, events.EventPayload{"mode": e.Autonomy.Mode()})
	}
	for {
		runnable, err := e.Repo.ListRunnableTasks(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("list runnable tasks: %w", err)
		}
		if len(runnable) == 0 {
			return nil
		}
		for _, t := range runnable {
			if err := e.executeTask(ctx, run, issue, t); err != nil {
				return err
			}
		}
	}
}

// executeTask runs one task through the retry engine and records the outcome.
// Retry exhaustion parks the task in status retry; it is not re-enqueued
// automatically, an operator owns re-triggering it.
func (e *Engine) executeTask(ctx context.Context, run *domain.WorkflowRun, issue agents.IssueContext, t domain.Task) error {
	if err := e.Repo.MarkTaskRunning(ctx, t.ID, e.nowRFC3339()); err != nil {
		return fmt.Errorf("mark task %s running: %w", t.TaskKey, err)
	}

	opts := e.retryOptions()
	planTask := agents.PlanTask{Key: t.TaskKey, Title: t.Title, Role: t.OwnerRole, DependsOn: t.DependsOn}
	attempt := 0
	var recordErr error
	result, info, err := retry.Do(ctx, opts, func(ctx context.Context) (agents.TaskResult, error) {
		attempt++
		started := e.now()
		res, opErr := e.Executor.ExecuteTask(ctx, issue, planTask)
		if rErr := e.recordAttempt(ctx, t.ID, attempt, res, opErr, started, opts); rErr != nil && recordErr == nil {
			recordErr = rErr
		}
		return res, opErr
	})
	if recordErr != nil {
		return recordErr
	}

	now := e.nowRFC3339()
	tx, txErr := e.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return txErr
	}
	defer tx.Rollback()

	if err != nil {
		category := string(retry.Classify(err))
		var ee *retry.ExhaustedError
		if errors.As(err, &ee) {
			category = string(retry.Classify(ee.Err))
		}
		parked := map[string]any{
			"error":    err.Error(),
			"category": category,
			"attempts": info.Attempts,
		}
		if err := e.Repo.RecordTaskResultTx(ctx, tx, t.ID, "retry", info.Attempts, parked, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.parked", run.ID, "task", t.ID, "scheduler", events.EventPayload{
			"task_key": t.TaskKey,
			"category": category,
			"attempts": info.Attempts,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := e.Repo.RecordTaskResultTx(ctx, tx, t.ID, result.Status, info.Attempts, result, now); err != nil {
		return err
	}
	if err := e.Repo.InsertArtifactTx(ctx, tx, domain.Artifact{
		ID:            uuid.NewString(),
		WorkflowRunID: run.ID,
		TaskID:        &t.ID,
		Kind:          "agent_result",
		Content:       result.Output,
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.result", run.ID, "task", t.ID, "scheduler", events.EventPayload{
		"task_key": t.TaskKey,
		"status":   result.Status,
		"attempts": info.Attempts,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordAttempt appends one row to the attempt audit trail. Rows are never
// touched again after insert.
func (e *Engine) recordAttempt(ctx context.Context, taskID string, attempt int, res agents.TaskResult, opErr error, started time.Time, opts retry.Options) error {
	a := domain.AgentAttempt{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		AttemptNumber: attempt,
		DurationMs:    int(e.now().Sub(started).Milliseconds()),
		CreatedAt:     e.nowRFC3339(),
	}
	if opErr != nil {
		a.Status = "failed"
		msg := opErr.Error()
		a.Error = &msg
		category := string(retry.Classify(opErr))
		a.ErrorCategory = &category
		if category != string(retry.Deterministic) && attempt <= opts.Retries {
			delay := int(retry.DelayForAttempt(attempt, opts).Milliseconds())
			a.BackoffDelayMs = &delay
		}
	} else {
		a.Status = res.Status
		out := res.Output
		a.Output = &out
	}
	return e.Repo.InsertAttempt(ctx, a)
}

func (e *Engine) auditOnly(ctx context.Context, evtType, runID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, runID, "workflow_run", runID, "pipeline", payload); err != nil {
		return err
	}
	return tx.Commit()
}
