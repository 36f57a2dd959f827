package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"issueflow/internal/domain"
	"issueflow/internal/events"
)

// ManualRunAction dispatches an operator's approve/request_changes/block
// verdict to the run's pull request and records it as a merge decision.
func (e *Engine) ManualRunAction(ctx context.Context, runID, action, reason, actorID string) (domain.MergeDecision, error) {
	if reason == "" {
		return domain.MergeDecision{}, errors.New("reason is required")
	}
	switch action {
	case "approve", "request_changes", "block":
	default:
		return domain.MergeDecision{}, fmt.Errorf("unknown action %q", action)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.MergeDecision{}, err
	}

	d := domain.MergeDecision{
		ID:            uuid.NewString(),
		WorkflowRunID: run.ID,
		PRNumber:      run.PRNumber,
		Decision:      action,
		Rationale:     reason,
		DecidedBy:     actorID,
		CreatedAt:     e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MergeDecision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return domain.MergeDecision{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.manual_action", run.ID, "merge_decision", d.ID, actorID, events.EventPayload{
		"action": action,
		"reason": reason,
	}); err != nil {
		return domain.MergeDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MergeDecision{}, err
	}

	if run.PRNumber != nil && e.Tracker != nil {
		pr := *run.PRNumber
		switch action {
		case "approve":
			err = e.Tracker.ApprovePullRequest(ctx, pr, reason)
		case "request_changes":
			err = e.Tracker.RequestChanges(ctx, pr, reason)
		case "block":
			err = e.Tracker.RequestChanges(ctx, pr, "merge blocked: "+reason)
		}
		if err != nil {
			return d, fmt.Errorf("dispatch %s to pr #%d: %w", action, pr, err)
		}
	}
	return d, nil
}

// RequeueTask puts a parked task back in the runnable pool and enqueues a
// redrive of its run, so the consumer executes the task and settles the run
// status again without waiting for a new webhook.
func (e *Engine) RequeueTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	if err := e.Repo.RequeueTask(ctx, taskID, e.nowRFC3339()); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "task.requeued", t.WorkflowRunID, "task", t.ID, actorID, events.EventPayload{
		"task_key": t.TaskKey,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.queue.push(workItem{kind: workRedrive, id: t.WorkflowRunID})
	return t, nil
}
