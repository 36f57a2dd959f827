package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"issueflow/internal/agents"
	"issueflow/internal/autonomy"
	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/retry"
	"issueflow/internal/stage"
)

// Consume drains the queue whenever a new admission signals it, until ctx is
// done. Run from a single goroutine next to the HTTP server.
func (e *Engine) Consume(ctx context.Context) {
	for {
		e.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.queue.notify:
		}
	}
}

// Drain processes queued work one item at a time. The guard makes it a no-op
// when another drain is already running; a failing run never stops the loop.
func (e *Engine) Drain(ctx context.Context) {
	if !e.queue.beginDrain() {
		return
	}
	defer e.queue.endDrain()
	for {
		item, ok := e.queue.pop()
		if !ok {
			return
		}
		switch item.kind {
		case workEvent:
			e.processEvent(ctx, item.id)
		case workRedrive:
			e.redriveRun(ctx, item.id)
		}
	}
}

// redriveRun runs a fresh scheduling pass after a task requeue and settles the
// run status again. Stage history and the recorded merge decision stand; only
// task execution and the terminal status are revisited.
func (e *Engine) redriveRun(ctx context.Context, runID string) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		log.Printf("redrive: load run %s: %v", runID, err)
		return
	}
	if run.Status == "dead_letter" {
		log.Printf("redrive: run %s is dead-lettered, skipping", runID)
		return
	}
	issue, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (agents.IssueContext, error) {
		return e.Tracker.GetIssueContext(ctx, run.IssueNumber)
	})
	if err != nil {
		log.Printf("redrive: fetch issue context for run %s: %v", runID, err)
		return
	}
	if err := e.schedule(ctx, &run, issue); err != nil {
		log.Printf("redrive: schedule run %s: %v", runID, err)
		return
	}
	if err := e.finalize(ctx, &run); err != nil {
		log.Printf("redrive: finalize run %s: %v", runID, err)
	}
}

func (e *Engine) processEvent(ctx context.Context, eventID string) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		log.Printf("consumer: load event %s: %v", eventID, err)
		return
	}
	runErr := e.runPipeline(ctx, ev)
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
		log.Printf("consumer: event %s (delivery %s): %v", ev.ID, ev.DeliveryID, runErr)
	}
	if err := e.Repo.MarkEventProcessed(ctx, ev.ID, msg, e.nowRFC3339()); err != nil {
		log.Printf("consumer: mark event %s processed: %v", ev.ID, err)
	}
}

func (e *Engine) runPipeline(ctx context.Context, ev domain.Event) error {
	run, err := e.createRun(ctx, ev)
	if err != nil {
		return err
	}
	if err := e.executeRun(ctx, &run); err != nil {
		e.deadLetter(ctx, run.ID, err.Error())
		return err
	}
	return nil
}

type issuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
}

// createRun opens a WorkflowRun at the initial stage and links the admitted
// event to it in the same transaction.
func (e *Engine) createRun(ctx context.Context, ev domain.Event) (domain.WorkflowRun, error) {
	var payload issuePayload
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("decode event payload: %w", err)
	}
	now := e.nowRFC3339()
	run := domain.WorkflowRun{
		ID:              uuid.NewString(),
		ExternalTaskRef: fmt.Sprintf("%s/%s#%d", e.Config.GitHub.Owner, e.Config.GitHub.Repo, payload.Issue.Number),
		IssueNumber:     payload.Issue.Number,
		Status:          "in_progress",
		CurrentStage:    string(stage.Initial),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.LinkEventRun(ctx, tx, ev.ID, run.ID); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("link event: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.ID, "workflow_run", run.ID, "pipeline", events.EventPayload{
		"event_id":     ev.ID,
		"issue_number": run.IssueNumber,
	}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

// executeRun drives one run through its stages. Any returned error, panics
// included, dead-letters the run in the caller.
func (e *Engine) executeRun(ctx context.Context, run *domain.WorkflowRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if run.IssueNumber == 0 {
		return errors.New("event payload has no issue number")
	}

	mode := e.Autonomy.Mode()
	if autonomy.CanCreatePR(mode) {
		e.comment(ctx, run.IssueNumber, fmt.Sprintf("issueflow: started workflow run `%s`", run.ID))
	}

	issue, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (agents.IssueContext, error) {
		return e.Tracker.GetIssueContext(ctx, run.IssueNumber)
	})
	if err != nil {
		return fmt.Errorf("fetch issue context: %w", err)
	}

	plan, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (agents.Plan, error) {
		return e.Planner.GeneratePlan(ctx, issue)
	})
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}
	if err := e.storePlan(ctx, run, plan); err != nil {
		return err
	}
	if err := e.materializeTasks(ctx, run, plan); err != nil {
		return err
	}
	if err := e.schedule(ctx, run, issue); err != nil {
		return err
	}
	if err := e.advanceStage(ctx, run, stage.SubtasksDispatched, events.EventPayload{"tasks": len(plan.Tasks)}); err != nil {
		return err
	}

	prNumber, prFound, err := e.locatePR(ctx, run)
	if err != nil {
		return err
	}
	var review agents.ReviewSummary
	if prFound {
		review, err = e.reviewPR(ctx, run, issue, prNumber)
		if err != nil {
			return err
		}
	}
	if err := e.advanceStage(ctx, run, stage.PRReviewed, events.EventPayload{"pr_found": prFound}); err != nil {
		return err
	}

	decision, err := e.decideMerge(ctx, run, issue, prNumber, prFound, review)
	if err != nil {
		return err
	}
	if err := e.advanceStage(ctx, run, stage.MergeDecision, events.EventPayload{"decision": decision.Decision}); err != nil {
		return err
	}

	return e.finalize(ctx, run)
}

// storePlan records the plan artifact, pins the spec id, and advances the run
// past plan generation.
func (e *Engine) storePlan(ctx context.Context, run *domain.WorkflowRun, plan agents.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, domain.Artifact{
		ID:            uuid.NewString(),
		WorkflowRunID: run.ID,
		Kind:          "plan",
		Content:       string(data),
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("store plan artifact: %w", err)
	}
	if err := e.Repo.SetRunSpecTx(ctx, tx, run.ID, plan.SpecID, now); err != nil {
		return fmt.Errorf("set spec id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.SpecID = &plan.SpecID
	return e.advanceStage(ctx, run, stage.SpecGenerated, events.EventPayload{"spec_id": plan.SpecID})
}

// materializeTasks turns the plan into Task rows. Dependency keys must name
// tasks in the same plan; a dangling key fails the run up front instead of
// wedging the scheduler.
func (e *Engine) materializeTasks(ctx context.Context, run *domain.WorkflowRun, plan agents.Plan) error {
	keys := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if keys[t.Key] {
			return fmt.Errorf("plan contains duplicate task key %q", t.Key)
		}
		keys[t.Key] = true
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("task %q depends on unknown key %q", t.Key, dep)
			}
		}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range plan.Tasks {
		if err := e.Repo.InsertTaskTx(ctx, tx, domain.Task{
			ID:            uuid.NewString(),
			WorkflowRunID: run.ID,
			TaskKey:       t.Key,
			Title:         t.Title,
			OwnerRole:     t.Role,
			Status:        "queued",
			DependsOn:     t.DependsOn,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("insert task %s: %w", t.Key, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "run.tasks_created", run.ID, "workflow_run", run.ID, "pipeline", events.EventPayload{
		"count": len(plan.Tasks),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) locatePR(ctx context.Context, run *domain.WorkflowRun) (int, bool, error) {
	type hit struct {
		number int
		found  bool
	}
	res, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (hit, error) {
		n, found, err := e.Tracker.FindOpenPullRequestForIssue(ctx, run.IssueNumber)
		return hit{number: n, found: found}, err
	})
	if err != nil {
		return 0, false, fmt.Errorf("locate pull request: %w", err)
	}
	if res.found {
		if err := e.Repo.SetRunPR(ctx, run.ID, res.number, e.nowRFC3339()); err != nil {
			return 0, false, err
		}
		run.PRNumber = &res.number
	}
	return res.number, res.found, nil
}

func (e *Engine) reviewPR(ctx context.Context, run *domain.WorkflowRun, issue agents.IssueContext, prNumber int) (agents.ReviewSummary, error) {
	review, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (agents.ReviewSummary, error) {
		return e.Reviewer.SummarizeReview(ctx, issue, prNumber)
	})
	if err != nil {
		return agents.ReviewSummary{}, fmt.Errorf("summarize review: %w", err)
	}
	data, err := json.Marshal(review)
	if err != nil {
		return agents.ReviewSummary{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return agents.ReviewSummary{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, domain.Artifact{
		ID:            uuid.NewString(),
		WorkflowRunID: run.ID,
		Kind:          "review_summary",
		Content:       string(data),
		CreatedAt:     e.nowRFC3339(),
	}); err != nil {
		return agents.ReviewSummary{}, fmt.Errorf("store review artifact: %w", err)
	}
	return review, tx.Commit()
}

// finalize settles the run's terminal status from the pending task count.
func (e *Engine) finalize(ctx context.Context, run *domain.WorkflowRun) error {
	pending, err := e.Repo.CountPendingTasks(ctx, run.ID)
	if err != nil {
		return err
	}
	status := "completed"
	if pending > 0 {
		status = "failed"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, status, e.nowRFC3339()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.finished", run.ID, "workflow_run", run.ID, "pipeline", events.EventPayload{
		"status":  status,
		"pending": pending,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Status = status

	if autonomy.CanCreatePR(e.Autonomy.Mode()) {
		e.comment(ctx, run.IssueNumber, fmt.Sprintf("issueflow: run `%s` finished with status %s (%d task(s) pending)", run.ID, status, pending))
	}
	return nil
}

// advanceStage performs a legality-checked stage move and appends the
// transition record in one transaction.
func (e *Engine) advanceStage(ctx context.Context, run *domain.WorkflowRun, to stage.Stage, metadata events.EventPayload) error {
	from := stage.Stage(run.CurrentStage)
	if err := stage.Ensure(from, to); err != nil {
		return err
	}
	if metadata == nil {
		metadata = events.EventPayload{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AdvanceStageTx(ctx, tx, run.ID, string(from), string(to), string(meta), now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.stage", run.ID, "workflow_run", run.ID, "pipeline", events.EventPayload{
		"from": from,
		"to":   to,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.CurrentStage = string(to)
	run.UpdatedAt = now
	return nil
}

// deadLetter is the universal safety net: the run lands in the terminal sink
// with the captured reason, whatever stage it was in.
func (e *Engine) deadLetter(ctx context.Context, runID, reason string) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		log.Printf("dead-letter: load run %s: %v", runID, err)
		return
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("dead-letter: begin tx for run %s: %v", runID, err)
		return
	}
	defer tx.Rollback()
	if run.CurrentStage != string(stage.DeadLetter) {
		meta, _ := json.Marshal(events.EventPayload{"reason": reason})
		if err := e.Repo.AdvanceStageTx(ctx, tx, runID, run.CurrentStage, string(stage.DeadLetter), string(meta), now); err != nil {
			log.Printf("dead-letter: stage move for run %s: %v", runID, err)
			return
		}
	}
	if err := e.Repo.SetRunDeadLetterTx(ctx, tx, runID, reason, now); err != nil {
		log.Printf("dead-letter: mark run %s: %v", runID, err)
		return
	}
	if err := e.Events.Append(ctx, tx, "run.dead_letter", runID, "workflow_run", runID, "pipeline", events.EventPayload{
		"reason": reason,
	}); err != nil {
		log.Printf("dead-letter: audit for run %s: %v", runID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("dead-letter: commit for run %s: %v", runID, err)
	}
}

// comment posts to the issue best-effort. A failed comment never fails a run.
func (e *Engine) comment(ctx context.Context, issueNumber int, body string) {
	if e.Tracker == nil {
		return
	}
	if err := e.Tracker.AddIssueComment(ctx, issueNumber, body); err != nil {
		log.Printf("issue comment on #%d: %v", issueNumber, err)
	}
}
