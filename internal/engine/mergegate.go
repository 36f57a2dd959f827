package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"issueflow/internal/agents"
	"issueflow/internal/autonomy"
	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/retry"
)

const checksNotPassedFinding = "required_checks_not_passed"

// decideMerge applies the hard policy gate before any generative judgment:
// when required checks have not all passed the decision is forced to
// request_changes and the reviewer is never consulted. Only a green check
// state reaches the reviewer for the nuanced verdict.
func (e *Engine) decideMerge(ctx context.Context, run *domain.WorkflowRun, issue agents.IssueContext, prNumber int, prFound bool, review agents.ReviewSummary) (domain.MergeDecision, error) {
	checksPassed := false
	if prFound {
		passed, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (bool, error) {
			return e.Tracker.HasRequiredChecksPassed(ctx, prNumber)
		})
		if err != nil {
			return domain.MergeDecision{}, fmt.Errorf("check required status: %w", err)
		}
		checksPassed = passed
	}

	d := domain.MergeDecision{
		ID:            uuid.NewString(),
		WorkflowRunID: run.ID,
		CreatedAt:     e.nowRFC3339(),
	}
	if prFound {
		d.PRNumber = &prNumber
	}

	if !checksPassed {
		d.Decision = "request_changes"
		d.Rationale = "required status checks have not passed"
		d.BlockingFindings = []string{checksNotPassedFinding}
		d.DecidedBy = "policy"
	} else {
		verdict, _, err := retry.Do(ctx, e.retryOptions(), func(ctx context.Context) (agents.MergeVerdict, error) {
			return e.Reviewer.GenerateMergeDecision(ctx, issue, prNumber, review)
		})
		if err != nil {
			return domain.MergeDecision{}, fmt.Errorf("generate merge decision: %w", err)
		}
		d.Decision = verdict.Decision
		d.Rationale = verdict.Rationale
		d.BlockingFindings = verdict.BlockingFindings
		d.DecidedBy = "reviewer"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MergeDecision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return domain.MergeDecision{}, fmt.Errorf("insert merge decision: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.merge_decision", run.ID, "merge_decision", d.ID, d.DecidedBy, events.EventPayload{
		"decision":      d.Decision,
		"checks_passed": checksPassed,
	}); err != nil {
		return domain.MergeDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MergeDecision{}, err
	}

	e.applyDecision(ctx, d, prNumber, prFound, checksPassed)
	return d, nil
}

// applyDecision pushes the verdict to the pull request as far as the autonomy
// mode allows. The recorded decision is the source of truth; a failed PR side
// effect is logged, not fatal.
func (e *Engine) applyDecision(ctx context.Context, d domain.MergeDecision, prNumber int, prFound, checksPassed bool) {
	mode := e.Autonomy.Mode()
	if !prFound || !autonomy.CanCreatePR(mode) {
		return
	}
	switch d.Decision {
	case "approve":
		if err := e.Tracker.ApprovePullRequest(ctx, prNumber, d.Rationale); err != nil {
			log.Printf("approve pr #%d: %v", prNumber, err)
		}
		if autonomy.CanAutoMerge(mode, checksPassed, false) {
			if err := e.Tracker.EnableAutoMerge(ctx, prNumber); err != nil {
				log.Printf("auto-merge pr #%d: %v", prNumber, err)
			}
		}
	case "request_changes":
		if err := e.Tracker.RequestChanges(ctx, prNumber, d.Rationale); err != nil {
			log.Printf("request changes pr #%d: %v", prNumber, err)
		}
	case "block":
		if err := e.Tracker.RequestChanges(ctx, prNumber, "merge blocked: "+d.Rationale); err != nil {
			log.Printf("block pr #%d: %v", prNumber, err)
		}
	}
}
