// Package agents defines the contracts for the generative collaborators: the
// planner that turns an issue into a task graph, the executor that performs
// one subtask, and the reviewer that summarizes and renders merge verdicts.
// Every payload crossing this boundary is schema-validated; a mismatch is a
// deterministic failure.
package agents

import "context"

// IssueContext is the slice of tracker state handed to the planner.
type IssueContext struct {
	Repo    string   `json:"repo"`
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Labels  []string `json:"labels,omitempty"`
	HeadSHA string   `json:"head_sha,omitempty"`
}

type PlanTask struct {
	Key       string   `json:"key"`
	Title     string   `json:"title"`
	Role      string   `json:"role"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type Plan struct {
	SpecID  string     `json:"spec_id"`
	Summary string     `json:"summary"`
	Tasks   []PlanTask `json:"tasks"`
}

// TaskResult statuses mirror the scheduler's task states. Anything other than
// "completed" is recorded verbatim and stops the task for this pass.
const (
	ResultCompleted   = "completed"
	ResultBlocked     = "blocked"
	ResultNeedsReview = "needs_review"
)

type TaskResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
	Notes  string `json:"notes,omitempty"`
}

type ReviewSummary struct {
	Summary  string   `json:"summary"`
	Findings []string `json:"findings,omitempty"`
}

type MergeVerdict struct {
	Decision         string   `json:"decision"`
	Rationale        string   `json:"rationale"`
	BlockingFindings []string `json:"blocking_findings,omitempty"`
}

type Planner interface {
	GeneratePlan(ctx context.Context, issue IssueContext) (Plan, error)
}

type Executor interface {
	ExecuteTask(ctx context.Context, issue IssueContext, task PlanTask) (TaskResult, error)
}

type Reviewer interface {
	SummarizeReview(ctx context.Context, issue IssueContext, prNumber int) (ReviewSummary, error)
	GenerateMergeDecision(ctx context.Context, issue IssueContext, prNumber int, review ReviewSummary) (MergeVerdict, error)
}
