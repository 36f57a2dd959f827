package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"issueflow/internal/agents"
	"issueflow/internal/config"
	"issueflow/internal/db"
	"issueflow/internal/domain"
	"issueflow/internal/migrate"
	"issueflow/internal/repo"
	"issueflow/internal/retry"
	"issueflow/internal/stage"
)

type classifiedErr struct {
	msg string
	cat retry.Category
}

func (e classifiedErr) Error() string            { return e.msg }
func (e classifiedErr) Category() retry.Category { return e.cat }

type fakeTracker struct {
	issue            agents.IssueContext
	issueErr         error
	prNumber         int
	prFound          bool
	checksPassed     bool
	approved         int
	changesRequested int
	autoMerged       int
	comments         []string
}

func (f *fakeTracker) GetIssueContext(ctx context.Context, issueNumber int) (agents.IssueContext, error) {
	if f.issueErr != nil {
		return agents.IssueContext{}, f.issueErr
	}
	if f.issue.Number == 0 {
		f.issue.Number = issueNumber
	}
	return f.issue, nil
}

func (f *fakeTracker) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	return "deadbeef", nil
}

func (f *fakeTracker) FindOpenPullRequestForIssue(ctx context.Context, issueNumber int) (int, bool, error) {
	return f.prNumber, f.prFound, nil
}

func (f *fakeTracker) HasRequiredChecksPassed(ctx context.Context, prNumber int) (bool, error) {
	return f.checksPassed, nil
}

func (f *fakeTracker) ApprovePullRequest(ctx context.Context, prNumber int, body string) error {
	f.approved++
	return nil
}

func (f *fakeTracker) RequestChanges(ctx context.Context, prNumber int, body string) error {
	f.changesRequested++
	return nil
}

func (f *fakeTracker) EnableAutoMerge(ctx context.Context, prNumber int) error {
	f.autoMerged++
	return nil
}

func (f *fakeTracker) AddIssueComment(ctx context.Context, issueNumber int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

type fakePlanner struct {
	plan agents.Plan
	err  error
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, issue agents.IssueContext) (agents.Plan, error) {
	if f.err != nil {
		return agents.Plan{}, f.err
	}
	return f.plan, nil
}

type fakeExecutor struct {
	calls   []string
	errs    map[string][]error
	results map[string]agents.TaskResult
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, issue agents.IssueContext, task agents.PlanTask) (agents.TaskResult, error) {
	f.calls = append(f.calls, task.Key)
	if q := f.errs[task.Key]; len(q) > 0 {
		err := q[0]
		f.errs[task.Key] = q[1:]
		if err != nil {
			return agents.TaskResult{}, err
		}
	}
	if r, ok := f.results[task.Key]; ok {
		return r, nil
	}
	return agents.TaskResult{Status: agents.ResultCompleted, Output: "done " + task.Key}, nil
}

type fakeReviewer struct {
	summary      agents.ReviewSummary
	verdict      agents.MergeVerdict
	summaryCalls int
	verdictCalls int
}

func (f *fakeReviewer) SummarizeReview(ctx context.Context, issue agents.IssueContext, prNumber int) (agents.ReviewSummary, error) {
	f.summaryCalls++
	return f.summary, nil
}

func (f *fakeReviewer) GenerateMergeDecision(ctx context.Context, issue agents.IssueContext, prNumber int, review agents.ReviewSummary) (agents.MergeVerdict, error) {
	f.verdictCalls++
	return f.verdict, nil
}

type testEnv struct {
	engine   *Engine
	tracker  *fakeTracker
	planner  *fakePlanner
	executor *fakeExecutor
	reviewer *fakeReviewer
}

func newTestEnv(t *testing.T, mode string) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default("test")
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Repo = "widgets"
	cfg.Autonomy.InitialMode = mode
	cfg.Retry.Retries = 2
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 10

	e, err := New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return base }
	e.Sleep = func(context.Context, time.Duration) error { return nil }

	env := &testEnv{
		engine:  e,
		tracker: &fakeTracker{},
		planner: &fakePlanner{plan: agents.Plan{
			SpecID:  "spec-1",
			Summary: "two-step plan",
			Tasks: []agents.PlanTask{
				{Key: "a", Title: "design", Role: "architect"},
				{Key: "b", Title: "implement", Role: "developer", DependsOn: []string{"a"}},
			},
		}},
		executor: &fakeExecutor{errs: map[string][]error{}, results: map[string]agents.TaskResult{}},
		reviewer: &fakeReviewer{
			summary: agents.ReviewSummary{Summary: "looks fine"},
			verdict: agents.MergeVerdict{Decision: "approve", Rationale: "all tasks green"},
		},
	}
	e.Tracker = env.tracker
	e.Planner = env.planner
	e.Executor = env.executor
	e.Reviewer = env.reviewer
	return env
}

func issueEvent(number int) AdmitInput {
	return AdmitInput{
		DeliveryID: fmt.Sprintf("delivery-%d", number),
		EventType:  "issues",
		Action:     "labeled",
		Payload:    []byte(fmt.Sprintf(`{"action":"labeled","issue":{"number":%d,"title":"Add caching"}}`, number)),
	}
}

// admitAndDrain is the synchronous stand-in for Consume in tests.
func (env *testEnv) admitAndDrain(t *testing.T, in AdmitInput) AdmitResult {
	t.Helper()
	res, err := env.engine.Admit(context.Background(), in)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	env.engine.Drain(context.Background())
	return res
}

func TestPipelineCompletesRun(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.tracker.prNumber = 42
	env.tracker.prFound = true
	env.tracker.checksPassed = true

	res := env.admitAndDrain(t, issueEvent(7))
	if !res.Inserted || !res.Actionable {
		t.Fatalf("unexpected admit result: %+v", res)
	}

	ctx := context.Background()
	list, err := env.engine.Repo.ListRuns(ctx, repo.RunFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 run, got %d", len(list))
	}
	run := list[0]
	if run.Status != "completed" {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	if run.CurrentStage != string(stage.MergeDecision) {
		t.Fatalf("run stage = %s, want merge_decision", run.CurrentStage)
	}
	if run.PRNumber == nil || *run.PRNumber != 42 {
		t.Fatalf("run pr = %v, want 42", run.PRNumber)
	}
	if run.SpecID == nil || *run.SpecID != "spec-1" {
		t.Fatalf("run spec = %v, want spec-1", run.SpecID)
	}

	// Dependency order: a first, then b.
	if len(env.executor.calls) != 2 || env.executor.calls[0] != "a" || env.executor.calls[1] != "b" {
		t.Fatalf("executor call order = %v", env.executor.calls)
	}

	stages, err := env.engine.Repo.ListStageTransitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	want := []string{"spec_generated", "subtasks_dispatched", "pr_reviewed", "merge_decision"}
	if len(stages) != len(want) {
		t.Fatalf("expected %d stage transitions, got %d", len(want), len(stages))
	}
	for i, s := range stages {
		if s.ToStage != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, s.ToStage, want[i])
		}
	}

	decisions, err := env.engine.Repo.ListDecisions(ctx, run.ID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Decision != "approve" || decisions[0].DecidedBy != "reviewer" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
	if env.tracker.approved != 1 {
		t.Fatalf("approved = %d, want 1", env.tracker.approved)
	}
	// pr_only never auto-merges.
	if env.tracker.autoMerged != 0 {
		t.Fatalf("autoMerged = %d, want 0", env.tracker.autoMerged)
	}

	ev, err := env.engine.Repo.GetEventByDeliveryID(ctx, "delivery-7")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !ev.Processed || ev.Error != nil {
		t.Fatalf("event not cleanly processed: %+v", ev)
	}
	if ev.WorkflowRunID == nil || *ev.WorkflowRunID != run.ID {
		t.Fatalf("event not linked to run: %v", ev.WorkflowRunID)
	}
}

func TestReplayReturnsOriginalEvent(t *testing.T) {
	env := newTestEnv(t, "dry_run")
	ctx := context.Background()

	first, err := env.engine.Admit(ctx, issueEvent(3))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !first.Inserted || env.engine.QueueLen() != 1 {
		t.Fatalf("first admit: %+v queue=%d", first, env.engine.QueueLen())
	}

	replay, err := env.engine.Admit(ctx, issueEvent(3))
	if err != nil {
		t.Fatalf("replay admit: %v", err)
	}
	if !replay.Duplicate {
		t.Fatal("replay not flagged duplicate")
	}
	if replay.EventID != first.EventID {
		t.Fatalf("replay event id %s != original %s", replay.EventID, first.EventID)
	}
	if env.engine.QueueLen() != 1 {
		t.Fatalf("queue grew on replay: %d", env.engine.QueueLen())
	}

	events, err := env.engine.Repo.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
}

func TestNonActionableEventSkipsQueue(t *testing.T) {
	env := newTestEnv(t, "dry_run")
	res, err := env.engine.Admit(context.Background(), AdmitInput{
		DeliveryID: "delivery-x",
		EventType:  "issues",
		Action:     "closed",
		Payload:    []byte(`{"action":"closed","issue":{"number":9}}`),
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !res.Inserted || res.Actionable {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.engine.QueueLen() != 0 {
		t.Fatalf("non-actionable event was queued")
	}
}

func TestDeterministicFailureParksTaskAndBlocksDependents(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.executor.errs["a"] = []error{
		classifiedErr{"schema violation", retry.Deterministic},
		classifiedErr{"schema violation", retry.Deterministic},
		classifiedErr{"schema violation", retry.Deterministic},
	}

	env.admitAndDrain(t, issueEvent(5))

	ctx := context.Background()
	run := singleRun(t, env)
	if run.Status != "failed" {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	// The pipeline still walked every stage; failure shows in the status.
	if run.CurrentStage != string(stage.MergeDecision) {
		t.Fatalf("run stage = %s", run.CurrentStage)
	}

	// Deterministic failures never retry.
	if calls := countCalls(env.executor.calls, "a"); calls != 1 {
		t.Fatalf("task a executed %d times, want 1", calls)
	}
	if countCalls(env.executor.calls, "b") != 0 {
		t.Fatal("dependent task b ran despite blocked dependency")
	}

	a, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("get task a: %v", err)
	}
	if a.Status != "retry" || a.AttemptCount != 1 {
		t.Fatalf("task a = status %s attempts %d, want retry/1", a.Status, a.AttemptCount)
	}
	b, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "b")
	if err != nil {
		t.Fatalf("get task b: %v", err)
	}
	if b.Status != "queued" {
		t.Fatalf("task b = %s, want queued", b.Status)
	}

	attempts, err := env.engine.Repo.ListAttempts(ctx, a.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt row, got %d", len(attempts))
	}
	if attempts[0].ErrorCategory == nil || *attempts[0].ErrorCategory != string(retry.Deterministic) {
		t.Fatalf("attempt category = %v", attempts[0].ErrorCategory)
	}
	if attempts[0].BackoffDelayMs != nil {
		t.Fatal("deterministic attempt should carry no backoff")
	}
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.executor.errs["a"] = []error{
		classifiedErr{"rate limited", retry.Transient},
		classifiedErr{"rate limited", retry.Transient},
	}

	env.admitAndDrain(t, issueEvent(6))

	ctx := context.Background()
	run := singleRun(t, env)
	if run.Status != "completed" {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	a, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("get task a: %v", err)
	}
	if a.Status != "completed" || a.AttemptCount != 3 {
		t.Fatalf("task a = status %s attempts %d, want completed/3", a.Status, a.AttemptCount)
	}

	attempts, err := env.engine.Repo.ListAttempts(ctx, a.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	if attempts[0].Status != "failed" || attempts[1].Status != "failed" || attempts[2].Status != "completed" {
		t.Fatalf("attempt statuses: %s %s %s", attempts[0].Status, attempts[1].Status, attempts[2].Status)
	}
	if attempts[0].BackoffDelayMs == nil {
		t.Fatal("failed transient attempt should record the planned backoff")
	}
}

func TestSettledNonCompletedTasksFailRun(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.planner.plan = agents.Plan{
		SpecID:  "spec-1",
		Summary: "independent tasks",
		Tasks: []agents.PlanTask{
			{Key: "a", Title: "design", Role: "architect"},
			{Key: "b", Title: "implement", Role: "developer"},
		},
	}
	env.executor.results["a"] = agents.TaskResult{Status: agents.ResultBlocked, Output: "waiting on credentials"}
	env.executor.results["b"] = agents.TaskResult{Status: agents.ResultNeedsReview, Output: "risky change"}

	env.admitAndDrain(t, issueEvent(9))

	ctx := context.Background()
	run := singleRun(t, env)
	// blocked and needs_review are recorded verbatim but still count as
	// pending, so the run cannot finish clean.
	if run.Status != "failed" {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	pending, err := env.engine.Repo.CountPendingTasks(ctx, run.ID)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
	a, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("get task a: %v", err)
	}
	if a.Status != "blocked" {
		t.Fatalf("task a = %s, want blocked", a.Status)
	}
	b, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "b")
	if err != nil {
		t.Fatalf("get task b: %v", err)
	}
	if b.Status != "needs_review" {
		t.Fatalf("task b = %s, want needs_review", b.Status)
	}
}

func TestFailedChecksForceRequestChanges(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.tracker.prNumber = 11
	env.tracker.prFound = true
	env.tracker.checksPassed = false

	env.admitAndDrain(t, issueEvent(8))

	run := singleRun(t, env)
	decisions, err := env.engine.Repo.ListDecisions(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	d := decisions[0]
	if d.Decision != "request_changes" || d.DecidedBy != "policy" {
		t.Fatalf("decision = %s by %s, want request_changes by policy", d.Decision, d.DecidedBy)
	}
	if len(d.BlockingFindings) != 1 || d.BlockingFindings[0] != checksNotPassedFinding {
		t.Fatalf("blocking findings = %v", d.BlockingFindings)
	}
	// The gate never consults the reviewer when checks are red.
	if env.reviewer.verdictCalls != 0 {
		t.Fatalf("reviewer consulted %d times despite failed checks", env.reviewer.verdictCalls)
	}
	if env.tracker.changesRequested != 1 {
		t.Fatalf("changesRequested = %d, want 1", env.tracker.changesRequested)
	}
}

func TestPlannerFailureDeadLetters(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.planner.err = classifiedErr{"planner rejected the issue", retry.Deterministic}

	env.admitAndDrain(t, issueEvent(4))

	ctx := context.Background()
	run := singleRun(t, env)
	if run.Status != "dead_letter" {
		t.Fatalf("run status = %s, want dead_letter", run.Status)
	}
	if run.CurrentStage != string(stage.DeadLetter) {
		t.Fatalf("run stage = %s, want dead_letter", run.CurrentStage)
	}
	if run.DeadLetterReason == nil || *run.DeadLetterReason == "" {
		t.Fatal("dead letter reason missing")
	}

	ev, err := env.engine.Repo.GetEventByDeliveryID(ctx, "delivery-4")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !ev.Processed || ev.Error == nil {
		t.Fatalf("event should record the failure: %+v", ev)
	}
}

func TestDryRunSkipsExecution(t *testing.T) {
	env := newTestEnv(t, "dry_run")

	env.admitAndDrain(t, issueEvent(2))

	ctx := context.Background()
	run := singleRun(t, env)
	if len(env.executor.calls) != 0 {
		t.Fatalf("executor called in dry run: %v", env.executor.calls)
	}
	if len(env.tracker.comments) != 0 {
		t.Fatalf("issue comments posted in dry run: %v", env.tracker.comments)
	}
	// Tasks stay queued, so the run cannot finish clean.
	if run.Status != "failed" {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	tasks, err := env.engine.Repo.ListTasks(ctx, run.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != "queued" {
			t.Fatalf("task %s = %s, want queued", task.TaskKey, task.Status)
		}
	}

	audit, err := env.engine.Repo.ListAuditEvents(ctx, run.ID, 50)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	found := false
	for _, a := range audit {
		if a.Type == "scheduler.skipped" {
			found = true
		}
	}
	if !found {
		t.Fatal("no scheduler.skipped audit entry")
	}
}

func TestManualRunAction(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.tracker.prNumber = 42
	env.tracker.prFound = true
	env.tracker.checksPassed = true
	env.admitAndDrain(t, issueEvent(7))
	run := singleRun(t, env)
	ctx := context.Background()

	if _, err := env.engine.ManualRunAction(ctx, run.ID, "block", "", "alice"); err == nil {
		t.Fatal("expected error for missing reason")
	}
	if _, err := env.engine.ManualRunAction(ctx, run.ID, "merge", "now", "alice"); err == nil {
		t.Fatal("expected error for unknown action")
	}

	approvedBefore := env.tracker.approved
	d, err := env.engine.ManualRunAction(ctx, run.ID, "approve", "reviewed by hand", "alice")
	if err != nil {
		t.Fatalf("manual action: %v", err)
	}
	if d.DecidedBy != "alice" || d.Decision != "approve" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if env.tracker.approved != approvedBefore+1 {
		t.Fatal("manual approve did not reach the pull request")
	}
}

func TestRequeueParkedTask(t *testing.T) {
	env := newTestEnv(t, "pr_only")
	env.executor.errs["a"] = []error{classifiedErr{"schema violation", retry.Deterministic}}
	env.admitAndDrain(t, issueEvent(5))
	run := singleRun(t, env)
	ctx := context.Background()

	a, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("get task a: %v", err)
	}
	if a.Status != "retry" {
		t.Fatalf("precondition: task a = %s", a.Status)
	}

	requeued, err := env.engine.RequeueTask(ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != "queued" {
		t.Fatalf("requeued task = %s, want queued", requeued.Status)
	}
	if env.engine.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1 redrive item", env.engine.QueueLen())
	}

	// The redrive executes the requeued task, unblocks its dependent, and
	// settles the run clean. The injected failure was already consumed, so
	// the second execution succeeds.
	env.engine.Drain(ctx)

	a, err = env.engine.Repo.GetTaskByKey(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("get task a after redrive: %v", err)
	}
	if a.Status != "completed" {
		t.Fatalf("task a after redrive = %s, want completed", a.Status)
	}
	b, err := env.engine.Repo.GetTaskByKey(ctx, run.ID, "b")
	if err != nil {
		t.Fatalf("get task b after redrive: %v", err)
	}
	if b.Status != "completed" {
		t.Fatalf("task b after redrive = %s, want completed", b.Status)
	}
	if calls := countCalls(env.executor.calls, "a"); calls != 2 {
		t.Fatalf("task a executed %d times, want 2", calls)
	}
	redriven := singleRun(t, env)
	if redriven.Status != "completed" {
		t.Fatalf("run after redrive = %s, want completed", redriven.Status)
	}
}

func singleRun(t *testing.T, env *testEnv) domain.WorkflowRun {
	t.Helper()
	list, err := env.engine.Repo.ListRuns(context.Background(), repo.RunFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 run, got %d", len(list))
	}
	return list[0]
}

func countCalls(calls []string, key string) int {
	n := 0
	for _, c := range calls {
		if c == key {
			n++
		}
	}
	return n
}
