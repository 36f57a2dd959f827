package domain

// Event is an admitted webhook delivery. The payload is immutable; the row is
// updated only to link a workflow run and to record the processing outcome.
type Event struct {
	ID            string  `json:"id"`
	DeliveryID    string  `json:"delivery_id"`
	EventType     string  `json:"event_type"`
	Action        string  `json:"action,omitempty"`
	PayloadJSON   string  `json:"payload_json"`
	Actionable    bool    `json:"actionable"`
	WorkflowRunID *string `json:"workflow_run_id,omitempty"`
	Processed     bool    `json:"processed"`
	Error         *string `json:"error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
}

type WorkflowRun struct {
	ID               string  `json:"id"`
	ExternalTaskRef  string  `json:"external_task_ref"`
	IssueNumber      int     `json:"issue_number"`
	PRNumber         *int    `json:"pr_number,omitempty"`
	Status           string  `json:"status" enum:"pending,in_progress,completed,failed,dead_letter"`
	CurrentStage     string  `json:"current_stage"`
	SpecID           *string `json:"spec_id,omitempty"`
	DeadLetterReason *string `json:"dead_letter_reason,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	WorkflowRunID  string   `json:"workflow_run_id"`
	TaskKey        string   `json:"task_key"`
	Title          string   `json:"title"`
	OwnerRole      string   `json:"owner_role"`
	Status         string   `json:"status" enum:"queued,running,completed,blocked,retry,needs_review"`
	AttemptCount   int      `json:"attempt_count"`
	DependsOn      []string `json:"depends_on,omitempty"`
	LastResultJSON *string  `json:"last_result_json,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// AgentAttempt is an append-only record of one execution attempt. Never mutated
// after insert; this is the retry audit trail.
type AgentAttempt struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	AttemptNumber  int     `json:"attempt_number"`
	Status         string  `json:"status" enum:"completed,blocked,needs_review,failed"`
	Output         *string `json:"output,omitempty"`
	Error          *string `json:"error,omitempty"`
	ErrorCategory  *string `json:"error_category,omitempty"`
	BackoffDelayMs *int    `json:"backoff_delay_ms,omitempty"`
	DurationMs     int     `json:"duration_ms"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Artifact is an append-only content blob tied to a run, optionally to a task.
type Artifact struct {
	ID            string  `json:"id"`
	WorkflowRunID string  `json:"workflow_run_id"`
	TaskID        *string `json:"task_id,omitempty"`
	Kind          string  `json:"kind"`
	Content       string  `json:"content"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type MergeDecision struct {
	ID               string   `json:"id"`
	WorkflowRunID    string   `json:"workflow_run_id"`
	PRNumber         *int     `json:"pr_number,omitempty"`
	Decision         string   `json:"decision" enum:"approve,request_changes,block"`
	Rationale        string   `json:"rationale"`
	BlockingFindings []string `json:"blocking_findings,omitempty"`
	DecidedBy        string   `json:"decided_by"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

// StageTransition is the append-only audit trail of stage progression for a run.
type StageTransition struct {
	ID             int64  `json:"id"`
	WorkflowRunID  string `json:"workflow_run_id"`
	FromStage      string `json:"from_stage"`
	ToStage        string `json:"to_stage"`
	MetadataJSON   string `json:"metadata_json,omitempty"`
	TransitionedAt string `json:"transitioned_at" format:"date-time"`
}

// AutonomyTransition is one persisted step on the autonomy ladder.
type AutonomyTransition struct {
	ID        int64  `json:"id"`
	FromMode  string `json:"from_mode"`
	ToMode    string `json:"to_mode"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason"`
	ChangedAt string `json:"changed_at" format:"date-time"`
}

// AuditEvent is one entry in the orchestrator's diary of changes.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"viewer,operator,admin"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RunView is the aggregate read model for one workflow run.
type RunView struct {
	Run          WorkflowRun       `json:"run"`
	Tasks        []Task            `json:"tasks"`
	Decisions    []MergeDecision   `json:"decisions"`
	Stages       []StageTransition `json:"stages"`
	PendingTasks int               `json:"pending_tasks"`
}
