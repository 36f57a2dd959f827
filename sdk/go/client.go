// Package issueflowsdk is a minimal Go client for the issueflow HTTP API.
package issueflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API workflow-run model (partial).
type Run struct {
	ID              string  `json:"id"`
	ExternalTaskRef string  `json:"external_task_ref"`
	IssueNumber     int     `json:"issue_number"`
	PRNumber        *int    `json:"pr_number,omitempty"`
	Status          string  `json:"status"`
	CurrentStage    string  `json:"current_stage"`
	SpecID          *string `json:"spec_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type Task struct {
	ID            string   `json:"id"`
	WorkflowRunID string   `json:"workflow_run_id"`
	TaskKey       string   `json:"task_key"`
	Title         string   `json:"title"`
	OwnerRole     string   `json:"owner_role"`
	Status        string   `json:"status"`
	AttemptCount  int      `json:"attempt_count"`
	DependsOn     []string `json:"depends_on,omitempty"`
}

type MergeDecision struct {
	ID               string   `json:"id"`
	WorkflowRunID    string   `json:"workflow_run_id"`
	PRNumber         *int     `json:"pr_number,omitempty"`
	Decision         string   `json:"decision"`
	Rationale        string   `json:"rationale"`
	BlockingFindings []string `json:"blocking_findings,omitempty"`
	DecidedBy        string   `json:"decided_by"`
	CreatedAt        string   `json:"created_at"`
}

type StageTransition struct {
	ID             int64  `json:"id"`
	WorkflowRunID  string `json:"workflow_run_id"`
	FromStage      string `json:"from_stage"`
	ToStage        string `json:"to_stage"`
	TransitionedAt string `json:"transitioned_at"`
}

// RunView is the aggregate detail for one run.
type RunView struct {
	Run          Run               `json:"run"`
	Tasks        []Task            `json:"tasks"`
	Decisions    []MergeDecision   `json:"decisions"`
	Stages       []StageTransition `json:"stages"`
	PendingTasks int               `json:"pending_tasks"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type TransitionRecord struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ChangedBy string `json:"changed_by"`
	ChangedAt string `json:"changed_at"`
	Reason    string `json:"reason"`
}

type AutonomyStatus struct {
	Mode        string             `json:"mode"`
	History     []TransitionRecord `json:"history"`
	GeneratedAt string             `json:"generated_at"`
}

type AutonomyTransitionResult struct {
	Mode       string           `json:"mode"`
	Transition TransitionRecord `json:"transition"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type runList struct {
	Items []Run `json:"items"`
}

type auditList struct {
	Items []AuditEvent `json:"items"`
}

// Autonomy returns the current mode and transition history.
func (c *Client) Autonomy(ctx context.Context) (AutonomyStatus, error) {
	var resp AutonomyStatus
	err := c.do(ctx, http.MethodGet, "v0/autonomy", nil, &resp)
	return resp, err
}

// SetAutonomy requests a mode transition.
func (c *Client) SetAutonomy(ctx context.Context, mode, reason string) (AutonomyTransitionResult, error) {
	var resp AutonomyTransitionResult
	err := c.do(ctx, http.MethodPost, "v0/autonomy", map[string]string{"mode": mode, "reason": reason}, &resp)
	return resp, err
}

// Runs lists workflow runs, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp runList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Run fetches one run's detail view.
func (c *Client) Run(ctx context.Context, runID string) (RunView, error) {
	var resp RunView
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// RunAction dispatches a manual merge action for a run.
func (c *Client) RunAction(ctx context.Context, runID, action, reason string) (MergeDecision, error) {
	var resp MergeDecision
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(runID)+"/actions",
		map[string]string{"action": action, "reason": reason}, &resp)
	return resp, err
}

// RequeueTask puts a parked task back in the runnable pool.
func (c *Client) RequeueTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/requeue", nil, &resp)
	return resp, err
}

// Events tails the audit log.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]AuditEvent, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp auditList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
