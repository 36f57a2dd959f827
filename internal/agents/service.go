package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultServiceTimeout = 120 * time.Second

// Service talks to a generative agent service over HTTP. One endpoint per
// operation; responses pass through the schema boundary before use.
type Service struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewService(baseURL, token string) *Service {
	return &Service{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: defaultServiceTimeout},
	}
}

// httpError carries the status of a failed service call so the classifier can
// sort transient from deterministic failures.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("agent service status %d: %s", e.status, e.body)
}

func (e *httpError) StatusCode() int { return e.status }

func (s *Service) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<22))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &httpError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (s *Service) GeneratePlan(ctx context.Context, issue IssueContext) (Plan, error) {
	raw, err := s.post(ctx, "/v1/plan", map[string]any{"issue": issue})
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := decodeStrict("plan", raw, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (s *Service) ExecuteTask(ctx context.Context, issue IssueContext, task PlanTask) (TaskResult, error) {
	raw, err := s.post(ctx, "/v1/execute", map[string]any{"issue": issue, "task": task})
	if err != nil {
		return TaskResult{}, err
	}
	var result TaskResult
	if err := decodeStrict("task_result", raw, &result); err != nil {
		return TaskResult{}, err
	}
	return result, nil
}

func (s *Service) SummarizeReview(ctx context.Context, issue IssueContext, prNumber int) (ReviewSummary, error) {
	raw, err := s.post(ctx, "/v1/review", map[string]any{"issue": issue, "pr_number": prNumber})
	if err != nil {
		return ReviewSummary{}, err
	}
	var review ReviewSummary
	if err := decodeStrict("review_summary", raw, &review); err != nil {
		return ReviewSummary{}, err
	}
	return review, nil
}

func (s *Service) GenerateMergeDecision(ctx context.Context, issue IssueContext, prNumber int, review ReviewSummary) (MergeVerdict, error) {
	raw, err := s.post(ctx, "/v1/merge-decision", map[string]any{
		"issue":     issue,
		"pr_number": prNumber,
		"review":    review,
	})
	if err != nil {
		return MergeVerdict{}, err
	}
	var verdict MergeVerdict
	if err := decodeStrict("merge_verdict", raw, &verdict); err != nil {
		return MergeVerdict{}, err
	}
	return verdict, nil
}
