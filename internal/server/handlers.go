package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"issueflow/internal/autonomy"
	"issueflow/internal/domain"
	"issueflow/internal/engine"
	"issueflow/internal/repo"
)

type autonomyStatus struct {
	Mode        autonomy.Mode               `json:"mode"`
	History     []autonomy.TransitionRecord `json:"history"`
	GeneratedAt string                      `json:"generated_at" format:"date-time"`
}

type autonomyTransitionResult struct {
	Mode       autonomy.Mode             `json:"mode"`
	Transition autonomy.TransitionRecord `json:"transition"`
}

func registerAutonomy(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-autonomy",
		Method:      http.MethodGet,
		Path:        "/autonomy",
		Summary:     "Current autonomy mode and transition history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body autonomyStatus `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "viewer", "forbidden"); err != nil {
			return nil, err
		}
		history := e.Autonomy.History()
		if history == nil {
			history = []autonomy.TransitionRecord{}
		}
		return &struct {
			Body autonomyStatus `json:"body"`
		}{Body: autonomyStatus{
			Mode:        e.Autonomy.Mode(),
			History:     history,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-autonomy",
		Method:      http.MethodPost,
		Path:        "/autonomy",
		Summary:     "Transition the autonomy mode",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Mode   string `json:"mode,omitempty"`
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body autonomyTransitionResult `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, "admin", "forbidden")
		if err != nil {
			return nil, err
		}
		target := autonomy.Mode(input.Body.Mode)
		if !autonomy.Valid(target) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_mode", "unknown autonomy mode", map[string]any{"mode": input.Body.Mode})
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "reason_required", "a non-empty reason is required", nil)
		}
		rec, terr := e.SetAutonomyMode(ctx, target, principal.ActorID, input.Body.Reason)
		if terr != nil {
			return nil, handleError(terr)
		}
		return &struct {
			Body autonomyTransitionResult `json:"body"`
		}{Body: autonomyTransitionResult{Mode: e.Autonomy.Mode(), Transition: rec}}, nil
	})
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List workflow runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,in_progress,completed,failed,dead_letter"`
		Stage  string `query:"stage"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.WorkflowRun `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "viewer", "forbidden"); err != nil {
			return nil, err
		}
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilter{Status: input.Status, Stage: input.Stage, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.WorkflowRun{}
		}
		out := &struct {
			Body struct {
				Items []domain.WorkflowRun `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Workflow run detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunView `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "viewer", "forbidden"); err != nil {
			return nil, err
		}
		view, err := e.Repo.GetRunView(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-action",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/actions",
		Summary:     "Dispatch a manual merge action for a run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  struct {
			Action string `json:"action,omitempty" enum:"approve,request_changes,block"`
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.MergeDecision `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, "operator", "forbidden_action")
		if err != nil {
			return nil, err
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "reason_required", "a non-empty reason is required", nil)
		}
		d, aerr := e.ManualRunAction(ctx, input.RunID, input.Body.Action, input.Body.Reason, principal.ActorID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &struct {
			Body domain.MergeDecision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/requeue",
		Summary:     "Put a parked task back in the runnable pool",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, "operator", "forbidden_action")
		if err != nil {
			return nil, err
		}
		t, rerr := e.RequeueTask(ctx, input.TaskID, principal.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.AuditEvent `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "viewer", "forbidden"); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListAuditEvents(ctx, input.RunID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditEvent{}
		}
		out := &struct {
			Body struct {
				Items []domain.AuditEvent `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})
}
