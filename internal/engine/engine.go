// Package engine is the orchestration core: it admits webhook events, drives
// the workflow-run pipeline through its stages, schedules plan tasks against
// the executor, and gates merge actions by autonomy policy.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"issueflow/internal/agents"
	"issueflow/internal/autonomy"
	"issueflow/internal/config"
	"issueflow/internal/events"
	"issueflow/internal/ghclient"
	"issueflow/internal/repo"
	"issueflow/internal/retry"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Autonomy *autonomy.Controller
	Tracker  ghclient.Client
	Planner  agents.Planner
	Executor agents.Executor
	Reviewer agents.Reviewer
	Now      func() time.Time

	// Sleep overrides the retry sleep in tests.
	Sleep func(context.Context, time.Duration) error

	queue *fifo
}

func New(db *sql.DB, cfg *config.Config) (*Engine, error) {
	mode := autonomy.Mode(cfg.Autonomy.InitialMode)
	if mode == "" {
		mode = autonomy.DryRun
	}
	ctl, err := autonomy.NewController(mode)
	if err != nil {
		return nil, err
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Autonomy: ctl,
		Now:      time.Now,
		queue:    newFifo(),
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) retryOptions() retry.Options {
	return retry.Options{
		Retries:   e.Config.Retry.Retries,
		BaseDelay: time.Duration(e.Config.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(e.Config.Retry.MaxDelayMs) * time.Millisecond,
		Factor:    e.Config.Retry.Factor,
		Classify:  retry.Classify,
		Sleep:     e.Sleep,
	}
}

// SetAutonomyMode transitions the ladder and persists the step for forensics.
// The controller enforces legality; persistence failures do not roll the mode
// back, the in-memory controller stays authoritative.
func (e *Engine) SetAutonomyMode(ctx context.Context, target autonomy.Mode, changedBy, reason string) (autonomy.TransitionRecord, error) {
	rec, err := e.Autonomy.Transition(target, changedBy, reason)
	if err != nil {
		return autonomy.TransitionRecord{}, err
	}
	if err := e.Repo.InsertAutonomyTransition(ctx, string(rec.From), string(rec.To), rec.ChangedBy, rec.Reason, rec.ChangedAt); err != nil {
		return rec, fmt.Errorf("persist autonomy transition: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "autonomy.transition", "", "autonomy", string(rec.To), changedBy, events.EventPayload{
		"from":   rec.From,
		"to":     rec.To,
		"reason": reason,
	}); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}
