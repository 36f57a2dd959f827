package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"issueflow/internal/agents"
	"issueflow/internal/config"
	"issueflow/internal/domain"
	"issueflow/internal/engine"
	"issueflow/internal/ghclient"
	"issueflow/internal/repo"
)

func trackerFromConfig(ctx context.Context, cfg *config.Config) ghclient.Client {
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		fmt.Println("warning: github owner/repo not configured; runs will dead-letter at issue lookup")
	}
	return ghclient.New(ctx, cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Token)
}

func wirePlannerExecutorReviewer(e *engine.Engine, cfg *config.Config) {
	if cfg.Agents.PlannerURL != "" {
		e.Planner = agents.NewService(cfg.Agents.PlannerURL, cfg.Agents.Token)
	}
	if cfg.Agents.ExecutorURL != "" {
		e.Executor = agents.NewService(cfg.Agents.ExecutorURL, cfg.Agents.Token)
	}
	if cfg.Agents.ReviewerURL != "" {
		e.Reviewer = agents.NewService(cfg.Agents.ReviewerURL, cfg.Agents.Token)
	}
}

func repoAPIKey(actorID, role, name, secret string) domain.APIKey {
	if role == "" {
		role = "viewer"
	}
	return domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
