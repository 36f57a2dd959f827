// Package ghclient wraps the GitHub REST API behind the narrow surface the
// pipeline needs. Errors carry the upstream status code so the retry
// classifier can tell rate limits from bad requests.
package ghclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"issueflow/internal/agents"
)

// Client is the tracker surface consumed by the engine. The production
// implementation talks to GitHub; tests substitute fakes.
type Client interface {
	GetIssueContext(ctx context.Context, issueNumber int) (agents.IssueContext, error)
	GetBranchSHA(ctx context.Context, branch string) (string, error)
	FindOpenPullRequestForIssue(ctx context.Context, issueNumber int) (int, bool, error)
	HasRequiredChecksPassed(ctx context.Context, prNumber int) (bool, error)
	ApprovePullRequest(ctx context.Context, prNumber int, body string) error
	RequestChanges(ctx context.Context, prNumber int, body string) error
	EnableAutoMerge(ctx context.Context, prNumber int) error
	AddIssueComment(ctx context.Context, issueNumber int, body string) error
}

type GitHub struct {
	owner string
	repo  string
	api   *github.Client
}

func New(ctx context.Context, owner, repo, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHub{
		owner: owner,
		repo:  repo,
		api:   github.NewClient(oauth2.NewClient(ctx, ts)),
	}
}

// apiError surfaces the GitHub response status to the classifier.
type apiError struct {
	status int
	err    error
}

func (e *apiError) Error() string   { return e.err.Error() }
func (e *apiError) Unwrap() error   { return e.err }
func (e *apiError) StatusCode() int { return e.status }

func wrap(op string, res *github.Response, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return &apiError{status: ghErr.Response.StatusCode, err: wrapped}
	}
	if res != nil && res.Response != nil {
		return &apiError{status: res.StatusCode, err: wrapped}
	}
	return wrapped
}

func (g *GitHub) GetIssueContext(ctx context.Context, issueNumber int) (agents.IssueContext, error) {
	issue, res, err := g.api.Issues.Get(ctx, g.owner, g.repo, issueNumber)
	if err != nil {
		return agents.IssueContext{}, wrap("get issue", res, err)
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return agents.IssueContext{
		Repo:   g.owner + "/" + g.repo,
		Number: issueNumber,
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		Labels: labels,
	}, nil
}

func (g *GitHub) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	b, res, err := g.api.Repositories.GetBranch(ctx, g.owner, g.repo, branch, 3)
	if err != nil {
		return "", wrap("get branch", res, err)
	}
	return b.GetCommit().GetSHA(), nil
}

// FindOpenPullRequestForIssue scans open PRs for one whose title or body
// references the issue number. GitHub has no direct issue-to-PR lookup on the
// REST surface.
func (g *GitHub) FindOpenPullRequestForIssue(ctx context.Context, issueNumber int) (int, bool, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	ref := fmt.Sprintf("#%d", issueNumber)
	for {
		prs, res, err := g.api.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return 0, false, wrap("list pull requests", res, err)
		}
		for _, pr := range prs {
			if strings.Contains(pr.GetTitle(), ref) || strings.Contains(pr.GetBody(), ref) {
				return pr.GetNumber(), true, nil
			}
		}
		if res.NextPage == 0 {
			return 0, false, nil
		}
		opts.Page = res.NextPage
	}
}

func (g *GitHub) HasRequiredChecksPassed(ctx context.Context, prNumber int) (bool, error) {
	pr, res, err := g.api.PullRequests.Get(ctx, g.owner, g.repo, prNumber)
	if err != nil {
		return false, wrap("get pull request", res, err)
	}
	sha := pr.GetHead().GetSHA()
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		runs, res, err := g.api.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, sha, opts)
		if err != nil {
			return false, wrap("list check runs", res, err)
		}
		for _, run := range runs.CheckRuns {
			if run.GetStatus() != "completed" {
				return false, nil
			}
			switch run.GetConclusion() {
			case "success", "neutral", "skipped":
			default:
				return false, nil
			}
		}
		if res.NextPage == 0 {
			return true, nil
		}
		opts.Page = res.NextPage
	}
}

func (g *GitHub) ApprovePullRequest(ctx context.Context, prNumber int, body string) error {
	_, res, err := g.api.PullRequests.CreateReview(ctx, g.owner, g.repo, prNumber, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String("APPROVE"),
	})
	return wrap("approve pull request", res, err)
}

func (g *GitHub) RequestChanges(ctx context.Context, prNumber int, body string) error {
	_, res, err := g.api.PullRequests.CreateReview(ctx, g.owner, g.repo, prNumber, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String("REQUEST_CHANGES"),
	})
	return wrap("request changes", res, err)
}

func (g *GitHub) EnableAutoMerge(ctx context.Context, prNumber int) error {
	_, res, err := g.api.PullRequests.Merge(ctx, g.owner, g.repo, prNumber, "", &github.PullRequestOptions{
		MergeMethod: "squash",
	})
	return wrap("merge pull request", res, err)
}

func (g *GitHub) AddIssueComment(ctx context.Context, issueNumber int, body string) error {
	_, res, err := g.api.Issues.CreateComment(ctx, g.owner, g.repo, issueNumber, &github.IssueComment{
		Body: github.String(body),
	})
	return wrap("add issue comment", res, err)
}
