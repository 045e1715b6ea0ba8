package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v68/github"
)

// GitHub implements Client using the go-github library. Transient failures
// (network, 5xx, secondary rate limits) are retried with bounded
// exponential backoff; auth and validation failures are returned as-is.
type GitHub struct {
	client     *github.Client
	maxElapsed time.Duration
}

// NewGitHub creates a client with the provided OAuth token. An empty token
// is a config error, not a provider error; callers should gate on it first.
func NewGitHub(token string) *GitHub {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHub{client: client, maxElapsed: 30 * time.Second}
}

// NewGitHubWithHTTPClient creates a client against a custom base URL,
// primarily for httptest servers.
func NewGitHubWithHTTPClient(httpClient *http.Client, baseURL string) *GitHub {
	client := github.NewClient(httpClient)
	if baseURL != "" {
		client, _ = client.WithEnterpriseURLs(baseURL, baseURL)
	}
	return &GitHub{client: client, maxElapsed: 5 * time.Second}
}

// NewFactory returns a Factory for the given token.
func NewFactory(token string) Factory {
	return func() (Client, error) {
		if strings.TrimSpace(token) == "" {
			return nil, ErrAuthMissing
		}
		return NewGitHub(token), nil
	}
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo %q must be owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// classify maps go-github errors onto the package error classes.
func classify(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuthInvalid, err)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case resp.StatusCode == http.StatusUnprocessableEntity && mentionsAlreadyExists(err):
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	// No HTTP response at all: transport-level failure.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func mentionsAlreadyExists(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		for _, e := range ghErr.Errors {
			if e.Code == "already_exists" || strings.Contains(strings.ToLower(e.Message), "already exists") {
				return true
			}
		}
		if strings.Contains(strings.ToLower(ghErr.Message), "already exists") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// withRetry runs op, retrying only ErrUnavailable-class failures.
func (g *GitHub) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = g.maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (g *GitHub) Verify(ctx context.Context) error {
	return g.withRetry(ctx, func() error {
		_, resp, err := g.client.Users.Get(ctx, "")
		return classify(resp, err)
	})
}

func (g *GitHub) GetBranchSHA(ctx context.Context, repo, branch string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	var sha string
	err = g.withRetry(ctx, func() error {
		ref, resp, err := g.client.Git.GetRef(ctx, owner, name, "refs/heads/"+branch)
		if err != nil {
			return classify(resp, err)
		}
		sha = ref.GetObject().GetSHA()
		return nil
	})
	return sha, err
}

func (g *GitHub) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	return g.withRetry(ctx, func() error {
		_, resp, err := g.client.Git.CreateRef(ctx, owner, name, &github.Reference{
			Ref:    github.Ptr("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.Ptr(sha)},
		})
		return classify(resp, err)
	})
}

func (g *GitHub) FindPullRequest(ctx context.Context, repo, head, base, state string) (PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return PullRequest{}, err
	}
	var found PullRequest
	err = g.withRetry(ctx, func() error {
		prs, resp, err := g.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
			Head:      owner + ":" + head,
			Base:      base,
			State:     state,
			Sort:      "created",
			Direction: "desc",
			ListOptions: github.ListOptions{
				PerPage: 10,
			},
		})
		if err != nil {
			return classify(resp, err)
		}
		if len(prs) == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		pr := prs[0]
		found = PullRequest{
			Number:    pr.GetNumber(),
			URL:       pr.GetHTMLURL(),
			State:     pr.GetState(),
			HeadRef:   pr.GetHead().GetRef(),
			BaseRef:   pr.GetBase().GetRef(),
			CreatedAt: pr.GetCreatedAt().Time,
		}
		return nil
	})
	if permanent := new(backoff.PermanentError); errors.As(err, &permanent) {
		err = permanent.Err
	}
	return found, err
}

func (g *GitHub) CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return PullRequest{}, err
	}
	var created PullRequest
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.Ptr(pr.Title),
			Body:  github.Ptr(pr.Body),
			Head:  github.Ptr(pr.Head),
			Base:  github.Ptr(pr.Base),
		})
		if err != nil {
			return classify(resp, err)
		}
		created = PullRequest{
			Number:    out.GetNumber(),
			URL:       out.GetHTMLURL(),
			State:     out.GetState(),
			HeadRef:   out.GetHead().GetRef(),
			BaseRef:   out.GetBase().GetRef(),
			CreatedAt: out.GetCreatedAt().Time,
		}
		return nil
	})
	return created, err
}

func (g *GitHub) CreateIssue(ctx context.Context, repo string, issue NewIssue) (Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Issue{}, err
	}
	req := &github.IssueRequest{
		Title: github.Ptr(issue.Title),
		Body:  github.Ptr(issue.Body),
	}
	if len(issue.Labels) > 0 {
		req.Labels = &issue.Labels
	}
	var created Issue
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.Issues.Create(ctx, owner, name, req)
		if err != nil {
			return classify(resp, err)
		}
		created = Issue{Number: out.GetNumber(), URL: out.GetHTMLURL()}
		return nil
	})
	return created, err
}

func (g *GitHub) UpdateIssue(ctx context.Context, repo string, number int, issue NewIssue) (Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Issue{}, err
	}
	var updated Issue
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.Issues.Edit(ctx, owner, name, number, &github.IssueRequest{
			Title: github.Ptr(issue.Title),
			Body:  github.Ptr(issue.Body),
		})
		if err != nil {
			return classify(resp, err)
		}
		updated = Issue{Number: out.GetNumber(), URL: out.GetHTMLURL()}
		return nil
	})
	return updated, err
}

func (g *GitHub) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	return g.withRetry(ctx, func() error {
		_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, owner, name, number, labels)
		return classify(resp, err)
	})
}

func (g *GitHub) CreateComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	return g.withRetry(ctx, func() error {
		_, resp, err := g.client.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return classify(resp, err)
	})
}

func (g *GitHub) DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string, inputs map[string]any) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	return g.withRetry(ctx, func() error {
		resp, err := g.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, name, workflowFile,
			github.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: inputs})
		return classify(resp, err)
	})
}

func (g *GitHub) LatestWorkflowRun(ctx context.Context, repo, workflowFile, branch string) (WorkflowRun, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return WorkflowRun{}, err
	}
	var run WorkflowRun
	err = g.withRetry(ctx, func() error {
		runs, resp, err := g.client.Actions.ListWorkflowRunsByFileName(ctx, owner, name, workflowFile,
			&github.ListWorkflowRunsOptions{
				Branch:      branch,
				ListOptions: github.ListOptions{PerPage: 1},
			})
		if err != nil {
			return classify(resp, err)
		}
		if runs.GetTotalCount() == 0 || len(runs.WorkflowRuns) == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		run = toWorkflowRun(runs.WorkflowRuns[0])
		return nil
	})
	if permanent := new(backoff.PermanentError); errors.As(err, &permanent) {
		err = permanent.Err
	}
	return run, err
}

func (g *GitHub) GetWorkflowRun(ctx context.Context, repo string, runID int64) (WorkflowRun, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return WorkflowRun{}, err
	}
	var run WorkflowRun
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.Actions.GetWorkflowRunByID(ctx, owner, name, runID)
		if err != nil {
			return classify(resp, err)
		}
		run = toWorkflowRun(out)
		return nil
	})
	return run, err
}

func toWorkflowRun(run *github.WorkflowRun) WorkflowRun {
	return WorkflowRun{
		ID:         run.GetID(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
		URL:        run.GetHTMLURL(),
	}
}

func (g *GitHub) ListWorkflowJobs(ctx context.Context, repo string, runID int64) ([]WorkflowJob, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var jobs []WorkflowJob
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.Actions.ListWorkflowJobs(ctx, owner, name, runID, &github.ListWorkflowJobsOptions{})
		if err != nil {
			return classify(resp, err)
		}
		jobs = jobs[:0]
		for _, j := range out.Jobs {
			jobs = append(jobs, WorkflowJob{
				ID:         j.GetID(),
				Name:       j.GetName(),
				Status:     j.GetStatus(),
				Conclusion: j.GetConclusion(),
			})
		}
		return nil
	})
	return jobs, err
}

func (g *GitHub) ListRunArtifacts(ctx context.Context, repo string, runID int64) ([]Artifact, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var artifacts []Artifact
	err = g.withRetry(ctx, func() error {
		out, resp, err := g.client.Actions.ListWorkflowRunArtifacts(ctx, owner, name, runID, &github.ListOptions{})
		if err != nil {
			return classify(resp, err)
		}
		artifacts = artifacts[:0]
		for _, a := range out.Artifacts {
			artifacts = append(artifacts, Artifact{
				ID:        a.GetID(),
				Name:      a.GetName(),
				SizeBytes: a.GetSizeInBytes(),
			})
		}
		return nil
	})
	return artifacts, err
}
