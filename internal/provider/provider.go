// Package provider abstracts the upstream issue-tracking/version-control
// provider behind a capability interface. The engine depends only on
// create-or-get semantics, a recognizable already-exists conflict, and a
// status+conclusion pair for run polling.
package provider

import (
	"context"
	"errors"
	"time"
)

// Error classes the engine switches on. Implementations wrap these so
// errors.Is works across the interface boundary.
var (
	// ErrAlreadyExists signals a create conflict: the resource exists,
	// typically because a concurrent actor won the race.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrAuthMissing means no credential is configured.
	ErrAuthMissing = errors.New("provider credential not configured")

	// ErrAuthInvalid means the provider rejected the credential or denied
	// access. Never retried.
	ErrAuthInvalid = errors.New("provider rejected credential")

	// ErrNotFound means the target resource does not exist upstream.
	ErrNotFound = errors.New("resource not found upstream")

	// ErrUnavailable means the provider was unreachable or timed out.
	// Safe to retry; mutations are keyed idempotently.
	ErrUnavailable = errors.New("provider unreachable")
)

type Issue struct {
	Number int
	URL    string
}

type PullRequest struct {
	Number    int
	URL       string
	State     string
	HeadRef   string
	BaseRef   string
	CreatedAt time.Time
}

type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

type NewIssue struct {
	Title  string
	Body   string
	Labels []string
}

type WorkflowRun struct {
	ID         int64
	Status     string
	Conclusion string
	URL        string
}

type WorkflowJob struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}

type Artifact struct {
	ID        int64
	Name      string
	SizeBytes int64
}

// Client is the set of upstream operations the orchestration engine needs.
// repo is always "owner/name".
type Client interface {
	// Verify checks that the credential is accepted by the provider.
	Verify(ctx context.Context) error

	GetBranchSHA(ctx context.Context, repo, branch string) (string, error)
	// CreateBranch creates the ref; ErrAlreadyExists if the branch exists.
	CreateBranch(ctx context.Context, repo, branch, sha string) error

	// FindPullRequest returns the most recently created PR matching
	// head/base in the given state ("open" or "all"), or ErrNotFound.
	FindPullRequest(ctx context.Context, repo, head, base, state string) (PullRequest, error)
	CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (PullRequest, error)

	CreateIssue(ctx context.Context, repo string, issue NewIssue) (Issue, error)
	UpdateIssue(ctx context.Context, repo string, number int, issue NewIssue) (Issue, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	CreateComment(ctx context.Context, repo string, number int, body string) error

	DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string, inputs map[string]any) error
	// LatestWorkflowRun returns the newest run of the workflow on the
	// branch, or ErrNotFound while none has been scheduled yet.
	LatestWorkflowRun(ctx context.Context, repo, workflowFile, branch string) (WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, repo string, runID int64) (WorkflowRun, error)
	ListWorkflowJobs(ctx context.Context, repo string, runID int64) ([]WorkflowJob, error)
	ListRunArtifacts(ctx context.Context, repo string, runID int64) ([]Artifact, error)
}

// Factory acquires a client for the configured credential. Returns
// ErrAuthMissing when no credential is configured.
type Factory func() (Client, error)
