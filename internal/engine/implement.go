package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"afu/internal/domain"
	"afu/internal/preflight"
	"afu/internal/provider"
)

type ImplementOptions struct {
	Identifier string
	RequestID  string
	Actor      string
}

// branchName derives the deterministic work branch for an item:
// <stage>/issue-<externalNumber>-<shortID without prefix>.
func branchName(stage string, wi domain.WorkItem) string {
	return fmt.Sprintf("%s/issue-%d-%s", stage, wi.ExternalNumber, strings.TrimPrefix(wi.ShortID, domain.ShortIDPrefix))
}

// Implement creates (or adopts) the work branch and pull request for an
// item. Repeated invocations never duplicate either resource: the branch
// create tolerates already-exists, and PR creation follows the bounded
// create -> on-conflict re-search once -> fail-closed pattern.
func (e Engine) Implement(ctx context.Context, opts ImplementOptions) (Result, error) {
	item, err := e.resolve(ctx, opts.Identifier)
	if err != nil {
		return Result{}, err
	}
	if item != nil && item.PRNumber != 0 && item.Lifecycle == domain.LifecyclePRCreated {
		return Result{Outcome: OutcomeReused, Item: *item}, nil
	}

	client, decision := preflight.Evaluate(ctx, e.preflightInput(OpImplement, opts.Identifier, item))
	if decision != nil {
		return blocked(item, decision), nil
	}

	wi, err := e.applier().SetLifecycle(ctx, *item, domain.LifecycleImplementing)
	if err != nil {
		return Result{}, err
	}

	rec := e.recorder()
	run, err := rec.StartRun(ctx, OpImplement, wi.ID, opts.RequestID, opts.Actor)
	if err != nil {
		return Result{}, err
	}

	branch := branchName(e.Config.Stage, wi)
	base := e.Config.GitHub.BaseBranch

	fail := func(stepID string, cause error, evidence map[string]string) (Result, error) {
		ue := upstreamError(cause)
		_ = rec.StepFailed(ctx, run.ID, stepID, stepID, cause, evidence)
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		if _, serr := e.applier().SetError(ctx, wi, ue.Error()); serr != nil {
			e.Logger.ErrorContext(ctx, "implement failure state write failed", "work_item", wi.ID, "error", serr)
		}
		return Result{}, ue
	}

	if err := rec.StepStarted(ctx, run.ID, "resolve_base", "resolve_base", map[string]string{"base": base}); err != nil {
		return Result{}, err
	}
	sha, err := client.GetBranchSHA(ctx, wi.RepoFullName, base)
	if err != nil {
		return fail("resolve_base", err, map[string]string{"base": base})
	}
	if err := rec.StepSucceeded(ctx, run.ID, "resolve_base", "resolve_base", map[string]string{"base": base, "sha": sha}); err != nil {
		return Result{}, err
	}

	branchEvidence := map[string]string{"branch": branch, "sha": sha}
	err = client.CreateBranch(ctx, wi.RepoFullName, branch, sha)
	switch {
	case err == nil:
		branchEvidence["branch_created"] = "true"
	case errors.Is(err, provider.ErrAlreadyExists):
		// A previous attempt or a concurrent actor made the branch.
		branchEvidence["branch_created"] = "false"
	default:
		return fail("create_branch", err, branchEvidence)
	}
	if err := rec.StepSucceeded(ctx, run.ID, "create_branch", "create_branch", branchEvidence); err != nil {
		return Result{}, err
	}

	pr, prOutcome, err := e.ensurePullRequest(ctx, client, wi, branch, base)
	if err != nil {
		return fail("ensure_pr", err, map[string]string{"branch": branch, "base": base})
	}

	updated, err := e.applier().RecordPullRequest(ctx, wi, branch, pr.Number, pr.URL)
	if err != nil {
		_ = rec.StepSucceeded(ctx, run.ID, "ensure_pr", "ensure_pr", prEvidence(branch, pr, prOutcome))
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		return Result{}, &PartialFailureError{
			ExternalRef: fmt.Sprintf("%s!%d", wi.RepoFullName, pr.Number),
			Err:         err,
		}
	}
	if err := rec.StepSucceeded(ctx, run.ID, "ensure_pr", "ensure_pr", prEvidence(branch, pr, prOutcome)); err != nil {
		return Result{}, err
	}
	if err := rec.FinishRun(ctx, run.ID, domain.RunDone); err != nil {
		return Result{}, err
	}

	e.Logger.InfoContext(ctx, "implement complete", "work_item", updated.ShortID, "branch", branch, "pr", pr.Number, "outcome", prOutcome)
	return Result{Outcome: prOutcome, Item: updated, RunID: run.ID}, nil
}

// findPullRequest searches open PRs first, then all states, returning the
// most recently created match.
func findPullRequest(ctx context.Context, client provider.Client, repoName, head, base string) (provider.PullRequest, bool, error) {
	for _, state := range []string{"open", "all"} {
		pr, err := client.FindPullRequest(ctx, repoName, head, base, state)
		if err == nil {
			return pr, true, nil
		}
		if !errors.Is(err, provider.ErrNotFound) {
			return provider.PullRequest{}, false, err
		}
	}
	return provider.PullRequest{}, false, nil
}

// ensurePullRequest performs exactly one of {create, reuse}. After a
// creation conflict the search is repeated once; if the PR that supposedly
// exists still cannot be found, the operation fails closed rather than
// retrying indefinitely.
func (e Engine) ensurePullRequest(ctx context.Context, client provider.Client, wi domain.WorkItem, branch, base string) (provider.PullRequest, string, error) {
	if pr, found, err := findPullRequest(ctx, client, wi.RepoFullName, branch, base); err != nil {
		return provider.PullRequest{}, "", err
	} else if found {
		return pr, OutcomeReused, nil
	}

	created, err := client.CreatePullRequest(ctx, wi.RepoFullName, provider.NewPullRequest{
		Title: fmt.Sprintf("[%s] %s", wi.ShortID, wi.Title),
		Body:  fmt.Sprintf("Implements %s (closes #%d).", wi.ShortID, wi.ExternalNumber),
		Head:  branch,
		Base:  base,
	})
	if err == nil {
		return created, OutcomeCreated, nil
	}
	if !errors.Is(err, provider.ErrAlreadyExists) {
		return provider.PullRequest{}, "", err
	}

	// A concurrent actor won the race; adopt their PR.
	if pr, found, serr := findPullRequest(ctx, client, wi.RepoFullName, branch, base); serr != nil {
		return provider.PullRequest{}, "", serr
	} else if found {
		return pr, OutcomeReused, nil
	}
	return provider.PullRequest{}, "", &UpstreamError{Code: CodeExistsButNotFound, Err: err}
}

func prEvidence(branch string, pr provider.PullRequest, outcome string) map[string]string {
	return map[string]string{
		"branch":    branch,
		"pr_number": strconv.Itoa(pr.Number),
		"pr_url":    pr.URL,
		"pr_state":  pr.State,
		"outcome":   outcome,
	}
}
