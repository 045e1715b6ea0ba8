package engine

import (
	"context"
	"fmt"
	"strconv"

	"afu/internal/domain"
	"afu/internal/preflight"
	"afu/internal/provider"
)

// HandoffOptions parameterize mirroring a work item into the provider.
// Update selects the update-shaped variant (edit the existing mirror issue).
type HandoffOptions struct {
	Identifier string
	RequestID  string
	Actor      string
	Update     bool
}

// Handoff mirrors the work item as an upstream issue. Create-shaped calls
// end in SYNCED, update-shaped in SYNCHRONIZED; finding the item already in
// the target state is a no-op success with no run and no upstream call.
func (e Engine) Handoff(ctx context.Context, opts HandoffOptions) (Result, error) {
	item, err := e.resolve(ctx, opts.Identifier)
	if err != nil {
		return Result{}, err
	}
	target := domain.HandoffSynced
	if opts.Update {
		target = domain.HandoffSynchronized
	}
	if item != nil && item.Handoff == target {
		return Result{Outcome: OutcomeNoop, Item: *item}, nil
	}

	in := e.preflightInput(OpHandoff, opts.Identifier, item)
	if opts.Update {
		in.RequireMirror = true
	}
	client, decision := preflight.Evaluate(ctx, in)
	if decision != nil {
		return blocked(item, decision), nil
	}

	wi := *item
	repoName := wi.RepoFullName
	if repoName == "" {
		repoName = e.Config.GitHub.Repo
	}

	wi, err = e.applier().BeginPending(ctx, wi)
	if err != nil {
		return Result{}, err
	}

	rec := e.recorder()
	run, err := rec.StartRun(ctx, OpHandoff, wi.ID, opts.RequestID, opts.Actor)
	if err != nil {
		_, _ = e.applier().FailHandoff(ctx, wi, "audit store unavailable")
		return Result{}, err
	}

	disambiguator := "create"
	stepName := "create_issue"
	if opts.Update {
		disambiguator = "update"
		stepName = "update_issue"
	}
	key := idempotencyKey(wi.ID, OpHandoff, wi.SpecMD, disambiguator)
	if err := rec.StepStarted(ctx, run.ID, stepName, stepName, map[string]string{evidenceKeyIdempotency: key}); err != nil {
		_, _ = e.applier().FailHandoff(ctx, wi, "audit store unavailable")
		return Result{}, err
	}

	issue, upErr := e.mirrorIssue(ctx, client, repoName, wi, key, opts.Update)
	if upErr != nil {
		ue := upstreamError(upErr)
		_ = rec.StepFailed(ctx, run.ID, stepName, stepName, upErr, map[string]string{evidenceKeyIdempotency: key})
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		if _, ferr := e.applier().FailHandoff(ctx, wi, ue.Error()); ferr != nil {
			e.Logger.ErrorContext(ctx, "handoff failure state write failed", "work_item", wi.ID, "error", ferr)
		}
		return Result{}, ue
	}

	updated, err := e.applier().CompleteHandoff(ctx, wi, target, repoName, issue.Number, issue.URL)
	if err != nil {
		_ = rec.StepSucceeded(ctx, run.ID, stepName, stepName, handoffEvidence(key, repoName, issue))
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		e.releasePending(ctx, wi.ID, fmt.Sprintf("mirror exists upstream as %s#%d but the local write failed", repoName, issue.Number))
		return Result{}, &PartialFailureError{
			ExternalRef: fmt.Sprintf("%s#%d", repoName, issue.Number),
			Err:         err,
		}
	}
	if err := rec.StepSucceeded(ctx, run.ID, stepName, stepName, handoffEvidence(key, repoName, issue)); err != nil {
		return Result{}, err
	}
	if err := rec.FinishRun(ctx, run.ID, domain.RunDone); err != nil {
		return Result{}, err
	}

	outcome := OutcomeSynced
	if opts.Update {
		outcome = OutcomeSynchronized
	}
	e.Logger.InfoContext(ctx, "handoff complete", "work_item", updated.ShortID, "issue", issue.Number, "outcome", outcome)
	return Result{Outcome: outcome, Item: updated, RunID: run.ID}, nil
}

// releasePending re-reads the item and moves a lingering PENDING marker to
// FAILED. The copy held by the caller may be stale after a concurrent
// write, so the fresh row is the one failed over.
func (e Engine) releasePending(ctx context.Context, id, cause string) {
	fresh, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil || fresh.Handoff != domain.HandoffPending {
		return
	}
	if _, err := e.applier().FailHandoff(ctx, fresh, cause); err != nil {
		e.Logger.ErrorContext(ctx, "pending release failed", "work_item", id, "error", err)
	}
}

// mirrorIssue performs the create-or-reuse against the provider. A mirror
// created by an earlier attempt (stored on the item, or proven by a prior
// succeeded step with the same key) is reused without another create call.
func (e Engine) mirrorIssue(ctx context.Context, client provider.Client, repoName string, wi domain.WorkItem, key string, update bool) (provider.Issue, error) {
	title := fmt.Sprintf("[%s] %s", wi.ShortID, wi.Title)
	body := issueBody(wi)
	if update {
		return client.UpdateIssue(ctx, repoName, wi.ExternalNumber, provider.NewIssue{Title: title, Body: body})
	}
	if wi.ExternalNumber != 0 {
		return provider.Issue{Number: wi.ExternalNumber, URL: wi.ExternalURL}, nil
	}
	if prior, err := e.priorSuccess(ctx, wi.ID, key); err != nil {
		return provider.Issue{}, err
	} else if prior != nil {
		if n, convErr := strconv.Atoi(prior.Evidence["issue_number"]); convErr == nil && n > 0 {
			return provider.Issue{Number: n, URL: prior.Evidence["issue_url"]}, nil
		}
	}
	return client.CreateIssue(ctx, repoName, provider.NewIssue{Title: title, Body: body})
}

func issueBody(wi domain.WorkItem) string {
	body := wi.SpecMD
	if body == "" {
		body = wi.Title
	}
	return fmt.Sprintf("%s\n\n---\nTracked as %s (%s).", body, wi.ShortID, wi.ID)
}

func handoffEvidence(key, repoName string, issue provider.Issue) map[string]string {
	return map[string]string{
		evidenceKeyIdempotency: key,
		"repo":                 repoName,
		"issue_number":         strconv.Itoa(issue.Number),
		"issue_url":            issue.URL,
	}
}
