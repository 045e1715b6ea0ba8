package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"afu/internal/domain"
	"afu/internal/preflight"
	"afu/internal/provider"
)

type VerifyOptions struct {
	Identifier string
	RequestID  string
	Actor      string
}

// Verify dispatches the verification workflow against the work branch and
// waits for its conclusion. A successful conclusion advances the lifecycle
// to VERIFIED; an already-verified item is a no-op.
func (e Engine) Verify(ctx context.Context, opts VerifyOptions) (Result, error) {
	item, err := e.resolve(ctx, opts.Identifier)
	if err != nil {
		return Result{}, err
	}
	if item != nil && item.Lifecycle == domain.LifecycleVerified {
		return Result{Outcome: OutcomeNoop, Item: *item}, nil
	}

	client, decision := preflight.Evaluate(ctx, e.preflightInput(OpVerify, opts.Identifier, item))
	if decision != nil {
		return blocked(item, decision), nil
	}
	wi := *item

	rec := e.recorder()
	run, err := rec.StartRun(ctx, OpVerify, wi.ID, opts.RequestID, opts.Actor)
	if err != nil {
		return Result{}, err
	}

	fail := func(stepID string, cause error, evidence map[string]string) (Result, error) {
		ue := upstreamError(cause)
		_ = rec.StepFailed(ctx, run.ID, stepID, stepID, cause, evidence)
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		if _, serr := e.applier().SetError(ctx, wi, ue.Error()); serr != nil {
			e.Logger.ErrorContext(ctx, "verify failure state write failed", "work_item", wi.ID, "error", serr)
		}
		return Result{}, ue
	}

	workflow := e.Config.Verify.Workflow
	dispatchEvidence := map[string]string{"workflow": workflow, "ref": wi.BranchName}
	if err := rec.StepStarted(ctx, run.ID, "dispatch_workflow", "dispatch_workflow", dispatchEvidence); err != nil {
		return Result{}, err
	}
	// The newest run already on the branch marks the watermark: only runs
	// scheduled after this dispatch may be adopted, so a leftover conclusion
	// from an earlier verify can never advance the item.
	var watermark int64
	if prev, perr := client.LatestWorkflowRun(ctx, wi.RepoFullName, workflow, wi.BranchName); perr == nil {
		watermark = prev.ID
	} else if !errors.Is(perr, provider.ErrNotFound) {
		return fail("dispatch_workflow", perr, dispatchEvidence)
	}
	err = client.DispatchWorkflow(ctx, wi.RepoFullName, workflow, wi.BranchName, map[string]any{
		"work_item": wi.ShortID,
	})
	if err != nil {
		return fail("dispatch_workflow", err, dispatchEvidence)
	}
	if err := rec.StepSucceeded(ctx, run.ID, "dispatch_workflow", "dispatch_workflow", dispatchEvidence); err != nil {
		return Result{}, err
	}

	if err := rec.StepStarted(ctx, run.ID, "await_run", "await_run", map[string]string{"workflow": workflow}); err != nil {
		return Result{}, err
	}
	wfRun, err := e.awaitWorkflowRun(ctx, client, wi.RepoFullName, workflow, wi.BranchName, watermark)
	if err != nil {
		return fail("await_run", err, map[string]string{"workflow": workflow})
	}

	evidence := map[string]string{
		"workflow":   workflow,
		"run_id":     strconv.FormatInt(wfRun.ID, 10),
		"run_url":    wfRun.URL,
		"conclusion": wfRun.Conclusion,
	}
	if jobs, jerr := client.ListWorkflowJobs(ctx, wi.RepoFullName, wfRun.ID); jerr == nil {
		evidence["jobs"] = summarizeJobs(jobs)
	}
	if artifacts, aerr := client.ListRunArtifacts(ctx, wi.RepoFullName, wfRun.ID); aerr == nil && len(artifacts) > 0 {
		evidence["artifacts"] = summarizeArtifacts(artifacts)
	}

	if wfRun.Conclusion != "success" {
		return fail("await_run", fmt.Errorf("workflow run %d concluded %s", wfRun.ID, wfRun.Conclusion), evidence)
	}
	if err := rec.StepSucceeded(ctx, run.ID, "await_run", "await_run", evidence); err != nil {
		return Result{}, err
	}

	updated, err := e.applier().SetLifecycle(ctx, wi, domain.LifecycleVerified)
	if err != nil {
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		return Result{}, &PartialFailureError{
			ExternalRef: fmt.Sprintf("%s/actions/runs/%d", wi.RepoFullName, wfRun.ID),
			Err:         err,
		}
	}
	if err := rec.FinishRun(ctx, run.ID, domain.RunDone); err != nil {
		return Result{}, err
	}

	e.Logger.InfoContext(ctx, "verify complete", "work_item", updated.ShortID, "run_id", wfRun.ID)
	return Result{Outcome: OutcomeVerified, Item: updated, RunID: run.ID}, nil
}

// awaitWorkflowRun locates the run scheduled for the dispatch and polls it
// to completion within the configured timeout. Runs at or below the
// watermark predate the dispatch and are ignored.
func (e Engine) awaitWorkflowRun(ctx context.Context, client provider.Client, repoName, workflow, branch string, watermark int64) (provider.WorkflowRun, error) {
	timeout := time.Duration(e.Config.Verify.TimeoutSeconds) * time.Second
	deadline := e.now().Add(timeout)
	interval := e.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var runID int64
	for {
		if runID == 0 {
			wfRun, err := client.LatestWorkflowRun(ctx, repoName, workflow, branch)
			if err == nil && wfRun.ID > watermark {
				runID = wfRun.ID
				if wfRun.Status == "completed" {
					return wfRun, nil
				}
			} else if err != nil && !errors.Is(err, provider.ErrNotFound) {
				return provider.WorkflowRun{}, err
			}
		} else {
			wfRun, err := client.GetWorkflowRun(ctx, repoName, runID)
			if err != nil {
				return provider.WorkflowRun{}, err
			}
			if wfRun.Status == "completed" {
				return wfRun, nil
			}
		}

		if e.now().After(deadline) {
			return provider.WorkflowRun{}, fmt.Errorf("workflow %s on %s: %w: no conclusion within %s", workflow, branch, provider.ErrUnavailable, timeout)
		}
		select {
		case <-ctx.Done():
			return provider.WorkflowRun{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func summarizeJobs(jobs []provider.WorkflowJob) string {
	parts := make([]string, 0, len(jobs))
	for _, j := range jobs {
		parts = append(parts, fmt.Sprintf("%s=%s", j.Name, j.Conclusion))
	}
	return strings.Join(parts, ",")
}

func summarizeArtifacts(artifacts []provider.Artifact) string {
	parts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		parts = append(parts, a.Name)
	}
	return strings.Join(parts, ",")
}
