package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"afu/internal/domain"
	"afu/internal/preflight"
	"afu/internal/provider"
)

// Built-in trigger defaults, substituted per value when the config sets
// only one of label/comment.
const (
	defaultTriggerLabel   = "afu-implement"
	defaultTriggerComment = "@afu-bot implement {short_id}"
)

type TriggerOptions struct {
	Identifier string
	RequestID  string
	Actor      string
}

// Trigger applies the implementation label and posts the trigger comment on
// the mirror issue. The idempotency key covers the spec content and the
// resolved trigger values, so repeating the call after a success is a no-op
// while editing the spec (or the trigger config) arms a fresh trigger.
func (e Engine) Trigger(ctx context.Context, opts TriggerOptions) (Result, error) {
	item, err := e.resolve(ctx, opts.Identifier)
	if err != nil {
		return Result{}, err
	}

	client, decision := preflight.Evaluate(ctx, e.preflightInput(OpTrigger, opts.Identifier, item))
	if decision != nil {
		return blocked(item, decision), nil
	}
	wi := *item

	label, comment := e.triggerValues(wi)
	key := idempotencyKey(wi.ID, OpTrigger, wi.SpecMD, label+"|"+comment)
	if prior, err := e.priorSuccess(ctx, wi.ID, key); err != nil {
		return Result{}, err
	} else if prior != nil {
		return Result{Outcome: OutcomeAlreadyTriggered, Item: wi, RunID: prior.RunID}, nil
	}

	rec := e.recorder()
	run, err := rec.StartRun(ctx, OpTrigger, wi.ID, opts.RequestID, opts.Actor)
	if err != nil {
		return Result{}, err
	}

	fail := func(stepID string, cause error, evidence map[string]string) (Result, error) {
		ue := upstreamError(cause)
		_ = rec.StepFailed(ctx, run.ID, stepID, stepID, cause, evidence)
		_ = rec.FinishRun(ctx, run.ID, domain.RunFailed)
		if _, serr := e.applier().SetError(ctx, wi, ue.Error()); serr != nil {
			e.Logger.ErrorContext(ctx, "trigger failure state write failed", "work_item", wi.ID, "error", serr)
		}
		return Result{}, ue
	}

	labelEvidence := map[string]string{"label": label, "issue": fmt.Sprintf("%s#%d", wi.RepoFullName, wi.ExternalNumber)}
	if err := rec.StepStarted(ctx, run.ID, "apply_label", "apply_label", labelEvidence); err != nil {
		return Result{}, err
	}
	err = client.AddLabels(ctx, wi.RepoFullName, wi.ExternalNumber, []string{label})
	if err != nil && !errors.Is(err, provider.ErrAlreadyExists) {
		return fail("apply_label", err, labelEvidence)
	}
	if err := rec.StepSucceeded(ctx, run.ID, "apply_label", "apply_label", labelEvidence); err != nil {
		return Result{}, err
	}

	commentEvidence := map[string]string{"comment": comment}
	if err := rec.StepStarted(ctx, run.ID, "post_comment", "post_comment", commentEvidence); err != nil {
		return Result{}, err
	}
	if err := client.CreateComment(ctx, wi.RepoFullName, wi.ExternalNumber, comment); err != nil {
		return fail("post_comment", err, commentEvidence)
	}
	// The key is recorded only on the final succeeded step, so a retry after
	// a mid-sequence failure replays the whole trigger.
	commentEvidence[evidenceKeyIdempotency] = key
	if err := rec.StepSucceeded(ctx, run.ID, "post_comment", "post_comment", commentEvidence); err != nil {
		return Result{}, err
	}
	if err := rec.FinishRun(ctx, run.ID, domain.RunDone); err != nil {
		return Result{}, err
	}

	e.Logger.InfoContext(ctx, "trigger complete", "work_item", wi.ShortID, "label", label)
	return Result{Outcome: OutcomeTriggered, Item: wi, RunID: run.ID}, nil
}

// triggerValues resolves the label and rendered comment, substituting the
// built-in default for whichever value the config leaves unset.
func (e Engine) triggerValues(wi domain.WorkItem) (label, comment string) {
	label = e.Config.Trigger.Label
	if label == "" {
		label = defaultTriggerLabel
	}
	comment = e.Config.Trigger.Comment
	if comment == "" {
		comment = defaultTriggerComment
	}
	comment = strings.ReplaceAll(comment, "{short_id}", wi.ShortID)
	return label, comment
}
