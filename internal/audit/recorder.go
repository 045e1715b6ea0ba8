// Package audit persists the replay-safe trail of orchestration attempts:
// one Run per invocation, ordered append-only Steps with redacted evidence.
// Step evidence is the source of truth idempotency checks consult on retry,
// so a recorder failure is fatal to the operation, never swallowed.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"afu/internal/domain"
	"afu/internal/repo"
)

type Recorder struct {
	Repo repo.Repo
	Now  func() time.Time
	// Secrets are scrubbed from every persisted error message.
	Secrets []string
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// StartRun opens a RUNNING run for one orchestration attempt.
func (r Recorder) StartRun(ctx context.Context, runType, workItemID, requestID, actor string) (domain.Run, error) {
	now := r.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:         uuid.New().String(),
		Type:       runType,
		WorkItemID: workItemID,
		RequestID:  requestID,
		Actor:      actor,
		Status:     domain.RunRunning,
		CreatedAt:  now,
		StartedAt:  now,
	}
	if err := r.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun sets the terminal run status exactly once.
func (r Recorder) FinishRun(ctx context.Context, runID, status string) error {
	if err := r.Repo.UpdateRunStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

func (r Recorder) appendStep(ctx context.Context, runID, stepID, stepName, status, errMsg string, evidence map[string]string) error {
	step := domain.RunStep{
		RunID:        runID,
		StepID:       stepID,
		StepName:     stepName,
		Status:       status,
		ErrorMessage: RedactMessage(errMsg, r.Secrets),
		Evidence:     RedactEvidence(evidence),
		CreatedAt:    r.now().UTC().Format(time.RFC3339),
	}
	if _, err := r.Repo.InsertRunStep(ctx, step); err != nil {
		return fmt.Errorf("append step %s/%s: %w", runID, stepID, err)
	}
	return nil
}

func (r Recorder) StepStarted(ctx context.Context, runID, stepID, stepName string, evidence map[string]string) error {
	return r.appendStep(ctx, runID, stepID, stepName, domain.StepStarted, "", evidence)
}

func (r Recorder) StepSucceeded(ctx context.Context, runID, stepID, stepName string, evidence map[string]string) error {
	return r.appendStep(ctx, runID, stepID, stepName, domain.StepSucceeded, "", evidence)
}

func (r Recorder) StepFailed(ctx context.Context, runID, stepID, stepName string, cause error, evidence map[string]string) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.appendStep(ctx, runID, stepID, stepName, domain.StepFailed, msg, evidence)
}
