// Package lifecycle validates and applies work item state transitions. The
// dual state machine is two independent enums plus validation functions
// invoked on every transition; the single-active constraint is enforced by
// the store through a partial unique index on the active status, never an
// in-process lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"afu/internal/domain"
	"afu/internal/repo"
)

// ActiveConflictError rejects activation while another item is active. The
// holder is identified so callers can render a precise conflict.
type ActiveConflictError struct {
	ActiveID      string
	ActiveShortID string
}

func (e ActiveConflictError) Error() string {
	if e.ActiveShortID == "" && e.ActiveID == "" {
		return "another work item is already active"
	}
	return fmt.Sprintf("another work item is already active: %s (%s)", e.ActiveShortID, e.ActiveID)
}

// ValidateLifecycle checks a lifecycle transition. Same-state sets are
// allowed as no-ops.
func ValidateLifecycle(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.LifecycleCreated:
		if newStatus == domain.LifecycleSpecReady {
			return nil
		}
	case domain.LifecycleSpecReady:
		if newStatus == domain.LifecycleImplementing {
			return nil
		}
	case domain.LifecycleImplementing:
		if newStatus == domain.LifecyclePRCreated {
			return nil
		}
	case domain.LifecyclePRCreated:
		if newStatus == domain.LifecycleVerified || newStatus == domain.LifecycleImplementing {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", oldStatus, newStatus)
}

// ValidateHandoff checks a handoff transition. PENDING is entered only from
// NOT_SENT or a terminal state, so a stuck PENDING cannot be re-entered
// concurrently; PENDING resolves to SYNCED, SYNCHRONIZED or FAILED.
func ValidateHandoff(oldStatus, newStatus string) error {
	// PENDING is the one state that may not be re-entered from itself.
	if oldStatus == newStatus && oldStatus != domain.HandoffPending {
		return nil
	}
	switch oldStatus {
	case domain.HandoffNotSent:
		if newStatus == domain.HandoffPending {
			return nil
		}
	case domain.HandoffPending:
		if newStatus == domain.HandoffSynced || newStatus == domain.HandoffSynchronized || newStatus == domain.HandoffFailed {
			return nil
		}
	case domain.HandoffSynced, domain.HandoffSynchronized, domain.HandoffFailed:
		if newStatus == domain.HandoffPending {
			return nil
		}
	}
	return fmt.Errorf("invalid handoff transition %s -> %s", oldStatus, newStatus)
}

// ValidateCombination enforces the cross-field invariant: an item still in
// CREATED cannot be marked synced.
func ValidateCombination(lifecycleStatus, handoffStatus string) error {
	if lifecycleStatus == domain.LifecycleCreated &&
		(handoffStatus == domain.HandoffSynced || handoffStatus == domain.HandoffSynchronized) {
		return fmt.Errorf("lifecycle %s incompatible with handoff %s", lifecycleStatus, handoffStatus)
	}
	return nil
}

// Applier commits validated transitions through the store.
type Applier struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Applier) write(ctx context.Context, wi domain.WorkItem) (domain.WorkItem, error) {
	if err := ValidateCombination(wi.Lifecycle, wi.Handoff); err != nil {
		return wi, err
	}
	wi.UpdatedAt = a.now().UTC().Format(time.RFC3339)
	return a.Repo.UpdateWorkItemVersioned(ctx, wi)
}

// SetLifecycle transitions the lifecycle status. Activation (IMPLEMENTING)
// is gated on the single-active constraint twice: a store query names the
// current holder up front, and the unique index on the active status rejects
// a racing writer that slipped past the query.
func (a Applier) SetLifecycle(ctx context.Context, wi domain.WorkItem, target string) (domain.WorkItem, error) {
	if err := ValidateLifecycle(wi.Lifecycle, target); err != nil {
		return wi, err
	}
	activating := target == domain.LifecycleImplementing && wi.Lifecycle != domain.LifecycleImplementing
	if activating {
		if active, err := a.Repo.ActiveWorkItem(ctx, wi.ID); err == nil {
			return wi, ActiveConflictError{ActiveID: active.ID, ActiveShortID: active.ShortID}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return wi, err
		}
	}
	if wi.Lifecycle == target {
		return wi, nil
	}
	wi.Lifecycle = target
	updated, err := a.write(ctx, wi)
	if err != nil && activating && repo.IsUniqueViolation(err) {
		if active, lookupErr := a.Repo.ActiveWorkItem(ctx, wi.ID); lookupErr == nil {
			return updated, ActiveConflictError{ActiveID: active.ID, ActiveShortID: active.ShortID}
		}
		return updated, ActiveConflictError{}
	}
	return updated, err
}

// BeginPending moves handoff to PENDING and clears any stored error.
func (a Applier) BeginPending(ctx context.Context, wi domain.WorkItem) (domain.WorkItem, error) {
	if err := ValidateHandoff(wi.Handoff, domain.HandoffPending); err != nil {
		return wi, err
	}
	wi.Handoff = domain.HandoffPending
	wi.LastError = nil
	return a.write(ctx, wi)
}

// CompleteHandoff commits the terminal handoff state together with the
// mirror reference, atomically with respect to the version check. A
// create-shaped handoff from CREATED also lifts the lifecycle to
// SPEC_READY so the synced item never violates the combination invariant.
func (a Applier) CompleteHandoff(ctx context.Context, wi domain.WorkItem, target, repoFullName string, number int, url string) (domain.WorkItem, error) {
	if err := ValidateHandoff(wi.Handoff, target); err != nil {
		return wi, err
	}
	wi.Handoff = target
	wi.RepoFullName = repoFullName
	wi.ExternalNumber = number
	wi.ExternalURL = url
	wi.LastError = nil
	if wi.Lifecycle == domain.LifecycleCreated {
		wi.Lifecycle = domain.LifecycleSpecReady
	}
	return a.write(ctx, wi)
}

// FailHandoff records FAILED with the causing message so the item never
// lingers in PENDING.
func (a Applier) FailHandoff(ctx context.Context, wi domain.WorkItem, cause string) (domain.WorkItem, error) {
	if err := ValidateHandoff(wi.Handoff, domain.HandoffFailed); err != nil {
		return wi, err
	}
	wi.Handoff = domain.HandoffFailed
	wi.LastError = &cause
	return a.write(ctx, wi)
}

// SetError stores a failure message without moving either status, for
// operations that fail while the lifecycle legitimately stays put.
func (a Applier) SetError(ctx context.Context, wi domain.WorkItem, cause string) (domain.WorkItem, error) {
	wi.LastError = &cause
	return a.write(ctx, wi)
}

// RecordPullRequest writes the external PR reference back and advances the
// lifecycle to PR_CREATED.
func (a Applier) RecordPullRequest(ctx context.Context, wi domain.WorkItem, branch string, number int, url string) (domain.WorkItem, error) {
	if err := ValidateLifecycle(wi.Lifecycle, domain.LifecyclePRCreated); err != nil {
		return wi, err
	}
	wi.Lifecycle = domain.LifecyclePRCreated
	wi.BranchName = branch
	wi.PRNumber = number
	wi.PRURL = url
	wi.LastError = nil
	return a.write(ctx, wi)
}
