package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"afu/internal/audit"
	"afu/internal/config"
	"afu/internal/domain"
	"afu/internal/lifecycle"
	"afu/internal/preflight"
	"afu/internal/provider"
	"afu/internal/repo"
)

// Operation names, used as run types and idempotency key components.
const (
	OpHandoff   = "handoff"
	OpImplement = "implement"
	OpTrigger   = "trigger"
	OpVerify    = "verify"
)

// Outcomes reported by the mutating operations.
const (
	OutcomeNoop             = "NOOP"
	OutcomeSynced           = "SYNCED"
	OutcomeSynchronized     = "SYNCHRONIZED"
	OutcomeCreated          = "CREATED"
	OutcomeReused           = "REUSED"
	OutcomeTriggered        = "TRIGGERED"
	OutcomeAlreadyTriggered = "ALREADY_TRIGGERED"
	OutcomeVerified         = "VERIFIED"
	OutcomeBlocked          = "BLOCKED"
)

// Result is the structured value every mutating operation produces. When
// Decision is non-nil the operation was blocked before any side effect and
// the other fields describe the unchanged item.
type Result struct {
	Outcome  string              `json:"outcome"`
	Item     domain.WorkItem     `json:"item"`
	RunID    string              `json:"run_id,omitempty"`
	Decision *preflight.Decision `json:"decision,omitempty"`
}

// UpstreamError wraps a provider failure with a stable code.
type UpstreamError struct {
	Code string
	Err  error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream error codes.
const (
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamRejected    = "UPSTREAM_REJECTED"
	CodeAuthInvalid         = preflight.CodeAuthInvalid
	CodeExistsButNotFound   = "EXISTS_BUT_NOT_FOUND"
)

// PartialFailureError reports that the upstream side effect succeeded but
// the subsequent state/audit write failed. ExternalRef identifies the
// created resource so an operator can reconcile instead of losing it.
type PartialFailureError struct {
	ExternalRef string
	Err         error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("upstream resource %s created but local write failed: %v", e.ExternalRef, e.Err)
}
func (e *PartialFailureError) Unwrap() error { return e.Err }

// Engine orchestrates idempotent external mutations. All coordination
// between concurrent requests goes through the store; the engine holds no
// cross-request mutable state.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Recorder
	Apply    lifecycle.Applier
	Config   *config.Config
	Provider provider.Factory
	Logger   *slog.Logger
	Now      func() time.Time

	// PollInterval paces workflow run polling during verify.
	PollInterval time.Duration
}

func New(db *sql.DB, cfg *config.Config, factory provider.Factory, logger *slog.Logger) Engine {
	r := repo.Repo{DB: db}
	if logger == nil {
		logger = slog.Default()
	}
	var secrets []string
	if cfg != nil && cfg.GitHub.Token != "" {
		secrets = append(secrets, cfg.GitHub.Token)
	}
	return Engine{
		DB:           db,
		Repo:         r,
		Audit:        audit.Recorder{Repo: r, Secrets: secrets},
		Apply:        lifecycle.Applier{Repo: r},
		Config:       cfg,
		Provider:     factory,
		Logger:       logger,
		Now:          time.Now,
		PollInterval: 2 * time.Second,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for intaking a work item.
type CreateOptions struct {
	ID     string
	Title  string
	SpecMD string
	Actor  string
}

// CreateWorkItem intakes a new item in CREATED/NOT_SENT.
func (e Engine) CreateWorkItem(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	wi := domain.WorkItem{
		ID:        id,
		ShortID:   domain.ShortID(id),
		Title:     opts.Title,
		SpecMD:    opts.SpecMD,
		Lifecycle: domain.LifecycleCreated,
		Handoff:   domain.HandoffNotSent,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertWorkItem(ctx, wi); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	return wi, nil
}

// UpdateSpec replaces the spec content; the next trigger derives a new
// idempotency key from it.
func (e Engine) UpdateSpec(ctx context.Context, identifier, specMD string) (domain.WorkItem, error) {
	wi, err := e.Repo.ResolveWorkItem(ctx, identifier)
	if err != nil {
		return domain.WorkItem{}, err
	}
	wi.SpecMD = specMD
	wi.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Repo.UpdateWorkItemVersioned(ctx, wi)
}

// SetLifecycle advances the lifecycle status through the applier.
func (e Engine) SetLifecycle(ctx context.Context, identifier, target string) (domain.WorkItem, error) {
	wi, err := e.Repo.ResolveWorkItem(ctx, identifier)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.applier().SetLifecycle(ctx, wi, target)
}

func (e Engine) applier() lifecycle.Applier {
	a := e.Apply
	if a.Repo.DB == nil {
		a.Repo = e.Repo
	}
	if a.Now == nil {
		a.Now = e.Now
	}
	return a
}

func (e Engine) recorder() audit.Recorder {
	r := e.Audit
	if r.Repo.DB == nil {
		r.Repo = e.Repo
	}
	if r.Now == nil {
		r.Now = e.Now
	}
	return r
}

// resolve returns nil when the identifier does not match, so preflight can
// report NOT_FOUND as a decision rather than an error.
func (e Engine) resolve(ctx context.Context, identifier string) (*domain.WorkItem, error) {
	wi, err := e.Repo.ResolveWorkItem(ctx, identifier)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wi, nil
}

// preflightInput builds the precondition chain input for an operation.
func (e Engine) preflightInput(op string, identifier string, item *domain.WorkItem) preflight.Input {
	in := preflight.Input{
		Operation:  op,
		Identifier: identifier,
		Item:       item,
		Config:     e.Config,
		Credential: e.Provider,
	}
	switch op {
	case OpHandoff:
		in.Capabilities = []string{config.CapRepoWrite}
		in.RequiredConfig = []string{config.KeyRepo}
	case OpImplement:
		in.RequireMirror = true
		in.LegalStates = []string{domain.LifecycleSpecReady, domain.LifecycleImplementing, domain.LifecyclePRCreated}
		in.Capabilities = []string{config.CapRepoWrite}
	case OpTrigger:
		in.RequireMirror = true
		in.LegalStates = []string{domain.LifecycleSpecReady, domain.LifecycleImplementing, domain.LifecyclePRCreated}
		in.Capabilities = []string{config.CapRepoWrite}
		in.TriggerKeys = []string{config.KeyTriggerLabel, config.KeyTriggerComment}
	case OpVerify:
		in.RequireMirror = true
		in.LegalStates = []string{domain.LifecyclePRCreated, domain.LifecycleVerified}
		in.Capabilities = []string{config.CapWorkflowDispatch}
		in.RequiredConfig = []string{config.KeyVerifyWorkflow}
	}
	return in
}

// Preflight evaluates the precondition chain for an operation without
// mutating anything. A nil decision means the operation would proceed.
func (e Engine) Preflight(ctx context.Context, op, identifier string) (*preflight.Decision, error) {
	item, err := e.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	_, decision := preflight.Evaluate(ctx, e.preflightInput(op, identifier, item))
	return decision, nil
}

// upstreamError classifies a provider failure. Auth failures surface with
// the credential code so the true root cause is reported even when it was
// only discovered during the mutating call.
func upstreamError(err error) *UpstreamError {
	switch {
	case errors.Is(err, provider.ErrAuthInvalid), errors.Is(err, provider.ErrAuthMissing):
		return &UpstreamError{Code: CodeAuthInvalid, Err: err}
	case errors.Is(err, provider.ErrUnavailable):
		return &UpstreamError{Code: CodeUpstreamUnavailable, Err: err}
	default:
		return &UpstreamError{Code: CodeUpstreamRejected, Err: err}
	}
}

func blocked(item *domain.WorkItem, decision *preflight.Decision) Result {
	res := Result{Outcome: OutcomeBlocked, Decision: decision}
	if item != nil {
		res.Item = *item
	}
	return res
}
