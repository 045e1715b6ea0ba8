// Package preflight evaluates the ordered precondition chain guarding every
// mutating call to the provider. Preconditions are declared as a list of
// phase+predicate pairs evaluated in order with early return, so precedence
// is explicit and each check is independently testable. Cheap checks come
// before network calls.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"afu/internal/config"
	"afu/internal/domain"
	"afu/internal/guardrail"
	"afu/internal/provider"
)

// Phases, in evaluation order.
const (
	PhaseStage      = "stage"
	PhaseResolve    = "resolve"
	PhaseMirror     = "mirror"
	PhaseState      = "state"
	PhaseGuardrail  = "guardrail"
	PhaseTrigger    = "trigger_config"
	PhaseCredential = "credential"
)

// Decision codes produced by this package. Guardrail deny codes pass
// through unchanged.
const (
	CodeStageNotConfigured   = "STAGE_NOT_CONFIGURED"
	CodeNotFound             = "NOT_FOUND"
	CodeMirrorMissing        = "MIRROR_MISSING"
	CodeStateNotReady        = "STATE_NOT_READY"
	CodeTriggerConfigMissing = "TRIGGER_CONFIG_MISSING"
	CodeAuthMissing          = "AUTH_MISSING"
	CodeAuthInvalid          = "AUTH_INVALID"
)

// Decision is the structured blocking outcome. A nil *Decision means all
// preconditions passed.
type Decision struct {
	Code          string   `json:"code"`
	Phase         string   `json:"phase"`
	BlockedBy     string   `json:"blocked_by" enum:"CONFIG,POLICY,STATE,UPSTREAM,INTERNAL"`
	NextAction    string   `json:"next_action,omitempty"`
	MissingConfig []string `json:"missing_config,omitempty"`
}

func (d *Decision) Error() string {
	return fmt.Sprintf("blocked at %s: %s", d.Phase, d.Code)
}

// Input is the snapshot a chain evaluation runs against. Item is nil when
// the identifier did not resolve. Re-evaluating the same Input yields the
// same decision; the engine relies on that for root-cause reporting after a
// failed upstream call.
type Input struct {
	Operation      string
	Identifier     string
	Item           *domain.WorkItem
	Config         *config.Config
	LegalStates    []string
	Capabilities   []string
	RequiredConfig []string
	// TriggerKeys are operation-specific keys where a caller-supplied
	// default substitutes for a partial absence; only total absence blocks.
	TriggerKeys   []string
	RequireMirror bool
	Credential    provider.Factory
}

type check struct {
	phase string
	run   func(ctx context.Context, in Input) (provider.Client, *Decision)
}

var chain = []check{
	{PhaseStage, checkStage},
	{PhaseResolve, checkResolve},
	{PhaseMirror, checkMirror},
	{PhaseState, checkState},
	{PhaseGuardrail, checkGuardrail},
	{PhaseTrigger, checkTriggerConfig},
	{PhaseCredential, checkCredential},
}

// Evaluate runs the chain and returns the first failing decision, or the
// acquired provider client when every precondition passes.
func Evaluate(ctx context.Context, in Input) (provider.Client, *Decision) {
	var client provider.Client
	for _, c := range chain {
		got, decision := c.run(ctx, in)
		if decision != nil {
			return nil, decision
		}
		if got != nil {
			client = got
		}
	}
	return client, nil
}

func checkStage(_ context.Context, in Input) (provider.Client, *Decision) {
	if in.Config == nil || in.Config.Stage == "" {
		return nil, &Decision{
			Code:          CodeStageNotConfigured,
			Phase:         PhaseStage,
			BlockedBy:     domain.BlockedByConfig,
			NextAction:    "set the stage identifier (AFU_STAGE or afu.yml stage)",
			MissingConfig: []string{config.KeyStage},
		}
	}
	return nil, nil
}

func checkResolve(_ context.Context, in Input) (provider.Client, *Decision) {
	if in.Item == nil {
		return nil, &Decision{
			Code:       CodeNotFound,
			Phase:      PhaseResolve,
			BlockedBy:  domain.BlockedByState,
			NextAction: fmt.Sprintf("no work item matches %q", in.Identifier),
		}
	}
	return nil, nil
}

func checkMirror(_ context.Context, in Input) (provider.Client, *Decision) {
	if !in.RequireMirror {
		return nil, nil
	}
	if in.Item.RepoFullName == "" || in.Item.ExternalNumber == 0 {
		return nil, &Decision{
			Code:       CodeMirrorMissing,
			Phase:      PhaseMirror,
			BlockedBy:  domain.BlockedByState,
			NextAction: "run handoff to mirror the item upstream first",
		}
	}
	return nil, nil
}

func checkState(_ context.Context, in Input) (provider.Client, *Decision) {
	if len(in.LegalStates) == 0 || slices.Contains(in.LegalStates, in.Item.Lifecycle) {
		return nil, nil
	}
	return nil, &Decision{
		Code:       CodeStateNotReady,
		Phase:      PhaseState,
		BlockedBy:  domain.BlockedByState,
		NextAction: fmt.Sprintf("%s requires lifecycle in %v, item is %s", in.Operation, in.LegalStates, in.Item.Lifecycle),
	}
}

func checkGuardrail(_ context.Context, in Input) (provider.Client, *Decision) {
	repo := in.Item.RepoFullName
	if repo == "" {
		repo = in.Config.GitHub.Repo
	}
	decision := guardrail.Evaluate(in.Config, guardrail.Request{
		Operation:      in.Operation,
		Repo:           repo,
		Capabilities:   in.Capabilities,
		RequiredConfig: in.RequiredConfig,
	})
	if decision.Allow {
		return nil, nil
	}
	return nil, &Decision{
		Code:          decision.Code,
		Phase:         PhaseGuardrail,
		BlockedBy:     decision.BlockedBy,
		NextAction:    decision.DetailsSafe,
		MissingConfig: decision.MissingConfig,
	}
}

func checkTriggerConfig(_ context.Context, in Input) (provider.Client, *Decision) {
	if len(in.TriggerKeys) == 0 {
		return nil, nil
	}
	missing := in.Config.Missing(in.TriggerKeys...)
	if len(missing) < len(in.TriggerKeys) {
		// At least one key is set; defaults cover the rest.
		return nil, nil
	}
	return nil, &Decision{
		Code:          CodeTriggerConfigMissing,
		Phase:         PhaseTrigger,
		BlockedBy:     domain.BlockedByConfig,
		NextAction:    "configure the trigger label and comment template",
		MissingConfig: missing,
	}
}

func checkCredential(ctx context.Context, in Input) (provider.Client, *Decision) {
	if in.Credential == nil {
		return nil, nil
	}
	client, err := in.Credential()
	if err != nil {
		if errors.Is(err, provider.ErrAuthMissing) {
			return nil, &Decision{
				Code:          CodeAuthMissing,
				Phase:         PhaseCredential,
				BlockedBy:     domain.BlockedByConfig,
				NextAction:    "configure the provider token",
				MissingConfig: []string{config.KeyGitHubToken},
			}
		}
		return nil, &Decision{
			Code:       CodeAuthInvalid,
			Phase:      PhaseCredential,
			BlockedBy:  domain.BlockedByUpstream,
			NextAction: "provider rejected the credential; rotate the token",
		}
	}
	if err := client.Verify(ctx); err != nil {
		if errors.Is(err, provider.ErrAuthInvalid) || errors.Is(err, provider.ErrNotFound) {
			return nil, &Decision{
				Code:       CodeAuthInvalid,
				Phase:      PhaseCredential,
				BlockedBy:  domain.BlockedByUpstream,
				NextAction: "provider rejected the credential; rotate the token",
			}
		}
		return nil, &Decision{
			Code:       CodeAuthInvalid,
			Phase:      PhaseCredential,
			BlockedBy:  domain.BlockedByUpstream,
			NextAction: "provider unreachable while verifying credential; retry",
		}
	}
	return client, nil
}
