// Package guardrail gates external mutations on policy independent of work
// item state: required config present, target repo allow-listed, credential
// scope wide enough. Evaluation is pure; callers log and render the decision.
package guardrail

import (
	"fmt"

	"afu/internal/config"
	"afu/internal/domain"
)

// Deny codes, stable across releases.
const (
	CodeConfigMissing  = "CONFIG_MISSING"
	CodeRepoNotAllowed = "REPO_NOT_ALLOWED"
	CodeTokenScope     = "TOKEN_SCOPE_INSUFFICIENT"
)

// Request describes the operation about to be attempted.
type Request struct {
	Operation      string
	Repo           string
	Actor          string
	Capabilities   []string
	RequiredConfig []string
}

// Decision is the structured allow/deny outcome. Deny never panics or
// returns an error; the zero Decision is not valid, use Evaluate.
type Decision struct {
	Allow         bool
	Code          string
	BlockedBy     string
	MissingConfig []string
	DetailsSafe   string
}

// scopeFor maps a capability to the credential scope it exercises.
func scopeFor(capability string) string {
	switch capability {
	case config.CapWorkflowDispatch:
		return "workflow"
	default:
		return "repo"
	}
}

// Evaluate applies the deny conditions in fixed priority order: missing
// required config, then repo allow-list, then token scope. The first match
// wins so operators always see the cheapest fix first.
func Evaluate(cfg *config.Config, req Request) Decision {
	if missing := cfg.Missing(req.RequiredConfig...); len(missing) > 0 {
		return Decision{
			Code:          CodeConfigMissing,
			BlockedBy:     domain.BlockedByConfig,
			MissingConfig: missing,
			DetailsSafe:   fmt.Sprintf("operation %s requires configuration", req.Operation),
		}
	}
	for _, capability := range req.Capabilities {
		if !cfg.Allowed(capability, req.Repo) {
			return Decision{
				Code:        CodeRepoNotAllowed,
				BlockedBy:   domain.BlockedByPolicy,
				DetailsSafe: fmt.Sprintf("repo %s not allow-listed for %s", req.Repo, capability),
			}
		}
	}
	for _, capability := range req.Capabilities {
		if scope := scopeFor(capability); !cfg.HasScope(scope) {
			return Decision{
				Code:        CodeTokenScope,
				BlockedBy:   domain.BlockedByPolicy,
				DetailsSafe: fmt.Sprintf("credential lacks %s scope for %s", scope, capability),
			}
		}
	}
	return Decision{Allow: true}
}
