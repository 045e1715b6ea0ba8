package domain

import "strings"

// Lifecycle statuses. Advanced only through lifecycle.Apply.
const (
	LifecycleCreated      = "CREATED"
	LifecycleSpecReady    = "SPEC_READY"
	LifecycleImplementing = "IMPLEMENTING"
	LifecyclePRCreated    = "PR_CREATED"
	LifecycleVerified     = "VERIFIED"
)

// Handoff statuses toward the external provider.
const (
	HandoffNotSent      = "NOT_SENT"
	HandoffPending      = "PENDING"
	HandoffSynced       = "SYNCED"
	HandoffSynchronized = "SYNCHRONIZED"
	HandoffFailed       = "FAILED"
)

// Run statuses.
const (
	RunRunning = "RUNNING"
	RunDone    = "DONE"
	RunFailed  = "FAILED"
)

// RunStep statuses.
const (
	StepStarted   = "STARTED"
	StepSucceeded = "SUCCEEDED"
	StepFailed    = "FAILED"
)

// BlockedBy classifies why a mutating operation was refused or failed.
const (
	BlockedByConfig   = "CONFIG"
	BlockedByPolicy   = "POLICY"
	BlockedByState    = "STATE"
	BlockedByUpstream = "UPSTREAM"
	BlockedByInternal = "INTERNAL"
)

// WorkItem is the unit of tracked work. The external mirror fields are a
// cached copy owned by the provider; Version backs conditional updates.
type WorkItem struct {
	ID             string  `json:"id"`
	ShortID        string  `json:"short_id"`
	Title          string  `json:"title"`
	SpecMD         string  `json:"spec_md,omitempty"`
	Lifecycle      string  `json:"lifecycle" enum:"CREATED,SPEC_READY,IMPLEMENTING,PR_CREATED,VERIFIED"`
	Handoff        string  `json:"handoff" enum:"NOT_SENT,PENDING,SYNCED,SYNCHRONIZED,FAILED"`
	RepoFullName   string  `json:"repo_full_name,omitempty"`
	ExternalNumber int     `json:"external_issue_number,omitempty"`
	ExternalURL    string  `json:"external_issue_url,omitempty"`
	PRNumber       int     `json:"pr_number,omitempty"`
	PRURL          string  `json:"pr_url,omitempty"`
	BranchName     string  `json:"branch_name,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Run records one orchestration attempt against a work item.
type Run struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id"`
	RequestID  string `json:"request_id,omitempty"`
	Actor      string `json:"actor"`
	Status     string `json:"status" enum:"RUNNING,DONE,FAILED"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	StartedAt  string `json:"started_at,omitempty" format:"date-time"`
}

// RunStep is an ordered, append-only sub-event of a Run. Evidence is the
// redacted proof consulted by idempotency checks on retry.
type RunStep struct {
	ID           int64             `json:"id"`
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id"`
	StepName     string            `json:"step_name"`
	Status       string            `json:"status" enum:"STARTED,SUCCEEDED,FAILED"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Evidence     map[string]string `json:"evidence,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ShortIDPrefix prefixes display ids derived from canonical ids.
const ShortIDPrefix = "wi-"

// ShortID derives the display id from a canonical work item id: the prefix
// plus the first eight hex characters of the uuid.
func ShortID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return ShortIDPrefix + compact
}

// IsShortID reports whether the identifier is a display id.
func IsShortID(identifier string) bool {
	return strings.HasPrefix(identifier, ShortIDPrefix)
}
