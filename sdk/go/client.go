package afusdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AFU HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// WorkItem mirrors the API work item model (partial).
type WorkItem struct {
	ID             string `json:"id"`
	ShortID        string `json:"short_id"`
	Title          string `json:"title"`
	Lifecycle      string `json:"lifecycle"`
	Handoff        string `json:"handoff"`
	RepoFullName   string `json:"repo_full_name,omitempty"`
	ExternalNumber int    `json:"external_issue_number,omitempty"`
	ExternalURL    string `json:"external_issue_url,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	BranchName     string `json:"branch_name,omitempty"`
}

// Decision describes why an operation was blocked.
type Decision struct {
	Code          string   `json:"code"`
	Phase         string   `json:"phase"`
	BlockedBy     string   `json:"blocked_by"`
	NextAction    string   `json:"next_action,omitempty"`
	MissingConfig []string `json:"missing_config,omitempty"`
}

// Result is the outcome of a mutating operation.
type Result struct {
	Outcome  string    `json:"outcome"`
	Item     WorkItem  `json:"item"`
	RunID    string    `json:"run_id,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

// Run is one orchestration attempt.
type Run struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id"`
	Actor      string `json:"actor"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates a work item.
func (c *Client) CreateIssue(ctx context.Context, title, specMD string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/issues", map[string]any{
		"title":   title,
		"spec_md": specMD,
	}, &resp)
	return resp, err
}

// GetIssue fetches a work item by id or short id.
func (c *Client) GetIssue(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.issuePath(id, ""), nil, &resp)
	return resp, err
}

// ListIssues lists all work items.
func (c *Client) ListIssues(ctx context.Context) ([]WorkItem, error) {
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/issues", nil, &resp)
	return resp.Items, err
}

// Handoff mirrors the work item upstream.
func (c *Client) Handoff(ctx context.Context, id string, update bool) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.issuePath(id, "handoff"), map[string]any{"update": update}, &resp)
	return resp, err
}

// Implement creates or adopts the work branch and pull request.
func (c *Client) Implement(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.issuePath(id, "implement"), nil, &resp)
	return resp, err
}

// Trigger arms the implementation trigger on the mirror issue.
func (c *Client) Trigger(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.issuePath(id, "trigger"), nil, &resp)
	return resp, err
}

// Verify dispatches the verification workflow and awaits its conclusion.
func (c *Client) Verify(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.issuePath(id, "verify"), nil, &resp)
	return resp, err
}

// Preflight dry-runs the precondition chain for an operation. A nil decision
// means the operation would proceed.
func (c *Client) Preflight(ctx context.Context, id, op string) (*Decision, error) {
	var resp struct {
		OK       bool      `json:"ok"`
		Decision *Decision `json:"decision"`
	}
	endpoint := fmt.Sprintf("%s?op=%s", c.issuePath(id, "preflight"), url.QueryEscape(op))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Decision, nil
}

// Runs lists orchestration runs for a work item.
func (c *Client) Runs(ctx context.Context, id string, limit int) ([]Run, error) {
	endpoint := c.issuePath(id, "runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) issuePath(id, p string) string {
	endpoint := fmt.Sprintf("v0/issues/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
