package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"afu/internal/config"
	"afu/internal/db"
	"afu/internal/domain"
	"afu/internal/engine"
	"afu/internal/migrate"
	"afu/internal/provider"
)

// fakeProvider covers the calls the routed operations make; anything else
// would panic through the embedded nil interface.
type fakeProvider struct {
	provider.Client
	issues int
	prs    int
}

func (f *fakeProvider) Verify(ctx context.Context) error { return nil }

func (f *fakeProvider) CreateIssue(ctx context.Context, repo string, issue provider.NewIssue) (provider.Issue, error) {
	f.issues++
	return provider.Issue{Number: f.issues, URL: fmt.Sprintf("https://example.test/%s/issues/%d", repo, f.issues)}, nil
}

func (f *fakeProvider) UpdateIssue(ctx context.Context, repo string, number int, issue provider.NewIssue) (provider.Issue, error) {
	return provider.Issue{Number: number}, nil
}

func (f *fakeProvider) GetBranchSHA(ctx context.Context, repo, branch string) (string, error) {
	return "f00dcafe", nil
}

func (f *fakeProvider) CreateBranch(ctx context.Context, repo, branch, sha string) error { return nil }

func (f *fakeProvider) FindPullRequest(ctx context.Context, repo, head, base, state string) (provider.PullRequest, error) {
	return provider.PullRequest{}, provider.ErrNotFound
}

func (f *fakeProvider) CreatePullRequest(ctx context.Context, repo string, pr provider.NewPullRequest) (provider.PullRequest, error) {
	f.prs++
	return provider.PullRequest{Number: 200 + f.prs, State: "open", HeadRef: pr.Head, BaseRef: pr.Base}, nil
}

func (f *fakeProvider) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	return nil
}

func (f *fakeProvider) CreateComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}

func serverConfig() *config.Config {
	cfg := config.Default("dev")
	cfg.GitHub.Token = "tok"
	cfg.GitHub.Repo = "acme/widgets"
	cfg.Policy.Allowlist = map[string][]string{
		config.CapRepoWrite:        {"acme/widgets"},
		config.CapWorkflowDispatch: {"acme/widgets"},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, auth AuthConfig) (string, *http.Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fake := &fakeProvider{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg, func() (provider.Client, error) { return fake, nil }, logger)
	auth.Logger = logger
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String(), &http.Client{}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestIssueFlowOverHTTP(t *testing.T) {
	base, client := newTestServer(t, serverConfig(), AuthConfig{AllowAnonymous: true})

	res, data := doJSON(t, client, http.MethodPost, base+"/v0/issues", map[string]any{
		"title":   "Ship pagination",
		"spec_md": "## Spec\n\npaginate the list endpoint",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if created.ShortID == "" || created.Lifecycle != domain.LifecycleCreated {
		t.Fatalf("unexpected created item: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/v0/issues/"+created.ShortID+"/handoff", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handoff status %d: %s", res.StatusCode, string(data))
	}
	var handoff engine.Result
	if err := json.Unmarshal(data, &handoff); err != nil {
		t.Fatalf("unmarshal handoff result: %v", err)
	}
	if handoff.Outcome != engine.OutcomeSynced {
		t.Fatalf("expected SYNCED, got %s", handoff.Outcome)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/v0/issues/"+created.ShortID+"/implement", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("implement status %d: %s", res.StatusCode, string(data))
	}
	var impl engine.Result
	_ = json.Unmarshal(data, &impl)
	if impl.Outcome != engine.OutcomeCreated || impl.Item.PRNumber == 0 {
		t.Fatalf("unexpected implement result: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/v0/issues/"+created.ShortID+"/runs", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, string(data))
	}
	var runsBody struct {
		Runs []domain.Run `json:"runs"`
	}
	if err := json.Unmarshal(data, &runsBody); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runsBody.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runsBody.Runs))
	}
}

func TestBlockedHandoffCarriesDiagnosticHeaders(t *testing.T) {
	cfg := serverConfig()
	cfg.Policy.Allowlist = nil
	base, client := newTestServer(t, cfg, AuthConfig{AllowAnonymous: true})

	res, data := doJSON(t, client, http.MethodPost, base+"/v0/issues", map[string]any{"title": "Blocked"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	_ = json.Unmarshal(data, &created)

	req, err := http.NewRequest(http.MethodPost, base+"/v0/issues/"+created.ShortID+"/handoff", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "req-123")
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err = io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Blocked-By"); got != domain.BlockedByPolicy {
		t.Fatalf("expected X-Blocked-By POLICY, got %q", got)
	}
	if got := res.Header.Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected echoed X-Request-Id, got %q", got)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "repo_not_allowed" {
		t.Fatalf("expected repo_not_allowed, got %s", envelope.Error.Code)
	}
}

func TestPreflightDryRun(t *testing.T) {
	base, client := newTestServer(t, serverConfig(), AuthConfig{AllowAnonymous: true})

	res, data := doJSON(t, client, http.MethodPost, base+"/v0/issues", map[string]any{"title": "Dry run"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, base+"/v0/issues/"+created.ShortID+"/preflight?op=implement", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preflight status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		OK       bool `json:"ok"`
		Decision *struct {
			Code string `json:"code"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal preflight: %v", err)
	}
	if out.OK || out.Decision == nil || out.Decision.Code != "MIRROR_MISSING" {
		t.Fatalf("expected MIRROR_MISSING decision, got %s", string(data))
	}
}

func TestRequiresAuthentication(t *testing.T) {
	base, client := newTestServer(t, serverConfig(), AuthConfig{JWTSecret: "s3cret"})

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/issues", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, base+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}
