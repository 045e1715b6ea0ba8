package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu/internal/config"
	"afu/internal/db"
	"afu/internal/domain"
	"afu/internal/lifecycle"
	"afu/internal/migrate"
	"afu/internal/preflight"
	"afu/internal/provider"
)

// fakeClient is an in-memory provider with call counters and error hooks.
type fakeClient struct {
	mu sync.Mutex

	verifyErr error

	nextIssue        int
	createIssueErr   error
	createIssueCalls int
	updateIssueCalls int
	labels           map[int][]string
	comments         map[int][]string
	// onCreateIssue runs under the lock after a successful create, letting
	// tests interleave a concurrent store write at the worst moment.
	onCreateIssue func()

	branches map[string]string

	prs           []provider.PullRequest
	prsHidden     bool
	createPRErr   error
	createPRCalls int
	findPRCalls   int
	// onCreatePR runs under the lock after a create attempt, letting tests
	// change visibility at the exact moment of the conflict.
	onCreatePR func()

	dispatchCalls int
	wfRuns        []provider.WorkflowRun
	// onDispatch runs under the lock, standing in for the provider actually
	// scheduling a workflow run.
	onDispatch func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextIssue: 7,
		labels:    map[int][]string{},
		comments:  map[int][]string{},
		branches:  map[string]string{},
	}
}

func (f *fakeClient) Verify(ctx context.Context) error { return f.verifyErr }

func (f *fakeClient) GetBranchSHA(ctx context.Context, repo, branch string) (string, error) {
	return "a1b2c3d4", nil
}

func (f *fakeClient) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[branch]; ok {
		return fmt.Errorf("ref %s: %w", branch, provider.ErrAlreadyExists)
	}
	f.branches[branch] = sha
	return nil
}

func (f *fakeClient) FindPullRequest(ctx context.Context, repo, head, base, state string) (provider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findPRCalls++
	if f.prsHidden {
		return provider.PullRequest{}, provider.ErrNotFound
	}
	for i := len(f.prs) - 1; i >= 0; i-- {
		pr := f.prs[i]
		if pr.HeadRef != head || pr.BaseRef != base {
			continue
		}
		if state == "open" && pr.State != "open" {
			continue
		}
		return pr, nil
	}
	return provider.PullRequest{}, provider.ErrNotFound
}

func (f *fakeClient) CreatePullRequest(ctx context.Context, repo string, pr provider.NewPullRequest) (provider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createPRCalls++
	if f.onCreatePR != nil {
		f.onCreatePR()
	}
	if f.createPRErr != nil {
		return provider.PullRequest{}, f.createPRErr
	}
	created := provider.PullRequest{
		Number:    100 + len(f.prs) + 1,
		URL:       fmt.Sprintf("https://example.test/%s/pull/%d", repo, 100+len(f.prs)+1),
		State:     "open",
		HeadRef:   pr.Head,
		BaseRef:   pr.Base,
		CreatedAt: time.Now(),
	}
	f.prs = append(f.prs, created)
	return created, nil
}

func (f *fakeClient) CreateIssue(ctx context.Context, repo string, issue provider.NewIssue) (provider.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIssueCalls++
	if f.createIssueErr != nil {
		return provider.Issue{}, f.createIssueErr
	}
	n := f.nextIssue
	f.nextIssue++
	if f.onCreateIssue != nil {
		f.onCreateIssue()
	}
	return provider.Issue{Number: n, URL: fmt.Sprintf("https://example.test/%s/issues/%d", repo, n)}, nil
}

func (f *fakeClient) UpdateIssue(ctx context.Context, repo string, number int, issue provider.NewIssue) (provider.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateIssueCalls++
	return provider.Issue{Number: number, URL: fmt.Sprintf("https://example.test/%s/issues/%d", repo, number)}, nil
}

func (f *fakeClient) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[number] = append(f.labels[number], labels...)
	return nil
}

func (f *fakeClient) CreateComment(ctx context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeClient) DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string, inputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchCalls++
	if f.onDispatch != nil {
		f.onDispatch()
	}
	return nil
}

func (f *fakeClient) LatestWorkflowRun(ctx context.Context, repo, workflowFile, branch string) (provider.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.wfRuns) == 0 {
		return provider.WorkflowRun{}, provider.ErrNotFound
	}
	return f.wfRuns[len(f.wfRuns)-1], nil
}

func (f *fakeClient) GetWorkflowRun(ctx context.Context, repo string, runID int64) (provider.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.wfRuns {
		if r.ID == runID {
			return r, nil
		}
	}
	return provider.WorkflowRun{}, provider.ErrNotFound
}

func (f *fakeClient) ListWorkflowJobs(ctx context.Context, repo string, runID int64) ([]provider.WorkflowJob, error) {
	return []provider.WorkflowJob{{ID: 1, Name: "test", Status: "completed", Conclusion: "success"}}, nil
}

func (f *fakeClient) ListRunArtifacts(ctx context.Context, repo string, runID int64) ([]provider.Artifact, error) {
	return nil, nil
}

const testRepo = "acme/widgets"

func testConfig() *config.Config {
	cfg := &config.Config{Stage: "dev"}
	cfg.GitHub.Token = "tok-secret-value"
	cfg.GitHub.Repo = testRepo
	cfg.GitHub.BaseBranch = "main"
	cfg.Trigger.Label = "afu-implement"
	cfg.Trigger.Comment = "@afu-bot implement {short_id}"
	cfg.Verify.Workflow = "verify.yml"
	cfg.Verify.TimeoutSeconds = 2
	cfg.Policy.Allowlist = map[string][]string{
		config.CapRepoWrite:        {testRepo},
		config.CapWorkflowDispatch: {testRepo},
	}
	return cfg
}

func newTestEnv(t *testing.T) (Engine, *fakeClient) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	fake := newFakeClient()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(conn, testConfig(), func() (provider.Client, error) { return fake, nil }, logger)
	eng.PollInterval = time.Millisecond
	return eng, fake
}

func mustCreate(t *testing.T, eng Engine, title string) domain.WorkItem {
	t.Helper()
	wi, err := eng.CreateWorkItem(context.Background(), CreateOptions{Title: title, SpecMD: "## Spec\n\ndo the thing"})
	require.NoError(t, err)
	return wi
}

func mustHandoff(t *testing.T, eng Engine, id string) domain.WorkItem {
	t.Helper()
	res, err := eng.Handoff(context.Background(), HandoffOptions{Identifier: id, Actor: "tester"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSynced, res.Outcome)
	return res.Item
}

func TestHandoffCreatesMirrorOnce(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")

	res, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, domain.HandoffSynced, res.Item.Handoff)
	assert.Equal(t, domain.LifecycleSpecReady, res.Item.Lifecycle)
	assert.Equal(t, 7, res.Item.ExternalNumber)
	assert.Equal(t, testRepo, res.Item.RepoFullName)
	assert.Equal(t, 1, fake.createIssueCalls)

	// Second call sees the target state and never touches the provider.
	res2, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res2.Outcome)
	assert.Empty(t, res2.RunID)
	assert.Equal(t, 1, fake.createIssueCalls)
}

func TestHandoffUpdateSynchronizes(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)

	res, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester", Update: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynchronized, res.Outcome)
	assert.Equal(t, domain.HandoffSynchronized, res.Item.Handoff)
	assert.Equal(t, 1, fake.updateIssueCalls)
}

func TestHandoffFailureRecordsAndRetryClears(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")

	fake.createIssueErr = provider.ErrUnavailable
	_, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CodeUpstreamUnavailable, ue.Code)

	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffFailed, got.Handoff)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, CodeUpstreamUnavailable)

	fake.createIssueErr = nil
	res, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Nil(t, res.Item.LastError)
}

func TestHandoffReusesPriorSuccessEvidence(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	synced := mustHandoff(t, eng, wi.ShortID)
	require.Equal(t, 1, fake.createIssueCalls)

	// Simulate a crash after the upstream create: the mirror reference is
	// lost locally but the succeeded step evidence survives.
	synced.Handoff = domain.HandoffFailed
	synced.ExternalNumber = 0
	synced.ExternalURL = ""
	_, err := eng.Repo.UpdateWorkItemVersioned(ctx, synced)
	require.NoError(t, err)

	res, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, 7, res.Item.ExternalNumber)
	assert.Equal(t, 1, fake.createIssueCalls, "prior evidence must prevent a duplicate create")
}

func TestImplementCreatesBranchAndPR(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)

	res, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, domain.LifecyclePRCreated, res.Item.Lifecycle)
	assert.Equal(t, 101, res.Item.PRNumber)

	wantBranch := "dev/issue-7-" + strings.TrimPrefix(wi.ShortID, domain.ShortIDPrefix)
	assert.Equal(t, wantBranch, res.Item.BranchName)
	assert.Contains(t, fake.branches, wantBranch)
	assert.Equal(t, 1, fake.createPRCalls)

	// Replays short-circuit on the stored PR reference.
	findCalls := fake.findPRCalls
	res2, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, res2.Outcome)
	assert.Equal(t, 1, fake.createPRCalls)
	assert.Equal(t, findCalls, fake.findPRCalls)
}

func TestImplementAdoptsExistingPR(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	synced := mustHandoff(t, eng, wi.ShortID)

	branch := branchName("dev", synced)
	fake.prs = append(fake.prs, provider.PullRequest{
		Number: 55, State: "open", HeadRef: branch, BaseRef: "main",
		URL: "https://example.test/acme/widgets/pull/55",
	})

	res, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, res.Outcome)
	assert.Equal(t, 55, res.Item.PRNumber)
	assert.Equal(t, 0, fake.createPRCalls)
}

func TestImplementReconcilesCreateConflict(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	synced := mustHandoff(t, eng, wi.ShortID)

	// The PR exists but the search misses it until after the create
	// conflict, mimicking a racing actor plus listing lag.
	branch := branchName("dev", synced)
	fake.prsHidden = true
	fake.prs = append(fake.prs, provider.PullRequest{
		Number: 77, State: "open", HeadRef: branch, BaseRef: "main",
	})
	fake.createPRErr = provider.ErrAlreadyExists
	fake.onCreatePR = func() { fake.prsHidden = false }

	res, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, res.Outcome)
	assert.Equal(t, 77, res.Item.PRNumber)
	assert.Equal(t, 1, fake.createPRCalls)
}

func TestImplementFailsClosedWhenConflictUnresolvable(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)

	fake.prsHidden = true
	fake.createPRErr = provider.ErrAlreadyExists

	_, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CodeExistsButNotFound, ue.Code)
	assert.Equal(t, 1, fake.createPRCalls)
	// Two searches before the create, two after the conflict. Bounded.
	assert.Equal(t, 4, fake.findPRCalls)

	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleImplementing, got.Lifecycle)
	require.NotNil(t, got.LastError)
}

func TestImplementSingleActiveConflict(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	first := mustCreate(t, eng, "First item")
	mustHandoff(t, eng, first.ShortID)
	_, err := eng.SetLifecycle(ctx, first.ShortID, domain.LifecycleImplementing)
	require.NoError(t, err)

	second := mustCreate(t, eng, "Second item")
	mustHandoff(t, eng, second.ShortID)

	_, err = eng.Implement(ctx, ImplementOptions{Identifier: second.ShortID, Actor: "tester"})
	var conflict lifecycle.ActiveConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ActiveID)
	assert.Equal(t, first.ShortID, conflict.ActiveShortID)
}

func TestTriggerIdempotentUntilSpecChanges(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	synced := mustHandoff(t, eng, wi.ShortID)

	res, err := eng.Trigger(ctx, TriggerOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, res.Outcome)
	assert.Equal(t, []string{"afu-implement"}, fake.labels[synced.ExternalNumber])
	require.Len(t, fake.comments[synced.ExternalNumber], 1)
	assert.Equal(t, "@afu-bot implement "+wi.ShortID, fake.comments[synced.ExternalNumber][0])

	res2, err := eng.Trigger(ctx, TriggerOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTriggered, res2.Outcome)
	assert.Equal(t, res.RunID, res2.RunID)
	assert.Len(t, fake.comments[synced.ExternalNumber], 1)

	// Changing the spec derives a fresh key; the trigger arms again.
	_, err = eng.UpdateSpec(ctx, wi.ShortID, "## Spec v2\n\ndo it differently")
	require.NoError(t, err)
	res3, err := eng.Trigger(ctx, TriggerOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, res3.Outcome)
	assert.Len(t, fake.comments[synced.ExternalNumber], 2)
}

func TestTriggerSubstitutesDefaultForMissingComment(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	eng.Config.Trigger.Comment = ""
	wi := mustCreate(t, eng, "Add pagination")
	synced := mustHandoff(t, eng, wi.ShortID)

	res, err := eng.Trigger(ctx, TriggerOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, res.Outcome)
	require.Len(t, fake.comments[synced.ExternalNumber], 1)
	assert.Contains(t, fake.comments[synced.ExternalNumber][0], wi.ShortID)
}

func TestVerifyAdvancesOnSuccessfulRun(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)
	_, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)

	fake.onDispatch = func() {
		fake.wfRuns = append(fake.wfRuns, provider.WorkflowRun{ID: 9001, Status: "completed", Conclusion: "success", URL: "https://example.test/runs/9001"})
	}

	res, err := eng.Verify(ctx, VerifyOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, res.Outcome)
	assert.Equal(t, domain.LifecycleVerified, res.Item.Lifecycle)
	assert.Equal(t, 1, fake.dispatchCalls)

	res2, err := eng.Verify(ctx, VerifyOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res2.Outcome)
	assert.Equal(t, 1, fake.dispatchCalls)
}

func TestVerifyFailedConclusionKeepsLifecycle(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)
	_, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)

	fake.onDispatch = func() {
		fake.wfRuns = append(fake.wfRuns, provider.WorkflowRun{ID: 9002, Status: "completed", Conclusion: "failure"})
	}

	_, err = eng.Verify(ctx, VerifyOptions{Identifier: wi.ShortID, Actor: "tester"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CodeUpstreamRejected, ue.Code)

	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecyclePRCreated, got.Lifecycle)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "concluded failure")
}

func TestVerifyIgnoresRunsFromBeforeDispatch(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")
	mustHandoff(t, eng, wi.ShortID)
	_, err := eng.Implement(ctx, ImplementOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)

	// A successful run from an earlier verify is already sitting on the
	// branch; the run scheduled by this dispatch fails. Adopting the stale
	// conclusion would wrongly advance the item.
	fake.wfRuns = []provider.WorkflowRun{{ID: 9000, Status: "completed", Conclusion: "success"}}
	fake.onDispatch = func() {
		fake.wfRuns = append(fake.wfRuns, provider.WorkflowRun{ID: 9010, Status: "completed", Conclusion: "failure"})
	}

	_, err = eng.Verify(ctx, VerifyOptions{Identifier: wi.ShortID, Actor: "tester"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CodeUpstreamRejected, ue.Code)
	assert.Contains(t, ue.Error(), "9010")

	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecyclePRCreated, got.Lifecycle)
}

func TestHandoffPartialFailureReleasesPending(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")

	// A concurrent writer bumps the row between the upstream create and the
	// completing write, forcing a version conflict on an issue that now
	// exists upstream.
	fake.onCreateIssue = func() {
		fresh, err := eng.Repo.GetWorkItem(ctx, wi.ID)
		require.NoError(t, err)
		fresh.Title = "renamed concurrently"
		_, err = eng.Repo.UpdateWorkItemVersioned(ctx, fresh)
		require.NoError(t, err)
	}

	_, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, testRepo+"#7", partial.ExternalRef)

	// The item must not be left holding the in-flight marker.
	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffFailed, got.Handoff)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "#7")
}

func TestPreflightDecisions(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	t.Run("unknown identifier", func(t *testing.T) {
		d, err := eng.Preflight(ctx, OpHandoff, "wi-ffffffff")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, preflight.CodeNotFound, d.Code)
		assert.Equal(t, domain.BlockedByState, d.BlockedBy)
	})

	t.Run("mirror checked before trigger config", func(t *testing.T) {
		eng.Config.Trigger.Label = ""
		eng.Config.Trigger.Comment = ""
		wi := mustCreate(t, eng, "Not mirrored yet")
		d, err := eng.Preflight(ctx, OpTrigger, wi.ShortID)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, preflight.CodeMirrorMissing, d.Code)
		assert.Equal(t, preflight.PhaseMirror, d.Phase)
	})

	t.Run("stage missing blocks everything", func(t *testing.T) {
		eng.Config.Stage = ""
		d, err := eng.Preflight(ctx, OpHandoff, "anything")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, preflight.CodeStageNotConfigured, d.Code)
		assert.Equal(t, []string{config.KeyStage}, d.MissingConfig)
	})
}

func TestHandoffBlockedByPolicy(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	eng.Config.Policy.Allowlist[config.CapRepoWrite] = nil
	wi := mustCreate(t, eng, "Add pagination")

	res, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	require.NotNil(t, res.Decision)
	assert.Equal(t, domain.BlockedByPolicy, res.Decision.BlockedBy)
	assert.Equal(t, 0, fake.createIssueCalls)

	got, err := eng.Repo.GetWorkItem(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffNotSent, got.Handoff, "blocked operations must not move state")
}

func TestSecretsRedactedFromStepErrors(t *testing.T) {
	eng, fake := newTestEnv(t)
	ctx := context.Background()
	wi := mustCreate(t, eng, "Add pagination")

	fake.createIssueErr = fmt.Errorf("POST with token tok-secret-value: %w", provider.ErrUnavailable)
	_, err := eng.Handoff(ctx, HandoffOptions{Identifier: wi.ShortID, Actor: "tester"})
	require.Error(t, err)

	runs, err := eng.Repo.ListRuns(ctx, wi.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	steps, err := eng.Repo.ListRunSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.NotContains(t, s.ErrorMessage, "tok-secret-value")
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := idempotencyKey("id-1", OpTrigger, "spec", "label|comment")
	b := idempotencyKey("id-1", OpTrigger, "spec", "label|comment")
	c := idempotencyKey("id-1", OpTrigger, "spec v2", "label|comment")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestUpstreamErrorClassification(t *testing.T) {
	assert.Equal(t, CodeUpstreamUnavailable, upstreamError(provider.ErrUnavailable).Code)
	assert.Equal(t, CodeAuthInvalid, upstreamError(provider.ErrAuthInvalid).Code)
	assert.Equal(t, CodeUpstreamRejected, upstreamError(errors.New("validation failed")).Code)
}
