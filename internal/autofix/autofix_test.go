package autofix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/batch"
	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/hosting/hostingtest"
	"github.com/autoclaude/autoclaude/internal/learning"
	"github.com/autoclaude/autoclaude/internal/override"
	"github.com/autoclaude/autoclaude/internal/pipeline"
	"github.com/autoclaude/autoclaude/internal/review"
	"github.com/autoclaude/autoclaude/internal/specnum"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeReserver struct {
	root  string
	calls int
}

func (r *fakeReserver) Reserve(slug string) (*specnum.Reservation, error) {
	r.calls++
	name := fmt.Sprintf("%03d-%s", r.calls, slug)
	dir := filepath.Join(r.root, "specs", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &specnum.Reservation{Number: r.calls, ID: fmt.Sprintf("%03d", r.calls), Name: name, Dir: dir}, nil
}

type fakeGen struct {
	opts       []pipeline.RunOptions
	incomplete bool
	err        error
}

func (g *fakeGen) GenerateSpec(_ context.Context, opts pipeline.RunOptions) (*pipeline.RunReport, error) {
	g.opts = append(g.opts, opts)
	if g.err != nil {
		return nil, g.err
	}
	return &pipeline.RunReport{Completed: !g.incomplete}, nil
}

type fakeBuilder struct {
	calls   int
	gotDir  string
	gotSpec string
	err     error
}

func (b *fakeBuilder) Build(_ context.Context, dir, specDir string) error {
	b.calls++
	b.gotDir = dir
	b.gotSpec = specDir
	return b.err
}

type fakeWorkspaces struct {
	root    string
	opened  []string
	cleaned int
}

func (w *fakeWorkspaces) Open(_ context.Context, slug string) (string, func(), error) {
	w.opened = append(w.opened, slug)
	dir := filepath.Join(w.root, "worktrees", slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	return dir, func() { w.cleaned++ }, nil
}

type fakeBranches struct {
	pushed []string
	err    error
}

func (b *fakeBranches) PushBranch(_ context.Context, slug string) error {
	if b.err != nil {
		return b.err
	}
	b.pushed = append(b.pushed, slug)
	return nil
}

type fakeReviews struct {
	prs   []int
	state *review.PRState
	err   error
}

func (r *fakeReviews) Run(_ context.Context, prNumber int) (*review.PRState, error) {
	r.prs = append(r.prs, prNumber)
	if r.err != nil {
		return nil, r.err
	}
	if r.state != nil {
		return r.state, nil
	}
	return &review.PRState{PRNumber: prNumber, Status: review.StateReadyToMerge}, nil
}

type fakeOutcomes struct {
	recorded []learning.Outcome
}

func (o *fakeOutcomes) Record(rec learning.Outcome) (*learning.Outcome, error) {
	o.recorded = append(o.recorded, rec)
	return &rec, nil
}

type fixture struct {
	root      string
	clock     *fakeClock
	provider  *hostingtest.FakeProvider
	overrides *override.Manager
	reserver  *fakeReserver
	gen       *fakeGen
	builder   *fakeBuilder
	wspaces   *fakeWorkspaces
	branches  *fakeBranches
	reviews   *fakeReviews
	outcomes  *fakeOutcomes
	batches   *batch.Store
	flow      *Flow

	// sleepHook runs on every simulated sleep, before the clock advances.
	sleepHook func()

	approved []string
	gateErr  error
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:      root,
		clock:     &fakeClock{t: time.Now().UTC()},
		provider:  hostingtest.NewFakeProvider("auto-claude[bot]"),
		overrides: override.New(root, nil, override.Options{}),
		reserver:  &fakeReserver{root: root},
		gen:       &fakeGen{},
		builder:   &fakeBuilder{},
		wspaces:   &fakeWorkspaces{root: root},
		branches:  &fakeBranches{},
		reviews:   &fakeReviews{},
		outcomes:  &fakeOutcomes{},
		batches:   batch.NewStore(root),
	}
	opts.ProjectDir = root
	f.flow = New(f.provider, f.overrides, f.reserver, f.gen, f.builder, f.wspaces,
		f.branches, f.reviews, f.batches, f.outcomes, nil, opts)
	f.flow.now = f.clock.Now
	f.flow.sleep = func(_ context.Context, d time.Duration) error {
		if f.sleepHook != nil {
			f.sleepHook()
		}
		f.clock.Advance(d)
		return nil
	}
	f.flow.approve = func(specDir, approver string) (*pipeline.Approval, error) {
		f.approved = append(f.approved, approver)
		return &pipeline.Approval{ApprovedBy: approver}, nil
	}
	f.flow.checkApproval = func(specDir string) (*pipeline.Approval, error) {
		if f.gateErr != nil {
			return nil, f.gateErr
		}
		return &pipeline.Approval{}, nil
	}
	return f
}

func (f *fixture) addIssue(number int, title, body string) {
	f.provider.Issues[number] = &hosting.Issue{
		Number: number, Title: title, Body: body, State: "open",
	}
}

func TestRun_AutoApprove_EndToEnd(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(101, "Crash on startup", "panics when config is missing")

	res, err := f.flow.Run(context.Background(), Trigger{
		IssueNumber: 101, Label: "auto-fix", Actor: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	assert.Equal(t, 1, f.reserver.calls)
	assert.Equal(t, "001-issue-101-crash-on-startup", res.SpecName)

	require.Len(t, f.gen.opts, 1)
	assert.Contains(t, f.gen.opts[0].Requirements.Task, "Fix issue #101")
	assert.Contains(t, f.gen.opts[0].Requirements.Task, "panics when config is missing")

	assert.Equal(t, []string{"auto-claude"}, f.approved)

	assert.Equal(t, 1, f.builder.calls)
	assert.Equal(t, res.SpecDir, f.builder.gotSpec)
	assert.Contains(t, f.builder.gotDir, "issue-101-crash-on-startup")

	assert.Equal(t, []string{"issue-101-crash-on-startup"}, f.branches.pushed)
	assert.Equal(t, "auto-claude/issue-101-crash-on-startup", res.Branch)

	require.Len(t, f.provider.CreatedPRs, 1)
	created := f.provider.CreatedPRs[0]
	assert.Equal(t, res.Branch, created.Head)
	assert.Equal(t, "main", created.Base)
	assert.Equal(t, []string{"auto-claude"}, created.Labels)
	assert.Contains(t, created.Body, "Closes #101")

	assert.Equal(t, 101, res.PRNumber)
	assert.Equal(t, []int{101}, f.reviews.prs)
	require.NotNil(t, res.Review)
	assert.Equal(t, review.StateReadyToMerge, res.Review.Status)

	require.Len(t, f.outcomes.recorded, 1)
	assert.Equal(t, learning.PredAutofixWillWork, f.outcomes.recorded[0].Type)
	assert.Equal(t, 101, f.outcomes.recorded[0].PRNumber)

	assert.Equal(t, 1, f.wspaces.cleaned)
}

func TestRun_GraceCancelledAbortsBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(101, "Crash on startup", "")
	f.sleepHook = func() {
		f.sleepHook = nil
		_, err := f.overrides.CancelGracePeriod(101, "maintainer")
		require.NoError(t, err)
	}

	res, err := f.flow.Run(context.Background(), Trigger{
		IssueNumber: 101, Label: "auto-fix", Actor: "label-webhook",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Contains(t, res.Reason, "maintainer")

	// No spec directory, no worktree, no PR.
	assert.Zero(t, f.reserver.calls)
	assert.Empty(t, f.wspaces.opened)
	assert.Empty(t, f.provider.CreatedPRs)

	last, err := f.overrides.LatestFor(101, 0)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, override.TypeCancelAutofix, last.Type)
	assert.Equal(t, "maintainer", last.Actor)
}

func TestRun_CancelOverrideNotDuplicated(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(101, "Crash on startup", "")
	f.sleepHook = func() {
		f.sleepHook = nil
		_, err := f.overrides.CancelGracePeriod(101, "maintainer")
		require.NoError(t, err)
		// The command handler already logged the override.
		_, err = f.overrides.RecordOverride(override.Record{
			Type: override.TypeCancelAutofix, Actor: "maintainer", IssueNumber: 101,
		})
		require.NoError(t, err)
	}

	_, err := f.flow.Run(context.Background(), Trigger{IssueNumber: 101, Label: "auto-fix", Actor: "x"})
	require.NoError(t, err)

	history, err := f.overrides.History(0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRun_ApprovalGatePostsInstructionAndStops(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIssue(7, "Slow queries", "list endpoint times out")
	f.gateErr = fmt.Errorf("no approval recorded")

	res, err := f.flow.Run(context.Background(), Trigger{IssueNumber: 7, Label: "auto-fix", Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, res.Status)
	assert.NotEmpty(t, res.SpecDir)

	assert.Zero(t, f.builder.calls)
	assert.Empty(t, f.provider.CreatedPRs)

	comments := f.provider.PostedComments[7]
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "/approve")
	assert.Contains(t, comments[0], res.SpecName)
}

func TestResume_RunsBuildThroughReview(t *testing.T) {
	f := newFixture(t, Options{})
	specDir := filepath.Join(f.root, "specs", "004-issue-7-slow-queries")
	require.NoError(t, os.MkdirAll(specDir, 0o755))

	res, err := f.flow.Resume(context.Background(), Trigger{IssueNumber: 7, Actor: "bob"}, specDir)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "004-issue-7-slow-queries", res.SpecName)
	assert.Equal(t, []string{"issue-7-slow-queries"}, f.branches.pushed)
	assert.Len(t, f.provider.CreatedPRs, 1)
}

func TestResume_StaleApprovalFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.gateErr = fmt.Errorf("approval invalidated")

	res, err := f.flow.Resume(context.Background(), Trigger{IssueNumber: 7}, filepath.Join(f.root, "specs", "004-x"))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, f.builder.calls)
}

// trackingBatches records every lifecycle transition the flow requests.
type trackingBatches struct {
	*batch.Store
	transitions []batch.Status
}

func (tb *trackingBatches) Transition(id string, to batch.Status, apply func(*batch.Batch)) (*batch.Batch, error) {
	tb.transitions = append(tb.transitions, to)
	return tb.Store.Transition(id, to, apply)
}

func TestRun_BatchAdvancesLifecycle(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(5, "Login 500s", "oauth callback crashes")
	f.addIssue(6, "Session drops", "token refresh race")

	tracked := &trackingBatches{Store: f.batches}
	f.flow.batches = tracked

	b := &batch.Batch{Theme: "auth stability", IssueNumbers: []int{5, 6}}
	require.NoError(t, f.batches.Create([]*batch.Batch{b}))

	res, err := f.flow.Run(context.Background(), Trigger{
		IssueNumber: 5, Label: "auto-fix", Actor: "alice", BatchID: b.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// The batch walks every lifecycle stage in order, no skips.
	assert.Equal(t, []batch.Status{
		batch.StatusAnalyzing, batch.StatusCreatingSpec, batch.StatusBuilding,
		batch.StatusQAReview, batch.StatusPRCreated, batch.StatusCompleted,
	}, tracked.transitions)

	require.Len(t, f.gen.opts, 1)
	task := f.gen.opts[0].Requirements.Task
	assert.Contains(t, task, "auth stability")
	assert.Contains(t, task, "#5: Login 500s")
	assert.Contains(t, task, "#6: Session drops")
	assert.Equal(t, []string{"batch-auth-stability"}, f.branches.pushed)

	assert.Contains(t, f.provider.CreatedPRs[0].Body, "Closes #5")
	assert.Contains(t, f.provider.CreatedPRs[0].Body, "Closes #6")

	final, err := f.batches.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, final.Status)
	assert.Equal(t, res.SpecName, final.SpecName)
	assert.Equal(t, res.PRNumber, final.PRNumber)
}

func TestRun_BuildFailureMarksBatchFailed(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(5, "Login 500s", "")
	f.builder.err = fmt.Errorf("agent exited 1")

	b := &batch.Batch{Theme: "auth", IssueNumbers: []int{5}}
	require.NoError(t, f.batches.Create([]*batch.Batch{b}))

	res, err := f.flow.Run(context.Background(), Trigger{IssueNumber: 5, Actor: "x", BatchID: b.ID})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "build", res.Reason)

	final, err := f.batches.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "build")
}

func TestRun_PipelineIncompleteFails(t *testing.T) {
	f := newFixture(t, Options{AutoApprove: true})
	f.addIssue(9, "Flaky test", "")
	f.gen.incomplete = true

	res, err := f.flow.Run(context.Background(), Trigger{IssueNumber: 9, Actor: "x"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "generate spec", res.Reason)
	assert.Zero(t, f.builder.calls)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Crash on startup", "crash-on-startup"},
		{"issue-101-Crash on startup!", "issue-101-crash-on-startup"},
		{"  lots   of///punctuation  ", "lots-of-punctuation"},
		{"ALLCAPS", "allcaps"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
	long := Slugify("this title keeps going and going and going and going and going")
	assert.LessOrEqual(t, len(long), maxSlugLen)
}
