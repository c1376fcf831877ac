// Package autofix wires the full issue-to-PR flow: grace period, spec
// pipeline, build agent, branch push, PR creation, and review orchestration.
// It owns no policy of its own; every step delegates to the component that
// does, and the flow stops the moment one of them says no.
package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autoclaude/autoclaude/internal/audit"
	"github.com/autoclaude/autoclaude/internal/batch"
	"github.com/autoclaude/autoclaude/internal/gitx"
	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/learning"
	"github.com/autoclaude/autoclaude/internal/notify"
	"github.com/autoclaude/autoclaude/internal/override"
	"github.com/autoclaude/autoclaude/internal/pipeline"
	"github.com/autoclaude/autoclaude/internal/review"
	"github.com/autoclaude/autoclaude/internal/specnum"
	"github.com/autoclaude/autoclaude/internal/workspace"
)

// SpecReserver claims spec numbers. *specnum.Coordinator satisfies it.
type SpecReserver interface {
	Reserve(slug string) (*specnum.Reservation, error)
}

// SpecGenerator runs the spec pipeline. *pipeline.Executor satisfies it.
type SpecGenerator interface {
	GenerateSpec(ctx context.Context, opts pipeline.RunOptions) (*pipeline.RunReport, error)
}

// Builder runs the external build agent inside a workspace directory against
// an approved spec.
type Builder interface {
	Build(ctx context.Context, dir, specDir string) error
}

// Workspaces binds a task slug to a directory the builder runs in. The
// returned cleanup is always safe to call.
type Workspaces interface {
	Open(ctx context.Context, slug string) (dir string, cleanup func(), err error)
}

// Branches pushes task branches. *gitx.Manager satisfies it.
type Branches interface {
	PushBranch(ctx context.Context, slug string) error
}

// ReviewStarter drives a PR to a review stopping point. *review.Orchestrator
// satisfies it. It never merges.
type ReviewStarter interface {
	Run(ctx context.Context, prNumber int) (*review.PRState, error)
}

// BatchTracker advances batch lifecycle state as the flow progresses.
// *batch.Store satisfies it.
type BatchTracker interface {
	Get(id string) (*batch.Batch, error)
	Transition(id string, to batch.Status, apply func(*batch.Batch)) (*batch.Batch, error)
}

// PredictionRecorder logs the autofix-will-work prediction. *learning.Tracker
// satisfies it.
type PredictionRecorder interface {
	Record(o learning.Outcome) (*learning.Outcome, error)
}

var (
	_ SpecReserver       = (*specnum.Coordinator)(nil)
	_ SpecGenerator      = (*pipeline.Executor)(nil)
	_ Branches           = (*gitx.Manager)(nil)
	_ ReviewStarter      = (*review.Orchestrator)(nil)
	_ BatchTracker       = (*batch.Store)(nil)
	_ PredictionRecorder = (*learning.Tracker)(nil)
	_ Workspaces         = (*GitWorkspaces)(nil)
)

// GitWorkspaces opens isolated worktrees for the build agent.
type GitWorkspaces struct {
	Manager *gitx.Manager
	Memory  *notify.Graphiti
}

// Open binds the slug to a worktree workspace. The worktree outlives the
// cleanup so the branch can be pushed and reviewed.
func (g *GitWorkspaces) Open(ctx context.Context, slug string) (string, func(), error) {
	ws, err := workspace.Open(ctx, g.Manager, slug, workspace.Options{
		Mode:   workspace.Isolated,
		Memory: g.Memory,
	})
	if err != nil {
		return "", nil, err
	}
	return ws.Dir, func() { ws.Close(ctx) }, nil
}

// Trigger is one autofix kick: a labelled issue, a manual invocation, or a
// committed batch.
type Trigger struct {
	IssueNumber int
	// Label is the trigger label recorded on the grace period.
	Label string
	// Actor is who (or what) pulled the trigger.
	Actor string
	// BatchID, when set, runs the flow for a committed batch; the batch's
	// issues feed the synthesized task and its status advances with the flow.
	BatchID string
	// Workflow hints the spec pipeline; empty means feature.
	Workflow pipeline.WorkflowType
}

// Status is where a flow run stopped.
type Status string

const (
	// StatusCancelled means the grace period was cancelled before expiry.
	StatusCancelled Status = "cancelled"
	// StatusAwaitingApproval means the spec exists but the plan has no valid
	// human approval yet; Resume continues once /approve lands.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusCompleted means the PR is open and review ran to a stopping point.
	StatusCompleted Status = "completed"
	// StatusFailed means a step errored; Reason and Err say which.
	StatusFailed Status = "failed"
)

// Result summarizes one flow run.
type Result struct {
	Status      Status
	Reason      string
	IssueNumber int
	SpecName    string
	SpecDir     string
	Branch      string
	PRNumber    int
	PRURL       string
	Review      *review.PRState
	Err         error
}

// Options configures the flow.
type Options struct {
	// AutoApprove skips the human checkpoint and records the bypass.
	AutoApprove bool
	// Approver is recorded on auto-approvals.
	Approver string
	// BaseBranch is the PR base.
	BaseBranch string
	// PRLabels are applied to every opened PR.
	PRLabels []string
	// PollInterval bounds how often the grace period is re-sampled.
	PollInterval time.Duration
	// ProjectDir is the repo root handed to the spec pipeline.
	ProjectDir string
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{
		Approver:     "auto-claude",
		BaseBranch:   "main",
		PRLabels:     []string{"auto-claude"},
		PollInterval: 30 * time.Second,
	}
}

// Flow executes autofix triggers end to end.
type Flow struct {
	provider   hosting.Provider
	overrides  *override.Manager
	specs      SpecReserver
	gen        SpecGenerator
	builder    Builder
	workspaces Workspaces
	branches   Branches
	reviews    ReviewStarter
	batches    BatchTracker       // nil outside batch flows
	outcomes   PredictionRecorder // nil disables prediction logging
	auditLog   *audit.Logger      // nil disables audit events
	opts       Options
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// approve and checkApproval default to the pipeline checkpoint; tests
	// substitute them to avoid real plan files.
	approve       func(specDir, approver string) (*pipeline.Approval, error)
	checkApproval func(specDir string) (*pipeline.Approval, error)
}

// New assembles a flow. batches, outcomes, and auditLog may be nil.
func New(provider hosting.Provider, overrides *override.Manager, specs SpecReserver,
	gen SpecGenerator, builder Builder, workspaces Workspaces, branches Branches,
	reviews ReviewStarter, batches BatchTracker, outcomes PredictionRecorder,
	auditLog *audit.Logger, opts Options) *Flow {

	def := DefaultOptions()
	if opts.Approver == "" {
		opts.Approver = def.Approver
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = def.BaseBranch
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Flow{
		provider:   provider,
		overrides:  overrides,
		specs:      specs,
		gen:        gen,
		builder:    builder,
		workspaces: workspaces,
		branches:   branches,
		reviews:    reviews,
		batches:    batches,
		outcomes:   outcomes,
		auditLog:   auditLog,
		opts:       opts,
		logger:     slog.Default(),
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		approve:       pipeline.Approve,
		checkApproval: pipeline.CheckApproval,
	}
}

// Run drives one trigger from grace period to review. A cancelled grace
// period aborts before any spec directory or worktree exists. A flow gated on
// human approval returns StatusAwaitingApproval with the spec directory set;
// call Resume after /approve.
func (f *Flow) Run(ctx context.Context, trig Trigger) (*Result, error) {
	res := &Result{IssueNumber: trig.IssueNumber}

	f.auditEvent("autofix.start", trig, audit.ResultStarted, map[string]any{
		"trigger_label": trig.Label,
		"batch_id":      trig.BatchID,
	})

	gp, err := f.overrides.StartGracePeriod(trig.IssueNumber, trig.Label, trig.Actor)
	if err != nil {
		return f.fail(res, trig, "start grace period", err)
	}
	if cancelled, by, err := f.waitForGrace(ctx, trig, gp); err != nil {
		return f.fail(res, trig, "grace period wait", err)
	} else if cancelled {
		f.recordCancellation(trig, by)
		res.Status = StatusCancelled
		res.Reason = fmt.Sprintf("cancelled by %s during grace period", by)
		f.auditEvent("autofix.cancelled", trig, audit.ResultSkipped, map[string]any{"cancelled_by": by})
		return res, nil
	}

	// Synthesizing a batch task reads and folds in every member issue; the
	// batch is analyzing for that span.
	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusAnalyzing, nil); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	task, slug, err := f.synthesizeTask(ctx, trig)
	if err != nil {
		return f.fail(res, trig, "synthesize task", err)
	}

	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusCreatingSpec, nil); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	reservation, err := f.specs.Reserve(slug)
	if err != nil {
		return f.fail(res, trig, "reserve spec number", err)
	}
	res.SpecName = reservation.Name
	res.SpecDir = reservation.Dir

	workflow := trig.Workflow
	if !pipeline.ValidWorkflow(workflow) {
		workflow = pipeline.WorkflowFeature
	}
	report, err := f.gen.GenerateSpec(ctx, pipeline.RunOptions{
		SpecDir:    reservation.Dir,
		ProjectDir: f.opts.ProjectDir,
		Requirements: &pipeline.Requirements{
			Task:         task,
			WorkflowType: workflow,
			CreatedAt:    f.now().UTC(),
		},
	})
	if err != nil {
		return f.fail(res, trig, "generate spec", err)
	}
	if !report.Completed {
		return f.fail(res, trig, "generate spec", fmt.Errorf("pipeline stopped before completion"))
	}

	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusBuilding, func(b *batch.Batch) {
			b.SpecName = reservation.Name
		}); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	if f.opts.AutoApprove {
		if _, err := f.approve(reservation.Dir, f.opts.Approver); err != nil {
			return f.fail(res, trig, "auto-approve plan", err)
		}
		f.auditEvent("approval.bypass", trig, audit.ResultGranted, map[string]any{
			"spec": reservation.Name, "approver": f.opts.Approver,
		})
	} else if _, err := f.checkApproval(reservation.Dir); err != nil {
		f.askForApproval(ctx, trig, reservation.Name)
		res.Status = StatusAwaitingApproval
		res.Reason = "plan awaits /approve"
		return res, nil
	}

	return f.buildAndReview(ctx, trig, res, slug)
}

// Resume picks a gated flow back up after the plan was approved via /approve.
// The approval is re-verified against the plan as it is now.
func (f *Flow) Resume(ctx context.Context, trig Trigger, specDir string) (*Result, error) {
	res := &Result{IssueNumber: trig.IssueNumber, SpecDir: specDir, SpecName: specBase(specDir)}
	if _, err := f.checkApproval(specDir); err != nil {
		return f.fail(res, trig, "verify approval", err)
	}
	slug := res.SpecName
	if i := strings.IndexByte(slug, '-'); i >= 0 && i+1 < len(slug) {
		slug = slug[i+1:]
	}
	return f.buildAndReview(ctx, trig, res, slug)
}

// buildAndReview runs steps 4-6: build agent, branch push, PR, review.
func (f *Flow) buildAndReview(ctx context.Context, trig Trigger, res *Result, slug string) (*Result, error) {
	dir, cleanup, err := f.workspaces.Open(ctx, slug)
	if err != nil {
		return f.fail(res, trig, "open workspace", err)
	}
	defer cleanup()

	if err := f.builder.Build(ctx, dir, res.SpecDir); err != nil {
		return f.fail(res, trig, "build", err)
	}
	f.auditEvent("autofix.build", trig, audit.ResultSuccess, map[string]any{"spec": res.SpecName})

	// The built change sits in qa_review until it is pushed and a PR exists.
	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusQAReview, nil); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	if err := f.branches.PushBranch(ctx, slug); err != nil {
		return f.fail(res, trig, "push branch", err)
	}
	res.Branch = gitx.BranchName(slug)

	pr, err := f.provider.CreatePR(ctx, hosting.PRCreateOptions{
		Title:  prTitle(res.SpecName),
		Body:   f.prBody(trig, res),
		Head:   res.Branch,
		Base:   f.opts.BaseBranch,
		Labels: f.opts.PRLabels,
	})
	if err != nil {
		return f.fail(res, trig, "create PR", err)
	}
	res.PRNumber = pr.Number
	res.PRURL = pr.HTMLURL
	f.auditEvent("autofix.pr_created", trig, audit.ResultSuccess, map[string]any{
		"pr_number": pr.Number, "branch": res.Branch,
	})

	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusPRCreated, func(b *batch.Batch) {
			b.PRNumber = pr.Number
		}); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	f.recordPrediction(trig, pr.Number)

	state, err := f.reviews.Run(ctx, pr.Number)
	if err != nil {
		return f.fail(res, trig, "review orchestration", err)
	}
	res.Review = state

	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusCompleted, nil); err != nil {
			return f.fail(res, trig, "advance batch", err)
		}
	}

	res.Status = StatusCompleted
	res.Reason = fmt.Sprintf("review stopped at %s", state.Status)
	return res, nil
}

// waitForGrace sleeps until the grace period expires or is cancelled,
// re-sampling the entry from disk so a cancellation landing mid-window is
// seen. Returns whether the window was cancelled and by whom.
func (f *Flow) waitForGrace(ctx context.Context, trig Trigger, gp *override.GracePeriod) (bool, string, error) {
	for {
		entry, err := f.overrides.GracePeriodFor(trig.IssueNumber)
		if err != nil {
			return false, "", err
		}
		if entry == nil {
			entry = gp
		}
		if entry.Cancelled {
			return true, entry.CancelledBy, nil
		}
		now := f.now().UTC()
		if entry.Expired(now) {
			return false, "", nil
		}
		wait := entry.ExpiresAt.Sub(now)
		if wait > f.opts.PollInterval {
			wait = f.opts.PollInterval
		}
		if err := f.sleep(ctx, wait); err != nil {
			return false, "", err
		}
	}
}

// recordCancellation appends a cancel_autofix override unless the command
// handler already did.
func (f *Flow) recordCancellation(trig Trigger, by string) {
	last, err := f.overrides.LatestFor(trig.IssueNumber, 0)
	if err == nil && last != nil && last.Type == override.TypeCancelAutofix {
		return
	}
	if _, err := f.overrides.RecordOverride(override.Record{
		Type:          override.TypeCancelAutofix,
		Actor:         by,
		IssueNumber:   trig.IssueNumber,
		OriginalState: "autofix_pending",
		NewState:      "autofix_cancelled",
	}); err != nil {
		f.logger.Warn("cancel override not recorded", "issue", trig.IssueNumber, "error", err)
	}
	if trig.BatchID != "" {
		if _, err := f.batches.Transition(trig.BatchID, batch.StatusFailed, func(b *batch.Batch) {
			b.Error = "cancelled during grace period"
		}); err != nil {
			f.logger.Warn("batch not marked cancelled", "batch", trig.BatchID, "error", err)
		}
	}
}

// synthesizeTask turns the trigger into a task statement and branch slug. A
// batch trigger folds every member issue in; a plain trigger uses the issue
// title and body.
func (f *Flow) synthesizeTask(ctx context.Context, trig Trigger) (task, slug string, err error) {
	if trig.BatchID != "" {
		b, err := f.batches.Get(trig.BatchID)
		if err != nil {
			return "", "", err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Fix the following related issues (%s):\n", b.Theme)
		for _, n := range b.IssueNumbers {
			issue, err := f.provider.GetIssue(ctx, n)
			if err != nil {
				return "", "", err
			}
			fmt.Fprintf(&sb, "\n## #%d: %s\n%s\n", issue.Number, issue.Title, issue.Body)
		}
		return sb.String(), Slugify("batch-" + b.Theme), nil
	}

	issue, err := f.provider.GetIssue(ctx, trig.IssueNumber)
	if err != nil {
		return "", "", err
	}
	task = fmt.Sprintf("Fix issue #%d: %s\n\n%s", issue.Number, issue.Title, issue.Body)
	return task, Slugify(fmt.Sprintf("issue-%d-%s", issue.Number, issue.Title)), nil
}

// askForApproval posts the gating instruction on the issue. Best-effort: the
// gated state is already durable in the spec directory.
func (f *Flow) askForApproval(ctx context.Context, trig Trigger, specName string) {
	body := fmt.Sprintf("Plan for `%s` is ready for review. Comment `/approve` to continue or `/reject` to stop.", specName)
	if _, err := f.provider.CreateIssueComment(ctx, trig.IssueNumber, body); err != nil {
		f.logger.Warn("approval request comment failed", "issue", trig.IssueNumber, "error", err)
	}
}

// recordPrediction logs the implicit autofix-will-work claim so accuracy is
// measurable once the PR settles. Best-effort.
func (f *Flow) recordPrediction(trig Trigger, prNumber int) {
	if f.outcomes == nil {
		return
	}
	if _, err := f.outcomes.Record(learning.Outcome{
		Type:        learning.PredAutofixWillWork,
		PRNumber:    prNumber,
		IssueNumber: trig.IssueNumber,
	}); err != nil {
		f.logger.Warn("prediction not recorded", "pr", prNumber, "error", err)
	}
}

func (f *Flow) fail(res *Result, trig Trigger, step string, err error) (*Result, error) {
	res.Status = StatusFailed
	res.Reason = step
	res.Err = err
	f.auditEvent("autofix.failed", trig, audit.ResultFailure, map[string]any{
		"step": step, "error": err.Error(),
	})
	if trig.BatchID != "" && f.batches != nil {
		if _, berr := f.batches.Transition(trig.BatchID, batch.StatusFailed, func(b *batch.Batch) {
			b.Error = fmt.Sprintf("%s: %v", step, err)
		}); berr != nil {
			f.logger.Warn("batch not marked failed", "batch", trig.BatchID, "error", berr)
		}
	}
	return res, fmt.Errorf("%s: %w", step, err)
}

func (f *Flow) auditEvent(action string, trig Trigger, result audit.Result, details map[string]any) {
	if f.auditLog == nil {
		return
	}
	f.auditLog.Append(audit.Entry{
		Action:      action,
		ActorType:   audit.ActorAutomation,
		Actor:       trig.Actor,
		IssueNumber: trig.IssueNumber,
		Result:      result,
		Details:     details,
	})
}

func (f *Flow) prBody(trig Trigger, res *Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated fix generated from spec `%s`.\n", res.SpecName)
	if trig.BatchID != "" {
		if b, err := f.batches.Get(trig.BatchID); err == nil {
			for _, n := range b.IssueNumbers {
				fmt.Fprintf(&sb, "\nCloses #%d", n)
			}
			return sb.String()
		}
	}
	fmt.Fprintf(&sb, "\nCloses #%d", trig.IssueNumber)
	return sb.String()
}

func prTitle(specName string) string {
	base := specName
	if i := strings.IndexByte(base, '-'); i >= 0 && i+1 < len(base) {
		base = base[i+1:]
	}
	return "Auto-fix: " + strings.ReplaceAll(base, "-", " ")
}

func specBase(specDir string) string {
	if i := strings.LastIndexByte(specDir, '/'); i >= 0 {
		return specDir[i+1:]
	}
	return specDir
}

// maxSlugLen bounds branch and spec directory names.
const maxSlugLen = 48

// Slugify lowercases s and collapses anything that is not a letter or digit
// into single hyphens, bounded to maxSlugLen.
func Slugify(s string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		default:
			if !hyphen && b.Len() > 0 {
				b.WriteByte('-')
				hyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
