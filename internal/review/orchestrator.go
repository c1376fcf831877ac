// Package review drives the automated PR review loop: wait for checks,
// review, fix, and around again, bounded by an iteration budget and a
// process-wide concurrency ceiling. The loop never merges; ready_to_merge is
// where the automation stops and a human takes over.
package review

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/autoclaude/autoclaude/internal/audit"
	"github.com/autoclaude/autoclaude/internal/botdetect"
	"github.com/autoclaude/autoclaude/internal/checkwait"
	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/hosting"
)

// Reviewer produces findings for the current head of a PR.
type Reviewer interface {
	Review(ctx context.Context, pr *hosting.PR) ([]Finding, error)
}

// Fixer applies fixes for pending findings, committing and pushing them.
// It returns the fixes actually applied; an empty slice means nothing was
// applicable.
type Fixer interface {
	Fix(ctx context.Context, pr *hosting.PR, findings []Finding) ([]Fix, error)
}

// Authorizer gates review actions on the acting user.
type Authorizer interface {
	Authorize(actor string) error
}

// Whitelist authorizes listed logins only. An empty list denies everyone.
type Whitelist struct {
	Users []string
}

func (w Whitelist) Authorize(actor string) error {
	for _, u := range w.Users {
		if u == actor {
			return nil
		}
	}
	return errors.ErrNotAuthorized(actor)
}

// BotDetector is the slice of the bot detector the loop needs.
type BotDetector interface {
	ShouldSkipPRReview(ctx context.Context, pr *hosting.PR) (*botdetect.Decision, error)
	RecordReview(prNumber int, sha string) error
}

// waiter abstracts checkwait for tests.
type waiter interface {
	Wait(ctx context.Context, prNumber int, initialSHA string) (*checkwait.Result, error)
}

// errCoolingOff ends a Run pass cleanly when the bot detector vetoes the next
// review.
var errCoolingOff = stderrors.New("review cooling off")

// Options configures the orchestrator.
type Options struct {
	// MaxConcurrent bounds simultaneous orchestrations (default 3).
	MaxConcurrent int64
	// MaxIterations bounds review/fix rounds per PR (default 5).
	MaxIterations int
	// FailureThreshold is the consecutive-failure count that fails the
	// orchestration (default 3).
	FailureThreshold int
	// Wait configures each check wait.
	Wait checkwait.Options
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    3,
		MaxIterations:    5,
		FailureThreshold: 3,
		Wait:             checkwait.DefaultOptions(),
	}
}

// Orchestrator runs review loops for one repository.
type Orchestrator struct {
	provider hosting.Provider
	store    *Store
	reviewer Reviewer
	fixer    Fixer
	auth     Authorizer
	bots     BotDetector
	auditLog *audit.Logger
	opts     Options
	sem      *semaphore.Weighted
	logger   *slog.Logger

	newWaiter func() waiter
	now       func() time.Time
}

// New creates an orchestrator. auditLog may be nil.
func New(provider hosting.Provider, store *Store, reviewer Reviewer, fixer Fixer,
	auth Authorizer, bots BotDetector, auditLog *audit.Logger, opts Options) *Orchestrator {

	def := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	o := &Orchestrator{
		provider: provider,
		store:    store,
		reviewer: reviewer,
		fixer:    fixer,
		auth:     auth,
		bots:     bots,
		auditLog: auditLog,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		logger:   slog.Default(),
		now:      time.Now,
	}
	o.newWaiter = func() waiter { return checkwait.New(provider, opts.Wait) }
	return o
}

// Run drives one PR to a stopping point. It acquires one slot of the
// process-wide semaphore for the duration; the deferred release holds even
// when a step panics or fails.
func (o *Orchestrator) Run(ctx context.Context, prNumber int) (*PRState, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)

	state, err := o.loadOrCreate(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return state, nil
	}

	pr, err := o.provider.GetPR(ctx, prNumber)
	if err != nil {
		return state, err
	}

	if state.Status == StatePending {
		if err := o.authorize(state, pr.Author.Login); err != nil {
			return state, err
		}
		if err := o.transition(state, StateAwaiting, "authorized, awaiting checks"); err != nil {
			return state, err
		}
	}

	for !state.Status.Terminal() {
		if fresh, err := o.store.Load(prNumber); err == nil && fresh != nil && fresh.CancelRequested {
			state.CancelRequested = true
		}
		if state.CancelRequested || ctx.Err() != nil {
			return state, o.transition(state, StateCancelled, "cancellation requested")
		}
		if state.CurrentIteration >= state.MaxIterations {
			return state, o.transition(state, StateMaxIterations,
				fmt.Sprintf("iteration budget of %d exhausted", state.MaxIterations))
		}

		var stepErr error
		switch state.Status {
		case StateAwaiting:
			stepErr = o.stepAwaiting(ctx, state)
		case StateReviewing:
			stepErr = o.stepReviewing(ctx, state)
		case StateFixing:
			stepErr = o.stepFixing(ctx, state)
		default:
			return state, fmt.Errorf("unexpected review state %q", state.Status)
		}

		if stderrors.Is(stepErr, errCoolingOff) {
			// Bot-authored work at the boundary: end this pass without
			// consuming budget; a later trigger resumes from disk.
			return state, nil
		}
		if stepErr != nil {
			state.ErrorCount++
			state.ConsecutiveFailures++
			o.logger.Warn("review step failed", "pr", prNumber, "state", state.Status,
				"consecutive", state.ConsecutiveFailures, "error", stepErr)
			if state.ConsecutiveFailures >= o.opts.FailureThreshold {
				return state, o.transition(state, StateFailed,
					fmt.Sprintf("%d consecutive failures: %v", state.ConsecutiveFailures, stepErr))
			}
			if err := o.store.Save(state); err != nil {
				return state, err
			}
			continue
		}
		state.ConsecutiveFailures = 0
		if err := o.store.Save(state); err != nil {
			return state, err
		}
	}
	return state, nil
}

// Cancel requests cancellation for a PR orchestration.
func (o *Orchestrator) Cancel(prNumber int) error {
	return o.store.RequestCancel(prNumber)
}

// loadOrCreate resumes a non-terminal state or starts fresh.
func (o *Orchestrator) loadOrCreate(ctx context.Context, prNumber int) (*PRState, error) {
	state, err := o.store.Load(prNumber)
	if err != nil {
		return nil, err
	}
	if state != nil && !state.Status.Terminal() {
		o.logger.Info("resuming review", "pr", prNumber,
			"state", state.Status, "iteration", state.CurrentIteration)
		return state, nil
	}
	if state != nil {
		return state, nil
	}

	pr, err := o.provider.GetPR(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	owner, repo := o.provider.OwnerRepo()
	state = &PRState{
		Repo:             owner + "/" + repo,
		PRNumber:         prNumber,
		Status:           StatePending,
		MaxIterations:    o.opts.MaxIterations,
		LastKnownHeadSHA: pr.HeadSHA,
		CreatedAt:        o.now().UTC(),
	}
	return state, o.store.Save(state)
}

// stepAwaiting waits out CI and routes on the waiter's verdict.
func (o *Orchestrator) stepAwaiting(ctx context.Context, state *PRState) error {
	res, err := o.newWaiter().Wait(ctx, state.PRNumber, state.LastKnownHeadSHA)
	if err != nil {
		return err
	}

	switch res.Status {
	case checkwait.StatusSuccess:
		if state.ReviewedHeadSHA == res.HeadSHA && len(state.PendingFindings()) == 0 {
			return o.transition(state, StateReadyToMerge, "checks green, review clean")
		}
		return o.transition(state, StateReviewing, "checks green, review pending")

	case checkwait.StatusCIFailed:
		state.recordIterationCI(string(res.Status))
		return o.transition(state, StateFixing,
			fmt.Sprintf("CI failed: %d failing checks", len(res.Failures)))

	case checkwait.StatusPRMerged:
		return o.transition(state, StateCompleted, "PR merged externally")
	case checkwait.StatusPRClosed:
		return o.transition(state, StateCompleted, "PR closed externally")

	case checkwait.StatusForcePush:
		// A new head restarts the wait without consuming the budget.
		state.LastKnownHeadSHA = res.HeadSHA
		o.logger.Info("force push detected, restarting checks",
			"pr", state.PRNumber, "old", res.OldHeadSHA, "new", res.HeadSHA)
		return o.transition(state, StateAwaiting,
			fmt.Sprintf("force push %s → %s", short(res.OldHeadSHA), short(res.HeadSHA)))

	case checkwait.StatusCancelled:
		return o.transition(state, StateCancelled, "wait cancelled")

	default:
		// ci_timeout, circuit_open, error: operation failure, retried until
		// the consecutive-failure threshold trips.
		return fmt.Errorf("check wait ended with %s: %s", res.Status, res.Err)
	}
}

// stepReviewing runs the review agent once authorization and bot detection
// allow it.
func (o *Orchestrator) stepReviewing(ctx context.Context, state *PRState) error {
	pr, err := o.provider.GetPR(ctx, state.PRNumber)
	if err != nil {
		return err
	}
	if err := o.authorize(state, pr.Author.Login); err != nil {
		return err
	}
	if o.bots != nil {
		decision, err := o.bots.ShouldSkipPRReview(ctx, pr)
		if err != nil {
			return err
		}
		if decision.Skip {
			state.Reason = "review skipped: " + decision.Reason
			o.logger.Info("review skipped", "pr", state.PRNumber, "reason", decision.Reason)
			if err := o.store.Save(state); err != nil {
				return err
			}
			return errCoolingOff
		}
	}

	findings, err := o.reviewer.Review(ctx, pr)
	if err != nil {
		return err
	}
	state.ReviewedHeadSHA = pr.HeadSHA
	if o.bots != nil {
		if err := o.bots.RecordReview(state.PRNumber, pr.HeadSHA); err != nil {
			o.logger.Warn("record review failed", "pr", state.PRNumber, "error", err)
		}
	}

	if len(findings) == 0 {
		return o.transition(state, StateReadyToMerge, "review found nothing")
	}
	for i := range findings {
		if findings[i].ID == "" {
			findings[i].ID = uuid.NewString()[:8]
		}
		findings[i].Status = FindingPending
	}
	state.Findings = append(state.Findings, findings...)
	return o.transition(state, StateFixing, fmt.Sprintf("%d findings to fix", len(findings)))
}

// stepFixing applies fixes for pending findings and loops back to the check
// wait; an empty fix set means nothing applicable remains.
func (o *Orchestrator) stepFixing(ctx context.Context, state *PRState) error {
	pr, err := o.provider.GetPR(ctx, state.PRNumber)
	if err != nil {
		return err
	}
	pending := state.PendingFindings()
	started := o.now().UTC()

	// CI-failure-driven fixing arrives with no findings; the fixer then works
	// from the failing checks alone.
	fixes, err := o.fixer.Fix(ctx, pr, pending)
	if err != nil {
		return err
	}

	if len(fixes) == 0 {
		return o.transition(state, StateReadyToMerge, "no applicable fixes")
	}

	resolved := map[string]bool{}
	for i := range fixes {
		if fixes[i].FixID == "" {
			fixes[i].FixID = uuid.NewString()[:8]
		}
		fixes[i].AppliedAt = o.now().UTC()
		resolved[fixes[i].FindingID] = true
	}
	state.Fixes = append(state.Fixes, fixes...)
	for i := range state.Findings {
		if resolved[state.Findings[i].ID] {
			state.Findings[i].Status = FindingResolved
		}
	}

	state.CurrentIteration++
	state.Iterations = append(state.Iterations, Iteration{
		Number:        state.CurrentIteration,
		StartedAt:     started,
		CompletedAt:   o.now().UTC(),
		Status:        StateFixing,
		FindingsCount: len(pending),
		FixesApplied:  len(fixes),
	})

	// The fixer pushed; track the new head before waiting on it.
	if fresh, err := o.provider.GetPR(ctx, state.PRNumber); err == nil {
		state.LastKnownHeadSHA = fresh.HeadSHA
	}
	return o.transition(state, StateAwaiting,
		fmt.Sprintf("%d fixes pushed, awaiting checks", len(fixes)))
}

// authorize denies unauthorized actors, failing the orchestration and
// auditing the denial.
func (o *Orchestrator) authorize(state *PRState, actor string) error {
	if o.auth == nil {
		return nil
	}
	if err := o.auth.Authorize(actor); err != nil {
		o.auditEvent(state, "review.authorization", audit.ResultDenied, actor)
		if terr := o.transition(state, StateFailed, "authorization denied for "+actor); terr != nil {
			return terr
		}
		return err
	}
	return nil
}

// transition persists the new status before any further side effect.
func (o *Orchestrator) transition(state *PRState, to State, reason string) error {
	state.Status = to
	state.Reason = reason
	if err := o.store.Save(state); err != nil {
		return fmt.Errorf("persist transition to %s: %w", to, err)
	}
	if to.Terminal() {
		o.auditEvent(state, "review.state."+string(to), audit.ResultSuccess, "")
	}
	return nil
}

func (o *Orchestrator) auditEvent(state *PRState, action string, result audit.Result, actor string) {
	if o.auditLog == nil {
		return
	}
	o.auditLog.Append(audit.Entry{
		Action:    action,
		ActorType: audit.ActorAutomation,
		Actor:     actor,
		Repo:      state.Repo,
		PRNumber:  state.PRNumber,
		Result:    result,
		Details:   map[string]any{"reason": state.Reason, "iteration": state.CurrentIteration},
	})
}

// recordIterationCI notes the CI outcome on the most recent iteration record.
func (s *PRState) recordIterationCI(status string) {
	if len(s.Iterations) > 0 {
		s.Iterations[len(s.Iterations)-1].FinalCIStatus = status
	}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
