// Package checkwait polls a PR until every CI check has concluded and every
// expected bot has responded, or a timeout, cancellation, force-push, or PR
// closure ends the wait. Bot responses are informational: their timeout never
// fails the wait.
package checkwait

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/retry"
)

// CheckState classifies one CI check or bot at a point in time.
type CheckState string

const (
	CheckPassed   CheckState = "passed"
	CheckFailed   CheckState = "failed"
	CheckPending  CheckState = "pending"
	CheckRunning  CheckState = "running"
	CheckSkipped  CheckState = "skipped"
	CheckTimedOut CheckState = "timed_out"
	CheckUnknown  CheckState = "unknown"
)

// Terminal reports whether the state will not change without a new commit.
func (s CheckState) Terminal() bool {
	switch s {
	case CheckPassed, CheckFailed, CheckSkipped, CheckTimedOut:
		return true
	}
	return false
}

// Status is the wait's final outcome.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusCIFailed    Status = "ci_failed"
	StatusCITimeout   Status = "ci_timeout"
	StatusCancelled   Status = "cancelled"
	StatusCircuitOpen Status = "circuit_open"
	StatusPRClosed    Status = "pr_closed"
	StatusPRMerged    Status = "pr_merged"
	StatusForcePush   Status = "force_push"
	StatusError       Status = "error"
)

// Snapshot is the last observed state of one check.
type Snapshot struct {
	Name       string     `json:"name"`
	State      CheckState `json:"state"`
	Conclusion string     `json:"conclusion,omitempty"`
}

// BotSnapshot is the last observed state of one expected bot.
type BotSnapshot struct {
	Login string     `json:"login"`
	State CheckState `json:"state"`
}

// Result bundles the wait outcome.
type Result struct {
	Status          Status        `json:"status"`
	Checks          []Snapshot    `json:"checks"`
	Bots            []BotSnapshot `json:"bots"`
	Failures        []string      `json:"failures,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
	Polls           int           `json:"polls"`
	HeadSHA         string        `json:"head_sha"`
	OldHeadSHA      string        `json:"old_head_sha,omitempty"`
	PRState         string        `json:"pr_state"`
	BotWaitTimedOut bool          `json:"bot_wait_timed_out,omitempty"`
	Err             string        `json:"error,omitempty"`
}

// Options configures a Waiter.
type Options struct {
	CITimeout        time.Duration
	BotTimeout       time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	// ExpectedBots are account logins whose comment concludes their wait.
	ExpectedBots []string
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{
		CITimeout:        30 * time.Minute,
		BotTimeout:       15 * time.Minute,
		BackoffBase:      15 * time.Second,
		BackoffCap:       120 * time.Second,
		BreakerThreshold: 3,
		BreakerReset:     5 * time.Minute,
	}
}

// Waiter polls one PR. A Waiter is single-use; Cancel may be called from any
// goroutine.
type Waiter struct {
	provider hosting.Provider
	opts     Options
	breaker  *retry.Breaker
	logger   *slog.Logger

	cancelled atomic.Bool
	cancelCh  chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a waiter. Zero option fields take defaults.
func New(provider hosting.Provider, opts Options) *Waiter {
	def := DefaultOptions()
	if opts.CITimeout == 0 {
		opts.CITimeout = def.CITimeout
	}
	if opts.BotTimeout == 0 {
		opts.BotTimeout = def.BotTimeout
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = def.BackoffCap
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerReset == 0 {
		opts.BreakerReset = def.BreakerReset
	}
	w := &Waiter{
		provider: provider,
		opts:     opts,
		breaker:  retry.NewBreaker(opts.BreakerThreshold, opts.BreakerReset),
		logger:   slog.Default(),
		cancelCh: make(chan struct{}),
		now:      time.Now,
	}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.cancelCh:
			return context.Canceled
		case <-time.After(d):
			return nil
		}
	}
	return w
}

// Cancel ends the wait, waking any in-progress backoff sleep. Idempotent.
func (w *Waiter) Cancel() {
	if w.cancelled.CompareAndSwap(false, true) {
		close(w.cancelCh)
	}
}

// Wait polls until done. initialSHA is the head commit the caller last acted
// on; a different head mid-wait means a force push.
func (w *Waiter) Wait(ctx context.Context, prNumber int, initialSHA string) (*Result, error) {
	start := w.now()
	result := &Result{HeadSHA: initialSHA}
	var botWaitStart time.Time

	finish := func(status Status) (*Result, error) {
		result.Status = status
		result.Elapsed = w.now().Sub(start)
		return result, nil
	}

	for attempt := 0; ; attempt++ {
		if w.cancelled.Load() || ctx.Err() != nil {
			return finish(StatusCancelled)
		}

		// The CI timeout governs only while CI is unresolved. Once checks have
		// concluded and bots are the only thing outstanding, the bot window
		// below is the sole clock.
		if botWaitStart.IsZero() && w.now().Sub(start) > w.opts.CITimeout {
			result.Failures = append(result.Failures,
				fmt.Sprintf("CI did not conclude within %s", w.opts.CITimeout))
			return finish(StatusCITimeout)
		}
		if !botWaitStart.IsZero() && w.now().Sub(botWaitStart) > w.opts.BotTimeout {
			// Informational only: record and stop waiting for bots.
			w.logger.Warn("expected bots did not respond in time", "pr", prNumber, "timeout", w.opts.BotTimeout)
			result.BotWaitTimedOut = true
		}

		pr, comments, err := w.fetch(ctx, prNumber, start)
		if err != nil {
			if open := w.breaker.RecordFailure(); open {
				result.Err = err.Error()
				return finish(StatusCircuitOpen)
			}
			w.logger.Warn("poll failed", "pr", prNumber, "error", err)
			if serr := w.backoff(ctx, attempt); serr != nil {
				return finish(StatusCancelled)
			}
			continue
		}
		w.breaker.RecordSuccess()
		result.Polls++
		result.PRState = pr.State
		result.HeadSHA = pr.HeadSHA

		if pr.Merged {
			return finish(StatusPRMerged)
		}
		if pr.State == "closed" {
			return finish(StatusPRClosed)
		}
		if initialSHA != "" && pr.HeadSHA != initialSHA {
			result.OldHeadSHA = initialSHA
			return finish(StatusForcePush)
		}

		checks, failures, err := w.classifyChecks(ctx, pr.HeadSHA)
		if err != nil {
			if open := w.breaker.RecordFailure(); open {
				result.Err = err.Error()
				return finish(StatusCircuitOpen)
			}
			if serr := w.backoff(ctx, attempt); serr != nil {
				return finish(StatusCancelled)
			}
			continue
		}
		result.Checks = checks
		result.Failures = failures

		ciDone := true
		for _, c := range checks {
			if !c.State.Terminal() {
				ciDone = false
				break
			}
		}

		if ciDone && len(failures) > 0 {
			return finish(StatusCIFailed)
		}

		if ciDone && botWaitStart.IsZero() {
			botWaitStart = w.now()
		}

		result.Bots = classifyBots(w.opts.ExpectedBots, comments)
		botsDone := result.BotWaitTimedOut || allBotsResponded(result.Bots)

		if ciDone && botsDone {
			return finish(StatusSuccess)
		}

		if err := w.backoff(ctx, attempt); err != nil {
			return finish(StatusCancelled)
		}
	}
}

// fetch pulls PR and comments behind the circuit breaker.
func (w *Waiter) fetch(ctx context.Context, prNumber int, since time.Time) (*hosting.PR, []hosting.Comment, error) {
	if err := w.breaker.Allow(); err != nil {
		return nil, nil, err
	}
	pr, err := w.provider.GetPR(ctx, prNumber)
	if err != nil {
		return nil, nil, err
	}
	var comments []hosting.Comment
	if len(w.opts.ExpectedBots) > 0 {
		comments, err = w.provider.ListPRComments(ctx, prNumber, since)
		if err != nil {
			return nil, nil, err
		}
	}
	return pr, comments, nil
}

// classifyChecks merges check runs and legacy commit statuses for one ref.
// The two GitHub APIs disagree on vocabulary; both land in CheckState.
func (w *Waiter) classifyChecks(ctx context.Context, sha string) ([]Snapshot, []string, error) {
	runs, err := w.provider.GetCheckRuns(ctx, sha)
	if err != nil {
		return nil, nil, err
	}
	statuses, err := w.provider.GetCommitStatuses(ctx, sha)
	if err != nil {
		return nil, nil, err
	}

	var snaps []Snapshot
	var failures []string
	seen := map[string]bool{}

	for _, run := range runs {
		s := Snapshot{Name: run.Name, State: classifyCheckRun(run), Conclusion: run.Conclusion}
		snaps = append(snaps, s)
		seen[run.Name] = true
		if s.State == CheckFailed || s.State == CheckTimedOut {
			failures = append(failures, fmt.Sprintf("%s: %s", run.Name, run.Conclusion))
		}
	}
	for _, st := range statuses {
		if seen[st.Context] {
			continue
		}
		s := Snapshot{Name: st.Context, State: classifyCommitStatus(st), Conclusion: st.State}
		snaps = append(snaps, s)
		if s.State == CheckFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", st.Context, st.State))
		}
	}
	return snaps, failures, nil
}

// classifyCheckRun maps the checks API's status/conclusion pair.
func classifyCheckRun(run hosting.CheckRun) CheckState {
	switch run.Status {
	case "queued":
		return CheckPending
	case "in_progress":
		return CheckRunning
	case "completed":
		switch run.Conclusion {
		case "success", "neutral":
			return CheckPassed
		case "skipped":
			return CheckSkipped
		case "timed_out":
			return CheckTimedOut
		case "failure", "cancelled", "action_required", "stale":
			return CheckFailed
		default:
			return CheckUnknown
		}
	default:
		return CheckUnknown
	}
}

// classifyCommitStatus maps the legacy status API's single state field.
func classifyCommitStatus(st hosting.CommitStatus) CheckState {
	switch st.State {
	case "success":
		return CheckPassed
	case "failure", "error":
		return CheckFailed
	case "pending":
		return CheckPending
	default:
		return CheckUnknown
	}
}

// classifyBots marks each expected bot passed once it has commented.
func classifyBots(expected []string, comments []hosting.Comment) []BotSnapshot {
	out := make([]BotSnapshot, 0, len(expected))
	for _, login := range expected {
		state := CheckPending
		for _, c := range comments {
			if c.Author.Login == login {
				state = CheckPassed
				break
			}
		}
		out = append(out, BotSnapshot{Login: login, State: state})
	}
	return out
}

func allBotsResponded(bots []BotSnapshot) bool {
	for _, b := range bots {
		if b.State != CheckPassed {
			return false
		}
	}
	return true
}

// backoff sleeps min(base*2^attempt, cap), honouring ctx.
func (w *Waiter) backoff(ctx context.Context, attempt int) error {
	d := w.opts.BackoffBase << attempt
	if d > w.opts.BackoffCap || d <= 0 {
		d = w.opts.BackoffCap
	}
	return w.sleep(ctx, d)
}
