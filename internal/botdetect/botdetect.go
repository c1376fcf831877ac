// Package botdetect decides whether a PR event warrants a fresh automated
// review. It suppresses self-review, enforces a cooling-off window, and
// remembers which head commits were already reviewed.
package botdetect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// State is the persisted per-PR review memory, keyed by PR number rendered
// in decimal.
type State struct {
	ReviewedCommits map[string][]string  `json:"reviewed_commits"`
	LastReviewTimes map[string]time.Time `json:"last_review_times"`
}

func newState() *State {
	return &State{
		ReviewedCommits: map[string][]string{},
		LastReviewTimes: map[string]time.Time{},
	}
}

// Options configures a Detector.
type Options struct {
	// ReviewOwnPRs permits reviewing PRs the bot itself opened.
	ReviewOwnPRs bool
	// CoolingOff suppresses re-review of the same PR within the window.
	CoolingOff time.Duration
	// Retention prunes per-PR state older than this.
	Retention time.Duration
	// LockTimeout bounds state-file lock waits.
	LockTimeout time.Duration
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{
		CoolingOff:  time.Minute,
		Retention:   30 * 24 * time.Hour,
		LockTimeout: 5 * time.Second,
	}
}

// Detector implements the skip/review decision chain.
type Detector struct {
	provider hosting.Provider
	paths    config.Paths
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	identity *hosting.User
}

// New creates a detector for one repository root.
func New(provider hosting.Provider, root string, opts Options) *Detector {
	if opts.CoolingOff == 0 {
		opts.CoolingOff = DefaultOptions().CoolingOff
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	return &Detector{
		provider: provider,
		paths:    config.NewPaths(root),
		opts:     opts,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Identity returns the automation's own account, fetched once and cached.
func (d *Detector) Identity(ctx context.Context) (*hosting.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.identity != nil {
		return d.identity, nil
	}
	user, err := d.provider.AuthenticatedUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve bot identity: %w", err)
	}
	d.identity = user
	return user, nil
}

// Decision is the outcome of ShouldSkipPRReview.
type Decision struct {
	Skip   bool   `json:"skip"`
	Reason string `json:"reason"`
}

// ShouldSkipPRReview runs the decision chain for one PR event.
func (d *Detector) ShouldSkipPRReview(ctx context.Context, pr *hosting.PR) (*Decision, error) {
	identity, err := d.Identity(ctx)
	if err != nil {
		return nil, err
	}

	if !d.opts.ReviewOwnPRs && pr.Author.Login == identity.Login {
		return &Decision{Skip: true, Reason: "PR authored by the automation itself"}, nil
	}

	commits, err := d.provider.ListPRCommits(ctx, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("list commits for PR %d: %w", pr.Number, err)
	}
	if len(commits) > 0 {
		latest := commits[len(commits)-1]
		if latest.Author.Login == identity.Login {
			return &Decision{Skip: true, Reason: "latest commit is the automation's own fix"}, nil
		}
	}

	state, err := d.load()
	if err != nil {
		return nil, err
	}
	key := strconv.Itoa(pr.Number)

	if last, ok := state.LastReviewTimes[key]; ok {
		if since := d.now().Sub(last); since < d.opts.CoolingOff {
			return &Decision{Skip: true, Reason: fmt.Sprintf(
				"cooling off: last review %s ago", since.Round(time.Second))}, nil
		}
	}

	for _, sha := range state.ReviewedCommits[key] {
		if sha == pr.HeadSHA {
			return &Decision{Skip: true, Reason: "head commit already reviewed"}, nil
		}
	}

	return &Decision{Skip: false, Reason: "new commit awaiting review"}, nil
}

// RecordReview marks a head SHA as reviewed now.
func (d *Detector) RecordReview(prNumber int, sha string) error {
	key := strconv.Itoa(prNumber)
	return lockfile.LockedJSONUpdate(d.paths.BotDetectionStateFile(), d.opts.LockTimeout,
		func(current []byte) (any, error) {
			state := newState()
			if current != nil {
				if err := json.Unmarshal(current, state); err != nil {
					d.logger.Warn("bot detection state unreadable, resetting", "error", err)
					state = newState()
				}
			}
			for _, existing := range state.ReviewedCommits[key] {
				if existing == sha {
					return state, nil
				}
			}
			state.ReviewedCommits[key] = append(state.ReviewedCommits[key], sha)
			state.LastReviewTimes[key] = d.now().UTC()
			return state, nil
		})
}

// Prune drops per-PR entries whose last review is older than the retention
// window. Returns the number of PRs removed.
func (d *Detector) Prune() (int, error) {
	removed := 0
	err := lockfile.LockedJSONUpdate(d.paths.BotDetectionStateFile(), d.opts.LockTimeout,
		func(current []byte) (any, error) {
			if current == nil {
				return nil, nil
			}
			state := newState()
			if err := json.Unmarshal(current, state); err != nil {
				return nil, err
			}
			cutoff := d.now().Add(-d.opts.Retention)
			for key, last := range state.LastReviewTimes {
				if last.Before(cutoff) {
					delete(state.LastReviewTimes, key)
					delete(state.ReviewedCommits, key)
					removed++
				}
			}
			return state, nil
		})
	return removed, err
}

// load reads the state under a shared lock.
func (d *Detector) load() (*State, error) {
	state := newState()
	if _, err := lockfile.ReadJSON(d.paths.BotDetectionStateFile(), d.opts.LockTimeout, state); err != nil {
		return nil, err
	}
	if state.ReviewedCommits == nil {
		state.ReviewedCommits = map[string][]string{}
	}
	if state.LastReviewTimes == nil {
		state.LastReviewTimes = map[string]time.Time{}
	}
	return state, nil
}
