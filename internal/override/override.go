// Package override lets humans countermand the automation: grace periods
// that delay automation after a trigger, and slash-command overrides recorded
// in an append-only ledger. Automation reads the ledger, never the comment
// stream.
package override

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/autoclaude/autoclaude/internal/audit"
	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// Type classifies an override record.
type Type string

const (
	TypeCancelAutofix   Type = "cancel_autofix"
	TypeNotSpam         Type = "not_spam"
	TypeNotDuplicate    Type = "not_duplicate"
	TypeNotFeatureCreep Type = "not_feature_creep"
	TypeUndoLast        Type = "undo_last"
	TypeForceRetry      Type = "force_retry"
	TypeSkipReview      Type = "skip_review"
	TypeApproveSpec     Type = "approve_spec"
	TypeRejectSpec      Type = "reject_spec"
)

// Record is one ledger entry. Records are never mutated in place; an undo is
// expressed as a new record linking back via UndoesID.
type Record struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Actor         string         `json:"actor"`
	IssueNumber   int            `json:"issue_number,omitempty"`
	PRNumber      int            `json:"pr_number,omitempty"`
	OriginalState string         `json:"original_state,omitempty"`
	NewState      string         `json:"new_state,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	UndoesID      string         `json:"undoes_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// GracePeriod is the cancellation window after an automation trigger.
type GracePeriod struct {
	IssueNumber  int       `json:"issue_number"`
	TriggerLabel string    `json:"trigger_label"`
	Actor        string    `json:"actor"`
	TriggeredAt  time.Time `json:"triggered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Cancelled    bool      `json:"cancelled"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	CancelledAt  time.Time `json:"cancelled_at,omitempty"`
}

// Valid reports whether automation may proceed past this entry at time now.
func (g *GracePeriod) Valid(now time.Time) bool {
	return !g.Cancelled && now.Before(g.ExpiresAt)
}

// Expired reports whether the window has passed.
func (g *GracePeriod) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Options configures a Manager.
type Options struct {
	// Window is the grace-period length.
	Window time.Duration
	// HistoryCap bounds the ledger; oldest entries drop first.
	HistoryCap int
	// LockTimeout bounds state-file lock waits.
	LockTimeout time.Duration
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{
		Window:      15 * time.Minute,
		HistoryCap:  1000,
		LockTimeout: 5 * time.Second,
	}
}

// Manager owns the grace-period file and the override ledger for one repo.
type Manager struct {
	paths  config.Paths
	opts   Options
	audit  *audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// New creates a manager for one repository root. auditLog may be nil.
func New(root string, auditLog *audit.Logger, opts Options) *Manager {
	if opts.Window == 0 {
		opts.Window = DefaultOptions().Window
	}
	if opts.HistoryCap == 0 {
		opts.HistoryCap = DefaultOptions().HistoryCap
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	return &Manager{
		paths:  config.NewPaths(root),
		opts:   opts,
		audit:  auditLog,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// graceState is the persisted grace-period file, keyed by issue number in
// decimal.
type graceState struct {
	Periods map[string]*GracePeriod `json:"periods"`
}

// StartGracePeriod opens a cancellation window for an issue. A cancelled
// entry still inside its window is never revived: the cancelled entry is
// returned unchanged. An expired entry is replaced by a fresh window.
func (m *Manager) StartGracePeriod(issue int, triggerLabel, actor string) (*GracePeriod, error) {
	key := strconv.Itoa(issue)
	var result *GracePeriod
	err := lockfile.LockedJSONUpdate(m.paths.GracePeriodsFile(), m.opts.LockTimeout,
		func(current []byte) (any, error) {
			state := m.decodeGrace(current)
			now := m.now().UTC()

			if existing, ok := state.Periods[key]; ok && !existing.Expired(now) {
				// Active or cancelled-but-unexpired: keep as-is.
				result = existing
				return nil, nil
			}

			entry := &GracePeriod{
				IssueNumber:  issue,
				TriggerLabel: triggerLabel,
				Actor:        actor,
				TriggeredAt:  now,
				ExpiresAt:    now.Add(m.opts.Window),
			}
			state.Periods[key] = entry
			result = entry
			return state, nil
		})
	if err != nil {
		return nil, fmt.Errorf("start grace period for issue %d: %w", issue, err)
	}
	m.auditEvent("grace_period.start", actor, issue, 0, audit.ResultStarted, map[string]any{
		"trigger_label": triggerLabel,
		"expires_at":    result.ExpiresAt,
	})
	return result, nil
}

// CancelGracePeriod marks the issue's window cancelled. Cancellation inside
// the window is irrevocable; cancelling an expired or missing window fails.
func (m *Manager) CancelGracePeriod(issue int, actor string) (*GracePeriod, error) {
	key := strconv.Itoa(issue)
	var result *GracePeriod
	err := lockfile.LockedJSONUpdate(m.paths.GracePeriodsFile(), m.opts.LockTimeout,
		func(current []byte) (any, error) {
			state := m.decodeGrace(current)
			now := m.now().UTC()

			entry, ok := state.Periods[key]
			if !ok {
				return nil, fmt.Errorf("no grace period for issue %d", issue)
			}
			if entry.Expired(now) {
				return nil, fmt.Errorf("grace period for issue %d expired at %s", issue, entry.ExpiresAt.Format(time.RFC3339))
			}
			if entry.Cancelled {
				result = entry
				return nil, nil
			}
			entry.Cancelled = true
			entry.CancelledBy = actor
			entry.CancelledAt = now
			result = entry
			return state, nil
		})
	if err != nil {
		return nil, err
	}
	m.auditEvent("grace_period.cancel", actor, issue, 0, audit.ResultSuccess, nil)
	return result, nil
}

// GracePeriodFor returns the current entry for an issue, or nil.
func (m *Manager) GracePeriodFor(issue int) (*GracePeriod, error) {
	state := &graceState{}
	if _, err := lockfile.ReadJSON(m.paths.GracePeriodsFile(), m.opts.LockTimeout, state); err != nil {
		return nil, err
	}
	return state.Periods[strconv.Itoa(issue)], nil
}

// CanProceed reports whether automation for the issue may run now: the grace
// period must exist, be uncancelled, and be past its expiry.
func (m *Manager) CanProceed(issue int) (bool, string, error) {
	entry, err := m.GracePeriodFor(issue)
	if err != nil {
		return false, "", err
	}
	if entry == nil {
		return false, "no grace period recorded", nil
	}
	now := m.now().UTC()
	if entry.Cancelled {
		return false, fmt.Sprintf("cancelled by %s", entry.CancelledBy), nil
	}
	if !entry.Expired(now) {
		return false, fmt.Sprintf("grace period active until %s", entry.ExpiresAt.Format(time.RFC3339)), nil
	}
	return true, "grace period expired without cancellation", nil
}

// historyState is the persisted ledger file.
type historyState struct {
	Records []Record `json:"records"`
}

// RecordOverride appends a record to the ledger, enforcing the FIFO cap, and
// emits an audit event. The stored record (with generated ID and timestamp)
// is returned.
func (m *Manager) RecordOverride(rec Record) (*Record, error) {
	rec.ID = uuid.NewString()
	rec.Timestamp = m.now().UTC()

	err := lockfile.LockedJSONUpdate(m.paths.OverrideHistoryFile(), m.opts.LockTimeout,
		func(current []byte) (any, error) {
			state := m.decodeHistory(current)
			state.Records = append(state.Records, rec)
			if over := len(state.Records) - m.opts.HistoryCap; over > 0 {
				state.Records = state.Records[over:]
			}
			return state, nil
		})
	if err != nil {
		return nil, fmt.Errorf("record override %s: %w", rec.Type, err)
	}
	m.auditEvent("override."+string(rec.Type), rec.Actor, rec.IssueNumber, rec.PRNumber,
		audit.ResultSuccess, map[string]any{
			"override_id":    rec.ID,
			"original_state": rec.OriginalState,
			"new_state":      rec.NewState,
			"undoes_id":      rec.UndoesID,
		})
	return &rec, nil
}

// UndoLast inverts the most recent override touching the given issue/PR: a
// new record is appended with original and new state swapped, linked to the
// inverted entry. The ledger itself is never rewritten.
func (m *Manager) UndoLast(issue, pr int, actor string) (*Record, error) {
	last, err := m.LatestFor(issue, pr)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("no override to undo for issue %d / PR %d", issue, pr)
	}
	if last.Type == TypeUndoLast {
		return nil, fmt.Errorf("most recent override %s is itself an undo", last.ID)
	}
	return m.RecordOverride(Record{
		Type:          TypeUndoLast,
		Actor:         actor,
		IssueNumber:   last.IssueNumber,
		PRNumber:      last.PRNumber,
		OriginalState: last.NewState,
		NewState:      last.OriginalState,
		UndoesID:      last.ID,
	})
}

// LatestFor returns the newest ledger record matching the issue/PR refs, or
// nil. A zero ref is a wildcard on that axis.
func (m *Manager) LatestFor(issue, pr int) (*Record, error) {
	records, err := m.History(0)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if issue != 0 && r.IssueNumber != issue {
			continue
		}
		if pr != 0 && r.PRNumber != pr {
			continue
		}
		return &r, nil
	}
	return nil, nil
}

// History returns ledger records oldest-first. limit > 0 keeps only the most
// recent limit entries.
func (m *Manager) History(limit int) ([]Record, error) {
	state := &historyState{}
	if _, err := lockfile.ReadJSON(m.paths.OverrideHistoryFile(), m.opts.LockTimeout, state); err != nil {
		return nil, err
	}
	records := state.Records
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (m *Manager) decodeGrace(current []byte) *graceState {
	state := &graceState{Periods: map[string]*GracePeriod{}}
	if current != nil {
		if err := json.Unmarshal(current, state); err != nil {
			m.logger.Warn("grace period state unreadable, resetting", "error", err)
			state = &graceState{Periods: map[string]*GracePeriod{}}
		}
	}
	if state.Periods == nil {
		state.Periods = map[string]*GracePeriod{}
	}
	return state
}

func (m *Manager) decodeHistory(current []byte) *historyState {
	state := &historyState{}
	if current != nil {
		if err := json.Unmarshal(current, state); err != nil {
			m.logger.Warn("override history unreadable, resetting", "error", err)
			state = &historyState{}
		}
	}
	return state
}

func (m *Manager) auditEvent(action, actor string, issue, pr int, result audit.Result, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Append(audit.Entry{
		Action:      action,
		ActorType:   audit.ActorUser,
		Actor:       actor,
		IssueNumber: issue,
		PRNumber:    pr,
		Result:      result,
		Details:     details,
	})
}
