// Package learning keeps the prediction/outcome ledger: every user-facing
// automation prediction is recorded up front and resolved once reality is
// observable, so accuracy is measurable per repo, type, and time window.
package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// PredictionType classifies what the automation claimed.
type PredictionType string

const (
	PredReviewApprove        PredictionType = "review_approve"
	PredReviewRequestChanges PredictionType = "review_request_changes"
	PredTriageBug            PredictionType = "triage_bug"
	PredTriageFeature        PredictionType = "triage_feature"
	PredTriageSpam           PredictionType = "triage_spam"
	PredTriageDuplicate      PredictionType = "triage_duplicate"
	PredAutofixWillWork      PredictionType = "autofix_will_work"
	PredLabelApplied         PredictionType = "label_applied"
)

// Actual outcome values.
const (
	ActualMerged     = "merged"
	ActualClosed     = "closed"
	ActualModified   = "modified"
	ActualConfirmed  = "confirmed"
	ActualOverridden = "overridden"
)

// Outcome is one ledger record: prediction-side fields at creation,
// outcome-side fields filled in at resolution.
type Outcome struct {
	ID          string         `json:"id"`
	Repo        string         `json:"repo"`
	Type        PredictionType `json:"type"`
	PRNumber    int            `json:"pr_number,omitempty"`
	IssueNumber int            `json:"issue_number,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	// FileType, Category, and ChangeSize feed pattern detection.
	FileType    string    `json:"file_type,omitempty"`
	Category    string    `json:"category,omitempty"`
	ChangeSize  string    `json:"change_size,omitempty"`
	PredictedAt time.Time `json:"predicted_at"`

	Actual     string     `json:"actual,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	WasCorrect *bool      `json:"was_correct,omitempty"`
	// TimeToMerge is set when the outcome is a merge.
	TimeToMerge time.Duration `json:"time_to_merge,omitempty"`
}

// Resolved reports whether the outcome side has been filled in.
func (o *Outcome) Resolved() bool { return o.ResolvedAt != nil }

// ledger is the persisted per-repo file.
type ledger struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Tracker owns one repo's outcome ledger.
type Tracker struct {
	paths       config.Paths
	repo        string
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewTracker opens the ledger for one repo under root.
func NewTracker(root, repo string) *Tracker {
	return &Tracker{
		paths:       config.NewPaths(root),
		repo:        repo,
		lockTimeout: 5 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// Record appends a prediction with empty outcome fields. Returns the stored
// record.
func (t *Tracker) Record(o Outcome) (*Outcome, error) {
	o.ID = uuid.NewString()
	o.Repo = t.repo
	o.PredictedAt = t.now().UTC()
	o.Actual = ""
	o.ResolvedAt = nil
	o.WasCorrect = nil

	err := t.update(func(l *ledger) error {
		l.Outcomes = append(l.Outcomes, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record prediction %s: %w", o.Type, err)
	}
	return &o, nil
}

// Resolve fills in the outcome side of one record and derives was_correct.
// An overridden actual always marks the prediction wrong.
func (t *Tracker) Resolve(id, actual string) (*Outcome, error) {
	var result *Outcome
	err := t.update(func(l *ledger) error {
		for i := range l.Outcomes {
			if l.Outcomes[i].ID != id {
				continue
			}
			o := &l.Outcomes[i]
			if o.Resolved() {
				return fmt.Errorf("outcome %s already resolved as %s", id, o.Actual)
			}
			now := t.now().UTC()
			o.Actual = actual
			o.ResolvedAt = &now
			correct := wasCorrect(o.Type, actual)
			o.WasCorrect = &correct
			if actual == ActualMerged {
				o.TimeToMerge = now.Sub(o.PredictedAt)
			}
			result = o
			return nil
		}
		return fmt.Errorf("outcome %s not found", id)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// wasCorrect applies the per-type correctness rules.
func wasCorrect(typ PredictionType, actual string) bool {
	if actual == ActualOverridden {
		return false
	}
	if actual == ActualConfirmed {
		return true
	}
	switch typ {
	case PredReviewApprove, PredAutofixWillWork:
		return actual == ActualMerged
	case PredReviewRequestChanges:
		return actual == ActualModified
	case PredTriageSpam, PredTriageDuplicate:
		return actual == ActualClosed
	default:
		// triage_bug, triage_feature, label_applied: only explicit
		// confirmation counts.
		return false
	}
}

// Filter narrows accuracy queries. Zero fields match everything.
type Filter struct {
	Type  PredictionType
	Since time.Time
	Until time.Time
}

func (f Filter) match(o *Outcome) bool {
	if f.Type != "" && o.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && o.PredictedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && o.PredictedAt.After(f.Until) {
		return false
	}
	return true
}

// TypeStats is the per-type accuracy breakdown.
type TypeStats struct {
	Total     int `json:"total"`
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
	Pending   int `json:"pending"`
}

// Report is the accuracy query result.
type Report struct {
	Repo           string                       `json:"repo"`
	Total          int                          `json:"total"`
	Correct        int                          `json:"correct"`
	Incorrect      int                          `json:"incorrect"`
	Pending        int                          `json:"pending"`
	ByType         map[PredictionType]TypeStats `json:"by_type"`
	AvgTimeToMerge time.Duration                `json:"avg_time_to_merge,omitempty"`
}

// Accuracy aggregates the ledger under a filter.
func (t *Tracker) Accuracy(f Filter) (*Report, error) {
	l, err := t.load()
	if err != nil {
		return nil, err
	}
	report := &Report{Repo: t.repo, ByType: map[PredictionType]TypeStats{}}
	var mergeTotal time.Duration
	merges := 0

	for i := range l.Outcomes {
		o := &l.Outcomes[i]
		if !f.match(o) {
			continue
		}
		report.Total++
		stats := report.ByType[o.Type]
		stats.Total++
		switch {
		case !o.Resolved():
			report.Pending++
			stats.Pending++
		case *o.WasCorrect:
			report.Correct++
			stats.Correct++
		default:
			report.Incorrect++
			stats.Incorrect++
		}
		report.ByType[o.Type] = stats
		if o.TimeToMerge > 0 {
			mergeTotal += o.TimeToMerge
			merges++
		}
	}
	if merges > 0 {
		report.AvgTimeToMerge = mergeTotal / time.Duration(merges)
	}
	return report, nil
}

// DefaultPatternThreshold is the minimum sample size for a pattern.
const DefaultPatternThreshold = 20

// Pattern is one aggregate with enough samples to mean something.
type Pattern struct {
	Dimension string  `json:"dimension"` // file_type, category, change_size
	Value     string  `json:"value"`
	Samples   int     `json:"samples"`
	Accuracy  float64 `json:"accuracy"`
}

// Patterns aggregates resolved outcomes by file type, category, and change
// size; only groups with at least minSamples resolved records are emitted.
func (t *Tracker) Patterns(minSamples int) ([]Pattern, error) {
	if minSamples <= 0 {
		minSamples = DefaultPatternThreshold
	}
	l, err := t.load()
	if err != nil {
		return nil, err
	}

	type agg struct{ total, correct int }
	groups := map[string]*agg{}
	for i := range l.Outcomes {
		o := &l.Outcomes[i]
		if !o.Resolved() {
			continue
		}
		for dim, val := range map[string]string{
			"file_type":   o.FileType,
			"category":    o.Category,
			"change_size": o.ChangeSize,
		} {
			if val == "" {
				continue
			}
			key := dim + "\x00" + val
			g := groups[key]
			if g == nil {
				g = &agg{}
				groups[key] = g
			}
			g.total++
			if *o.WasCorrect {
				g.correct++
			}
		}
	}

	var out []Pattern
	for key, g := range groups {
		if g.total < minSamples {
			continue
		}
		dim, val, _ := strings.Cut(key, "\x00")
		out = append(out, Pattern{
			Dimension: dim,
			Value:     val,
			Samples:   g.total,
			Accuracy:  float64(g.correct) / float64(g.total),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dimension != out[j].Dimension {
			return out[i].Dimension < out[j].Dimension
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// Pending returns unresolved outcomes, oldest first, optionally filtered.
func (t *Tracker) Pending(f Filter) ([]Outcome, error) {
	l, err := t.load()
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for i := range l.Outcomes {
		if !l.Outcomes[i].Resolved() && f.match(&l.Outcomes[i]) {
			out = append(out, l.Outcomes[i])
		}
	}
	return out, nil
}

func (t *Tracker) path() string {
	return t.paths.OutcomesFile(t.repo)
}

func (t *Tracker) load() (*ledger, error) {
	l := &ledger{}
	if _, err := lockfile.ReadJSON(t.path(), t.lockTimeout, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (t *Tracker) update(fn func(*ledger) error) error {
	return lockfile.LockedJSONUpdate(t.path(), t.lockTimeout,
		func(current []byte) (any, error) {
			l := &ledger{}
			if current != nil {
				if err := json.Unmarshal(current, l); err != nil {
					t.logger.Warn("outcome ledger unreadable, resetting", "repo", t.repo, "error", err)
					l = &ledger{}
				}
			}
			if err := fn(l); err != nil {
				return nil, err
			}
			return l, nil
		})
}
