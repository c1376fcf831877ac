// Package batch turns a pile of open issues into mutually exclusive batches,
// each sized for a single PR. Grouping is two-phase: a cheap label/keyword
// pre-group, then an LLM partition per bucket with a validation pass.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// Status is a batch's position in its sequential lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAnalyzing    Status = "analyzing"
	StatusCreatingSpec Status = "creating_spec"
	StatusBuilding     Status = "building"
	StatusQAReview     Status = "qa_review"
	StatusPRCreated    Status = "pr_created"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// statusOrder is the only forward path; failed is reachable from any
// non-terminal state.
var statusOrder = []Status{
	StatusPending, StatusAnalyzing, StatusCreatingSpec, StatusBuilding,
	StatusQAReview, StatusPRCreated, StatusCompleted,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition allows one step forward in statusOrder, or failed from any
// non-terminal state.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for i, s := range statusOrder[:len(statusOrder)-1] {
		if s == from {
			return statusOrder[i+1] == to
		}
	}
	return false
}

// Batch is one persisted group of issues.
type Batch struct {
	ID           string    `json:"id"`
	Theme        string    `json:"theme"`
	Reasoning    string    `json:"reasoning"`
	Confidence   float64   `json:"confidence"`
	IssueNumbers []int     `json:"issue_numbers"`
	Status       Status    `json:"status"`
	SpecName     string    `json:"spec_name,omitempty"`
	PRNumber     int       `json:"pr_number,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// index maps issue numbers (decimal keys) to the batch that owns them.
type index struct {
	Issues map[string]string `json:"issues"`
}

// Store persists batches and the issue→batch exclusivity index.
type Store struct {
	paths       config.Paths
	lockTimeout time.Duration
	now         func() time.Time
}

// NewStore opens the batch store for a repository root.
func NewStore(root string) *Store {
	return &Store{
		paths:       config.NewPaths(root),
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

// Create persists a set of new batches. Issue exclusivity is enforced inside
// one locked index update: if any issue already belongs to a batch, nothing
// is written.
func (s *Store) Create(batches []*Batch) error {
	now := s.now().UTC()
	for _, b := range batches {
		if b.ID == "" {
			b.ID = uuid.NewString()[:8]
		}
		b.Status = StatusPending
		b.CreatedAt = now
		b.UpdatedAt = now
		sort.Ints(b.IssueNumbers)
	}

	err := lockfile.LockedJSONUpdate(s.paths.BatchIndexFile(), s.lockTimeout,
		func(current []byte) (any, error) {
			idx := decodeIndex(current)
			claimed := map[string]string{}
			for _, b := range batches {
				for _, n := range b.IssueNumbers {
					key := fmt.Sprint(n)
					if owner, taken := idx.Issues[key]; taken {
						return nil, fmt.Errorf("issue #%d already in batch %s", n, owner)
					}
					if owner, taken := claimed[key]; taken {
						return nil, fmt.Errorf("issue #%d claimed by both %s and %s", n, owner, b.ID)
					}
					claimed[key] = b.ID
				}
			}
			for key, id := range claimed {
				idx.Issues[key] = id
			}
			return idx, nil
		})
	if err != nil {
		return err
	}

	for _, b := range batches {
		if err := s.write(b); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one batch by id.
func (s *Store) Get(id string) (*Batch, error) {
	b := &Batch{}
	ok, err := lockfile.ReadJSON(s.paths.BatchFile(id), s.lockTimeout, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	return b, nil
}

// BatchFor returns the batch id owning an issue, or "".
func (s *Store) BatchFor(issue int) (string, error) {
	idx := &index{}
	if _, err := lockfile.ReadJSON(s.paths.BatchIndexFile(), s.lockTimeout, idx); err != nil {
		return "", err
	}
	return idx.Issues[fmt.Sprint(issue)], nil
}

// Transition moves a batch one step through its lifecycle, mutating it via
// apply under the batch file's lock. Terminal states are write-once.
func (s *Store) Transition(id string, to Status, apply func(*Batch)) (*Batch, error) {
	var result *Batch
	err := lockfile.LockedJSONUpdate(s.paths.BatchFile(id), s.lockTimeout,
		func(current []byte) (any, error) {
			if current == nil {
				return nil, fmt.Errorf("batch %s not found", id)
			}
			b := &Batch{}
			if err := json.Unmarshal(current, b); err != nil {
				return nil, fmt.Errorf("batch %s unreadable: %w", id, err)
			}
			if !canTransition(b.Status, to) {
				return nil, fmt.Errorf("batch %s: illegal transition %s → %s", id, b.Status, to)
			}
			b.Status = to
			b.UpdatedAt = s.now().UTC()
			if apply != nil {
				apply(b)
			}
			result = b
			return b, nil
		})
	return result, err
}

// List returns every persisted batch, newest first.
func (s *Store) List() ([]*Batch, error) {
	entries, err := os.ReadDir(s.paths.BatchesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Batch
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "batch_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := s.Get(strings.TrimSuffix(strings.TrimPrefix(name, "batch_"), ".json"))
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes terminal batches older than maxAge and releases their
// issues from the exclusivity index. With dryRun it only reports candidates.
func (s *Store) Cleanup(maxAge time.Duration, dryRun bool) ([]string, error) {
	batches, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-maxAge)

	var removed []string
	for _, b := range batches {
		if !b.Status.Terminal() || b.UpdatedAt.After(cutoff) {
			continue
		}
		removed = append(removed, b.ID)
		if dryRun {
			continue
		}
		err := lockfile.LockedJSONUpdate(s.paths.BatchIndexFile(), s.lockTimeout,
			func(current []byte) (any, error) {
				idx := decodeIndex(current)
				for _, n := range b.IssueNumbers {
					delete(idx.Issues, fmt.Sprint(n))
				}
				return idx, nil
			})
		if err != nil {
			return removed, err
		}
		if err := os.Remove(s.paths.BatchFile(b.ID)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) write(b *Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return lockfile.LockedWrite(s.paths.BatchFile(b.ID), append(data, '\n'), s.lockTimeout)
}

func decodeIndex(current []byte) *index {
	idx := &index{Issues: map[string]string{}}
	if current != nil {
		if err := json.Unmarshal(current, idx); err != nil {
			idx = &index{Issues: map[string]string{}}
		}
	}
	if idx.Issues == nil {
		idx.Issues = map[string]string{}
	}
	return idx
}
