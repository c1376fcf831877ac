package review

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// State is an orchestration's position in the review lifecycle.
type State string

const (
	StatePending       State = "pending"
	StateAwaiting      State = "awaiting_checks"
	StateReviewing     State = "reviewing"
	StateFixing        State = "fixing"
	StateReadyToMerge  State = "ready_to_merge"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
	StateMaxIterations State = "max_iterations_reached"
	StateFailed        State = "failed"
)

// Terminal reports whether the orchestration is over. ready_to_merge is
// terminal here: merging is a human action.
func (s State) Terminal() bool {
	switch s {
	case StateReadyToMerge, StateCompleted, StateCancelled, StateMaxIterations, StateFailed:
		return true
	}
	return false
}

// FindingStatus tracks one finding's resolution.
type FindingStatus string

const (
	FindingPending  FindingStatus = "pending"
	FindingResolved FindingStatus = "resolved"
)

// Finding is one review observation that needs a fix.
type Finding struct {
	ID          string        `json:"id"`
	File        string        `json:"file,omitempty"`
	Line        int           `json:"line,omitempty"`
	Severity    string        `json:"severity,omitempty"`
	Description string        `json:"description"`
	Status      FindingStatus `json:"status"`
}

// Fix records one applied fix.
type Fix struct {
	FixID       string    `json:"fix_id"`
	FindingID   string    `json:"finding_id"`
	FilePath    string    `json:"file_path,omitempty"`
	Description string    `json:"description"`
	CommitSHA   string    `json:"commit_sha"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Iteration summarizes one review/fix round.
type Iteration struct {
	Number        int       `json:"number"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	Status        State     `json:"status"`
	FindingsCount int       `json:"findings_count"`
	FixesApplied  int       `json:"fixes_applied"`
	FinalCIStatus string    `json:"final_ci_status,omitempty"`
}

// PRState is the durable orchestration state for one PR.
type PRState struct {
	Repo             string `json:"repo"`
	PRNumber         int    `json:"pr_number"`
	Status           State  `json:"status"`
	Reason           string `json:"reason,omitempty"`
	CurrentIteration int    `json:"current_iteration"`
	MaxIterations    int    `json:"max_iterations"`
	LastKnownHeadSHA string `json:"last_known_head_sha,omitempty"`
	// ReviewedHeadSHA is the head commit the review agent last cleared or
	// flagged; a clean review of the current head means ready_to_merge.
	ReviewedHeadSHA     string      `json:"reviewed_head_sha,omitempty"`
	Findings            []Finding   `json:"findings,omitempty"`
	Fixes               []Fix       `json:"fixes,omitempty"`
	Iterations          []Iteration `json:"iterations,omitempty"`
	ErrorCount          int         `json:"error_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CancelRequested     bool        `json:"cancel_requested"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// PendingFindings returns the unresolved findings.
func (s *PRState) PendingFindings() []Finding {
	var out []Finding
	for _, f := range s.Findings {
		if f.Status == FindingPending {
			out = append(out, f)
		}
	}
	return out
}

// indexEntry is one row in the review-state index.
type indexEntry struct {
	File      string    `json:"file"`
	Status    State     `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type indexState struct {
	Entries map[string]indexEntry `json:"entries"`
}

// Store persists PRState files and the index, all through locked atomic
// writes.
type Store struct {
	paths       config.Paths
	repo        string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewStore opens the review-state store for one repo under root.
func NewStore(root, repo string) *Store {
	return &Store{
		paths:       config.NewPaths(root),
		repo:        repo,
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

// Load returns the state for a PR, or nil if none was persisted.
func (st *Store) Load(prNumber int) (*PRState, error) {
	s := &PRState{}
	ok, err := lockfile.ReadJSON(st.paths.ReviewStateFile(prNumber), st.lockTimeout, s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s, nil
}

// Save writes the state file and refreshes the index row. Terminal statuses
// are write-once: a persisted terminal state cannot move to another status.
func (st *Store) Save(s *PRState) error {
	s.UpdatedAt = st.now().UTC()
	err := lockfile.LockedJSONUpdate(st.paths.ReviewStateFile(s.PRNumber), st.lockTimeout,
		func(current []byte) (any, error) {
			if current != nil {
				prev := &PRState{}
				if err := json.Unmarshal(current, prev); err == nil &&
					prev.Status.Terminal() && prev.Status != s.Status {
					return nil, fmt.Errorf("state is terminal (%s); refusing %s", prev.Status, s.Status)
				}
			}
			return s, nil
		})
	if err != nil {
		return fmt.Errorf("persist review state for PR %d: %w", s.PRNumber, err)
	}
	return st.updateIndex(s)
}

// RequestCancel flips the cancellation flag under the state file's lock; the
// running orchestration observes it at the next iteration boundary.
func (st *Store) RequestCancel(prNumber int) error {
	return lockfile.LockedJSONUpdate(st.paths.ReviewStateFile(prNumber), st.lockTimeout,
		func(current []byte) (any, error) {
			if current == nil {
				return nil, fmt.Errorf("no review state for PR %d", prNumber)
			}
			s := &PRState{}
			if err := json.Unmarshal(current, s); err != nil {
				return nil, err
			}
			s.CancelRequested = true
			s.UpdatedAt = st.now().UTC()
			return s, nil
		})
}

// Index returns the index rows keyed by "repo#pr".
func (st *Store) Index() (map[string]indexEntry, error) {
	idx := &indexState{}
	if _, err := lockfile.ReadJSON(st.paths.ReviewStateIndexFile(), st.lockTimeout, idx); err != nil {
		return nil, err
	}
	if idx.Entries == nil {
		idx.Entries = map[string]indexEntry{}
	}
	return idx.Entries, nil
}

func (st *Store) updateIndex(s *PRState) error {
	key := fmt.Sprintf("%s#%d", st.repo, s.PRNumber)
	return lockfile.LockedJSONUpdate(st.paths.ReviewStateIndexFile(), st.lockTimeout,
		func(current []byte) (any, error) {
			idx := &indexState{Entries: map[string]indexEntry{}}
			if current != nil {
				if err := json.Unmarshal(current, idx); err != nil {
					idx = &indexState{Entries: map[string]indexEntry{}}
				}
			}
			if idx.Entries == nil {
				idx.Entries = map[string]indexEntry{}
			}
			idx.Entries[key] = indexEntry{
				File:      st.paths.ReviewStateFile(s.PRNumber),
				Status:    s.Status,
				UpdatedAt: s.UpdatedAt,
			}
			return idx, nil
		})
}
