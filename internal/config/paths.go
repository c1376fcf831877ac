package config

import (
	"fmt"
	"path/filepath"
)

// AutoClaudeDirName is the dotted state root. Task state is only ever written
// under the dotted path; a non-dotted auto-claude/ tree in a repository is
// source code, never state.
const AutoClaudeDirName = ".auto-claude"

// SpecsDirName holds per-task spec bundles at the repository root.
const SpecsDirName = "specs"

// BranchPrefix is the namespace for task branches.
const BranchPrefix = "auto-claude/"

// Paths centralizes the on-disk layout for one repository root. All
// components derive file locations from here.
type Paths struct {
	Root string
}

// NewPaths creates the layout for a repository root.
func NewPaths(root string) Paths {
	return Paths{Root: root}
}

// SpecsDir is specs/ in the main checkout.
func (p Paths) SpecsDir() string {
	return filepath.Join(p.Root, SpecsDirName)
}

// SpecDir is specs/NNN-slug/ for an already-numbered spec name.
func (p Paths) SpecDir(name string) string {
	return filepath.Join(p.SpecsDir(), name)
}

// AutoClaudeDir is the dotted state root.
func (p Paths) AutoClaudeDir() string {
	return filepath.Join(p.Root, AutoClaudeDirName)
}

// WorktreesDir holds per-task worktrees.
func (p Paths) WorktreesDir() string {
	return filepath.Join(p.AutoClaudeDir(), "worktrees", "tasks")
}

// WorktreeDir is the checkout for one task slug.
func (p Paths) WorktreeDir(slug string) string {
	return filepath.Join(p.WorktreesDir(), slug)
}

// SpecNumberLock is the sentinel serializing spec-id reservation.
func (p Paths) SpecNumberLock() string {
	return filepath.Join(p.AutoClaudeDir(), "spec_number")
}

// GitHubDir holds GitHub-coupled state.
func (p Paths) GitHubDir() string {
	return filepath.Join(p.AutoClaudeDir(), "github")
}

// BatchesDir holds issue batch records.
func (p Paths) BatchesDir() string {
	return filepath.Join(p.GitHubDir(), "batches")
}

// BatchFile is the record for one batch id.
func (p Paths) BatchFile(batchID string) string {
	return filepath.Join(p.BatchesDir(), fmt.Sprintf("batch_%s.json", batchID))
}

// BatchIndexFile maps issues to batches.
func (p Paths) BatchIndexFile() string {
	return filepath.Join(p.BatchesDir(), "index.json")
}

// BotDetectionStateFile holds reviewed-commit and last-review state.
func (p Paths) BotDetectionStateFile() string {
	return filepath.Join(p.GitHubDir(), "bot_detection_state.json")
}

// ReviewStateDir holds serialized PR review state machines.
func (p Paths) ReviewStateDir() string {
	return filepath.Join(p.GitHubDir(), "pr_review_state")
}

// ReviewStateFile is the state for one PR number.
func (p Paths) ReviewStateFile(prNumber int) string {
	return filepath.Join(p.ReviewStateDir(), fmt.Sprintf("pr_%d.json", prNumber))
}

// ReviewStateIndexFile summarizes known review states.
func (p Paths) ReviewStateIndexFile() string {
	return filepath.Join(p.ReviewStateDir(), "index.json")
}

// OverridesDir holds override and grace-period state.
func (p Paths) OverridesDir() string {
	return filepath.Join(p.GitHubDir(), "overrides")
}

// GracePeriodsFile holds active and historical grace periods.
func (p Paths) GracePeriodsFile() string {
	return filepath.Join(p.OverridesDir(), "grace_periods.json")
}

// OverrideHistoryFile is the capped append-only override ledger.
func (p Paths) OverrideHistoryFile() string {
	return filepath.Join(p.OverridesDir(), "override_history.json")
}

// AuditDir holds the daily audit JSONL files.
func (p Paths) AuditDir() string {
	return filepath.Join(p.GitHubDir(), "audit")
}

// LearningDir holds per-repo outcome ledgers.
func (p Paths) LearningDir() string {
	return filepath.Join(p.GitHubDir(), "learning")
}

// OutcomesFile is the learning ledger for one repo.
func (p Paths) OutcomesFile(repo string) string {
	return filepath.Join(p.LearningDir(), sanitizeRepo(repo)+"_outcomes.json")
}

// EmbeddingsDir holds per-repo embedding caches.
func (p Paths) EmbeddingsDir() string {
	return filepath.Join(p.GitHubDir(), "embeddings")
}

// EmbeddingsFile is the embedding cache for one repo.
func (p Paths) EmbeddingsFile(repo string) string {
	return filepath.Join(p.EmbeddingsDir(), sanitizeRepo(repo)+"_embeddings.json")
}

// sanitizeRepo flattens owner/name into a filename-safe token.
func sanitizeRepo(repo string) string {
	out := make([]rune, 0, len(repo))
	for _, r := range repo {
		switch r {
		case '/', ':', '\\':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
