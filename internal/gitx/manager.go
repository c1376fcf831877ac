package gitx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/errors"
)

// Manager owns worktree lifecycle for one repository root.
type Manager struct {
	paths  config.Paths
	runner Runner

	// baseOverride wins over detection when non-empty (config/env).
	baseOverride string

	mu         sync.Mutex
	baseCached string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner injects a custom git runner (tests).
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithBaseBranch pins the base branch, bypassing detection.
func WithBaseBranch(branch string) Option {
	return func(m *Manager) { m.baseOverride = branch }
}

// NewManager creates a worktree manager for the repository root.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		paths:  config.NewPaths(root),
		runner: NewExecRunner(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root returns the repository root path.
func (m *Manager) Root() string {
	return m.paths.Root
}

// BranchName returns the namespaced branch for a task slug.
func BranchName(slug string) string {
	return config.BranchPrefix + slug
}

// run executes git at the repository root.
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	return m.runner.Run(ctx, m.paths.Root, args...)
}

// runIn executes git inside a worktree.
func (m *Manager) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	return m.runner.Run(ctx, dir, args...)
}

// branchExists checks whether a local branch ref exists.
func (m *Manager) branchExists(ctx context.Context, name string) bool {
	_, err := m.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// remoteBranchExists checks whether origin/<name> is known locally.
func (m *Manager) remoteBranchExists(ctx context.Context, name string) bool {
	_, err := m.run(ctx, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+name)
	return err == nil
}

// BaseBranch resolves the base branch: explicit override (if the branch
// exists), then main, master, and finally the current branch with a warning.
// The answer is cached per manager instance.
func (m *Manager) BaseBranch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCached != "" {
		return m.baseCached, nil
	}

	if m.baseOverride != "" {
		if m.branchExists(ctx, m.baseOverride) || m.remoteBranchExists(ctx, m.baseOverride) {
			m.baseCached = m.baseOverride
			return m.baseCached, nil
		}
		slog.Warn("configured base branch does not exist, falling back to detection",
			"branch", m.baseOverride)
	}

	for _, candidate := range []string{"main", "master"} {
		if m.branchExists(ctx, candidate) || m.remoteBranchExists(ctx, candidate) {
			m.baseCached = candidate
			return m.baseCached, nil
		}
	}

	current, err := m.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("detect base branch: %w", err)
	}
	slog.Warn("no main or master branch found, using current branch as base", "branch", current)
	m.baseCached = current
	return m.baseCached, nil
}

// Worktree describes a task's checkout.
type Worktree struct {
	Slug   string `json:"slug"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Create creates the worktree and branch for a task slug from the remote base
// branch when reachable, else the local base. It refuses to proceed while a
// flat auto-claude branch blocks the namespace.
func (m *Manager) Create(ctx context.Context, slug string) (*Worktree, error) {
	if m.branchExists(ctx, "auto-claude") {
		return nil, errors.ErrBranchNamespace()
	}

	base, err := m.BaseBranch(ctx)
	if err != nil {
		return nil, err
	}

	// Refresh the remote ref; a failed fetch degrades to the local base.
	startPoint := base
	if _, err := m.run(ctx, "fetch", "origin", base); err != nil {
		slog.Warn("fetch base branch failed, using local ref", "base", base, "error", err)
	}
	if m.remoteBranchExists(ctx, base) {
		startPoint = "origin/" + base
	}

	branch := BranchName(slug)
	path := m.paths.WorktreeDir(slug)
	if err := os.MkdirAll(m.paths.WorktreesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	if _, err := m.run(ctx, "worktree", "add", "-b", branch, path, startPoint); err != nil {
		// A stale registration (directory removed out-of-band) blocks adds;
		// prune and retry once.
		_, _ = m.run(ctx, "worktree", "prune")
		if _, retryErr := m.run(ctx, "worktree", "add", "-b", branch, path, startPoint); retryErr != nil {
			// Branch may already exist from an interrupted earlier run.
			if _, attachErr := m.run(ctx, "worktree", "add", path, branch); attachErr != nil {
				return nil, fmt.Errorf("create worktree for %s: %w", slug, retryErr)
			}
		}
	}

	return &Worktree{Slug: slug, Path: path, Branch: branch}, nil
}

// GetOrCreate returns the existing worktree for slug, creating it if needed.
func (m *Manager) GetOrCreate(ctx context.Context, slug string) (*Worktree, error) {
	path := m.paths.WorktreeDir(slug)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return &Worktree{Slug: slug, Path: path, Branch: BranchName(slug)}, nil
	}
	return m.Create(ctx, slug)
}

// Remove removes the worktree (force), prunes registrations, and optionally
// deletes the branch. If git refuses, the directory is removed directly.
func (m *Manager) Remove(ctx context.Context, slug string, deleteBranch bool) error {
	path := m.paths.WorktreeDir(slug)

	if _, err := m.run(ctx, "worktree", "remove", "--force", path); err != nil {
		slog.Warn("git worktree remove failed, deleting directory", "slug", slug, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", slug, rmErr)
		}
	}
	_, _ = m.run(ctx, "worktree", "prune")

	if deleteBranch {
		if _, err := m.run(ctx, "branch", "-D", BranchName(slug)); err != nil {
			slog.Warn("delete branch failed", "branch", BranchName(slug), "error", err)
		}
	}
	return nil
}

// List returns worktrees currently present under the tasks directory.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	entries, err := os.ReadDir(m.paths.WorktreesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var out []Worktree
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, Worktree{
			Slug:   e.Name(),
			Path:   m.paths.WorktreeDir(e.Name()),
			Branch: BranchName(e.Name()),
		})
	}
	return out, nil
}

// currentBranch returns the branch checked out at the repository root.
func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	return m.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// isRetryablePushError classifies push failures for the retry combinator.
func isRetryablePushError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "timed out", "connection reset", "connection refused",
		"could not resolve host", "temporarily unavailable",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
