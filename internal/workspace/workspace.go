// Package workspace binds a task to its execution environment: an isolated
// worktree, a best-effort filesystem sandbox for the agent, and the optional
// memory service. Sandbox and memory failures degrade with a warning; only
// the worktree is load-bearing.
package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/autoclaude/autoclaude/internal/gitx"
	"github.com/autoclaude/autoclaude/internal/notify"
)

// Mode selects where a task executes.
type Mode string

const (
	// Isolated runs the task in its own worktree on auto-claude/<slug>.
	Isolated Mode = "isolated"
	// Direct runs the task in the main checkout on the current branch.
	Direct Mode = "direct"
)

// Workspace is one task's bound environment.
type Workspace struct {
	Slug string
	Mode Mode
	// Dir is where the agent runs: the worktree path, or the repo root in
	// direct mode.
	Dir      string
	Worktree *gitx.Worktree
	Sandbox  *Sandbox
	Memory   *notify.Graphiti

	manager       *gitx.Manager
	removeOnClose bool
	logger        *slog.Logger
}

// Options configures Open.
type Options struct {
	Mode Mode
	// Memory is attached when non-nil and enabled.
	Memory *notify.Graphiti
	// RemoveOnClose tears the worktree down at Close. Merge/discard flows
	// manage the worktree themselves and leave this false.
	RemoveOnClose bool
}

// Open binds the task to its environment.
func Open(ctx context.Context, manager *gitx.Manager, slug string, opts Options) (*Workspace, error) {
	if opts.Mode == "" {
		opts.Mode = Isolated
	}
	ws := &Workspace{
		Slug:    slug,
		Mode:    opts.Mode,
		manager: manager,
		logger:  slog.Default(),
	}

	switch opts.Mode {
	case Direct:
		ws.Dir = manager.Root()
	case Isolated:
		wt, err := manager.GetOrCreate(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("open workspace for %s: %w", slug, err)
		}
		ws.Worktree = wt
		ws.Dir = wt.Path
	default:
		return nil, fmt.Errorf("unknown workspace mode %q", opts.Mode)
	}
	ws.removeOnClose = opts.RemoveOnClose && opts.Mode == Isolated

	// Sandbox is best-effort: the agent still runs without one.
	sandbox, err := BuildSandbox(ws.Dir)
	if err != nil {
		ws.logger.Warn("sandbox unavailable, proceeding without", "slug", slug, "error", err)
	} else {
		ws.Sandbox = sandbox
	}

	// Memory is best-effort too.
	if opts.Memory != nil && opts.Memory.Enabled() {
		ws.Memory = opts.Memory
	}

	return ws, nil
}

// Close tears the workspace down. Partial failures are logged, never raised.
func (ws *Workspace) Close(ctx context.Context) {
	if ws.Memory != nil {
		if err := ws.Memory.Close(); err != nil {
			ws.logger.Warn("memory service close failed", "slug", ws.Slug, "error", err)
		}
	}
	if ws.Sandbox != nil {
		if err := ws.Sandbox.Remove(); err != nil {
			ws.logger.Warn("sandbox cleanup failed", "slug", ws.Slug, "error", err)
		}
	}
	if ws.removeOnClose && ws.Worktree != nil {
		if err := ws.manager.Remove(ctx, ws.Slug, false); err != nil {
			ws.logger.Warn("worktree removal failed", "slug", ws.Slug, "error", err)
		}
	}
}
