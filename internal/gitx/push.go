package gitx

import (
	"context"
	"time"

	"github.com/autoclaude/autoclaude/internal/retry"
)

// pushPolicy retries transient push failures with exponential backoff.
// Auth failures and other permanent errors surface immediately.
func pushPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		IsRetryable: isRetryablePushError,
		Backoff:     retry.ExponentialBackoff(2*time.Second, 30*time.Second),
	}
}

// PushBranch pushes the task branch to origin with upstream tracking.
func (m *Manager) PushBranch(ctx context.Context, slug string) error {
	branch := BranchName(slug)
	dir := m.paths.WorktreeDir(slug)
	return retry.Do(ctx, pushPolicy(), func() error {
		_, err := m.runIn(ctx, dir, "push", "-u", "origin", branch)
		return err
	})
}

// HeadSHA returns the worktree's current HEAD commit.
func (m *Manager) HeadSHA(ctx context.Context, slug string) (string, error) {
	return m.runIn(ctx, m.paths.WorktreeDir(slug), "rev-parse", "HEAD")
}
