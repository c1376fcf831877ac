package gitx

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Stats summarizes a worktree's divergence from the base branch.
type Stats struct {
	Slug          string    `json:"slug"`
	Branch        string    `json:"branch"`
	CommitCount   int       `json:"commit_count"`
	FilesChanged  int       `json:"files_changed"`
	Insertions    int       `json:"insertions"`
	Deletions     int       `json:"deletions"`
	LastCommitAt  time.Time `json:"last_commit_at"`
	DaysSinceWork int       `json:"days_since_work"`
}

var shortstatPattern = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// StatsFor computes divergence stats for one worktree. Powers the old
// worktree cleanup threshold.
func (m *Manager) StatsFor(ctx context.Context, slug string) (*Stats, error) {
	base, err := m.BaseBranch(ctx)
	if err != nil {
		return nil, err
	}
	branch := BranchName(slug)
	stats := &Stats{Slug: slug, Branch: branch}

	if out, err := m.run(ctx, "rev-list", "--count", base+".."+branch); err == nil {
		stats.CommitCount, _ = strconv.Atoi(out)
	}

	if out, err := m.run(ctx, "diff", "--shortstat", base+"..."+branch); err == nil && out != "" {
		if match := shortstatPattern.FindStringSubmatch(out); match != nil {
			stats.FilesChanged, _ = strconv.Atoi(match[1])
			if match[2] != "" {
				stats.Insertions, _ = strconv.Atoi(match[2])
			}
			if match[3] != "" {
				stats.Deletions, _ = strconv.Atoi(match[3])
			}
		}
	}

	if out, err := m.run(ctx, "log", "-1", "--format=%ct", branch); err == nil && out != "" {
		if epoch, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64); convErr == nil {
			stats.LastCommitAt = time.Unix(epoch, 0).UTC()
			stats.DaysSinceWork = int(time.Since(stats.LastCommitAt).Hours() / 24)
		}
	}
	return stats, nil
}

// CleanupOld removes worktrees whose last commit is older than maxAge. With
// dryRun it only reports the candidates.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration, dryRun bool) ([]string, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, wt := range worktrees {
		stats, err := m.StatsFor(ctx, wt.Slug)
		if err != nil {
			continue
		}
		if stats.LastCommitAt.IsZero() || time.Since(stats.LastCommitAt) < maxAge {
			continue
		}
		removed = append(removed, wt.Slug)
		if !dryRun {
			if err := m.Remove(ctx, wt.Slug, true); err != nil {
				return removed, fmt.Errorf("cleanup %s: %w", wt.Slug, err)
			}
		}
	}
	return removed, nil
}
