package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/errors"
)

// MergeOptions controls Merge.
type MergeOptions struct {
	// NoCommit performs a staged merge and leaves the commit to the user.
	// Task-local artifacts (gitignored paths and the .auto-claude/ tree)
	// are unstaged so they never propagate to the base branch.
	NoCommit bool
	// DeleteAfter removes the worktree and branch once merged.
	DeleteAfter bool
}

// MergeResult reports what a merge did.
type MergeResult struct {
	Merged          bool     `json:"merged"`
	AlreadyUpToDate bool     `json:"already_up_to_date"`
	Unstaged        []string `json:"unstaged,omitempty"`
}

// Merge merges the task branch into the base branch with --no-ff. Conflicts
// abort the merge and surface as a typed error; "already up to date" is a
// success.
func (m *Manager) Merge(ctx context.Context, slug string, opts MergeOptions) (*MergeResult, error) {
	base, err := m.BaseBranch(ctx)
	if err != nil {
		return nil, err
	}
	branch := BranchName(slug)

	if _, err := m.run(ctx, "checkout", base); err != nil {
		return nil, fmt.Errorf("checkout base %s: %w", base, err)
	}

	args := []string{"merge", "--no-ff"}
	if opts.NoCommit {
		args = append(args, "--no-commit")
	}
	args = append(args, branch)

	out, err := m.run(ctx, args...)
	if err != nil {
		conflicts, _ := m.conflictedFiles(ctx)
		_, _ = m.run(ctx, "merge", "--abort")
		return nil, errors.ErrMergeConflict(slug, conflicts).WithCause(err)
	}

	result := &MergeResult{Merged: true}
	if strings.Contains(strings.ToLower(out), "already up to date") {
		result.AlreadyUpToDate = true
	}

	if opts.NoCommit && !result.AlreadyUpToDate {
		unstaged, err := m.unstageTaskArtifacts(ctx)
		if err != nil {
			return nil, err
		}
		result.Unstaged = unstaged
	}

	if opts.DeleteAfter {
		if err := m.Remove(ctx, slug, true); err != nil {
			return result, err
		}
	}
	return result, nil
}

// conflictedFiles lists unmerged paths after a failed merge.
func (m *Manager) conflictedFiles(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}

// unstageTaskArtifacts drops staged paths that are gitignored or live under
// the .auto-claude/ tree.
func (m *Manager) unstageTaskArtifacts(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("list staged files: %w", err)
	}
	if out == "" {
		return nil, nil
	}

	patterns := m.loadIgnorePatterns()
	var unstage []string
	for _, file := range strings.Split(out, "\n") {
		if file == "" {
			continue
		}
		if isTaskArtifact(file, patterns) {
			unstage = append(unstage, file)
		}
	}
	if len(unstage) == 0 {
		return nil, nil
	}

	args := append([]string{"restore", "--staged", "--"}, unstage...)
	if _, err := m.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("unstage task artifacts: %w", err)
	}
	return unstage, nil
}

// isTaskArtifact reports whether a path must not propagate to base.
func isTaskArtifact(path string, ignorePatterns []string) bool {
	if path == config.AutoClaudeDirName ||
		strings.HasPrefix(path, config.AutoClaudeDirName+"/") {
		return true
	}
	for _, pattern := range ignorePatterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// loadIgnorePatterns reads .gitignore at the repo root into doublestar
// patterns. Negations and comments are skipped; directory patterns match the
// whole subtree.
func (m *Manager) loadIgnorePatterns() []string {
	data, err := os.ReadFile(filepath.Join(m.paths.Root, ".gitignore"))
	if err != nil {
		return nil
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		anchored := strings.HasPrefix(line, "/")
		line = strings.TrimPrefix(line, "/")
		if strings.HasSuffix(line, "/") {
			line += "**"
		}
		patterns = append(patterns, line)
		if !anchored {
			// Unanchored names match at any depth, like gitignore does.
			patterns = append(patterns, "**/"+line)
		}
	}
	return patterns
}

// MergePreview describes what a merge would do, without writing anything.
type MergePreview struct {
	Slug      string            `json:"slug"`
	Base      string            `json:"base"`
	Branch    string            `json:"branch"`
	MergeBase string            `json:"merge_base"`
	Files     []string          `json:"files"`
	Conflicts []string          `json:"conflicts,omitempty"`
	Renames   map[string]string `json:"renames,omitempty"`
}

// MergePreviewFor computes the files a merge of slug would touch plus likely
// conflicts and renames across the merge base. Read-only.
func (m *Manager) MergePreviewFor(ctx context.Context, slug string) (*MergePreview, error) {
	base, err := m.BaseBranch(ctx)
	if err != nil {
		return nil, err
	}
	branch := BranchName(slug)

	mergeBase, err := m.run(ctx, "merge-base", base, branch)
	if err != nil {
		return nil, fmt.Errorf("merge-base %s %s: %w", base, branch, err)
	}

	filesOut, err := m.run(ctx, "diff", "--name-only", mergeBase, branch)
	if err != nil {
		return nil, fmt.Errorf("diff files: %w", err)
	}

	preview := &MergePreview{
		Slug:      slug,
		Base:      base,
		Branch:    branch,
		MergeBase: mergeBase,
	}
	if filesOut != "" {
		preview.Files = strings.Split(filesOut, "\n")
	}

	// Files both sides touched since the merge base are conflict candidates.
	baseOut, err := m.run(ctx, "diff", "--name-only", mergeBase, base)
	if err == nil && baseOut != "" {
		baseTouched := make(map[string]bool)
		for _, f := range strings.Split(baseOut, "\n") {
			baseTouched[f] = true
		}
		for _, f := range preview.Files {
			if baseTouched[f] {
				preview.Conflicts = append(preview.Conflicts, f)
			}
		}
	}

	renames, err := m.DetectFileRenames(ctx, mergeBase, base)
	if err == nil && len(renames) > 0 {
		preview.Renames = renames
	}
	return preview, nil
}

// DetectFileRenames maps old path to new path for files the target branch has
// moved since the merge base. Used to path-map worktree edits onto renamed
// files before an AI-assisted merge.
func (m *Manager) DetectFileRenames(ctx context.Context, mergeBase, target string) (map[string]string, error) {
	out, err := m.run(ctx, "diff", "-M", "--name-status", mergeBase, target)
	if err != nil {
		return nil, fmt.Errorf("detect renames: %w", err)
	}

	renames := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) == 3 && strings.HasPrefix(fields[0], "R") {
			renames[fields[1]] = fields[2]
		}
	}
	return renames, nil
}
