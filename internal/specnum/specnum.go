// Package specnum hands out globally unique, monotonic spec numbers for one
// repository. Parallel spec-creation flows in sibling worktrees coordinate
// through an exclusive file lock; the scan and the reserving mkdir both happen
// inside the critical section.
package specnum

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// specDirPattern matches numbered spec directories like 042-fix-oauth.
var specDirPattern = regexp.MustCompile(`^(\d{3})-`)

// Coordinator reserves spec numbers for a repository root.
type Coordinator struct {
	paths       config.Paths
	lockTimeout time.Duration
}

// New creates a coordinator for the repository root.
func New(root string) *Coordinator {
	return &Coordinator{
		paths:       config.NewPaths(root),
		lockTimeout: 5 * time.Second,
	}
}

// WithLockTimeout overrides the reservation lock timeout.
func (c *Coordinator) WithLockTimeout(d time.Duration) *Coordinator {
	c.lockTimeout = d
	return c
}

// Reservation is a claimed spec identity. Dir already exists on return.
type Reservation struct {
	Number int    `json:"number"`
	ID     string `json:"id"`   // zero-padded, e.g. "042"
	Name   string `json:"name"` // "042-fix-oauth"
	Dir    string `json:"dir"`  // absolute specs/042-fix-oauth
}

// Reserve claims the next free spec number for slug and creates its directory.
// The scan covers the main checkout and every worktree so that concurrent
// flows never collide on a number.
func (c *Coordinator) Reserve(slug string) (*Reservation, error) {
	if err := os.MkdirAll(c.paths.AutoClaudeDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	var res *Reservation
	err := lockfile.WithLock(c.paths.SpecNumberLock(), c.lockTimeout, func() error {
		next := c.scanMax() + 1
		id := fmt.Sprintf("%03d", next)
		name := id + "-" + slug
		dir := c.paths.SpecDir(name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("reserve spec dir %s: %w", name, err)
		}
		res = &Reservation{Number: next, ID: id, Name: name, Dir: dir}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Next peeks at the number the next reservation would receive. Unlocked;
// advisory only.
func (c *Coordinator) Next() int {
	return c.scanMax() + 1
}

// scanMax returns the highest spec number in the main checkout and all
// worktree-local spec directories, or 0 when none exist.
func (c *Coordinator) scanMax() int {
	max := scanDir(c.paths.SpecsDir())

	entries, err := os.ReadDir(c.paths.WorktreesDir())
	if err != nil {
		return max
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		wtSpecs := filepath.Join(c.paths.WorktreeDir(e.Name()), config.SpecsDirName)
		if n := scanDir(wtSpecs); n > max {
			max = n
		}
	}
	return max
}

// scanDir returns the highest NNN- prefix among a specs directory's entries.
func scanDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		match := specDirPattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}
