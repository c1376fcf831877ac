package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// sandboxFileName is written inside the workspace dir; the agent launcher
// points the agent's permission profile at it.
const sandboxFileName = ".agent-sandbox.json"

// Sandbox is a filesystem restriction profile scoped to one workspace: the
// agent may write only under the workspace root and the system temp dir.
type Sandbox struct {
	Root        string   `json:"root"`
	ProfilePath string   `json:"profile_path"`
	AllowWrite  []string `json:"allow_write"`
	DenyWrite   []string `json:"deny_write"`
}

// BuildSandbox writes the restriction profile for a workspace directory.
func BuildSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", abs)
	}

	sb := &Sandbox{
		Root:        abs,
		ProfilePath: filepath.Join(abs, sandboxFileName),
		AllowWrite:  []string{abs, os.TempDir()},
		DenyWrite:   []string{filepath.Join(abs, ".git")},
	}
	data, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := lockfile.AtomicWrite(sb.ProfilePath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write sandbox profile: %w", err)
	}
	return sb, nil
}

// Remove deletes the profile file.
func (s *Sandbox) Remove() error {
	if err := os.Remove(s.ProfilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
