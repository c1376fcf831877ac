// Package gitx manages per-task git worktrees and the branch namespace
// discipline around them.
package gitx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Runner executes git commands. The interface exists so tests can inject a
// fake; production code uses ExecRunner.
type Runner interface {
	// Run executes git with args in workDir and returns trimmed stdout.
	// On failure the returned error carries stderr.
	Run(ctx context.Context, workDir string, args ...string) (string, error)
}

// DefaultCommandTimeout bounds a single git invocation.
const DefaultCommandTimeout = 60 * time.Second

// PushTimeout bounds push operations, which can move real data.
const PushTimeout = 120 * time.Second

// ExecRunner runs git through os/exec with a per-command timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner with the default timeout.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultCommandTimeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, workDir string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if len(args) > 0 && args[0] == "push" {
		timeout = PushTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		return "", &CommandError{
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError represents a git command failure.
type CommandError struct {
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "git command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
