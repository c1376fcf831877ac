// Package lockfile provides cross-process file locks and atomic writes.
// Every piece of state that crosses a process or worktree boundary is
// persisted through this package: an exclusive lock on a sibling sentinel
// file, then a temp-file-then-rename write.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
)

// Mode selects shared or exclusive acquisition.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

// DefaultTimeout bounds lock acquisition unless the caller overrides it.
const DefaultTimeout = 5 * time.Second

// pollInterval is the back-off between non-blocking acquisition attempts.
const pollInterval = 10 * time.Millisecond

// FileLock guards a target file through a sibling sentinel (<name>.lock).
type FileLock struct {
	target   string
	sentinel string
	handle   lockHandle
	held     bool
}

// New creates a lock for the given target file. The sentinel file lives next
// to the target so the lock and the data share a filesystem.
func New(target string) *FileLock {
	return &FileLock{
		target:   target,
		sentinel: target + ".lock",
	}
}

// SentinelPath returns the path of the sentinel file.
func (l *FileLock) SentinelPath() string {
	return l.sentinel
}

// Acquire takes the lock in the given mode, polling non-blockingly until the
// timeout elapses. Returns a CoreError with CodeLockTimeout on expiry.
func (l *FileLock) Acquire(mode Mode, timeout time.Duration) error {
	if l.held {
		return fmt.Errorf("lock %s already held by this handle", l.sentinel)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := os.MkdirAll(filepath.Dir(l.sentinel), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		h, err := tryLock(l.sentinel, mode)
		if err == nil {
			l.handle = h
			l.held = true
			return nil
		}
		if !isWouldBlock(err) {
			return fmt.Errorf("acquire lock %s: %w", l.sentinel, err)
		}
		if time.Now().After(deadline) {
			return errors.ErrLockTimeout(filepath.Base(l.target), timeout.String()).WithCause(err)
		}
		time.Sleep(pollInterval)
	}
}

// Release drops the lock. Safe to call on an unheld lock.
func (l *FileLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.handle.unlock()
}

// WithLock runs fn while holding an exclusive lock on target. The lock is
// released on every exit path.
func WithLock(target string, timeout time.Duration, fn func() error) error {
	l := New(target)
	if err := l.Acquire(Exclusive, timeout); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

// AtomicWrite writes data to path by writing a temp file in the same
// directory, syncing, then renaming over the target. On error the temp file
// is removed and the previous content is untouched.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to final: %w", err)
	}

	success = true
	return nil
}

// LockedWrite performs an AtomicWrite under the target's exclusive lock.
func LockedWrite(path string, data []byte, timeout time.Duration) error {
	return WithLock(path, timeout, func() error {
		return AtomicWrite(path, data, 0o644)
	})
}

// LockedJSONUpdate reads the target's current JSON (nil if the file does not
// exist), invokes updater, and writes the result atomically, all under the
// exclusive lock. Returning a nil value from updater leaves the file as-is.
func LockedJSONUpdate(path string, timeout time.Duration, updater func(current []byte) (any, error)) error {
	return WithLock(path, timeout, func() error {
		current, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("read %s: %w", path, err)
			}
			current = nil
		}

		next, err := updater(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		return AtomicWrite(path, append(data, '\n'), 0o644)
	})
}

// ReadJSON decodes the target file into out under a shared lock. A missing
// file is not an error; ok reports whether the file existed.
func ReadJSON(path string, timeout time.Duration, out any) (ok bool, err error) {
	l := New(path)
	if err := l.Acquire(Shared, timeout); err != nil {
		return false, err
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
