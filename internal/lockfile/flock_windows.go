//go:build windows

package lockfile

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// lockHandle tracks the guard file created for the duration of the lock.
type lockHandle struct {
	guard string
}

var sharedWarned bool

// tryLock emulates an exclusive lock with a create-exclusive guard file.
// Windows has no advisory shared locks here; shared requests degrade to
// exclusive with a one-time warning.
func tryLock(sentinel string, mode Mode) (lockHandle, error) {
	if mode == Shared && !sharedWarned {
		sharedWarned = true
		slog.Warn("shared file locks are not supported on windows; using exclusive", "sentinel", sentinel)
	}

	guard := sentinel + ".held"
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return lockHandle{}, err
	}
	f.Close()
	return lockHandle{guard: guard}, nil
}

func (h lockHandle) unlock() error {
	if h.guard == "" {
		return nil
	}
	if err := os.Remove(h.guard); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
