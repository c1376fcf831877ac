//go:build !windows

package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockHandle holds the open sentinel file while the flock is held.
type lockHandle struct {
	f *os.File
}

// tryLock opens the sentinel and takes a non-blocking flock on it.
func tryLock(sentinel string, mode Mode) (lockHandle, error) {
	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return lockHandle{}, err
	}

	how := unix.LOCK_EX | unix.LOCK_NB
	if mode == Shared {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return lockHandle{}, err
	}
	return lockHandle{f: f}, nil
}

func (h lockHandle) unlock() error {
	if h.f == nil {
		return nil
	}
	// Closing the descriptor releases the flock. The sentinel file is left in
	// place; its existence carries no meaning, only the flock does.
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return h.f.Close()
}

func isWouldBlock(err error) bool {
	for e := err; e != nil; {
		if e == unix.EWOULDBLOCK || e == unix.EAGAIN {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
