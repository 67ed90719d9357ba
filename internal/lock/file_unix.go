//go:build !windows

package lock

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an fcntl write lock on a whole file. It works across unrelated
// processes, and the kernel releases it when the holder dies. Locks are per
// process: every worker must open the file itself.
type FileLock struct {
	f *os.File
}

// OpenFileLock opens (creating if needed) path for locking.
func OpenFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// Lock blocks until the write lock is held.
func (l *FileLock) Lock() error {
	return l.set(unix.F_WRLCK)
}

func (l *FileLock) Unlock() error {
	return l.set(unix.F_UNLCK)
}

func (l *FileLock) set(typ int16) error {
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart}
	for {
		err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLKW, &lk)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (l *FileLock) Close() error { return l.f.Close() }
