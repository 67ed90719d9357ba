//go:build linux

package lock

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait = 0
	futexWake = 1

	unlocked  = 0
	locked    = 1
	contended = 2
)

// SharedMutex is a futex based mutex living in a memfd mapping. It only
// works among processes that inherit the memory file from the process that
// created it before spawning them. A holder that dies leaves it locked.
type SharedMutex struct {
	mem  []byte
	word *uint32
}

// NewSharedMemory creates the memory file backing a SharedMutex.
func NewSharedMemory() (*os.File, error) {
	fd, err := unix.MemfdCreate("prefork-lock", 0)
	if err != nil {
		return nil, fmt.Errorf("lock: memfd: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(os.Getpagesize())); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("lock: size memfd: %w", err)
	}
	return os.NewFile(uintptr(fd), "prefork-lock"), nil
}

// AttachSharedMutex maps mem and returns the mutex stored at its start.
func AttachSharedMutex(mem *os.File) (*SharedMutex, error) {
	b, err := unix.Mmap(int(mem.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("lock: mmap: %w", err)
	}
	return &SharedMutex{mem: b, word: (*uint32)(unsafe.Pointer(&b[0]))}, nil
}

// Lock follows the three-state futex mutex: 0 free, 1 held, 2 held with waiters.
func (m *SharedMutex) Lock() error {
	if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
		return nil
	}
	for {
		if atomic.SwapUint32(m.word, contended) == unlocked {
			return nil
		}
		if err := m.futex(futexWait, contended); err != nil &&
			!errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("lock: futex wait: %w", err)
		}
	}
}

func (m *SharedMutex) Unlock() error {
	switch atomic.SwapUint32(m.word, unlocked) {
	case unlocked:
		return errors.New("lock: unlock of unlocked mutex")
	case contended:
		if err := m.futex(futexWake, 1); err != nil {
			return fmt.Errorf("lock: futex wake: %w", err)
		}
	}
	return nil
}

func (m *SharedMutex) futex(op, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(m.word)), uintptr(op), uintptr(val), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Close unmaps the memory. The mutex must not be used afterwards.
func (m *SharedMutex) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem, m.word = nil, nil
	return err
}
