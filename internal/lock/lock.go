// Package lock provides the mutual exclusion used by workers that accept on
// a shared listening socket.
package lock

import (
	"errors"
	"fmt"
	"os"
)

var ErrUnsupported = errors.New("lock: unsupported on this platform")

// Locker serializes accept() across worker processes.
type Locker interface {
	Lock() error
	Unlock() error
}

// Kind names a Locker implementation.
type Kind string

const (
	KindNone Kind = "none"
	KindFile Kind = "file"
	KindShm  Kind = "shm"
)

// Spec describes a lock so a worker process can rebuild it.
// Path is used by KindFile. KindShm relies on a descriptor inherited from
// the control process.
type Spec struct {
	Kind Kind   `json:"kind" mapstructure:"kind"`
	Path string `json:"path,omitempty" mapstructure:"path"`
}

// Validate checks that s names a known kind with its required fields.
func (s Spec) Validate() error {
	switch s.Kind {
	case "", KindNone, KindShm:
		return nil
	case KindFile:
		if s.Path == "" {
			return errors.New("lock: file lock requires path")
		}
		return nil
	}
	return fmt.Errorf("lock: unknown kind %q", s.Kind)
}

// Nop is a Locker that never blocks.
type Nop struct{}

func (Nop) Lock() error   { return nil }
func (Nop) Unlock() error { return nil }

// Prepare runs in the control process before any worker is spawned. For
// KindShm it returns the memory file that must be inherited by every worker;
// other kinds need no shared descriptor.
func Prepare(s Spec) (*os.File, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindShm:
		return NewSharedMemory()
	case KindFile:
		f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("lock: create %s: %w", s.Path, err)
		}
		return nil, f.Close()
	}
	return nil, nil
}

// Open builds the Locker described by s inside a worker. mem is the
// inherited memory file for KindShm and ignored otherwise.
func Open(s Spec, mem *os.File) (Locker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindFile:
		return OpenFileLock(s.Path)
	case KindShm:
		if mem == nil {
			return nil, errors.New("lock: shared mutex requires an inherited memory file")
		}
		return AttachSharedMutex(mem)
	}
	return Nop{}, nil
}
