//go:build !linux

package lock

import "os"

type SharedMutex struct{}

func NewSharedMemory() (*os.File, error) { return nil, ErrUnsupported }

func AttachSharedMutex(*os.File) (*SharedMutex, error) { return nil, ErrUnsupported }

func (*SharedMutex) Lock() error   { return ErrUnsupported }
func (*SharedMutex) Unlock() error { return ErrUnsupported }
func (*SharedMutex) Close() error  { return nil }
