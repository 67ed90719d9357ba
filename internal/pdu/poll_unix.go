//go:build !windows

package pdu

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// PollRetries is how many times an interrupted readiness wait is retried
// before the interruption is reported to the caller.
const PollRetries = 2

// Readable and Broken classify poll results for a single descriptor.
const (
	Readable = unix.POLLIN
	Broken   = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL
)

// Poll waits until one of fds is ready or timeout elapses. EINTR is retried
// at most PollRetries times.
func Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	ms := int(timeout / time.Millisecond)
	var (
		n   int
		err error
	)
	for i := 0; i <= PollRetries; i++ {
		n, err = unix.Poll(fds, ms)
		if !errors.Is(err, unix.EINTR) {
			return n, err
		}
	}
	return n, err
}

// PollFd is a readability request for fd.
func PollFd(fd int) unix.PollFd {
	return unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
}
