package dispatch

import (
	"context"
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/service"
)

// transientAccept reports whether an accept error leaves the listener usable.
func transientAccept(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []unix.Errno{unix.EINTR, unix.EAGAIN, unix.EWOULDBLOCK, unix.ECONNABORTED, unix.EPROTO} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// serve runs svc on conn and closes it.
func serve(svc service.Inet, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	svc.Handle(conn)
}

// watchParent cancels the returned context once the control channel reaches
// EOF. Workers that never read their control channel use it to notice that
// the control process dropped them.
func watchParent(ctx context.Context, conn net.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}
