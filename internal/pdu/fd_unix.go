//go:build !windows

package pdu

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var ErrNoDescriptor = errors.New("pdu: message carried no descriptor")

// SendFD passes one open descriptor over a unix socket together with a
// single filler byte. The caller keeps ownership of fd.
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("send fd %d: %w", fd, err)
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("send fd %d: short write", fd)
	}
	return nil
}

// RecvFD receives one descriptor sent by SendFD. A closed peer yields io.EOF.
// Extra descriptors in the same message are closed.
func RecvFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}
	if n == 0 && oobn == 0 {
		return -1, io.EOF
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	fd := -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
				continue
			}
			_ = unix.Close(f)
		}
	}
	if fd < 0 {
		return -1, ErrNoDescriptor
	}
	return fd, nil
}

// Socketpair returns both ends of a connected unix stream pair, close-on-exec.
func Socketpair(name string) (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), name+".0"), os.NewFile(uintptr(fds[1]), name+".1"), nil
}

// UnixConn converts f into a *net.UnixConn and closes f. The returned conn
// holds its own duplicate of the descriptor.
func UnixConn(f *os.File) (*net.UnixConn, error) {
	defer func() { _ = f.Close() }()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", f.Name())
	}
	return uc, nil
}

// RawFD returns the descriptor behind c. It stays valid until c is closed.
func RawFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}
