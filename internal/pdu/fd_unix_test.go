//go:build !windows

package pdu

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := Socketpair("test")
	require.NoError(t, err)
	ca, err := UnixConn(a)
	require.NoError(t, err)
	cb, err := UnixConn(b)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestDescriptorPassing(t *testing.T) {
	left, right := unixPair(t)

	path := filepath.Join(t.TempDir(), "shared.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	require.NoError(t, SendFD(left, int(f.Fd())))
	fd, err := RecvFD(right)
	require.NoError(t, err)
	got := os.NewFile(uintptr(fd), "received")
	defer func() { _ = got.Close() }()

	_, err = got.Write([]byte("through the passed fd"))
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "through the passed fd", string(b))
}

func TestRecvFD_PeerClosed(t *testing.T) {
	left, right := unixPair(t)
	require.NoError(t, left.Close())
	_, err := RecvFD(right)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameOverSocketpair(t *testing.T) {
	left, right := unixPair(t)
	go func() {
		_, _ = SendFrame(left, NewHeader(os.Getpid(), 0), []byte("ping"))
	}()
	h, payload, _, err := ReadFrame(right)
	require.NoError(t, err)
	require.EqualValues(t, os.Getpid(), h.SrcPid)
	require.Equal(t, "ping", string(payload))
}

func TestPollReportsReadable(t *testing.T) {
	left, right := unixPair(t)
	fd, err := RawFD(right)
	require.NoError(t, err)

	fds := []unix.PollFd{PollFd(fd)}
	n, err := Poll(fds, 10*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = left.Write([]byte{'B'})
	require.NoError(t, err)
	n, err = Poll(fds, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotZero(t, fds[0].Revents&Readable)
}

func TestListenTCP(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1", 0)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	fd, err := RawFD(ln)
	require.NoError(t, err)
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	require.NoError(t, err)
	require.NotZero(t, v)

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = c.Close()
}
