package main

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/loykin/prefork"
)

// maxUnpBytes bounds what one unp request may ask for.
const maxUnpBytes = 16384

func init() {
	prefork.RegisterInetService("echo", prefork.InetFunc(serveEcho))
	prefork.RegisterInetService("unp", prefork.InetFunc(serveUnp))
	prefork.RegisterDatumService("upper", prefork.DatumFunc(upper))
}

// serveEcho copies the connection back to itself until the peer closes.
func serveEcho(c net.Conn) {
	_, _ = io.Copy(c, c)
}

// serveUnp reads lines carrying a byte count and answers each with that
// many bytes. An out-of-range count ends the connection.
func serveUnp(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetLinger(1)
	}
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n <= 0 || n > maxUnpBytes {
			slog.Warn("unp: bad request", "line", strings.TrimSpace(line))
			return
		}
		if _, err := c.Write(bytes.Repeat([]byte{'x'}, n)); err != nil {
			return
		}
	}
}

func upper(req []byte) ([]byte, error) {
	return bytes.ToUpper(req), nil
}
