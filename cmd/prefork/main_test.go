package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/prefork"
	"github.com/loykin/prefork/internal/detector"
)

func TestMain(m *testing.M) {
	prefork.Init()
	os.Exit(m.Run())
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHelpListsCommands(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, name := range []string{"serve", "datum", "status", "check-config", "hash-password", "bench"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestUnpService(t *testing.T) {
	srv, cli := net.Pipe()
	done := make(chan struct{})
	go func() {
		serveUnp(srv)
		_ = srv.Close()
		close(done)
	}()

	_, err := io.WriteString(cli, "5\n")
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(cli, buf)
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", string(buf))

	_, err = io.WriteString(cli, "999999\n")
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unp kept an out-of-range request open")
	}
	_ = cli.Close()
}

func TestEchoAndUpper(t *testing.T) {
	srv, cli := net.Pipe()
	go func() {
		serveEcho(srv)
		_ = srv.Close()
	}()
	_, err := io.WriteString(cli, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(cli, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	_ = cli.Close()

	got, err := upper([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(got))
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--pidfile", "/run/p.pid", "--daemonize=true", "--port=1"}
	assert.Equal(t, []string{"serve", "--pidfile", "/run/p.pid", "--port=1"}, daemonArgs(in))
}

func TestLoadServeConfigFlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nmode = \"leader\"\nport = 7100\nservice = \"unp\"\n"), 0o600))

	cmd := createServeCommand(&GlobalFlags{}, &ServeFlags{})
	c, err := loadServeConfig(path, cmd.Flags(), ServeFlags{})
	require.NoError(t, err)
	assert.Equal(t, prefork.ModeLeader, c.Server.Mode)
	assert.Equal(t, 7100, c.Server.Port)
	assert.Equal(t, "unp", c.Server.Service)
	assert.False(t, c.Admin.Enabled)

	require.NoError(t, cmd.Flags().Set("mode", "Threaded"))
	require.NoError(t, cmd.Flags().Set("port", "7200"))
	c, err = loadServeConfig(path, cmd.Flags(), ServeFlags{Mode: "Threaded", Port: 7200, AdminListen: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Equal(t, prefork.ModeThreaded, c.Server.Mode)
	assert.Equal(t, 7200, c.Server.Port)
	assert.True(t, c.Admin.Enabled)

	require.NoError(t, cmd.Flags().Set("mode", "bogus"))
	_, err = loadServeConfig(path, cmd.Flags(), ServeFlags{Mode: "bogus"})
	require.Error(t, err)
}

func TestLoadServeConfigDefaultsService(t *testing.T) {
	cmd := createServeCommand(&GlobalFlags{}, &ServeFlags{})
	c, err := loadServeConfig("", cmd.Flags(), ServeFlags{LogFile: "/tmp/x.log"})
	require.NoError(t, err)
	assert.Equal(t, defaultService, c.Server.Service)
	assert.Equal(t, "/tmp/x.log", c.Log.File.Path)
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  service: echo\n  port: 7300\nadmin:\n  enabled: true\n"), 0o600))
	var out bytes.Buffer
	require.NoError(t, runCheckConfig(path, &out))
	assert.Contains(t, out.String(), "config OK")
	assert.Contains(t, out.String(), ":7300")
	assert.Contains(t, out.String(), "admin=127.0.0.1:7080")

	require.Error(t, runCheckConfig(filepath.Join(t.TempDir(), "missing.toml"), &out))
}

func TestHashPasswordFromStdin(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashPassword(HashPasswordFlags{Cost: bcrypt.MinCost}, strings.NewReader("s3cret\n"), &out))
	h := strings.TrimSpace(out.String())
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("s3cret")))

	require.Error(t, runHashPassword(HashPasswordFlags{}, strings.NewReader(""), &out))
}

func TestStatusFromPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.pid")
	var out bytes.Buffer
	err := runStatus(context.Background(), StatusFlags{PidFile: path}, &out)
	assert.ErrorIs(t, err, errNotRunning)

	require.NoError(t, detector.WritePIDFile(path, os.Getpid(), detector.Meta{Mode: "handoff", Listen: "127.0.0.1:7000"}))
	out.Reset()
	require.NoError(t, runStatus(context.Background(), StatusFlags{PidFile: path}, &out))
	assert.Contains(t, out.String(), "running pid=")
	assert.Contains(t, out.String(), "listen=127.0.0.1:7000")

	out.Reset()
	require.NoError(t, runStatus(context.Background(), StatusFlags{PID: os.Getpid()}, &out))
	assert.Contains(t, out.String(), "running (pid:")
}

type staticSource struct{ st prefork.Status }

func (s staticSource) Status() prefork.Status { return s.st }

func TestStatusFromAdminAPI(t *testing.T) {
	srv, err := prefork.NewAdminServer(prefork.AdminConfig{BasePath: "/api"}, prefork.AdminOptions{
		BasePath: "/api",
		Sources:  []prefork.StatusSource{staticSource{prefork.Status{Mode: prefork.ModeHandoff, Name: "web", Total: 2}}},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), StatusFlags{APIUrl: ts.URL + "/api", APITimeout: 5 * time.Second}, &out))
	assert.Contains(t, out.String(), `"name": "web"`)

	out.Reset()
	require.NoError(t, runStatus(context.Background(), StatusFlags{APIUrl: ts.URL + "/api", Workers: true}, &out))
	assert.Equal(t, "null", strings.TrimSpace(out.String()))

	require.Error(t, runStatus(context.Background(), StatusFlags{APIUrl: ts.URL + "/api", Name: "missing"}, &out))
}

func TestDatumCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runDatum(context.Background(), "", DatumFlags{Service: "upper", Count: 3, Timeout: 20 * time.Second}, &out))
	for _, want := range []string{"REQUEST-0", "REQUEST-1", "REQUEST-2"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestLoopGroupServesUnpUntilSignalled(t *testing.T) {
	loop, err := prefork.NewLoop(prefork.ModeHandoff, prefork.LoopConfig{
		BindIP:      "127.0.0.1",
		Service:     "unp",
		Args:        prefork.Args{MaxProc: 4, MaxIdleProc: 2, MinIdleProc: 1},
		StopTimeout: 2 * time.Second,
		Logger:      quiet(),
	})
	require.NoError(t, err)

	proc := ifrit.Invoke(grouper.NewOrdered(os.Interrupt, grouper.Members{{Name: "pool", Runner: loopRunner(loop)}}))

	reports, err := runBench(context.Background(), BenchFlags{
		Addr: loop.Addr().String(), Clients: 3, Loops: 5, Bytes: 1000,
		Timeout: 10 * time.Second, SlowMark: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Equal(t, 5, r.Slow+r.Fast)
		assert.Zero(t, r.ConnFail)
	}
	assert.NotEmpty(t, workerPids(loop))

	proc.Signal(os.Interrupt)
	select {
	case err := <-proc.Wait():
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("group did not stop")
	}
	assert.False(t, loop.Status().Running)
}

func TestBenchRejectsBadSize(t *testing.T) {
	_, err := runBench(context.Background(), BenchFlags{Bytes: 0})
	require.Error(t, err)
}
