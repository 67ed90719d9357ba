package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/prefork/internal/env"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
)

var (
	// ErrSpawn wraps every failure to obtain a new worker.
	ErrSpawn = errors.New("manager: spawn failed")
	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("manager: closed")
	// ErrProtocol marks a spawn reply that carries neither a pid nor an errno.
	ErrProtocol = errors.New("manager: malformed spawn reply")
)

const (
	DefaultSpawnTimeout = 10 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// SharedFile is a descriptor every worker inherits under Name.
type SharedFile struct {
	Name string
	File *os.File
}

// Options configures Start.
type Options struct {
	Worker WorkerSpec
	Files  []SharedFile
	// Env holds "K=V" overrides applied on top of the current environment.
	Env []string
	// Executable defaults to the running binary.
	Executable   string
	SpawnTimeout time.Duration
	StopTimeout  time.Duration
	Logger       *slog.Logger
}

// Client is the control process' handle on a running spawn manager.
// Spawn requests are serialized; one request is in flight at a time.
type Client struct {
	mu     sync.Mutex
	conn   *net.UnixConn
	cmd    *exec.Cmd
	broken error

	spawnTimeout time.Duration
	stopTimeout  time.Duration
	logger       *slog.Logger

	waitErr error
	exited  chan struct{}
}

// Start launches the spawn manager. The manager runs in its own process group
// together with every worker it creates.
func Start(opts Options) (*Client, error) {
	exe := opts.Executable
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		exe = p
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	spec := opts.Worker
	spec.Files = nil
	for _, f := range opts.Files {
		spec.Files = append(spec.Files, f.Name)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode worker spec: %w", err)
	}

	kept, peer, err := pdu.Socketpair("spawn")
	if err != nil {
		return nil, err
	}
	extra := []*os.File{peer}
	for _, f := range opts.Files {
		extra = append(extra, f.File)
	}

	e := env.New().Override(opts.Env).Set(RoleEnv, RoleManager).Set(WorkerEnv, string(raw))
	cmd := &exec.Cmd{
		Path:        exe,
		Args:        []string{exe},
		Env:         e.List(),
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		ExtraFiles:  extra,
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}
	if err := cmd.Start(); err != nil {
		_ = kept.Close()
		_ = peer.Close()
		return nil, fmt.Errorf("start spawn manager: %w", err)
	}
	_ = peer.Close()

	conn, err := pdu.UnixConn(kept)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	c := &Client{
		conn:         conn,
		cmd:          cmd,
		spawnTimeout: durOr(opts.SpawnTimeout, DefaultSpawnTimeout),
		stopTimeout:  durOr(opts.StopTimeout, DefaultStopTimeout),
		logger:       opts.Logger.With("component", "spawn-manager"),
		exited:       make(chan struct{}),
	}
	go c.wait()
	c.logger.Debug("spawn manager started", "pid", cmd.Process.Pid, "kind", spec.Kind)
	return c, nil
}

// Pid returns the manager's process id.
func (c *Client) Pid() int {
	return c.cmd.Process.Pid
}

// Spawn asks the manager for a new worker and returns its record. The record
// owns the control process' end of the worker's control channel.
func (c *Client) Spawn() (*process.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, c.broken)
	}

	kept, peer, err := pdu.Socketpair("control")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	fd, err := pdu.RawFD(peer)
	if err == nil {
		_ = c.conn.SetDeadline(time.Now().Add(c.spawnTimeout))
		err = pdu.SendFD(c.conn, fd)
	}
	_ = peer.Close()
	if err != nil {
		_ = kept.Close()
		return nil, c.fail(err)
	}

	h, _, _, err := pdu.ReadFrame(c.conn)
	_ = c.conn.SetDeadline(time.Time{})
	if err != nil {
		_ = kept.Close()
		return nil, c.fail(err)
	}
	if h.SrcPid <= 0 {
		_ = kept.Close()
		return nil, spawnError(h.SrcPid)
	}

	conn, err := pdu.UnixConn(kept)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	rec, err := process.NewRecord(int(h.SrcPid), conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return rec, nil
}

// spawnError decodes a non-positive spawn reply: a negated errno, or 0,
// which the manager never sends.
func spawnError(src int32) error {
	if src == 0 {
		return fmt.Errorf("%w: %w: source pid 0", ErrSpawn, ErrProtocol)
	}
	return fmt.Errorf("%w: %w", ErrSpawn, syscall.Errno(-src))
}

// fail marks the spawn channel unusable. A request that did not complete
// leaves the channel out of step, so later requests fail fast.
func (c *Client) fail(err error) error {
	c.broken = err
	c.logger.Error("spawn channel broken", "error", err)
	return fmt.Errorf("%w: %w", ErrSpawn, err)
}

// Close closes the spawn channel. The manager sees EOF and terminates its
// process group. Close waits up to the stop timeout, then kills the group.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.broken == nil {
		c.broken = ErrClosed
	}
	err := c.conn.Close()
	c.mu.Unlock()

	select {
	case <-c.exited:
	case <-time.After(c.stopTimeout):
		c.logger.Warn("spawn manager did not exit, killing process group", "pid", c.Pid())
		_ = syscall.Kill(-c.Pid(), syscall.SIGKILL)
		<-c.exited
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the manager process has exited.
func (c *Client) Done() <-chan struct{} {
	return c.exited
}

func (c *Client) wait() {
	c.waitErr = c.cmd.Wait()
	c.logger.Debug("spawn manager exited", "pid", c.Pid(), "status", c.waitErr)
	close(c.exited)
}

func durOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
