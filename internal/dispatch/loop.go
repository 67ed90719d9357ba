// Package dispatch runs the control loops that decide which worker process
// serves which connection: fd handoff, leader/follower and leader/follower
// with a thread pool per worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/logger"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/pool"
	"github.com/loykin/prefork/internal/process"
)

// Worker kinds registered with the spawn manager.
const (
	KindHandoff  = "handoff"
	KindLeader   = "leader"
	KindThreaded = "threaded"
)

const (
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
)

// poll waits for readiness on the loop's descriptors. A failed wait is
// retried on the next iteration.
var poll = pdu.Poll

// Loop is a running dispatch loop.
type Loop interface {
	Run(ctx context.Context) error
	Shutdown()
	IsStop() bool
	Status() Status
	Addr() net.Addr
}

type Config struct {
	Name    string
	BindIP  string
	Port    int
	Service string
	Args    Args

	MaxRequestsPerProc int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	// Threads is the handler pool size of a threaded worker.
	Threads int
	Lock    lock.Spec
	// Env holds "K=V" overrides for the worker environment.
	Env []string
	// Log is the logger configuration handed to workers.
	Log logger.Config

	PollTimeout time.Duration
	StopTimeout time.Duration
	Logger      *slog.Logger
	Recorder    *history.Recorder
}

// Status is a point-in-time view of a loop.
type Status struct {
	Mode       string           `json:"mode"`
	Name       string           `json:"name"`
	Listen     string           `json:"listen"`
	Running    bool             `json:"running"`
	Args       Args             `json:"args"`
	ManagerPID int              `json:"manager_pid,omitempty"`
	Idle       int              `json:"idle"`
	Busy       int              `json:"busy"`
	Total      int              `json:"total"`
	Workers    []process.Status `json:"workers"`
}

// base is what every loop shares: the listener, the spawn manager, the pool
// and the stop flag.
type base struct {
	cfg    Config
	kind   string
	logger *slog.Logger
	ln     *net.TCPListener

	client *manager.Client
	pool   *pool.Pool

	stop    atomic.Bool
	running atomic.Bool
	snap    atomic.Pointer[Status]
}

func newBase(cfg Config, kind string) (*base, error) {
	if cfg.Service == "" {
		return nil, errors.New("dispatch: service is required")
	}
	if err := cfg.Lock.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = kind
	}
	cfg.Args = cfg.Args.Normalize()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ln, err := pdu.ListenTCP(cfg.BindIP, cfg.Port)
	if err != nil {
		return nil, err
	}
	b := &base{
		cfg:    cfg,
		kind:   kind,
		logger: cfg.Logger.With("loop", kind, "pool", cfg.Name),
		ln:     ln,
	}
	b.publish(nil, nil)
	return b, nil
}

func (b *base) Addr() net.Addr { return b.ln.Addr() }

// Shutdown asks the loop to stop after the current iteration.
func (b *base) Shutdown() { b.stop.Store(true) }

func (b *base) IsStop() bool { return b.stop.Load() }

func (b *base) stopped(ctx context.Context) bool {
	return b.stop.Load() || ctx.Err() != nil
}

// Status returns the last snapshot published by the loop.
func (b *base) Status() Status {
	s := *b.snap.Load()
	s.Running = b.running.Load()
	return s
}

func (b *base) publish(idle, busy []process.Status) {
	s := &Status{
		Mode:    b.kind,
		Name:    b.cfg.Name,
		Listen:  b.ln.Addr().String(),
		Args:    b.cfg.Args,
		Idle:    len(idle),
		Busy:    len(busy),
		Total:   len(idle) + len(busy),
		Workers: append(append(make([]process.Status, 0, len(idle)+len(busy)), idle...), busy...),
	}
	if b.client != nil {
		s.ManagerPID = b.client.Pid()
	}
	b.snap.Store(s)
}

// start launches the spawn manager and the pool. files are inherited by
// every worker.
func (b *base) start(files []manager.SharedFile) error {
	if b.stop.Load() {
		return errors.New("dispatch: loop already stopped")
	}
	client, err := manager.Start(manager.Options{
		Worker: manager.WorkerSpec{
			Kind:        b.kind,
			Service:     b.cfg.Service,
			Pool:        b.cfg.Name,
			MaxRequests: b.cfg.MaxRequestsPerProc,
			Threads:     b.cfg.Threads,
			Lock:        b.cfg.Lock,
			Log:         b.cfg.Log,
		},
		Files:  files,
		Env:    b.cfg.Env,
		Logger: b.logger,
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	p, err := pool.New(client, pool.Config{
		Name:               b.cfg.Name,
		MaxRequestsPerProc: b.poolMaxRequests(),
		MaxIdleProc:        b.cfg.Args.MaxIdleProc,
		IdleTimeout:        b.cfg.IdleTimeout,
		ReapInterval:       b.cfg.ReapInterval,
		Logger:             b.logger,
		Recorder:           b.cfg.Recorder,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	b.client, b.pool = client, p
	b.running.Store(true)
	b.logger.Info("dispatch loop started", "listen", b.ln.Addr().String(), "manager", client.Pid(),
		"max_proc", b.cfg.Args.MaxProc, "min_idle", b.cfg.Args.MinIdleProc, "max_idle", b.cfg.Args.MaxIdleProc)
	return nil
}

// poolMaxRequests is the recycling limit the pool enforces. Leader/follower
// workers count their own requests and leave by themselves.
func (b *base) poolMaxRequests() int {
	if b.kind == KindHandoff {
		return b.cfg.MaxRequestsPerProc
	}
	return 0
}

// teardown destroys the given records and every idle one, gives their
// processes StopTimeout to finish the connection in hand, then stops the
// spawn manager and closes the listener.
func (b *base) teardown(held []*process.Record) {
	b.running.Store(false)
	var pids []int
	if b.pool != nil {
		pids = append(pids, b.pool.Pids()...)
		for _, r := range held {
			pids = append(pids, r.Pid())
			b.pool.Evict(r)
		}
		_ = b.pool.Close()
	}
	waitExit(pids, b.cfg.StopTimeout)
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			b.logger.Warn("close spawn manager", "error", err)
		}
	}
	_ = b.ln.Close()
	b.publish(nil, nil)
	b.logger.Info("dispatch loop stopped")
}

func waitExit(pids []int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, pid := range pids {
		for process.Alive(pid) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
}
