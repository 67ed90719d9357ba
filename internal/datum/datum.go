// Package datum dispatches request payloads to worker processes and
// collects their replies asynchronously.
package datum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/prefork/internal/dispatch"
	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/logger"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/pool"
	"github.com/loykin/prefork/internal/process"
)

const Kind = "datum"

var (
	// ErrCapacity is returned by Dispatch when MaxProc requests are in flight.
	ErrCapacity = errors.New("datum: at capacity")
	ErrClosed   = errors.New("datum: closed")
	// ErrSpawn is returned by Dispatch when no worker could be created.
	ErrSpawn = pool.ErrSpawn
	// ErrBadReply is passed to OnError when a worker answers with a frame
	// that does not carry its own pid.
	ErrBadReply = errors.New("datum: reply from unexpected pid")
)

const (
	DefaultMaxProc     = 128
	DefaultPollTimeout = 10 * time.Millisecond
	DefaultStopTimeout = 30 * time.Second
	DefaultReadTimeout = time.Second
)

// Handler receives the outcome of every dispatched request. Calls come from
// the collector goroutine, except OnError for requests abandoned by Close.
type Handler interface {
	OnReply(pid int, reply []byte)
	OnError(pid int, err error)
}

// HandlerFuncs adapts two functions to Handler. Nil functions are skipped.
type HandlerFuncs struct {
	Reply func(pid int, reply []byte)
	Error func(pid int, err error)
}

func (h HandlerFuncs) OnReply(pid int, reply []byte) {
	if h.Reply != nil {
		h.Reply(pid, reply)
	}
}

func (h HandlerFuncs) OnError(pid int, err error) {
	if h.Error != nil {
		h.Error(pid, err)
	}
}

type Config struct {
	Name    string
	Service string

	MaxProc            int
	MinIdleProc        int
	MaxIdleProc        int
	MaxRequestsPerProc int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration

	Env []string
	Log logger.Config

	PollTimeout time.Duration
	// ReadTimeout bounds reading a reply once its worker became readable.
	// A worker that stalls mid-frame is evicted when it passes.
	ReadTimeout time.Duration
	// StopTimeout bounds how long Close waits for outstanding replies.
	StopTimeout time.Duration
	Logger      *slog.Logger
	Recorder    *history.Recorder
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = Kind
	}
	if c.MinIdleProc <= 0 {
		c.MinIdleProc = 1
	}
	if c.MaxIdleProc < c.MinIdleProc {
		c.MaxIdleProc = c.MinIdleProc
	}
	if c.MaxProc <= 0 {
		c.MaxProc = DefaultMaxProc
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher sends requests to idle workers without queueing: when MaxProc
// requests are outstanding, Dispatch fails at once.
type Dispatcher struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	client *manager.Client
	pool   *pool.Pool

	mu      sync.Mutex
	busy    process.List
	pending int // admitted requests not yet in busy

	stop atomic.Bool
	wake chan struct{}
	done chan struct{}
}

// New starts the spawn manager, fills the idle set to MinIdleProc and starts
// the reply collector.
func New(cfg Config, h Handler) (*Dispatcher, error) {
	if cfg.Service == "" {
		return nil, errors.New("datum: service is required")
	}
	if h == nil {
		return nil, errors.New("datum: nil handler")
	}
	cfg.normalize()
	logger := cfg.Logger.With("loop", Kind, "pool", cfg.Name)

	client, err := manager.Start(manager.Options{
		Worker: manager.WorkerSpec{Kind: Kind, Service: cfg.Service, Pool: cfg.Name, Log: cfg.Log},
		Env:    cfg.Env,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("datum: %w", err)
	}
	p, err := pool.New(client, pool.Config{
		Name:               cfg.Name,
		MaxRequestsPerProc: cfg.MaxRequestsPerProc,
		MaxIdleProc:        cfg.MaxIdleProc,
		IdleTimeout:        cfg.IdleTimeout,
		ReapInterval:       cfg.ReapInterval,
		Logger:             logger,
		Recorder:           cfg.Recorder,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	d := &Dispatcher{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		client:  client,
		pool:    p,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.EnsureIdle(cfg.MinIdleProc)
	go d.collect()
	logger.Info("datum dispatcher started", "manager", client.Pid(), "max_proc", cfg.MaxProc,
		"min_idle", cfg.MinIdleProc, "max_idle", cfg.MaxIdleProc)
	return d, nil
}

// Dispatch sends payload to a worker and returns the worker's pid. The reply
// arrives later through the Handler.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (int, error) {
	if len(payload) > pdu.MaxPayload {
		return 0, fmt.Errorf("datum: %w: %d bytes", pdu.ErrFrameTooLarge, len(payload))
	}
	d.mu.Lock()
	if d.stop.Load() {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	if d.busy.Len()+d.pending >= d.cfg.MaxProc {
		d.mu.Unlock()
		metrics.IncRejection(d.cfg.Name)
		return 0, ErrCapacity
	}
	d.pending++
	d.mu.Unlock()

	r, err := d.pool.Acquire(ctx)
	if err != nil {
		d.unreserve()
		return 0, err
	}
	pid := r.Pid()
	if _, err := pdu.SendFrame(r.Conn(), pdu.NewHeader(os.Getpid(), pid), payload); err != nil {
		d.unreserve()
		d.pool.Evict(r)
		return 0, fmt.Errorf("datum: send to worker %d: %w", pid, err)
	}

	d.mu.Lock()
	d.pending--
	d.busy.Push(r)
	n := d.busy.Len()
	d.mu.Unlock()
	metrics.SetBusy(d.cfg.Name, n)
	d.signal()
	return pid, nil
}

func (d *Dispatcher) unreserve() {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Busy returns the number of requests awaiting a reply.
func (d *Dispatcher) Busy() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy.Len()
}

// IdleCount returns the number of idle workers.
func (d *Dispatcher) IdleCount() int { return d.pool.IdleCount() }

// Dump returns the status of idle workers followed by busy ones.
func (d *Dispatcher) Dump() []process.Status {
	idle, busy := d.snapshot()
	return append(idle, busy...)
}

// snapshot reads the idle and busy sets under d.mu so the two agree.
// Records between the pool and the busy list show up in neither.
func (d *Dispatcher) snapshot() (idle, busy []process.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pool.Dump(), d.busy.Snapshot()
}

// Status reports the dispatcher in the shape of a dispatch loop status.
func (d *Dispatcher) Status() dispatch.Status {
	idle, busy := d.snapshot()
	return dispatch.Status{
		Mode:    Kind,
		Name:    d.cfg.Name,
		Running: !d.stop.Load(),
		Args: dispatch.Args{
			MaxProc:     d.cfg.MaxProc,
			MaxIdleProc: d.cfg.MaxIdleProc,
			MinIdleProc: d.cfg.MinIdleProc,
		},
		ManagerPID: d.client.Pid(),
		Idle:       len(idle),
		Busy:       len(busy),
		Total:      len(idle) + len(busy),
		Workers:    append(idle, busy...),
	}
}

// ManagerPID returns the pid of the spawn manager.
func (d *Dispatcher) ManagerPID() int { return d.client.Pid() }

// Close stops accepting requests and waits until every outstanding reply
// has been delivered, or StopTimeout passed. Then it destroys every worker.
func (d *Dispatcher) Close() error {
	if d.stop.Swap(true) {
		<-d.done
		return nil
	}
	d.signal()
	select {
	case <-d.done:
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Warn("outstanding replies at shutdown, evicting", "busy", d.Busy())
		d.mu.Lock()
		var rs []*process.Record
		for r := d.busy.Pop(); r != nil; r = d.busy.Pop() {
			rs = append(rs, r)
		}
		d.mu.Unlock()
		for _, r := range rs {
			d.handler.OnError(r.Pid(), ErrClosed)
			d.pool.Evict(r)
		}
		d.signal()
		<-d.done
	}
	err := d.pool.Close()
	if cerr := d.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.logger.Info("datum dispatcher stopped")
	return err
}
