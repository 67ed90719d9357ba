// Package pool keeps the idle worker processes of one dispatch loop and
// decides when a worker is reused, recycled or destroyed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/process"
)

var (
	// ErrSpawn is returned by Acquire when no worker could be created.
	ErrSpawn  = errors.New("pool: spawn failed")
	ErrClosed = errors.New("pool: closed")
)

const DefaultReapInterval = time.Second

// Eviction reasons, used as metric labels and history reasons.
const (
	ReasonRecycle  = "recycle"
	ReasonIdleCap  = "idle_cap"
	ReasonReap     = "reap"
	ReasonDead     = "dead"
	ReasonEvict    = "evict"
	ReasonShutdown = "shutdown"
)

// Spawner creates one worker process.
type Spawner interface {
	Spawn() (*process.Record, error)
}

type Config struct {
	Name string
	// MaxRequestsPerProc recycles a worker after that many acquisitions. 0 disables.
	MaxRequestsPerProc int
	// MaxIdleProc caps the idle set. 0 disables.
	MaxIdleProc int
	// IdleTimeout enables the reaper. 0 disables.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	Logger       *slog.Logger
	Recorder     *history.Recorder
}

// Pool is the idle set. Records handed out by Acquire belong to the caller
// until they come back through Release or Evict.
type Pool struct {
	cfg     Config
	spawner Spawner
	logger  *slog.Logger

	mu     sync.Mutex
	idle   process.List
	ready  chan struct{} // closed while the idle set is non-empty
	closed bool
	sched  *cron.Cron
}

// New returns an empty pool. With an idle timeout the reaper starts at once.
func New(sp Spawner, cfg Config) (*Pool, error) {
	if sp == nil {
		return nil, errors.New("pool: nil spawner")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		spawner: sp,
		logger:  cfg.Logger.With("pool", cfg.Name),
		ready:   make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		if err := p.startReaper(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) Name() string { return p.cfg.Name }

// Acquire returns the most recently released live worker, or spawns one
// when none is idle. Dead idle workers are dropped silently. The request
// counter of the returned record is already incremented.
func (p *Pool) Acquire(ctx context.Context) (*process.Record, error) {
	start := time.Now()
	for {
		r, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if r == nil {
			break
		}
		if !process.Alive(r.Pid()) {
			p.destroy(r, ReasonDead)
			continue
		}
		return p.checkout(r, start), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := p.spawn()
	if err != nil {
		return nil, err
	}
	return p.checkout(r, start), nil
}

func (p *Pool) checkout(r *process.Record, start time.Time) *process.Record {
	r.SetIdle(false)
	r.IncRequests()
	metrics.ObserveAcquire(p.cfg.Name, time.Since(start).Seconds())
	return r
}

func (p *Pool) popIdle() (*process.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	r := p.idle.Pop()
	p.idleChangedLocked()
	return r, nil
}

func (p *Pool) spawn() (*process.Record, error) {
	r, err := p.spawner.Spawn()
	if err != nil {
		metrics.IncSpawnFailure(p.cfg.Name)
		p.cfg.Recorder.Record(history.NewEvent(history.EventSpawnFailed, p.cfg.Name, history.Worker{}, err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	metrics.IncSpawn(p.cfg.Name)
	p.cfg.Recorder.Record(history.NewEvent(history.EventSpawn, p.cfg.Name, workerOf(r), ""))
	p.logger.Debug("spawned worker", "worker", r.Pid())
	return r, nil
}

// Release returns a worker to the idle set, or destroys it when it reached
// its request limit or the idle set is full.
func (p *Pool) Release(r *process.Record) {
	if r == nil {
		return
	}
	if reason := p.release(r); reason != "" {
		p.destroy(r, reason)
	}
}

func (p *Pool) release(r *process.Record) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ReasonShutdown
	case p.cfg.MaxRequestsPerProc > 0 && r.Requests() >= p.cfg.MaxRequestsPerProc:
		return ReasonRecycle
	case p.cfg.MaxIdleProc > 0 && p.idle.Len() >= p.cfg.MaxIdleProc:
		return ReasonIdleCap
	}
	p.pushIdleLocked(r)
	return ""
}

func (p *Pool) pushIdleLocked(r *process.Record) {
	r.SetIdle(true)
	r.Touch(time.Now())
	p.idle.Push(r)
	p.idleChangedLocked()
}

// idleChangedLocked keeps the ready channel and the idle gauge in step with
// the idle set.
func (p *Pool) idleChangedLocked() {
	n := p.idle.Len()
	select {
	case <-p.ready:
		if n == 0 {
			p.ready = make(chan struct{})
		}
	default:
		if n > 0 {
			close(p.ready)
		}
	}
	metrics.SetIdle(p.cfg.Name, n)
}

// Evict destroys r unconditionally. The worker sees its control channel
// close and exits.
func (p *Pool) Evict(r *process.Record) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if p.idle.Remove(r) {
		p.idleChangedLocked()
	}
	p.mu.Unlock()
	p.destroy(r, ReasonEvict)
}

func (p *Pool) destroy(r *process.Record, reason string) {
	w := workerOf(r)
	if err := r.Close(); err != nil {
		p.logger.Debug("close control channel", "worker", w.PID, "error", err)
	}
	metrics.IncEviction(p.cfg.Name, reason)
	p.cfg.Recorder.Record(history.NewEvent(eventFor(reason), p.cfg.Name, w, reason))
	p.logger.Debug("destroyed worker", "worker", w.PID, "reason", reason, "requests", w.Requests)
}

// EnsureIdle spawns workers until n are idle, bounded by MaxIdleProc. It stops
// at the first spawn failure and returns how many workers it added.
func (p *Pool) EnsureIdle(n int) int {
	if p.cfg.MaxIdleProc > 0 && n > p.cfg.MaxIdleProc {
		n = p.cfg.MaxIdleProc
	}
	added := 0
	for {
		p.mu.Lock()
		done := p.closed || p.idle.Len() >= n
		p.mu.Unlock()
		if done {
			return added
		}
		r, err := p.spawn()
		if err != nil {
			p.logger.Warn("could not top up idle workers", "want", n, "added", added, "error", err)
			return added
		}
		if reason := p.release(r); reason != "" {
			p.destroy(r, reason)
			return added
		}
		added++
	}
}

// IdleCount returns the size of the idle set.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Dump returns the status of every idle worker, least recently used first.
func (p *Pool) Dump() []process.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Snapshot()
}

// Pids lists the idle worker pids.
func (p *Pool) Pids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, p.idle.Len())
	for i := 0; i < p.idle.Len(); i++ {
		out = append(out, p.idle.At(i).Pid())
	}
	return out
}

// WaitIdle blocks until the idle set is non-empty or ctx is done.
func (p *Pool) WaitIdle(ctx context.Context) error {
	p.mu.Lock()
	ch := p.ready
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reaper, waits for a pass in progress and destroys every
// idle worker. Records still held by callers are destroyed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sched := p.sched
	p.sched = nil
	p.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}

	p.mu.Lock()
	var rs []*process.Record
	for r := p.idle.Pop(); r != nil; r = p.idle.Pop() {
		rs = append(rs, r)
	}
	p.idleChangedLocked()
	p.mu.Unlock()

	var g errgroup.Group
	for _, r := range rs {
		g.Go(func() error {
			p.destroy(r, ReasonShutdown)
			return nil
		})
	}
	return g.Wait()
}

func workerOf(r *process.Record) history.Worker {
	return history.Worker{PID: r.Pid(), Requests: r.Requests(), StartedAt: r.StartedAt()}
}

func eventFor(reason string) history.EventType {
	switch reason {
	case ReasonRecycle:
		return history.EventRecycle
	case ReasonReap:
		return history.EventReap
	case ReasonDead:
		return history.EventDead
	}
	return history.EventEvict
}
