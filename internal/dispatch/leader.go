package dispatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
)

// Names of the files leader/follower workers inherit.
const (
	fileListener = "listener"
	filePod      = "pod"
	fileLockMem  = "lock"
)

// LeaderFollower shares the listening socket with its workers, which take
// turns accepting under the accept lock. The loop only tracks the status
// tokens workers write, sheds idle workers through the pod pipe and spawns
// replacements. With Threads set, it runs the threaded variant: each worker
// serves connections on a bounded set of goroutines.
type LeaderFollower struct {
	*base
	procs       process.List
	pendingPods int

	podR, podW *os.File
}

func NewLeaderFollower(cfg Config) (*LeaderFollower, error) {
	b, err := newBase(cfg, KindLeader)
	if err != nil {
		return nil, err
	}
	return &LeaderFollower{base: b}, nil
}

// NewThreaded returns the thread-pool variant. cfg.Threads <= 0 selects the
// default pool size.
func NewThreaded(cfg Config) (*LeaderFollower, error) {
	b, err := newBase(cfg, KindThreaded)
	if err != nil {
		return nil, err
	}
	return &LeaderFollower{base: b}, nil
}

func (l *LeaderFollower) prepare() ([]manager.SharedFile, error) {
	lf, err := l.ln.File()
	if err != nil {
		return nil, fmt.Errorf("dispatch: listener file: %w", err)
	}
	files := []manager.SharedFile{{Name: fileListener, File: lf}}
	l.podR, l.podW, err = os.Pipe()
	if err != nil {
		closeShared(files)
		return nil, fmt.Errorf("dispatch: pod pipe: %w", err)
	}
	files = append(files, manager.SharedFile{Name: filePod, File: l.podR})
	mem, err := lock.Prepare(l.cfg.Lock)
	if err != nil {
		closeShared(files)
		return nil, err
	}
	if mem != nil {
		files = append(files, manager.SharedFile{Name: fileLockMem, File: mem})
	}
	return files, nil
}

func closeShared(files []manager.SharedFile) {
	for _, f := range files {
		_ = f.File.Close()
	}
}

// Run serves until Shutdown is called or ctx is done.
func (l *LeaderFollower) Run(ctx context.Context) error {
	files, err := l.prepare()
	if err == nil {
		err = l.start(files)
	}
	// The manager holds its own copies; the loop keeps only the pod writer.
	closeShared(files)
	if err != nil {
		l.closePod()
		_ = l.ln.Close()
		return err
	}
	defer func() {
		l.closePod()
		l.teardown(l.drainProcs())
	}()

	for i := 0; i < l.cfg.Args.MinIdleProc; i++ {
		if !l.spawn(ctx) {
			break
		}
	}

	buf := make([]byte, 256)
	for !l.stopped(ctx) {
		fds := make([]unix.PollFd, l.procs.Len())
		for i := range fds {
			fds[i] = pdu.PollFd(l.procs.At(i).FD())
		}
		if _, err := poll(fds, l.cfg.PollTimeout); err != nil {
			l.logger.Warn("readiness wait failed", "error", err)
			continue
		}
		for i := len(fds) - 1; i >= 0; i-- {
			if fds[i].Revents == 0 {
				continue
			}
			if r := l.procs.At(i); !l.readTokens(r, buf) {
				l.procs.Take(i)
				l.pool.Evict(r)
				if l.pendingPods > 0 {
					l.pendingPods--
				}
			}
		}

		idle := l.idleCount()
		switch {
		case idle-l.pendingPods > l.cfg.Args.MaxIdleProc:
			l.shed()
		case idle < l.cfg.Args.MinIdleProc && l.procs.Len() < l.cfg.Args.MaxProc:
			l.spawn(ctx)
		}
		l.publishProcs()
	}
	return nil
}

// readTokens applies every status byte available on r's channel in order.
// It returns false once the worker reported EXIT or its channel closed.
func (l *LeaderFollower) readTokens(r *process.Record, buf []byte) bool {
	n, err := r.Conn().Read(buf)
	if n == 0 || err != nil {
		l.logger.Debug("worker channel closed", "worker", r.Pid(), "error", err)
		return false
	}
	now := time.Now()
	for _, b := range buf[:n] {
		t := process.Token(b)
		metrics.IncToken(l.cfg.Name, t.String())
		switch t {
		case process.TokenBusy:
			r.SetIdle(false)
		case process.TokenIdle:
			r.SetIdle(true)
			r.IncRequests()
		case process.TokenExit:
			l.logger.Debug("worker exiting", "worker", r.Pid(), "requests", r.Requests())
			return false
		default:
			l.logger.Warn("unknown status token", "worker", r.Pid(), "token", t.String())
		}
		r.Touch(now)
	}
	return true
}

func (l *LeaderFollower) spawn(ctx context.Context) bool {
	r, err := l.pool.Acquire(ctx)
	if err != nil {
		l.logger.Warn("spawn worker", "total", l.procs.Len(), "error", err)
		return false
	}
	r.SetRequests(0)
	r.SetIdle(true)
	l.procs.Push(r)
	return true
}

// shed asks one idle worker to leave. Whichever worker reads the pod byte
// first exits; the loop only counts outstanding requests.
func (l *LeaderFollower) shed() {
	if _, err := l.podW.Write([]byte{byte(process.TokenExit)}); err != nil {
		l.logger.Warn("write pod", "error", err)
		return
	}
	l.pendingPods++
	metrics.IncPod(l.cfg.Name)
}

func (l *LeaderFollower) idleCount() int {
	n := 0
	for i := 0; i < l.procs.Len(); i++ {
		if l.procs.At(i).Idle() {
			n++
		}
	}
	return n
}

func (l *LeaderFollower) publishProcs() {
	var idle, busy []process.Status
	for i := 0; i < l.procs.Len(); i++ {
		r := l.procs.At(i)
		if r.Idle() {
			idle = append(idle, r.Status())
		} else {
			busy = append(busy, r.Status())
		}
	}
	l.publish(idle, busy)
	metrics.SetIdle(l.cfg.Name, len(idle))
	metrics.SetBusy(l.cfg.Name, len(busy))
}

func (l *LeaderFollower) drainProcs() []*process.Record {
	out := make([]*process.Record, 0, l.procs.Len())
	for r := l.procs.Pop(); r != nil; r = l.procs.Pop() {
		out = append(out, r)
	}
	return out
}

func (l *LeaderFollower) closePod() {
	if l.podW != nil {
		_ = l.podW.Close()
		l.podW = nil
	}
}
