package datum

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
)

// idleWait is how long the collector sleeps with nothing in flight before it
// re-checks the stop flag.
const idleWait = 5 * time.Second

// collect polls busy workers for replies until Close was called and nothing
// is outstanding.
func (d *Dispatcher) collect() {
	defer close(d.done)
	var (
		fds  []unix.PollFd
		recs []*process.Record
	)
	for {
		fds, recs = fds[:0], recs[:0]
		d.mu.Lock()
		if d.stop.Load() && d.busy.Len() == 0 && d.pending == 0 {
			d.mu.Unlock()
			return
		}
		for i := 0; i < d.busy.Len(); i++ {
			r := d.busy.At(i)
			fds = append(fds, pdu.PollFd(r.FD()))
			recs = append(recs, r)
		}
		d.mu.Unlock()

		if len(fds) == 0 {
			select {
			case <-d.wake:
			case <-time.After(idleWait):
			}
			continue
		}
		if _, err := pdu.Poll(fds, d.cfg.PollTimeout); err != nil {
			d.logger.Warn("readiness wait failed", "error", err)
			continue
		}
		for i := range fds {
			if fds[i].Revents == 0 {
				continue
			}
			r := recs[i]
			d.mu.Lock()
			owned := d.busy.Remove(r)
			n := d.busy.Len()
			d.mu.Unlock()
			if !owned {
				continue
			}
			metrics.SetBusy(d.cfg.Name, n)
			d.finish(r, fds[i].Revents)
		}
		d.refill()
	}
}

// finish hands the reply of r to the handler and returns r to the pool, or
// reports the failure and evicts it.
func (d *Dispatcher) finish(r *process.Record, revents int16) {
	pid := r.Pid()
	var err error
	if revents&pdu.Readable == 0 {
		err = fmt.Errorf("control channel error (revents %#x)", revents)
	} else {
		_ = r.Conn().SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		hdr, reply, n, rerr := pdu.ReadFrame(r.Conn())
		_ = r.Conn().SetReadDeadline(time.Time{})
		switch {
		case rerr != nil:
			err = rerr
		case n <= 0:
			err = errors.New("control channel closed")
		case int(hdr.SrcPid) != pid:
			err = fmt.Errorf("%w: got %d", ErrBadReply, hdr.SrcPid)
		default:
			d.handler.OnReply(pid, reply)
			d.pool.Release(r)
			return
		}
	}
	d.logger.Warn("worker failed", "worker", pid, "error", err)
	d.handler.OnError(pid, err)
	d.pool.Evict(r)
}

// refill keeps MinIdleProc workers ready while there is room under MaxProc.
func (d *Dispatcher) refill() {
	if d.stop.Load() {
		return
	}
	idle := d.pool.IdleCount()
	if idle >= d.cfg.MinIdleProc {
		return
	}
	d.mu.Lock()
	inFlight := d.busy.Len() + d.pending
	d.mu.Unlock()
	if idle+inFlight < d.cfg.MaxProc {
		d.pool.EnsureIdle(idle + 1)
	}
}
