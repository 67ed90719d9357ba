package dispatch

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
)

// Handoff owns the listening socket. It accepts every connection itself and
// passes the descriptor to an idle worker, which answers with a completion
// frame once the connection is done.
type Handoff struct {
	*base
	busy process.List
}

func NewHandoff(cfg Config) (*Handoff, error) {
	b, err := newBase(cfg, KindHandoff)
	if err != nil {
		return nil, err
	}
	return &Handoff{base: b}, nil
}

// Run serves until Shutdown is called or ctx is done.
func (h *Handoff) Run(ctx context.Context) error {
	if err := h.start(nil); err != nil {
		_ = h.ln.Close()
		return err
	}
	defer func() { h.teardown(h.drainBusy()) }()

	args := h.cfg.Args
	h.pool.EnsureIdle(args.MinIdleProc)
	lfd, err := pdu.RawFD(h.ln)
	if err != nil {
		return err
	}

	for !h.stopped(ctx) {
		listening := h.busy.Len() < args.MaxProc
		fds := make([]unix.PollFd, 0, 1+h.busy.Len())
		if listening {
			fds = append(fds, pdu.PollFd(lfd))
		}
		for i := 0; i < h.busy.Len(); i++ {
			fds = append(fds, pdu.PollFd(h.busy.At(i).FD()))
		}

		if _, err := poll(fds, h.cfg.PollTimeout); err != nil {
			h.logger.Warn("readiness wait failed", "error", err)
			continue
		}

		off := 0
		if listening {
			off = 1
		}
		if listening && fds[0].Revents&(pdu.Readable|pdu.Broken) != 0 {
			h.admit(ctx)
		}
		// Admissions were appended to the tail, so walking fds backwards keeps
		// each index aligned with the busy list while records are taken out.
		for i := len(fds) - 1; i >= off; i-- {
			if fds[i].Revents == 0 {
				continue
			}
			h.complete(h.busy.Take(i - off))
		}

		if idle := h.pool.IdleCount(); idle < args.MinIdleProc && idle+h.busy.Len() < args.MaxProc {
			h.pool.EnsureIdle(idle + 1)
		}
		h.publish(h.pool.Dump(), h.busy.Snapshot())
		metrics.SetBusy(h.cfg.Name, h.busy.Len())
	}
	return nil
}

// admit accepts one pending connection and hands it to a worker. The worker
// is taken only once a connection is in hand, so a spurious wakeup does not
// count against its request limit.
func (h *Handoff) admit(ctx context.Context) {
	_ = h.ln.SetDeadline(time.Now().Add(h.cfg.PollTimeout))
	conn, err := h.ln.AcceptTCP()
	if err != nil {
		if !transientAccept(err) {
			h.logger.Warn("accept failed", "error", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	r, err := h.pool.Acquire(ctx)
	if err != nil {
		h.logger.Warn("no worker for connection, dropping it", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	fd, err := pdu.RawFD(conn)
	if err == nil {
		err = pdu.SendFD(r.Conn(), fd)
	}
	if err != nil {
		h.logger.Warn("hand off connection", "worker", r.Pid(), "error", err)
		h.pool.Evict(r)
		return
	}
	h.busy.Push(r)
}

// complete reads the completion frame of a busy worker. A worker that
// closed its channel or answered with anything but its own pid is evicted.
func (h *Handoff) complete(r *process.Record) {
	hdr, _, n, err := pdu.ReadFrame(r.Conn())
	if err != nil || n <= 0 || int(hdr.SrcPid) != r.Pid() {
		h.logger.Warn("worker gone", "worker", r.Pid(), "src", hdr.SrcPid, "error", err)
		h.pool.Evict(r)
		return
	}
	h.pool.Release(r)
}

func (h *Handoff) drainBusy() []*process.Record {
	out := make([]*process.Record, 0, h.busy.Len())
	for r := h.busy.Pop(); r != nil; r = h.busy.Pop() {
		out = append(out, r)
	}
	return out
}
