package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/process"
	"github.com/loykin/prefork/internal/service"
	"github.com/loykin/prefork/internal/threadpool"
)

// acceptTimeout bounds how long the lock holder blocks in accept, so it
// checks the pod and its control channel regularly.
const acceptTimeout = 250 * time.Millisecond

type leaderWorker struct {
	w       *manager.Worker
	factory service.InetFactory
	ln      *net.TCPListener
	podFD   int
	locker  lock.Locker
	tp      *threadpool.Pool

	reportedBusy bool
}

// runLeaderWorker is the body of leader/follower and threaded workers:
// lock, accept, unlock, serve, and report BUSY/IDLE on the control channel.
func runLeaderWorker(ctx context.Context, w *manager.Worker) error {
	lw, err := openLeaderWorker(w)
	if err != nil {
		_ = w.Record.Report(process.TokenExit)
		return err
	}
	defer lw.close()

	rec := w.Record
	if err := lw.factory.WorkerInit(rec); err != nil {
		_ = rec.Report(process.TokenExit)
		return fmt.Errorf("worker init: %w", err)
	}
	defer lw.factory.WorkerEnd(rec)

	ctx, cancel := watchParent(ctx, rec.Conn())
	defer cancel()
	return lw.serve(ctx)
}

func openLeaderWorker(w *manager.Worker) (*leaderWorker, error) {
	f, err := service.LookupInet(w.Spec.Service)
	if err != nil {
		return nil, err
	}
	lf, pod := w.File(fileListener), w.File(filePod)
	if lf == nil || pod == nil {
		return nil, errors.New("listener or pod not inherited")
	}
	l, err := net.FileListener(lf)
	_ = lf.Close()
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	podFD := int(pod.Fd())
	if err := unix.SetNonblock(podFD, true); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("pod: %w", err)
	}
	locker, err := lock.Open(w.Spec.Lock, w.File(fileLockMem))
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	lw := &leaderWorker{
		w:       w,
		factory: f,
		ln:      l.(*net.TCPListener),
		podFD:   podFD,
		locker:  locker,
	}
	if w.Spec.Kind == KindThreaded {
		lw.tp = threadpool.New(w.Spec.Threads, lw.onFull)
	}
	return lw, nil
}

func (lw *leaderWorker) serve(ctx context.Context) error {
	rec := lw.w.Record
	maxReq := lw.w.Spec.MaxRequests
	for ctx.Err() == nil {
		if maxReq > 0 && rec.Requests() >= maxReq {
			lw.w.Logger.Debug("request limit reached", "requests", rec.Requests())
			return lw.exit(nil)
		}
		if lw.podTaken() {
			lw.w.Logger.Debug("shed by control loop")
			return lw.exit(nil)
		}
		if lw.tp != nil {
			if lw.reportedBusy && lw.tp.Busy() == 0 {
				lw.reportedBusy = false
				if err := rec.Report(process.TokenIdle); err != nil {
					return err
				}
			}
			if err := lw.tp.WaitForIdler(ctx); err != nil {
				return nil
			}
		}

		conn, err := lw.accept()
		if err != nil {
			if transientAccept(err) {
				continue
			}
			return lw.exit(fmt.Errorf("accept: %w", err))
		}
		rec.IncRequests()

		if lw.tp != nil {
			svc := lw.factory.NewInet()
			if err := lw.tp.Dispatch(ctx, func() { serve(svc, conn) }); err != nil {
				_ = conn.Close()
				return nil
			}
			continue
		}
		if err := rec.Report(process.TokenBusy); err != nil {
			_ = conn.Close()
			return err
		}
		serve(lw.factory.NewInet(), conn)
		if err := rec.Report(process.TokenIdle); err != nil {
			return err
		}
	}
	return nil
}

// accept takes one connection while holding the accept lock.
func (lw *leaderWorker) accept() (net.Conn, error) {
	if err := lw.locker.Lock(); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	_ = lw.ln.SetDeadline(time.Now().Add(acceptTimeout))
	conn, err := lw.ln.Accept()
	if uerr := lw.locker.Unlock(); uerr != nil && err == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unlock: %w", uerr)
	}
	return conn, err
}

// podTaken consumes one shed request from the pod pipe if there is one.
func (lw *leaderWorker) podTaken() bool {
	var b [1]byte
	n, err := unix.Read(lw.podFD, b[:])
	return err == nil && n == 1
}

// onFull runs on the accepting goroutine when every handler slot is busy.
func (lw *leaderWorker) onFull() {
	if lw.reportedBusy {
		return
	}
	lw.reportedBusy = true
	if err := lw.w.Record.Report(process.TokenBusy); err != nil {
		lw.w.Logger.Warn("report busy", "error", err)
	}
}

func (lw *leaderWorker) exit(err error) error {
	if rerr := lw.w.Record.Report(process.TokenExit); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (lw *leaderWorker) close() {
	if lw.tp != nil {
		lw.tp.Close()
	}
	_ = lw.ln.Close()
	if c, ok := lw.locker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
