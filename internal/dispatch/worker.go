package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/service"
)

func init() {
	manager.RegisterWorker(KindHandoff, runHandoffWorker)
	manager.RegisterWorker(KindLeader, runLeaderWorker)
	manager.RegisterWorker(KindThreaded, runLeaderWorker)
}

// runHandoffWorker receives one connection at a time over its control
// channel, serves it and reports completion with a frame carrying its pid.
func runHandoffWorker(_ context.Context, w *manager.Worker) error {
	f, err := service.LookupInet(w.Spec.Service)
	if err != nil {
		return err
	}
	rec := w.Record
	if err := f.WorkerInit(rec); err != nil {
		return fmt.Errorf("worker init: %w", err)
	}
	defer f.WorkerEnd(rec)

	for {
		fd, err := pdu.RecvFD(rec.Conn())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive connection: %w", err)
		}
		conn, err := fileConn(fd)
		if err != nil {
			w.Logger.Warn("wrap connection", "error", err)
		} else {
			serve(f.NewInet(), conn)
		}
		rec.IncRequests()
		if _, err := pdu.SendFrame(rec.Conn(), pdu.NewHeader(rec.Pid(), 0), nil); err != nil {
			return fmt.Errorf("report completion: %w", err)
		}
	}
}

func fileConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "conn")
	defer func() { _ = f.Close() }()
	return net.FileConn(f)
}
