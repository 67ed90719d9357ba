package datum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/service"
)

func init() {
	manager.RegisterWorker(Kind, runWorker)
}

// runWorker answers one request frame at a time until the control process
// closes the channel. A failed request gets an empty reply so the dispatcher
// can return the worker to the pool.
func runWorker(_ context.Context, w *manager.Worker) error {
	f, err := service.LookupDatum(w.Spec.Service)
	if err != nil {
		return err
	}
	rec := w.Record
	if err := f.WorkerInit(rec); err != nil {
		return fmt.Errorf("worker init: %w", err)
	}
	defer f.WorkerEnd(rec)

	svc := f.NewDatum()
	for {
		req, payload, _, err := pdu.ReadFrame(rec.Conn())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		reply, herr := svc.Handle(payload)
		if herr != nil {
			w.Logger.Warn("request failed", "from", req.SrcPid, "error", herr)
			reply = nil
		}
		rec.IncRequests()
		if _, err := pdu.SendFrame(rec.Conn(), pdu.NewHeader(os.Getpid(), int(req.SrcPid)), reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
}
