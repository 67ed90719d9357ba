package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultQueue = 256

// DefaultTimeout bounds a single fan-out of one event to every sink.
const DefaultTimeout = 5 * time.Second

// Recorder fans events out to sinks on a background goroutine so callers
// holding pool locks never wait on I/O. A nil *Recorder discards events.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts a recorder for sinks. With no sinks it returns nil.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if len(sinks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueue),
		timeout: DefaultTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// WithTimeout sets the per-event sink deadline. Call it before the first Record.
func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	if r != nil && d > 0 {
		r.timeout = d
	}
	return r
}

// Record queues e. When the queue is full the event is dropped and logged.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type, "pid", e.Worker.PID)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		r.send(e)
	}
}

func (r *Recorder) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	var g errgroup.Group
	for _, s := range r.sinks {
		g.Go(func() error { return s.Send(ctx, e) })
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("history sink failed", "type", e.Type, "pid", e.Worker.PID, "error", err)
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
