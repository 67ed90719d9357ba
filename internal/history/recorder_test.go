package history

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRecorderFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	r := NewRecorder(nil, a, b)
	for i := 0; i < 5; i++ {
		r.Record(NewEvent(EventSpawn, "echo", Worker{PID: 100 + i}, ""))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(a.events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(a.events))
	}
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
	if a.events[0].ID == "" || a.events[0].ID == a.events[1].ID {
		t.Fatalf("event ids must be unique and non-empty")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(NewEvent(EventEvict, "x", Worker{PID: 1}, "test"))
	if err := r.Close(); err != nil {
		t.Fatalf("close nil recorder: %v", err)
	}
	if NewRecorder(nil) != nil {
		t.Fatalf("recorder without sinks should be nil")
	}
}
