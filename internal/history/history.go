package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventSpawn       EventType = "spawn"
	EventSpawnFailed EventType = "spawn_failed"
	EventRecycle     EventType = "recycle"
	EventEvict       EventType = "evict"
	EventReap        EventType = "reap"
	EventDead        EventType = "dead"
)

// Worker describes the worker process an event is about.
type Worker struct {
	PID       int       `json:"pid"`
	Requests  int       `json:"requests"`
	StartedAt time.Time `json:"started_at"`
}

// Event is a worker lifecycle change exported to analytics systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Pool       string    `json:"pool"`
	Worker     Worker    `json:"worker"`
	Reason     string    `json:"reason,omitempty"`
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(t EventType, pool string, w Worker, reason string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Pool:       pool,
		Worker:     w,
		Reason:     reason,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
