package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart         EventType = "start"
	EventHealthy       EventType = "healthy"
	EventUnhealthy     EventType = "unhealthy"
	EventCrash         EventType = "crash"
	EventRestart       EventType = "restart"
	EventStop          EventType = "stop"
	EventStartupFailed EventType = "startup_failed"
)

// Event represents a service lifecycle event exported to external systems.
type Event struct {
	ID           string    `json:"id" yaml:"id"`
	Type         EventType `json:"type" yaml:"type"`
	OccurredAt   time.Time `json:"occurred_at" yaml:"occurred_at"`
	Service      string    `json:"service" yaml:"service"`
	PID          int       `json:"pid" yaml:"pid"`
	State        string    `json:"state" yaml:"state"`
	RestartCount int       `json:"restart_count" yaml:"restart_count"`
	Detail       string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// NewEvent stamps a new event with an id and the current UTC time.
func NewEvent(t EventType, service string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Service:    service,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Query filters events read back from a queryable sink.
type Query struct {
	Service string
	Limit   int
}

// Reader is implemented by sinks that can list recorded events, newest first.
type Reader interface {
	List(ctx context.Context, q Query) ([]Event, error)
}
