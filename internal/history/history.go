package history

import (
	"context"
	"time"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventRestart    EventType = "restart"
	EventTransition EventType = "transition"
	EventFailure    EventType = "failure"
)

// Event is one lifecycle occurrence exported to external analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use; Send failures are logged by the caller, never fatal.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Fanout sends each event to every sink, returning the first error.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var firstErr error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) Close() error {
	var firstErr error
	for _, s := range f {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
