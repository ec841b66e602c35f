// Package comms carries task lifecycle notifications between the engine and
// whoever is watching it.
package comms

import (
	"context"
	"time"
)

// EventType identifies a lifecycle transition of a task record.
type EventType string

const (
	EventClaimed   EventType = "claimed"   // a worker took the record
	EventStarted   EventType = "started"   // the record moved to in_progress
	EventCompleted EventType = "completed" // the loop produced a final answer
	EventExhausted EventType = "exhausted" // completed after hitting max iterations
	EventFailed    EventType = "failed"    // the run failed terminally
	EventRequeued  EventType = "requeued"  // failed and put back to pending
	EventDelegated EventType = "delegated" // a sub-task record was spawned
)

// Event is one lifecycle notification.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	RecordID   string            `json:"record_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	ExecutorID string            `json:"executor_id,omitempty"`
	Detail     string            `json:"detail,omitempty"` // answer excerpt or error text
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Bus delivers lifecycle events to subscribers.
type Bus interface {
	// Publish delivers ev to every handler subscribed to its type and to
	// every wildcard subscriber.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers handler for one event type, or for all types when
	// typ is empty. Returns an unsubscribe function.
	Subscribe(typ EventType, handler Handler) (unsubscribe func())

	// History returns the most recent events for recordID (all records when
	// empty), oldest first.
	History(recordID string, limit int) ([]*Event, error)
}
