package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry // "" holds wildcard subscribers
	history  []*Event
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[EventType][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish records ev and calls its subscribers synchronously, outside the
// bus lock. Missing ID and Timestamp are filled in.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	var targets []Handler
	for _, e := range b.handlers[ev.Type] {
		targets = append(targets, e.handler)
	}
	if ev.Type != "" {
		for _, e := range b.handlers[""] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %w", ev.Type, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers handler for typ ("" for every event).
func (b *InMemoryBus) Subscribe(typ EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[typ]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, typ)
		} else {
			b.handlers[typ] = filtered
		}
	}
}

// History returns up to limit of the most recent events concerning recordID,
// either as the subject or as the parent, in chronological order.
func (b *InMemoryBus) History(recordID string, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if recordID == "" || ev.RecordID == recordID || ev.ParentID == recordID {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
