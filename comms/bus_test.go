package comms

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func makeEvent(typ EventType, record, parent string) *Event {
	return &Event{Type: typ, RecordID: record, ParentID: parent, Kind: "request"}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe(EventCompleted, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	if err := bus.Publish(ctx, makeEvent(EventCompleted, "r1", "")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	unsub()
	if err := bus.Publish(ctx, makeEvent(EventCompleted, "r1", "")); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_TypeRoutingAndWildcard(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var failed, all int32
	bus.Subscribe(EventFailed, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&failed, 1)
		return nil
	})
	bus.Subscribe("", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	for _, typ := range []EventType{EventClaimed, EventStarted, EventFailed, EventRequeued} {
		if err := bus.Publish(ctx, makeEvent(typ, "r1", "")); err != nil {
			t.Fatalf("Publish %s: %v", typ, err)
		}
	}
	if failed != 1 {
		t.Errorf("failed subscriber got %d events, want 1", failed)
	}
	if all != 4 {
		t.Errorf("wildcard subscriber got %d events, want 4", all)
	}
}

func TestInMemoryBus_FillsIDAndTimestamp(t *testing.T) {
	bus := NewInMemoryBus()
	ev := makeEvent(EventClaimed, "r1", "")
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Errorf("event not stamped: %+v", ev)
	}
}

func TestInMemoryBus_HandlerError(t *testing.T) {
	bus := NewInMemoryBus()
	boom := errors.New("boom")
	var called int32
	bus.Subscribe(EventFailed, func(context.Context, *Event) error { return boom })
	bus.Subscribe(EventFailed, func(context.Context, *Event) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	err := bus.Publish(context.Background(), makeEvent(EventFailed, "r1", ""))
	if !errors.Is(err, boom) {
		t.Errorf("Publish error = %v, want wrapping boom", err)
	}
	if called != 1 {
		t.Error("a failing handler stopped delivery to the next one")
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	events := []*Event{
		makeEvent(EventClaimed, "parent", ""),
		makeEvent(EventDelegated, "child", "parent"),
		makeEvent(EventCompleted, "other", ""),
		makeEvent(EventCompleted, "parent", ""),
	}
	for _, ev := range events {
		bus.Publish(ctx, ev)
	}

	hist, err := bus.History("parent", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History len = %d, want 3", len(hist))
	}
	if hist[0].Type != EventClaimed || hist[2].Type != EventCompleted {
		t.Errorf("History not chronological: %s ... %s", hist[0].Type, hist[2].Type)
	}

	all, _ := bus.History("", 0)
	if len(all) != 4 {
		t.Errorf("History(all) len = %d, want 4", len(all))
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		bus.Publish(ctx, makeEvent(EventClaimed, "r1", ""))
	}

	hist, err := bus.History("r1", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Errorf("History with limit 5 returned %d events", len(hist))
	}
}
