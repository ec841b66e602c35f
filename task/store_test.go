package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskloop/provider"
)

func newTestStore(t *testing.T, opts ...Option) *SQLStore {
	t.Helper()
	f, err := os.CreateTemp("", "taskloop-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path, opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// stepClock returns a clock that advances one millisecond per call so
// created_at ordering is deterministic.
func stepClock() Clock {
	var mu sync.Mutex
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func mustPush(t *testing.T, s Store, r *Record) string {
	t.Helper()
	id, err := s.Push(context.Background(), r)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	return id
}

func TestSQLStore_PushAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload, err := EncodePayload(Payload{Prompt: "list files", AllowedCapabilities: []string{"list_dir"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := &Record{Kind: "request", Priority: 2, Payload: payload, Status: StatusCompleted}
	id := mustPush(t, store, rec)
	if id == "" {
		t.Fatal("Push returned empty ID")
	}
	if rec.ID != id {
		t.Errorf("rec.ID = %q, want %q", rec.ID, id)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Kind != "request" || got.Priority != 2 {
		t.Errorf("Kind/Priority = %q/%d, want request/2", got.Kind, got.Priority)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, DefaultMaxRetries)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
	p, err := got.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Prompt != "list files" || len(p.AllowedCapabilities) != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestSQLStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_Push_UnknownParent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Push(context.Background(), &Record{Kind: "sub", ParentID: "missing"})
	if !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("Push error = %v, want ErrUnknownParent", err)
	}
}

func TestSQLStore_Claim_Order(t *testing.T) {
	store := newTestStore(t, WithClock(stepClock()))
	ctx := context.Background()

	low := mustPush(t, store, &Record{Kind: "k", Priority: 5})
	first := mustPush(t, store, &Record{Kind: "k", Priority: 1})
	second := mustPush(t, store, &Record{Kind: "k", Priority: 1})

	want := []string{first, second, low}
	for i, w := range want {
		rec, err := store.Claim(ctx, "exec-1", Filter{})
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		if rec == nil {
			t.Fatalf("Claim %d returned nil", i)
		}
		if rec.ID != w {
			t.Errorf("Claim %d = %s, want %s", i, rec.ID, w)
		}
		if rec.Status != StatusClaimed || rec.ClaimantID != "exec-1" || rec.ClaimedAt == nil {
			t.Errorf("claimed record = %+v", rec)
		}
	}

	rec, err := store.Claim(ctx, "exec-1", Filter{})
	if err != nil {
		t.Fatalf("Claim on empty queue: %v", err)
	}
	if rec != nil {
		t.Errorf("Claim on empty queue = %+v, want nil", rec)
	}
}

func TestSQLStore_Claim_KindFilter(t *testing.T) {
	store := newTestStore(t, WithClock(stepClock()))
	ctx := context.Background()

	mustPush(t, store, &Record{Kind: "a"})
	b := mustPush(t, store, &Record{Kind: "b"})

	rec, err := store.Claim(ctx, "exec", Filter{Kind: "b"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if rec == nil || rec.ID != b {
		t.Fatalf("Claim kind b = %+v, want %s", rec, b)
	}
	rec, err = store.Claim(ctx, "exec", Filter{Kind: "b"})
	if err != nil || rec != nil {
		t.Fatalf("second Claim kind b = %+v, %v; want nil, nil", rec, err)
	}
}

func TestSQLStore_Claim_NoDoubleClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const records = 20
	const workers = 8
	for i := 0; i < records; i++ {
		mustPush(t, store, &Record{Kind: "k"})
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		dupes   atomic.Int32
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			exec := fmt.Sprintf("exec-%d", w)
			for {
				rec, err := store.Claim(ctx, exec, Filter{Kind: "k"})
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if rec == nil {
					return
				}
				mu.Lock()
				if _, ok := claimed[rec.ID]; ok {
					dupes.Add(1)
				}
				claimed[rec.ID] = exec
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if dupes.Load() != 0 {
		t.Errorf("%d records were claimed twice", dupes.Load())
	}
	if len(claimed) != records {
		t.Errorf("claimed %d records, want %d", len(claimed), records)
	}
}

func TestSQLStore_Claim_SingleRecordRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustPush(t, store, &Record{Kind: "k"})

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.Claim(ctx, fmt.Sprintf("exec-%d", i), Filter{})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if rec != nil {
				if rec.ID != id {
					t.Errorf("claimed %s, want %s", rec.ID, id)
				}
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", wins.Load())
	}
}

func TestSQLStore_ClaimByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustPush(t, store, &Record{Kind: "k"})

	rec, err := store.ClaimByID(ctx, id, "exec")
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if rec.Status != StatusClaimed || rec.ClaimantID != "exec" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := store.ClaimByID(ctx, id, "other"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second ClaimByID error = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.ClaimByID(ctx, "missing", "exec"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClaimByID missing error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustPush(t, store, &Record{Kind: "k"})

	if _, err := store.UpdateStatus(ctx, id, StatusInProgress, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> in_progress error = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.Claim(ctx, "exec", Filter{}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, id, StatusCompleted, Outcome{Result: "x"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("claimed -> completed error = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.UpdateStatus(ctx, id, StatusInProgress, Outcome{}); err != nil {
		t.Fatalf("claimed -> in_progress: %v", err)
	}
	rec, err := store.UpdateStatus(ctx, id, StatusCompleted, Outcome{Result: "answer", Error: "ignored"})
	if err != nil {
		t.Fatalf("in_progress -> completed: %v", err)
	}
	if rec.Result != "answer" || rec.Error != "" || rec.CompletedAt == nil {
		t.Errorf("completed record = %+v", rec)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.Result != "answer" || got.Error != "" {
		t.Errorf("stored record = %+v", got)
	}
	if _, err := store.UpdateStatus(ctx, id, StatusPending, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed -> pending error = %v, want ErrInvalidTransition", err)
	}
}

func TestSQLStore_RetryPolicy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustPush(t, store, &Record{Kind: "k", MaxRetries: 2})

	requeues := 0
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := store.Claim(ctx, "exec", Filter{}); err != nil {
			t.Fatalf("attempt %d Claim: %v", attempt, err)
		}
		if _, err := store.UpdateStatus(ctx, id, StatusInProgress, Outcome{}); err != nil {
			t.Fatalf("attempt %d in_progress: %v", attempt, err)
		}
		rec, err := store.UpdateStatus(ctx, id, StatusFailed, Outcome{Error: fmt.Sprintf("boom %d", attempt)})
		if err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
		if !CanRetry(rec) {
			break
		}
		rec, err = store.UpdateStatus(ctx, id, StatusPending, Outcome{})
		if err != nil {
			t.Fatalf("attempt %d requeue: %v", attempt, err)
		}
		if rec.ClaimantID != "" || rec.Error != "" {
			t.Errorf("requeued record = %+v", rec)
		}
		requeues++
	}

	if requeues != 2 {
		t.Errorf("requeues = %d, want 2", requeues)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.Error != "boom 3" {
		t.Errorf("Error = %q, want %q", got.Error, "boom 3")
	}
	if _, err := store.UpdateStatus(ctx, id, StatusPending, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("requeue past budget error = %v, want ErrInvalidTransition", err)
	}
}

func TestSQLStore_ChildrenAndList(t *testing.T) {
	store := newTestStore(t, WithClock(stepClock()))
	ctx := context.Background()

	parent := mustPush(t, store, &Record{Kind: "request"})
	c1 := mustPush(t, store, &Record{Kind: "sub_task:explore", ParentID: parent})
	c2 := mustPush(t, store, &Record{Kind: "sub_task:plan", ParentID: parent})
	mustPush(t, store, &Record{Kind: "request"})

	children, err := store.Children(ctx, parent)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 || children[0].ID != c1 || children[1].ID != c2 {
		t.Fatalf("Children = %v, want [%s %s]", ids(children), c1, c2)
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List all: got %d, want 4", len(all))
	}

	requests, err := store.List(ctx, Filter{Kind: "request"})
	if err != nil {
		t.Fatalf("List kind: %v", err)
	}
	if len(requests) != 2 {
		t.Errorf("List kind request: got %d, want 2", len(requests))
	}

	if _, err := store.Claim(ctx, "exec-9", Filter{}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claimed := StatusClaimed
	byStatus, err := store.List(ctx, Filter{Status: &claimed, ClaimantID: "exec-9"})
	if err != nil {
		t.Fatalf("List status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != parent {
		t.Errorf("List claimed = %v, want [%s]", ids(byStatus), parent)
	}

	limited, err := store.List(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != c1 {
		t.Errorf("List limit 2 offset 1 = %v", ids(limited))
	}
}

func TestTranscript_AppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tr := NewTranscript(store)
	id := mustPush(t, store, &Record{Kind: "k"})

	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: "sys"},
		{Role: provider.RoleAssistant, Invocations: []provider.Invocation{
			{ID: "call_1", Name: "list_dir", Arguments: map[string]any{"path": "."}},
		}, Reasoning: "look first"},
		{Role: provider.RoleCapabilityResult, Content: "a.txt", ResultRef: "call_1"},
	}
	for i, m := range msgs {
		if err := tr.Append(ctx, id, 1, i, m); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := tr.Messages(ctx, id)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Invocations != nil {
		t.Errorf("system message invocations = %v, want nil", got[0].Invocations)
	}
	if got[1].Invocations[0].Name != "list_dir" || got[1].Invocations[0].Arguments["path"] != "." {
		t.Errorf("invocation = %+v", got[1].Invocations[0])
	}
	if got[1].Reasoning != "look first" {
		t.Errorf("Reasoning = %q", got[1].Reasoning)
	}
	if got[2].ResultRef != "call_1" || got[2].Role != provider.RoleCapabilityResult {
		t.Errorf("result message = %+v", got[2])
	}
}

func TestTranscript_SeparatesAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tr := NewTranscript(store)
	id := mustPush(t, store, &Record{Kind: "k"})

	first := []provider.Message{
		{Role: provider.RoleUser, Content: "try"},
		{Role: provider.RoleAssistant, Content: "first attempt"},
	}
	second := []provider.Message{
		{Role: provider.RoleUser, Content: "try"},
		{Role: provider.RoleAssistant, Content: "second attempt"},
	}
	for i, m := range first {
		if err := tr.Append(ctx, id, 1, i+1, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	for i, m := range second {
		if err := tr.Append(ctx, id, 2, i+1, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := tr.ByRecord(ctx, id)
	if err != nil {
		t.Fatalf("ByRecord: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i, want := range []int{1, 1, 2, 2} {
		if entries[i].Attempt != want || entries[i].Seq != i+1 {
			t.Errorf("entry %d: attempt %d seq %d, want attempt %d seq %d", i, entries[i].Attempt, entries[i].Seq, want, i+1)
		}
	}

	latest, err := tr.Messages(ctx, id)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(latest) != 2 || latest[1].Content != "second attempt" {
		t.Errorf("Messages = %+v, want the second attempt only", latest)
	}
	if got := AttemptOf(&Record{RetryCount: 2}); got != 3 {
		t.Errorf("AttemptOf = %d, want 3", got)
	}
}

func ids(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
