package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskloop/capability"
	"github.com/GoCodeAlone/taskloop/capability/files"
	"github.com/GoCodeAlone/taskloop/history"
	"github.com/GoCodeAlone/taskloop/interpret"
	"github.com/GoCodeAlone/taskloop/provider"
	"github.com/GoCodeAlone/taskloop/provider/mock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps transport backoff in the millisecond range.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newRegistry(caps ...capability.Capability) *capability.Registry {
	reg := capability.NewRegistry(capability.WithLogger(quietLogger()))
	reg.MustRegister(caps...)
	return reg
}

func constCap(name, output string) capability.Capability {
	return capability.New(name, "returns "+output, nil, func(context.Context, map[string]any) (any, error) {
		return output, nil
	})
}

func newTestLoop(p provider.Provider, reg *capability.Registry, cfg Config, opts ...LoopOption) *Loop {
	opts = append([]LoopOption{WithConfig(cfg), WithLoopLogger(quietLogger())}, opts...)
	return NewLoop(p, reg, opts...)
}

func call(id, name string, args map[string]any) provider.Invocation {
	return provider.Invocation{ID: id, Name: name, Arguments: args}
}

func TestLoop_AnswersWithoutInvocations(t *testing.T) {
	p := mock.New("The answer is 42.")
	loop := newTestLoop(p, newRegistry(), fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "question", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Iterations != 1 {
		t.Fatalf("outcome = %s after %d iterations, want done after 1", res.Outcome, res.Iterations)
	}
	if res.Answer != "The answer is 42." {
		t.Errorf("Answer = %q", res.Answer)
	}
	hist := res.History()
	if len(hist) != 3 || hist[0].Role != provider.RoleSystem || hist[1].Role != provider.RoleUser {
		t.Errorf("history = %+v", hist)
	}
}

func TestLoop_FallbackEndToEnd(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := mock.NewScripted([]mock.Step{
		{Content: `LIST_DIR[{"path":"."}]`},
		{Content: "The directory holds hello.txt."},
	}, false)

	cfg := fastConfig()
	cfg.Mode = interpret.ModeFallback
	loop := newTestLoop(p, newRegistry(files.All(ws)...), cfg)

	var observed int
	res, err := loop.Run(context.Background(), RunRequest{
		Prompt:  "list files",
		Observe: func(int, provider.Message) { observed++ },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Iterations != 2 {
		t.Fatalf("outcome = %s after %d iterations, want done after 2", res.Outcome, res.Iterations)
	}

	hist := res.History()
	var invocations []provider.Invocation
	var results []provider.Message
	for _, m := range hist {
		invocations = append(invocations, m.Invocations...)
		if m.Role == provider.RoleCapabilityResult {
			results = append(results, m)
		}
	}
	if len(invocations) != 1 || invocations[0].Name != "list_dir" {
		t.Fatalf("invocations = %+v, want one list_dir", invocations)
	}
	if len(results) != 1 || !strings.Contains(results[0].Content, "hello.txt") {
		t.Fatalf("results = %+v", results)
	}
	if results[0].ResultRef != invocations[0].ID {
		t.Errorf("ResultRef = %q, want %q", results[0].ResultRef, invocations[0].ID)
	}
	if observed != len(hist) {
		t.Errorf("observed %d messages, history has %d", observed, len(hist))
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	if calls[0].Defs != nil {
		t.Error("fallback mode sent native capability definitions")
	}
	if !strings.Contains(calls[0].Messages[0].Content, interpret.InstructionsMarker) {
		t.Error("first request lacks the call format instructions")
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != provider.RoleUser || !strings.HasPrefix(last.Content, "[Result of list_dir]") {
		t.Errorf("flattened result = %+v", last)
	}
}

func TestLoop_ParallelResultsInInvocationOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		finished []string
	)
	delayed := func(name string, d time.Duration) capability.Capability {
		return capability.New(name, "", nil, func(context.Context, map[string]any) (any, error) {
			time.Sleep(d)
			mu.Lock()
			finished = append(finished, name)
			mu.Unlock()
			return "result " + name, nil
		})
	}
	reg := newRegistry(delayed("a", 80*time.Millisecond), delayed("b", 40*time.Millisecond), delayed("c", 0))

	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "a", nil), call("2", "b", nil), call("3", "c", nil)}},
		{Content: "done"},
	}, false)
	loop := newTestLoop(p, reg, fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "fan out"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []string
	for _, m := range res.History() {
		if m.Role == provider.RoleCapabilityResult {
			got = append(got, m.ResultRef+"="+m.Content)
		}
	}
	want := []string{"1=result a", "2=result b", "3=result c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("results = %v, want %v", got, want)
	}
	if len(finished) != 3 || finished[0] != "c" {
		t.Errorf("completion order = %v, want c to finish first", finished)
	}
}

func TestLoop_SequentialWhenParallelDisabled(t *testing.T) {
	var order []string
	rec := func(name string) capability.Capability {
		return capability.New(name, "", nil, func(context.Context, map[string]any) (any, error) {
			order = append(order, name)
			return name, nil
		})
	}
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "x", nil), call("2", "y", nil)}},
		{Content: "done"},
	}, false)
	cfg := fastConfig()
	cfg.Parallel = false
	loop := newTestLoop(p, newRegistry(rec("x"), rec("y")), cfg)

	if _, err := loop.Run(context.Background(), RunRequest{Prompt: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(order, ",") != "x,y" {
		t.Errorf("order = %v", order)
	}
}

func TestLoop_CapabilityFaultIsCaptured(t *testing.T) {
	failing := capability.New("broken", "", nil, func(context.Context, map[string]any) (any, error) {
		return "partial", errors.New("disk on fire")
	})
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "broken", nil), call("2", "missing", nil)}},
		{Content: "recovered"},
	}, false)
	loop := newTestLoop(p, newRegistry(failing), fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "try"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Answer != "recovered" {
		t.Fatalf("result = %+v", res)
	}
	hist := res.History()
	got := []string{hist[2].Content, hist[3].Content}
	if got[0] != "Error: disk on fire\npartial" {
		t.Errorf("broken result = %q", got[0])
	}
	if got[1] != `Error: unknown capability "missing"` {
		t.Errorf("missing result = %q", got[1])
	}
}

func TestLoop_Exhausted(t *testing.T) {
	p := mock.NewScripted([]mock.Step{
		{Content: "still digging", Invocations: []provider.Invocation{call("", "probe", nil)}},
	}, true)
	cfg := fastConfig()
	cfg.MaxIterations = 3
	loop := newTestLoop(p, newRegistry(constCap("probe", "nothing yet")), cfg)

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "dig"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeExhausted || res.Iterations != 3 {
		t.Fatalf("outcome = %s after %d iterations, want exhausted after 3", res.Outcome, res.Iterations)
	}
	if res.Answer != ExhaustedNotice+"\n\nstill digging" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(p.Calls()) != 3 {
		t.Errorf("provider calls = %d, want 3", len(p.Calls()))
	}
}

func TestLoop_CompletionFailure(t *testing.T) {
	p := mock.NewScripted([]mock.Step{{Error: "invalid api key", Permanent: true}}, false)
	loop := newTestLoop(p, newRegistry(), fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "hi"})
	if !errors.Is(err, ErrCompletion) || !errors.Is(err, provider.ErrPermanent) {
		t.Fatalf("err = %v, want ErrCompletion wrapping ErrPermanent", err)
	}
	if res.Outcome != OutcomeFailed || res.Iterations != 1 {
		t.Errorf("outcome = %s after %d iterations", res.Outcome, res.Iterations)
	}
	if len(p.Calls()) != 1 {
		t.Errorf("permanent error retried: %d calls", len(p.Calls()))
	}
}

func TestLoop_TransportRetry(t *testing.T) {
	p := mock.NewScripted([]mock.Step{
		{Error: "connection reset"},
		{Error: "503 service unavailable"},
		{Content: "third time lucky"},
	}, false)
	loop := newTestLoop(p, newRegistry(), fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "third time lucky" || len(p.Calls()) != 3 {
		t.Errorf("answer %q after %d calls", res.Answer, len(p.Calls()))
	}
}

func TestLoop_TransportRetriesBounded(t *testing.T) {
	p := mock.NewScripted([]mock.Step{{Error: "timeout"}}, true)
	cfg := fastConfig()
	cfg.TransportAttempts = 2
	loop := newTestLoop(p, newRegistry(), cfg)

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "hi"})
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("err = %v, want ErrCompletion", err)
	}
	if res.Outcome != OutcomeFailed || len(p.Calls()) != 2 {
		t.Errorf("outcome %s after %d calls, want failed after 2", res.Outcome, len(p.Calls()))
	}
}

func TestLoop_CanceledBeforeStart(t *testing.T) {
	p := mock.New("never")
	loop := newTestLoop(p, newRegistry(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := loop.Run(ctx, RunRequest{Prompt: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Outcome != OutcomeCanceled || res.Iterations != 0 || len(p.Calls()) != 0 {
		t.Errorf("outcome %s, %d iterations, %d calls", res.Outcome, res.Iterations, len(p.Calls()))
	}
}

func TestLoop_CancelDuringCapabilityLetsCallFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopper := capability.New("stop", "", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "finished", nil
	})
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "stop", nil)}},
		{Content: "unreachable"},
	}, false)
	loop := newTestLoop(p, newRegistry(stopper), fastConfig())

	res, err := loop.Run(ctx, RunRequest{Prompt: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Outcome != OutcomeCanceled || res.Iterations != 1 {
		t.Errorf("outcome %s after %d iterations", res.Outcome, res.Iterations)
	}
	hist := res.History()
	if last := hist[len(hist)-1]; last.Content != "finished" {
		t.Errorf("in-flight call result = %q, want finished", last.Content)
	}
}

func TestLoop_AllowedCapabilities(t *testing.T) {
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "secret", nil), call("2", "public", nil)}},
		{Content: "ok"},
	}, false)
	loop := newTestLoop(p, newRegistry(constCap("public", "pub"), constCap("secret", "shh")), fastConfig())

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "hi", AllowedCapabilities: []string{"public", "nope"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defs := p.Calls()[0].Defs
	if len(defs) != 1 || defs[0].Name != "public" {
		t.Errorf("defs = %+v, want only public", defs)
	}
	hist := res.History()
	if hist[2].Content != `Error: capability "secret" is not available to this task` {
		t.Errorf("secret result = %q", hist[2].Content)
	}
	if hist[3].Content != "pub" {
		t.Errorf("public result = %q", hist[3].Content)
	}
}

func TestLoop_RefusesRepeatedFailures(t *testing.T) {
	var runs int
	flaky := capability.New("flaky", "", nil, func(context.Context, map[string]any) (any, error) {
		runs++
		return nil, errors.New("nope")
	})
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("", "flaky", map[string]any{"x": 1})}},
	}, true)
	cfg := fastConfig()
	cfg.MaxIterations = 5
	loop := newTestLoop(p, newRegistry(flaky), cfg)

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs != 3 {
		t.Errorf("executor ran %d times, want 3", runs)
	}
	hist := res.History()
	if last := hist[len(hist)-1]; !strings.Contains(last.Content, "refused") {
		t.Errorf("last result = %q, want a refusal", last.Content)
	}
}

func TestLoop_CompressesAtIterationBoundary(t *testing.T) {
	big := constCap("dump", strings.Repeat("x", 1000))
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "dump", nil)}},
		{Content: "summarized"},
	}, false)
	cfg := fastConfig()
	cfg.KeepRecent = 1
	loop := newTestLoop(p, newRegistry(big), cfg, WithManager(history.NewManager(100, 0.75)))

	res, err := loop.Run(context.Background(), RunRequest{Prompt: "dump it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second := p.Calls()[1].Messages
	if len(second) != 2 || !strings.HasPrefix(second[0].Content, "[Previous conversation summary") {
		t.Fatalf("second request = %+v", second)
	}
	if second[1].Role != provider.RoleCapabilityResult {
		t.Errorf("tail not kept: %+v", second[1])
	}
	if n := len(res.History()); n != 3 {
		t.Errorf("final history len = %d, want 3", n)
	}
}

func TestLoop_AppliesCapabilityTimeout(t *testing.T) {
	hang := capability.New("hang", "waits for cancellation", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := mock.NewScripted([]mock.Step{
		{Invocations: []provider.Invocation{call("1", "hang", nil)}},
		{Content: "gave up"},
	}, false)
	cfg := fastConfig()
	cfg.CapabilityTimeout = 20 * time.Millisecond
	loop := newTestLoop(p, newRegistry(hang), cfg)

	start := time.Now()
	res, err := loop.Run(context.Background(), RunRequest{Prompt: "wait"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s, capability timeout not applied", elapsed)
	}
	hist := res.History()
	result := hist[len(hist)-2]
	if result.Role != provider.RoleCapabilityResult || !strings.Contains(result.Content, "timed out") {
		t.Errorf("result = %+v, want timeout error", result)
	}
}
