package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/cases"

	"github.com/GoCodeAlone/taskloop/provider"
)

// DefaultTimeout bounds one capability execution unless overridden.
const DefaultTimeout = 60 * time.Second

var folder = cases.Fold()

// NormalizeName folds case and treats '-' and ' ' as '_', so LIST_DIR,
// list-dir and List Dir all name list_dir.
func NormalizeName(name string) string {
	n := folder.String(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_").Replace(n)
}

type entry struct {
	cap    Capability
	schema *jsonschema.Schema
}

// Registry maps capability names to executors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	folded  map[string]string // normalized name -> registered name
	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout sets the default execution timeout. Zero disables it.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		folded:  make(map[string]string),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds c, replacing any capability already registered under the
// same name. The argument schema must compile.
func (r *Registry) Register(c Capability) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("register capability: empty name")
	}
	schema, err := compileSchema(name, c.Schema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{cap: c, schema: schema}
	r.folded[NormalizeName(name)] = name
	return nil
}

// MustRegister is Register for capabilities whose schemas are known to compile.
func (r *Registry) MustRegister(caps ...Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("capability %q schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://taskloop.local/capabilities/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("capability %q schema load: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %q schema compile: %w", name, err)
	}
	return compiled, nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e, true
	}
	if canonical, ok := r.folded[NormalizeName(name)]; ok {
		e, ok := r.entries[canonical]
		return e, ok
	}
	return nil, false
}

// Resolve returns the capability registered under name. An exact match wins;
// otherwise the name is matched case- and separator-insensitively.
func (r *Registry) Resolve(name string) (Capability, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.cap, true
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// FilteredView returns the definitions visible to a caller, sorted by name.
// A nil allowed slice exposes every capability; a non-nil slice (even an
// empty one) exposes exactly the registered members of it. Unknown names
// are ignored.
func (r *Registry) FilteredView(allowed []string) []provider.CapabilityDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if allowed == nil {
		for name := range r.entries {
			names = append(names, name)
		}
	} else {
		seen := make(map[string]bool, len(allowed))
		for _, n := range allowed {
			canonical := n
			if _, ok := r.entries[n]; !ok {
				canonical = r.folded[NormalizeName(n)]
			}
			if _, ok := r.entries[canonical]; ok && !seen[canonical] {
				seen[canonical] = true
				names = append(names, canonical)
			}
		}
	}
	slices.Sort(names)

	defs := make([]provider.CapabilityDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, Def(r.entries[name].cap))
	}
	return defs
}

// Execute runs the named capability and never returns a fault: unknown
// names, invalid arguments, executor errors, panics and timeouts all become
// a Result with Succeeded false.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	return r.ExecuteWithin(ctx, name, args, r.timeout)
}

// ExecuteWithin is Execute with timeout in place of the registry default.
// A capability implementing Timeouter still uses its own timeout; zero
// disables the bound.
func (r *Registry) ExecuteWithin(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()
	e, ok := r.lookup(name)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown capability %q", name)}
	}
	canonical := e.cap.Name()

	if args == nil {
		args = map[string]any{}
	}
	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return Result{Error: fmt.Sprintf("invalid arguments for %s: %v", canonical, err)}
		}
	}

	if t, ok := e.cap.(Timeouter); ok {
		timeout = t.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := r.run(ctx, e.cap, args)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["capability"] = canonical
	res.Metadata["duration_ms"] = time.Since(start).Milliseconds()

	if !res.Succeeded {
		r.logger.Debug("capability failed", "capability", canonical, "error", res.Error)
	}
	return res
}

type outcome struct {
	out any
	err error
}

// run executes c in its own goroutine so a timeout is reported even when the
// executor ignores its context.
func (r *Registry) run(ctx context.Context, c Capability, args map[string]any) Result {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("capability panicked", "capability", c.Name(), "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := c.Execute(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return toResult(o.out, o.err)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Error: fmt.Sprintf("capability %s timed out", c.Name())}
		}
		return Result{Error: fmt.Sprintf("capability %s canceled: %v", c.Name(), ctx.Err())}
	}
}

func toResult(out any, err error) Result {
	if err != nil {
		res := Result{Error: err.Error()}
		if out != nil {
			res.Output = render(out)
		}
		return res
	}
	if r, ok := out.(Result); ok {
		switch {
		case r.Succeeded:
			r.Error = ""
		case r.Error == "":
			r.Error = "capability reported failure"
		}
		return r
	}
	return Result{Succeeded: true, Output: render(out)}
}

func render(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(data)
}

// validateArgs round-trips args through JSON so Go-typed values (ints,
// typed slices) validate the same way decoded JSON does.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(v)
}
