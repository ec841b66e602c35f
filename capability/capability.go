// Package capability defines the operations an agent may invoke and the
// registry that resolves, filters and executes them.
package capability

import (
	"context"
	"time"

	"github.com/GoCodeAlone/taskloop/provider"
)

// Capability is a named, schema-described operation an agent may invoke.
type Capability interface {
	// Name returns the unique capability identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema returns the JSON Schema of the arguments object, or nil when
	// arguments are not validated.
	Schema() map[string]any

	// Execute runs the capability. A returned string becomes the output
	// verbatim, a Result is used as is, and anything else is JSON-encoded.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Timeouter is implemented by capabilities that need a different execution
// timeout than the registry default.
type Timeouter interface {
	Timeout() time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	Succeeded bool           `json:"succeeded"`
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Def returns the definition sent to the completion endpoint.
func Def(c Capability) provider.CapabilityDef {
	return provider.CapabilityDef{
		Name:        c.Name(),
		Description: c.Description(),
		Parameters:  c.Schema(),
	}
}

// ExecuteFunc is the signature of a plain function capability.
type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

type funcCapability struct {
	name        string
	description string
	schema      map[string]any
	fn          ExecuteFunc
}

// New adapts a plain function into a Capability.
func New(name, description string, schema map[string]any, fn ExecuteFunc) Capability {
	return &funcCapability{name: name, description: description, schema: schema, fn: fn}
}

func (f *funcCapability) Name() string           { return f.name }
func (f *funcCapability) Description() string    { return f.description }
func (f *funcCapability) Schema() map[string]any { return f.schema }
func (f *funcCapability) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}
