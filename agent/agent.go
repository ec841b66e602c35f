// Package agent runs the execution loop: it drives a completion endpoint
// through generate, interpret and execute cycles, ties runs to task records,
// and spawns sub-tasks for specialized profiles.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/taskloop/history"
	"github.com/GoCodeAlone/taskloop/interpret"
	"github.com/GoCodeAlone/taskloop/provider"
)

// Outcome is the terminal state of one run.
type Outcome string

const (
	OutcomeDone      Outcome = "done"      // the model answered without invocations
	OutcomeExhausted Outcome = "exhausted" // MaxIterations reached; partial answer
	OutcomeFailed    Outcome = "failed"    // the completion endpoint faulted
	OutcomeCanceled  Outcome = "canceled"  // the caller canceled between iterations
)

// ExhaustedNotice leads the answer of an exhausted run.
const ExhaustedNotice = "Maximum iterations reached. Task may be incomplete."

// ErrCompletion wraps faults raised by the completion endpoint after the
// transport retries are spent.
var ErrCompletion = errors.New("completion failed")

// Config controls one Loop.
type Config struct {
	MaxIterations     int
	KeepRecent        int
	Parallel          bool
	Mode              interpret.Mode
	CompletionTimeout time.Duration
	CapabilityTimeout time.Duration // per call, unless the capability sets its own
	TransportAttempts int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	RateLimit         float64 // completions per second; 0 disables
	MaxRepeatFailures int     // identical failing calls before the guard refuses
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     50,
		KeepRecent:        history.DefaultKeepRecent,
		Parallel:          true,
		Mode:              interpret.ModeNative,
		CompletionTimeout: 120 * time.Second,
		CapabilityTimeout: 60 * time.Second,
		TransportAttempts: 3,
		BackoffInitial:    time.Second,
		BackoffMax:        10 * time.Second,
		MaxRepeatFailures: 3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.KeepRecent < 0 {
		c.KeepRecent = 0
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.TransportAttempts <= 0 {
		c.TransportAttempts = d.TransportAttempts
	}
	if c.CapabilityTimeout <= 0 {
		c.CapabilityTimeout = d.CapabilityTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxRepeatFailures <= 0 {
		c.MaxRepeatFailures = d.MaxRepeatFailures
	}
	return c
}

// RunRequest starts one run.
type RunRequest struct {
	Prompt       string
	SystemPrompt string

	// AllowedCapabilities restricts the capabilities the model sees and may
	// call. nil exposes every registered capability.
	AllowedCapabilities []string

	// RecordID is the task record this run executes, if any. Delegated
	// sub-tasks use it as their parent.
	RecordID string

	// Observe, when set, sees every message appended to the history.
	Observe func(iteration int, msg provider.Message)
}

// RunResult is the terminal state of a run.
type RunResult struct {
	Answer     string
	Outcome    Outcome
	Iterations int
	history    []provider.Message
}

// History returns a copy of the run's execution context.
func (r *RunResult) History() []provider.Message {
	return append([]provider.Message(nil), r.history...)
}

type contextKey int

const (
	ctxKeyRecordID contextKey = iota
	ctxKeyDepth
)

// WithRecordID returns a context carrying the id of the record being executed.
func WithRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRecordID, id)
}

// RecordIDFromContext returns the record id set by WithRecordID.
func RecordIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRecordID).(string)
	return v
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxKeyDepth, depth)
}

func depthFromContext(ctx context.Context) int {
	v, _ := ctx.Value(ctxKeyDepth).(int)
	return v
}
