package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/taskloop/capability"
	"github.com/GoCodeAlone/taskloop/history"
	"github.com/GoCodeAlone/taskloop/internal/telemetry"
	"github.com/GoCodeAlone/taskloop/interpret"
	"github.com/GoCodeAlone/taskloop/provider"
)

// Loop drives one completion endpoint against one capability registry.
// A Loop holds no per-run state and may serve concurrent runs.
type Loop struct {
	provider provider.Provider
	registry *capability.Registry
	interp   *interpret.Interpreter
	manager  *history.Manager
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	tel      *telemetry.Telemetry
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithConfig replaces the loop configuration. Zero fields take defaults.
func WithConfig(cfg Config) LoopOption {
	return func(l *Loop) { l.cfg = cfg }
}

// WithManager sets the context size manager.
func WithManager(m *history.Manager) LoopOption {
	return func(l *Loop) { l.manager = m }
}

// WithInterpreter overrides the interpreter built from Config.Mode.
func WithInterpreter(in *interpret.Interpreter) LoopOption {
	return func(l *Loop) { l.interp = in }
}

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithTelemetry sets the tracer and metrics used for iterations and calls.
func WithTelemetry(t *telemetry.Telemetry) LoopOption {
	return func(l *Loop) { l.tel = t }
}

// NewLoop creates a Loop.
func NewLoop(p provider.Provider, reg *capability.Registry, opts ...LoopOption) *Loop {
	l := &Loop{provider: p, registry: reg, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(l)
	}
	l.cfg = l.cfg.withDefaults()
	if l.interp == nil {
		l.interp = interpret.New(l.cfg.Mode)
	}
	if l.manager == nil {
		l.manager = history.NewManager(history.DefaultMaxUnits, history.DefaultThreshold)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.tel == nil {
		l.tel = telemetry.Default()
	}
	if l.cfg.RateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(l.cfg.RateLimit), 1)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Registry returns the capability registry the loop executes against.
func (l *Loop) Registry() *capability.Registry { return l.registry }

// run is the per-run state.
type run struct {
	req     RunRequest
	history []provider.Message
	defs    []provider.CapabilityDef
	allowed map[string]bool // nil: every registered capability
	guard   *failureGuard
	iter    int
}

func (r *run) append(msgs ...provider.Message) {
	for _, m := range msgs {
		r.history = append(r.history, m)
		if r.req.Observe != nil {
			r.req.Observe(r.iter, m)
		}
	}
}

// Run executes req until the model answers without invocations, the
// iteration cap is hit, the endpoint faults, or ctx is canceled.
//
// The returned error is non-nil only for OutcomeFailed (wrapping
// ErrCompletion) and OutcomeCanceled (the context error); the result is
// always populated.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r := &run{
		req:   req,
		defs:  l.registry.FilteredView(req.AllowedCapabilities),
		guard: newFailureGuard(l.cfg.MaxRepeatFailures),
	}
	if req.AllowedCapabilities != nil {
		r.allowed = make(map[string]bool, len(r.defs))
		for _, d := range r.defs {
			r.allowed[d.Name] = true
		}
	}
	if req.RecordID != "" {
		ctx = WithRecordID(ctx, req.RecordID)
	}

	var initial []provider.Message
	if req.SystemPrompt != "" {
		initial = append(initial, provider.Message{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	if l.interp.Mode() == interpret.ModeFallback && len(r.defs) > 0 {
		initial = interpret.InjectInstructions(initial, r.defs)
	}
	initial = append(initial, provider.Message{Role: provider.RoleUser, Content: req.Prompt})
	r.append(initial...)

	log := l.logger.With("record", req.RecordID)
	var lastContent string

	for r.iter = 1; r.iter <= l.cfg.MaxIterations; r.iter++ {
		if err := ctx.Err(); err != nil {
			log.Info("run canceled", "iteration", r.iter)
			return l.result(r, OutcomeCanceled, "", r.iter-1), err
		}

		done, err := l.iterate(ctx, r, log)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Info("run canceled", "iteration", r.iter)
				return l.result(r, OutcomeCanceled, "", r.iter), ctxErr
			}
			log.Error("completion failed", "iteration", r.iter, "error", err)
			wrapped := fmt.Errorf("iteration %d: %w: %w", r.iter, ErrCompletion, err)
			return l.result(r, OutcomeFailed, wrapped.Error(), r.iter), wrapped
		}

		last := r.history[len(r.history)-1]
		if done {
			log.Info("run completed", "iterations", r.iter)
			return l.result(r, OutcomeDone, last.Content, r.iter), nil
		}
		for i := len(r.history) - 1; i >= 0; i-- {
			if m := r.history[i]; m.Role == provider.RoleAssistant {
				if m.Content != "" {
					lastContent = m.Content
				}
				break
			}
		}
	}

	answer := ExhaustedNotice
	if lastContent != "" {
		answer += "\n\n" + lastContent
	}
	log.Warn("iteration cap reached", "max_iterations", l.cfg.MaxIterations)
	return l.result(r, OutcomeExhausted, answer, l.cfg.MaxIterations), nil
}

func (l *Loop) result(r *run, out Outcome, answer string, iterations int) *RunResult {
	return &RunResult{Answer: answer, Outcome: out, Iterations: iterations, history: r.history}
}

// iterate performs one generate, interpret, execute cycle. It reports done
// when the model produced no invocations.
func (l *Loop) iterate(ctx context.Context, r *run, log *slog.Logger) (done bool, err error) {
	ctx, end := l.tel.Track(ctx, "iteration", "taskloop.iteration",
		attribute.Int("taskloop.iteration", r.iter))
	defer func() { end(err) }()

	if l.manager.ShouldCompress(r.history) {
		before := l.manager.Stats(r.history)
		r.history = history.Compress(r.history, l.cfg.KeepRecent)
		log.Info("compressed history",
			"iteration", r.iter,
			"estimate_before", before.Estimate,
			"estimate_after", history.EstimateSize(r.history),
			"messages", len(r.history),
		)
	}

	resp, err := l.complete(ctx, r)
	if err != nil {
		return false, err
	}

	msg, warnings := l.interp.Interpret(resp)
	for _, w := range warnings {
		log.Warn("dropped capability call", "iteration", r.iter, "name", w.Name, "reason", w.Reason)
	}
	for i := range msg.Invocations {
		if c, ok := l.registry.Resolve(msg.Invocations[i].Name); ok {
			msg.Invocations[i].Name = c.Name()
		}
	}
	r.append(msg)

	if len(msg.Invocations) == 0 {
		return true, nil
	}
	r.append(l.execute(ctx, r, msg.Invocations)...)
	return false, nil
}

// complete asks the endpoint for the next response, retrying transport
// faults with exponential backoff.
func (l *Loop) complete(ctx context.Context, r *run) (*provider.Response, error) {
	msgs, defs := r.history, r.defs
	if l.interp.Mode() == interpret.ModeFallback {
		msgs, defs = interpret.Flatten(r.history), nil
	}

	ctx, end := l.tel.Track(ctx, "completion", "taskloop.completion",
		attribute.String("taskloop.provider", l.provider.Name()),
		attribute.Int("taskloop.iteration", r.iter))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BackoffInitial
	b.MaxInterval = l.cfg.BackoffMax

	resp, err := backoff.Retry(ctx, func() (*provider.Response, error) {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CompletionTimeout)
		defer cancel()
		resp, err := l.provider.Chat(callCtx, msgs, defs)
		if err != nil {
			if errors.Is(err, provider.ErrPermanent) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.TransportAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("completion failed, retrying",
				"record", r.req.RecordID, "iteration", r.iter, "error", err, "retry_in", next)
		}),
	)
	end(err)
	return resp, err
}

// execute runs the invocations and returns their results in invocation
// order, whatever order they finish in.
func (l *Loop) execute(ctx context.Context, r *run, calls []provider.Invocation) []provider.Message {
	// In-flight calls are bounded by the capability timeout, not by the
	// caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	results := make([]provider.Message, len(calls))

	if !l.cfg.Parallel || len(calls) < 2 {
		for i, inv := range calls {
			results[i] = l.invoke(ctx, r, inv)
		}
		return results
	}

	var g errgroup.Group
	for i, inv := range calls {
		g.Go(func() error {
			results[i] = l.invoke(ctx, r, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *Loop) invoke(ctx context.Context, r *run, inv provider.Invocation) provider.Message {
	ctx, end := l.tel.Track(ctx, "capability", "taskloop.capability",
		attribute.String("taskloop.capability", inv.Name),
		attribute.Int("taskloop.iteration", r.iter))

	res := l.call(ctx, r, inv)
	var err error
	if !res.Succeeded {
		err = errors.New(res.Error)
	}
	end(err)
	return provider.Message{Role: provider.RoleCapabilityResult, Content: resultContent(res), ResultRef: inv.ID}
}

func (l *Loop) call(ctx context.Context, r *run, inv provider.Invocation) capability.Result {
	if _, ok := l.registry.Resolve(inv.Name); ok && r.allowed != nil && !r.allowed[inv.Name] {
		return capability.Result{Error: fmt.Sprintf("capability %q is not available to this task", inv.Name)}
	}
	if msg, ok := r.guard.check(inv.Name, inv.Arguments); !ok {
		l.logger.Warn("refused repeated failing call", "record", r.req.RecordID, "capability", inv.Name)
		return capability.Result{Error: msg}
	}
	res := l.registry.ExecuteWithin(ctx, inv.Name, inv.Arguments, l.cfg.CapabilityTimeout)
	r.guard.record(inv.Name, inv.Arguments, res.Succeeded)
	return res
}

func resultContent(res capability.Result) string {
	if res.Succeeded {
		return res.Output
	}
	if res.Output != "" {
		return "Error: " + res.Error + "\n" + res.Output
	}
	return "Error: " + res.Error
}
