package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCodeAlone/taskloop/comms"
	"github.com/GoCodeAlone/taskloop/internal/telemetry"
	"github.com/GoCodeAlone/taskloop/provider"
	"github.com/GoCodeAlone/taskloop/task"
)

// Runner executes claimed task records through a Loop and persists the
// outcome.
type Runner struct {
	store      task.Store
	loop       *Loop
	bus        comms.Bus
	transcript *task.Transcript
	logger     *slog.Logger
	tel        *telemetry.Telemetry
	retry      StoreRetry
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBus publishes lifecycle events on bus.
func WithBus(bus comms.Bus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

// WithTranscript records every message of every run.
func WithTranscript(tr *task.Transcript) RunnerOption {
	return func(r *Runner) { r.transcript = tr }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithStoreRetry overrides the retry policy for store calls.
func WithStoreRetry(p StoreRetry) RunnerOption {
	return func(r *Runner) { r.retry = p }
}

// NewRunner creates a Runner over store and loop.
func NewRunner(store task.Store, loop *Loop, opts ...RunnerOption) *Runner {
	r := &Runner{loop: loop, retry: DefaultStoreRetry}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tel == nil {
		r.tel = loop.tel
	}
	r.store = newRetryStore(store, r.retry, r.logger)
	return r
}

// Store returns the store the runner writes through, with retries applied.
func (r *Runner) Store() task.Store { return r.store }

// EnableDelegation registers the delegate capability on the loop's registry
// so runs can spawn sub-tasks through this runner.
func (r *Runner) EnableDelegation(timeout time.Duration) error {
	return r.loop.registry.Register(NewDelegateCapability(r, timeout))
}

// Execute runs a claimed record to a terminal state. Done and Exhausted runs
// complete the record; completion faults and cancellation fail it, and a
// failed record with retries left is put back to pending.
//
// The error is the run error for failed records, or a store error.
func (r *Runner) Execute(ctx context.Context, rec *task.Record) (res *RunResult, err error) {
	ctx, end := r.tel.Track(ctx, "record", "taskloop.record",
		attribute.String("taskloop.record_id", rec.ID),
		attribute.String("taskloop.record_kind", rec.Kind))
	defer func() { end(err) }()

	log := r.logger.With("record", rec.ID, "kind", rec.Kind)

	if _, err := r.store.UpdateStatus(ctx, rec.ID, task.StatusInProgress, task.Outcome{}); err != nil {
		return nil, fmt.Errorf("start record %s: %w", rec.ID, err)
	}
	r.publish(ctx, comms.EventStarted, rec, "")

	payload, err := rec.DecodePayload()
	if err != nil {
		err = fmt.Errorf("decode payload: %w", err)
		r.fail(ctx, rec, err.Error(), false)
		return nil, err
	}

	allowed := payload.AllowedCapabilities
	if payload.Restricted && allowed == nil {
		allowed = []string{}
	} else if !payload.Restricted && len(allowed) == 0 {
		allowed = nil
	}

	log.Info("record started", "profile", payload.Profile)
	res, runErr := r.loop.Run(ctx, RunRequest{
		Prompt:              payload.Prompt,
		SystemPrompt:        payload.SystemPrompt,
		AllowedCapabilities: allowed,
		RecordID:            rec.ID,
		Observe:             r.observer(ctx, rec),
	})

	// The outcome is persisted even when the run was canceled.
	sctx := context.WithoutCancel(ctx)
	switch res.Outcome {
	case OutcomeDone, OutcomeExhausted:
		if _, err := r.store.UpdateStatus(sctx, rec.ID, task.StatusCompleted, task.Outcome{Result: res.Answer}); err != nil {
			return res, fmt.Errorf("complete record %s: %w", rec.ID, err)
		}
		typ := comms.EventCompleted
		if res.Outcome == OutcomeExhausted {
			typ = comms.EventExhausted
		}
		r.publish(sctx, typ, rec, excerpt(res.Answer))
		log.Info("record completed", "outcome", res.Outcome, "iterations", res.Iterations)
		return res, nil
	default:
		if ferr := r.fail(sctx, rec, runErr.Error(), true); ferr != nil {
			return res, ferr
		}
		return res, runErr
	}
}

// fail marks rec failed and requeues it when retries remain.
func (r *Runner) fail(ctx context.Context, rec *task.Record, reason string, requeue bool) error {
	failed, err := r.store.UpdateStatus(ctx, rec.ID, task.StatusFailed, task.Outcome{Error: reason})
	if err != nil {
		return fmt.Errorf("fail record %s: %w", rec.ID, err)
	}
	r.publish(ctx, comms.EventFailed, failed, reason)
	r.logger.Warn("record failed", "record", rec.ID, "retry_count", failed.RetryCount, "max_retries", failed.MaxRetries, "error", reason)

	if !requeue || !task.CanRetry(failed) {
		return nil
	}
	pending, err := r.store.UpdateStatus(ctx, rec.ID, task.StatusPending, task.Outcome{})
	if err != nil {
		return fmt.Errorf("requeue record %s: %w", rec.ID, err)
	}
	r.publish(ctx, comms.EventRequeued, pending, reason)
	r.logger.Info("record requeued", "record", rec.ID, "retry_count", pending.RetryCount)
	return nil
}

func (r *Runner) observer(ctx context.Context, rec *task.Record) func(int, provider.Message) {
	if r.transcript == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	attempt := task.AttemptOf(rec)
	return func(iteration int, msg provider.Message) {
		if err := r.transcript.Append(ctx, rec.ID, attempt, iteration, msg); err != nil {
			r.logger.Warn("transcript append failed", "record", rec.ID, "attempt", attempt, "iteration", iteration, "error", err)
		}
	}
}

func (r *Runner) publish(ctx context.Context, typ comms.EventType, rec *task.Record, detail string) {
	if r.bus == nil {
		return
	}
	ev := &comms.Event{
		Type:       typ,
		RecordID:   rec.ID,
		ParentID:   rec.ParentID,
		Kind:       rec.Kind,
		ExecutorID: rec.ClaimantID,
		Detail:     detail,
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("event handler failed", "record", rec.ID, "event", typ, "error", err)
	}
}

func excerpt(s string) string {
	const limit = 200
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
