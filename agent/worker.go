package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskloop/comms"
	"github.com/GoCodeAlone/taskloop/task"
)

// DefaultPollInterval is how long an idle worker waits before claiming again.
const DefaultPollInterval = 500 * time.Millisecond

// WorkerStatus is the state of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerInfo is a snapshot of a worker.
type WorkerInfo struct {
	ID        string
	Status    WorkerStatus
	Current   string // record being executed
	Processed int
	StartedAt time.Time
}

// Worker claims records from a store and executes them through a Runner,
// one at a time.
type Worker struct {
	id     string
	runner *Runner
	kinds  []string
	poll   time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	status    WorkerStatus
	current   string
	processed int
	startedAt time.Time
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithKinds restricts the worker to records of the given kinds. Without
// kinds the worker claims anything.
func WithKinds(kinds ...string) WorkerOption {
	return func(w *Worker) { w.kinds = kinds }
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.poll = d }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a stopped worker with executor id id.
func NewWorker(id string, runner *Runner, opts ...WorkerOption) *Worker {
	w := &Worker{id: id, runner: runner, poll: DefaultPollInterval, status: WorkerStopped}
	for _, opt := range opts {
		opt(w)
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.logger == nil {
		w.logger = runner.logger
	}
	w.logger = w.logger.With("worker", id)
	return w
}

// ID returns the worker's executor id.
func (w *Worker) ID() string { return w.id }

// Info returns the worker's current state.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{ID: w.id, Status: w.status, Current: w.current, Processed: w.processed, StartedAt: w.startedAt}
}

// Start begins claiming records in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != WorkerStopped {
		return fmt.Errorf("worker %s already running (status=%s)", w.id, w.status)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.status = WorkerIdle
	w.startedAt = time.Now()
	go w.loop(ctx, w.stop, w.done)
	return nil
}

// Stop stops claiming and waits for the in-flight record. If ctx ends first
// the in-flight run is canceled, which fails and requeues its record.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.status == WorkerStopped {
		w.mu.Unlock()
		return nil
	}
	stop, done, cancel := w.stop, w.done, w.cancel
	w.status = WorkerStopped
	w.mu.Unlock()

	close(stop)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, err := w.claim(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("claim failed", "error", err)
		}
		if rec == nil {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}
		w.process(ctx, rec)
	}
}

// claim tries each configured kind in order.
func (w *Worker) claim(ctx context.Context) (*task.Record, error) {
	kinds := w.kinds
	if len(kinds) == 0 {
		kinds = []string{""}
	}
	for _, kind := range kinds {
		rec, err := w.runner.store.Claim(ctx, w.id, task.Filter{Kind: kind})
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

func (w *Worker) process(ctx context.Context, rec *task.Record) {
	w.mu.Lock()
	if w.status != WorkerStopped {
		w.status = WorkerBusy
	}
	w.current = rec.ID
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.status != WorkerStopped {
			w.status = WorkerIdle
		}
		w.current = ""
		w.processed++
		w.mu.Unlock()
	}()

	w.runner.publish(ctx, comms.EventClaimed, rec, "")
	if _, err := w.runner.Execute(ctx, rec); err != nil {
		w.logger.Warn("record did not complete", "record", rec.ID, "error", err)
	}
}

// Pool runs a fixed set of workers over one runner.
type Pool struct {
	workers []*Worker
}

// NewPool creates n workers named "<prefix>-<i>".
func NewPool(n int, prefix string, runner *Runner, opts ...WorkerOption) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{}
	for i := 1; i <= n; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("%s-%d", prefix, i), runner, opts...))
	}
	return p
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Start launches every worker. On failure the already started ones are stopped.
func (p *Pool) Start(ctx context.Context) error {
	for i, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range p.workers[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("start worker %s: %w", w.id, err)
		}
	}
	return nil
}

// Stop stops every worker concurrently and waits for in-flight records.
func (p *Pool) Stop(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop worker %s: %w", w.id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
