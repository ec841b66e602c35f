// Package engine assembles a runnable taskloop from a config file: store,
// completion endpoint, capability registry, loop, runner and worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/taskloop/agent"
	"github.com/GoCodeAlone/taskloop/capability"
	"github.com/GoCodeAlone/taskloop/capability/files"
	"github.com/GoCodeAlone/taskloop/comms"
	"github.com/GoCodeAlone/taskloop/config"
	"github.com/GoCodeAlone/taskloop/history"
	"github.com/GoCodeAlone/taskloop/interpret"
	"github.com/GoCodeAlone/taskloop/provider"
	"github.com/GoCodeAlone/taskloop/provider/mock"
	"github.com/GoCodeAlone/taskloop/task"
)

// Engine holds the wired components. Close releases the store.
type Engine struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      task.Store
	Transcript *task.Transcript // nil unless the store is SQL
	Registry   *capability.Registry
	Provider   provider.Provider
	Loop       *agent.Loop
	Runner     *agent.Runner
	Bus        *comms.InMemoryBus
}

// New builds an Engine from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{Config: cfg, Logger: logger, Bus: comms.NewInMemoryBus()}

	store, sqlStore, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	e.Store = store
	if sqlStore != nil {
		e.Transcript = task.NewTranscript(sqlStore)
	}

	e.Provider, err = NewProvider(cfg.Provider)
	if err != nil {
		store.Close()
		return nil, err
	}

	e.Registry = capability.NewRegistry(
		capability.WithTimeout(cfg.Loop.CapabilityTimeout),
		capability.WithLogger(logger),
	)
	if err := registerAll(e.Registry, files.All(cfg.Workspace)); err != nil {
		store.Close()
		return nil, err
	}

	loopCfg, err := LoopConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.Loop = agent.NewLoop(e.Provider, e.Registry,
		agent.WithConfig(loopCfg),
		agent.WithManager(history.NewManager(cfg.Context.MaxUnits, cfg.Context.Threshold)),
		agent.WithLoopLogger(logger),
	)

	opts := []agent.RunnerOption{agent.WithBus(e.Bus), agent.WithRunnerLogger(logger)}
	if e.Transcript != nil {
		opts = append(opts, agent.WithTranscript(e.Transcript))
	}
	e.Runner = agent.NewRunner(e.Store, e.Loop, opts...)
	if cfg.Loop.Delegation {
		if err := e.Runner.EnableDelegation(cfg.Loop.DelegateTimeout); err != nil {
			store.Close()
			return nil, fmt.Errorf("enable delegation: %w", err)
		}
	}

	// Lifecycle events go to the log at debug level.
	e.Bus.Subscribe("", func(_ context.Context, ev *comms.Event) error {
		logger.Debug("lifecycle event", "event", ev.Type, "record", ev.RecordID, "parent", ev.ParentID, "kind", ev.Kind)
		return nil
	})
	return e, nil
}

// Pool returns a worker pool configured from the workers section.
func (e *Engine) Pool() *agent.Pool {
	w := e.Config.Workers
	return agent.NewPool(w.Count, w.Prefix, e.Runner,
		agent.WithKinds(w.Kinds...),
		agent.WithPollInterval(w.PollInterval),
		agent.WithWorkerLogger(e.Logger),
	)
}

// Submit pushes a request record for prompt.
func (e *Engine) Submit(ctx context.Context, kind, prompt string, maxRetries int) (string, error) {
	raw, err := task.EncodePayload(task.Payload{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return e.Runner.Store().Push(ctx, &task.Record{Kind: kind, Payload: raw, MaxRetries: maxRetries})
}

// RunToCompletion claims id and executes it, claiming it again after each
// requeue until the record is terminal.
func (e *Engine) RunToCompletion(ctx context.Context, id, executor string) (*task.Record, error) {
	store := e.Runner.Store()
	for {
		rec, err := store.ClaimByID(ctx, id, executor)
		if err != nil {
			return nil, err
		}
		if _, err := e.Runner.Execute(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.Logger.Warn("attempt failed", "record", id, "error", err)
		}
		cur, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Terminal() {
			return cur, nil
		}
	}
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.Store.Close()
}

// OpenStore opens the configured store. The second return is non-nil when
// the store is SQL-backed and can host a transcript.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (task.Store, *task.SQLStore, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := task.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := task.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		s, err := task.OpenRedisStore(ctx, cfg.DSN, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewProvider builds the configured completion endpoint.
func NewProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Kind {
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "anthropic":
		if cfg.Model == "" {
			return nil, errors.New("provider.model is required for anthropic")
		}
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "mock":
		if cfg.Scenario == "" {
			return mock.New(), nil
		}
		sc, err := mock.LoadScenario(cfg.Scenario)
		if err != nil {
			return nil, err
		}
		return mock.FromScenario(sc), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}

// LoopConfig translates the loop and context sections.
func LoopConfig(cfg *config.Config) (agent.Config, error) {
	mode, err := interpret.ParseMode(cfg.Loop.Mode)
	if err != nil {
		return agent.Config{}, err
	}
	l := cfg.Loop
	return agent.Config{
		MaxIterations:     l.MaxIterations,
		KeepRecent:        cfg.Context.KeepRecent,
		Parallel:          l.Parallel,
		Mode:              mode,
		CompletionTimeout: l.CompletionTimeout,
		CapabilityTimeout: l.CapabilityTimeout,
		TransportAttempts: l.TransportAttempts,
		BackoffInitial:    l.BackoffInitial,
		BackoffMax:        l.BackoffMax,
		RateLimit:         l.RateLimit,
		MaxRepeatFailures: l.MaxRepeatFailures,
	}, nil
}

func registerAll(reg *capability.Registry, caps []capability.Capability) error {
	var errs []error
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
