// Package config defines the taskloop configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIKey   = "TASKLOOP_API_KEY"
	EnvStoreDSN = "TASKLOOP_STORE_DSN"
)

// Config is the top-level taskloop configuration.
type Config struct {
	Store     StoreConfig    `json:"store" yaml:"store"`
	Provider  ProviderConfig `json:"provider" yaml:"provider"`
	Loop      LoopConfig     `json:"loop" yaml:"loop"`
	Context   ContextConfig  `json:"context" yaml:"context"`
	Workers   WorkersConfig  `json:"workers" yaml:"workers"`
	Log       LogConfig      `json:"log" yaml:"log"`
	Workspace string         `json:"workspace" yaml:"workspace"` // root for the filesystem capabilities
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite", "postgres", "redis"
	DSN    string `json:"dsn" yaml:"dsn"`       // file path, postgres URL or redis URL
	Prefix string `json:"prefix,omitempty" yaml:"prefix"`
}

// ProviderConfig selects the completion endpoint.
type ProviderConfig struct {
	Kind      string `json:"kind" yaml:"kind"` // "openai", "anthropic", "mock"
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	Model     string `json:"model,omitempty" yaml:"model"`
	APIKey    string `json:"-" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Scenario  string `json:"scenario,omitempty" yaml:"scenario"` // mock only: YAML script
}

// LoopConfig mirrors the execution loop settings.
type LoopConfig struct {
	MaxIterations     int           `json:"max_iterations" yaml:"max_iterations"`
	Parallel          bool          `json:"parallel" yaml:"parallel"`
	Mode              string        `json:"mode" yaml:"mode"` // "native", "fallback"
	CompletionTimeout time.Duration `json:"completion_timeout" yaml:"completion_timeout"`
	CapabilityTimeout time.Duration `json:"capability_timeout" yaml:"capability_timeout"`
	TransportAttempts int           `json:"transport_attempts" yaml:"transport_attempts"`
	BackoffInitial    time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max"`
	RateLimit         float64       `json:"rate_limit" yaml:"rate_limit"` // completions per second, 0 = unlimited
	MaxRepeatFailures int           `json:"max_repeat_failures" yaml:"max_repeat_failures"`
	Delegation        bool          `json:"delegation" yaml:"delegation"`
	DelegateTimeout   time.Duration `json:"delegate_timeout" yaml:"delegate_timeout"`
}

// ContextConfig controls history size management.
type ContextConfig struct {
	MaxUnits   int     `json:"max_units" yaml:"max_units"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	KeepRecent int     `json:"keep_recent" yaml:"keep_recent"`
}

// WorkersConfig controls the daemon's worker pool.
type WorkersConfig struct {
	Count        int           `json:"count" yaml:"count"`
	Prefix       string        `json:"prefix" yaml:"prefix"`
	Kinds        []string      `json:"kinds,omitempty" yaml:"kinds"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file"` // optional JSON log file
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "./data/taskloop.db",
			Prefix: "taskloop",
		},
		Provider: ProviderConfig{
			Kind: "mock",
		},
		Loop: LoopConfig{
			MaxIterations:     50,
			Parallel:          true,
			Mode:              "native",
			CompletionTimeout: 120 * time.Second,
			CapabilityTimeout: 60 * time.Second,
			TransportAttempts: 3,
			BackoffInitial:    time.Second,
			BackoffMax:        10 * time.Second,
			MaxRepeatFailures: 3,
			Delegation:        true,
			DelegateTimeout:   10 * time.Minute,
		},
		Context: ContextConfig{
			MaxUnits:   8000,
			Threshold:  0.75,
			KeepRecent: 10,
		},
		Workers: WorkersConfig{
			Count:        2,
			Prefix:       "worker",
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Workspace: ".",
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and connection strings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Provider.APIKey = v
	}
	if v, ok := lookup(EnvStoreDSN); ok && v != "" {
		c.Store.DSN = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite, postgres or redis", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	switch c.Provider.Kind {
	case "openai", "anthropic", "mock":
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q: want openai, anthropic or mock", c.Provider.Kind))
	}
	switch c.Loop.Mode {
	case "native", "fallback":
	default:
		errs = append(errs, fmt.Errorf("loop.mode %q: want native or fallback", c.Loop.Mode))
	}
	if c.Loop.MaxIterations <= 0 {
		errs = append(errs, errors.New("loop.max_iterations must be positive"))
	}
	if c.Loop.RateLimit < 0 {
		errs = append(errs, errors.New("loop.rate_limit must not be negative"))
	}
	if c.Context.Threshold <= 0 || c.Context.Threshold > 1 {
		errs = append(errs, fmt.Errorf("context.threshold %v: want (0, 1]", c.Context.Threshold))
	}
	if c.Context.MaxUnits <= 0 {
		errs = append(errs, errors.New("context.max_units must be positive"))
	}
	if c.Context.KeepRecent < 0 {
		errs = append(errs, errors.New("context.keep_recent must not be negative"))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	return errors.Join(errs...)
}
