// Package mock provides a scripted completion endpoint for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskloop/provider"
	"gopkg.in/yaml.v3"
)

const defaultResponse = "Task acknowledged. Working on it."

// Step defines a single scripted response.
type Step struct {
	Content     string                `yaml:"content" json:"content"`
	Invocations []provider.Invocation `yaml:"invocations,omitempty" json:"invocations,omitempty"`
	Reasoning   string                `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
	Error       string                `yaml:"error,omitempty" json:"error,omitempty"`
	Permanent   bool                  `yaml:"permanent,omitempty" json:"permanent,omitempty"` // Error wraps provider.ErrPermanent
	Delay       time.Duration         `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// Scenario is a named sequence of steps loadable from YAML.
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
	Loop        bool   `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// LoadScenario reads a Scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario %q: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	return &sc, nil
}

// Call records what the provider was asked.
type Call struct {
	Messages []provider.Message
	Defs     []provider.CapabilityDef
}

// MockProvider implements provider.Provider by replaying steps.
// It is safe for concurrent use.
type MockProvider struct {
	mu    sync.Mutex
	steps []Step
	loop  bool
	idx   int
	calls []Call
}

// New creates a MockProvider that cycles through the given text responses.
func New(responses ...string) *MockProvider {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Step{Content: r}
	}
	return &MockProvider{steps: steps, loop: true}
}

// NewScripted creates a MockProvider from steps. If loop is false, Chat
// returns an error once every step has been consumed.
func NewScripted(steps []Step, loop bool) *MockProvider {
	return &MockProvider{steps: steps, loop: loop}
}

// FromScenario creates a MockProvider from a loaded scenario.
func FromScenario(sc *Scenario) *MockProvider {
	return NewScripted(sc.Steps, sc.Loop)
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response.
func (m *MockProvider) Chat(ctx context.Context, messages []provider.Message, defs []provider.CapabilityDef) (*provider.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{
		Messages: append([]provider.Message(nil), messages...),
		Defs:     append([]provider.CapabilityDef(nil), defs...),
	})
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return &provider.Response{Content: defaultResponse}, nil
	}
	if m.idx >= len(m.steps) {
		if !m.loop {
			m.mu.Unlock()
			return nil, fmt.Errorf("mock: script exhausted: all %d steps consumed", len(m.steps))
		}
		m.idx = 0
	}
	step := m.steps[m.idx]
	m.idx++
	m.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Error != "" {
		if step.Permanent {
			return nil, fmt.Errorf("mock: %w: %s", provider.ErrPermanent, step.Error)
		}
		return nil, fmt.Errorf("mock: %s", step.Error)
	}
	return &provider.Response{
		Content:     step.Content,
		Invocations: step.Invocations,
		Reasoning:   step.Reasoning,
		Usage:       provider.Usage{OutputTokens: len(step.Content)},
	}, nil
}

// Calls returns a copy of every request received so far.
func (m *MockProvider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Remaining returns how many unconsumed steps remain.
func (m *MockProvider) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rem := len(m.steps) - m.idx
	if rem < 0 {
		return 0
	}
	return rem
}
