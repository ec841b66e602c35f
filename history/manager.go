// Package history sizes an execution context and collapses old turns into a
// summary when it outgrows its budget.
package history

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/GoCodeAlone/taskloop/provider"
)

const (
	// DefaultMaxUnits is the size budget of one execution context.
	DefaultMaxUnits = 8000

	// DefaultThreshold is the fraction of the budget above which compression triggers.
	DefaultThreshold = 0.75

	// charsPerUnit approximates the characters one token costs in English text.
	charsPerUnit = 4
)

// Manager decides when an execution context must be compressed.
type Manager struct {
	MaxUnits  int
	Threshold float64
}

// NewManager returns a Manager, substituting the defaults for non-positive values.
func NewManager(maxUnits int, threshold float64) *Manager {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxUnits
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Manager{MaxUnits: maxUnits, Threshold: threshold}
}

// Stats reports how full an execution context is.
type Stats struct {
	Estimate       int     `json:"estimate"`
	Budget         int     `json:"budget"`
	Utilization    float64 `json:"utilization"`
	ShouldCompress bool    `json:"should_compress"`
}

// EstimateSize counts the characters of every message's content and
// serialized invocation arguments, and divides the total by four. Reasoning
// is never sent back to the endpoint and does not count.
func EstimateSize(messages []provider.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
		for _, inv := range m.Invocations {
			if len(inv.Arguments) == 0 {
				continue
			}
			data, err := json.Marshal(inv.Arguments)
			if err != nil {
				continue
			}
			chars += utf8.RuneCount(data)
		}
	}
	return chars / charsPerUnit
}

// limit is the estimate above which compression triggers.
func (m *Manager) limit() float64 {
	return float64(m.MaxUnits) * m.Threshold
}

// ShouldCompress reports whether the estimate exceeds MaxUnits * Threshold.
func (m *Manager) ShouldCompress(messages []provider.Message) bool {
	return float64(EstimateSize(messages)) > m.limit()
}

// Stats returns the estimate, the budget, the utilization and the decision.
func (m *Manager) Stats(messages []provider.Message) Stats {
	est := EstimateSize(messages)
	s := Stats{
		Estimate:       est,
		Budget:         m.MaxUnits,
		ShouldCompress: float64(est) > m.limit(),
	}
	if m.MaxUnits > 0 {
		s.Utilization = float64(est) / float64(m.MaxUnits)
	}
	return s
}
