// Package interpret turns raw completion responses into conversation
// messages, extracting capability invocations either from the endpoint's
// structured channel or from a text grammar embedded in the content.
package interpret

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskloop/provider"
)

// Mode selects how invocations are extracted. It is fixed per configuration.
type Mode string

const (
	// ModeNative trusts the endpoint's structured invocation field.
	ModeNative Mode = "native"
	// ModeFallback scans the content for NAME[{...}] calls.
	ModeFallback Mode = "fallback"
)

// ParseMode accepts "native" or "fallback"; the empty string means native.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNative:
		return ModeNative, nil
	case ModeFallback:
		return ModeFallback, nil
	}
	return "", fmt.Errorf("unknown interpreter mode %q", s)
}

// Warning annotates a call that was dropped during interpretation.
type Warning struct {
	Name   string `json:"name"`
	Span   string `json:"span"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	if w.Name == "" {
		return w.Reason
	}
	return fmt.Sprintf("%s: %s", w.Name, w.Reason)
}

// Interpreter converts completion responses into assistant messages.
type Interpreter struct {
	mode  Mode
	newID func() string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithIDFunc replaces the invocation id generator.
func WithIDFunc(fn func() string) Option {
	return func(in *Interpreter) { in.newID = fn }
}

// New returns an Interpreter for mode.
func New(mode Mode, opts ...Option) *Interpreter {
	if mode == "" {
		mode = ModeNative
	}
	in := &Interpreter{mode: mode, newID: NewInvocationID}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Mode returns the configured mode.
func (in *Interpreter) Mode() Mode { return in.mode }

// NewInvocationID returns "call_" followed by 24 hex characters.
func NewInvocationID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

var thinkingRe = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)

// extractThinking removes <thinking> blocks from content and returns them
// joined as reasoning.
func extractThinking(content string) (string, string) {
	matches := thinkingRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m[1]); s != "" {
			parts = append(parts, s)
		}
	}
	return thinkingRe.ReplaceAllString(content, ""), strings.Join(parts, "\n\n")
}

// Interpret builds the assistant message for resp. Calls that cannot be
// recovered are dropped and reported as warnings; they never fail the
// response. A nil response yields an empty final answer.
func (in *Interpreter) Interpret(resp *provider.Response) (provider.Message, []Warning) {
	msg := provider.Message{Role: provider.RoleAssistant}
	if resp == nil {
		return msg, nil
	}

	content, reasoning := extractThinking(resp.Content)
	if resp.Reasoning != "" {
		reasoning = resp.Reasoning
	}
	msg.Reasoning = reasoning

	var warnings []Warning
	switch in.mode {
	case ModeFallback:
		var calls []provider.Invocation
		content, calls, warnings = in.parseCalls(content)
		msg.Invocations = calls
	default:
		for _, inv := range resp.Invocations {
			if inv.ID == "" {
				inv.ID = in.newID()
			}
			if inv.Arguments == nil {
				inv.Arguments = map[string]any{}
			}
			msg.Invocations = append(msg.Invocations, inv)
		}
	}
	msg.Content = strings.TrimSpace(content)
	return msg, warnings
}
