// Package provider defines the completion endpoint contract the execution
// loop talks to, and the conversation model shared across the engine.
package provider

import (
	"context"
	"errors"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem           Role = "system"
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleCapabilityResult Role = "capability_result"
)

// Message is a single turn in a conversation.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Invocations []Invocation `json:"invocations,omitempty"`
	ResultRef   string       `json:"result_ref,omitempty"` // capability results only
	Reasoning   string       `json:"reasoning,omitempty"`  // never sent back to the endpoint
}

// Invocation is a request from the model to run a capability.
type Invocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CapabilityDef describes a capability exposed to the model.
type CapabilityDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Response is one completed endpoint response.
type Response struct {
	Content     string       `json:"content"`
	Invocations []Invocation `json:"invocations,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Usage       Usage        `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrPermanent marks endpoint faults that retrying cannot fix, such as
// authentication failures or malformed requests.
var ErrPermanent = errors.New("permanent provider error")

// orphanResultText renders a capability result whose invocation is no longer
// in the conversation, as happens when compression summarizes the assistant
// message away. Endpoints reject tool results without a matching call, so
// adapters send these as plain user text.
func orphanResultText(m Message) string {
	return "[Result of capability]\n" + m.Content
}

// Provider is a completion endpoint.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", "mock").
	Name() string

	// Chat sends the conversation and the capabilities the model may call,
	// and returns one complete response. defs is nil when no capability
	// schemas should be sent natively.
	Chat(ctx context.Context, messages []Message, defs []CapabilityDef) (*Response, error)
}
