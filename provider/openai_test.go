package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// openaiServer records the last decoded request and answers with reply.
func openaiServer(t *testing.T, reply any, got *openaiRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIChat_PlainAnswer(t *testing.T) {
	var got openaiRequest
	server := openaiServer(t, openaiResponse{
		Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "four"}, FinishReason: "stop"}},
		Usage:   openaiUsage{PromptTokens: 12, CompletionTokens: 1},
	}, &got)

	temp := 0.2
	p := NewOpenAIProvider(OpenAIConfig{Model: "qwen", BaseURL: server.URL + "/v1/", Temperature: &temp})
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "2+2?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "four" || len(resp.Invocations) != 0 {
		t.Errorf("resp = %+v, want plain answer", resp)
	}
	if resp.Usage != (Usage{InputTokens: 12, OutputTokens: 1}) {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.Model != "qwen" || got.MaxTokens != defaultOpenAIMaxTokens {
		t.Errorf("model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature not forwarded: %v", got.Temperature)
	}
	if len(got.Tools) != 0 {
		t.Errorf("nil defs should send no tools, got %d", len(got.Tools))
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOpenAIChat_MapsConversation(t *testing.T) {
	var got openaiRequest
	server := openaiServer(t, openaiResponse{
		Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "done"}}},
	}, &got)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	_, err := p.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "look around"},
		{Role: RoleAssistant, Invocations: []Invocation{{ID: "call_1", Name: "list_dir", Arguments: map[string]any{"path": "."}}}},
		{Role: RoleCapabilityResult, ResultRef: "call_1", Content: "a.go\nb.go"},
	}, []CapabilityDef{
		{Name: "list_dir", Description: "list", Parameters: map[string]any{"type": "object"}},
		{Name: "noop", Description: "nothing"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(got.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(got.Messages))
	}
	asst := got.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Type != "function" {
		t.Fatalf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"path":"."}` {
		t.Errorf("arguments = %s", asst.ToolCalls[0].Function.Arguments)
	}
	res := got.Messages[2]
	if res.Role != "tool" || res.ToolCallID != "call_1" || res.Content != "a.go\nb.go" {
		t.Errorf("capability result = %+v", res)
	}
	if len(got.Tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(got.Tools))
	}
	if got.Tools[1].Function.Parameters["type"] != "object" {
		t.Errorf("missing schema should default to an empty object, got %v", got.Tools[1].Function.Parameters)
	}
}

func TestOpenAIChat_ParsesInvocations(t *testing.T) {
	server := openaiServer(t, openaiResponse{
		Choices: []openaiChoice{{
			Message: openaiMessage{
				Role:             "assistant",
				ReasoningContent: "check both files",
				ToolCalls: []openaiToolCall{
					{ID: "c1", Type: "function", Function: openaiToolCallFunc{Name: "read_file", Arguments: `{"path":"a.go"}`}},
					{ID: "c2", Type: "function", Function: openaiToolCallFunc{Name: "read_file"}},
				},
			},
			FinishReason: "tool_calls",
		}},
	}, nil)

	resp, err := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "read"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Invocations) != 2 {
		t.Fatalf("len(invocations) = %d, want 2", len(resp.Invocations))
	}
	if resp.Invocations[0].Arguments["path"] != "a.go" {
		t.Errorf("arguments = %v", resp.Invocations[0].Arguments)
	}
	if resp.Invocations[1].Arguments == nil {
		t.Error("empty arguments should decode as an empty map")
	}
	if resp.Reasoning != "check both files" {
		t.Errorf("reasoning = %q", resp.Reasoning)
	}
}

func TestOpenAIChat_BadArguments(t *testing.T) {
	server := openaiServer(t, openaiResponse{
		Choices: []openaiChoice{{Message: openaiMessage{ToolCalls: []openaiToolCall{
			{ID: "c1", Function: openaiToolCallFunc{Name: "glob", Arguments: `{not json`}},
		}}}},
	}, nil)

	_, err := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil)
	if err == nil || !strings.Contains(err.Error(), `"glob"`) {
		t.Fatalf("err = %v, want argument decode error naming glob", err)
	}
}

func TestOpenAIChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":{"type":"x","message":"nope"}}`))
		}))
		p := NewOpenAIProvider(OpenAIConfig{APIKey: "bad", BaseURL: server.URL})
		_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := errors.Is(err, ErrPermanent); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v (%v)", tt.status, got, tt.permanent, err)
		}
	}
}

func TestOpenAIChat_ErrorBody(t *testing.T) {
	server := openaiServer(t, map[string]any{
		"error": map[string]any{"type": "invalid_request_error", "message": "context too long"},
	}, nil)

	_, err := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "context too long") {
		t.Fatalf("err = %v, want API error message", err)
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	server := openaiServer(t, openaiResponse{Usage: openaiUsage{PromptTokens: 3}}, nil)

	resp, err := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "" || resp.Usage.InputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIBuildRequest_OrphanedResultsBecomeText(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	req, err := p.buildRequest([]Message{
		{Role: RoleUser, Content: "[Previous conversation summary: 3 messages compressed]"},
		{Role: RoleCapabilityResult, ResultRef: "b", Content: "second"},
		{Role: RoleAssistant, Invocations: []Invocation{{ID: "d", Name: "glob"}}},
		{Role: RoleCapabilityResult, ResultRef: "d", Content: "*.go"},
	}, nil)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(req.Messages))
	}
	orphan := req.Messages[1]
	if orphan.Role != "user" || orphan.ToolCallID != "" || orphan.Content != "[Result of capability]\nsecond" {
		t.Errorf("orphaned result = %+v, want user text", orphan)
	}
	if paired := req.Messages[3]; paired.Role != "tool" || paired.ToolCallID != "d" {
		t.Errorf("paired result = %+v, want tool message for d", paired)
	}
}
