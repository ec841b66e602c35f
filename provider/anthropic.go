package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicMaxTokens = 4096
	anthropicAPIVersion       = "2023-06-01"
)

// AnthropicConfig holds configuration for a Messages API endpoint.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// AnthropicProvider implements Provider using the Messages API.
type AnthropicProvider struct {
	config AnthropicConfig
}

// NewAnthropicProvider creates a Messages API provider. Model has no
// default and must be set by the caller.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &AnthropicProvider{config: cfg}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, defs []CapabilityDef) (*Response, error) {
	data, err := json.Marshal(p.buildRequest(messages, defs))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("anthropic: API error (status %d): %s", resp.StatusCode, string(body))
		if permanentStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return parseAnthropicResponse(&apiResp), nil
}

// buildRequest maps the conversation onto Messages API turns. System
// messages are joined into the top-level system field and consecutive user
// blocks share one turn, so capability results collapse into a single turn
// of tool_result blocks. A result whose tool_use is not in the request is
// sent as text.
func (p *AnthropicProvider) buildRequest(messages []Message, defs []CapabilityDef) *anthropicRequest {
	req := &anthropicRequest{Model: p.config.Model, MaxTokens: p.config.MaxTokens}

	var system []string
	sent := map[string]bool{}
	appendUser := func(block anthropicContent) {
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" {
			req.Messages[n-1].Content = append(req.Messages[n-1].Content, block)
			return
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: []anthropicContent{block}})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleCapabilityResult:
			if !sent[msg.ResultRef] {
				appendUser(anthropicContent{Type: "text", Text: orphanResultText(msg)})
				continue
			}
			appendUser(anthropicContent{Type: "tool_result", ToolUseID: msg.ResultRef, Content: msg.Content})
		case RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			if msg.Content != "" {
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, inv := range msg.Invocations {
				sent[inv.ID] = true
				input := inv.Arguments
				if input == nil {
					input = map[string]any{}
				}
				am.Content = append(am.Content, anthropicContent{Type: "tool_use", ID: inv.ID, Name: inv.Name, Input: input})
			}
			if len(am.Content) == 0 {
				am.Content = []anthropicContent{{Type: "text", Text: " "}}
			}
			req.Messages = append(req.Messages, am)
		default:
			appendUser(anthropicContent{Type: "text", Text: msg.Content})
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, d := range defs {
		schema := d.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{Name: d.Name, Description: d.Description, InputSchema: schema})
	}
	return req
}

func parseAnthropicResponse(apiResp *anthropicResponse) *Response {
	resp := &Response{
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}

	var text []string
	for _, item := range apiResp.Content {
		switch item.Type {
		case "text":
			text = append(text, item.Text)
		case "thinking":
			resp.Reasoning += item.Text
		case "tool_use":
			args := item.Input
			if args == nil {
				args = map[string]any{}
			}
			resp.Invocations = append(resp.Invocations, Invocation{ID: item.ID, Name: item.Name, Arguments: args})
		}
	}
	resp.Content = strings.Join(text, "")
	return resp
}
