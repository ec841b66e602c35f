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
	defaultOpenAIBaseURL   = "http://localhost:1234"
	defaultOpenAIModel     = "local-model"
	defaultOpenAIMaxTokens = 4096
)

// OpenAIConfig holds configuration for an OpenAI-compatible endpoint
// (OpenAI, LM Studio, vLLM, llama.cpp server, ...).
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

// OpenAIProvider implements Provider using the Chat Completions API.
type OpenAIProvider struct {
	config OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI provider with the given config.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{config: cfg}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// openaiRequest is the request body for the Chat Completions API.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiToolFunc `json:"function"`
}

type openaiToolFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// openaiResponse is the response from the Chat Completions API.
type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, defs []CapabilityDef) (*Response, error) {
	reqBody, err := p.buildRequest(messages, defs)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode, string(body))
		if permanentStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return nil, err
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	return p.parseResponse(&apiResp)
}

// permanentStatus reports client errors that a retry will not fix. Timeouts
// and rate limiting stay retryable.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func (p *OpenAIProvider) buildRequest(messages []Message, defs []CapabilityDef) (*openaiRequest, error) {
	req := &openaiRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	}

	sent := map[string]bool{}
	for _, msg := range messages {
		switch msg.Role {
		case RoleCapabilityResult:
			if !sent[msg.ResultRef] {
				req.Messages = append(req.Messages, openaiMessage{Role: "user", Content: orphanResultText(msg)})
				continue
			}
			req.Messages = append(req.Messages, openaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ResultRef,
			})
		case RoleAssistant:
			om := openaiMessage{Role: "assistant", Content: msg.Content}
			for _, inv := range msg.Invocations {
				sent[inv.ID] = true
				args, err := json.Marshal(inv.Arguments)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal arguments for %q: %w", inv.Name, err)
				}
				om.ToolCalls = append(om.ToolCalls, openaiToolCall{
					ID:       inv.ID,
					Type:     "function",
					Function: openaiToolCallFunc{Name: inv.Name, Arguments: string(args)},
				})
			}
			req.Messages = append(req.Messages, om)
		default:
			req.Messages = append(req.Messages, openaiMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	for _, d := range defs {
		schema := d.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunc{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		})
	}

	return req, nil
}

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
}

func (p *OpenAIProvider) parseResponse(apiResp *openaiResponse) (*Response, error) {
	resp := &Response{
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}

	if len(apiResp.Choices) == 0 {
		return resp, nil
	}

	msg := apiResp.Choices[0].Message
	resp.Content = msg.Content
	resp.Reasoning = msg.ReasoningContent

	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: unmarshal tool call arguments for %q: %w", tc.Function.Name, err)
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		resp.Invocations = append(resp.Invocations, Invocation{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return resp, nil
}
