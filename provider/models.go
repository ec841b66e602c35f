package provider

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
)

// ModelInfo describes a model an endpoint can serve.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	Models(ctx context.Context) ([]ModelInfo, error)
}

// Models lists the models behind an OpenAI-compatible /v1/models endpoint.
// Local servers report arbitrary ids, so nothing is filtered.
func (p *OpenAIProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := getModels(ctx, p.config.HTTPClient, p.config.BaseURL+"/v1/models", p.setHeaders, &result); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	models := make([]ModelInfo, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return sortModels(models), nil
}

// Models lists the models behind the Messages API /v1/models endpoint.
func (p *AnthropicProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			Type        string `json:"type"`
		} `json:"data"`
	}
	headers := func(req *http.Request) {
		req.Header.Set("x-api-key", p.config.APIKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)
	}
	if err := getModels(ctx, p.config.HTTPClient, p.config.BaseURL+"/v1/models", headers, &result); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	var models []ModelInfo
	for _, m := range result.Data {
		if m.Type != "" && m.Type != "model" {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, Name: name})
	}
	return sortModels(models), nil
}

func getModels(ctx context.Context, client *http.Client, url string, headers func(*http.Request), out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	headers(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func sortModels(models []ModelInfo) []ModelInfo {
	slices.SortFunc(models, func(a, b ModelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return models
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
