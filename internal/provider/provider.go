// Package provider fronts the local inference model. The model backend
// is opaque: a generate-text RPC behind the Generator interface. The
// agent receives a Generator, never a provider registry.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Generator is the narrow capability handed to the agent loop.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Provider names recognised in LOCAL_MODEL_PROVIDER.
const (
	ProviderEdgeCoderLocal = "edgecoder-local"
	ProviderOllamaLocal    = "ollama-local"
)

// OllamaProvider generates text through a local Ollama daemon.
type OllamaProvider struct {
	host       string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider builds a provider against an Ollama host.
func NewOllamaProvider(host, model string) *OllamaProvider {
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	return &OllamaProvider{
		host:       host,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Model returns the model this provider generates with.
func (p *OllamaProvider) Model() string {
	return p.model
}

// Generate calls Ollama's non-streaming generate endpoint.
func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"stream": false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %w", err)
	}
	return parsed.Response, nil
}

// LocalProvider generates text through the edgecoder-local inference
// server, a plain JSON generate endpoint.
type LocalProvider struct {
	baseURL    string
	model      string
	authToken  string
	httpClient *http.Client
}

// NewLocalProvider builds a provider against an edgecoder-local server.
func NewLocalProvider(baseURL, model, authToken string) *LocalProvider {
	return &LocalProvider{
		baseURL:    baseURL,
		model:      model,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Model returns the model this provider generates with.
func (p *LocalProvider) Model() string {
	return p.model
}

// Generate calls the local inference server's generate endpoint.
func (p *LocalProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{"model": p.model, "prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("local inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("local inference returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse local inference response: %w", err)
	}
	return parsed.Text, nil
}
