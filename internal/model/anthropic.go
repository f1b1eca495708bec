package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskpilot/internal/logging"
)

// AnthropicClient implements Backend against the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	models     map[Tier]string
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Models  map[Tier]string
	Timeout time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Models: map[Tier]string{
			TierFast:     "claude-haiku-4-5",
			TierBalanced: "claude-sonnet-4-5",
			TierDeep:     "claude-opus-4-1",
		},
		Timeout: 120 * time.Second,
	}
}

// NewAnthropicClient creates a client with default config.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return NewAnthropicClientWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicClientWithConfig creates a client with custom config.
func NewAnthropicClientWithConfig(cfg AnthropicConfig) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicConfig("").BaseURL
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultAnthropicConfig("").Models
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		models:     cfg.Models,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Ask sends one prompt and returns the text reply.
func (c *AnthropicClient) Ask(ctx context.Context, req Request) (Response, error) {
	return c.ask(ctx, req, false)
}

// AskJSON asks for a JSON-only reply by prefixing the system prompt.
func (c *AnthropicClient) AskJSON(ctx context.Context, req Request) (Response, error) {
	return c.ask(ctx, req, true)
}

func (c *AnthropicClient) ask(ctx context.Context, req Request, jsonOnly bool) (Response, error) {
	model, ok := c.models[req.Tier]
	if !ok {
		model = c.models[TierBalanced]
	}
	if model == "" {
		return Response{}, fmt.Errorf("%w: no model configured for tier %q", ErrModelUnavailable, req.Tier)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	system := req.SystemPrompt
	if jsonOnly {
		system = "Respond with valid JSON only, no prose or markdown.\n\n" + system
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return Response{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	logging.API("model=%s tier=%s status=%d elapsed=%s", model, req.Tier, resp.StatusCode, time.Since(started))

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrModelUnavailable, resp.StatusCode, msg)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Response{Content: text, Usage: parsed.Usage}, nil
}
