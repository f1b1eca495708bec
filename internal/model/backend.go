// Package model defines the LLM backend interface and provider clients.
package model

import (
	"context"
	"errors"
)

// Tier selects a capability/cost tradeoff. Providers map tiers to models.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierDeep     Tier = "deep"
)

// Request is one prompt round-trip.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Tier         Tier
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content string
	Usage   *Usage
}

// Backend is the minimal interface the planning loop needs.
// AskJSON behaves like Ask but instructs the provider to emit JSON only.
type Backend interface {
	Ask(ctx context.Context, req Request) (Response, error)
	AskJSON(ctx context.Context, req Request) (Response, error)
}

var (
	// ErrModelTimeout indicates the per-call deadline elapsed.
	ErrModelTimeout = errors.New("model call timed out")

	// ErrModelUnavailable indicates the provider rejected or refused the call.
	ErrModelUnavailable = errors.New("model backend unavailable")
)
