// Package llm adapts model providers to the single call the repair loop
// needs: send a conversation, get text back.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scriptloop/internal/config"
	"scriptloop/internal/conversation"
)

// ErrNoAPIKey is returned when a provider is used without credentials.
var ErrNoAPIKey = errors.New("API key not configured")

// Client completes a conversation with the named model.
type Client interface {
	Complete(ctx context.Context, model string, messages []conversation.Message) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, model string, messages []conversation.Message) (string, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, model string, messages []conversation.Message) (string, error) {
	return f(ctx, model, messages)
}

// Tiered names the models available to a pipeline, from least to most
// capable.
type Tiered struct {
	Models []string
}

// Len returns the number of tiers.
func (t Tiered) Len() int { return len(t.Models) }

// Model returns the model of tier i, clamped to the available tiers.
func (t Tiered) Model(i int) string {
	if len(t.Models) == 0 {
		return ""
	}
	if i < 0 {
		i = 0
	}
	if i >= len(t.Models) {
		i = len(t.Models) - 1
	}
	return t.Models[i]
}

// Router sends each model to the provider serving it.
type Router struct {
	OpenAI Client
	Gemini Client
}

// Complete implements Client.
func (r *Router) Complete(ctx context.Context, model string, messages []conversation.Message) (string, error) {
	target := r.OpenAI
	if config.IsGeminiModel(model) {
		target = r.Gemini
	}
	if target == nil {
		return "", fmt.Errorf("no provider configured for model %s", model)
	}
	return target.Complete(ctx, model, messages)
}

// NewFromConfig builds the client selected by cfg.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, timeout string) (Client, error) {
	openAI := func() *OpenAIClient {
		c := DefaultOpenAIConfig(cfg.OpenAIKey)
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		c.Timeout = parseTimeout(timeout, c.Timeout)
		return NewOpenAIClientWithConfig(c)
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openAI(), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg.GeminiKey)
	case config.ProviderAuto:
		r := &Router{}
		if cfg.OpenAIKey != "" {
			r.OpenAI = openAI()
		}
		if cfg.GeminiKey != "" {
			g, err := NewGeminiClient(ctx, cfg.GeminiKey)
			if err != nil {
				return nil, err
			}
			r.Gemini = g
		}
		return r, nil
	}
	return nil, fmt.Errorf("invalid LLM provider: %s", cfg.Provider)
}

func parseTimeout(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
