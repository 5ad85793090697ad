package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"scriptloop/internal/conversation"
	"scriptloop/internal/logging"
)

// GeminiClient completes conversations with the Gemini API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// geminiContents splits messages into the system instruction and the
// turn contents the API expects.
func geminiContents(messages []conversation.Message) (*genai.Content, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch {
		case m.Role == conversation.RoleSystem:
			system = append(system, m.Content)
		case m.Role.IsAssistantLike():
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, model string, messages []conversation.Message) (string, error) {
	startTime := time.Now()
	system, contents := geminiContents(messages)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr[float32](0.2),
	}
	logging.APIDebug("[Gemini] Complete: model=%s turns=%d", model, len(contents))

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		logging.APIError("[Gemini] Complete: %v", err)
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: no completion returned")
	}
	logging.API("[Gemini] Complete: model=%s completed in %v response_len=%d", model, time.Since(startTime), len(text))
	return text, nil
}
