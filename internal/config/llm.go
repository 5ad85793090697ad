package config

import (
	"fmt"
	"strings"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	// ProviderAuto routes each model to a provider by its name.
	ProviderAuto = "auto"
)

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{ProviderOpenAI, ProviderGemini, ProviderAuto}

// LLMConfig configures the model providers. Tiers lists model names from
// least to most capable; the repair loop escalates along it.
type LLMConfig struct {
	Provider  string   `yaml:"provider"`
	OpenAIKey string   `yaml:"openai_api_key"`
	GeminiKey string   `yaml:"gemini_api_key"`
	BaseURL   string   `yaml:"base_url"`
	Timeout   string   `yaml:"timeout"`
	Tiers     []string `yaml:"tiers"`
}

// IsGeminiModel reports whether model is served by the Gemini provider.
func IsGeminiModel(model string) bool {
	return strings.HasPrefix(model, "gemini-") || strings.HasPrefix(model, "models/gemini-")
}

// Validate checks the provider, its keys and the tier list.
func (c *LLMConfig) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.Provider, ValidProviders)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("llm.tiers must name at least one model")
	}

	needOpenAI, needGemini := false, false
	switch c.Provider {
	case ProviderOpenAI:
		needOpenAI = true
	case ProviderGemini:
		needGemini = true
	case ProviderAuto:
		for _, m := range c.Tiers {
			if IsGeminiModel(m) {
				needGemini = true
			} else {
				needOpenAI = true
			}
		}
	}
	if needOpenAI && c.OpenAIKey == "" {
		return fmt.Errorf("OpenAI API key not configured (set OPENAI_API_KEY)")
	}
	if needGemini && c.GeminiKey == "" {
		return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY)")
	}
	return nil
}
