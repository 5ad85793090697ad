package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all scriptloop configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model providers and tiers
	LLM LLMConfig `yaml:"llm"`

	// Repair loop bounds
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Script execution and guards
	Harness HarnessConfig `yaml:"harness"`

	// Action Log persistence
	Memory MemoryConfig `yaml:"memory"`

	// Child process supervision
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PipelineConfig bounds the repair loop.
type PipelineConfig struct {
	MaxDebugIterations int    `yaml:"max_debug_iterations"`
	MaxCodeRevisions   int    `yaml:"max_code_revisions"`
	Conversation       string `yaml:"conversation"`
	SystemPrompt       string `yaml:"system_prompt"`
}

// MemoryConfig configures the SQLite history store.
type MemoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// SupervisorConfig configures `scriptloop supervise`.
type SupervisorConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	Binary      string `yaml:"binary"` // empty means the running executable
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "scriptloop",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
			Tiers:    []string{"gpt-4o-mini", "gpt-4o"},
		},

		Pipeline: PipelineConfig{
			MaxDebugIterations: 12,
			MaxCodeRevisions:   3,
			Conversation:       "code",
			SystemPrompt:       "You are a data analyst. You write complete, runnable Go programs (package main) that perform the requested analysis.",
		},

		Harness: DefaultHarnessConfig(),

		Memory: MemoryConfig{
			Enabled:      true,
			DatabasePath: ".scriptloop/history.db",
		},

		Supervisor: SupervisorConfig{
			MaxParallel: 4,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.GeminiKey = key
		if c.LLM.OpenAIKey == "" {
			c.LLM.Provider = ProviderGemini
		}
	}
	if models := os.Getenv("SCRIPTLOOP_MODELS"); models != "" {
		var tiers []string
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				tiers = append(tiers, m)
			}
		}
		c.LLM.Tiers = tiers
	}

	// Database path from environment
	if path := os.Getenv("SCRIPTLOOP_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetHarnessTimeout returns the script time budget as a duration.
func (c *Config) GetHarnessTimeout() time.Duration {
	d, err := time.ParseDuration(c.Harness.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Pipeline.MaxDebugIterations < 0 {
		return fmt.Errorf("pipeline.max_debug_iterations must not be negative")
	}
	if c.Pipeline.MaxCodeRevisions < 0 {
		return fmt.Errorf("pipeline.max_code_revisions must not be negative")
	}
	if c.Pipeline.Conversation == "" {
		return fmt.Errorf("pipeline.conversation is required")
	}
	return c.Harness.Validate()
}
