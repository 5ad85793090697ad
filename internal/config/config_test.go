package config

import (
	"path/filepath"
	"testing"
	"time"
)

// clearEnv keeps developer keys out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "SCRIPTLOOP_MODELS", "SCRIPTLOOP_DB"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "scriptloop" {
		t.Errorf("expected Name=scriptloop, got %s", cfg.Name)
	}
	if cfg.LLM.Provider != ProviderOpenAI {
		t.Errorf("expected Provider=openai, got %s", cfg.LLM.Provider)
	}
	if cfg.Pipeline.Conversation != "code" {
		t.Errorf("expected Conversation=code, got %s", cfg.Pipeline.Conversation)
	}
	if err := cfg.Harness.Validate(); err != nil {
		t.Errorf("default harness config invalid: %v", err)
	}
	if cfg.Harness.Workdir != ".scriptloop/work" {
		t.Errorf("expected Workdir=.scriptloop/work, got %s", cfg.Harness.Workdir)
	}
}

func TestHarnessConfig_WorkdirMustNotExposeState(t *testing.T) {
	for _, dir := range []string{"", ".", "./", ".scriptloop", ".scriptloop/"} {
		hc := DefaultHarnessConfig()
		hc.Workdir = dir
		if err := hc.Validate(); err == nil {
			t.Errorf("workdir %q: expected validation error", dir)
		}
	}
	hc := DefaultHarnessConfig()
	hc.Workdir = "scratch"
	if err := hc.Validate(); err != nil {
		t.Errorf("workdir scratch: unexpected error %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Provider = ProviderGemini
	cfg.LLM.GeminiKey = "g-test"
	cfg.Pipeline.MaxDebugIterations = 5
	cfg.Harness.Outputs = []OutputConfig{{Pattern: "*.csv", MinCount: 2}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.LLM.Provider != ProviderGemini {
		t.Errorf("expected Provider=gemini, got %s", loaded.LLM.Provider)
	}
	if loaded.LLM.GeminiKey != "g-test" {
		t.Errorf("expected GeminiKey=g-test, got %s", loaded.LLM.GeminiKey)
	}
	if loaded.Pipeline.MaxDebugIterations != 5 {
		t.Errorf("expected MaxDebugIterations=5, got %d", loaded.Pipeline.MaxDebugIterations)
	}
	if len(loaded.Harness.Outputs) != 1 || loaded.Harness.Outputs[0].MinCount != 2 {
		t.Errorf("outputs not round-tripped: %+v", loaded.Harness.Outputs)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.MaxCodeRevisions != DefaultConfig().Pipeline.MaxCodeRevisions {
		t.Errorf("expected default MaxCodeRevisions, got %d", cfg.Pipeline.MaxCodeRevisions)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "env-gemini")
	t.Setenv("SCRIPTLOOP_MODELS", "gemini-2.5-flash, gemini-2.5-pro,")
	t.Setenv("SCRIPTLOOP_DB", "/tmp/history.db")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.LLM.GeminiKey != "env-gemini" {
		t.Errorf("expected GeminiKey=env-gemini, got %s", cfg.LLM.GeminiKey)
	}
	if cfg.LLM.Provider != ProviderGemini {
		t.Errorf("expected Provider=gemini without an OpenAI key, got %s", cfg.LLM.Provider)
	}
	if len(cfg.LLM.Tiers) != 2 || cfg.LLM.Tiers[1] != "gemini-2.5-pro" {
		t.Errorf("unexpected tiers %v", cfg.LLM.Tiers)
	}
	if cfg.Memory.DatabasePath != "/tmp/history.db" {
		t.Errorf("expected DatabasePath override, got %s", cfg.Memory.DatabasePath)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	// Default has no API key
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing API key")
	}

	cfg.LLM.OpenAIKey = "test-key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	cfg.LLM.Provider = ProviderAuto
	cfg.LLM.Tiers = []string{"gpt-4o", "gemini-2.5-pro"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing Gemini key in auto mode")
	}

	cfg.LLM.Provider = "invalid-provider"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid provider")
	}

	cfg = DefaultConfig()
	cfg.LLM.OpenAIKey = "test-key"
	cfg.Harness.DeniedCalls = []string{"nodot"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for malformed denied call")
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.GetLLMTimeout() != 120*time.Second {
		t.Errorf("unexpected LLM timeout %v", cfg.GetLLMTimeout())
	}
	cfg.Harness.Timeout = "bogus"
	if cfg.GetHarnessTimeout() != 30*time.Second {
		t.Errorf("expected fallback harness timeout, got %v", cfg.GetHarnessTimeout())
	}
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		in       string
		pkg, sym string
		ok       bool
	}{
		{"os.Exit", "os", "Exit", true},
		{"encoding/json.Marshal", "encoding/json", "Marshal", true},
		{"os", "", "", false},
		{"os.", "", "", false},
	}
	for _, c := range cases {
		pkg, sym, ok := SplitSymbol(c.in)
		if pkg != c.pkg || sym != c.sym || ok != c.ok {
			t.Errorf("SplitSymbol(%q) = %q, %q, %v", c.in, pkg, sym, ok)
		}
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	if c.IsCategoryEnabled("harness") {
		t.Error("categories must be off outside debug mode")
	}
	c.DebugMode = true
	c.Categories = map[string]bool{"api": false}
	if !c.IsCategoryEnabled("harness") || c.IsCategoryEnabled("api") {
		t.Error("unexpected category filter result")
	}
}
