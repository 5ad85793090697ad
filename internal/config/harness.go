package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// HarnessConfig configures script execution and the guards placed around
// it.
type HarnessConfig struct {
	Timeout         string   `yaml:"timeout"`
	MaxOutputBytes  int      `yaml:"max_output_bytes"`
	Workdir         string   `yaml:"workdir"`          // relative to the workspace
	AllowedPackages []string `yaml:"allowed_packages"` // empty means the built-in default set
	DeniedImports   []string `yaml:"denied_imports"`
	DeniedCalls     []string `yaml:"denied_calls"` // "import/path.Symbol"
	Readable        []string `yaml:"readable"`
	Writable        []string `yaml:"writable"`

	Outputs []OutputConfig `yaml:"outputs"`
}

// OutputConfig declares an output file requirement.
type OutputConfig struct {
	Pattern    string `yaml:"pattern"`
	MinCount   int    `yaml:"min_count"`
	KeepAsData bool   `yaml:"keep_as_data"`
}

// DefaultHarnessConfig returns the default harness settings.
func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{
		Timeout:        "30s",
		MaxOutputBytes: 64 * 1024,
		Workdir:        ".scriptloop/work",
		DeniedImports:  []string{"os/exec", "net", "syscall", "unsafe"},
		DeniedCalls:    []string{"os.RemoveAll", "os.Chdir"},
		Readable:       []string{"*.csv", "*.json", "*.txt", "*.yaml"},
		Writable:       []string{"*.csv", "*.json", "*.txt", "*.yaml", "*.md"},
	}
}

// SplitSymbol splits "import/path.Symbol" at the last dot after the last
// slash.
func SplitSymbol(s string) (pkg, name string, ok bool) {
	dir, base := path.Split(s)
	i := strings.LastIndex(base, ".")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return dir + base[:i], base[i+1:], true
}

// Validate checks the harness settings.
func (c *HarnessConfig) Validate() error {
	switch path.Clean(filepath.ToSlash(c.Workdir)) {
	case ".", ".scriptloop":
		return fmt.Errorf("harness.workdir %q would expose the workspace state to scripts", c.Workdir)
	}
	for _, s := range c.DeniedCalls {
		if _, _, ok := SplitSymbol(s); !ok {
			return fmt.Errorf("harness.denied_calls: malformed symbol %q", s)
		}
	}
	for _, o := range c.Outputs {
		if _, err := path.Match(o.Pattern, ""); err != nil {
			return fmt.Errorf("harness.outputs: bad pattern %q: %w", o.Pattern, err)
		}
		if o.MinCount < 0 {
			return fmt.Errorf("harness.outputs: negative min_count for %q", o.Pattern)
		}
	}
	if c.MaxOutputBytes < 0 {
		return fmt.Errorf("harness.max_output_bytes must not be negative")
	}
	return nil
}
