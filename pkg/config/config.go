// Package config loads audit settings from YAML or TOML files layered over
// built-in defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/715d/ilaudit/pkg/callcrawler"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/suppress"
)

//go:embed default.toml
var defaultConfig []byte

var ErrInvalid = errors.New("invalid configuration")

// Override sets the severity of a rule, optionally only inside methods whose
// identity matches Method. Severity "none" suppresses the rule.
type Override struct {
	Rule     string        `yaml:"rule" toml:"rule"`
	Method   string        `yaml:"method,omitempty" toml:"method"`
	Severity diag.Severity `yaml:"severity" toml:"severity"`
}

// Config holds the settings of one audit.
type Config struct {
	Platform     string     `yaml:"platform" toml:"platform"`
	MaxDepth     int        `yaml:"max_depth" toml:"max_depth"`
	MaxTreeNodes int        `yaml:"max_tree_nodes" toml:"max_tree_nodes"`
	Synchronous  bool       `yaml:"synchronous" toml:"synchronous"`
	Modules      []string   `yaml:"modules" toml:"modules"`
	Rules        []string   `yaml:"rules" toml:"rules"`
	SearchDirs   []string   `yaml:"search_dirs" toml:"search_dirs"`
	SourceRoots  []string   `yaml:"source_roots" toml:"source_roots"`
	Overrides    []Override `yaml:"overrides" toml:"overrides"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := toml.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return &cfg
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values; an overrides list in the file replaces the default list.
func Load(path string) (*Config, error) {
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalid, ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth)
	}
	if c.MaxTreeNodes < 0 {
		return fmt.Errorf("max_tree_nodes must not be negative, got %d", c.MaxTreeNodes)
	}
	for i, o := range c.Overrides {
		if o.Rule == "" {
			return fmt.Errorf("override %d: rule is required", i)
		}
	}
	return nil
}

// Depth returns the effective call-tree depth limit.
func (c *Config) Depth() int {
	if c.MaxDepth <= 0 {
		return callcrawler.DefaultMaxDepth
	}
	return c.MaxDepth
}

// TreeNodes returns the effective node budget of one call tree.
func (c *Config) TreeNodes() int {
	if c.MaxTreeNodes <= 0 {
		return callcrawler.DefaultMaxNodes
	}
	return c.MaxTreeNodes
}

// SeverityOverrides converts the configured overrides.
func (c *Config) SeverityOverrides() []suppress.Override {
	out := make([]suppress.Override, 0, len(c.Overrides))
	for _, o := range c.Overrides {
		out = append(out, suppress.Override{Rule: o.Rule, Method: o.Method, Severity: o.Severity})
	}
	return out
}

// Analyzed reports whether rules run on module. An empty allow-list admits
// every module.
func (c *Config) Analyzed(module string) bool {
	if len(c.Modules) == 0 {
		return true
	}
	return slices.Contains(c.Modules, module)
}
