// Package harness provides test harness infrastructure for validating the
// audit pipeline against fixture projects.
package harness

import "github.com/715d/ilaudit/pkg/config"

// Configuration is one audit of a fixture project and what it must report.
type Configuration struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	// Platform is the build target.
	Platform string `yaml:"platform,omitempty"`

	// Modules is the module allow-list.
	Modules []string `yaml:"modules,omitempty"`

	// Rules lists the enabled rule IDs.
	Rules []string `yaml:"rules,omitempty"`

	// MaxDepth bounds call trees; zero keeps the default.
	MaxDepth int `yaml:"max_depth,omitempty"`

	// SourceRoots are fixture-relative directories scanned for suppression
	// comments.
	SourceRoots []string `yaml:"source_roots,omitempty"`

	Overrides []config.Override `yaml:"overrides,omitempty"`

	// ExpectedStatus is success, cancelled or failed. Defaults to success.
	ExpectedStatus string `yaml:"expected_status,omitempty"`

	// ExpectedFindings lists every finding of the final batch.
	ExpectedFindings []ExpectedFinding `yaml:"expected_findings"`

	// ExpectedErrors lists substrings of the run error.
	ExpectedErrors []string `yaml:"expected_errors,omitempty"`
}

// ExpectedFinding describes one finding of the final batch.
type ExpectedFinding struct {
	Rule     string `yaml:"rule"`
	Method   string `yaml:"method,omitempty"`
	File     string `yaml:"file"`
	Line     int    `yaml:"line"`
	Severity string `yaml:"severity"`

	// Callers are the direct callers in the call tree, sorted. Nil skips
	// the check; an empty list requires a tree without callers.
	Callers []string `yaml:"callers,omitempty"`

	// Depth is the expected call tree depth; zero skips the check.
	Depth int `yaml:"depth,omitempty"`
}

// TestCase is a fixture project with its configurations.
type TestCase struct {
	// Name is the archive name without extension.
	Name string `yaml:"-"`

	// Dir is the directory the archive was extracted to.
	Dir string `yaml:"-"`

	// Manifest is the fixture-relative project manifest. Defaults to
	// project.yaml.
	Manifest string `yaml:"manifest,omitempty"`

	Configurations []Configuration `yaml:"configurations"`
}
