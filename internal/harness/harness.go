package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/pkg/audit"
	"github.com/715d/ilaudit/pkg/build"
	"github.com/715d/ilaudit/pkg/config"
	"github.com/715d/ilaudit/pkg/diag"
)

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	var results []ConfigurationResult
	var allSuccess = true

	for _, cfg := range tc.Configurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration audits the fixture once.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, c Configuration) *ConfigurationResult {
	t.Helper()
	manifest, err := build.LoadManifest(filepath.Join(tc.Dir, tc.Manifest))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Platform = c.Platform
	cfg.Modules = c.Modules
	cfg.Rules = c.Rules
	cfg.MaxDepth = c.MaxDepth
	cfg.Synchronous = true
	cfg.SearchDirs = manifest.ResolvedSearchDirs()
	cfg.Overrides = append(cfg.Overrides, c.Overrides...)
	for _, root := range c.SourceRoots {
		cfg.SourceRoots = append(cfg.SourceRoots, filepath.Join(tc.Dir, root))
	}

	var final []diag.Finding
	auditor, err := audit.New(audit.Options{
		Compiler: build.NewManifestCompiler(manifest),
		Config:   cfg,
		Callbacks: audit.Callbacks{OnFindings: func(b audit.Batch) {
			if b.Final {
				final = b.Findings
			}
		}},
	})
	require.NoError(t, err)
	run, status := auditor.Run(context.Background())

	cfgResult := &ConfigurationResult{Configuration: c, Findings: final, Status: status}
	want := c.ExpectedStatus
	if want == "" {
		want = audit.StatusSuccess.String()
	}
	if status.String() != want {
		cfgResult.Message = fmt.Sprintf("status %s, want %s", status, want)
		cfgResult.Details = []string{fmt.Sprintf("error: %v", run.Err())}
		return cfgResult
	}
	for _, e := range c.ExpectedErrors {
		if run.Err() == nil || !strings.Contains(run.Err().Error(), e) {
			cfgResult.Message = "missing expected error"
			cfgResult.Details = []string{fmt.Sprintf("want error containing %q, got %v", e, run.Err())}
			return cfgResult
		}
	}

	validateResults(cfgResult, c.ExpectedFindings, final)
	return cfgResult
}

// ConfigurationResult represents the result of running a single configuration.
type ConfigurationResult struct {
	// Configuration is the configuration that was run.
	Configuration Configuration

	// Findings is the final batch.
	Findings []diag.Finding

	Status audit.Status

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures for this configuration.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed)
	Success bool

	// Message provides a summary of the result.
	Message string
}

func expectedKey(e ExpectedFinding) string {
	return fmt.Sprintf("%s %s:%d %s", e.Rule, e.File, e.Line, e.Method)
}

func findingKey(f *diag.Finding) string {
	var file string
	var line int
	if f.Location != nil {
		file, line = f.Location.File, f.Location.Line
	}
	return fmt.Sprintf("%s %s:%d %s", f.RuleID, file, line, f.Method)
}

// validateResults matches findings to expectations by key. A key may occur
// several times, e.g. two allocations on one line, so every occurrence is
// counted.
func validateResults(cfgResult *ConfigurationResult, expected []ExpectedFinding, actual []diag.Finding) {
	expectedByKey := make(map[string][]ExpectedFinding)
	for _, e := range expected {
		key := expectedKey(e)
		expectedByKey[key] = append(expectedByKey[key], e)
	}

	actualByKey := make(map[string][]*diag.Finding)
	for i := range actual {
		key := findingKey(&actual[i])
		actualByKey[key] = append(actualByKey[key], &actual[i])
	}

	var details []string

	// Check for missing expected findings.
	var missing []string
	for key, exps := range expectedByKey {
		for range len(exps) - len(actualByKey[key]) {
			missing = append(missing, key)
		}
	}

	// Check for unexpected findings.
	var unexpected []string
	for key, acts := range actualByKey {
		for _, act := range acts[min(len(expectedByKey[key]), len(acts)):] {
			unexpected = append(unexpected, fmt.Sprintf("%s (%s)", key, act.Severity))
		}
	}

	// Sort for consistent output.
	sort.Strings(missing)
	sort.Strings(unexpected)

	for _, m := range missing {
		details = append(details, "Should have been reported: "+m)
	}
	for _, u := range unexpected {
		details = append(details, "Should not have been reported: "+u)
	}

	keys := make([]string, 0, len(expectedByKey))
	for key := range expectedByKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mismatched := 0
	for _, key := range keys {
		acts := actualByKey[key]
		for i, exp := range expectedByKey[key] {
			if i >= len(acts) {
				break
			}
			if d := compareFinding(exp, acts[i]); d != "" {
				details = append(details, key+": "+d)
				mismatched++
			}
		}
	}

	success := len(missing) == 0 && len(unexpected) == 0 && mismatched == 0
	var message string
	if success {
		message = fmt.Sprintf("All %d expected findings reported", len(expected))
	} else {
		message = fmt.Sprintf("Test failed: %d missing, %d unexpected, %d mismatched", len(missing), len(unexpected), mismatched)
	}

	cfgResult.Success = success
	cfgResult.Message = message
	cfgResult.Details = details
}

func compareFinding(exp ExpectedFinding, act *diag.Finding) string {
	var diffs []string
	if exp.Severity != "" && exp.Severity != act.Severity.String() {
		diffs = append(diffs, fmt.Sprintf("severity %s, want %s", act.Severity, exp.Severity))
	}
	if exp.Callers != nil {
		var callers []string
		if act.CallTree != nil {
			for _, c := range act.CallTree.Children {
				callers = append(callers, c.Method)
			}
		}
		sort.Strings(callers)
		want := slices.Sorted(slices.Values(exp.Callers))
		if !slices.Equal(callers, want) {
			diffs = append(diffs, fmt.Sprintf("callers %v, want %v", callers, want))
		}
	}
	if exp.Depth > 0 && act.CallTree.Depth() != exp.Depth {
		diffs = append(diffs, fmt.Sprintf("depth %d, want %d", act.CallTree.Depth(), exp.Depth))
	}
	return strings.Join(diffs, "; ")
}
