package suppress

import (
	"fmt"
	"regexp"

	"github.com/715d/ilaudit/pkg/diag"
)

// Override changes the severity of a rule, optionally only for methods whose
// identity matches Method. Severity None suppresses the finding.
type Override struct {
	Rule     string
	Method   string
	Severity diag.Severity
}

type compiledOverride struct {
	Override
	method *regexp.Regexp
}

// Filter applies overrides and source suppressions to findings.
type Filter struct {
	overrides []compiledOverride
	checker   *Checker
}

// WithChecker returns a filter sharing f's compiled overrides that consults
// checker for source comments. checker may be nil.
func (f *Filter) WithChecker(checker *Checker) *Filter {
	return &Filter{overrides: f.overrides, checker: checker}
}

// NewFilter compiles overrides. checker may be nil to skip source comments.
func NewFilter(overrides []Override, checker *Checker) (*Filter, error) {
	f := &Filter{checker: checker}
	for i, o := range overrides {
		if o.Rule == "" {
			return nil, fmt.Errorf("override %d: rule is required", i)
		}
		co := compiledOverride{Override: o}
		if o.Method != "" {
			re, err := regexp.Compile(o.Method)
			if err != nil {
				return nil, fmt.Errorf("override %d (%s): method pattern: %w", i, o.Rule, err)
			}
			co.method = re
		}
		f.overrides = append(f.overrides, co)
	}
	return f, nil
}

// Severity returns the overridden severity of finding. The last matching
// override wins.
func (f *Filter) Severity(finding *diag.Finding) (diag.Severity, bool) {
	sev, matched := finding.Severity, false
	for _, o := range f.overrides {
		if o.Rule != finding.RuleID && o.Rule != allRules {
			continue
		}
		if o.method != nil && !o.method.MatchString(finding.Method) {
			continue
		}
		sev, matched = o.Severity, true
	}
	return sev, matched
}

// Apply returns the findings that survive, with overridden severities. A
// finding is dropped when an override sets its severity to None. The input
// slice is not modified.
func (f *Filter) Apply(findings []diag.Finding) []diag.Finding {
	out := make([]diag.Finding, 0, len(findings))
	for i := range findings {
		finding := findings[i]
		if sev, ok := f.Severity(&finding); ok {
			if sev == diag.SeverityNone {
				continue
			}
			finding.Severity = sev
		}
		if f.checker != nil {
			if suppressed, _ := f.checker.IsSuppressed(&finding); suppressed {
				continue
			}
		}
		out = append(out, finding)
	}
	return out
}
