// Package suppress implements comment-based suppression and configured
// severity overrides of findings.
package suppress

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/ilaudit/pkg/diag"
)

// allRules in a nolint list suppresses every rule.
const allRules = "ilaudit"

// Checker handles nolint and lint:ignore comments in source files. Files are
// read lazily the first time a finding points into them and cached for the
// life of the Checker. It is safe for concurrent use.
type Checker struct {
	roots []string

	// files maps a source path to its suppressions by line
	files *xsync.Map[string, map[int]*Suppression]
}

// Suppression represents a parsed suppression directive.
type Suppression struct {
	Line   int
	Rules  []string
	Reason string
	Type   SuppressionType
}

// SuppressionType represents different types of suppression comments.
type SuppressionType int

const (
	// SuppressionNolint represents //nolint and //nolint:RULE comments.
	SuppressionNolint SuppressionType = iota

	// SuppressionLintIgnore represents //lint:ignore RULE comments.
	SuppressionLintIgnore
)

// Suppression patterns for different comment styles.
var (
	// nolintWithRules matches //nolint:IL0001,API0003 // reason
	nolintWithRules = regexp.MustCompile(`//\s*nolint:([\w,]+)(?:\s*//\s*(.*))?`)

	// lintIgnorePattern matches //lint:ignore IL0001 reason
	lintIgnorePattern = regexp.MustCompile(`//\s*lint:ignore\s+([\w,]+)(?:\s+(.+))?`)

	// genericNolintPattern matches //nolint comments without specific rules
	genericNolintPattern = regexp.MustCompile(`//\s*nolint(?:\s|$)`)
)

// NewChecker creates a checker that resolves relative finding paths against
// roots.
func NewChecker(roots ...string) *Checker {
	return &Checker{
		roots: roots,
		files: xsync.NewMap[string, map[int]*Suppression](),
	}
}

// Load parses suppression comments from r and records them under path.
func (sc *Checker) Load(path string, r io.Reader) error {
	byLine, err := parseSuppressions(r)
	if err != nil {
		return err
	}
	sc.files.Store(path, byLine)
	return nil
}

func parseSuppressions(r io.Reader) (map[int]*Suppression, error) {
	byLine := make(map[int]*Suppression)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		idx := strings.Index(text, "//")
		if idx < 0 {
			continue
		}
		if s := parseComment(text[idx:]); s != nil {
			s.Line = line
			byLine[line] = s
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return byLine, nil
}

// parseComment parses a comment to check if it's a suppression directive.
func parseComment(text string) *Suppression {
	if matches := nolintWithRules.FindStringSubmatch(text); matches != nil {
		return &Suppression{
			Rules:  splitRules(matches[1]),
			Reason: strings.TrimSpace(matches[2]),
			Type:   SuppressionNolint,
		}
	}

	if matches := lintIgnorePattern.FindStringSubmatch(text); matches != nil {
		return &Suppression{
			Rules:  splitRules(matches[1]),
			Reason: strings.TrimSpace(matches[2]),
			Type:   SuppressionLintIgnore,
		}
	}

	if genericNolintPattern.MatchString(text) {
		return &Suppression{Type: SuppressionNolint}
	}

	return nil
}

func splitRules(list string) []string {
	var rules []string
	for rule := range strings.SplitSeq(list, ",") {
		if rule = strings.TrimSpace(rule); rule != "" {
			rules = append(rules, rule)
		}
	}
	return rules
}

// covers reports whether s applies to ruleID.
func (s *Suppression) covers(ruleID string) bool {
	if len(s.Rules) == 0 {
		return true
	}
	return slices.Contains(s.Rules, ruleID) || slices.Contains(s.Rules, allRules)
}

// IsSuppressed checks whether a directive on the finding's line, or the line
// before it, suppresses the finding.
func (sc *Checker) IsSuppressed(f *diag.Finding) (bool, string) {
	if f.Location == nil || f.Location.File == "" {
		return false, ""
	}
	byLine := sc.suppressionsFor(f.Location.File)
	for _, line := range []int{f.Location.Line, f.Location.Line - 1} {
		s, ok := byLine[line]
		if !ok || !s.covers(f.RuleID) {
			continue
		}
		if s.Reason == "" {
			return true, "suppressed"
		}
		return true, s.Reason
	}
	return false, ""
}

func (sc *Checker) suppressionsFor(path string) map[int]*Suppression {
	if byLine, ok := sc.files.Load(path); ok {
		return byLine
	}
	byLine, _ := sc.files.LoadOrStore(path, sc.read(path))
	return byLine
}

// read parses the first candidate of path that can be opened. A source that
// cannot be found yields no suppressions.
func (sc *Checker) read(path string) map[int]*Suppression {
	for _, candidate := range sc.candidates(path) {
		f, err := os.Open(candidate)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Debug("cannot open source for suppressions", "path", candidate, "error", err)
			}
			continue
		}
		byLine, err := parseSuppressions(f)
		f.Close()
		if err != nil {
			slog.Debug("cannot read source for suppressions", "path", candidate, "error", err)
			continue
		}
		return byLine
	}
	return nil
}

func (sc *Checker) candidates(path string) []string {
	if filepath.IsAbs(path) || len(sc.roots) == 0 {
		return []string{path}
	}
	paths := make([]string, 0, len(sc.roots))
	for _, root := range sc.roots {
		paths = append(paths, filepath.Join(root, path))
	}
	return paths
}

// Clear clears all loaded suppressions.
func (sc *Checker) Clear() {
	sc.files.Clear()
}
