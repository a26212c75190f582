// Package diag defines the findings, locations and call trees reported by the
// instruction analyzer.
package diag

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Severity orders findings on a fixed ladder.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityMinor
	SeverityModerate
	SeverityMajor
	SeverityCritical
)

var severityNames = [...]string{"none", "info", "minor", "moderate", "major", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(s, name) {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Escalate returns the severity one step up for findings reached from a
// performance-critical context. Only Minor and Moderate move; the ladder
// saturates at both ends and never goes down.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityMinor:
		return SeverityModerate
	case SeverityModerate:
		return SeverityMajor
	default:
		return s
	}
}

// Location is a resolved source position.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

func (l *Location) String() string {
	if l == nil {
		return "<unknown>"
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Kind distinguishes instruction findings from compiler messages.
type Kind string

const (
	KindCode     Kind = "code"
	KindCompiler Kind = "compiler"
)

// CallEdge records one call site: Caller invokes Callee at Location.
type CallEdge struct {
	Caller             string
	Callee             string
	Location           *Location
	CallerPerfCritical bool
}

// CallTreeNode is a node of an inverted call graph. The root is the method
// holding a finding and each child is a direct caller of its parent.
type CallTreeNode struct {
	Method string `json:"method"`
	Name   string `json:"name,omitempty"`
	// Location is the call site inside Method that leads to the parent node.
	Location            *Location `json:"location,omitempty"`
	PerfCritical        bool      `json:"perf_critical,omitempty"`
	PerfCriticalContext bool      `json:"perf_critical_context,omitempty"`
	// Truncated marks a node whose callers were cut off by the tree's node
	// budget.
	Truncated bool            `json:"truncated,omitempty"`
	Children  []*CallTreeNode `json:"callers,omitempty"`
}

// Size returns the number of nodes in the tree.
func (n *CallTreeNode) Size() int {
	if n == nil {
		return 0
	}
	size := 1
	for _, c := range n.Children {
		size += c.Size()
	}
	return size
}

// Depth returns the number of nodes on the longest root-to-leaf path.
func (n *CallTreeNode) Depth() int {
	if n == nil {
		return 0
	}
	var deepest int
	for _, c := range n.Children {
		deepest = max(deepest, c.Depth())
	}
	return deepest + 1
}

// Paths calls fn for every root-to-leaf path. The slice passed to fn is
// reused between calls.
func (n *CallTreeNode) Paths(fn func(path []*CallTreeNode)) {
	if n == nil {
		return
	}
	var walk func(node *CallTreeNode, path []*CallTreeNode)
	walk = func(node *CallTreeNode, path []*CallTreeNode) {
		path = append(path, node)
		if len(node.Children) == 0 {
			fn(path)
			return
		}
		for _, c := range node.Children {
			walk(c, path)
		}
	}
	walk(n, make([]*CallTreeNode, 0, 8))
}

// Finding is one reported diagnostic.
type Finding struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	RuleID      string            `json:"rule"`
	Description string            `json:"description"`
	Method      string            `json:"method,omitempty"`
	Module      string            `json:"module,omitempty"`
	Offset      int               `json:"offset"`
	Location    *Location         `json:"location,omitempty"`
	Severity    Severity          `json:"severity"`
	Properties  map[string]string `json:"properties,omitempty"`
	CallTree    *CallTreeNode     `json:"call_tree,omitempty"`
}

var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/715d/ilaudit/finding"))

// AssignID derives a stable identifier from the finding's identity fields so
// that re-running on unchanged input yields the same IDs.
func (f *Finding) AssignID() {
	key := fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s",
		f.Kind, f.RuleID, f.Module, f.Method, f.Offset, f.Location, f.Description)
	f.ID = uuid.NewSHA1(findingNamespace, []byte(key)).String()
}

// Clone returns a copy that shares nothing mutable with f except the call
// tree, which is immutable once attached.
func (f *Finding) Clone() Finding {
	c := *f
	if f.Location != nil {
		loc := *f.Location
		c.Location = &loc
	}
	c.Properties = maps.Clone(f.Properties)
	return c
}
