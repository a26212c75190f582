package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/715d/ilaudit/internal/analysis"
	"github.com/715d/ilaudit/pkg/diag"
)

// sortFindings orders findings by ID so reports diff cleanly between runs.
func sortFindings(findings []diag.Finding) {
	slices.SortFunc(findings, func(a, b diag.Finding) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func writeResults(w io.Writer, result *Result, asJSON, verbose bool) error {
	var output string
	var err error

	if asJSON {
		output, err = formatJSONOutput(result)
	} else {
		output = formatTextOutput(result, verbose)
	}

	if err != nil {
		return err
	}

	_, err = io.WriteString(w, output)
	return err
}

type jOutput struct {
	RunID     string         `json:"run_id"`
	Findings  []diag.Finding `json:"findings"`
	Stats     jStats         `json:"stats"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
}

type jStats struct {
	Modules   int    `json:"modules"`
	Methods   int    `json:"methods"`
	Skipped   int    `json:"skipped_methods"`
	Locations int    `json:"locations"`
	Edges     int    `json:"call_edges"`
	Findings  int    `json:"findings"`
	Escalated int    `json:"escalated"`
	Duration  string `json:"duration"`
}

func formatJSONOutput(result *Result) (string, error) {
	findings := result.Findings
	if findings == nil {
		findings = []diag.Finding{}
	}
	s := result.Stats
	data, err := json.MarshalIndent(jOutput{
		RunID:    result.RunID,
		Findings: findings,
		Stats: jStats{
			Modules:   s.Modules,
			Methods:   s.Methods,
			Skipped:   s.Skipped,
			Locations: s.Locations,
			Edges:     s.Edges,
			Findings:  s.Findings,
			Escalated: s.Escalated,
			Duration:  result.Duration,
		},
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling json output: %w", err)
	}
	return string(data) + "\n", nil
}

// formatTextOutput prints one line per finding:
//
//	file:line: severity RULE description [Method]
//
// Verbose output adds the caller chains below each finding.
func formatTextOutput(result *Result, verbose bool) string {
	var output strings.Builder
	for i := range result.Findings {
		f := &result.Findings[i]
		fmt.Fprintf(&output, "%s: %s %s %s", f.Location, f.Severity, f.RuleID, f.Description)
		if f.Method != "" {
			fmt.Fprintf(&output, " [%s]", analysis.DisplayName(f.Method))
		}
		output.WriteByte('\n')
		if verbose {
			writeCallers(&output, f.CallTree)
		}
	}
	if verbose {
		s := result.Stats
		fmt.Fprintf(&output, "\n%d findings (%d escalated) in %d methods of %d modules, %d call edges, %s\n",
			s.Findings, s.Escalated, s.Methods, s.Modules, s.Edges, result.Duration)
	}
	return output.String()
}

// writeCallers prints every root-to-leaf caller chain of tree, skipping the
// root itself.
func writeCallers(b *strings.Builder, tree *diag.CallTreeNode) {
	tree.Paths(func(path []*diag.CallTreeNode) {
		if len(path) < 2 {
			return
		}
		names := make([]string, 0, len(path)-1)
		for _, n := range path[1:] {
			name := n.Name
			if n.PerfCritical {
				name += "*"
			}
			names = append(names, name)
		}
		fmt.Fprintf(b, "    called from %s\n", strings.Join(names, " <- "))
	})
}
