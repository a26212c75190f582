package callcrawler

import (
	"fmt"
	"io"
	"strings"

	"github.com/zboralski/lattice"

	"github.com/715d/ilaudit/internal/analysis"
)

// WriteDOT renders g as a Graphviz digraph. Methods the engine calls every
// frame are filled.
func (c *Crawler) WriteDOT(w io.Writer, g *lattice.Graph, title string) error {
	var b strings.Builder
	b.WriteString("digraph callgraph {\n")
	fmt.Fprintf(&b, "  label=%q;\n", title)
	b.WriteString("  rankdir=LR;\n  node [shape=box, fontname=\"Helvetica\", fontsize=10];\n")
	for _, n := range g.Nodes {
		attrs := fmt.Sprintf("label=%q", analysis.DisplayName(n))
		if c.critical[n] {
			attrs += `, style=filled, fillcolor="#f4cccc"`
		}
		fmt.Fprintf(&b, "  %q [%s];\n", n, attrs)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.Caller, e.Callee)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
