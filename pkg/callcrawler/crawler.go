// Package callcrawler accumulates call edges and builds the inverted call
// tree of every finding.
package callcrawler

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/zboralski/lattice"

	"github.com/715d/ilaudit/internal/analysis"
	"github.com/715d/ilaudit/pkg/diag"
)

const (
	// DefaultMaxDepth bounds call trees when no depth is configured.
	DefaultMaxDepth = 64

	// DefaultMaxNodes bounds the number of nodes of one call tree. Caller
	// graphs with many converging paths would otherwise grow exponentially
	// with the depth.
	DefaultMaxNodes = 4096

	// cancelStride is the number of tree nodes built between cancellation
	// polls.
	cancelStride = 1024
)

// ErrCancelled is returned when the cancellation poller reports true.
var ErrCancelled = errors.New("call hierarchy cancelled")

// Buffer collects the edges of one producer. It is not safe for concurrent
// use; each goroutine owns its own buffer.
type Buffer struct {
	edges    []diag.CallEdge
	critical []string
}

// Add appends edges to the buffer.
func (b *Buffer) Add(edges ...diag.CallEdge) { b.edges = append(b.edges, edges...) }

// MarkCritical records methods known to be performance-critical, including
// ones that call nothing.
func (b *Buffer) MarkCritical(methods ...string) { b.critical = append(b.critical, methods...) }

// Len returns the number of buffered edges.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.edges)
}

type edgeKey struct {
	caller, callee string
	loc            diag.Location
	hasLoc         bool
}

// Crawler owns the callee index. Merge must complete before any tree is
// built; neither is safe to call concurrently with the other.
type Crawler struct {
	maxDepth  int
	maxNodes  int
	cancelled func() bool

	// callers maps a callee identity to its incoming edges.
	callers  map[string][]diag.CallEdge
	critical map[string]bool
	seen     map[edgeKey]struct{}
	edges    int

	// reach maps a method to the number of call steps from the nearest
	// perf-critical caller. Built lazily after the last Merge.
	reach map[string]int
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithMaxNodes sets the node budget of one call tree. n <= 0 selects
// DefaultMaxNodes.
func WithMaxNodes(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.maxNodes = n
		}
	}
}

// WithCancelled sets a poller consulted alongside the context while trees
// are built.
func WithCancelled(fn func() bool) Option {
	return func(c *Crawler) { c.cancelled = fn }
}

// New creates a crawler. maxDepth <= 0 selects DefaultMaxDepth.
func New(maxDepth int, opts ...Option) *Crawler {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	c := &Crawler{
		maxDepth: maxDepth,
		maxNodes: DefaultMaxNodes,
		callers:  make(map[string][]diag.CallEdge),
		critical: make(map[string]bool),
		seen:     make(map[edgeKey]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxDepth returns the configured depth limit.
func (c *Crawler) MaxDepth() int { return c.maxDepth }

// Merge folds buffers into the callee index. Duplicate (caller, callee,
// location) edges collapse into one. Nil buffers are ignored.
func (c *Crawler) Merge(buffers ...*Buffer) {
	c.reach = nil
	for _, b := range buffers {
		if b == nil {
			continue
		}
		for _, m := range b.critical {
			c.critical[m] = true
		}
		for _, e := range b.edges {
			key := edgeKey{caller: e.Caller, callee: e.Callee}
			if e.Location != nil {
				key.loc, key.hasLoc = *e.Location, true
			}
			if _, dup := c.seen[key]; dup {
				continue
			}
			c.seen[key] = struct{}{}
			c.callers[e.Callee] = append(c.callers[e.Callee], e)
			if e.CallerPerfCritical {
				c.critical[e.Caller] = true
			}
			c.edges++
		}
	}
}

// Edges returns the number of distinct edges merged.
func (c *Crawler) Edges() int { return c.edges }

// Callers returns the incoming edges of callee.
func (c *Crawler) Callers(callee string) []diag.CallEdge { return c.callers[callee] }

// BuildTree expands the callers of method recursively. Expansion stops at
// methods without callers, at a method already on the current path, at the
// depth limit and once the tree holds the node budget. Children are sorted
// by caller identity.
func (c *Crawler) BuildTree(method string) *diag.CallTreeNode {
	tree, _ := c.buildTree(context.Background(), method)
	return tree
}

// treeBuilder carries the state of building one tree.
type treeBuilder struct {
	c      *Crawler
	ctx    context.Context
	onPath map[string]struct{}
	nodes  int
	err    error
}

func (c *Crawler) buildTree(ctx context.Context, method string) (*diag.CallTreeNode, error) {
	if c.reach == nil {
		c.reach = c.reachability()
	}
	b := &treeBuilder{c: c, ctx: ctx, onPath: make(map[string]struct{})}
	root := b.expand(method, nil, 1)
	return root, b.err
}

func (b *treeBuilder) expand(method string, site *diag.Location, depth int) *diag.CallTreeNode {
	c := b.c
	b.nodes++
	node := &diag.CallTreeNode{
		Method:              method,
		Name:                analysis.DisplayName(method),
		Location:            site,
		PerfCritical:        c.critical[method],
		PerfCriticalContext: c.reachable(method, depth),
	}
	if depth >= c.maxDepth || b.err != nil {
		return node
	}

	b.onPath[method] = struct{}{}
	defer delete(b.onPath, method)

	edges := slices.Clone(c.callers[method])
	slices.SortStableFunc(edges, compareEdges)
	for _, e := range edges {
		if _, cycle := b.onPath[e.Caller]; cycle {
			continue
		}
		if b.nodes >= c.maxNodes {
			node.Truncated = true
			break
		}
		if b.nodes%cancelStride == 0 {
			if b.err = c.checkCancelled(b.ctx); b.err != nil {
				break
			}
		}
		node.Children = append(node.Children, b.expand(e.Caller, e.Location, depth+1))
		if b.err != nil {
			break
		}
	}
	return node
}

// reachable reports whether a perf-critical method calls method, directly
// or transitively, within the depth left below a node at depth.
func (c *Crawler) reachable(method string, depth int) bool {
	steps, ok := c.reach[method]
	return ok && steps <= c.maxDepth-depth
}

// reachability runs a breadth-first search from every perf-critical method
// along call edges and records the fewest steps to each method reached. A
// shortest path never repeats a method, so for a tree root the answer holds
// whether or not the node budget cut the tree.
func (c *Crawler) reachability() map[string]int {
	callees := make(map[string][]string)
	for callee, edges := range c.callers {
		for _, e := range edges {
			callees[e.Caller] = append(callees[e.Caller], callee)
		}
	}
	reach := make(map[string]int, len(c.critical))
	queue := make([]string, 0, len(c.critical))
	for m := range c.critical {
		reach[m] = 0
		queue = append(queue, m)
	}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		for _, callee := range callees[m] {
			if _, ok := reach[callee]; ok {
				continue
			}
			reach[callee] = reach[m] + 1
			queue = append(queue, callee)
		}
	}
	return reach
}

func (c *Crawler) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cancelled != nil && c.cancelled() {
		return ErrCancelled
	}
	return nil
}

func compareEdges(a, b diag.CallEdge) int {
	if n := cmp.Compare(a.Caller, b.Caller); n != 0 {
		return n
	}
	return cmp.Compare(a.Location.String(), b.Location.String())
}

// BuildCallHierarchies attaches a call tree to every code finding and
// escalates findings reached from a performance-critical context by one
// severity step. Trees are built once per method and shared between its
// findings. It returns the number of escalated findings, or ctx's error or
// ErrCancelled if cancelled, in which case findings may be partially
// finalized.
func (c *Crawler) BuildCallHierarchies(ctx context.Context, findings []diag.Finding) (int, error) {
	trees := make(map[string]*diag.CallTreeNode)
	escalated := 0
	for i := range findings {
		f := &findings[i]
		if f.Kind == diag.KindCompiler || f.Method == "" {
			continue
		}
		tree, ok := trees[f.Method]
		if !ok {
			if err := c.checkCancelled(ctx); err != nil {
				return escalated, err
			}
			var err error
			if tree, err = c.buildTree(ctx, f.Method); err != nil {
				return escalated, err
			}
			if tree.Size() >= c.maxNodes {
				slog.Debug("call tree truncated", "method", f.Method, "nodes", c.maxNodes)
			}
			trees[f.Method] = tree
		}
		f.CallTree = tree
		if tree.PerfCriticalContext {
			if next := f.Severity.Escalate(); next != f.Severity {
				slog.Debug("escalating finding", "rule", f.RuleID, "method", f.Method, "from", f.Severity, "to", next)
				f.Severity = next
				escalated++
			}
		}
	}
	return escalated, nil
}

// Graph exports the merged edges with call sites folded into one edge per
// caller and callee. Nodes and edges are sorted.
func (c *Crawler) Graph() *lattice.Graph {
	g := &lattice.Graph{}
	nodes := make(map[string]struct{})
	pairs := make(map[[2]string]struct{})
	for callee, edges := range c.callers {
		nodes[callee] = struct{}{}
		for _, e := range edges {
			nodes[e.Caller] = struct{}{}
			pair := [2]string{e.Caller, callee}
			if _, dup := pairs[pair]; dup {
				continue
			}
			pairs[pair] = struct{}{}
			g.Edges = append(g.Edges, lattice.Edge{Caller: e.Caller, Callee: callee})
		}
	}
	for n := range nodes {
		g.Nodes = append(g.Nodes, n)
	}
	slices.Sort(g.Nodes)
	slices.SortFunc(g.Edges, func(a, b lattice.Edge) int {
		if n := cmp.Compare(a.Caller, b.Caller); n != 0 {
			return n
		}
		return cmp.Compare(a.Callee, b.Callee)
	})
	g.Dedup()
	return g
}
