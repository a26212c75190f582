// Package analyzer walks method bodies, runs diagnostic rules on each
// instruction and records the call edges of every call site.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/715d/ilaudit/internal/analysis"
	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
	"github.com/715d/ilaudit/pkg/rules"
)

// cancelStride is the number of instructions walked between cancellation polls.
const cancelStride = 1024

var ErrCancelled = errors.New("analysis cancelled")

// TypeResolver answers the type questions rules and callback detection ask.
// *module.Resolver implements it.
type TypeResolver interface {
	IsValueType(name string) bool
	DerivesFrom(name, base string) bool
}

// Options holds per-call configuration for the analyzer.
type Options struct {
	// CallGraphOnly records call edges and skips every rule.
	CallGraphOnly bool

	// Cancelled is polled alongside the context. It may be nil.
	Cancelled func() bool
}

// Result is the output of analyzing one method or module.
type Result struct {
	Findings []diag.Finding
	Edges    []diag.CallEdge

	// Locations counts the distinct sequence points resolved during the walk.
	Locations int

	// Methods counts the methods walked; Skipped those that were not.
	Methods int
	Skipped int

	// RuleFaults counts rule invocations that panicked.
	RuleFaults int

	// PerfCritical lists the walked methods the engine calls every frame.
	PerfCritical []string
}

func (r *Result) merge(o Result) {
	r.Findings = append(r.Findings, o.Findings...)
	r.Edges = append(r.Edges, o.Edges...)
	r.Locations += o.Locations
	r.Methods += o.Methods
	r.Skipped += o.Skipped
	r.RuleFaults += o.RuleFaults
	r.PerfCritical = append(r.PerfCritical, o.PerfCritical...)
}

// Analyzer is stateless between calls and safe for concurrent use. The
// dispatch table, registry, resolver and name cache are shared read-mostly.
type Analyzer struct {
	registry *rules.Registry
	table    *rules.DispatchTable
	types    TypeResolver
	names    *analysis.NameCache
}

// New creates an analyzer. table must be built from the rules of registry.
func New(registry *rules.Registry, table *rules.DispatchTable, types TypeResolver, names *analysis.NameCache) *Analyzer {
	if names == nil {
		names = analysis.NewNameCache()
	}
	return &Analyzer{
		registry: registry,
		table:    table,
		types:    types,
		names:    names,
	}
}

// AnalyzeModule analyzes every method of mod. Per-method failures are logged
// and skipped; only cancellation aborts, returning what was collected so far.
func (a *Analyzer) AnalyzeModule(ctx context.Context, mod *module.Module, opts Options) (Result, error) {
	var res Result
	if err := checkCancelled(ctx, opts); err != nil {
		return res, err
	}
	for _, m := range mod.Methods {
		r, err := a.Analyze(ctx, mod, m, opts)
		res.merge(r)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return res, err
			}
			slog.Warn("skipping method", "module", mod.Name, "method", m.FullName(), "error", err)
		}
	}
	return res, nil
}

// Analyze walks one method once in offset order.
func (a *Analyzer) Analyze(ctx context.Context, mod *module.Module, m *module.Method, opts Options) (Result, error) {
	var res Result
	mi := analysis.NewMethodInfo(mod, m, a.types, a.names)
	if !mi.ShouldAnalyze() {
		slog.Debug("skipping method", "method", mi.Name, "reason", mi.SkipReason())
		res.Skipped = 1
		return res, nil
	}

	insts, err := m.Decode()
	if err != nil {
		return res, fmt.Errorf("decode %s: %w", mi.Name, err)
	}
	res.Methods = 1
	if mi.PerfCritical {
		res.PerfCritical = []string{mi.Name}
	}

	cursor := module.NewSymbolCursor(m.SequencePoints)
	var last *diag.Location
	rc := &rules.Context{Module: mod, Method: m, Types: a.types}

	for i := range insts {
		if i > 0 && i%cancelStride == 0 {
			if err := checkCancelled(ctx, opts); err != nil {
				return res, err
			}
		}
		inst := &insts[i]
		loc := cursor.Advance(inst.Offset)
		if loc != nil && loc != last {
			res.Locations++
			last = loc
		}

		rc.Instruction = inst
		rc.Location = loc
		rc.Callee = nil

		if cil.IsCall(inst.Code()) {
			a.call(&res, mi, rc, opts)
		}
		if opts.CallGraphOnly {
			continue
		}
		for _, r := range a.table.Lookup(inst.Code()) {
			a.invoke(&res, r, mi, rc)
		}
	}
	return res, nil
}

// call records the edge for a call site and matches API descriptors.
func (a *Analyzer) call(res *Result, mi *analysis.MethodInfo, rc *rules.Context, opts Options) {
	ref, ok := rc.Module.ResolveMethod(rc.Instruction.Token)
	if !ok {
		slog.Debug("unresolved call target", "method", mi.Name, "offset", rc.Instruction.Offset, "token", rc.Instruction.Token)
		return
	}
	callee, _ := a.names.RefName(rc.Module, rc.Instruction.Token)
	res.Edges = append(res.Edges, diag.CallEdge{
		Caller:             mi.Name,
		Callee:             callee,
		Location:           rc.Location,
		CallerPerfCritical: mi.PerfCritical,
	})
	if opts.CallGraphOnly || a.registry == nil {
		return
	}
	rc.Callee = &ref
	for _, d := range a.registry.MatchCall(ref) {
		a.invoke(res, d, mi, rc)
	}
}

// invoke runs one rule, containing any panic. A panicking rule's finding is
// dropped.
func (a *Analyzer) invoke(res *Result, r rules.Rule, mi *analysis.MethodInfo, rc *rules.Context) {
	f := func() (found *diag.Finding) {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("rule panicked",
					"rule", r.ID(),
					"method", mi.Name,
					"offset", rc.Instruction.Offset,
					"panic", p)
				res.RuleFaults++
				found = nil
			}
		}()
		return r.Analyze(rc)
	}()
	if f == nil {
		return
	}

	if f.Kind == "" {
		f.Kind = diag.KindCode
	}
	if f.RuleID == "" {
		f.RuleID = r.ID()
	}
	if f.Method == "" {
		f.Method = mi.Name
	}
	if f.Module == "" {
		f.Module = mi.Module
	}
	if f.Location == nil && rc.Location != nil {
		loc := *rc.Location
		f.Location = &loc
	}
	f.Offset = rc.Instruction.Offset
	f.AssignID()
	res.Findings = append(res.Findings, *f)
}

func checkCancelled(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if opts.Cancelled != nil && opts.Cancelled() {
		return ErrCancelled
	}
	return nil
}
