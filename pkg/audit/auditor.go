// Package audit drives the two-phase analysis pipeline: editable modules are
// analyzed on the caller's goroutine for fast feedback, read-only modules on a
// single background worker that then builds call hierarchies and delivers the
// final batch.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/715d/ilaudit/internal/analysis"
	"github.com/715d/ilaudit/pkg/analyzer"
	"github.com/715d/ilaudit/pkg/build"
	"github.com/715d/ilaudit/pkg/callcrawler"
	"github.com/715d/ilaudit/pkg/config"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/engine"
	"github.com/715d/ilaudit/pkg/module"
	"github.com/715d/ilaudit/pkg/rules"
	"github.com/715d/ilaudit/pkg/suppress"
)

var (
	ErrNoModules = errors.New("no modules to analyze")
	ErrCompile   = errors.New("compilation failed")
	ErrCancelled = analyzer.ErrCancelled
)

var tracer = otel.Tracer("github.com/715d/ilaudit/pkg/audit")

// Compiler produces the module descriptors of a project.
type Compiler interface {
	Compile(ctx context.Context) (*build.Output, error)
}

// Options configures an Auditor.
type Options struct {
	Compiler Compiler

	// Config defaults to config.Default().
	Config *config.Config

	// Registry defaults to rules.Default(). It is narrowed to Config.Rules.
	Registry *rules.Registry

	Callbacks Callbacks

	// Progress may be nil. It is polled from several goroutines.
	Progress Progress
}

// Auditor runs audits. The rule set, dispatch table and compiled overrides
// are built once and shared read-only by every run. Loaded modules, name
// caches and source suppressions belong to a single run.
type Auditor struct {
	cfg       *config.Config
	registry  *rules.Registry
	table     *rules.DispatchTable
	overrides *suppress.Filter
	compiler  Compiler
	callbacks Callbacks
	progress  Progress
}

// New validates opts and builds the dispatch table.
func New(opts Options) (*Auditor, error) {
	if opts.Compiler == nil {
		return nil, errors.New("audit: compiler is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	reg := opts.Registry
	if reg == nil {
		reg = rules.Default()
	}
	reg, err := reg.Filter(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	overrides, err := suppress.NewFilter(cfg.SeverityOverrides(), nil)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	return &Auditor{
		cfg:       cfg,
		registry:  reg,
		table:     rules.NewDispatchTable(reg.Rules()),
		overrides: overrides,
		compiler:  opts.Compiler,
		callbacks: opts.Callbacks,
		progress:  opts.Progress,
	}, nil
}

// runFilter returns the filter of one run. Source files are read afresh
// by every run.
func (a *Auditor) runFilter() *suppress.Filter {
	if len(a.cfg.SourceRoots) == 0 {
		return a.overrides
	}
	return a.overrides.WithChecker(suppress.NewChecker(a.cfg.SourceRoots...))
}

// phaseResult is what a phase hands to the completion step. Ownership moves
// with it; the sender never touches it again.
type phaseResult struct {
	findings []diag.Finding
	buffers  []*callcrawler.Buffer
	stats    Stats
}

func (p *phaseResult) collect(out analyzer.Result) {
	p.findings = append(p.findings, out.Findings...)
	p.stats.add(Stats{
		Methods:    out.Methods,
		Skipped:    out.Skipped,
		Locations:  out.Locations,
		RuleFaults: out.RuleFaults,
	})
}

// Start compiles the project and analyzes the editable modules on the
// calling goroutine, delivers that preliminary batch, then hands the rest
// to one background worker. It returns once phase 1 is done, or once the
// whole run is done when the configuration is synchronous.
func (a *Auditor) Start(ctx context.Context) *Run {
	r := newRun(uuid.NewString())
	r.filter = a.runFilter()
	ctx, span := tracer.Start(ctx, "audit.run", trace.WithAttributes(attribute.String("run.id", r.ID)))
	slog.Debug("audit started", "run", r.ID, "platform", a.cfg.Platform)

	out, err := a.compile(ctx, r)
	if err != nil {
		a.finish(r, span, Stats{}, err)
		return r
	}
	compiled := compilerFindings(out.Messages)
	if len(out.Modules) == 0 {
		if len(compiled) > 0 {
			a.deliver(Batch{RunID: r.ID, Findings: a.screen(r, compiled)})
		}
		a.finish(r, span, Stats{Findings: len(compiled)}, ErrNoModules)
		return r
	}
	searchDirs := a.searchDirs(out)

	r.setState(StateAnalyzingLocal)
	local, err := a.analyzeLocal(ctx, out.Local(), searchDirs)
	if err != nil {
		a.finish(r, span, local.stats, err)
		return r
	}
	local.findings = append(compiled, local.findings...)
	a.deliver(Batch{RunID: r.ID, Findings: a.screen(r, local.findings)})

	r.setState(StateSchedulingBackground)
	handoff := make(chan *phaseResult, 1)
	handoff <- local
	close(handoff)
	go a.background(ctx, r, span, handoff, out.ReadOnly(), searchDirs)

	if a.cfg.Synchronous {
		<-r.done
	}
	return r
}

// Run starts an audit and waits for it.
func (a *Auditor) Run(ctx context.Context) (*Run, Status) {
	r := a.Start(ctx)
	return r, r.Wait()
}

func (a *Auditor) compile(ctx context.Context, r *Run) (*build.Output, error) {
	r.setState(StateCompilingLocal)
	if err := a.checkCancelled(ctx); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "audit.compile")
	defer span.End()
	defer observe(phaseCompile, time.Now())

	out, err := a.compiler.Compile(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if out == nil {
		out = &build.Output{}
	}
	span.SetAttributes(
		attribute.Int("modules", len(out.Modules)),
		attribute.Int("messages", len(out.Messages)),
	)
	return out, nil
}

func (a *Auditor) analyzeLocal(ctx context.Context, descs []build.ModuleDescriptor, searchDirs []string) (*phaseResult, error) {
	ctx, span := tracer.Start(ctx, "audit.phase.local", trace.WithAttributes(attribute.Int("modules", len(descs))))
	defer span.End()
	defer observe(phaseLocal, time.Now())

	loader, an := a.phase(searchDirs)
	buf := &callcrawler.Buffer{}
	res := &phaseResult{buffers: []*callcrawler.Buffer{buf}}

	for _, d := range descs {
		if err := a.checkCancelled(ctx); err != nil {
			return res, err
		}
		mod, ok := a.load(loader, d)
		if !ok {
			continue
		}
		out, err := an.AnalyzeModule(ctx, mod, a.options(mod))
		res.collect(out)
		buf.Add(out.Edges...)
		buf.MarkCritical(out.PerfCritical...)
		if err != nil {
			return res, err
		}
		res.stats.Modules++
		modulesTotal.WithLabelValues(phaseLocal).Inc()
	}
	return res, nil
}

// background is the single worker goroutine of a run. It receives the
// phase-1 result, analyzes the read-only modules and completes the run.
func (a *Auditor) background(ctx context.Context, r *Run, span trace.Span, handoff <-chan *phaseResult, descs []build.ModuleDescriptor, searchDirs []string) {
	local := <-handoff

	r.setState(StateAnalyzingBackground)
	remote, err := a.analyzeBackground(ctx, descs, searchDirs)
	if err != nil {
		stats := local.stats
		stats.add(remote.stats)
		a.finish(r, span, stats, err)
		return
	}

	r.setState(StateBuildingCallHierarchies)
	findings, crawler, stats, err := a.complete(ctx, r, local, remote)
	if err != nil {
		a.finish(r, span, stats, err)
		return
	}
	r.crawler = crawler
	a.deliver(Batch{RunID: r.ID, Findings: findings, Final: true})
	a.finish(r, span, stats, nil)
}

func (a *Auditor) analyzeBackground(ctx context.Context, descs []build.ModuleDescriptor, searchDirs []string) (*phaseResult, error) {
	ctx, span := tracer.Start(ctx, "audit.phase.background", trace.WithAttributes(attribute.Int("modules", len(descs))))
	defer span.End()
	defer observe(phaseBackground, time.Now())

	loader, an := a.phase(searchDirs)
	res := &phaseResult{}

	for _, d := range descs {
		if err := a.checkCancelled(ctx); err != nil {
			return res, err
		}
		mod, ok := a.load(loader, d)
		if !ok {
			continue
		}
		if err := a.fanOut(ctx, an, mod, res); err != nil {
			return res, err
		}
		res.stats.Modules++
		modulesTotal.WithLabelValues(phaseBackground).Inc()
	}
	return res, nil
}

// fanOut analyzes the methods of mod concurrently. Each goroutine owns one
// result slot and one edge buffer; results are merged in method order.
func (a *Auditor) fanOut(ctx context.Context, an *analyzer.Analyzer, mod *module.Module, res *phaseResult) error {
	opts := a.options(mod)
	results := make([]analyzer.Result, len(mod.Methods))
	buffers := make([]*callcrawler.Buffer, len(mod.Methods))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(goruntime.NumCPU())
	for idx, m := range mod.Methods {
		g.Go(func() error {
			if err := a.checkCancelled(gctx); err != nil {
				return err
			}
			out, err := an.Analyze(gctx, mod, m, opts)
			buf := &callcrawler.Buffer{}
			buf.Add(out.Edges...)
			buf.MarkCritical(out.PerfCritical...)
			results[idx], buffers[idx] = out, buf
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return err
				}
				slog.Warn("skipping method", "module", mod.Name, "method", m.FullName(), "error", err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, out := range results {
		res.collect(out)
	}
	res.buffers = append(res.buffers, buffers...)
	return err
}

// complete merges every buffer into one crawler, screens the findings and
// attaches call trees.
func (a *Auditor) complete(ctx context.Context, r *Run, phases ...*phaseResult) ([]diag.Finding, *callcrawler.Crawler, Stats, error) {
	ctx, span := tracer.Start(ctx, "audit.call_hierarchies")
	defer span.End()
	defer observe(phaseHierarchy, time.Now())

	copts := []callcrawler.Option{callcrawler.WithMaxNodes(a.cfg.TreeNodes())}
	if a.progress != nil {
		copts = append(copts, callcrawler.WithCancelled(a.progress.Cancelled))
	}
	crawler := callcrawler.New(a.cfg.Depth(), copts...)
	var findings []diag.Finding
	var stats Stats
	for _, p := range phases {
		crawler.Merge(p.buffers...)
		findings = append(findings, p.findings...)
		stats.add(p.stats)
	}
	stats.Edges = crawler.Edges()
	findings = a.screen(r, findings)

	escalated, err := crawler.BuildCallHierarchies(ctx, findings)
	if err != nil {
		return nil, nil, stats, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if err := a.checkCancelled(ctx); err != nil {
		return nil, nil, stats, err
	}
	stats.Findings = len(findings)
	stats.Escalated = escalated
	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.Int("edges", stats.Edges),
		attribute.Int("escalated", escalated),
	)

	escalatedTotal.Add(float64(escalated))
	for i := range findings {
		findingsTotal.WithLabelValues(string(findings[i].Kind), findings[i].Severity.String()).Inc()
	}
	return findings, crawler, stats, nil
}

// screen drops findings whose rule does not run on the target platform and
// applies severity overrides and source suppressions. It returns copies.
func (a *Auditor) screen(r *Run, findings []diag.Finding) []diag.Finding {
	kept := make([]diag.Finding, 0, len(findings))
	for i := range findings {
		f := &findings[i]
		if f.Kind != diag.KindCompiler && !a.registry.Applies(f.RuleID, a.cfg.Platform) {
			continue
		}
		kept = append(kept, f.Clone())
	}
	return r.filter.Apply(kept)
}

// phase creates the loader and analyzer of one analysis phase. Modules and
// the name cache are released with them when the phase ends.
func (a *Auditor) phase(searchDirs []string) (*module.Loader, *analyzer.Analyzer) {
	loader := module.NewLoader(searchDirs, engine.Seeds()...)
	return loader, analyzer.New(a.registry, a.table, loader.Resolver(), analysis.NewNameCache())
}

func (a *Auditor) load(loader *module.Loader, d build.ModuleDescriptor) (*module.Module, bool) {
	mod, err := loader.Load(d.Path)
	if err != nil {
		if errors.Is(err, module.ErrNotFound) {
			slog.Error("module not found, skipping", "module", d.Name, "path", d.Path)
		} else {
			slog.Error("skipping unreadable module", "module", d.Name, "path", d.Path, "error", err)
		}
		return nil, false
	}
	mod.ReadOnly = d.ReadOnly
	mod.CompileDuration = d.CompileDuration
	slog.Debug("loaded module", "module", mod.Name, "methods", len(mod.Methods), "read_only", mod.ReadOnly)
	return mod, true
}

func (a *Auditor) options(mod *module.Module) analyzer.Options {
	opts := analyzer.Options{CallGraphOnly: !a.cfg.Analyzed(mod.Name)}
	if a.progress != nil {
		opts.Cancelled = a.progress.Cancelled
	}
	return opts
}

// searchDirs returns the configured directories followed by the directory
// of every module image, so types resolve across modules of the project.
func (a *Auditor) searchDirs(out *build.Output) []string {
	dirs := slices.Clone(a.cfg.SearchDirs)
	for _, m := range out.Modules {
		if dir := filepath.Dir(m.Path); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (a *Auditor) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if a.progress != nil && a.progress.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (a *Auditor) deliver(b Batch) {
	slog.Debug("delivering findings", "run", b.RunID, "findings", len(b.Findings), "final", b.Final)
	if a.callbacks.OnFindings != nil {
		a.callbacks.OnFindings(b)
	}
}

// finish moves r to its terminal state, fires OnComplete and releases
// waiters.
func (a *Auditor) finish(r *Run, span trace.Span, stats Stats, err error) {
	status, state := StatusSuccess, StateCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, state = StatusCancelled, StateCancelled
	default:
		status, state = StatusFailed, StateFailed
	}

	r.status, r.err, r.stats = status, err, stats
	r.setState(state)
	runsTotal.WithLabelValues(status.String()).Inc()
	ruleFaultsTotal.Add(float64(stats.RuleFaults))

	span.SetAttributes(attribute.String("status", status.String()))
	if status == StatusFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	switch status {
	case StatusFailed:
		slog.Error("audit failed", "run", r.ID, "error", err)
	case StatusCancelled:
		slog.Info("audit cancelled", "run", r.ID, "state", r.State())
	default:
		slog.Info("audit complete",
			"run", r.ID,
			"modules", stats.Modules,
			"methods", stats.Methods,
			"findings", stats.Findings,
			"escalated", stats.Escalated,
			"duration", r.Elapsed())
	}

	if a.callbacks.OnComplete != nil {
		a.callbacks.OnComplete(status)
	}
	close(r.done)
}

func (r *Run) setState(s State) {
	r.state.Store(int32(s))
	slog.Debug("audit state", "run", r.ID, "state", s)
}

func compilerFindings(msgs []build.Message) []diag.Finding {
	findings := make([]diag.Finding, 0, len(msgs))
	for _, m := range msgs {
		f := diag.Finding{
			Kind:        diag.KindCompiler,
			RuleID:      m.Code,
			Description: m.Text,
			Module:      m.Module,
			Severity:    m.Severity,
		}
		if m.File != "" {
			f.Location = &diag.Location{File: m.File, Line: m.Line}
		}
		f.AssignID()
		findings = append(findings, f)
	}
	return findings
}

func observe(phase string, start time.Time) {
	phaseSeconds.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
