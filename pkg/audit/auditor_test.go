package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/assembly"
	"github.com/715d/ilaudit/pkg/build"
	"github.com/715d/ilaudit/pkg/config"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
	"github.com/715d/ilaudit/pkg/rules"
)

const gameIL = `
.module Game
.class Game.Player : UnityEngine.MonoBehaviour
.method virtual Update()
  .line Player.cs 10
  ldarg.0
  call Game.Player::DoWork()
  .line Player.cs 11
  call Vendor.Pool::Rent()
  ret
.end
.method DoWork()
  .line Player.cs 20
  ldc.i4.1
  box System.Int32
  pop
  ret
.end
`

const pluginsIL = `
.module Plugins
.class Vendor.Pool
.method static Rent()
  .line Pool.cs 5
  ldc.i4 256
  newarr System.Byte
  pop
  ret
.end
`

type stubCompiler struct {
	out *build.Output
	err error
}

func (c *stubCompiler) Compile(ctx context.Context) (*build.Output, error) {
	return c.out, c.err
}

func writeModule(t *testing.T, dir, name, src string) string {
	t.Helper()
	a := assembly.New(name)
	require.NoError(t, a.Add(name+".il", strings.NewReader(src)))
	mod, err := a.Module()
	require.NoError(t, err)
	path := filepath.Join(dir, name+module.Extension)
	require.NoError(t, module.WriteFile(path, mod))
	return path
}

func project(t *testing.T) *build.Output {
	t.Helper()
	dir := t.TempDir()
	return &build.Output{Modules: []build.ModuleDescriptor{
		{Name: "Game", Path: writeModule(t, dir, "Game", gameIL)},
		{Name: "Plugins", Path: writeModule(t, dir, "Plugins", pluginsIL), ReadOnly: true},
	}}
}

// recorder captures callback invocations.
type recorder struct {
	mu       sync.Mutex
	batches  []Batch
	statuses []Status
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFindings: func(b Batch) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.batches = append(r.batches, b)
		},
		OnComplete: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
	}
}

func (r *recorder) final() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.batches {
		if b.Final {
			out = append(out, b)
		}
	}
	return out
}

func byRule(findings []diag.Finding) map[string]diag.Finding {
	m := make(map[string]diag.Finding, len(findings))
	for _, f := range findings {
		m[f.RuleID] = f
	}
	return m
}

func newAuditor(t *testing.T, out *build.Output, cfg *config.Config, rec *recorder, progress Progress) *Auditor {
	t.Helper()
	a, err := New(Options{
		Compiler:  &stubCompiler{out: out},
		Config:    cfg,
		Callbacks: rec.callbacks(),
		Progress:  progress,
	})
	require.NoError(t, err)
	return a
}

func TestAuditor_TwoPhases(t *testing.T) {
	rec := &recorder{}
	a := newAuditor(t, project(t), nil, rec, nil)

	r, status := a.Run(context.Background())
	require.Equal(t, StatusSuccess, status)
	require.NoError(t, r.Err())
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, []Status{StatusSuccess}, rec.statuses)

	require.Len(t, rec.batches, 2)
	prelim := rec.batches[0]
	assert.False(t, prelim.Final)
	assert.Equal(t, r.ID, prelim.RunID)
	require.Len(t, prelim.Findings, 1)
	assert.Equal(t, rules.BoxingID, prelim.Findings[0].RuleID)
	assert.Equal(t, diag.SeverityMinor, prelim.Findings[0].Severity)
	assert.Nil(t, prelim.Findings[0].CallTree)

	final := rec.batches[1]
	require.True(t, final.Final)
	require.Len(t, final.Findings, 2)
	got := byRule(final.Findings)

	box := got[rules.BoxingID]
	assert.Equal(t, diag.SeverityModerate, box.Severity, "reached from Update")
	require.NotNil(t, box.CallTree)
	assert.Equal(t, "Game.Player::DoWork()", box.CallTree.Method)
	assert.Equal(t, 2, box.CallTree.Size())
	assert.True(t, box.CallTree.PerfCriticalContext)
	require.Len(t, box.CallTree.Children, 1)
	caller := box.CallTree.Children[0]
	assert.Equal(t, "Game.Player::Update()", caller.Method)
	assert.True(t, caller.PerfCritical)
	assert.Equal(t, &diag.Location{File: "Player.cs", Line: 10}, caller.Location)
	assert.Equal(t, prelim.Findings[0].ID, box.ID, "IDs are stable across batches")

	arr := got[rules.ArrayAllocationID]
	assert.Equal(t, "Plugins", arr.Module)
	assert.Equal(t, diag.SeverityModerate, arr.Severity)
	require.NotNil(t, arr.CallTree)
	assert.Equal(t, "Vendor.Pool::Rent()", arr.CallTree.Method)
	require.Len(t, arr.CallTree.Children, 1)
	assert.Equal(t, &diag.Location{File: "Player.cs", Line: 11}, arr.CallTree.Children[0].Location)

	stats := r.Stats()
	assert.Equal(t, 2, stats.Modules)
	assert.Equal(t, 3, stats.Methods)
	assert.Equal(t, 2, stats.Edges)
	assert.Equal(t, 2, stats.Findings)
	assert.Equal(t, 2, stats.Escalated)

	require.NotNil(t, r.Crawler())
	assert.Len(t, r.Crawler().Callers("Vendor.Pool::Rent()"), 1)
}

func TestAuditor_Synchronous(t *testing.T) {
	cfg := config.Default()
	cfg.Synchronous = true
	rec := &recorder{}
	r := newAuditor(t, project(t), cfg, rec, nil).Start(context.Background())

	assert.Equal(t, StatusSuccess, r.Status(), "synchronous runs finish before Start returns")
	assert.Len(t, rec.final(), 1)
}

// gate blocks the first cancellation poll after it is armed until released.
type gate struct {
	armed   atomic.Bool
	release chan struct{}
}

func (g *gate) Cancelled() bool {
	if g.armed.Load() {
		<-g.release
	}
	return false
}

func TestAuditor_StartReturnsBeforeBackground(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	rec := &recorder{}
	cbs := rec.callbacks()
	onFindings := cbs.OnFindings
	cbs.OnFindings = func(b Batch) {
		onFindings(b)
		if !b.Final {
			g.armed.Store(true)
		}
	}
	a, err := New(Options{Compiler: &stubCompiler{out: project(t)}, Callbacks: cbs, Progress: g})
	require.NoError(t, err)

	r := a.Start(context.Background())
	assert.Equal(t, StatusInProgress, r.Status())
	assert.False(t, r.State().Terminal())
	assert.Nil(t, r.Crawler())
	assert.Empty(t, rec.final())

	close(g.release)
	require.Equal(t, StatusSuccess, r.Wait())
	assert.Len(t, rec.final(), 1)
}

// flag is a cancellation flag raised from a callback.
type flag struct{ raised atomic.Bool }

func (f *flag) Cancelled() bool { return f.raised.Load() }

func TestAuditor_CancelAfterLocalPhase(t *testing.T) {
	f := &flag{}
	rec := &recorder{}
	cbs := rec.callbacks()
	onFindings := cbs.OnFindings
	cbs.OnFindings = func(b Batch) {
		onFindings(b)
		f.raised.Store(true)
	}
	a, err := New(Options{Compiler: &stubCompiler{out: project(t)}, Callbacks: cbs, Progress: f})
	require.NoError(t, err)

	r, status := a.Run(context.Background())
	require.Equal(t, StatusCancelled, status)
	assert.Equal(t, StateCancelled, r.State())
	require.ErrorIs(t, r.Err(), ErrCancelled)
	assert.Equal(t, []Status{StatusCancelled}, rec.statuses)
	require.Len(t, rec.batches, 1, "phase-1 batch stays delivered")
	assert.Empty(t, rec.final())
	assert.Nil(t, r.Crawler())
}

func TestAuditor_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	r, status := newAuditor(t, project(t), nil, rec, nil).Run(ctx)

	require.Equal(t, StatusCancelled, status)
	require.ErrorIs(t, r.Err(), context.Canceled)
	assert.Empty(t, rec.batches)
	assert.Equal(t, []Status{StatusCancelled}, rec.statuses)
}

func TestAuditor_MissingModule(t *testing.T) {
	out := project(t)
	out.Modules = append(out.Modules, build.ModuleDescriptor{
		Name:     "Gone",
		Path:     filepath.Join(t.TempDir(), "Gone"+module.Extension),
		ReadOnly: true,
	})
	rec := &recorder{}
	r, status := newAuditor(t, out, nil, rec, nil).Run(context.Background())

	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, 2, r.Stats().Modules)
	require.Len(t, rec.final(), 1)
	assert.Len(t, rec.final()[0].Findings, 2)
}

func TestAuditor_Failures(t *testing.T) {
	tests := []struct {
		name        string
		compiler    *stubCompiler
		wantErr     error
		wantBatches int
	}{
		{
			name:     "compiler error",
			compiler: &stubCompiler{err: errors.New("toolchain crashed")},
			wantErr:  ErrCompile,
		},
		{
			name:     "no modules",
			compiler: &stubCompiler{out: &build.Output{}},
			wantErr:  ErrNoModules,
		},
		{
			name: "only compiler messages",
			compiler: &stubCompiler{out: &build.Output{Messages: []build.Message{
				{Module: "Game", Code: build.CodeSyntax, Severity: diag.SeverityCritical, File: "player.il", Line: 3, Text: "unknown opcode"},
			}}},
			wantErr:     ErrNoModules,
			wantBatches: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			a, err := New(Options{Compiler: tt.compiler, Callbacks: rec.callbacks()})
			require.NoError(t, err)

			r, status := a.Run(context.Background())
			require.Equal(t, StatusFailed, status)
			assert.Equal(t, StateFailed, r.State())
			require.ErrorIs(t, r.Err(), tt.wantErr)
			assert.Equal(t, []Status{StatusFailed}, rec.statuses)
			assert.Len(t, rec.batches, tt.wantBatches)
			assert.Empty(t, rec.final())
		})
	}
}

func TestAuditor_CompilerMessages(t *testing.T) {
	out := project(t)
	out.Messages = []build.Message{
		{Module: "Broken", Code: build.CodeSyntax, Severity: diag.SeverityMinor, File: "broken.il", Line: 7, Text: "unknown opcode \"frob\""},
	}
	rec := &recorder{}
	_, status := newAuditor(t, out, nil, rec, nil).Run(context.Background())
	require.Equal(t, StatusSuccess, status)

	for _, b := range rec.batches {
		f, ok := byRule(b.Findings)[build.CodeSyntax]
		require.True(t, ok, "final=%v", b.Final)
		assert.Equal(t, diag.KindCompiler, f.Kind)
		assert.Equal(t, diag.SeverityMinor, f.Severity, "compiler findings are never escalated")
		assert.Nil(t, f.CallTree)
		assert.Equal(t, &diag.Location{File: "broken.il", Line: 7}, f.Location)
	}
}

func TestAuditor_AllowList(t *testing.T) {
	cfg := config.Default()
	cfg.Modules = []string{"Plugins"}
	rec := &recorder{}
	_, status := newAuditor(t, project(t), cfg, rec, nil).Run(context.Background())
	require.Equal(t, StatusSuccess, status)

	final := rec.final()
	require.Len(t, final, 1)
	require.Len(t, final[0].Findings, 1, "Game contributes edges only")
	arr := final[0].Findings[0]
	assert.Equal(t, rules.ArrayAllocationID, arr.RuleID)
	assert.Equal(t, diag.SeverityModerate, arr.Severity)
}

func TestAuditor_OverridesAndRuleFilter(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*config.Config)
		want      map[string]diag.Severity
	}{
		{
			name: "suppress by override",
			configure: func(c *config.Config) {
				c.Overrides = append(c.Overrides, config.Override{Rule: rules.BoxingID, Severity: diag.SeverityNone})
			},
			want: map[string]diag.Severity{rules.ArrayAllocationID: diag.SeverityModerate},
		},
		{
			name: "override then escalate",
			configure: func(c *config.Config) {
				c.Overrides = append(c.Overrides, config.Override{Rule: rules.BoxingID, Method: "DoWork", Severity: diag.SeverityModerate})
			},
			want: map[string]diag.Severity{rules.BoxingID: diag.SeverityMajor, rules.ArrayAllocationID: diag.SeverityModerate},
		},
		{
			name:      "enabled rules",
			configure: func(c *config.Config) { c.Rules = []string{rules.ArrayAllocationID} },
			want:      map[string]diag.Severity{rules.ArrayAllocationID: diag.SeverityModerate},
		},
		{
			name:      "shallow trees",
			configure: func(c *config.Config) { c.MaxDepth = 1 },
			want:      map[string]diag.Severity{rules.BoxingID: diag.SeverityMinor, rules.ArrayAllocationID: diag.SeverityMinor},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.configure(cfg)
			rec := &recorder{}
			_, status := newAuditor(t, project(t), cfg, rec, nil).Run(context.Background())
			require.Equal(t, StatusSuccess, status)

			final := rec.final()
			require.Len(t, final, 1)
			got := make(map[string]diag.Severity)
			for _, f := range final[0].Findings {
				got[f.RuleID] = f.Severity
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// webglBoxRule reports boxing only when targeting WebGL.
type webglBoxRule struct{}

func (webglBoxRule) ID() string              { return "TEST0002" }
func (webglBoxRule) Description() string     { return "boxing on webgl" }
func (webglBoxRule) Severity() diag.Severity { return diag.SeverityInfo }
func (webglBoxRule) Opcodes() []cil.Code     { return []cil.Code{cil.Box} }
func (webglBoxRule) Platforms() []string     { return []string{"webgl"} }
func (r webglBoxRule) Analyze(ctx *rules.Context) *diag.Finding {
	return ctx.NewFinding(r, "boxing on webgl")
}

func TestAuditor_PlatformFilter(t *testing.T) {
	reg, err := rules.NewRegistry(append(rules.Default().Rules(), webglBoxRule{})...)
	require.NoError(t, err)

	for platform, want := range map[string]bool{"webgl": true, "android": false, "": true} {
		t.Run("platform="+platform, func(t *testing.T) {
			cfg := config.Default()
			cfg.Platform = platform
			rec := &recorder{}
			a, err := New(Options{Compiler: &stubCompiler{out: project(t)}, Config: cfg, Registry: reg, Callbacks: rec.callbacks()})
			require.NoError(t, err)
			_, status := a.Run(context.Background())
			require.Equal(t, StatusSuccess, status)

			for _, b := range rec.batches {
				_, ok := byRule(b.Findings)["TEST0002"]
				assert.Equal(t, want, ok, "final=%v", b.Final)
			}
		})
	}
}

func TestAuditor_Idempotent(t *testing.T) {
	out := project(t)
	rec := &recorder{}
	a := newAuditor(t, out, nil, rec, nil)

	_, first := a.Run(context.Background())
	_, second := a.Run(context.Background())
	require.Equal(t, StatusSuccess, first)
	require.Equal(t, StatusSuccess, second)

	final := rec.final()
	require.Len(t, final, 2)
	require.NotEqual(t, final[0].RunID, final[1].RunID)
	assert.Equal(t, final[0].Findings, final[1].Findings)
}

func TestAuditor_RebuiltBetweenRuns(t *testing.T) {
	out := project(t)
	rec := &recorder{}
	a := newAuditor(t, out, nil, rec, nil)

	_, status := a.Run(context.Background())
	require.Equal(t, StatusSuccess, status)

	renamed := strings.ReplaceAll(gameIL, "DoWork", "Tick")
	out.Modules[0].Path = writeModule(t, t.TempDir(), "Game", renamed)
	_, status = a.Run(context.Background())
	require.Equal(t, StatusSuccess, status)

	final := rec.final()
	require.Len(t, final, 2)
	assert.Equal(t, "Game.Player::DoWork()", byRule(final[0].Findings)[rules.BoxingID].Method)
	box := byRule(final[1].Findings)[rules.BoxingID]
	assert.Equal(t, "Game.Player::Tick()", box.Method)
	require.NotNil(t, box.CallTree)
	assert.Equal(t, "Game.Player::Tick()", box.CallTree.Method)
	assert.Equal(t, diag.SeverityModerate, box.Severity)
}

func TestAuditor_ConcurrentRunsWithSources(t *testing.T) {
	src := t.TempDir()
	player := filepath.Join(src, "Player.cs")
	lines := make([]string, 20)
	lines[18] = "    //nolint:IL0001 // cached"
	require.NoError(t, os.WriteFile(player, []byte(strings.Join(lines, "\n")), 0o644))

	cfg := config.Default()
	cfg.SourceRoots = []string{src}
	rec := &recorder{}
	a := newAuditor(t, project(t), cfg, rec, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status := a.Run(context.Background())
			assert.Equal(t, StatusSuccess, status)
		}()
	}
	wg.Wait()

	final := rec.final()
	require.Len(t, final, 4)
	for _, b := range final {
		got := byRule(b.Findings)
		assert.NotContains(t, got, rules.BoxingID)
		assert.Contains(t, got, rules.ArrayAllocationID)
	}

	// The next run reads the edited source.
	require.NoError(t, os.WriteFile(player, []byte("class Player {}\n"), 0o644))
	_, status := a.Run(context.Background())
	require.Equal(t, StatusSuccess, status)
	final = rec.final()
	require.Len(t, final, 5)
	assert.Contains(t, byRule(final[4].Findings), rules.BoxingID)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "compiler is required")

	cfg := config.Default()
	cfg.Rules = []string{"NOPE0001"}
	_, err = New(Options{Compiler: &stubCompiler{}, Config: cfg})
	require.ErrorContains(t, err, "unknown rule")

	cfg = config.Default()
	cfg.Overrides = []config.Override{{Rule: "IL0001", Method: "("}}
	_, err = New(Options{Compiler: &stubCompiler{}, Config: cfg})
	require.ErrorContains(t, err, "method pattern")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "analyzing-background", StateAnalyzingBackground.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateBuildingCallHierarchies.Terminal())
	assert.Equal(t, "in-progress", StatusInProgress.String())
}
