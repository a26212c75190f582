package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/assembly"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/engine"
	"github.com/715d/ilaudit/pkg/module"
)

type stubRule struct {
	opcodeRule
	analyze func(*Context) *diag.Finding
}

func (r *stubRule) Analyze(ctx *Context) *diag.Finding { return r.analyze(ctx) }

func newStub(id string, codes ...cil.Code) *stubRule {
	return &stubRule{
		opcodeRule: opcodeRule{id: id, severity: diag.SeverityMinor, opcodes: codes},
		analyze:    func(*Context) *diag.Finding { return nil },
	}
}

func TestDispatchTable(t *testing.T) {
	a := newStub("A", cil.Box, cil.Ldftn)
	b := newStub("B", cil.Box, cil.Call, cil.Callvirt)
	c := newStub("C", cil.Code(0xEE))
	table := NewDispatchTable([]Rule{a, b, c})

	assert.Equal(t, []Rule{a, b}, table.Lookup(cil.Box))
	assert.Equal(t, []Rule{a}, table.Lookup(cil.Ldftn))
	assert.Empty(t, table.Lookup(cil.Call))
	assert.Empty(t, table.Lookup(cil.Callvirt))
	assert.Empty(t, table.Lookup(cil.Nop))
	// Two-byte opcodes do not alias their second byte.
	assert.Empty(t, table.Lookup(cil.Code(0x06)))
	assert.Equal(t, 3, table.Len())
}

func TestApplies(t *testing.T) {
	tests := []struct {
		name      string
		platforms []string
		target    string
		want      bool
	}{
		{name: "unrestricted", platforms: nil, target: "webgl", want: true},
		{name: "no target", platforms: []string{"webgl"}, target: "", want: true},
		{name: "match", platforms: []string{"ios", "WebGL"}, target: "webgl", want: true},
		{name: "no match", platforms: []string{"webgl"}, target: "standalone", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Applies(tt.platforms, tt.target))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := Default()

	rule, ok := r.Lookup(BoxingID)
	require.True(t, ok)
	assert.Equal(t, diag.SeverityMinor, rule.Severity())

	matched := r.MatchCall(module.MethodRef{DeclaringType: "UnityEngine.GameObject", Name: "Find", Signature: "string"})
	require.Len(t, matched, 1)
	assert.Equal(t, "API0001", matched[0].ID())
	assert.Empty(t, r.MatchCall(module.MethodRef{DeclaringType: "UnityEngine.GameObject", Name: "FindX"}))
	assert.Empty(t, r.MatchCall(module.MethodRef{DeclaringType: "Game.Player", Name: "Find"}))

	assert.True(t, r.Applies("API0009", "webgl"))
	assert.False(t, r.Applies("API0009", "standalone"))
	assert.True(t, r.Applies("CS0103", "standalone"))

	_, err := NewRegistry(NewBoxingRule(), NewBoxingRule())
	require.ErrorContains(t, err, "duplicate rule id")

	sub, err := r.Filter([]string{BoxingID, "API0003"})
	require.NoError(t, err)
	assert.Len(t, sub.Rules(), 2)
	assert.Len(t, sub.MatchCall(module.MethodRef{DeclaringType: "UnityEngine.Camera", Name: "get_main"}), 1)

	_, err = r.Filter([]string{"NOPE"})
	require.Error(t, err)
}

func TestLoadDescriptors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    int
		wantErr string
	}{
		{name: "empty", src: "", want: 0},
		{name: "valid", src: "descriptors:\n  - {id: X1, type: T, method: M, severity: major, message: m}\n", want: 1},
		{name: "bad severity", src: "descriptors:\n  - {id: X1, type: T, method: M, severity: huge}\n", wantErr: "unknown severity"},
		{name: "bad pattern", src: "descriptors:\n  - {id: X1, type: T, method: '(', severity: minor}\n", wantErr: "method pattern"},
		{name: "missing type", src: "descriptors:\n  - {id: X1, method: M, severity: minor}\n", wantErr: "required"},
		{name: "unknown field", src: "descriptors:\n  - {id: X1, type: T, method: M, severity: minor, colour: red}\n", wantErr: "parse descriptors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descs, err := LoadDescriptors(strings.NewReader(tt.src))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, descs, tt.want)
		})
	}
}

const allocListing = `
.module Game
.class Game.Cell : System.ValueType
.class Game.Player : UnityEngine.MonoBehaviour
.method Update()
  .line Player.cs 5
  ldc.i4.1
  box System.Int32
  newobj Game.Cell::.ctor()
  newobj System.Collections.Generic.List` + "`" + `1::.ctor()
  ldc.i4.4
  newarr System.Single
  ldftn Game.Player::Update()
  ret
.end
`

func TestBuiltinRules(t *testing.T) {
	a := assembly.New("Game")
	require.NoError(t, a.Add("alloc.il", strings.NewReader(allocListing)))
	mod, err := a.Module()
	require.NoError(t, err)

	resolver := module.NewResolver(nil, engine.Seeds()...)
	resolver.Register(mod)

	method := mod.Methods[0]
	insts, err := method.Decode()
	require.NoError(t, err)

	table := NewDispatchTable(Builtin())
	loc := &diag.Location{File: "Player.cs", Line: 5}
	var got []*diag.Finding
	for i := range insts {
		for _, r := range table.Lookup(insts[i].Code()) {
			ctx := &Context{Module: mod, Method: method, Instruction: &insts[i], Location: loc, Types: resolver}
			if f := r.Analyze(ctx); f != nil {
				got = append(got, f)
			}
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, BoxingID, got[0].RuleID)
	assert.Equal(t, "System.Int32", got[0].Properties["type"])
	assert.Equal(t, "Game.Player::Update()", got[0].Method)
	assert.Equal(t, "Game", got[0].Module)
	assert.Equal(t, loc, got[0].Location)
	assert.NotSame(t, loc, got[0].Location)

	assert.Equal(t, ObjectAllocationID, got[1].RuleID)
	assert.Equal(t, "System.Collections.Generic.List`1", got[1].Properties["type"])

	assert.Equal(t, ArrayAllocationID, got[2].RuleID)
	assert.Equal(t, "allocation of System.Single[]", got[2].Description)

	assert.Equal(t, DelegateID, got[3].RuleID)
	assert.Equal(t, diag.SeverityInfo, got[3].Severity)
}

func TestAPIDescriptor_Analyze(t *testing.T) {
	d := BuiltinDescriptors()[2]
	require.Equal(t, "API0003", d.ID())

	ctx := &Context{
		Module: &module.Module{Name: "Game"},
		Callee: &module.MethodRef{DeclaringType: "UnityEngine.Camera", Name: "get_main"},
	}
	f := d.Analyze(ctx)
	require.NotNil(t, f)
	assert.Equal(t, diag.SeverityMinor, f.Severity)
	assert.Equal(t, "UnityEngine.Camera::get_main()", f.Properties["callee"])
	assert.Contains(t, f.Description, "call to UnityEngine.Camera::get_main")

	assert.Nil(t, d.Analyze(&Context{}))
}
