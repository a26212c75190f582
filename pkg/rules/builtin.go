package rules

import (
	"fmt"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/diag"
)

// Built-in rule identifiers.
const (
	BoxingID           = "IL0001"
	ObjectAllocationID = "IL0002"
	ArrayAllocationID  = "IL0003"
	DelegateID         = "IL0004"
)

// opcodeRule carries the static metadata shared by the built-in rules.
type opcodeRule struct {
	id          string
	description string
	severity    diag.Severity
	opcodes     []cil.Code
	platforms   []string
}

func (r *opcodeRule) ID() string              { return r.id }
func (r *opcodeRule) Description() string     { return r.description }
func (r *opcodeRule) Severity() diag.Severity { return r.severity }
func (r *opcodeRule) Opcodes() []cil.Code     { return r.opcodes }
func (r *opcodeRule) Platforms() []string     { return r.platforms }

// BoxingRule flags conversions of value types to object.
type BoxingRule struct{ opcodeRule }

func NewBoxingRule() *BoxingRule {
	return &BoxingRule{opcodeRule{
		id:          BoxingID,
		description: "boxing allocation",
		severity:    diag.SeverityMinor,
		opcodes:     []cil.Code{cil.Box},
	}}
}

func (r *BoxingRule) Analyze(ctx *Context) *diag.Finding {
	name := typeOperand(ctx)
	f := ctx.NewFinding(r, fmt.Sprintf("boxing allocation of %s", name))
	f.Properties = map[string]string{"type": name}
	return f
}

// ObjectAllocationRule flags newobj of reference types. Struct construction
// through newobj stays on the stack and is ignored.
type ObjectAllocationRule struct{ opcodeRule }

func NewObjectAllocationRule() *ObjectAllocationRule {
	return &ObjectAllocationRule{opcodeRule{
		id:          ObjectAllocationID,
		description: "heap allocation of a reference type",
		severity:    diag.SeverityMinor,
		opcodes:     []cil.Code{cil.Newobj},
	}}
}

func (r *ObjectAllocationRule) Analyze(ctx *Context) *diag.Finding {
	ctor, ok := ctx.Module.ResolveMethod(ctx.Instruction.Token)
	if !ok {
		return nil
	}
	if ctx.Types != nil && ctx.Types.IsValueType(ctor.DeclaringType) {
		return nil
	}
	f := ctx.NewFinding(r, fmt.Sprintf("heap allocation of %s", ctor.DeclaringType))
	f.Properties = map[string]string{"type": ctor.DeclaringType}
	return f
}

// ArrayAllocationRule flags newarr.
type ArrayAllocationRule struct{ opcodeRule }

func NewArrayAllocationRule() *ArrayAllocationRule {
	return &ArrayAllocationRule{opcodeRule{
		id:          ArrayAllocationID,
		description: "array allocation",
		severity:    diag.SeverityMinor,
		opcodes:     []cil.Code{cil.Newarr},
	}}
}

func (r *ArrayAllocationRule) Analyze(ctx *Context) *diag.Finding {
	name := typeOperand(ctx)
	f := ctx.NewFinding(r, fmt.Sprintf("allocation of %s[]", name))
	f.Properties = map[string]string{"type": name}
	return f
}

// DelegateRule flags method pointers loaded to build a delegate.
type DelegateRule struct{ opcodeRule }

func NewDelegateRule() *DelegateRule {
	return &DelegateRule{opcodeRule{
		id:          DelegateID,
		description: "delegate allocation",
		severity:    diag.SeverityInfo,
		opcodes:     []cil.Code{cil.Ldftn, cil.Ldvirtftn},
	}}
}

func (r *DelegateRule) Analyze(ctx *Context) *diag.Finding {
	target, ok := ctx.Module.ResolveMethod(ctx.Instruction.Token)
	if !ok {
		return nil
	}
	f := ctx.NewFinding(r, fmt.Sprintf("delegate allocation for %s", target.FullName()))
	f.Properties = map[string]string{"target": target.FullName()}
	return f
}

// Builtin returns the built-in opcode rules in registration order.
func Builtin() []Rule {
	return []Rule{
		NewBoxingRule(),
		NewObjectAllocationRule(),
		NewArrayAllocationRule(),
		NewDelegateRule(),
	}
}

func typeOperand(ctx *Context) string {
	if name, ok := ctx.Module.ResolveType(ctx.Instruction.Token); ok {
		return name
	}
	return ctx.Instruction.Token.String()
}
