// Package rules defines diagnostic rules, their registration list and the
// opcode dispatch table the method analyzer consults for every instruction.
package rules

import (
	"slices"
	"strings"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
)

// Rule is a stateless instruction-pattern matcher. Implementations must be
// safe for concurrent use.
type Rule interface {
	ID() string
	Description() string
	Severity() diag.Severity
	// Opcodes lists the instructions the rule inspects. call and callvirt are
	// never dispatched through the table.
	Opcodes() []cil.Code
	// Platforms lists the target platforms the rule applies to; empty means all.
	Platforms() []string
	Analyze(ctx *Context) *diag.Finding
}

// ValueTypes answers whether a type full name is a value type.
type ValueTypes interface {
	IsValueType(name string) bool
}

// Context is the analysis context passed to a rule for one instruction.
type Context struct {
	Module      *module.Module
	Method      *module.Method
	Instruction *cil.Instruction
	Location    *diag.Location
	Types       ValueTypes

	// Callee is the resolved target of a call instruction, nil otherwise.
	Callee *module.MethodRef
}

// NewFinding returns a code finding for rule at the context's instruction.
func (c *Context) NewFinding(r Rule, description string) *diag.Finding {
	f := &diag.Finding{
		Kind:        diag.KindCode,
		RuleID:      r.ID(),
		Description: description,
		Severity:    r.Severity(),
	}
	if c.Module != nil {
		f.Module = c.Module.Name
	}
	if c.Method != nil {
		f.Method = c.Method.FullName()
	}
	if c.Instruction != nil {
		f.Offset = c.Instruction.Offset
	}
	if c.Location != nil {
		loc := *c.Location
		f.Location = &loc
	}
	return f
}

// Applies reports whether a rule restricted to platforms runs on target. An
// empty target or an unrestricted rule always applies.
func Applies(platforms []string, target string) bool {
	if target == "" || len(platforms) == 0 {
		return true
	}
	return slices.ContainsFunc(platforms, func(p string) bool {
		return strings.EqualFold(p, target)
	})
}
