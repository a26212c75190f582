// Package module reads compiled module images: their types, methods, CIL
// bodies and debug symbol tables.
package module

import (
	"time"

	"github.com/715d/ilaudit/internal/cil"
)

// HiddenLine marks a sequence point that maps to no user source line.
const HiddenLine = 0xFEEFEE

// Module is one compiled binary unit. It is immutable once loaded.
type Module struct {
	Name string
	Path string

	// ReadOnly and CompileDuration come from the build descriptor, not the image.
	ReadOnly        bool
	CompileDuration time.Duration

	Types      []*Type
	Methods    []*Method
	TypeRefs   []string
	FieldRefs  []FieldRef
	MemberRefs []MethodRef
	Strings    []string
}

// TypeFlags describe a type definition.
type TypeFlags uint32

const (
	TypeValueType TypeFlags = 1 << iota
	TypeInterface
	TypeAbstract
	TypeSealed
)

// Type is a type definition.
type Type struct {
	Namespace string
	Name      string
	BaseType  string
	Flags     TypeFlags
	Methods   []*Method
}

// FullName returns Namespace.Name, or Name for the global namespace.
func (t *Type) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodFlags describe a method definition.
type MethodFlags uint32

const (
	MethodStatic MethodFlags = 1 << iota
	MethodVirtual
	MethodAbstract
	MethodConstructor
)

// SequencePoint maps a CIL offset to a source position.
type SequencePoint struct {
	Offset int
	File   string
	Line   int
	Column int
}

// Hidden reports whether the point carries no user source line.
func (sp SequencePoint) Hidden() bool { return sp.Line == HiddenLine }

// Method is one method definition with its body and symbols.
type Method struct {
	Type      *Type
	Name      string
	Signature string
	Flags     MethodFlags
	Body      []byte

	// SequencePoints are sorted by Offset.
	SequencePoints []SequencePoint
}

// Ref returns the reference form of m used for call-graph identity.
func (m *Method) Ref() MethodRef {
	return MethodRef{DeclaringType: m.Type.FullName(), Name: m.Name, Signature: m.Signature}
}

// FullName returns the canonical identity Namespace.Type::Name(signature).
func (m *Method) FullName() string { return m.Ref().FullName() }

// HasBody reports whether the method has CIL to analyze.
func (m *Method) HasBody() bool { return len(m.Body) > 0 && m.Flags&MethodAbstract == 0 }

// HasSymbols reports whether debug information exists for the method.
func (m *Method) HasSymbols() bool { return len(m.SequencePoints) > 0 }

// Decode decodes the method body.
func (m *Method) Decode() ([]cil.Instruction, error) { return cil.Decode(m.Body) }

// MethodRef identifies a method by declaring type, name and signature.
type MethodRef struct {
	DeclaringType string
	Name          string
	Signature     string
}

// FullName returns the canonical identity DeclaringType::Name(signature).
func (r MethodRef) FullName() string {
	return r.DeclaringType + "::" + r.Name + "(" + r.Signature + ")"
}

// FieldRef identifies a field.
type FieldRef struct {
	DeclaringType string
	Name          string
}

// FullName returns DeclaringType::Name.
func (r FieldRef) FullName() string { return r.DeclaringType + "::" + r.Name }

// ResolveMethod maps a MethodDef or MemberRef token to a method reference.
func (m *Module) ResolveMethod(tok cil.Token) (MethodRef, bool) {
	row := tok.Row() - 1
	switch tok.Table() {
	case cil.TableMethodDef:
		if row >= 0 && row < len(m.Methods) {
			return m.Methods[row].Ref(), true
		}
	case cil.TableMemberRef:
		if row >= 0 && row < len(m.MemberRefs) {
			return m.MemberRefs[row], true
		}
	}
	return MethodRef{}, false
}

// ResolveType maps a TypeDef or TypeRef token to a type full name.
func (m *Module) ResolveType(tok cil.Token) (string, bool) {
	row := tok.Row() - 1
	switch tok.Table() {
	case cil.TableTypeDef:
		if row >= 0 && row < len(m.Types) {
			return m.Types[row].FullName(), true
		}
	case cil.TableTypeRef:
		if row >= 0 && row < len(m.TypeRefs) {
			return m.TypeRefs[row], true
		}
	}
	return "", false
}

// ResolveField maps a Field token to a field reference.
func (m *Module) ResolveField(tok cil.Token) (FieldRef, bool) {
	row := tok.Row() - 1
	if tok.Table() != cil.TableField || row < 0 || row >= len(m.FieldRefs) {
		return FieldRef{}, false
	}
	return m.FieldRefs[row], true
}

// ResolveString maps a user-string token to its value.
func (m *Module) ResolveString(tok cil.Token) (string, bool) {
	row := tok.Row() - 1
	if tok.Table() != cil.TableString || row < 0 || row >= len(m.Strings) {
		return "", false
	}
	return m.Strings[row], true
}

// FindType returns the type definition with the given full name.
func (m *Module) FindType(fullName string) *Type {
	for _, t := range m.Types {
		if t.FullName() == fullName {
			return t
		}
	}
	return nil
}
