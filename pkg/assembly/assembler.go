// Package assembly assembles textual CIL listings into module images.
//
// A listing is line oriented:
//
//	.module Game
//	.class Game.Player : UnityEngine.MonoBehaviour
//	.method virtual Update()
//	  .line Player.cs 12
//	  ldarg.0
//	  call Game.Player::Move(float32)
//	loop:
//	  br.s loop
//	.end
//
// Method operands are Type::Name(signature), field operands Type::name, type
// operands a full type name. Calls to methods declared in the same listing
// become MethodDef tokens; everything else becomes a reference.
package assembly

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/module"
)

var ErrSyntax = errors.New("syntax error")

// Error is a syntax error at a source line.
type Error struct {
	File string
	Line int
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg) }

func (e *Error) Unwrap() error { return ErrSyntax }

// ErrorList collects every syntax error of an assembly run.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0].Error(), len(l)-1)
}

func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}

// Compile patterns once at package initialization.
var (
	modulePattern = regexp.MustCompile(`^\.module\s+([\w.]+)$`)

	// .class [valuetype|interface|abstract|sealed]* Name [: Base]
	classPattern = regexp.MustCompile("^\\.class\\s+((?:(?:valuetype|interface|abstract|sealed)\\s+)*)([\\w.`<>]+)(?:\\s*:\\s*([\\w.`<>]+))?$")

	// .method [static|virtual|abstract]* Name(signature)
	methodPattern = regexp.MustCompile("^\\.method\\s+((?:(?:static|virtual|abstract)\\s+)*)(\\.?[\\w`<>]+)\\(([^)]*)\\)$")

	// .line hidden | .line File Line [Column]
	linePattern = regexp.MustCompile(`^\.line\s+(?:(hidden)|(\S+)\s+(\d+)(?:\s+(\d+))?)$`)

	// [label:] opcode [operand]
	instrPattern = regexp.MustCompile(`^(?:([A-Za-z_]\w*):\s*)?([a-z][a-z0-9.]*)(?:\s+(.+))?$`)

	labelOnlyPattern = regexp.MustCompile(`^([A-Za-z_]\w*):$`)
)

type stmt struct {
	line    int
	label   string
	op      *cil.OpCode
	operand string
	seq     *module.SequencePoint
}

type methodDecl struct {
	m     *module.Method
	file  string
	line  int
	stmts []stmt
}

// Assembler accumulates listings for one module.
type Assembler struct {
	name    string
	types   []*module.Type
	methods []*methodDecl
	errs    ErrorList

	curType   *module.Type
	curMethod *methodDecl
}

// New creates an assembler for a module called name. A .module directive in
// a listing overrides it.
func New(name string) *Assembler {
	return &Assembler{name: name}
}

// AssembleFile assembles a single listing file. The module name defaults to
// the file's base name.
func AssembleFile(path string) (*module.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a := New(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := a.Add(path, f); err != nil {
		return nil, err
	}
	return a.Module()
}

// Add parses one listing. Syntax errors are collected and reported by Module;
// Add only fails on read errors.
func (a *Assembler) Add(file string, r io.Reader) error {
	a.curType, a.curMethod = nil, nil
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		a.parseLine(file, lineNo, line)
	}
	if a.curMethod != nil {
		a.errorf(file, a.curMethod.line, "method %s: missing .end", a.curMethod.m.Name)
		a.curMethod = nil
	}
	return scanner.Err()
}

func (a *Assembler) errorf(file string, line int, format string, args ...any) {
	a.errs = append(a.errs, &Error{File: file, Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (a *Assembler) parseLine(file string, lineNo int, line string) {
	switch {
	case line == ".end":
		if a.curMethod == nil {
			a.errorf(file, lineNo, ".end outside method")
		}
		a.curMethod = nil

	case strings.HasPrefix(line, ".module"):
		m := modulePattern.FindStringSubmatch(line)
		if m == nil {
			a.errorf(file, lineNo, "malformed .module directive")
			return
		}
		a.name = m[1]

	case strings.HasPrefix(line, ".class"):
		m := classPattern.FindStringSubmatch(line)
		if m == nil {
			a.errorf(file, lineNo, "malformed .class directive")
			return
		}
		if a.curMethod != nil {
			a.errorf(file, lineNo, ".class inside method %s", a.curMethod.m.Name)
			a.curMethod = nil
		}
		t := &module.Type{BaseType: m[3]}
		t.Namespace, t.Name = splitTypeName(m[2])
		for flag := range strings.FieldsSeq(m[1]) {
			switch flag {
			case "valuetype":
				t.Flags |= module.TypeValueType
			case "interface":
				t.Flags |= module.TypeInterface
			case "abstract":
				t.Flags |= module.TypeAbstract
			case "sealed":
				t.Flags |= module.TypeSealed
			}
		}
		if t.Flags&module.TypeValueType != 0 && t.BaseType == "" {
			t.BaseType = "System.ValueType"
		}
		a.types = append(a.types, t)
		a.curType = t

	case strings.HasPrefix(line, ".method"):
		m := methodPattern.FindStringSubmatch(line)
		if m == nil {
			a.errorf(file, lineNo, "malformed .method directive")
			return
		}
		if a.curType == nil {
			a.errorf(file, lineNo, "method %s outside .class", m[2])
			return
		}
		if a.curMethod != nil {
			a.errorf(file, lineNo, "method %s: missing .end", a.curMethod.m.Name)
		}
		meth := &module.Method{Type: a.curType, Name: m[2], Signature: normalizeSig(m[3])}
		for flag := range strings.FieldsSeq(m[1]) {
			switch flag {
			case "static":
				meth.Flags |= module.MethodStatic
			case "virtual":
				meth.Flags |= module.MethodVirtual
			case "abstract":
				meth.Flags |= module.MethodAbstract
			}
		}
		if meth.Name == ".ctor" || meth.Name == ".cctor" {
			meth.Flags |= module.MethodConstructor
		}
		a.curType.Methods = append(a.curType.Methods, meth)
		a.curMethod = &methodDecl{m: meth, file: file, line: lineNo}
		a.methods = append(a.methods, a.curMethod)

	case strings.HasPrefix(line, ".line"):
		if a.curMethod == nil {
			a.errorf(file, lineNo, ".line outside method")
			return
		}
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			a.errorf(file, lineNo, "malformed .line directive")
			return
		}
		sp := &module.SequencePoint{Line: module.HiddenLine}
		if m[1] == "" {
			sp.File = m[2]
			sp.Line, _ = strconv.Atoi(m[3])
			if m[4] != "" {
				sp.Column, _ = strconv.Atoi(m[4])
			}
		}
		a.curMethod.stmts = append(a.curMethod.stmts, stmt{line: lineNo, seq: sp})

	case strings.HasPrefix(line, "."):
		a.errorf(file, lineNo, "unknown directive %q", strings.Fields(line)[0])

	default:
		if a.curMethod == nil {
			a.errorf(file, lineNo, "instruction outside method")
			return
		}
		if m := labelOnlyPattern.FindStringSubmatch(line); m != nil {
			a.curMethod.stmts = append(a.curMethod.stmts, stmt{line: lineNo, label: m[1]})
			return
		}
		m := instrPattern.FindStringSubmatch(line)
		if m == nil {
			a.errorf(file, lineNo, "malformed instruction")
			return
		}
		op, ok := cil.ByName(m[2])
		if !ok {
			a.errorf(file, lineNo, "unknown opcode %q", m[2])
			return
		}
		operand := strings.TrimSpace(m[3])
		if op.Operand == cil.InlineNone && operand != "" {
			a.errorf(file, lineNo, "%s takes no operand", op.Name)
			return
		}
		if op.Operand != cil.InlineNone && operand == "" {
			a.errorf(file, lineNo, "%s needs an operand", op.Name)
			return
		}
		a.curMethod.stmts = append(a.curMethod.stmts, stmt{line: lineNo, label: m[1], op: op, operand: operand})
	}
}

// stripComment removes a trailing // comment that is not inside a string literal.
func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '/':
			if !inString && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}

func splitTypeName(full string) (namespace, name string) {
	if i := strings.LastIndexByte(full, '.'); i > 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

func normalizeSig(sig string) string {
	parts := strings.Split(sig, ",")
	for i, p := range parts {
		parts[i] = strings.Join(strings.Fields(p), " ")
	}
	return strings.Join(parts, ",")
}

// Module resolves operands, lays out method bodies and returns the assembled
// module. All syntax errors of all listings are returned as an ErrorList.
// Module must be called once, after the last Add.
func (a *Assembler) Module() (*module.Module, error) {
	mod := &module.Module{Name: a.name, Types: a.types}
	e := &encoder{
		a:          a,
		mod:        mod,
		methodRows: make(map[string]int, len(a.methods)),
		typeDefs:   make(map[string]int, len(a.types)),
		typeRefs:   make(map[string]int),
		fieldRefs:  make(map[string]int),
		memberRefs: make(map[string]int),
		strings:    make(map[string]int),
	}
	for i, t := range a.types {
		e.typeDefs[t.FullName()] = i + 1
	}
	for i, d := range a.methods {
		name := d.m.FullName()
		if _, dup := e.methodRows[name]; dup {
			a.errorf(d.file, d.line, "duplicate method %s", name)
			continue
		}
		e.methodRows[name] = i + 1
	}
	for _, d := range a.methods {
		e.encodeMethod(d)
		mod.Methods = append(mod.Methods, d.m)
	}
	if len(a.errs) > 0 {
		return nil, a.errs
	}
	return mod, nil
}

type encoder struct {
	a   *Assembler
	mod *module.Module

	methodRows map[string]int
	typeDefs   map[string]int
	typeRefs   map[string]int
	fieldRefs  map[string]int
	memberRefs map[string]int
	strings    map[string]int
}

func (e *encoder) encodeMethod(d *methodDecl) {
	// First pass: offsets and labels.
	labels := make(map[string]int)
	offsets := make([]int, len(d.stmts))
	switches := make([][]string, len(d.stmts))
	off := 0
	for i, s := range d.stmts {
		offsets[i] = off
		if s.label != "" {
			if _, dup := labels[s.label]; dup {
				e.a.errorf(d.file, s.line, "duplicate label %s", s.label)
			}
			labels[s.label] = off
		}
		if s.op == nil {
			continue
		}
		targets := 0
		if s.op.Operand == cil.InlineSwitch {
			list, ok := parseSwitchList(s.operand)
			if !ok {
				e.a.errorf(d.file, s.line, "malformed switch target list")
			}
			switches[i] = list
			targets = len(list)
		}
		off += cil.SizeOf(s.op, targets)
	}

	// Second pass: operands and encoding.
	var body []byte
	var points []module.SequencePoint
	for i, s := range d.stmts {
		if s.seq != nil {
			sp := *s.seq
			sp.Offset = offsets[i]
			points = append(points, sp)
			continue
		}
		if s.op == nil {
			continue
		}
		inst := cil.Instruction{Offset: offsets[i], OpCode: s.op}
		if err := e.operand(&inst, s, switches[i], labels); err != nil {
			e.a.errorf(d.file, s.line, "%s: %v", s.op.Name, err)
			continue
		}
		var err error
		if body, err = cil.Append(body, &inst); err != nil {
			e.a.errorf(d.file, s.line, "%v", err)
		}
	}
	d.m.Body = body
	d.m.SequencePoints = points
}

func (e *encoder) operand(inst *cil.Instruction, s stmt, switchTargets []string, labels map[string]int) error {
	var err error
	switch s.op.Operand {
	case cil.InlineNone:
	case cil.ShortInlineI:
		inst.Int, err = parseInt(s.operand, -128, 255)
	case cil.ShortInlineVar:
		inst.Int, err = parseInt(s.operand, 0, 255)
	case cil.InlineVar:
		inst.Int, err = parseInt(s.operand, 0, 65535)
	case cil.InlineI:
		inst.Int, err = parseInt(s.operand, -1<<31, 1<<32-1)
	case cil.InlineI8:
		inst.Int, err = strconv.ParseInt(s.operand, 0, 64)
	case cil.ShortInlineR:
		inst.Float, err = strconv.ParseFloat(s.operand, 32)
	case cil.InlineR:
		inst.Float, err = strconv.ParseFloat(s.operand, 64)
	case cil.ShortInlineBrTarget, cil.InlineBrTarget:
		var t int
		t, err = resolveTarget(s.operand, labels)
		inst.Targets = []int{t}
	case cil.InlineSwitch:
		for _, name := range switchTargets {
			t, terr := resolveTarget(name, labels)
			if terr != nil {
				return terr
			}
			inst.Targets = append(inst.Targets, t)
		}
	case cil.InlineMethod:
		inst.Token, err = e.methodToken(s.operand)
	case cil.InlineField:
		inst.Token, err = e.fieldToken(s.operand)
	case cil.InlineType:
		inst.Token = e.typeToken(s.operand)
	case cil.InlineTok:
		switch {
		case strings.Contains(s.operand, "("):
			inst.Token, err = e.methodToken(s.operand)
		case strings.Contains(s.operand, "::"):
			inst.Token, err = e.fieldToken(s.operand)
		default:
			inst.Token = e.typeToken(s.operand)
		}
	case cil.InlineString:
		var v string
		if v, err = strconv.Unquote(s.operand); err != nil {
			return fmt.Errorf("bad string literal %s", s.operand)
		}
		inst.Token = cil.MakeToken(cil.TableString, intern(e.strings, &e.mod.Strings, v))
	case cil.InlineSig:
		var row int64
		row, err = parseInt(s.operand, 1, 1<<24-1)
		inst.Token = cil.MakeToken(cil.TableSig, int(row))
	}
	return err
}

var methodRefPattern = regexp.MustCompile("^([\\w.`<>]+)::(\\.?[\\w`<>]+)\\(([^)]*)\\)$")

var fieldRefPattern = regexp.MustCompile("^([\\w.`<>]+)::([\\w`<>]+)$")

func (e *encoder) methodToken(operand string) (cil.Token, error) {
	m := methodRefPattern.FindStringSubmatch(operand)
	if m == nil {
		return 0, fmt.Errorf("malformed method reference %q", operand)
	}
	ref := module.MethodRef{DeclaringType: m[1], Name: m[2], Signature: normalizeSig(m[3])}
	name := ref.FullName()
	if row, ok := e.methodRows[name]; ok {
		return cil.MakeToken(cil.TableMethodDef, row), nil
	}
	row, ok := e.memberRefs[name]
	if !ok {
		e.mod.MemberRefs = append(e.mod.MemberRefs, ref)
		row = len(e.mod.MemberRefs)
		e.memberRefs[name] = row
	}
	return cil.MakeToken(cil.TableMemberRef, row), nil
}

func (e *encoder) fieldToken(operand string) (cil.Token, error) {
	m := fieldRefPattern.FindStringSubmatch(operand)
	if m == nil {
		return 0, fmt.Errorf("malformed field reference %q", operand)
	}
	ref := module.FieldRef{DeclaringType: m[1], Name: m[2]}
	name := ref.FullName()
	row, ok := e.fieldRefs[name]
	if !ok {
		e.mod.FieldRefs = append(e.mod.FieldRefs, ref)
		row = len(e.mod.FieldRefs)
		e.fieldRefs[name] = row
	}
	return cil.MakeToken(cil.TableField, row), nil
}

func (e *encoder) typeToken(name string) cil.Token {
	if row, ok := e.typeDefs[name]; ok {
		return cil.MakeToken(cil.TableTypeDef, row)
	}
	return cil.MakeToken(cil.TableTypeRef, intern(e.typeRefs, &e.mod.TypeRefs, name))
}

// intern returns the 1-based row of v in list, appending it if absent.
func intern(index map[string]int, list *[]string, v string) int {
	if row, ok := index[v]; ok {
		return row
	}
	*list = append(*list, v)
	index[v] = len(*list)
	return len(*list)
}

func parseInt(s string, lo, hi int64) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("integer %d out of range [%d, %d]", v, lo, hi)
	}
	return v, nil
}

func resolveTarget(s string, labels map[string]int) (int, error) {
	if off, ok := labels[s]; ok {
		return off, nil
	}
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return int(v), nil
	}
	return 0, fmt.Errorf("undefined label %s", s)
}

func parseSwitchList(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, false
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, true
	}
	parts := strings.Split(inner, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return nil, false
		}
	}
	return parts, true
}
