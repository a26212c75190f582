// Package cil implements the ECMA-335 common intermediate language opcode set
// and a decoder for method bodies.
package cil

// Code is the numeric value of an opcode. One-byte opcodes use their byte
// value; two-byte opcodes (prefixed by 0xFE) use 0xFE00|second.
type Code uint16

// Index returns the dense slot of c in a table of NumSlots entries.
func (c Code) Index() int {
	if c>>8 == 0xFE {
		return 0x100 | int(c&0xFF)
	}
	return int(c & 0xFF)
}

// TwoByte reports whether c is encoded with the 0xFE prefix.
func (c Code) TwoByte() bool { return c>>8 == 0xFE }

// NumSlots is the size of a direct-indexed opcode table.
const NumSlots = 0x200

// OperandType describes the inline operand following an opcode.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineVar
	InlineVar
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
)

// Size returns the fixed operand size in bytes. InlineSwitch returns the size
// of its count prefix only.
func (t OperandType) Size() int {
	switch t {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineVar, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}

// IsToken reports whether the operand is a metadata token.
func (t OperandType) IsToken() bool {
	switch t {
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		return true
	}
	return false
}

// IsBranch reports whether the operand holds branch targets.
func (t OperandType) IsBranch() bool {
	return t == ShortInlineBrTarget || t == InlineBrTarget || t == InlineSwitch
}

// OpCode describes one instruction kind.
type OpCode struct {
	Code    Code
	Name    string
	Operand OperandType
}

// EncodedSize returns the opcode byte count.
func (o OpCode) EncodedSize() int {
	if o.Code.TwoByte() {
		return 2
	}
	return 1
}

// Frequently referenced opcodes.
const (
	Nop       Code = 0x00
	Ldnull    Code = 0x14
	Pop       Code = 0x26
	Call      Code = 0x28
	Ret       Code = 0x2A
	Callvirt  Code = 0x6F
	Ldstr     Code = 0x72
	Newobj    Code = 0x73
	Box       Code = 0x8C
	Newarr    Code = 0x8D
	Ldftn     Code = 0xFE06
	Ldvirtftn Code = 0xFE07
)

// IsCall reports whether c transfers control to another method and returns.
func IsCall(c Code) bool { return c == Call || c == Callvirt }

var table = []OpCode{
	{0x00, "nop", InlineNone},
	{0x01, "break", InlineNone},
	{0x02, "ldarg.0", InlineNone},
	{0x03, "ldarg.1", InlineNone},
	{0x04, "ldarg.2", InlineNone},
	{0x05, "ldarg.3", InlineNone},
	{0x06, "ldloc.0", InlineNone},
	{0x07, "ldloc.1", InlineNone},
	{0x08, "ldloc.2", InlineNone},
	{0x09, "ldloc.3", InlineNone},
	{0x0A, "stloc.0", InlineNone},
	{0x0B, "stloc.1", InlineNone},
	{0x0C, "stloc.2", InlineNone},
	{0x0D, "stloc.3", InlineNone},
	{0x0E, "ldarg.s", ShortInlineVar},
	{0x0F, "ldarga.s", ShortInlineVar},
	{0x10, "starg.s", ShortInlineVar},
	{0x11, "ldloc.s", ShortInlineVar},
	{0x12, "ldloca.s", ShortInlineVar},
	{0x13, "stloc.s", ShortInlineVar},
	{0x14, "ldnull", InlineNone},
	{0x15, "ldc.i4.m1", InlineNone},
	{0x16, "ldc.i4.0", InlineNone},
	{0x17, "ldc.i4.1", InlineNone},
	{0x18, "ldc.i4.2", InlineNone},
	{0x19, "ldc.i4.3", InlineNone},
	{0x1A, "ldc.i4.4", InlineNone},
	{0x1B, "ldc.i4.5", InlineNone},
	{0x1C, "ldc.i4.6", InlineNone},
	{0x1D, "ldc.i4.7", InlineNone},
	{0x1E, "ldc.i4.8", InlineNone},
	{0x1F, "ldc.i4.s", ShortInlineI},
	{0x20, "ldc.i4", InlineI},
	{0x21, "ldc.i8", InlineI8},
	{0x22, "ldc.r4", ShortInlineR},
	{0x23, "ldc.r8", InlineR},
	{0x25, "dup", InlineNone},
	{0x26, "pop", InlineNone},
	{0x27, "jmp", InlineMethod},
	{0x28, "call", InlineMethod},
	{0x29, "calli", InlineSig},
	{0x2A, "ret", InlineNone},
	{0x2B, "br.s", ShortInlineBrTarget},
	{0x2C, "brfalse.s", ShortInlineBrTarget},
	{0x2D, "brtrue.s", ShortInlineBrTarget},
	{0x2E, "beq.s", ShortInlineBrTarget},
	{0x2F, "bge.s", ShortInlineBrTarget},
	{0x30, "bgt.s", ShortInlineBrTarget},
	{0x31, "ble.s", ShortInlineBrTarget},
	{0x32, "blt.s", ShortInlineBrTarget},
	{0x33, "bne.un.s", ShortInlineBrTarget},
	{0x34, "bge.un.s", ShortInlineBrTarget},
	{0x35, "bgt.un.s", ShortInlineBrTarget},
	{0x36, "ble.un.s", ShortInlineBrTarget},
	{0x37, "blt.un.s", ShortInlineBrTarget},
	{0x38, "br", InlineBrTarget},
	{0x39, "brfalse", InlineBrTarget},
	{0x3A, "brtrue", InlineBrTarget},
	{0x3B, "beq", InlineBrTarget},
	{0x3C, "bge", InlineBrTarget},
	{0x3D, "bgt", InlineBrTarget},
	{0x3E, "ble", InlineBrTarget},
	{0x3F, "blt", InlineBrTarget},
	{0x40, "bne.un", InlineBrTarget},
	{0x41, "bge.un", InlineBrTarget},
	{0x42, "bgt.un", InlineBrTarget},
	{0x43, "ble.un", InlineBrTarget},
	{0x44, "blt.un", InlineBrTarget},
	{0x45, "switch", InlineSwitch},
	{0x46, "ldind.i1", InlineNone},
	{0x47, "ldind.u1", InlineNone},
	{0x48, "ldind.i2", InlineNone},
	{0x49, "ldind.u2", InlineNone},
	{0x4A, "ldind.i4", InlineNone},
	{0x4B, "ldind.u4", InlineNone},
	{0x4C, "ldind.i8", InlineNone},
	{0x4D, "ldind.i", InlineNone},
	{0x4E, "ldind.r4", InlineNone},
	{0x4F, "ldind.r8", InlineNone},
	{0x50, "ldind.ref", InlineNone},
	{0x51, "stind.ref", InlineNone},
	{0x52, "stind.i1", InlineNone},
	{0x53, "stind.i2", InlineNone},
	{0x54, "stind.i4", InlineNone},
	{0x55, "stind.i8", InlineNone},
	{0x56, "stind.r4", InlineNone},
	{0x57, "stind.r8", InlineNone},
	{0x58, "add", InlineNone},
	{0x59, "sub", InlineNone},
	{0x5A, "mul", InlineNone},
	{0x5B, "div", InlineNone},
	{0x5C, "div.un", InlineNone},
	{0x5D, "rem", InlineNone},
	{0x5E, "rem.un", InlineNone},
	{0x5F, "and", InlineNone},
	{0x60, "or", InlineNone},
	{0x61, "xor", InlineNone},
	{0x62, "shl", InlineNone},
	{0x63, "shr", InlineNone},
	{0x64, "shr.un", InlineNone},
	{0x65, "neg", InlineNone},
	{0x66, "not", InlineNone},
	{0x67, "conv.i1", InlineNone},
	{0x68, "conv.i2", InlineNone},
	{0x69, "conv.i4", InlineNone},
	{0x6A, "conv.i8", InlineNone},
	{0x6B, "conv.r4", InlineNone},
	{0x6C, "conv.r8", InlineNone},
	{0x6D, "conv.u4", InlineNone},
	{0x6E, "conv.u8", InlineNone},
	{0x6F, "callvirt", InlineMethod},
	{0x70, "cpobj", InlineType},
	{0x71, "ldobj", InlineType},
	{0x72, "ldstr", InlineString},
	{0x73, "newobj", InlineMethod},
	{0x74, "castclass", InlineType},
	{0x75, "isinst", InlineType},
	{0x76, "conv.r.un", InlineNone},
	{0x79, "unbox", InlineType},
	{0x7A, "throw", InlineNone},
	{0x7B, "ldfld", InlineField},
	{0x7C, "ldflda", InlineField},
	{0x7D, "stfld", InlineField},
	{0x7E, "ldsfld", InlineField},
	{0x7F, "ldsflda", InlineField},
	{0x80, "stsfld", InlineField},
	{0x81, "stobj", InlineType},
	{0x82, "conv.ovf.i1.un", InlineNone},
	{0x83, "conv.ovf.i2.un", InlineNone},
	{0x84, "conv.ovf.i4.un", InlineNone},
	{0x85, "conv.ovf.i8.un", InlineNone},
	{0x86, "conv.ovf.u1.un", InlineNone},
	{0x87, "conv.ovf.u2.un", InlineNone},
	{0x88, "conv.ovf.u4.un", InlineNone},
	{0x89, "conv.ovf.u8.un", InlineNone},
	{0x8A, "conv.ovf.i.un", InlineNone},
	{0x8B, "conv.ovf.u.un", InlineNone},
	{0x8C, "box", InlineType},
	{0x8D, "newarr", InlineType},
	{0x8E, "ldlen", InlineNone},
	{0x8F, "ldelema", InlineType},
	{0x90, "ldelem.i1", InlineNone},
	{0x91, "ldelem.u1", InlineNone},
	{0x92, "ldelem.i2", InlineNone},
	{0x93, "ldelem.u2", InlineNone},
	{0x94, "ldelem.i4", InlineNone},
	{0x95, "ldelem.u4", InlineNone},
	{0x96, "ldelem.i8", InlineNone},
	{0x97, "ldelem.i", InlineNone},
	{0x98, "ldelem.r4", InlineNone},
	{0x99, "ldelem.r8", InlineNone},
	{0x9A, "ldelem.ref", InlineNone},
	{0x9B, "stelem.i", InlineNone},
	{0x9C, "stelem.i1", InlineNone},
	{0x9D, "stelem.i2", InlineNone},
	{0x9E, "stelem.i4", InlineNone},
	{0x9F, "stelem.i8", InlineNone},
	{0xA0, "stelem.r4", InlineNone},
	{0xA1, "stelem.r8", InlineNone},
	{0xA2, "stelem.ref", InlineNone},
	{0xA3, "ldelem", InlineType},
	{0xA4, "stelem", InlineType},
	{0xA5, "unbox.any", InlineType},
	{0xB3, "conv.ovf.i1", InlineNone},
	{0xB4, "conv.ovf.u1", InlineNone},
	{0xB5, "conv.ovf.i2", InlineNone},
	{0xB6, "conv.ovf.u2", InlineNone},
	{0xB7, "conv.ovf.i4", InlineNone},
	{0xB8, "conv.ovf.u4", InlineNone},
	{0xB9, "conv.ovf.i8", InlineNone},
	{0xBA, "conv.ovf.u8", InlineNone},
	{0xC2, "refanyval", InlineType},
	{0xC3, "ckfinite", InlineNone},
	{0xC6, "mkrefany", InlineType},
	{0xD0, "ldtoken", InlineTok},
	{0xD1, "conv.u2", InlineNone},
	{0xD2, "conv.u1", InlineNone},
	{0xD3, "conv.i", InlineNone},
	{0xD4, "conv.ovf.i", InlineNone},
	{0xD5, "conv.ovf.u", InlineNone},
	{0xD6, "add.ovf", InlineNone},
	{0xD7, "add.ovf.un", InlineNone},
	{0xD8, "mul.ovf", InlineNone},
	{0xD9, "mul.ovf.un", InlineNone},
	{0xDA, "sub.ovf", InlineNone},
	{0xDB, "sub.ovf.un", InlineNone},
	{0xDC, "endfinally", InlineNone},
	{0xDD, "leave", InlineBrTarget},
	{0xDE, "leave.s", ShortInlineBrTarget},
	{0xDF, "stind.i", InlineNone},
	{0xE0, "conv.u", InlineNone},
	{0xFE00, "arglist", InlineNone},
	{0xFE01, "ceq", InlineNone},
	{0xFE02, "cgt", InlineNone},
	{0xFE03, "cgt.un", InlineNone},
	{0xFE04, "clt", InlineNone},
	{0xFE05, "clt.un", InlineNone},
	{0xFE06, "ldftn", InlineMethod},
	{0xFE07, "ldvirtftn", InlineMethod},
	{0xFE09, "ldarg", InlineVar},
	{0xFE0A, "ldarga", InlineVar},
	{0xFE0B, "starg", InlineVar},
	{0xFE0C, "ldloc", InlineVar},
	{0xFE0D, "ldloca", InlineVar},
	{0xFE0E, "stloc", InlineVar},
	{0xFE0F, "localloc", InlineNone},
	{0xFE11, "endfilter", InlineNone},
	{0xFE12, "unaligned.", ShortInlineI},
	{0xFE13, "volatile.", InlineNone},
	{0xFE14, "tail.", InlineNone},
	{0xFE15, "initobj", InlineType},
	{0xFE16, "constrained.", InlineType},
	{0xFE17, "cpblk", InlineNone},
	{0xFE18, "initblk", InlineNone},
	{0xFE19, "no.", ShortInlineI},
	{0xFE1A, "rethrow", InlineNone},
	{0xFE1C, "sizeof", InlineType},
	{0xFE1D, "refanytype", InlineNone},
	{0xFE1E, "readonly.", InlineNone},
}

var (
	bySlot [NumSlots]*OpCode
	byName = make(map[string]*OpCode, len(table))
)

func init() {
	for i := range table {
		op := &table[i]
		bySlot[op.Code.Index()] = op
		byName[op.Name] = op
	}
}

// Lookup returns the opcode for c.
func Lookup(c Code) (*OpCode, bool) {
	if c>>8 != 0 && c>>8 != 0xFE {
		return nil, false
	}
	op := bySlot[c.Index()]
	return op, op != nil
}

// ByName returns the opcode with the given mnemonic, e.g. "callvirt".
func ByName(name string) (*OpCode, bool) {
	op, ok := byName[name]
	return op, ok
}

// String returns the mnemonic of c, or a hex placeholder for unknown values.
func (c Code) String() string {
	if op, ok := Lookup(c); ok {
		return op.Name
	}
	if c.TwoByte() {
		return "0xfe" + hexByte(byte(c))
	}
	return "0x" + hexByte(byte(c))
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}
