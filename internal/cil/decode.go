package cil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrTruncated     = errors.New("cil: truncated method body")
	ErrUnknownOpcode = errors.New("cil: unknown opcode")
)

// Token is an ECMA-335 metadata token: table tag in the high byte, 1-based
// row in the low 24 bits.
type Token uint32

// Metadata table tags used by operands.
const (
	TableTypeRef   byte = 0x01
	TableTypeDef   byte = 0x02
	TableField     byte = 0x04
	TableMethodDef byte = 0x06
	TableMemberRef byte = 0x0A
	TableSig       byte = 0x11
	TableString    byte = 0x70
)

// MakeToken builds a token for the given table and 1-based row.
func MakeToken(table byte, row int) Token {
	return Token(uint32(table)<<24 | uint32(row)&0x00FFFFFF)
}

// Table returns the table tag.
func (t Token) Table() byte { return byte(t >> 24) }

// Row returns the 1-based row index.
func (t Token) Row() int { return int(t & 0x00FFFFFF) }

func (t Token) String() string { return fmt.Sprintf("0x%08x", uint32(t)) }

// Instruction is one decoded operation. Branch targets are absolute byte
// offsets within the method body.
type Instruction struct {
	Offset  int
	Size    int
	OpCode  *OpCode
	Int     int64
	Float   float64
	Token   Token
	Targets []int
}

// Code returns the opcode value.
func (i *Instruction) Code() Code { return i.OpCode.Code }

// Next returns the offset of the following instruction.
func (i *Instruction) Next() int { return i.Offset + i.Size }

func (i *Instruction) String() string {
	switch op := i.OpCode.Operand; {
	case op == InlineNone:
		return fmt.Sprintf("IL_%04x: %s", i.Offset, i.OpCode.Name)
	case op.IsToken():
		return fmt.Sprintf("IL_%04x: %s %s", i.Offset, i.OpCode.Name, i.Token)
	case op.IsBranch():
		return fmt.Sprintf("IL_%04x: %s %v", i.Offset, i.OpCode.Name, i.Targets)
	case op == ShortInlineR || op == InlineR:
		return fmt.Sprintf("IL_%04x: %s %g", i.Offset, i.OpCode.Name, i.Float)
	default:
		return fmt.Sprintf("IL_%04x: %s %d", i.Offset, i.OpCode.Name, i.Int)
	}
}

// Decode decodes a complete method body. Instructions are returned in
// offset order.
func Decode(body []byte) ([]Instruction, error) {
	insts := make([]Instruction, 0, len(body)/2)
	for off := 0; off < len(body); {
		inst, err := decodeAt(body, off)
		if err != nil {
			return insts, err
		}
		insts = append(insts, inst)
		off = inst.Next()
	}
	return insts, nil
}

func decodeAt(body []byte, off int) (Instruction, error) {
	pos := off
	code := Code(body[pos])
	pos++
	if code == 0xFE {
		if pos >= len(body) {
			return Instruction{}, fmt.Errorf("%w: at IL_%04x", ErrTruncated, off)
		}
		code = 0xFE00 | Code(body[pos])
		pos++
	}
	op, ok := Lookup(code)
	if !ok {
		return Instruction{}, fmt.Errorf("%w %s at IL_%04x", ErrUnknownOpcode, code, off)
	}

	inst := Instruction{Offset: off, OpCode: op}
	need := op.Operand.Size()
	if pos+need > len(body) {
		return Instruction{}, fmt.Errorf("%w: %s operand at IL_%04x", ErrTruncated, op.Name, off)
	}
	raw := body[pos : pos+need]
	pos += need

	switch op.Operand {
	case InlineNone:
	case ShortInlineI:
		inst.Int = int64(int8(raw[0]))
	case ShortInlineVar:
		inst.Int = int64(raw[0])
	case InlineVar:
		inst.Int = int64(binary.LittleEndian.Uint16(raw))
	case InlineI:
		inst.Int = int64(int32(binary.LittleEndian.Uint32(raw)))
	case InlineI8:
		inst.Int = int64(binary.LittleEndian.Uint64(raw))
	case ShortInlineR:
		inst.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case InlineR:
		inst.Float = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	case ShortInlineBrTarget:
		inst.Targets = []int{pos + int(int8(raw[0]))}
	case InlineBrTarget:
		inst.Targets = []int{pos + int(int32(binary.LittleEndian.Uint32(raw)))}
	case InlineSwitch:
		n := int(binary.LittleEndian.Uint32(raw))
		if n < 0 || pos+4*n > len(body) {
			return Instruction{}, fmt.Errorf("%w: switch table at IL_%04x", ErrTruncated, off)
		}
		end := pos + 4*n
		inst.Targets = make([]int, n)
		for k := range n {
			rel := int32(binary.LittleEndian.Uint32(body[pos+4*k:]))
			inst.Targets[k] = end + int(rel)
		}
		pos = end
	default:
		inst.Token = Token(binary.LittleEndian.Uint32(raw))
	}

	inst.Size = pos - off
	return inst, nil
}
