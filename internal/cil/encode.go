package cil

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SizeOf returns the encoded size of an instruction with opcode op.
// targets is only consulted for switch.
func SizeOf(op *OpCode, targets int) int {
	n := op.EncodedSize() + op.Operand.Size()
	if op.Operand == InlineSwitch {
		n += 4 * targets
	}
	return n
}

// Append encodes inst at inst.Offset and appends it to dst. Branch targets
// are absolute offsets and are converted to relative displacements.
func Append(dst []byte, inst *Instruction) ([]byte, error) {
	op := inst.OpCode
	if op.Code.TwoByte() {
		dst = append(dst, 0xFE, byte(op.Code))
	} else {
		dst = append(dst, byte(op.Code))
	}
	next := inst.Offset + SizeOf(op, len(inst.Targets))

	switch op.Operand {
	case InlineNone:
	case ShortInlineI, ShortInlineVar:
		dst = append(dst, byte(inst.Int))
	case InlineVar:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(inst.Int))
	case InlineI:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(inst.Int)))
	case InlineI8:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(inst.Int))
	case ShortInlineR:
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(inst.Float)))
	case InlineR:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(inst.Float))
	case ShortInlineBrTarget:
		if len(inst.Targets) != 1 {
			return dst, fmt.Errorf("cil: %s needs one target", op.Name)
		}
		rel := inst.Targets[0] - next
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return dst, fmt.Errorf("cil: %s target out of short range: %d", op.Name, rel)
		}
		dst = append(dst, byte(int8(rel)))
	case InlineBrTarget:
		if len(inst.Targets) != 1 {
			return dst, fmt.Errorf("cil: %s needs one target", op.Name)
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(inst.Targets[0]-next)))
	case InlineSwitch:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(inst.Targets)))
		for _, t := range inst.Targets {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(t-next)))
		}
	default:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(inst.Token))
	}
	return dst, nil
}
