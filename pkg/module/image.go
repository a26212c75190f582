package module

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
)

// Image layout (little endian, all counts and indices uvarint):
//
//	magic "IMOD" | version u16 | string table | module name
//	types      (namespace, name, base, flags)
//	type refs  (name)
//	field refs (declaring type, name)
//	member refs(declaring type, name, signature)
//	user strings
//	methods    (type index, name, signature, flags, body, sequence points)
//
// Every name is an index into the string table.
const (
	imageMagic   = "IMOD"
	imageVersion = 1
)

// Extension is the conventional file extension of module images.
const Extension = ".imod"

var ErrParse = errors.New("malformed module image")

// Encode serializes m into the image format.
func Encode(m *Module) ([]byte, error) {
	typeIndex := make(map[*Type]int, len(m.Types))
	for i, t := range m.Types {
		typeIndex[t] = i
	}

	var (
		strs  []string
		index = make(map[string]uint64)
		body  []byte
	)
	str := func(s string) {
		i, ok := index[s]
		if !ok {
			i = uint64(len(strs))
			index[s] = i
			strs = append(strs, s)
		}
		body = binary.AppendUvarint(body, i)
	}
	num := func(n int) { body = binary.AppendUvarint(body, uint64(n)) }

	str(m.Name)
	num(len(m.Types))
	for _, t := range m.Types {
		str(t.Namespace)
		str(t.Name)
		str(t.BaseType)
		num(int(t.Flags))
	}
	num(len(m.TypeRefs))
	for _, r := range m.TypeRefs {
		str(r)
	}
	num(len(m.FieldRefs))
	for _, r := range m.FieldRefs {
		str(r.DeclaringType)
		str(r.Name)
	}
	num(len(m.MemberRefs))
	for _, r := range m.MemberRefs {
		str(r.DeclaringType)
		str(r.Name)
		str(r.Signature)
	}
	num(len(m.Strings))
	for _, s := range m.Strings {
		str(s)
	}
	num(len(m.Methods))
	for _, meth := range m.Methods {
		ti, ok := typeIndex[meth.Type]
		if !ok {
			return nil, fmt.Errorf("method %s: declaring type not in module", meth.Name)
		}
		num(ti)
		str(meth.Name)
		str(meth.Signature)
		num(int(meth.Flags))
		num(len(meth.Body))
		body = append(body, meth.Body...)
		num(len(meth.SequencePoints))
		for _, sp := range meth.SequencePoints {
			num(sp.Offset)
			str(sp.File)
			num(sp.Line)
			num(sp.Column)
		}
	}

	out := make([]byte, 0, len(body)+64)
	out = append(out, imageMagic...)
	out = binary.LittleEndian.AppendUint16(out, imageVersion)
	out = binary.AppendUvarint(out, uint64(len(strs)))
	for _, s := range strs {
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	return append(out, body...), nil
}

// WriteFile encodes m and writes it to path.
func WriteFile(path string, m *Module) error {
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode module %s: %w", m.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write module %s: %w", path, err)
	}
	return nil
}

type imageReader struct {
	data []byte
	pos  int
	strs []string
	err  error
}

func (r *imageReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: at byte %d: %s", ErrParse, r.pos, fmt.Sprintf(format, args...))
	}
}

func (r *imageReader) uvarint() int {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 || v > uint64(len(r.data))*8+1<<24 {
		r.fail("bad varint")
		return 0
	}
	r.pos += n
	return int(v)
}

func (r *imageReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.fail("need %d bytes, have %d", n, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *imageReader) str() string {
	i := r.uvarint()
	if r.err != nil {
		return ""
	}
	if i >= len(r.strs) {
		r.fail("string index %d out of range", i)
		return ""
	}
	return r.strs[i]
}

// count reads a table length, rejecting values that cannot fit in the
// remaining input.
func (r *imageReader) count() int {
	n := r.uvarint()
	if n > len(r.data)-r.pos {
		r.fail("table length %d exceeds image", n)
		return 0
	}
	return n
}

// Decode parses an image produced by Encode.
func Decode(data []byte) (*Module, error) {
	if len(data) < len(imageMagic)+2 || string(data[:len(imageMagic)]) != imageMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrParse)
	}
	if v := binary.LittleEndian.Uint16(data[len(imageMagic):]); v != imageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrParse, v)
	}
	r := &imageReader{data: data, pos: len(imageMagic) + 2}

	n := r.count()
	r.strs = make([]string, 0, n)
	for range n {
		r.strs = append(r.strs, string(r.bytes(r.uvarint())))
	}

	m := &Module{Name: r.str()}
	for range r.count() {
		m.Types = append(m.Types, &Type{
			Namespace: r.str(),
			Name:      r.str(),
			BaseType:  r.str(),
			Flags:     TypeFlags(r.uvarint()),
		})
	}
	for range r.count() {
		m.TypeRefs = append(m.TypeRefs, r.str())
	}
	for range r.count() {
		m.FieldRefs = append(m.FieldRefs, FieldRef{DeclaringType: r.str(), Name: r.str()})
	}
	for range r.count() {
		m.MemberRefs = append(m.MemberRefs, MethodRef{DeclaringType: r.str(), Name: r.str(), Signature: r.str()})
	}
	for range r.count() {
		m.Strings = append(m.Strings, r.str())
	}
	for range r.count() {
		ti := r.uvarint()
		if r.err == nil && ti >= len(m.Types) {
			r.fail("type index %d out of range", ti)
		}
		if r.err != nil {
			break
		}
		meth := &Method{
			Type:      m.Types[ti],
			Name:      r.str(),
			Signature: r.str(),
			Flags:     MethodFlags(r.uvarint()),
		}
		meth.Body = slices.Clone(r.bytes(r.uvarint()))
		for range r.count() {
			meth.SequencePoints = append(meth.SequencePoints, SequencePoint{
				Offset: r.uvarint(),
				File:   r.str(),
				Line:   r.uvarint(),
				Column: r.uvarint(),
			})
		}
		if !slices.IsSortedFunc(meth.SequencePoints, func(a, b SequencePoint) int { return a.Offset - b.Offset }) {
			slices.SortStableFunc(meth.SequencePoints, func(a, b SequencePoint) int { return a.Offset - b.Offset })
		}
		meth.Type.Methods = append(meth.Type.Methods, meth)
		m.Methods = append(m.Methods, meth)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrParse, len(data)-r.pos)
	}
	return m, nil
}
