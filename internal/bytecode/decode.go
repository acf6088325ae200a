package bytecode

import (
	"sort"

	"github.com/pkg/errors"

	"loopguard/internal/classfile"
)

// Handler is one exception range. Type is empty for catch-all handlers.
type Handler struct {
	Start, End, Handler *Label
	Type                string
}

// LocalVar is a LocalVariableTable or LocalVariableTypeTable entry.
type LocalVar struct {
	Start, End *Label
	Name       string
	Desc       string
	Slot       uint16
	Signature  bool // entry came from LocalVariableTypeTable
}

// Body is a decoded method body.
type Body struct {
	Insns     *Stream
	Handlers  []Handler
	LocalVars []LocalVar
	MaxStack  uint16
	MaxLocals uint16

	// Attributes holds Code sub-attributes that survive re-encoding verbatim.
	Attributes []classfile.Attribute

	pool   *classfile.Pool
	length int
}

// NewBody returns an empty body bound to pool.
func NewBody(pool *classfile.Pool) *Body {
	return &Body{Insns: NewStream(), pool: pool}
}

// Pool returns the constant pool the body's indices refer to.
func (b *Body) Pool() *classfile.Pool { return b.pool }

// Code sub-attributes rebuilt from the stream. Stack maps are recomputed and
// type annotations on code positions are dropped.
var rebuiltAttributes = map[string]bool{
	"LineNumberTable":                true,
	"LocalVariableTable":             true,
	"LocalVariableTypeTable":         true,
	"StackMapTable":                  true,
	"RuntimeVisibleTypeAnnotations":   true,
	"RuntimeInvisibleTypeAnnotations": true,
}

type decoded struct {
	off  int
	insn Insn
}

type decoder struct {
	code   []byte
	pool   *classfile.Pool
	labels map[int]*Label
}

func (d *decoder) label(off int) *Label {
	if l, ok := d.labels[off]; ok {
		return l
	}
	l := &Label{offset: off}
	d.labels[off] = l
	return l
}

// Decode builds a Body from a Code attribute. Every branch target,
// exception boundary and debug-table position becomes a Label.
func Decode(code *classfile.Code, pool *classfile.Pool) (*Body, error) {
	d := &decoder{code: code.Code, pool: pool, labels: make(map[int]*Label)}
	insns, err := d.instructions()
	if err != nil {
		return nil, err
	}

	b := &Body{
		Insns:     NewStream(),
		MaxStack:  code.MaxStack,
		MaxLocals: code.MaxLocals,
		pool:      pool,
	}
	for _, e := range code.Exceptions {
		h := Handler{
			Start:   d.label(int(e.StartPC)),
			End:     d.label(int(e.EndPC)),
			Handler: d.label(int(e.HandlerPC)),
		}
		if e.CatchType != 0 {
			if h.Type, err = pool.ClassName(e.CatchType); err != nil {
				return nil, errors.Wrap(err, "exception catch type")
			}
		}
		b.Handlers = append(b.Handlers, h)
	}

	lines := make(map[int][]uint16)
	for _, a := range code.Attributes {
		switch a.Name {
		case "LineNumberTable":
			if err := d.lineNumbers(a.Data, lines); err != nil {
				return nil, err
			}
		case "LocalVariableTable", "LocalVariableTypeTable":
			vars, err := d.localVars(a.Data, a.Name == "LocalVariableTypeTable")
			if err != nil {
				return nil, err
			}
			b.LocalVars = append(b.LocalVars, vars...)
		default:
			if !rebuiltAttributes[a.Name] {
				b.Attributes = append(b.Attributes, a)
			}
		}
	}

	boundary := make(map[int]bool, len(insns)+1)
	for _, di := range insns {
		boundary[di.off] = true
	}
	boundary[len(d.code)] = true
	for off := range d.labels {
		if !boundary[off] {
			return nil, errors.Wrapf(classfile.ErrMalformed, "label at offset %d is not an instruction boundary", off)
		}
	}
	// A line entry must start at an instruction; the end of code is not one.
	for off := range lines {
		if off == len(d.code) || !boundary[off] {
			return nil, errors.Wrapf(classfile.ErrMalformed, "line number at offset %d is not an instruction boundary", off)
		}
	}

	for _, di := range insns {
		if l, ok := d.labels[di.off]; ok {
			b.Insns.Append(l)
		}
		for _, line := range lines[di.off] {
			b.Insns.Append(&LineNumber{Line: line})
		}
		b.Insns.Append(di.insn)
	}
	if l, ok := d.labels[len(d.code)]; ok {
		b.Insns.Append(l)
	}
	return b, nil
}

func (d *decoder) lineNumbers(data []byte, lines map[int][]uint16) error {
	s := classfile.NewStream(data)
	n, err := s.ReadUint16()
	if err != nil {
		return errors.Wrap(classfile.ErrMalformed, "LineNumberTable")
	}
	for i := 0; i < int(n); i++ {
		pc, err1 := s.ReadUint16()
		line, err2 := s.ReadUint16()
		if err1 != nil || err2 != nil {
			return errors.Wrap(classfile.ErrMalformed, "LineNumberTable entry")
		}
		lines[int(pc)] = append(lines[int(pc)], line)
	}
	return nil
}

func (d *decoder) localVars(data []byte, signature bool) ([]LocalVar, error) {
	s := classfile.NewStream(data)
	n, err := s.ReadUint16()
	if err != nil {
		return nil, errors.Wrap(classfile.ErrMalformed, "LocalVariableTable")
	}
	vars := make([]LocalVar, 0, n)
	for i := 0; i < int(n); i++ {
		var f [5]uint16
		for k := range f {
			if f[k], err = s.ReadUint16(); err != nil {
				return nil, errors.Wrap(classfile.ErrMalformed, "LocalVariableTable entry")
			}
		}
		name, err := d.pool.Utf8(f[2])
		if err != nil {
			return nil, err
		}
		desc, err := d.pool.Utf8(f[3])
		if err != nil {
			return nil, err
		}
		end := int(f[0]) + int(f[1])
		if end > len(d.code) {
			return nil, errors.Wrapf(classfile.ErrMalformed, "local %s range overruns code", name)
		}
		vars = append(vars, LocalVar{
			Start:     d.label(int(f[0])),
			End:       d.label(end),
			Name:      name,
			Desc:      desc,
			Slot:      f[4],
			Signature: signature,
		})
	}
	return vars, nil
}

func (d *decoder) instructions() ([]decoded, error) {
	var out []decoded
	pos := 0
	for pos < len(d.code) {
		insn, size, err := d.decodeAt(pos)
		if err != nil {
			return nil, errors.Wrapf(err, "offset %d", pos)
		}
		out = append(out, decoded{off: pos, insn: insn})
		pos += size
	}
	return out, nil
}

func (d *decoder) u1(pos int) (int, error) {
	if pos >= len(d.code) {
		return 0, errors.Wrap(classfile.ErrMalformed, "truncated instruction")
	}
	return int(d.code[pos]), nil
}

func (d *decoder) u2(pos int) (int, error) {
	if pos+2 > len(d.code) {
		return 0, errors.Wrap(classfile.ErrMalformed, "truncated instruction")
	}
	return int(d.code[pos])<<8 | int(d.code[pos+1]), nil
}

func (d *decoder) s4(pos int) (int, error) {
	if pos+4 > len(d.code) {
		return 0, errors.Wrap(classfile.ErrMalformed, "truncated instruction")
	}
	return int(int32(uint32(d.code[pos])<<24 | uint32(d.code[pos+1])<<16 | uint32(d.code[pos+2])<<8 | uint32(d.code[pos+3]))), nil
}

func (d *decoder) target(pos, delta int) (*Label, error) {
	t := pos + delta
	if t < 0 || t >= len(d.code) {
		return nil, errors.Wrapf(classfile.ErrMalformed, "branch target %d out of range", t)
	}
	return d.label(t), nil
}

func (d *decoder) member(pos int) (classfile.MemberRef, error) {
	idx, err := d.u2(pos)
	if err != nil {
		return classfile.MemberRef{}, err
	}
	return d.pool.Member(uint16(idx))
}

func (d *decoder) class(pos int) (string, error) {
	idx, err := d.u2(pos)
	if err != nil {
		return "", err
	}
	return d.pool.ClassName(uint16(idx))
}

// decodeAt decodes the instruction at pos and returns its encoded size.
func (d *decoder) decodeAt(pos int) (Insn, int, error) {
	op := Opcode(d.code[pos])
	switch {
	case op <= OpDconst1:
		return &Simple{Op: op}, 1, nil
	case op == OpBipush:
		v, err := d.u1(pos + 1)
		return &Int{Op: op, Value: int32(int8(v))}, 2, err
	case op == OpSipush:
		v, err := d.u2(pos + 1)
		return &Int{Op: op, Value: int32(int16(v))}, 3, err
	case op == OpLdc:
		v, err := d.u1(pos + 1)
		return &Ldc{Index: uint16(v)}, 2, err
	case op == OpLdcW || op == OpLdc2W:
		v, err := d.u2(pos + 1)
		return &Ldc{Index: uint16(v)}, 3, err
	case op >= OpIload && op <= OpAload, op >= OpIstore && op <= OpAstore, op == OpRet:
		v, err := d.u1(pos + 1)
		return &Var{Op: op, Slot: uint16(v)}, 2, err
	case op >= OpIload0 && op <= OpAload3:
		k := op - OpIload0
		return &Var{Op: OpIload + k/4, Slot: uint16(k % 4)}, 1, nil
	case op >= OpIstore0 && op <= OpAstore3:
		k := op - OpIstore0
		return &Var{Op: OpIstore + k/4, Slot: uint16(k % 4)}, 1, nil
	case op == OpIinc:
		slot, err := d.u1(pos + 1)
		if err != nil {
			return nil, 0, err
		}
		delta, err := d.u1(pos + 2)
		return &Iinc{Slot: uint16(slot), Delta: int16(int8(delta))}, 3, err
	case (op >= OpIfeq && op <= OpJsr) || op == OpIfnull || op == OpIfnonnull:
		v, err := d.u2(pos + 1)
		if err != nil {
			return nil, 0, err
		}
		l, err := d.target(pos, int(int16(v)))
		return &Jump{Op: op, Target: l}, 3, err
	case op == OpGotoW || op == OpJsrW:
		v, err := d.s4(pos + 1)
		if err != nil {
			return nil, 0, err
		}
		l, err := d.target(pos, v)
		return &Jump{Op: op, Target: l}, 5, err
	case op == OpTableswitch:
		return d.tableSwitch(pos)
	case op == OpLookupswitch:
		return d.lookupSwitch(pos)
	case op >= OpGetstatic && op <= OpPutfield:
		ref, err := d.member(pos + 1)
		return &Field{Op: op, Ref: ref}, 3, err
	case op >= OpInvokevirtual && op <= OpInvokestatic:
		ref, err := d.member(pos + 1)
		return &Method{Op: op, Ref: ref}, 3, err
	case op == OpInvokeinterface:
		ref, err := d.member(pos + 1)
		return &Method{Op: op, Ref: ref}, 5, err
	case op == OpInvokedynamic:
		idx, err := d.u2(pos + 1)
		if err != nil {
			return nil, 0, err
		}
		c, err := d.pool.Get(uint16(idx))
		if err != nil {
			return nil, 0, err
		}
		if c.Tag != classfile.TagInvokeDynamic {
			return nil, 0, errors.Wrapf(classfile.ErrMalformed, "invokedynamic operand is %s", c.Tag)
		}
		name, desc, err := d.pool.NameAndType(c.B)
		return &InvokeDynamic{Index: uint16(idx), Name: name, Desc: desc}, 5, err
	case op == OpNew || op == OpAnewarray || op == OpCheckcast || op == OpInstanceof:
		name, err := d.class(pos + 1)
		return &Type{Op: op, Class: name}, 3, err
	case op == OpNewarray:
		v, err := d.u1(pos + 1)
		if err == nil {
			if _, ok := ArrayTypeDescriptor(int32(v)); !ok {
				err = errors.Wrapf(classfile.ErrMalformed, "newarray type %d", v)
			}
		}
		return &Int{Op: op, Value: int32(v)}, 2, err
	case op == OpMultianewarray:
		name, err := d.class(pos + 1)
		if err != nil {
			return nil, 0, err
		}
		dims, err := d.u1(pos + 3)
		if err == nil && dims == 0 {
			err = errors.Wrap(classfile.ErrMalformed, "multianewarray with zero dimensions")
		}
		return &MultiANewArray{Class: name, Dims: uint8(dims)}, 4, err
	case op == OpWide:
		return d.wide(pos)
	case op <= OpJsrW:
		// Remaining defined opcodes take no operands.
		return &Simple{Op: op}, 1, nil
	}
	return nil, 0, errors.Wrapf(classfile.ErrMalformed, "invalid opcode 0x%02x", uint8(op))
}

func (d *decoder) wide(pos int) (Insn, int, error) {
	v, err := d.u1(pos + 1)
	if err != nil {
		return nil, 0, err
	}
	op := Opcode(v)
	slot, err := d.u2(pos + 2)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case op == OpIinc:
		delta, err := d.u2(pos + 4)
		return &Iinc{Slot: uint16(slot), Delta: int16(delta)}, 6, err
	case op >= OpIload && op <= OpAload, op >= OpIstore && op <= OpAstore, op == OpRet:
		return &Var{Op: op, Slot: uint16(slot)}, 4, nil
	}
	return nil, 0, errors.Wrapf(classfile.ErrMalformed, "wide %s", op)
}

func switchPad(pos int) int { return (4 - (pos+1)%4) % 4 }

func (d *decoder) tableSwitch(pos int) (Insn, int, error) {
	p := pos + 1 + switchPad(pos)
	def, err := d.s4(p)
	if err != nil {
		return nil, 0, err
	}
	low, err := d.s4(p + 4)
	if err != nil {
		return nil, 0, err
	}
	high, err := d.s4(p + 8)
	if err != nil {
		return nil, 0, err
	}
	if low > high {
		return nil, 0, errors.Wrapf(classfile.ErrMalformed, "tableswitch low %d > high %d", low, high)
	}
	n := high - low + 1
	if p+12+4*n > len(d.code) {
		return nil, 0, errors.Wrap(classfile.ErrMalformed, "truncated tableswitch")
	}
	sw := &TableSwitch{Low: int32(low), High: int32(high)}
	if sw.Default, err = d.target(pos, def); err != nil {
		return nil, 0, err
	}
	for i := 0; i < n; i++ {
		off, _ := d.s4(p + 12 + 4*i)
		l, err := d.target(pos, off)
		if err != nil {
			return nil, 0, err
		}
		sw.Targets = append(sw.Targets, l)
	}
	return sw, p + 12 + 4*n - pos, nil
}

func (d *decoder) lookupSwitch(pos int) (Insn, int, error) {
	p := pos + 1 + switchPad(pos)
	def, err := d.s4(p)
	if err != nil {
		return nil, 0, err
	}
	n, err := d.s4(p + 4)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 || p+8+8*n > len(d.code) {
		return nil, 0, errors.Wrap(classfile.ErrMalformed, "truncated lookupswitch")
	}
	sw := &LookupSwitch{}
	if sw.Default, err = d.target(pos, def); err != nil {
		return nil, 0, err
	}
	for i := 0; i < n; i++ {
		key, _ := d.s4(p + 8 + 8*i)
		off, _ := d.s4(p + 12 + 8*i)
		l, err := d.target(pos, off)
		if err != nil {
			return nil, 0, err
		}
		sw.Keys = append(sw.Keys, int32(key))
		sw.Targets = append(sw.Targets, l)
	}
	if !sort.SliceIsSorted(sw.Keys, func(i, j int) bool { return sw.Keys[i] < sw.Keys[j] }) {
		return nil, 0, errors.Wrap(classfile.ErrMalformed, "lookupswitch keys not sorted")
	}
	return sw, p + 8 + 8*n - pos, nil
}
