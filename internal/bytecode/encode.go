package bytecode

import (
	"math"

	"github.com/pkg/errors"

	"loopguard/internal/classfile"
)

// maxLayoutPasses bounds the widening loop; each pass widens at least one jump.
const maxLayoutPasses = 64

// size returns the encoded size of insn placed at offset off.
func (b *Body) size(insn Insn, off int) (int, error) {
	switch i := insn.(type) {
	case *Label, *LineNumber:
		return 0, nil
	case *Simple:
		return 1, nil
	case *Jump:
		if i.Op == OpGotoW || i.Op == OpJsrW {
			return 5, nil
		}
		return 3, nil
	case *TableSwitch:
		return 1 + switchPad(off) + 12 + 4*len(i.Targets), nil
	case *LookupSwitch:
		return 1 + switchPad(off) + 8 + 8*len(i.Targets), nil
	case *Field:
		return 3, nil
	case *Method:
		if i.Op == OpInvokeinterface {
			return 5, nil
		}
		return 3, nil
	case *InvokeDynamic:
		return 5, nil
	case *Var:
		switch {
		case i.Op != OpRet && i.Slot <= 3:
			return 1, nil
		case i.Slot <= math.MaxUint8:
			return 2, nil
		}
		return 4, nil
	case *Iinc:
		if i.Slot <= math.MaxUint8 && i.Delta >= math.MinInt8 && i.Delta <= math.MaxInt8 {
			return 3, nil
		}
		return 6, nil
	case *Type:
		return 3, nil
	case *Int:
		if i.Op == OpSipush {
			return 3, nil
		}
		return 2, nil
	case *Ldc:
		op, err := b.ldcOpcode(i)
		if err != nil {
			return 0, err
		}
		if op == OpLdc {
			return 2, nil
		}
		return 3, nil
	case *MultiANewArray:
		return 4, nil
	}
	return 0, errors.Errorf("bytecode: cannot encode %T", insn)
}

func (b *Body) ldcOpcode(i *Ldc) (Opcode, error) {
	c, err := b.pool.Get(i.Index)
	if err != nil {
		return 0, err
	}
	switch c.Tag {
	case classfile.TagLong, classfile.TagDouble:
		return OpLdc2W, nil
	case classfile.TagInteger, classfile.TagFloat, classfile.TagString, classfile.TagClass,
		classfile.TagMethodType, classfile.TagMethodHandle, classfile.TagDynamic:
		if i.Index <= math.MaxUint8 {
			return OpLdc, nil
		}
		return OpLdcW, nil
	}
	return 0, errors.Wrapf(classfile.ErrMalformed, "ldc of %s constant", c.Tag)
}

// assign computes offsets for every node and returns the code length.
func (b *Body) assign() (int, error) {
	s := b.Insns
	off := 0
	for idx := s.head; idx != 0; idx = s.nodes[idx].next {
		nd := &s.nodes[idx]
		nd.off = off
		if l, ok := nd.insn.(*Label); ok {
			l.offset = off
		}
		n, err := b.size(nd.insn, off)
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// Layout assigns code offsets to every node and label. Jumps whose
// displacement no longer fits in 16 bits are widened in place: goto and
// jsr become goto_w and jsr_w, and a conditional branch is inverted to
// skip over a goto_w to its original target. Layout fails with
// classfile.ErrCodeTooLarge when the body exceeds the format limit.
func (b *Body) Layout() error {
	for pass := 0; pass < maxLayoutPasses; pass++ {
		n, err := b.assign()
		if err != nil {
			return err
		}
		if n > classfile.MaxCodeSize {
			return errors.Wrapf(classfile.ErrCodeTooLarge, "%d bytes", n)
		}
		if n == 0 {
			return errors.New("bytecode: empty method body")
		}
		widened, err := b.widen()
		if err != nil {
			return err
		}
		if !widened {
			b.length = n
			return nil
		}
	}
	return errors.New("bytecode: jump layout did not converge")
}

// CodeLength is the size in bytes of the code from the last layout.
func (b *Body) CodeLength() int { return b.length }

func (b *Body) widen() (bool, error) {
	s := b.Insns
	changed := false
	for _, r := range s.Refs() {
		j, ok := s.Get(r).(*Jump)
		if !ok || j.Op == OpGotoW || j.Op == OpJsrW {
			continue
		}
		delta := j.Target.offset - s.Offset(r)
		if delta >= math.MinInt16 && delta <= math.MaxInt16 {
			continue
		}
		changed = true
		switch j.Op {
		case OpGoto:
			j.Op = OpGotoW
		case OpJsr:
			j.Op = OpJsrW
		default:
			skip := &Label{}
			far := j.Target
			j.Op = j.Op.Invert()
			j.Target = skip
			if _, err := s.InsertAfter(r, &Jump{Op: OpGotoW, Target: far}, skip); err != nil {
				return false, err
			}
		}
	}
	return changed, nil
}

// Encode lays out the body and produces a Code attribute. The result has no
// StackMapTable; callers that need one append it.
func (b *Body) Encode() (*classfile.Code, error) {
	if err := b.Layout(); err != nil {
		return nil, err
	}
	var w classfile.Writer
	s := b.Insns
	for idx := s.head; idx != 0; idx = s.nodes[idx].next {
		nd := &s.nodes[idx]
		if w.Len() != nd.off {
			return nil, errors.Errorf("bytecode: layout drift at offset %d", nd.off)
		}
		if err := b.emit(&w, nd.insn, nd.off); err != nil {
			return nil, err
		}
	}

	code := &classfile.Code{
		MaxStack:  b.MaxStack,
		MaxLocals: b.MaxLocals,
		Code:      w.Bytes(),
	}
	for _, h := range b.Handlers {
		if h.Start.offset >= h.End.offset {
			continue
		}
		e := classfile.ExceptionEntry{
			StartPC:   uint16(h.Start.offset),
			EndPC:     uint16(h.End.offset),
			HandlerPC: uint16(h.Handler.offset),
		}
		if h.Type != "" {
			e.CatchType = b.pool.AddClass(h.Type)
		}
		code.Exceptions = append(code.Exceptions, e)
	}
	if lnt := b.lineNumberTable(len(code.Code)); lnt != nil {
		code.Attributes = append(code.Attributes, classfile.Attribute{Name: "LineNumberTable", Data: lnt})
	}
	for _, sig := range []bool{false, true} {
		name := "LocalVariableTable"
		if sig {
			name = "LocalVariableTypeTable"
		}
		if data := b.localVariableTable(sig); data != nil {
			code.Attributes = append(code.Attributes, classfile.Attribute{Name: name, Data: data})
		}
	}
	code.Attributes = append(code.Attributes, b.Attributes...)
	return code, b.pool.Err()
}

func (b *Body) lineNumberTable(codeLen int) []byte {
	var entries [][2]uint16
	s := b.Insns
	for idx := s.head; idx != 0; idx = s.nodes[idx].next {
		if ln, ok := s.nodes[idx].insn.(*LineNumber); ok && s.nodes[idx].off < codeLen {
			entries = append(entries, [2]uint16{uint16(s.nodes[idx].off), ln.Line})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	var w classfile.Writer
	w.U2(uint16(len(entries)))
	for _, e := range entries {
		w.U2(e[0])
		w.U2(e[1])
	}
	return w.Bytes()
}

func (b *Body) localVariableTable(signature bool) []byte {
	var w classfile.Writer
	n := 0
	w.U2(0)
	for _, v := range b.LocalVars {
		if v.Signature != signature || v.End.offset < v.Start.offset {
			continue
		}
		w.U2(uint16(v.Start.offset))
		w.U2(uint16(v.End.offset - v.Start.offset))
		w.U2(b.pool.AddUtf8(v.Name))
		w.U2(b.pool.AddUtf8(v.Desc))
		w.U2(v.Slot)
		n++
	}
	if n == 0 {
		return nil
	}
	w.PutU2(0, uint16(n))
	return w.Bytes()
}

func (b *Body) emit(w *classfile.Writer, insn Insn, off int) error {
	switch i := insn.(type) {
	case *Label, *LineNumber:
	case *Simple:
		w.U1(uint8(i.Op))
	case *Jump:
		w.U1(uint8(i.Op))
		delta := i.Target.offset - off
		if i.Op == OpGotoW || i.Op == OpJsrW {
			w.U4(uint32(int32(delta)))
		} else {
			if delta < math.MinInt16 || delta > math.MaxInt16 {
				return errors.Errorf("bytecode: %s displacement %d overflows", i.Op, delta)
			}
			w.U2(uint16(int16(delta)))
		}
	case *TableSwitch:
		w.U1(uint8(OpTableswitch))
		for k := 0; k < switchPad(off); k++ {
			w.U1(0)
		}
		w.U4(uint32(int32(i.Default.offset - off)))
		w.U4(uint32(i.Low))
		w.U4(uint32(i.High))
		for _, t := range i.Targets {
			w.U4(uint32(int32(t.offset - off)))
		}
	case *LookupSwitch:
		w.U1(uint8(OpLookupswitch))
		for k := 0; k < switchPad(off); k++ {
			w.U1(0)
		}
		w.U4(uint32(int32(i.Default.offset - off)))
		w.U4(uint32(len(i.Keys)))
		for k, t := range i.Targets {
			w.U4(uint32(i.Keys[k]))
			w.U4(uint32(int32(t.offset - off)))
		}
	case *Field:
		w.U1(uint8(i.Op))
		w.U2(b.pool.AddMember(i.Ref))
	case *Method:
		w.U1(uint8(i.Op))
		w.U2(b.pool.AddMember(i.Ref))
		if i.Op == OpInvokeinterface {
			mt, err := classfile.ParseMethodDescriptor(i.Ref.Desc)
			if err != nil {
				return err
			}
			w.U1(uint8(mt.ArgSlots(false)))
			w.U1(0)
		}
	case *InvokeDynamic:
		w.U1(uint8(OpInvokedynamic))
		w.U2(i.Index)
		w.U2(0)
	case *Var:
		b.emitVar(w, i)
	case *Iinc:
		if i.Slot <= math.MaxUint8 && i.Delta >= math.MinInt8 && i.Delta <= math.MaxInt8 {
			w.U1(uint8(OpIinc))
			w.U1(uint8(i.Slot))
			w.U1(uint8(int8(i.Delta)))
		} else {
			w.U1(uint8(OpWide))
			w.U1(uint8(OpIinc))
			w.U2(i.Slot)
			w.U2(uint16(i.Delta))
		}
	case *Type:
		w.U1(uint8(i.Op))
		w.U2(b.pool.AddClass(i.Class))
	case *Int:
		w.U1(uint8(i.Op))
		if i.Op == OpSipush {
			w.U2(uint16(int16(i.Value)))
		} else {
			w.U1(uint8(int8(i.Value)))
		}
	case *Ldc:
		op, err := b.ldcOpcode(i)
		if err != nil {
			return err
		}
		w.U1(uint8(op))
		if op == OpLdc {
			w.U1(uint8(i.Index))
		} else {
			w.U2(i.Index)
		}
	case *MultiANewArray:
		w.U1(uint8(OpMultianewarray))
		w.U2(b.pool.AddClass(i.Class))
		w.U1(i.Dims)
	default:
		return errors.Errorf("bytecode: cannot encode %T", insn)
	}
	return nil
}

func (b *Body) emitVar(w *classfile.Writer, i *Var) {
	switch {
	case i.Op != OpRet && i.Slot <= 3:
		base := OpIload0 + (i.Op-OpIload)*4
		if i.Op >= OpIstore {
			base = OpIstore0 + (i.Op-OpIstore)*4
		}
		w.U1(uint8(base) + uint8(i.Slot))
	case i.Slot <= math.MaxUint8:
		w.U1(uint8(i.Op))
		w.U1(uint8(i.Slot))
	default:
		w.U1(uint8(OpWide))
		w.U1(uint8(i.Op))
		w.U2(i.Slot)
	}
}
