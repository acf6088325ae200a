package verify

import (
	"sort"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
)

// deadBlock is an unreachable run after patching: from and to bracket the
// nop...athrow filler.
type deadBlock struct {
	from, to *bytecode.Label
}

// PatchDead overwrites every unreachable run in b with nops ending in
// athrow, keeping the code size unchanged, and cuts the runs out of the
// exception ranges that cover them. b must have been laid out and
// analyzed into r.
func (r *Result) PatchDead(b *bytecode.Body) error {
	if len(r.Dead) == 0 {
		return nil
	}
	s := b.Insns
	for _, sp := range r.Dead {
		start := s.Offset(sp.First)
		end := b.CodeLength()
		for n := s.Next(sp.Last); !n.IsNil(); n = s.Next(n) {
			if !bytecode.IsPseudo(s.Get(n)) {
				end = s.Offset(n)
				break
			}
		}
		if start < 0 || end <= start {
			return errors.Errorf("verify: bad dead span at offset %d", start)
		}

		var doomed []bytecode.Ref
		for n := sp.First; ; n = s.Next(n) {
			if n.IsNil() {
				return errors.New("verify: dead span runs off the body")
			}
			if !bytecode.IsPseudo(s.Get(n)) {
				doomed = append(doomed, n)
			}
			if n == sp.Last {
				break
			}
		}

		blk := deadBlock{from: &bytecode.Label{}, to: &bytecode.Label{}}
		seq := []bytecode.Insn{blk.from}
		for k := 0; k < end-start-1; k++ {
			seq = append(seq, &bytecode.Simple{Op: bytecode.OpNop})
		}
		seq = append(seq, &bytecode.Simple{Op: bytecode.OpAthrow}, blk.to)
		if err := s.InsertBefore(sp.First, seq...); err != nil {
			return err
		}
		for _, d := range doomed {
			if err := s.Remove(d); err != nil {
				return err
			}
		}
		r.dead = append(r.dead, blk)
	}
	if err := b.Layout(); err != nil {
		return err
	}

	for _, blk := range r.dead {
		lo, hi := blk.from.Offset(), blk.to.Offset()
		var kept []bytecode.Handler
		for _, h := range b.Handlers {
			if h.Start.Offset() >= hi || h.End.Offset() <= lo {
				kept = append(kept, h)
				continue
			}
			before, after := h, h
			before.End = blk.from
			after.Start = blk.to
			kept = append(kept, before, after)
		}
		b.Handlers = kept
	}
	r.Dead = nil
	if r.MaxStack < 1 {
		r.MaxStack = 1
	}
	return nil
}

type mapEntry struct {
	offset int
	frame  *Frame
}

// StackMapTable encodes the frames b needs as a StackMapTable attribute
// body, or nil when no frame beyond the implicit entry frame is required.
// b must be laid out; class constants are interned into its pool.
func (r *Result) StackMapTable(b *bytecode.Body) ([]byte, error) {
	if r.HasJSR {
		return nil, errors.New("verify: subroutines cannot carry stack map frames")
	}
	s := b.Insns
	sites := make(map[*bytecode.Type]int)
	var entries []mapEntry
	for _, ref := range s.Refs() {
		insn := s.Get(ref)
		if t, ok := insn.(*bytecode.Type); ok && t.Op == bytecode.OpNew {
			sites[t] = s.Offset(ref)
		}
		if r.needed[ref] {
			entries = append(entries, mapEntry{offset: s.Offset(ref), frame: r.in[ref]})
		}
	}
	thrown := &Frame{Stack: []Value{ObjectValue("java/lang/Throwable")}}
	for _, blk := range r.dead {
		entries = append(entries, mapEntry{offset: blk.from.Offset(), frame: thrown})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })

	enc := &frameEncoder{pool: b.Pool(), sites: sites}
	var w classfile.Writer
	w.U2(0)
	count := 0
	prev := compact(r.entry.Locals)
	last := -1
	for _, e := range entries {
		if e.offset == last {
			continue
		}
		locals := compact(e.frame.Locals)
		if err := enc.frame(&w, e.offset-last-1, prev, locals, e.frame.Stack); err != nil {
			return nil, err
		}
		prev, last = locals, e.offset
		count++
	}
	w.PutU2(0, uint16(count))
	return w.Bytes(), nil
}

// compact drops the implicit Top after each long and double and trailing
// Tops, giving the frame form of a locals array.
func compact(locals []Value) []Value {
	var out []Value
	for k := 0; k < len(locals); k++ {
		out = append(out, locals[k])
		if locals[k].Size() == 2 {
			k++
		}
	}
	for len(out) > 0 && out[len(out)-1].Kind == Top {
		out = out[:len(out)-1]
	}
	return out
}

func equalValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type frameEncoder struct {
	pool  *classfile.Pool
	sites map[*bytecode.Type]int
}

const (
	sameFrameMax         = 63
	sameLocals1          = 64
	sameLocals1Extended  = 247
	chopFrame            = 251 // minus the number of chopped locals
	sameFrameExtended    = 251
	appendFrame          = 251 // plus the number of appended locals
	fullFrame            = 255
	maxAppendedOrChopped = 3
)

func (e *frameEncoder) frame(w *classfile.Writer, delta int, prev, locals, stack []Value) error {
	if delta < 0 || delta > 0xffff {
		return errors.Errorf("verify: frame offset delta %d", delta)
	}
	d := uint16(delta)
	switch {
	case len(stack) == 0 && equalValues(prev, locals):
		if delta <= sameFrameMax {
			w.U1(uint8(delta))
		} else {
			w.U1(sameFrameExtended)
			w.U2(d)
		}
		return nil
	case len(stack) == 1 && equalValues(prev, locals):
		if delta <= sameFrameMax {
			w.U1(uint8(sameLocals1 + delta))
		} else {
			w.U1(sameLocals1Extended)
			w.U2(d)
		}
		return e.value(w, stack[0])
	case len(stack) == 0 && len(locals) > len(prev) && len(locals)-len(prev) <= maxAppendedOrChopped &&
		equalValues(prev, locals[:len(prev)]):
		w.U1(uint8(appendFrame + len(locals) - len(prev)))
		w.U2(d)
		return e.values(w, locals[len(prev):])
	case len(stack) == 0 && len(locals) < len(prev) && len(prev)-len(locals) <= maxAppendedOrChopped &&
		equalValues(prev[:len(locals)], locals):
		w.U1(uint8(chopFrame - (len(prev) - len(locals))))
		w.U2(d)
		return nil
	}
	w.U1(fullFrame)
	w.U2(d)
	w.U2(uint16(len(locals)))
	if err := e.values(w, locals); err != nil {
		return err
	}
	w.U2(uint16(len(stack)))
	return e.values(w, stack)
}

func (e *frameEncoder) values(w *classfile.Writer, vs []Value) error {
	for _, v := range vs {
		if err := e.value(w, v); err != nil {
			return err
		}
	}
	return nil
}

// Verification type tags.
const (
	itemTop = iota
	itemInteger
	itemFloat
	itemDouble
	itemLong
	itemNull
	itemUninitThis
	itemObject
	itemUninit
)

func (e *frameEncoder) value(w *classfile.Writer, v Value) error {
	switch v.Kind {
	case Top:
		w.U1(itemTop)
	case Int:
		w.U1(itemInteger)
	case Float:
		w.U1(itemFloat)
	case Double:
		w.U1(itemDouble)
	case Long:
		w.U1(itemLong)
	case Null:
		w.U1(itemNull)
	case UninitThis:
		w.U1(itemUninitThis)
	case Object:
		w.U1(itemObject)
		w.U2(e.pool.AddClass(v.Class))
	case Uninit:
		off, ok := e.sites[v.Site]
		if !ok {
			return errors.Errorf("verify: allocation site of %s is not in the body", v)
		}
		w.U1(itemUninit)
		w.U2(uint16(off))
	default:
		return errors.Errorf("verify: %s cannot appear in a stack map frame", v)
	}
	return nil
}
