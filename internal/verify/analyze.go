package verify

import (
	"fmt"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
)

// ErrVerify is matched by every type-check failure.
var ErrVerify = errors.New("verify: type check failed")

// Error locates a type-check failure. Index is the instruction's position
// in the body listing produced by bytecode.Format.
type Error struct {
	Index int
	Ref   bytecode.Ref
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("verify: instruction %d: %v", e.Index, e.Err)
}

// Unwrap exposes the cause, such as a hierarchy.NotFoundError from a merge.
func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrVerify.
func (e *Error) Is(target error) bool { return target == ErrVerify }

// Method describes the body under analysis.
type Method struct {
	Owner  string // declaring class
	Name   string
	Desc   string
	Static bool
	Body   *bytecode.Body
}

// Frame is the type state before an instruction. Locals has one entry per
// slot; the slot after a long or double holds Top.
type Frame struct {
	Locals []Value
	Stack  []Value
}

func (f *Frame) clone() *Frame {
	return &Frame{
		Locals: append([]Value(nil), f.Locals...),
		Stack:  append([]Value(nil), f.Stack...),
	}
}

func (f *Frame) words() int {
	n := 0
	for _, v := range f.Stack {
		n += v.Size()
	}
	return n
}

// Span is a run of unreachable instructions, both ends inclusive.
type Span struct {
	First, Last bytecode.Ref
}

// Result is the outcome of Analyze.
type Result struct {
	MaxStack  uint16
	MaxLocals uint16
	// HasJSR is set for bodies using subroutines, which cannot carry
	// stack map frames.
	HasJSR bool
	Dead   []Span

	entry  *Frame
	in     map[bytecode.Ref]*Frame
	needed map[bytecode.Ref]bool
	dead   []deadBlock
}

// FrameAt returns the inferred state before a reachable instruction.
func (r *Result) FrameAt(ref bytecode.Ref) (*Frame, bool) {
	f, ok := r.in[ref]
	return f, ok
}

type handlerEdge struct {
	target int
	catch  Value
}

type analyzer struct {
	m        Method
	body     *bytecode.Body
	pool     *classfile.Pool
	resolve  hierarchy.Provider
	checkRef bool
	strict   bool
	lenient  bool // jsr present; local types are not tracked precisely

	refs     []bytecode.Ref
	insns    []bytecode.Insn
	pos      []int
	at       map[*bytecode.Label]int
	handlers [][]handlerEdge

	in       []*Frame
	needed   []bool
	queued   []bool
	work     []int
	ret      string
	maxStack int
	nlocals  int
}

// Analyze infers frames for m and computes its maximum stack depth and
// local count. Local slots beyond the declared maximum are allowed. A nil
// provider merges unrelated classes to java/lang/Object and skips
// assignability checks.
func Analyze(m Method, p hierarchy.Provider) (*Result, error) {
	return run(m, p, false)
}

// Verify type-checks m against its declared maximums.
func Verify(m Method, p hierarchy.Provider) error {
	_, err := run(m, p, true)
	return err
}

func run(m Method, p hierarchy.Provider, strict bool) (*Result, error) {
	a := &analyzer{
		m:        m,
		body:     m.Body,
		pool:     m.Body.Pool(),
		resolve:  p,
		checkRef: p != nil,
		strict:   strict,
		at:       make(map[*bytecode.Label]int),
	}
	if p == nil {
		a.resolve = permissive{}
	}
	if err := a.index(); err != nil {
		return nil, err
	}
	entry, err := a.entryFrame()
	if err != nil {
		return nil, err
	}
	if len(a.insns) == 0 {
		return nil, errors.Wrap(ErrVerify, "empty method body")
	}
	a.in[0] = entry.clone()
	a.push(0)
	for len(a.work) > 0 {
		i := a.work[len(a.work)-1]
		a.work = a.work[:len(a.work)-1]
		a.queued[i] = false
		if err := a.step(i); err != nil {
			return nil, a.fail(i, err)
		}
	}
	return a.result(entry), nil
}

func (a *analyzer) fail(i int, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Index: a.pos[i], Ref: a.refs[i], Err: err}
}

// index collects the real instructions, resolves labels to instruction
// indices and attaches exception handlers to the instructions they cover.
func (a *analyzer) index() error {
	s := a.body.Insns
	var pending []*bytecode.Label
	for k, r := range s.Refs() {
		insn := s.Get(r)
		if l, ok := insn.(*bytecode.Label); ok {
			pending = append(pending, l)
			continue
		}
		if bytecode.IsPseudo(insn) {
			continue
		}
		for _, l := range pending {
			a.at[l] = len(a.insns)
		}
		pending = pending[:0]
		a.refs = append(a.refs, r)
		a.insns = append(a.insns, insn)
		a.pos = append(a.pos, k)
		switch i := insn.(type) {
		case *bytecode.Jump:
			if i.Op == bytecode.OpJsr || i.Op == bytecode.OpJsrW {
				a.lenient = true
			}
		case *bytecode.Var:
			if i.Op == bytecode.OpRet {
				a.lenient = true
			}
		}
	}
	for _, l := range pending {
		a.at[l] = len(a.insns)
	}

	n := len(a.insns)
	a.in = make([]*Frame, n)
	a.needed = make([]bool, n)
	a.queued = make([]bool, n)
	a.handlers = make([][]handlerEdge, n)
	for _, h := range a.body.Handlers {
		start, ok1 := a.at[h.Start]
		end, ok2 := a.at[h.End]
		target, ok3 := a.at[h.Handler]
		if !ok1 || !ok2 || !ok3 {
			return errors.Wrap(ErrVerify, "exception handler label is not in the body")
		}
		if target >= n {
			return errors.Wrap(ErrVerify, "exception handler at end of code")
		}
		catch := ObjectValue("java/lang/Throwable")
		if h.Type != "" {
			catch = ObjectValue(h.Type)
		}
		for i := start; i < end; i++ {
			a.handlers[i] = append(a.handlers[i], handlerEdge{target: target, catch: catch})
		}
	}
	return nil
}

func (a *analyzer) entryFrame() (*Frame, error) {
	mt, err := classfile.ParseMethodDescriptor(a.m.Desc)
	if err != nil {
		return nil, err
	}
	a.ret = mt.Return
	args := mt.ArgSlots(a.m.Static)
	a.nlocals = int(a.body.MaxLocals)
	if a.strict {
		if args > a.nlocals {
			return nil, errors.Wrapf(ErrVerify, "arguments need %d locals, max locals is %d", args, a.nlocals)
		}
	} else {
		a.nlocals = max(a.nlocals, args, a.highestSlot())
	}

	f := &Frame{Locals: make([]Value, a.nlocals)}
	k := 0
	if !a.m.Static {
		this := ObjectValue(a.m.Owner)
		if a.m.Name == "<init>" && a.m.Owner != hierarchy.Object {
			this = Value{Kind: UninitThis}
		}
		f.Locals[0] = this
		k = 1
	}
	for _, p := range mt.Params {
		f.Locals[k] = FromDescriptor(p)
		k += classfile.SlotSize(p)
	}
	return f, nil
}

// highestSlot returns one past the last local slot any instruction touches.
func (a *analyzer) highestSlot() int {
	n := 0
	for _, insn := range a.insns {
		switch i := insn.(type) {
		case *bytecode.Var:
			w := 1
			switch i.Op {
			case bytecode.OpLload, bytecode.OpDload, bytecode.OpLstore, bytecode.OpDstore:
				w = 2
			}
			n = max(n, int(i.Slot)+w)
		case *bytecode.Iinc:
			n = max(n, int(i.Slot)+1)
		}
	}
	return n
}

func (a *analyzer) push(i int) {
	if !a.queued[i] {
		a.queued[i] = true
		a.work = append(a.work, i)
	}
}

func (a *analyzer) result(entry *Frame) *Result {
	r := &Result{
		MaxStack:  uint16(a.maxStack),
		MaxLocals: uint16(a.nlocals),
		HasJSR:    a.lenient,
		entry:     entry,
		in:        make(map[bytecode.Ref]*Frame),
		needed:    make(map[bytecode.Ref]bool),
	}
	for i, f := range a.in {
		if f == nil {
			if n := len(r.Dead); n > 0 && r.Dead[n-1].Last == a.refs[i-1] {
				r.Dead[n-1].Last = a.refs[i]
			} else {
				r.Dead = append(r.Dead, Span{First: a.refs[i], Last: a.refs[i]})
			}
			continue
		}
		r.in[a.refs[i]] = f
		if a.needed[i] {
			r.needed[a.refs[i]] = true
		}
	}
	return r
}

// step interprets instruction i and propagates its output to successors.
func (a *analyzer) step(i int) error {
	before := a.in[i]
	f := before.clone()
	insn := a.insns[i]
	if err := a.exec(f, insn); err != nil {
		return err
	}

	for _, h := range a.handlers[i] {
		for _, locals := range [][]Value{before.Locals, f.Locals} {
			hf := &Frame{Locals: append([]Value(nil), locals...), Stack: []Value{h.catch}}
			if err := a.flow(i, h.target, hf, true); err != nil {
				return err
			}
		}
	}

	switch j := insn.(type) {
	case *bytecode.Jump:
		if j.Op == bytecode.OpJsr || j.Op == bytecode.OpJsrW {
			sub := f.clone()
			if err := a.pushValue(sub, Value{Kind: ReturnAddress}); err != nil {
				return err
			}
			if err := a.flowLabel(i, j.Target, sub); err != nil {
				return err
			}
			return a.flow(i, i+1, f, false)
		}
		if err := a.flowLabel(i, j.Target, f); err != nil {
			return err
		}
		if j.Op.IsConditional() {
			return a.flow(i, i+1, f, false)
		}
		return nil
	case *bytecode.TableSwitch, *bytecode.LookupSwitch:
		for _, l := range bytecode.Targets(insn) {
			if err := a.flowLabel(i, l, f); err != nil {
				return err
			}
		}
		return nil
	}
	if insn.Opcode().FallsThrough() {
		return a.flow(i, i+1, f, false)
	}
	return nil
}

func (a *analyzer) flowLabel(from int, l *bytecode.Label, f *Frame) error {
	to, ok := a.at[l]
	if !ok {
		return errors.New("branch to a label outside the body")
	}
	return a.flow(from, to, f, true)
}

// flow merges f into the entry state of instruction to. Targets of jumps
// and handlers need an explicit frame in the stack map.
func (a *analyzer) flow(from, to int, f *Frame, target bool) error {
	if to >= len(a.insns) {
		return errors.New("execution falls off the end of the code")
	}
	if target {
		a.needed[to] = true
	}
	cur := a.in[to]
	if cur == nil {
		a.in[to] = f.clone()
		a.push(to)
		return nil
	}
	changed, err := a.merge(cur, f)
	if err != nil {
		return errors.Wrapf(err, "merging into instruction %d", a.pos[to])
	}
	if changed {
		a.push(to)
	}
	return nil
}

func (a *analyzer) merge(dst, src *Frame) (bool, error) {
	if len(dst.Stack) != len(src.Stack) {
		return false, errors.Errorf("stack height mismatch: %d vs %d", len(dst.Stack), len(src.Stack))
	}
	changed := false
	for k := range dst.Stack {
		v, err := a.mergeValue(dst.Stack[k], src.Stack[k])
		if err != nil {
			return false, err
		}
		if v.Kind == Top && dst.Stack[k].Kind != Top {
			return false, errors.Errorf("incompatible stack values %s and %s", dst.Stack[k], src.Stack[k])
		}
		if v != dst.Stack[k] {
			dst.Stack[k] = v
			changed = true
		}
	}
	for k := range dst.Locals {
		v, err := a.mergeValue(dst.Locals[k], src.Locals[k])
		if err != nil {
			return false, err
		}
		if v != dst.Locals[k] {
			dst.Locals[k] = v
			changed = true
		}
	}
	return changed, nil
}

// mergeValue joins two types: equal types are kept, references meet at
// their common superclass, anything else becomes Top.
func (a *analyzer) mergeValue(x, y Value) (Value, error) {
	if x == y {
		return x, nil
	}
	if x.Kind == Null && y.Kind == Object {
		return y, nil
	}
	if y.Kind == Null && x.Kind == Object {
		return x, nil
	}
	if x.Kind == Object && y.Kind == Object {
		name, err := hierarchy.CommonSuperclass(a.resolve, x.Class, y.Class)
		if err != nil {
			return Value{}, err
		}
		return ObjectValue(name), nil
	}
	return topValue, nil
}
