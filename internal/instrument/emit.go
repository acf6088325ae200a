package instrument

import (
	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
)

// emitter builds the instruction sequences injected by the passes.
type emitter struct {
	rt     Runtime
	pool   *classfile.Pool
	marker MarkerType
}

func newEmitter(c *classfile.Class, s Settings) *emitter {
	return &emitter{rt: s.Runtime, pool: c.Pool, marker: s.Marker}
}

// debug is a marker that shows up in listings (MarkerConstant) or on the
// console (MarkerStdout) and has no other effect.
func (e *emitter) debug(text string) []bytecode.Insn {
	switch e.marker {
	case MarkerConstant:
		return []bytecode.Insn{
			&bytecode.Ldc{Index: e.pool.AddString(text)},
			&bytecode.Simple{Op: bytecode.OpPop},
		}
	case MarkerStdout:
		return []bytecode.Insn{
			&bytecode.Field{Op: bytecode.OpGetstatic, Ref: classfile.MemberRef{
				Tag: classfile.TagFieldref, Owner: "java/lang/System", Name: "out", Desc: "Ljava/io/PrintStream;",
			}},
			&bytecode.Ldc{Index: e.pool.AddString(text)},
			&bytecode.Method{Op: bytecode.OpInvokevirtual, Ref: classfile.MemberRef{
				Tag: classfile.TagMethodref, Owner: "java/io/PrintStream", Name: "println", Desc: "(Ljava/lang/String;)V",
			}},
		}
	}
	return nil
}

func (e *emitter) load(v Variable) bytecode.Insn {
	return &bytecode.Var{Op: bytecode.OpAload, Slot: v.Index}
}

func (e *emitter) store(v Variable) bytecode.Insn {
	return &bytecode.Var{Op: bytecode.OpAstore, Slot: v.Index}
}

func (e *emitter) placeholder() bytecode.Insn {
	return &bytecode.Field{Op: bytecode.OpGetstatic, Ref: classfile.MemberRef{
		Tag: classfile.TagFieldref, Owner: e.rt.Class, Name: e.rt.Placeholder, Desc: e.rt.Descriptor(),
	}}
}

func (e *emitter) get() bytecode.Insn {
	return &bytecode.Method{Op: bytecode.OpInvokestatic, Ref: classfile.MemberRef{
		Tag: classfile.TagMethodref, Owner: e.rt.Class, Name: e.rt.Get, Desc: "()" + e.rt.Descriptor(),
	}}
}

func (e *emitter) call(name, desc string) bytecode.Insn {
	return &bytecode.Method{Op: bytecode.OpInvokevirtual, Ref: classfile.MemberRef{
		Tag: classfile.TagMethodref, Owner: e.rt.Class, Name: name, Desc: desc,
	}}
}

// onBranch reports one control transfer to the watchdog in v.
func (e *emitter) onBranch(v Variable) []bytecode.Insn {
	return join(
		e.debug("Invoking watchdog branch tracker"),
		[]bytecode.Insn{e.load(v), e.call(e.rt.OnBranch, "()V")},
	)
}

// onInstantiate hands a copy of the array on top of the stack to the
// watchdog in v.
func (e *emitter) onInstantiate(v Variable) []bytecode.Insn {
	return join(
		e.debug("Invoking watchdog instantiation tracker"),
		[]bytecode.Insn{
			&bytecode.Simple{Op: bytecode.OpDup},
			e.load(v),
			&bytecode.Simple{Op: bytecode.OpSwap},
			e.call(e.rt.OnInstantiate, "(Ljava/lang/Object;)V"),
		},
	)
}

// varOp picks the typed form of base (OpIload or OpIstore) for desc.
func varOp(base bytecode.Opcode, desc string) bytecode.Opcode {
	switch desc[0] {
	case 'J':
		return base + 1
	case 'F':
		return base + 2
	case 'D':
		return base + 3
	case 'L', '[':
		return base + 4
	}
	return base
}

// construction wraps the constructor call ctor so that the object it
// initializes is handed to the watchdog in v once the call returns. The
// arguments and the receiver are parked in args and obj while the watchdog
// call's operands are pushed beneath them. A non-nil self suppresses the
// report when the receiver is self, as in a super() call.
func (e *emitter) construction(ctor bytecode.Insn, v, obj Variable, args []Variable, self *Variable) []bytecode.Insn {
	save := e.debug("Saving INVOKESPECIAL <init> args from stack onto LVT")
	for k := len(args) - 1; k >= 0; k-- {
		save = append(save, &bytecode.Var{Op: varOp(bytecode.OpIstore, args[k].Desc), Slot: args[k].Index})
	}
	save = append(save, e.store(obj))

	restore := e.debug("Loading INVOKESPECIAL <init> args onto stack from LVT")
	restore = append(restore, e.load(obj))
	for _, a := range args {
		restore = append(restore, &bytecode.Var{Op: varOp(bytecode.OpIload, a.Desc), Slot: a.Index})
	}

	out := join(
		save,
		e.debug("Pushing args for watchdog instantiation onto stack"),
		[]bytecode.Insn{e.load(v), e.load(obj)},
		restore,
		[]bytecode.Insn{ctor},
	)
	report := e.call(e.rt.OnInstantiate, "(Ljava/lang/Object;)V")
	if self == nil {
		return join(out, e.debug("Invoking watchdog instantiation tracker (object)"), []bytecode.Insn{report})
	}
	other, end := &bytecode.Label{}, &bytecode.Label{}
	return join(
		out,
		e.debug("Checking if INVOKESPECIAL was for owning object"),
		[]bytecode.Insn{
			e.load(*self),
			e.load(obj),
			&bytecode.Jump{Op: bytecode.OpIfAcmpne, Target: other},
		},
		e.debug("TRUE -- popping watchdog instantiation args off stack"),
		[]bytecode.Insn{
			&bytecode.Simple{Op: bytecode.OpPop},
			&bytecode.Simple{Op: bytecode.OpPop},
			&bytecode.Jump{Op: bytecode.OpGoto, Target: end},
			other,
		},
		e.debug("FALSE -- Invoking watchdog instantiation tracker"),
		[]bytecode.Insn{report, end},
	)
}

// entry binds the watchdog slot and reports method entry. A handle passed
// as an argument is used unless it is the placeholder; otherwise the
// current thread's watchdog is fetched.
func (e *emitter) entry(v Variable, origin Origin) []bytecode.Insn {
	fetch := join(
		e.debug("Get watchdog from TLS"),
		[]bytecode.Insn{e.get(), e.store(v)},
	)
	report := join(
		e.debug("Invoking watchdog method entry tracker"),
		[]bytecode.Insn{e.load(v), e.call(e.rt.OnMethodEntry, "()V")},
	)
	if origin == OriginSynthesized {
		return join(fetch, report)
	}
	supplied := &bytecode.Label{}
	return join(
		e.debug("Checking if watchdog placeholder supplied"),
		[]bytecode.Insn{
			e.load(v),
			e.placeholder(),
			&bytecode.Jump{Op: bytecode.OpIfAcmpne, Target: supplied},
		},
		fetch,
		[]bytecode.Insn{supplied},
		report,
	)
}

func join(parts ...[]bytecode.Insn) []bytecode.Insn {
	var out []bytecode.Insn
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
