package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
	"loopguard/internal/verify"
)

const (
	wdDesc    = "Ldev/loopguard/Watchdog;"
	watchDesc = "Ldev/loopguard/Watch;"
	fixture   = "app/Loops"
)

var testTypes = hierarchy.Chain{
	hierarchy.Map{
		"dev/loopguard/Watchdog": {Name: "dev/loopguard/Watchdog", Super: hierarchy.Object},
		"app/Sink":               {Name: "app/Sink", Super: hierarchy.Object},
	},
	hierarchy.Bootstrap,
}

func newInstrumenter() *Instrumenter { return New(WithProvider(testTypes)) }

func newClass() *classfile.Class { return classfile.New(fixture, hierarchy.Object, 52) }

// method describes a fixture method. Max stack and locals are computed.
type method struct {
	access   uint16
	name     string
	desc     string
	handlers []bytecode.Handler
	insns    []bytecode.Insn
}

func addMethod(t *testing.T, c *classfile.Class, m method) *classfile.Member {
	t.Helper()
	if m.access == 0 {
		m.access = classfile.AccPublic | classfile.AccStatic
	}
	b := bytecode.NewBody(c.Pool)
	b.Insns.Append(m.insns...)
	b.Handlers = m.handlers
	require.NoError(t, b.Layout())
	res, err := verify.Analyze(verify.Method{
		Owner:  c.Name,
		Name:   m.name,
		Desc:   m.desc,
		Static: m.access&classfile.AccStatic != 0,
		Body:   b,
	}, testTypes)
	require.NoError(t, err)
	b.MaxStack, b.MaxLocals = res.MaxStack, res.MaxLocals
	code, err := b.Encode()
	require.NoError(t, err)
	data, err := code.Bytes(c.Pool)
	require.NoError(t, err)
	member := c.AddMethod(m.access, m.name, m.desc)
	member.SetAttribute("Code", data)
	return member
}

// addUnchecked adds m with the given maximums and no type check, for
// bodies the verifier rejects.
func addUnchecked(t *testing.T, c *classfile.Class, m method, maxStack, maxLocals uint16) *classfile.Member {
	t.Helper()
	if m.access == 0 {
		m.access = classfile.AccPublic | classfile.AccStatic
	}
	b := bytecode.NewBody(c.Pool)
	b.Insns.Append(m.insns...)
	b.Handlers = m.handlers
	b.MaxStack, b.MaxLocals = maxStack, maxLocals
	code, err := b.Encode()
	require.NoError(t, err)
	data, err := code.Bytes(c.Pool)
	require.NoError(t, err)
	member := c.AddMethod(m.access, m.name, m.desc)
	member.SetAttribute("Code", data)
	return member
}

func annotation(pool *classfile.Pool, desc string) classfile.Attribute {
	var w classfile.Writer
	w.U2(1)
	w.U2(pool.AddUtf8(desc))
	w.U2(0)
	return classfile.Attribute{Name: "RuntimeVisibleAnnotations", Data: w.Bytes()}
}

func classBytes(t *testing.T, c *classfile.Class) []byte {
	t.Helper()
	data, err := c.Bytes()
	require.NoError(t, err)
	return data
}

func op(o bytecode.Opcode) bytecode.Insn { return &bytecode.Simple{Op: o} }

func jump(o bytecode.Opcode, l *bytecode.Label) bytecode.Insn {
	return &bytecode.Jump{Op: o, Target: l}
}

func load(o bytecode.Opcode, slot uint16) bytecode.Insn {
	return &bytecode.Var{Op: o, Slot: slot}
}

func record() bytecode.Insn {
	return &bytecode.Method{Op: bytecode.OpInvokestatic, Ref: classfile.MemberRef{
		Tag: classfile.TagMethodref, Owner: "app/Sink", Name: "record", Desc: "(I)V",
	}}
}

func invokeStatic(name, desc string) bytecode.Insn {
	return &bytecode.Method{Op: bytecode.OpInvokestatic, Ref: classfile.MemberRef{
		Tag: classfile.TagMethodref, Owner: fixture, Name: name, Desc: desc,
	}}
}

func placeholderRead() bytecode.Insn {
	return &bytecode.Field{Op: bytecode.OpGetstatic, Ref: classfile.MemberRef{
		Tag: classfile.TagFieldref, Owner: "dev/loopguard/Watchdog", Name: "PLACEHOLDER", Desc: wdDesc,
	}}
}

// spin: for (;;) {}
func spin() method {
	top := &bytecode.Label{}
	return method{name: "spin", desc: "(" + wdDesc + ")V", insns: []bytecode.Insn{
		top,
		jump(bytecode.OpGoto, top),
	}}
}

// countdown: while (n > 0) { Sink.record(n); n--; } return n;
func countdown() method {
	top, exit := &bytecode.Label{}, &bytecode.Label{}
	return method{name: "countdown", desc: "(I" + wdDesc + ")I", insns: []bytecode.Insn{
		top,
		load(bytecode.OpIload, 0),
		jump(bytecode.OpIfle, exit),
		load(bytecode.OpIload, 0),
		record(),
		&bytecode.Iinc{Slot: 0, Delta: -1},
		jump(bytecode.OpGoto, top),
		exit,
		load(bytecode.OpIload, 0),
		op(bytecode.OpIreturn),
	}}
}

// dispatch: switch (n) { case 0: return 10; case 1: return 11; default: return 12; }
func dispatch() method {
	zero, one, other := &bytecode.Label{}, &bytecode.Label{}, &bytecode.Label{}
	return method{name: "dispatch", desc: "(I" + wdDesc + ")I", insns: []bytecode.Insn{
		load(bytecode.OpIload, 0),
		&bytecode.TableSwitch{Low: 0, High: 1, Default: other, Targets: []*bytecode.Label{zero, one}},
		zero,
		&bytecode.Int{Op: bytecode.OpBipush, Value: 10},
		op(bytecode.OpIreturn),
		one,
		&bytecode.Int{Op: bytecode.OpBipush, Value: 11},
		op(bytecode.OpIreturn),
		other,
		&bytecode.Int{Op: bytecode.OpBipush, Value: 12},
		op(bytecode.OpIreturn),
	}}
}

// climb: while (true) { switch (n) { case 5: return; default: n++; } }
func climb() method {
	top, exit, body := &bytecode.Label{}, &bytecode.Label{}, &bytecode.Label{}
	return method{name: "climb", desc: "(I" + wdDesc + ")V", insns: []bytecode.Insn{
		top,
		load(bytecode.OpIload, 0),
		&bytecode.LookupSwitch{Default: body, Keys: []int32{5}, Targets: []*bytecode.Label{exit}},
		body,
		&bytecode.Iinc{Slot: 0, Delta: 1},
		jump(bytecode.OpGoto, top),
		exit,
		op(bytecode.OpReturn),
	}}
}

// fact: return n > 0 ? n * fact(n - 1, w) : 1;
func fact() method {
	desc := "(I" + wdDesc + ")I"
	rec := &bytecode.Label{}
	return method{name: "fact", desc: desc, insns: []bytecode.Insn{
		load(bytecode.OpIload, 0),
		jump(bytecode.OpIfgt, rec),
		op(bytecode.OpIconst1),
		op(bytecode.OpIreturn),
		rec,
		load(bytecode.OpIload, 0),
		load(bytecode.OpIload, 0),
		op(bytecode.OpIconst1),
		op(bytecode.OpIsub),
		load(bytecode.OpAload, 1),
		invokeStatic("fact", desc),
		op(bytecode.OpImul),
		op(bytecode.OpIreturn),
	}}
}

// drain has no watchdog parameter: while (n > 0) n--; return n;
func drain() method {
	top, exit := &bytecode.Label{}, &bytecode.Label{}
	return method{name: "drain", desc: "(I)I", insns: []bytecode.Insn{
		top,
		load(bytecode.OpIload, 0),
		jump(bytecode.OpIfle, exit),
		&bytecode.Iinc{Slot: 0, Delta: -1},
		jump(bytecode.OpGoto, top),
		exit,
		load(bytecode.OpIload, 0),
		op(bytecode.OpIreturn),
	}}
}

// delegate passes the placeholder on: spin(Watchdog.PLACEHOLDER)
func delegate() method {
	return method{name: "delegate", desc: "(" + wdDesc + ")V", insns: []bytecode.Insn{
		placeholderRead(),
		invokeStatic("spin", "("+wdDesc+")V"),
		op(bytecode.OpReturn),
	}}
}

// retry loops only through an exception handler:
//
//	goto try
//	handler: pop; Sink.record(n); n++
//	try: throw null   (covered by handler)
func retry() method {
	try, end, handler := &bytecode.Label{}, &bytecode.Label{}, &bytecode.Label{}
	return method{
		name: "retry",
		desc: "(I" + wdDesc + ")V",
		handlers: []bytecode.Handler{
			{Start: try, End: end, Handler: handler, Type: "java/lang/Throwable"},
		},
		insns: []bytecode.Insn{
			jump(bytecode.OpGoto, try),
			handler,
			op(bytecode.OpPop),
			load(bytecode.OpIload, 0),
			record(),
			&bytecode.Iinc{Slot: 0, Delta: 1},
			try,
			op(bytecode.OpAconstNull),
			op(bytecode.OpAthrow),
			end,
		},
	}
}

// alloc: return new int[n];
func alloc() method {
	return method{name: "alloc", desc: "(I" + wdDesc + ")[I", insns: []bytecode.Insn{
		load(bytecode.OpIload, 0),
		&bytecode.Int{Op: bytecode.OpNewarray, Value: bytecode.TInt},
		op(bytecode.OpAreturn),
	}}
}

// widen takes a long so a synthetic slot must start past both of its words.
func widen() method {
	return method{name: "widen", desc: "(JI)I", insns: []bytecode.Insn{
		load(bytecode.OpIload, 2),
		op(bytecode.OpIreturn),
	}}
}

func constructor() method {
	return method{access: classfile.AccPublic, name: "<init>", desc: "()V", insns: []bytecode.Insn{
		load(bytecode.OpAload, 0),
		&bytecode.Method{Op: bytecode.OpInvokespecial, Ref: classfile.MemberRef{
			Tag: classfile.TagMethodref, Owner: hierarchy.Object, Name: "<init>", Desc: "()V",
		}},
		op(bytecode.OpReturn),
	}}
}

func newSink(desc string) bytecode.Insn {
	return &bytecode.Method{Op: bytecode.OpInvokespecial, Ref: classfile.MemberRef{
		Tag: classfile.TagMethodref, Owner: "app/Sink", Name: "<init>", Desc: desc,
	}}
}

// build: return new Sink(1L, n);
func build() method {
	return method{name: "build", desc: "(I" + wdDesc + ")Lapp/Sink;", insns: []bytecode.Insn{
		&bytecode.Type{Op: bytecode.OpNew, Class: "app/Sink"},
		op(bytecode.OpDup),
		op(bytecode.OpLconst1),
		load(bytecode.OpIload, 0),
		newSink("(JI)V"),
		op(bytecode.OpAreturn),
	}}
}

// owner: Loops() { super(); new Sink(); }
func owner() method {
	return method{access: classfile.AccPublic, name: "<init>", desc: "()V", insns: []bytecode.Insn{
		load(bytecode.OpAload, 0),
		&bytecode.Method{Op: bytecode.OpInvokespecial, Ref: classfile.MemberRef{
			Tag: classfile.TagMethodref, Owner: hierarchy.Object, Name: "<init>", Desc: "()V",
		}},
		&bytecode.Type{Op: bytecode.OpNew, Class: "app/Sink"},
		op(bytecode.OpDup),
		newSink("()V"),
		op(bytecode.OpPop),
		op(bytecode.OpReturn),
	}}
}

// loopsClass holds every loop shape that takes the watchdog as a parameter.
func loopsClass(t *testing.T) []byte {
	t.Helper()
	c := newClass()
	for _, m := range []method{spin(), countdown(), dispatch(), climb(), fact(), delegate(), retry(), alloc()} {
		addMethod(t, c, m)
	}
	return classBytes(t, c)
}
