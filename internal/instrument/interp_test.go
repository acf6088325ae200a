package instrument

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
)

// The machine below runs the small subset of bytecode the fixtures use,
// with a fake watchdog standing in for the runtime library.

var (
	errAborted = errors.New("watchdog: budget exhausted")
	errRunaway = errors.New("machine: step limit reached")
)

const stepLimit = 10000

type fakeWatchdog struct {
	budget   int // on-branch calls allowed before aborting; negative is unlimited
	branches int
	entries  int
	objects  []interface{} // arguments of onInstantiate
}

func (w *fakeWatchdog) onBranch() error {
	w.branches++
	if w.budget >= 0 && w.branches > w.budget {
		return errAborted
	}
	return nil
}

type placeholderValue struct{}

// object is an instance created by new.
type object struct{ class string }

type stdoutValue struct{}

// thrown carries a Java exception through Go call frames.
type thrown struct{ value interface{} }

func (*thrown) Error() string { return "uncaught exception" }

type machine struct {
	t       *testing.T
	rt      Runtime
	class   *classfile.Class
	bodies  map[string]*bytecode.Body
	current *fakeWatchdog // what the runtime's get() returns
	printed []string
	effects []int32
	steps   int
}

func newMachine(t *testing.T, data []byte) *machine {
	t.Helper()
	c, err := classfile.Parse(data)
	require.NoError(t, err)
	m := &machine{t: t, rt: DefaultRuntime(), class: c, bodies: make(map[string]*bytecode.Body)}
	for _, meth := range c.Methods {
		code, ok, err := meth.Code(c.Pool)
		require.NoError(t, err)
		if !ok {
			continue
		}
		b, err := bytecode.Decode(code, c.Pool)
		require.NoError(t, err)
		m.bodies[meth.Name+meth.Descriptor] = b
	}
	return m
}

func (m *machine) invoke(name, desc string, args ...interface{}) (interface{}, error) {
	b, ok := m.bodies[name+desc]
	if !ok {
		return nil, errors.Errorf("no method %s%s", name, desc)
	}
	refs := b.Insns.Refs()
	pos := make(map[*bytecode.Label]int)
	for i, r := range refs {
		if l, ok := b.Insns.Get(r).(*bytecode.Label); ok {
			pos[l] = i
		}
	}
	locals := make([]interface{}, int(b.MaxLocals)+1)
	copy(locals, args)
	var stack []interface{}
	push := func(v interface{}) { stack = append(stack, v) }
	pop := func() interface{} {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popInt := func() int32 { return pop().(int32) }

	for pc := 0; pc < len(refs); {
		m.steps++
		if m.steps > stepLimit {
			return nil, errRunaway
		}
		next := pc + 1
		var err error
		switch i := b.Insns.Get(refs[pc]).(type) {
		case *bytecode.Label, *bytecode.LineNumber:
		case *bytecode.Simple:
			switch op := i.Op; {
			case op == bytecode.OpNop:
			case op >= bytecode.OpIconstM1 && op <= bytecode.OpIconst5:
				push(int32(op) - int32(bytecode.OpIconst0))
			case op == bytecode.OpLconst0 || op == bytecode.OpLconst1:
				push(int64(op - bytecode.OpLconst0))
			case op == bytecode.OpAconstNull:
				push(nil)
			case op == bytecode.OpIadd:
				y, x := popInt(), popInt()
				push(x + y)
			case op == bytecode.OpIsub:
				y, x := popInt(), popInt()
				push(x - y)
			case op == bytecode.OpImul:
				y, x := popInt(), popInt()
				push(x * y)
			case op == bytecode.OpPop:
				pop()
			case op == bytecode.OpDup:
				v := pop()
				push(v)
				push(v)
			case op == bytecode.OpSwap:
				x, y := pop(), pop()
				push(x)
				push(y)
			case op == bytecode.OpIreturn || op == bytecode.OpAreturn:
				return pop(), nil
			case op == bytecode.OpReturn:
				return nil, nil
			case op == bytecode.OpAthrow:
				err = &thrown{value: pop()}
			default:
				m.t.Fatalf("machine: unsupported %s", op)
			}
		case *bytecode.Int:
			if i.Op == bytecode.OpNewarray {
				push(make([]interface{}, popInt()))
			} else {
				push(i.Value)
			}
		case *bytecode.Var:
			switch i.Op {
			case bytecode.OpIload, bytecode.OpLload, bytecode.OpAload:
				push(locals[i.Slot])
			case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpAstore:
				locals[i.Slot] = pop()
			default:
				m.t.Fatalf("machine: unsupported %s", i.Op)
			}
		case *bytecode.Iinc:
			locals[i.Slot] = locals[i.Slot].(int32) + int32(i.Delta)
		case *bytecode.Jump:
			if m.taken(i.Op, pop, popInt) {
				next = pos[i.Target]
			}
		case *bytecode.TableSwitch:
			k := popInt()
			target := i.Default
			if k >= i.Low && k <= i.High {
				target = i.Targets[k-i.Low]
			}
			next = pos[target]
		case *bytecode.LookupSwitch:
			k := popInt()
			target := i.Default
			for n, key := range i.Keys {
				if key == k {
					target = i.Targets[n]
				}
			}
			next = pos[target]
		case *bytecode.Field:
			switch {
			case i.Op == bytecode.OpGetstatic && i.Ref.Owner == m.rt.Class && i.Ref.Name == m.rt.Placeholder:
				push(placeholderValue{})
			case i.Op == bytecode.OpGetstatic && i.Ref.Owner == "java/lang/System" && i.Ref.Name == "out":
				push(stdoutValue{})
			default:
				m.t.Fatalf("machine: unsupported field %s.%s", i.Ref.Owner, i.Ref.Name)
			}
		case *bytecode.Type:
			if i.Op != bytecode.OpNew {
				m.t.Fatalf("machine: unsupported %s", i.Op)
			}
			push(&object{class: i.Class})
		case *bytecode.Ldc:
			s, serr := m.class.Pool.StringValue(i.Index)
			require.NoError(m.t, serr)
			push(s)
		case *bytecode.Method:
			var ret interface{}
			var hasRet bool
			ret, hasRet, err = m.call(i, pop)
			if hasRet {
				push(ret)
			}
		default:
			m.t.Fatalf("machine: unsupported %T", i)
		}

		if err != nil {
			var th *thrown
			if !errors.As(err, &th) {
				return nil, err
			}
			handled := false
			for _, h := range b.Handlers {
				if pc >= pos[h.Start] && pc < pos[h.End] {
					stack = []interface{}{th.value}
					next = pos[h.Handler]
					handled = true
					break
				}
			}
			if !handled {
				return nil, err
			}
		}
		pc = next
	}
	return nil, errors.New("machine: fell off the end of the method")
}

func (m *machine) taken(op bytecode.Opcode, pop func() interface{}, popInt func() int32) bool {
	switch op {
	case bytecode.OpGoto, bytecode.OpGotoW:
		return true
	case bytecode.OpIfeq:
		return popInt() == 0
	case bytecode.OpIfne:
		return popInt() != 0
	case bytecode.OpIflt:
		return popInt() < 0
	case bytecode.OpIfge:
		return popInt() >= 0
	case bytecode.OpIfgt:
		return popInt() > 0
	case bytecode.OpIfle:
		return popInt() <= 0
	case bytecode.OpIfIcmplt:
		y, x := popInt(), popInt()
		return x < y
	case bytecode.OpIfIcmpge:
		y, x := popInt(), popInt()
		return x >= y
	case bytecode.OpIfAcmpeq:
		y, x := pop(), pop()
		return x == y
	case bytecode.OpIfAcmpne:
		y, x := pop(), pop()
		return x != y
	case bytecode.OpIfnull:
		return pop() == nil
	case bytecode.OpIfnonnull:
		return pop() != nil
	}
	m.t.Fatalf("machine: unsupported %s", op)
	return false
}

func (m *machine) call(i *bytecode.Method, pop func() interface{}) (interface{}, bool, error) {
	ref := i.Ref
	switch {
	case ref.Owner == m.rt.Class:
		switch ref.Name {
		case m.rt.Get:
			return m.current, true, nil
		case m.rt.OnBranch:
			return nil, false, m.watchdog(pop()).onBranch()
		case m.rt.OnMethodEntry:
			m.watchdog(pop()).entries++
			return nil, false, nil
		case m.rt.OnInstantiate:
			obj := pop()
			w := m.watchdog(pop())
			w.objects = append(w.objects, obj)
			return nil, false, nil
		}
	case ref.Owner == "java/io/PrintStream" && ref.Name == "println":
		m.printed = append(m.printed, pop().(string))
		pop()
		return nil, false, nil
	case ref.Owner == "app/Sink" && ref.Name == "record":
		m.effects = append(m.effects, pop().(int32))
		return nil, false, nil
	case ref.Name == "<init>" && i.Op == bytecode.OpInvokespecial:
		// Constructors only consume their arguments and receiver.
		mt, err := classfile.ParseMethodDescriptor(ref.Desc)
		require.NoError(m.t, err)
		for range mt.Params {
			pop()
		}
		pop()
		return nil, false, nil
	case ref.Owner == m.class.Name && i.Op == bytecode.OpInvokestatic:
		mt, err := classfile.ParseMethodDescriptor(ref.Desc)
		require.NoError(m.t, err)
		args := make([]interface{}, len(mt.Params))
		for k := len(args) - 1; k >= 0; k-- {
			args[k] = pop()
		}
		ret, err := m.invoke(ref.Name, ref.Desc, args...)
		return ret, mt.Return != "V", err
	}
	m.t.Fatalf("machine: unsupported call %s.%s%s", ref.Owner, ref.Name, ref.Desc)
	return nil, false, nil
}

func (m *machine) watchdog(v interface{}) *fakeWatchdog {
	w, ok := v.(*fakeWatchdog)
	if !ok {
		m.t.Fatalf("machine: watchdog call on %T", v)
	}
	return w
}
