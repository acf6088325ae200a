package instrument

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
	"loopguard/internal/verify"
)

func instrumentLoops(t *testing.T, settings Settings) *machine {
	t.Helper()
	res, err := newInstrumenter().Instrument(loopsClass(t), settings)
	require.NoError(t, err)
	require.True(t, res.Instrumented)
	return newMachine(t, res.Class)
}

func TestTightLoopCallsWatchdogBeforeLooping(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	w := &fakeWatchdog{budget: 0}
	m.current = w

	_, err := m.invoke("spin", "("+wdDesc+")V", placeholderValue{})
	require.ErrorIs(t, err, errAborted)
	assert.Equal(t, 1, w.entries)
	assert.Equal(t, 1, w.branches)
}

func TestSuppliedWatchdogIsUsed(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	ambient := &fakeWatchdog{budget: -1}
	supplied := &fakeWatchdog{budget: 0}
	m.current = ambient

	_, err := m.invoke("spin", "("+wdDesc+")V", supplied)
	require.ErrorIs(t, err, errAborted)
	assert.Equal(t, 1, supplied.branches)
	assert.Zero(t, ambient.entries)
	assert.Zero(t, ambient.branches)
}

func TestEveryIterationPassesABranchCall(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	w := &fakeWatchdog{budget: -1}
	m.current = w

	got, err := m.invoke("countdown", "(I"+wdDesc+")I", int32(3), placeholderValue{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)
	assert.Equal(t, []int32{3, 2, 1}, m.effects)
	assert.Equal(t, 7, w.branches) // ifle and goto per iteration plus the final ifle
	assert.Equal(t, 1, w.entries)
}

func TestBudgetStopsLoopMidway(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	m.current = &fakeWatchdog{budget: 2}

	_, err := m.invoke("countdown", "(I"+wdDesc+")I", int32(3), placeholderValue{})
	require.ErrorIs(t, err, errAborted)
	assert.Equal(t, []int32{3}, m.effects)
}

func TestZeroBudgetAbortsBeforeSideEffects(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	m.current = &fakeWatchdog{budget: 0}

	_, err := m.invoke("countdown", "(I"+wdDesc+")I", int32(3), placeholderValue{})
	require.ErrorIs(t, err, errAborted)
	assert.Empty(t, m.effects)
}

func TestSwitches(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	w := &fakeWatchdog{budget: -1}

	for k, want := range map[int32]int32{0: 10, 1: 11, 7: 12} {
		got, err := m.invoke("dispatch", "(I"+wdDesc+")I", k, w)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, w.branches)
	assert.Equal(t, 3, w.entries)

	w = &fakeWatchdog{budget: -1}
	_, err := m.invoke("climb", "(I"+wdDesc+")V", int32(3), w)
	require.NoError(t, err)
	assert.Equal(t, 5, w.branches) // switch, goto, switch, goto, switch
}

func TestRecursionReportsEachEntry(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	w := &fakeWatchdog{budget: -1}
	m.current = w

	got, err := m.invoke("fact", "(I"+wdDesc+")I", int32(3), placeholderValue{})
	require.NoError(t, err)
	assert.Equal(t, int32(6), got)
	assert.Equal(t, 4, w.entries)
	assert.Equal(t, 4, w.branches)
}

func TestPlaceholderReadsBecomeWatchdogLoads(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	ambient := &fakeWatchdog{budget: -1}
	supplied := &fakeWatchdog{budget: 0}
	m.current = ambient

	_, err := m.invoke("delegate", "("+wdDesc+")V", supplied)
	require.ErrorIs(t, err, errAborted)
	assert.Equal(t, 2, supplied.entries)
	assert.Equal(t, 1, supplied.branches)
	assert.Zero(t, ambient.entries)

	for _, insn := range m.bodies["delegate("+wdDesc+")V"].Insns.Insns() {
		if f, ok := insn.(*bytecode.Field); ok {
			// Only the entry check may still read the placeholder.
			assert.Equal(t, "PLACEHOLDER", f.Ref.Name)
		}
	}
}

func TestExceptionLoopGapIsPreservedByDefault(t *testing.T) {
	m := instrumentLoops(t, DefaultSettings())
	w := &fakeWatchdog{budget: 1}

	_, err := m.invoke("retry", "(I"+wdDesc+")V", int32(0), w)
	require.ErrorIs(t, err, errRunaway)
	assert.Equal(t, 1, w.branches)
	assert.NotEmpty(t, m.effects)
}

func TestHandlerEntriesCloseExceptionLoops(t *testing.T) {
	settings := DefaultSettings()
	settings.HandlerEntries = true
	m := instrumentLoops(t, settings)
	w := &fakeWatchdog{budget: 3}

	_, err := m.invoke("retry", "(I"+wdDesc+")V", int32(0), w)
	require.ErrorIs(t, err, errAborted)
	assert.Equal(t, 4, w.branches)
	assert.Equal(t, []int32{0, 1}, m.effects)
}

func TestLoopModeCountsBackEdgesOnly(t *testing.T) {
	settings := DefaultSettings()
	settings.Branches = BranchLoops
	m := instrumentLoops(t, settings)

	w := &fakeWatchdog{budget: -1}
	_, err := m.invoke("countdown", "(I"+wdDesc+")I", int32(3), w)
	require.NoError(t, err)
	assert.Equal(t, 3, w.branches)

	w = &fakeWatchdog{budget: -1}
	_, err = m.invoke("dispatch", "(I"+wdDesc+")I", int32(1), w)
	require.NoError(t, err)
	assert.Zero(t, w.branches)

	w = &fakeWatchdog{budget: 0}
	_, err = m.invoke("spin", "("+wdDesc+")V", w)
	require.ErrorIs(t, err, errAborted)
}

func TestTrackArrays(t *testing.T) {
	settings := DefaultSettings()
	settings.TrackArrays = true
	m := instrumentLoops(t, settings)
	w := &fakeWatchdog{budget: -1}

	got, err := m.invoke("alloc", "(I"+wdDesc+")[I", int32(4), w)
	require.NoError(t, err)
	require.Len(t, w.objects, 1)
	assert.Len(t, got, 4)
	assert.Len(t, w.objects[0], 4)
}

func TestTrackObjects(t *testing.T) {
	c := newClass()
	addMethod(t, c, build())
	addMethod(t, c, owner())
	c.Attributes = append(c.Attributes, annotation(c.Pool, watchDesc))
	settings := DefaultSettings()
	settings.TrackObjects = true
	settings.Marker = MarkerConstant
	res, err := newInstrumenter().Instrument(classBytes(t, c), settings)
	require.NoError(t, err)
	m := newMachine(t, res.Class)

	w := &fakeWatchdog{budget: -1}
	got, err := m.invoke("build", "(I"+wdDesc+")Lapp/Sink;", int32(7), w)
	require.NoError(t, err)
	require.Len(t, w.objects, 1)
	assert.Same(t, got, w.objects[0])
	assert.Equal(t, &object{class: "app/Sink"}, got)

	// The super() call initializes the receiver itself and is not reported.
	this := &object{class: fixture}
	w = &fakeWatchdog{budget: -1}
	m.current = w
	_, err = m.invoke("<init>", "()V", this)
	require.NoError(t, err)
	require.Len(t, w.objects, 1)
	assert.NotSame(t, this, w.objects[0])
	assert.Equal(t, &object{class: "app/Sink"}, w.objects[0])
	assert.Zero(t, w.branches, "the receiver check is not a reported branch")

	out, err := classfile.Parse(res.Class)
	require.NoError(t, err)
	for _, meth := range out.Methods {
		code, ok, err := meth.Code(out.Pool)
		require.NoError(t, err)
		require.True(t, ok)
		b, err := bytecode.Decode(code, out.Pool)
		require.NoError(t, err)
		err = verify.Verify(verify.Method{
			Owner: out.Name, Name: meth.Name, Desc: meth.Descriptor, Static: meth.IsStatic(), Body: b,
		}, testTypes)
		assert.NoError(t, err, "%s%s", meth.Name, meth.Descriptor)
	}
	listing := bytecode.Format(m.bodies["<init>()V"], bytecode.ConstAnnotator(m.class.Pool))
	assert.Contains(t, listing, "Checking if INVOKESPECIAL was for owning object")
}

func TestOptInMethodFetchesWatchdogOnEntry(t *testing.T) {
	c := newClass()
	member := addMethod(t, c, drain())
	member.Attributes = append(member.Attributes, annotation(c.Pool, watchDesc))
	res, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.NoError(t, err)

	m := newMachine(t, res.Class)
	body := m.bodies["drain(I)I"]
	insns := body.Insns.Insns()
	require.GreaterOrEqual(t, len(insns), 2)
	get, ok := insns[0].(*bytecode.Method)
	require.True(t, ok)
	assert.Equal(t, bytecode.OpInvokestatic, get.Op)
	assert.Equal(t, "get", get.Ref.Name)
	assert.Equal(t, &bytecode.Var{Op: bytecode.OpAstore, Slot: 1}, insns[1])
	for _, insn := range insns {
		_, isField := insn.(*bytecode.Field)
		assert.False(t, isField, "synthesized handles never test the placeholder")
	}

	w := &fakeWatchdog{budget: -1}
	m.current = w
	got, err := m.invoke("drain", "(I)I", int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)
	assert.Equal(t, 1, w.entries)
	assert.Equal(t, 5, w.branches)
}

func TestClassOptInSelectsEveryConcreteMethod(t *testing.T) {
	c := newClass()
	addMethod(t, c, constructor())
	addMethod(t, c, drain())
	c.Attributes = append(c.Attributes, annotation(c.Pool, watchDesc))
	res, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.NoError(t, err)

	m := newMachine(t, res.Class)
	w := &fakeWatchdog{budget: -1}
	m.current = w
	_, err = m.invoke("<init>", "()V", struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 1, w.entries)
}

func TestUnselectedMethodsAreByteIdentical(t *testing.T) {
	c := newClass()
	plain := addMethod(t, c, drain())
	before, _ := plain.Attribute("Code")
	want := append([]byte(nil), before.Data...)
	addMethod(t, c, countdown())

	res, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.NoError(t, err)
	out, err := classfile.Parse(res.Class)
	require.NoError(t, err)
	var found bool
	for _, meth := range out.Methods {
		if meth.Name == "drain" {
			after, ok := meth.Attribute("Code")
			require.True(t, ok)
			assert.Equal(t, want, after.Data)
			found = true
		}
	}
	assert.True(t, found)
}

func TestInstrumentIsIdempotent(t *testing.T) {
	in := newInstrumenter()
	input := loopsClass(t)

	first, err := in.Instrument(input, DefaultSettings())
	require.NoError(t, err)
	again, err := in.Instrument(input, DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, first.Class, again.Class, "output is deterministic")

	second, err := in.Instrument(first.Class, DefaultSettings())
	require.NoError(t, err)
	assert.False(t, second.Instrumented)
	assert.Equal(t, first.Class, second.Class)
}

func TestCurrentMarkerSkipsClass(t *testing.T) {
	c := newClass()
	addMethod(t, c, countdown())
	f := c.AddField(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal, MarkerField, "J")
	f.SetConstantValue(c.Pool.AddLong(FormatVersion))
	input := classBytes(t, c)

	res, err := newInstrumenter().Instrument(input, DefaultSettings())
	require.NoError(t, err)
	assert.False(t, res.Instrumented)
	assert.Equal(t, input, res.Class)
	assert.Empty(t, res.Artifacts)
}

func TestStaleMarkerIsRejected(t *testing.T) {
	tests := []struct {
		name  string
		mark  func(c *classfile.Class)
		found string
	}{
		{
			name: "other version",
			mark: func(c *classfile.Class) {
				f := c.AddField(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal, MarkerField, "J")
				f.SetConstantValue(c.Pool.AddLong(FormatVersion + 7))
			},
			found: "7",
		},
		{
			name: "wrong type",
			mark: func(c *classfile.Class) {
				f := c.AddField(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal, MarkerField, "I")
				f.SetConstantValue(c.Pool.AddInteger(0))
			},
			found: "a field of type I",
		},
		{
			name: "no value",
			mark: func(c *classfile.Class) {
				c.AddField(classfile.AccPublic|classfile.AccStatic, MarkerField, "J")
			},
			found: "missing its value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClass()
			addMethod(t, c, countdown())
			tt.mark(c)

			res, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
			require.Error(t, err)
			assert.Nil(t, res)
			var ie *InstrumentationError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, fixture, ie.Class)
			var vm *VersionMismatchError
			require.True(t, errors.As(err, &vm))
			assert.Equal(t, tt.found, vm.Found)
			assert.Contains(t, err.Error(), "cannot instrument")
		})
	}
}

func TestMalformedInput(t *testing.T) {
	_, err := newInstrumenter().Instrument([]byte{0xca, 0xfe, 0xba}, DefaultSettings())
	require.Error(t, err)
	var mi *MalformedInputError
	assert.True(t, errors.As(err, &mi))
	assert.True(t, errors.Is(err, classfile.ErrMalformed))
}

func TestUnresolvedTypeOnMerge(t *testing.T) {
	other, join := &bytecode.Label{}, &bytecode.Label{}
	c := newClass()
	addUnchecked(t, c, method{
		name: "pick",
		desc: "(ILapp/A;Lapp/B;" + wdDesc + ")Ljava/lang/Object;",
		insns: []bytecode.Insn{
			load(bytecode.OpIload, 0),
			jump(bytecode.OpIfeq, other),
			load(bytecode.OpAload, 1),
			jump(bytecode.OpGoto, join),
			other,
			load(bytecode.OpAload, 2),
			join,
			op(bytecode.OpAreturn),
		},
	}, 1, 4)

	_, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.Error(t, err)
	var ut *UnresolvedTypeError
	require.True(t, errors.As(err, &ut))
	assert.Contains(t, []string{"app/A", "app/B"}, ut.Name)
	assert.True(t, errors.Is(err, hierarchy.ErrNotFound))
}

func TestIllTypedInputIsMalformed(t *testing.T) {
	c := newClass()
	// The watchdog slot read as an int.
	addUnchecked(t, c, method{name: "bad", desc: "(" + wdDesc + ")I", insns: []bytecode.Insn{
		load(bytecode.OpIload, 0),
		op(bytecode.OpIreturn),
	}}, 1, 1)

	_, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.Error(t, err)
	var mi *MalformedInputError
	require.True(t, errors.As(err, &mi), "got %v", err)
	assert.True(t, errors.Is(err, verify.ErrVerify))
	assert.Contains(t, err.Error(), "bad("+wdDesc+")I")
	var ice *InternalConsistencyError
	assert.False(t, errors.As(err, &ice))

	// Methods that are not rewritten are checked too.
	c = newClass()
	addUnchecked(t, c, method{name: "plain", desc: "(Ljava/lang/Object;)I", insns: []bytecode.Insn{
		load(bytecode.OpIload, 0),
		op(bytecode.OpIreturn),
	}}, 1, 1)
	_, err = newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.True(t, errors.As(err, &mi), "got %v", err)
	assert.False(t, errors.As(err, &ice))
}

func TestBrokenRewriteListsFailingInstruction(t *testing.T) {
	c := newClass()
	member := c.AddMethod(classfile.AccPublic|classfile.AccStatic, "bad", "("+wdDesc+")I")
	vars, err := NewVariableTable(c.Name, true, member.Descriptor, 1)
	require.NoError(t, err)
	b := bytecode.NewBody(c.Pool)
	b.Insns.Append(op(bytecode.OpNop), load(bytecode.OpIload, 0), op(bytecode.OpIreturn))

	err = assemble(c, &MethodProperties{Method: member, Body: b, Vars: vars}, testTypes)
	require.Error(t, err)
	var ice *InternalConsistencyError
	require.True(t, errors.As(err, &ice), "got %v", err)
	assert.Equal(t, "bad("+wdDesc+")I", ice.Method)
	assert.Equal(t, 1, ice.Index)
	var marked []string
	for _, line := range strings.Split(ice.Listing, "\n") {
		if strings.Contains(line, "<<< BAD INSTRUCTION HERE") {
			marked = append(marked, line)
		}
	}
	require.Len(t, marked, 1)
	assert.Contains(t, marked[0], "iload 0")
	assert.True(t, errors.Is(err, verify.ErrVerify))
}

func TestOutputPassesVerification(t *testing.T) {
	for _, settings := range []Settings{
		DefaultSettings(),
		{Marker: MarkerConstant, HandlerEntries: true, TrackArrays: true},
		{Marker: MarkerStdout, Branches: BranchLoops},
	} {
		res, err := newInstrumenter().Instrument(loopsClass(t), settings)
		require.NoError(t, err)
		c, err := classfile.Parse(res.Class)
		require.NoError(t, err)
		for _, meth := range c.Methods {
			code, ok, err := meth.Code(c.Pool)
			require.NoError(t, err)
			require.True(t, ok)
			_, hasFrames := code.Attribute("StackMapTable")
			b, err := bytecode.Decode(code, c.Pool)
			require.NoError(t, err)
			err = verify.Verify(verify.Method{
				Owner: c.Name, Name: meth.Name, Desc: meth.Descriptor, Static: meth.IsStatic(), Body: b,
			}, testTypes)
			assert.NoError(t, err, "%s%s", meth.Name, meth.Descriptor)
			// The placeholder test at entry is a jump, so every method needs frames.
			assert.True(t, hasFrames, meth.Name)
		}
		marker, ok := c.Field(MarkerField)
		require.True(t, ok)
		assert.Equal(t, uint16(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal), marker.Access)
	}
}

func TestDebugMarkers(t *testing.T) {
	settings := DefaultSettings()
	settings.Marker = MarkerStdout
	m := instrumentLoops(t, settings)
	w := &fakeWatchdog{budget: -1}
	m.current = w

	_, err := m.invoke("dispatch", "(I"+wdDesc+")I", int32(0), placeholderValue{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Checking if watchdog placeholder supplied",
		"Get watchdog from TLS",
		"Invoking watchdog method entry tracker",
		"Invoking watchdog branch tracker",
	}, m.printed)

	settings.Marker = MarkerConstant
	res, err := newInstrumenter().Instrument(loopsClass(t), settings)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(res.Class), "Invoking watchdog branch tracker"))
}

func TestSyntheticSlotClearsWideArguments(t *testing.T) {
	c := newClass()
	member := addMethod(t, c, widen())
	member.Attributes = append(member.Attributes, annotation(c.Pool, watchDesc))
	res, err := newInstrumenter().Instrument(classBytes(t, c), DefaultSettings())
	require.NoError(t, err)

	out, err := classfile.Parse(res.Class)
	require.NoError(t, err)
	for _, meth := range out.Methods {
		code, _, err := meth.Code(out.Pool)
		require.NoError(t, err)
		assert.Equal(t, uint16(4), code.MaxLocals)
		b, err := bytecode.Decode(code, out.Pool)
		require.NoError(t, err)
		assert.Equal(t, &bytecode.Var{Op: bytecode.OpAstore, Slot: 3}, b.Insns.Get(b.Insns.Next(b.Insns.First())))
	}
}

func TestEmitCFG(t *testing.T) {
	settings := DefaultSettings()
	settings.EmitCFG = true
	res, err := newInstrumenter().Instrument(loopsClass(t), settings)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 8)
	dot, ok := res.Artifacts["app.Loops.countdown.1.dot"]
	require.True(t, ok)
	assert.Contains(t, string(dot), "digraph")
}

func TestRuntimeBinding(t *testing.T) {
	settings := DefaultSettings()
	settings.Runtime.OnBranch = ""
	_, err := newInstrumenter().Instrument(loopsClass(t), settings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on-branch")

	rt := DefaultRuntime()
	rt.Annotation = "dev/loopguard/Watch"
	assert.Error(t, rt.Validate())
}

func TestSelect(t *testing.T) {
	c := newClass()
	addMethod(t, c, countdown())
	addMethod(t, c, widen())
	member := addMethod(t, c, drain())
	member.Attributes = append(member.Attributes, annotation(c.Pool, watchDesc))
	parsed, err := classfile.Parse(classBytes(t, c))
	require.NoError(t, err)

	sel, err := Select(parsed, DefaultSettings())
	require.NoError(t, err)
	require.Len(t, sel, 2)
	assert.Equal(t, "countdown", sel[0].Method.Name)
	assert.Equal(t, OriginArgument, sel[0].Origin)
	assert.Equal(t, uint16(1), sel[0].Watchdog.Index)
	assert.Equal(t, "drain", sel[1].Method.Name)
	assert.Equal(t, OriginSynthesized, sel[1].Origin)
	assert.NotNil(t, sel[1].Body)
}
