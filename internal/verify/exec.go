package verify

import (
	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
)

func (a *analyzer) pushValue(f *Frame, v Value) error {
	f.Stack = append(f.Stack, v)
	w := f.words()
	if a.strict && w > int(a.body.MaxStack) {
		return errors.Errorf("stack overflow: %d words exceeds max stack %d", w, a.body.MaxStack)
	}
	a.maxStack = max(a.maxStack, w)
	return nil
}

func (a *analyzer) pushAll(f *Frame, vs ...Value) error {
	for _, v := range vs {
		if err := a.pushValue(f, v); err != nil {
			return err
		}
	}
	return nil
}

func pop(f *Frame) (Value, error) {
	n := len(f.Stack)
	if n == 0 {
		return Value{}, errors.New("stack underflow")
	}
	v := f.Stack[n-1]
	f.Stack = f.Stack[:n-1]
	return v, nil
}

func popKind(f *Frame, k Kind) error {
	v, err := pop(f)
	if err != nil {
		return err
	}
	if v.Kind != k {
		return errors.Errorf("expected %s on stack, found %s", k, v)
	}
	return nil
}

func popCat1(f *Frame) (Value, error) {
	v, err := pop(f)
	if err != nil {
		return v, err
	}
	if v.Size() != 1 {
		return v, errors.Errorf("expected a one-word value, found %s", v)
	}
	return v, nil
}

// popRef pops a reference. Uninitialized references are rejected unless
// uninit is set.
func popRef(f *Frame, uninit bool) (Value, error) {
	v, err := pop(f)
	if err != nil {
		return v, err
	}
	if !v.IsReference() {
		return v, errors.Errorf("expected a reference on stack, found %s", v)
	}
	if !uninit && (v.Kind == Uninit || v.Kind == UninitThis) {
		return v, errors.Errorf("use of %s", v)
	}
	return v, nil
}

func popArray(f *Frame) (Value, error) {
	v, err := popRef(f, false)
	if err != nil {
		return v, err
	}
	if v.Kind == Object && !hierarchy.IsArray(v.Class) {
		return v, errors.Errorf("expected an array, found %s", v)
	}
	return v, nil
}

// assignable checks a reference against a declared class. Unknown classes
// pass; only a resolvable mismatch is an error.
func (a *analyzer) assignable(to string, v Value) error {
	if !a.checkRef || v.Kind != Object {
		return nil
	}
	ok, err := hierarchy.IsAssignable(a.resolve, to, v.Class)
	if err != nil {
		if errors.Is(err, hierarchy.ErrNotFound) {
			return nil
		}
		return err
	}
	if !ok {
		return errors.Errorf("%s is not assignable to %s", v.Class, to)
	}
	return nil
}

// popDesc pops a value of the type named by a field descriptor.
func (a *analyzer) popDesc(f *Frame, desc string) error {
	want := FromDescriptor(desc)
	if want.Kind != Object {
		return popKind(f, want.Kind)
	}
	v, err := popRef(f, false)
	if err != nil {
		return err
	}
	return a.assignable(want.Class, v)
}

func (a *analyzer) local(slot uint16, width int) error {
	if int(slot)+width > a.nlocals {
		return errors.Errorf("local %d out of range (max locals %d)", slot, a.nlocals)
	}
	return nil
}

func (a *analyzer) load(f *Frame, slot uint16, want Value) error {
	if err := a.local(slot, want.Size()); err != nil {
		return err
	}
	if got := f.Locals[slot]; got.Kind != want.Kind && !a.lenient {
		return errors.Errorf("local %d: expected %s, found %s", slot, want.Kind, got)
	}
	return a.pushValue(f, want)
}

func (a *analyzer) store(f *Frame, slot uint16, v Value) error {
	if err := a.local(slot, v.Size()); err != nil {
		return err
	}
	if slot > 0 && f.Locals[slot-1].Size() == 2 {
		f.Locals[slot-1] = topValue
	}
	f.Locals[slot] = v
	if v.Size() == 2 {
		f.Locals[slot+1] = topValue
	}
	return nil
}

// binary pops two operands of kind in and pushes a result of kind out.
func (a *analyzer) binary(f *Frame, in, out Kind) error {
	if err := popKind(f, in); err != nil {
		return err
	}
	return a.unary(f, in, out)
}

func (a *analyzer) unary(f *Frame, in, out Kind) error {
	if err := popKind(f, in); err != nil {
		return err
	}
	return a.pushValue(f, Value{Kind: out})
}

// exec applies the effect of insn to f.
func (a *analyzer) exec(f *Frame, insn bytecode.Insn) error {
	switch i := insn.(type) {
	case *bytecode.Simple:
		return a.simple(f, i.Op)
	case *bytecode.Jump:
		switch {
		case i.Op >= bytecode.OpIfeq && i.Op <= bytecode.OpIfle:
			return popKind(f, Int)
		case i.Op >= bytecode.OpIfIcmpeq && i.Op <= bytecode.OpIfIcmple:
			if err := popKind(f, Int); err != nil {
				return err
			}
			return popKind(f, Int)
		case i.Op == bytecode.OpIfAcmpeq || i.Op == bytecode.OpIfAcmpne:
			if _, err := popRef(f, true); err != nil {
				return err
			}
			_, err := popRef(f, true)
			return err
		case i.Op == bytecode.OpIfnull || i.Op == bytecode.OpIfnonnull:
			_, err := popRef(f, true)
			return err
		}
		return nil
	case *bytecode.TableSwitch, *bytecode.LookupSwitch:
		return popKind(f, Int)
	case *bytecode.Field:
		return a.field(f, i)
	case *bytecode.Method:
		return a.invoke(f, i)
	case *bytecode.InvokeDynamic:
		mt, err := classfile.ParseMethodDescriptor(i.Desc)
		if err != nil {
			return err
		}
		return a.call(f, mt)
	case *bytecode.Var:
		return a.variable(f, i)
	case *bytecode.Iinc:
		if err := a.local(i.Slot, 1); err != nil {
			return err
		}
		if f.Locals[i.Slot].Kind != Int && !a.lenient {
			return errors.Errorf("iinc of local %d holding %s", i.Slot, f.Locals[i.Slot])
		}
		return nil
	case *bytecode.Type:
		switch i.Op {
		case bytecode.OpNew:
			return a.pushValue(f, Value{Kind: Uninit, Site: i})
		case bytecode.OpAnewarray:
			if err := popKind(f, Int); err != nil {
				return err
			}
			return a.pushValue(f, ObjectValue("["+classfile.ObjectDescriptor(i.Class)))
		case bytecode.OpCheckcast:
			if _, err := popRef(f, false); err != nil {
				return err
			}
			return a.pushValue(f, ObjectValue(i.Class))
		case bytecode.OpInstanceof:
			if _, err := popRef(f, false); err != nil {
				return err
			}
			return a.pushValue(f, intValue)
		}
	case *bytecode.Int:
		switch i.Op {
		case bytecode.OpBipush, bytecode.OpSipush:
			return a.pushValue(f, intValue)
		case bytecode.OpNewarray:
			desc, ok := bytecode.ArrayTypeDescriptor(i.Value)
			if !ok {
				return errors.Errorf("newarray type code %d", i.Value)
			}
			if err := popKind(f, Int); err != nil {
				return err
			}
			return a.pushValue(f, ObjectValue(desc))
		}
	case *bytecode.Ldc:
		v, err := ldcValue(a.pool, i.Index)
		if err != nil {
			return err
		}
		return a.pushValue(f, v)
	case *bytecode.MultiANewArray:
		if i.Dims == 0 || int(i.Dims) > len(i.Class) || !hierarchy.IsArray(i.Class) {
			return errors.Errorf("multianewarray %s with %d dimensions", i.Class, i.Dims)
		}
		for d := 0; d < int(i.Dims); d++ {
			if err := popKind(f, Int); err != nil {
				return err
			}
		}
		return a.pushValue(f, ObjectValue(i.Class))
	}
	return errors.Errorf("unexpected instruction %s", insn.Opcode())
}

func (a *analyzer) variable(f *Frame, i *bytecode.Var) error {
	switch i.Op {
	case bytecode.OpIload:
		return a.load(f, i.Slot, intValue)
	case bytecode.OpLload:
		return a.load(f, i.Slot, longValue)
	case bytecode.OpFload:
		return a.load(f, i.Slot, floatValue)
	case bytecode.OpDload:
		return a.load(f, i.Slot, doubleValue)
	case bytecode.OpAload:
		if err := a.local(i.Slot, 1); err != nil {
			return err
		}
		v := f.Locals[i.Slot]
		if !v.IsReference() {
			if !a.lenient {
				return errors.Errorf("local %d: expected a reference, found %s", i.Slot, v)
			}
			v = nullValue
		}
		return a.pushValue(f, v)
	case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpFstore, bytecode.OpDstore:
		k := map[bytecode.Opcode]Kind{bytecode.OpIstore: Int, bytecode.OpLstore: Long, bytecode.OpFstore: Float, bytecode.OpDstore: Double}[i.Op]
		if err := popKind(f, k); err != nil {
			return err
		}
		return a.store(f, i.Slot, Value{Kind: k})
	case bytecode.OpAstore:
		v, err := pop(f)
		if err != nil {
			return err
		}
		if !v.IsReference() && v.Kind != ReturnAddress {
			return errors.Errorf("astore of %s", v)
		}
		return a.store(f, i.Slot, v)
	case bytecode.OpRet:
		if err := a.local(i.Slot, 1); err != nil {
			return err
		}
		if f.Locals[i.Slot].Kind != ReturnAddress && !a.lenient {
			return errors.Errorf("ret through local %d holding %s", i.Slot, f.Locals[i.Slot])
		}
		return nil
	}
	return errors.Errorf("unexpected variable instruction %s", i.Op)
}

func (a *analyzer) field(f *Frame, i *bytecode.Field) error {
	desc := i.Ref.Desc
	switch i.Op {
	case bytecode.OpGetstatic:
		return a.pushValue(f, FromDescriptor(desc))
	case bytecode.OpPutstatic:
		return a.popDesc(f, desc)
	case bytecode.OpGetfield:
		obj, err := popRef(f, false)
		if err != nil {
			return err
		}
		if err := a.assignable(i.Ref.Owner, obj); err != nil {
			return err
		}
		return a.pushValue(f, FromDescriptor(desc))
	case bytecode.OpPutfield:
		if err := a.popDesc(f, desc); err != nil {
			return err
		}
		// Constructors may store their own fields before calling super.
		obj, err := popRef(f, true)
		if err != nil {
			return err
		}
		if obj.Kind == Uninit {
			return errors.Errorf("putfield on %s", obj)
		}
		return a.assignable(i.Ref.Owner, obj)
	}
	return errors.Errorf("unexpected field instruction %s", i.Op)
}

// call pops the arguments of mt and pushes its result.
func (a *analyzer) call(f *Frame, mt classfile.MethodType) error {
	for k := len(mt.Params) - 1; k >= 0; k-- {
		if err := a.popDesc(f, mt.Params[k]); err != nil {
			return errors.Wrapf(err, "argument %d", k)
		}
	}
	return nil
}

func (a *analyzer) invoke(f *Frame, i *bytecode.Method) error {
	mt, err := classfile.ParseMethodDescriptor(i.Ref.Desc)
	if err != nil {
		return err
	}
	if err := a.call(f, mt); err != nil {
		return err
	}
	if i.Op != bytecode.OpInvokestatic {
		recv, err := popRef(f, i.Ref.Name == "<init>")
		if err != nil {
			return errors.Wrap(err, "receiver")
		}
		if i.Ref.Name == "<init>" {
			if i.Op != bytecode.OpInvokespecial {
				return errors.Errorf("%s of a constructor", i.Op)
			}
			if err := initialize(f, recv, a.m.Owner); err != nil {
				return err
			}
		} else if i.Op != bytecode.OpInvokeinterface {
			if err := a.assignable(i.Ref.Owner, recv); err != nil {
				return errors.Wrap(err, "receiver")
			}
		}
	}
	if mt.Return != "V" {
		return a.pushValue(f, FromDescriptor(mt.Return))
	}
	return nil
}

// initialize replaces every copy of an uninitialized reference with the
// constructed type.
func initialize(f *Frame, recv Value, owner string) error {
	var done Value
	switch recv.Kind {
	case UninitThis:
		done = ObjectValue(owner)
	case Uninit:
		done = ObjectValue(recv.Site.Class)
	default:
		return errors.Errorf("constructor call on initialized %s", recv)
	}
	for k, v := range f.Locals {
		if v == recv {
			f.Locals[k] = done
		}
	}
	for k, v := range f.Stack {
		if v == recv {
			f.Stack[k] = done
		}
	}
	return nil
}

func (a *analyzer) returnValue(f *Frame, k Kind) error {
	want := FromDescriptor(a.ret)
	if a.ret == "V" || want.Kind != k {
		return errors.Errorf("%s return from method returning %s", k, a.ret)
	}
	if k != Object {
		return popKind(f, k)
	}
	v, err := popRef(f, false)
	if err != nil {
		return err
	}
	return a.assignable(want.Class, v)
}

func (a *analyzer) simple(f *Frame, o bytecode.Opcode) error {
	switch {
	case o == bytecode.OpNop:
		return nil
	case o == bytecode.OpAconstNull:
		return a.pushValue(f, nullValue)
	case o >= bytecode.OpIconstM1 && o <= bytecode.OpIconst5:
		return a.pushValue(f, intValue)
	case o == bytecode.OpLconst0 || o == bytecode.OpLconst1:
		return a.pushValue(f, longValue)
	case o >= bytecode.OpFconst0 && o <= bytecode.OpFconst2:
		return a.pushValue(f, floatValue)
	case o == bytecode.OpDconst0 || o == bytecode.OpDconst1:
		return a.pushValue(f, doubleValue)
	case o >= bytecode.OpIaload && o <= bytecode.OpSaload:
		return a.arrayLoad(f, o)
	case o >= bytecode.OpIastore && o <= bytecode.OpSastore:
		return a.arrayStore(f, o)
	case o >= bytecode.OpPop && o <= bytecode.OpSwap:
		return a.stackOp(f, o)
	case o >= bytecode.OpIadd && o <= bytecode.OpLxor:
		return a.arith(f, o)
	case o >= bytecode.OpI2l && o <= bytecode.OpI2s:
		return a.convert(f, o)
	case o == bytecode.OpLcmp:
		return a.binary(f, Long, Int)
	case o == bytecode.OpFcmpl || o == bytecode.OpFcmpg:
		return a.binary(f, Float, Int)
	case o == bytecode.OpDcmpl || o == bytecode.OpDcmpg:
		return a.binary(f, Double, Int)
	case o == bytecode.OpIreturn:
		return a.returnValue(f, Int)
	case o == bytecode.OpLreturn:
		return a.returnValue(f, Long)
	case o == bytecode.OpFreturn:
		return a.returnValue(f, Float)
	case o == bytecode.OpDreturn:
		return a.returnValue(f, Double)
	case o == bytecode.OpAreturn:
		return a.returnValue(f, Object)
	case o == bytecode.OpReturn:
		if a.ret != "V" {
			return errors.Errorf("void return from method returning %s", a.ret)
		}
		for _, v := range f.Locals {
			if v.Kind == UninitThis {
				return errors.New("constructor returns before initializing this")
			}
		}
		return nil
	case o == bytecode.OpArraylength:
		if _, err := popArray(f); err != nil {
			return err
		}
		return a.pushValue(f, intValue)
	case o == bytecode.OpAthrow:
		v, err := popRef(f, false)
		if err != nil {
			return err
		}
		return a.assignable("java/lang/Throwable", v)
	case o == bytecode.OpMonitorenter || o == bytecode.OpMonitorexit:
		_, err := popRef(f, false)
		return err
	}
	return errors.Errorf("unexpected instruction %s", o)
}

var arrayElem = map[bytecode.Opcode]Kind{
	bytecode.OpIaload: Int, bytecode.OpLaload: Long, bytecode.OpFaload: Float, bytecode.OpDaload: Double,
	bytecode.OpBaload: Int, bytecode.OpCaload: Int, bytecode.OpSaload: Int,
	bytecode.OpIastore: Int, bytecode.OpLastore: Long, bytecode.OpFastore: Float, bytecode.OpDastore: Double,
	bytecode.OpBastore: Int, bytecode.OpCastore: Int, bytecode.OpSastore: Int,
}

func (a *analyzer) arrayLoad(f *Frame, o bytecode.Opcode) error {
	if err := popKind(f, Int); err != nil {
		return err
	}
	arr, err := popArray(f)
	if err != nil {
		return err
	}
	if o != bytecode.OpAaload {
		return a.pushValue(f, Value{Kind: arrayElem[o]})
	}
	if arr.Kind == Null {
		return a.pushValue(f, nullValue)
	}
	elem, ok := elementOf(arr.Class)
	if !ok || elem.Kind != Object {
		return errors.Errorf("aaload from %s", arr)
	}
	return a.pushValue(f, elem)
}

func (a *analyzer) arrayStore(f *Frame, o bytecode.Opcode) error {
	if o == bytecode.OpAastore {
		if _, err := popRef(f, false); err != nil {
			return err
		}
	} else if err := popKind(f, arrayElem[o]); err != nil {
		return err
	}
	if err := popKind(f, Int); err != nil {
		return err
	}
	_, err := popArray(f)
	return err
}

// stackOp implements the untyped stack manipulations by value category.
func (a *analyzer) stackOp(f *Frame, o bytecode.Opcode) error {
	switch o {
	case bytecode.OpPop:
		_, err := popCat1(f)
		return err
	case bytecode.OpPop2:
		v, err := pop(f)
		if err != nil || v.Size() == 2 {
			return err
		}
		_, err = popCat1(f)
		return err
	case bytecode.OpDup:
		v, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v, v)
	case bytecode.OpDupX1:
		v1, err := popCat1(f)
		if err != nil {
			return err
		}
		v2, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v1, v2, v1)
	case bytecode.OpDupX2:
		v1, err := popCat1(f)
		if err != nil {
			return err
		}
		v2, err := pop(f)
		if err != nil {
			return err
		}
		if v2.Size() == 2 {
			return a.pushAll(f, v1, v2, v1)
		}
		v3, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v1, v3, v2, v1)
	case bytecode.OpDup2:
		v1, err := pop(f)
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			return a.pushAll(f, v1, v1)
		}
		v2, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v2, v1, v2, v1)
	case bytecode.OpDup2X1:
		v1, err := pop(f)
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			v2, err := popCat1(f)
			if err != nil {
				return err
			}
			return a.pushAll(f, v1, v2, v1)
		}
		v2, err := popCat1(f)
		if err != nil {
			return err
		}
		v3, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v2, v1, v3, v2, v1)
	case bytecode.OpDup2X2:
		v1, err := pop(f)
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			v2, err := pop(f)
			if err != nil {
				return err
			}
			if v2.Size() == 2 {
				return a.pushAll(f, v1, v2, v1)
			}
			v3, err := popCat1(f)
			if err != nil {
				return err
			}
			return a.pushAll(f, v1, v3, v2, v1)
		}
		v2, err := popCat1(f)
		if err != nil {
			return err
		}
		v3, err := pop(f)
		if err != nil {
			return err
		}
		if v3.Size() == 2 {
			return a.pushAll(f, v2, v1, v3, v2, v1)
		}
		v4, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v2, v1, v4, v3, v2, v1)
	case bytecode.OpSwap:
		v1, err := popCat1(f)
		if err != nil {
			return err
		}
		v2, err := popCat1(f)
		if err != nil {
			return err
		}
		return a.pushAll(f, v1, v2)
	}
	return errors.Errorf("unexpected stack instruction %s", o)
}

// Arithmetic opcodes cycle through int, long, float, double in blocks of
// four from iadd to drem, then the negations.
var arithKinds = [4]Kind{Int, Long, Float, Double}

func (a *analyzer) arith(f *Frame, o bytecode.Opcode) error {
	switch {
	case o <= bytecode.OpDrem:
		k := arithKinds[(o-bytecode.OpIadd)%4]
		return a.binary(f, k, k)
	case o <= bytecode.OpDneg:
		k := arithKinds[(o-bytecode.OpIneg)%4]
		return a.unary(f, k, k)
	case o == bytecode.OpIshl || o == bytecode.OpIshr || o == bytecode.OpIushr:
		return a.binary(f, Int, Int)
	case o == bytecode.OpLshl || o == bytecode.OpLshr || o == bytecode.OpLushr:
		if err := popKind(f, Int); err != nil {
			return err
		}
		return a.unary(f, Long, Long)
	case o == bytecode.OpIand || o == bytecode.OpIor || o == bytecode.OpIxor:
		return a.binary(f, Int, Int)
	}
	// land, lor, lxor
	return a.binary(f, Long, Long)
}

var conversions = map[bytecode.Opcode][2]Kind{
	bytecode.OpI2l: {Int, Long}, bytecode.OpI2f: {Int, Float}, bytecode.OpI2d: {Int, Double},
	bytecode.OpL2i: {Long, Int}, bytecode.OpL2f: {Long, Float}, bytecode.OpL2d: {Long, Double},
	bytecode.OpF2i: {Float, Int}, bytecode.OpF2l: {Float, Long}, bytecode.OpF2d: {Float, Double},
	bytecode.OpD2i: {Double, Int}, bytecode.OpD2l: {Double, Long}, bytecode.OpD2f: {Double, Float},
	bytecode.OpI2b: {Int, Int}, bytecode.OpI2c: {Int, Int}, bytecode.OpI2s: {Int, Int},
}

func (a *analyzer) convert(f *Frame, o bytecode.Opcode) error {
	c := conversions[o]
	return a.unary(f, c[0], c[1])
}
