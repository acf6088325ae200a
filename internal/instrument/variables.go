package instrument

import (
	"math"

	"github.com/pkg/errors"

	"loopguard/internal/classfile"
)

// Variable is a local variable slot.
type Variable struct {
	Index uint16
	Desc  string
	Arg   bool // declared by the method signature or the receiver
}

// Width is the number of slots the variable occupies.
func (v Variable) Width() int { return classfile.SlotSize(v.Desc) }

type extra struct {
	v      Variable
	leased bool
	pinned bool
}

// VariableTable hands out local variable slots beyond a method's declared
// ones. Released slots are reused by later acquisitions of the same width.
type VariableTable struct {
	args   []Variable
	static bool
	extras []*extra
	next   int
}

// NewVariableTable describes the arguments of a method with the given
// descriptor. maxLocals is the method's declared max_locals; synthetic slots
// start there.
func NewVariableTable(owner string, static bool, desc string, maxLocals uint16) (*VariableTable, error) {
	mt, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	t := &VariableTable{static: static}
	slot := 0
	if !static {
		t.args = append(t.args, Variable{Index: 0, Desc: classfile.ObjectDescriptor(owner), Arg: true})
		slot = 1
	}
	for _, p := range mt.Params {
		t.args = append(t.args, Variable{Index: uint16(slot), Desc: p, Arg: true})
		slot += classfile.SlotSize(p)
	}
	t.next = int(maxLocals)
	if slot > t.next {
		t.next = slot
	}
	return t, nil
}

// Args returns the argument slots in declaration order, receiver first.
func (t *VariableTable) Args() []Variable { return t.args }

// Params returns the declared parameter slots, without the receiver.
func (t *VariableTable) Params() []Variable {
	if t.static {
		return t.args
	}
	return t.args[1:]
}

// Arg returns the i'th argument slot.
func (t *VariableTable) Arg(i int) (Variable, bool) {
	if i < 0 || i >= len(t.args) {
		return Variable{}, false
	}
	return t.args[i], true
}

// Acquire leases a slot for a value of type desc.
func (t *VariableTable) Acquire(desc string) (Variable, error) {
	width := classfile.SlotSize(desc)
	for _, e := range t.extras {
		if !e.leased && !e.pinned && e.v.Width() == width {
			e.leased = true
			e.v.Desc = desc
			return e.v, nil
		}
	}
	if t.next+width > math.MaxUint16 {
		return Variable{}, errors.New("out of local variable slots")
	}
	e := &extra{v: Variable{Index: uint16(t.next), Desc: desc}, leased: true}
	t.next += width
	t.extras = append(t.extras, e)
	return e.v, nil
}

func (t *VariableTable) find(v Variable) (*extra, error) {
	if v.Arg {
		return nil, errors.Errorf("slot %d is an argument", v.Index)
	}
	for _, e := range t.extras {
		if e.v.Index == v.Index {
			return e, nil
		}
	}
	return nil, errors.Errorf("slot %d was not acquired from this table", v.Index)
}

// Release returns a leased slot to the pool.
func (t *VariableTable) Release(v Variable) error {
	e, err := t.find(v)
	if err != nil {
		return err
	}
	switch {
	case e.pinned:
		return errors.Errorf("slot %d is pinned", v.Index)
	case !e.leased:
		return errors.Errorf("slot %d is not leased", v.Index)
	}
	e.leased = false
	return nil
}

// Pin withdraws a slot from reuse for the rest of the table's life.
// Argument slots are never pooled, so pinning one is a no-op.
func (t *VariableTable) Pin(v Variable) error {
	if v.Arg {
		return nil
	}
	e, err := t.find(v)
	if err != nil {
		return err
	}
	if !e.leased {
		return errors.Errorf("slot %d is not leased", v.Index)
	}
	e.pinned = true
	return nil
}

// MaxLocals is the number of local slots the method needs, counting every
// slot ever acquired.
func (t *VariableTable) MaxLocals() uint16 { return uint16(t.next) }
