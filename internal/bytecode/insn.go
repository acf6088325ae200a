package bytecode

import (
	"fmt"
	"strings"

	"loopguard/internal/classfile"
)

// Insn is one element of a method body. Concrete types are pointers so an
// instruction keeps its identity while the surrounding stream is edited.
type Insn interface {
	Opcode() Opcode
}

// Simple is an instruction without operands.
type Simple struct{ Op Opcode }

// Jump is a single-target branch: conditionals, goto, jsr and their wide forms.
type Jump struct {
	Op     Opcode
	Target *Label
}

// TableSwitch dispatches on a dense key range [Low, High].
type TableSwitch struct {
	Low, High int32
	Default   *Label
	Targets   []*Label
}

// LookupSwitch dispatches on sorted sparse keys.
type LookupSwitch struct {
	Default *Label
	Keys    []int32
	Targets []*Label
}

// Field is a get/put on a static or instance field.
type Field struct {
	Op  Opcode
	Ref classfile.MemberRef
}

// Method is an invokevirtual, invokespecial, invokestatic or invokeinterface.
// Ref.Tag distinguishes interface method references.
type Method struct {
	Op  Opcode
	Ref classfile.MemberRef
}

// InvokeDynamic is a call site bootstrapped through the constant pool.
type InvokeDynamic struct {
	Index uint16
	Name  string
	Desc  string
}

// Var loads or stores a local variable, or returns from a subroutine (ret).
type Var struct {
	Op   Opcode
	Slot uint16
}

// Iinc increments an int local.
type Iinc struct {
	Slot  uint16
	Delta int16
}

// Type carries a class operand: new, anewarray, checkcast, instanceof.
type Type struct {
	Op    Opcode
	Class string
}

// Int carries an immediate: bipush, sipush, or the newarray type code.
type Int struct {
	Op    Opcode
	Value int32
}

// Ldc pushes a loadable constant. The encoding is chosen from the pool entry.
type Ldc struct {
	Index uint16
}

// MultiANewArray allocates a multi-dimensional array.
type MultiANewArray struct {
	Class string
	Dims  uint8
}

// Label marks a position in the stream. It emits no code.
type Label struct {
	offset int
}

// Offset is the label's code offset after the last layout.
func (l *Label) Offset() int { return l.offset }

// LineNumber attributes the following instructions to a source line.
type LineNumber struct {
	Line uint16
}

func (i *Simple) Opcode() Opcode { return i.Op }
func (i *Jump) Opcode() Opcode { return i.Op }
func (*TableSwitch) Opcode() Opcode { return OpTableswitch }
func (*LookupSwitch) Opcode() Opcode { return OpLookupswitch }
func (i *Field) Opcode() Opcode { return i.Op }
func (i *Method) Opcode() Opcode { return i.Op }
func (*InvokeDynamic) Opcode() Opcode { return OpInvokedynamic }
func (i *Var) Opcode() Opcode { return i.Op }
func (*Iinc) Opcode() Opcode { return OpIinc }
func (i *Type) Opcode() Opcode { return i.Op }
func (i *Int) Opcode() Opcode { return i.Op }
func (*Ldc) Opcode() Opcode { return OpLdc }
func (*MultiANewArray) Opcode() Opcode { return OpMultianewarray }
func (*Label) Opcode() Opcode { return Pseudo }
func (*LineNumber) Opcode() Opcode { return Pseudo }

// IsPseudo reports whether insn emits no code.
func IsPseudo(insn Insn) bool { return insn.Opcode() == Pseudo }

// Targets returns every label a branching instruction may transfer to.
func Targets(insn Insn) []*Label {
	switch i := insn.(type) {
	case *Jump:
		return []*Label{i.Target}
	case *TableSwitch:
		return append([]*Label{i.Default}, i.Targets...)
	case *LookupSwitch:
		return append([]*Label{i.Default}, i.Targets...)
	}
	return nil
}

// IsBranch reports whether insn is a jump or switch.
func IsBranch(insn Insn) bool {
	switch insn.(type) {
	case *Jump, *TableSwitch, *LookupSwitch:
		return true
	}
	return false
}

// Text renders a single instruction for listings.
func Text(insn Insn, labelName func(*Label) string) string {
	switch i := insn.(type) {
	case *Simple:
		return i.Op.String()
	case *Jump:
		return fmt.Sprintf("%s %s", i.Op, labelName(i.Target))
	case *TableSwitch:
		parts := make([]string, 0, len(i.Targets)+1)
		for k, t := range i.Targets {
			parts = append(parts, fmt.Sprintf("%d: %s", i.Low+int32(k), labelName(t)))
		}
		parts = append(parts, "default: "+labelName(i.Default))
		return "tableswitch {" + strings.Join(parts, ", ") + "}"
	case *LookupSwitch:
		parts := make([]string, 0, len(i.Targets)+1)
		for k, t := range i.Targets {
			parts = append(parts, fmt.Sprintf("%d: %s", i.Keys[k], labelName(t)))
		}
		parts = append(parts, "default: "+labelName(i.Default))
		return "lookupswitch {" + strings.Join(parts, ", ") + "}"
	case *Field:
		return fmt.Sprintf("%s %s.%s : %s", i.Op, i.Ref.Owner, i.Ref.Name, i.Ref.Desc)
	case *Method:
		return fmt.Sprintf("%s %s.%s%s", i.Op, i.Ref.Owner, i.Ref.Name, i.Ref.Desc)
	case *InvokeDynamic:
		return fmt.Sprintf("invokedynamic #%d %s%s", i.Index, i.Name, i.Desc)
	case *Var:
		return fmt.Sprintf("%s %d", i.Op, i.Slot)
	case *Iinc:
		return fmt.Sprintf("iinc %d %d", i.Slot, i.Delta)
	case *Type:
		return fmt.Sprintf("%s %s", i.Op, i.Class)
	case *Int:
		return fmt.Sprintf("%s %d", i.Op, i.Value)
	case *Ldc:
		return fmt.Sprintf("ldc #%d", i.Index)
	case *MultiANewArray:
		return fmt.Sprintf("multianewarray %s %d", i.Class, i.Dims)
	case *Label:
		return labelName(i) + ":"
	case *LineNumber:
		return fmt.Sprintf("line %d", i.Line)
	}
	return fmt.Sprintf("%T", insn)
}
