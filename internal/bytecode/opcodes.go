package bytecode

import "fmt"

// Opcode is a JVM instruction opcode.
type Opcode uint8

// Pseudo is reported by labels and line-number markers. It is the reserved
// impdep2 opcode, which never appears in a valid class file.
const Pseudo Opcode = 0xff

func (op Opcode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	if op == Pseudo {
		return "pseudo"
	}
	return fmt.Sprintf("op_0x%02x", uint8(op))
}

// IsConditional reports whether op is a two-way branch.
func (op Opcode) IsConditional() bool {
	return (op >= OpIfeq && op <= OpIfAcmpne) || op == OpIfnull || op == OpIfnonnull
}

// IsReturn reports whether op returns from the method.
func (op Opcode) IsReturn() bool { return op >= OpIreturn && op <= OpReturn }

// FallsThrough reports whether execution can continue at the next instruction.
func (op Opcode) FallsThrough() bool {
	switch op {
	case OpGoto, OpGotoW, OpRet, OpAthrow, OpTableswitch, OpLookupswitch:
		return false
	}
	return !op.IsReturn()
}

// Invert returns the conditional branch taken exactly when op is not.
func (op Opcode) Invert() Opcode {
	switch op {
	case OpIfnull:
		return OpIfnonnull
	case OpIfnonnull:
		return OpIfnull
	}
	if !op.IsConditional() {
		panic(fmt.Sprintf("bytecode: invert %s", op))
	}
	// Conditional opcodes come in complementary pairs starting at ifeq.
	if (op-OpIfeq)%2 == 0 {
		return op + 1
	}
	return op - 1
}

// Array type codes used by newarray.
const (
	TBoolean = 4
	TChar    = 5
	TFloat   = 6
	TDouble  = 7
	TByte    = 8
	TShort   = 9
	TInt     = 10
	TLong    = 11
)

// ArrayTypeDescriptor maps a newarray type code to its array descriptor.
func ArrayTypeDescriptor(code int32) (string, bool) {
	switch code {
	case TBoolean:
		return "[Z", true
	case TChar:
		return "[C", true
	case TFloat:
		return "[F", true
	case TDouble:
		return "[D", true
	case TByte:
		return "[B", true
	case TShort:
		return "[S", true
	case TInt:
		return "[I", true
	case TLong:
		return "[J", true
	}
	return "", false
}
