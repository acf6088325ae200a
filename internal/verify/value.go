// Package verify infers operand stack and local variable types for method
// bodies. The same analysis computes stack map frames and maximums for
// rewritten methods and checks the type safety of finished ones.
package verify

import (
	"strings"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
)

// Kind is a verification type category.
type Kind uint8

const (
	Top Kind = iota
	Int
	Float
	Long
	Double
	Null
	UninitThis
	Uninit
	Object
	ReturnAddress
)

var kindNames = [...]string{"top", "int", "float", "long", "double", "null", "uninitializedThis", "uninitialized", "object", "returnAddress"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "?"
}

// Value is the inferred type of a stack entry or local variable.
type Value struct {
	Kind  Kind
	Class string         // Object: internal name or array descriptor
	Site  *bytecode.Type // Uninit: the allocating new instruction
}

var (
	topValue    = Value{Kind: Top}
	intValue    = Value{Kind: Int}
	floatValue  = Value{Kind: Float}
	longValue   = Value{Kind: Long}
	doubleValue = Value{Kind: Double}
	nullValue   = Value{Kind: Null}
)

// ObjectValue is an initialized reference of the given class.
func ObjectValue(class string) Value { return Value{Kind: Object, Class: class} }

func (v Value) String() string {
	switch v.Kind {
	case Object:
		return v.Class
	case Uninit:
		if v.Site != nil {
			return "uninitialized " + v.Site.Class
		}
	}
	return v.Kind.String()
}

// Size is the number of words the value occupies.
func (v Value) Size() int {
	if v.Kind == Long || v.Kind == Double {
		return 2
	}
	return 1
}

// IsReference reports whether v may be the operand of areturn or astore.
func (v Value) IsReference() bool {
	switch v.Kind {
	case Null, Object, Uninit, UninitThis:
		return true
	}
	return false
}

// FromDescriptor maps a field descriptor to its verification type.
func FromDescriptor(desc string) Value {
	switch desc[0] {
	case 'B', 'C', 'I', 'S', 'Z':
		return intValue
	case 'F':
		return floatValue
	case 'J':
		return longValue
	case 'D':
		return doubleValue
	case 'L':
		return ObjectValue(strings.TrimSuffix(desc[1:], ";"))
	}
	return ObjectValue(desc)
}

// elementOf returns the component type of an array class.
func elementOf(array string) (Value, bool) {
	if !strings.HasPrefix(array, "[") || len(array) < 2 {
		return Value{}, false
	}
	return FromDescriptor(array[1:]), true
}

// permissive answers every lookup with a direct subclass of Object. It
// stands in when no provider is configured, so unrelated classes merge to
// java/lang/Object.
type permissive struct{}

func (permissive) Lookup(name string) (*hierarchy.Info, error) {
	if name == hierarchy.Object {
		return &hierarchy.Info{Name: name}, nil
	}
	return &hierarchy.Info{Name: name, Super: hierarchy.Object}, nil
}

// ldcValue types a loadable constant.
func ldcValue(pool *classfile.Pool, index uint16) (Value, error) {
	c, err := pool.Get(index)
	if err != nil {
		return Value{}, err
	}
	switch c.Tag {
	case classfile.TagInteger:
		return intValue, nil
	case classfile.TagFloat:
		return floatValue, nil
	case classfile.TagLong:
		return longValue, nil
	case classfile.TagDouble:
		return doubleValue, nil
	case classfile.TagString:
		return ObjectValue("java/lang/String"), nil
	case classfile.TagClass:
		return ObjectValue("java/lang/Class"), nil
	case classfile.TagMethodType:
		return ObjectValue("java/lang/invoke/MethodType"), nil
	case classfile.TagMethodHandle:
		return ObjectValue("java/lang/invoke/MethodHandle"), nil
	case classfile.TagDynamic:
		_, desc, err := pool.NameAndType(c.B)
		if err != nil {
			return Value{}, err
		}
		return FromDescriptor(desc), nil
	}
	return Value{}, errors.Errorf("ldc of %s constant", c.Tag)
}
