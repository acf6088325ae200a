package classfile

import (
	"strings"

	"github.com/pkg/errors"
)

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params []string
	Return string
}

// ParseMethodDescriptor splits "(IJLjava/lang/String;)V" into field
// descriptors.
func ParseMethodDescriptor(desc string) (MethodType, error) {
	if !strings.HasPrefix(desc, "(") {
		return MethodType{}, errors.Wrapf(ErrMalformed, "method descriptor %q", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldDescriptorLen(desc[i:])
		if err != nil {
			return MethodType{}, errors.Wrapf(err, "method descriptor %q", desc)
		}
		mt.Params = append(mt.Params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return MethodType{}, errors.Wrapf(ErrMalformed, "method descriptor %q: missing ')'", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldDescriptorLen(ret)
		if err != nil || n != len(ret) {
			return MethodType{}, errors.Wrapf(ErrMalformed, "method descriptor %q: bad return type", desc)
		}
	}
	mt.Return = ret
	return mt, nil
}

func fieldDescriptorLen(s string) (int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims >= len(s) {
		return 0, errors.Wrap(ErrMalformed, "truncated field descriptor")
	}
	switch s[dims] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return dims + 1, nil
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end < 2 {
			return 0, errors.Wrapf(ErrMalformed, "field descriptor %q", s)
		}
		return dims + end + 1, nil
	}
	return 0, errors.Wrapf(ErrMalformed, "field descriptor %q", s)
}

// SlotSize is the number of local variable slots a value of the given
// field descriptor occupies.
func SlotSize(desc string) int {
	switch desc {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// ArgSlots returns the local slot size of a method's parameters, counting
// the receiver for instance methods.
func (mt MethodType) ArgSlots(static bool) int {
	n := 0
	if !static {
		n = 1
	}
	for _, p := range mt.Params {
		n += SlotSize(p)
	}
	return n
}

// ObjectDescriptor returns "Lname;" for an internal class name, or name
// itself for array types.
func ObjectDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}
