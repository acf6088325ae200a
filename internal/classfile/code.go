package classfile

import (
	"math"

	"github.com/pkg/errors"
)

// ExceptionEntry is one row of a Code attribute's exception table.
// CatchType 0 catches everything.
type ExceptionEntry struct {
	StartPC, EndPC, HandlerPC uint16
	CatchType                 uint16
}

// Code is a decoded Code attribute.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Code       []byte
	Exceptions []ExceptionEntry
	Attributes []Attribute
}

// MaxCodeSize is the largest method body the class file format allows.
const MaxCodeSize = math.MaxUint16

// ErrCodeTooLarge reports a method body over MaxCodeSize bytes.
var ErrCodeTooLarge = errors.New("classfile: method code too large")

// Code decodes the method's Code attribute. ok is false for abstract and
// native methods.
func (m *Member) Code(pool *Pool) (code *Code, ok bool, err error) {
	a, ok := m.Attribute("Code")
	if !ok {
		return nil, false, nil
	}
	code, err = ParseCode(a.Data, pool)
	if err != nil {
		return nil, true, errors.Wrapf(err, "method %s%s", m.Name, m.Descriptor)
	}
	return code, true, nil
}

// ParseCode decodes the body of a Code attribute.
func ParseCode(data []byte, pool *Pool) (*Code, error) {
	s := NewStream(data)
	c := &Code{}
	var err error
	if c.MaxStack, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "max_stack")
	}
	if c.MaxLocals, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "max_locals")
	}
	n, err := s.ReadUint32()
	if err != nil {
		return nil, malformed(err, "code_length")
	}
	if n == 0 || n > MaxCodeSize {
		return nil, errors.Wrapf(ErrMalformed, "code_length %d", n)
	}
	if c.Code, err = s.ReadBytes(int(n)); err != nil {
		return nil, malformed(err, "code")
	}
	ne, err := s.ReadUint16()
	if err != nil {
		return nil, malformed(err, "exception_table_length")
	}
	for i := 0; i < int(ne); i++ {
		var e ExceptionEntry
		for _, p := range []*uint16{&e.StartPC, &e.EndPC, &e.HandlerPC, &e.CatchType} {
			if *p, err = s.ReadUint16(); err != nil {
				return nil, malformed(err, "exception entry %d", i)
			}
		}
		if e.StartPC >= e.EndPC || int(e.EndPC) > len(c.Code) || int(e.HandlerPC) >= len(c.Code) {
			return nil, errors.Wrapf(ErrMalformed, "exception entry %d: bad range [%d,%d)->%d", i, e.StartPC, e.EndPC, e.HandlerPC)
		}
		c.Exceptions = append(c.Exceptions, e)
	}
	if c.Attributes, err = readAttributes(s, pool); err != nil {
		return nil, errors.Wrap(err, "code attributes")
	}
	if s.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformed, "code attribute has %d trailing bytes", s.Remaining())
	}
	return c, nil
}

// Bytes encodes the Code attribute body, interning attribute names in pool.
func (c *Code) Bytes(pool *Pool) ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) > MaxCodeSize {
		return nil, errors.Wrapf(ErrCodeTooLarge, "%d bytes", len(c.Code))
	}
	var w Writer
	w.U2(c.MaxStack)
	w.U2(c.MaxLocals)
	w.U4(uint32(len(c.Code)))
	w.Raw(c.Code)
	w.U2(uint16(len(c.Exceptions)))
	for _, e := range c.Exceptions {
		w.U2(e.StartPC)
		w.U2(e.EndPC)
		w.U2(e.HandlerPC)
		w.U2(e.CatchType)
	}
	writeAttributes(&w, pool, c.Attributes)
	return w.Bytes(), pool.Err()
}

// Attribute returns the first Code sub-attribute with the given name.
func (c *Code) Attribute(name string) (*Attribute, bool) {
	return findAttribute(c.Attributes, name)
}

// ConstantValue resolves a field's ConstantValue attribute to its pool entry.
func (m *Member) ConstantValue(pool *Pool) (*Constant, bool, error) {
	a, ok := m.Attribute("ConstantValue")
	if !ok {
		return nil, false, nil
	}
	if len(a.Data) != 2 {
		return nil, true, errors.Wrapf(ErrMalformed, "field %s: ConstantValue length %d", m.Name, len(a.Data))
	}
	c, err := pool.Get(uint16(a.Data[0])<<8 | uint16(a.Data[1]))
	if err != nil {
		return nil, true, errors.Wrapf(err, "field %s", m.Name)
	}
	return c, true, nil
}

// SetConstantValue points a field's ConstantValue attribute at index.
func (m *Member) SetConstantValue(index uint16) {
	m.SetAttribute("ConstantValue", []byte{byte(index >> 8), byte(index)})
}
