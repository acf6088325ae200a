// Package classfile reads and writes JVM class files.
package classfile

import (
	"github.com/pkg/errors"
)

// Magic is the class file signature.
const Magic = 0xCAFEBABE

// Access flags shared by classes, fields and methods.
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSynchronized = 0x0020
	AccSuper        = 0x0020
	AccVolatile     = 0x0040
	AccBridge       = 0x0040
	AccTransient    = 0x0080
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
)

// Class file major versions of interest.
const (
	// VersionStackMaps is the first version whose verifier requires StackMapTable.
	VersionStackMaps = 50
	// VersionNoJSR is the first version that forbids jsr/ret.
	VersionNoJSR = 51
)

// Attribute is a named attribute kept as raw bytes.
type Attribute struct {
	Name string
	Data []byte
}

// Member is a field or method.
type Member struct {
	Access     uint16
	Name       string
	Descriptor string
	Attributes []Attribute
}

// Attribute returns the first attribute with the given name.
func (m *Member) Attribute(name string) (*Attribute, bool) {
	return findAttribute(m.Attributes, name)
}

// SetAttribute replaces the first attribute with the given name or appends it.
func (m *Member) SetAttribute(name string, data []byte) {
	for i := range m.Attributes {
		if m.Attributes[i].Name == name {
			m.Attributes[i].Data = data
			return
		}
	}
	m.Attributes = append(m.Attributes, Attribute{Name: name, Data: data})
}

func (m *Member) IsStatic() bool   { return m.Access&AccStatic != 0 }
func (m *Member) IsAbstract() bool { return m.Access&AccAbstract != 0 }
func (m *Member) IsNative() bool   { return m.Access&AccNative != 0 }

func findAttribute(attrs []Attribute, name string) (*Attribute, bool) {
	for i := range attrs {
		if attrs[i].Name == name {
			return &attrs[i], true
		}
	}
	return nil, false
}

// Class is a parsed class file.
type Class struct {
	Minor, Major uint16
	Pool         *Pool
	Access       uint16
	Name         string
	Super        string // empty for java/lang/Object
	Interfaces   []string
	Fields       []*Member
	Methods      []*Member
	Attributes   []Attribute
}

// New creates an empty class with a fresh constant pool.
func New(name, super string, major uint16) *Class {
	c := &Class{
		Major:  major,
		Pool:   NewPool(),
		Access: AccPublic | AccSuper,
		Name:   name,
		Super:  super,
	}
	return c
}

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access&AccInterface != 0 }

// Field returns the field with the given name.
func (c *Class) Field(name string) (*Member, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// AddField appends a field.
func (c *Class) AddField(access uint16, name, desc string) *Member {
	f := &Member{Access: access, Name: name, Descriptor: desc}
	c.Fields = append(c.Fields, f)
	return f
}

// AddMethod appends a method.
func (c *Class) AddMethod(access uint16, name, desc string) *Member {
	m := &Member{Access: access, Name: name, Descriptor: desc}
	c.Methods = append(c.Methods, m)
	return m
}

// Attribute returns the first class attribute with the given name.
func (c *Class) Attribute(name string) (*Attribute, bool) {
	return findAttribute(c.Attributes, name)
}

// Parse decodes a class file.
func Parse(data []byte) (*Class, error) {
	s := NewStream(data)
	magic, err := s.ReadUint32()
	if err != nil {
		return nil, malformed(err, "magic")
	}
	if magic != Magic {
		return nil, errors.Wrapf(ErrMalformed, "bad magic 0x%08x", magic)
	}
	c := &Class{Pool: NewPool()}
	if c.Minor, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "minor version")
	}
	if c.Major, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "major version")
	}
	if err := c.Pool.readFrom(s); err != nil {
		return nil, err
	}
	if c.Access, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "access flags")
	}
	var thisIdx, superIdx uint16
	if thisIdx, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "this_class")
	}
	if c.Name, err = c.Pool.ClassName(thisIdx); err != nil {
		return nil, errors.Wrap(err, "this_class")
	}
	if superIdx, err = s.ReadUint16(); err != nil {
		return nil, malformed(err, "super_class")
	}
	if superIdx != 0 {
		if c.Super, err = c.Pool.ClassName(superIdx); err != nil {
			return nil, errors.Wrap(err, "super_class")
		}
	}
	n, err := s.ReadUint16()
	if err != nil {
		return nil, malformed(err, "interfaces count")
	}
	for i := 0; i < int(n); i++ {
		idx, err := s.ReadUint16()
		if err != nil {
			return nil, malformed(err, "interface %d", i)
		}
		name, err := c.Pool.ClassName(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %d", i)
		}
		c.Interfaces = append(c.Interfaces, name)
	}
	if c.Fields, err = readMembers(s, c.Pool, "field"); err != nil {
		return nil, err
	}
	if c.Methods, err = readMembers(s, c.Pool, "method"); err != nil {
		return nil, err
	}
	if c.Attributes, err = readAttributes(s, c.Pool); err != nil {
		return nil, errors.Wrap(err, "class attributes")
	}
	if s.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", s.Remaining())
	}
	return c, nil
}

func readMembers(s *Stream, pool *Pool, kind string) ([]*Member, error) {
	n, err := s.ReadUint16()
	if err != nil {
		return nil, malformed(err, "%s count", kind)
	}
	members := make([]*Member, 0, n)
	for i := 0; i < int(n); i++ {
		m := &Member{}
		var nameIdx, descIdx uint16
		if m.Access, err = s.ReadUint16(); err != nil {
			return nil, malformed(err, "%s %d", kind, i)
		}
		if nameIdx, err = s.ReadUint16(); err != nil {
			return nil, malformed(err, "%s %d", kind, i)
		}
		if descIdx, err = s.ReadUint16(); err != nil {
			return nil, malformed(err, "%s %d", kind, i)
		}
		if m.Name, err = pool.Utf8(nameIdx); err != nil {
			return nil, errors.Wrapf(err, "%s %d name", kind, i)
		}
		if m.Descriptor, err = pool.Utf8(descIdx); err != nil {
			return nil, errors.Wrapf(err, "%s %d descriptor", kind, i)
		}
		if m.Attributes, err = readAttributes(s, pool); err != nil {
			return nil, errors.Wrapf(err, "%s %s", kind, m.Name)
		}
		members = append(members, m)
	}
	return members, nil
}

func readAttributes(s *Stream, pool *Pool) ([]Attribute, error) {
	n, err := s.ReadUint16()
	if err != nil {
		return nil, malformed(err, "attribute count")
	}
	attrs := make([]Attribute, 0, n)
	for i := 0; i < int(n); i++ {
		idx, err := s.ReadUint16()
		if err != nil {
			return nil, malformed(err, "attribute %d", i)
		}
		name, err := pool.Utf8(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %d name", i)
		}
		size, err := s.ReadUint32()
		if err != nil {
			return nil, malformed(err, "attribute %s", name)
		}
		data, err := s.ReadBytes(int(size))
		if err != nil {
			return nil, malformed(err, "attribute %s", name)
		}
		attrs = append(attrs, Attribute{Name: name, Data: data})
	}
	return attrs, nil
}

// Bytes serializes the class. Names are interned on demand so parsed
// entries keep their original indices.
func (c *Class) Bytes() ([]byte, error) {
	p := c.Pool
	this := p.AddClass(c.Name)
	var super uint16
	if c.Super != "" {
		super = p.AddClass(c.Super)
	}
	ifaces := make([]uint16, len(c.Interfaces))
	for i, name := range c.Interfaces {
		ifaces[i] = p.AddClass(name)
	}
	// Intern every name before the pool is written.
	for _, group := range [][]*Member{c.Fields, c.Methods} {
		for _, m := range group {
			p.AddUtf8(m.Name)
			p.AddUtf8(m.Descriptor)
			internAttributeNames(p, m.Attributes)
		}
	}
	internAttributeNames(p, c.Attributes)
	if err := p.Err(); err != nil {
		return nil, err
	}

	var w Writer
	w.U4(Magic)
	w.U2(c.Minor)
	w.U2(c.Major)
	if err := p.writeTo(&w); err != nil {
		return nil, err
	}
	w.U2(c.Access)
	w.U2(this)
	w.U2(super)
	w.U2(uint16(len(ifaces)))
	for _, i := range ifaces {
		w.U2(i)
	}
	for _, group := range [][]*Member{c.Fields, c.Methods} {
		w.U2(uint16(len(group)))
		for _, m := range group {
			w.U2(m.Access)
			w.U2(p.AddUtf8(m.Name))
			w.U2(p.AddUtf8(m.Descriptor))
			writeAttributes(&w, p, m.Attributes)
		}
	}
	writeAttributes(&w, p, c.Attributes)
	return w.Bytes(), nil
}

func internAttributeNames(p *Pool, attrs []Attribute) {
	for _, a := range attrs {
		p.AddUtf8(a.Name)
	}
}

func writeAttributes(w *Writer, p *Pool, attrs []Attribute) {
	w.U2(uint16(len(attrs)))
	for _, a := range attrs {
		w.U2(p.AddUtf8(a.Name))
		w.U4(uint32(len(a.Data)))
		w.Raw(a.Data)
	}
}
