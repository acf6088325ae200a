package classfile

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Tag identifies a constant pool entry kind.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

var tagNames = map[Tag]string{
	TagUtf8: "Utf8", TagInteger: "Integer", TagFloat: "Float", TagLong: "Long",
	TagDouble: "Double", TagClass: "Class", TagString: "String", TagFieldref: "Fieldref",
	TagMethodref: "Methodref", TagInterfaceMethodref: "InterfaceMethodref",
	TagNameAndType: "NameAndType", TagMethodHandle: "MethodHandle", TagMethodType: "MethodType",
	TagDynamic: "Dynamic", TagInvokeDynamic: "InvokeDynamic", TagModule: "Module", TagPackage: "Package",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Wide reports whether the entry occupies two pool slots.
func (t Tag) Wide() bool { return t == TagLong || t == TagDouble }

// Constant is one constant pool entry.
//
// Field use by tag:
//
//	Utf8                          Text (raw holds the encoded bytes)
//	Integer, Float, Long, Double  Value (raw bits)
//	Class, String, MethodType,
//	Module, Package               A = Utf8 index
//	*ref                          A = Class index, B = NameAndType index
//	NameAndType                   A = name, B = descriptor
//	MethodHandle                  Kind, A = reference index
//	Dynamic, InvokeDynamic        A = bootstrap method index, B = NameAndType index
type Constant struct {
	Tag   Tag
	Text  string
	Value uint64
	A, B  uint16
	Kind  uint8
	raw   []byte
}

type poolKey struct {
	tag  Tag
	text string
	val  uint64
	a, b uint16
	kind uint8
}

func (c *Constant) key() poolKey {
	return poolKey{tag: c.Tag, text: c.Text, val: c.Value, a: c.A, b: c.B, kind: c.Kind}
}

// MaxPoolSize is the largest constant pool count a class file can express.
const MaxPoolSize = math.MaxUint16

// ErrPoolOverflow reports that interning would exceed MaxPoolSize entries.
var ErrPoolOverflow = errors.New("classfile: constant pool overflow")

// Pool is a class constant pool. Existing entries keep their indices;
// interned entries are appended and deduplicated against everything
// already present.
type Pool struct {
	entries []*Constant // entries[0] and the slot after a wide entry are nil
	index   map[poolKey]uint16
	err     error
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: []*Constant{nil}, index: make(map[poolKey]uint16)}
}

// Count returns the constant_pool_count value (one more than the last index).
func (p *Pool) Count() int { return len(p.entries) }

// Err returns the sticky interning error, if any.
func (p *Pool) Err() error { return p.err }

// Get returns the entry at index i.
func (p *Pool) Get(i uint16) (*Constant, error) {
	if int(i) >= len(p.entries) || p.entries[i] == nil {
		return nil, errors.Wrapf(ErrMalformed, "constant pool index %d out of range", i)
	}
	return p.entries[i], nil
}

func (p *Pool) expect(i uint16, tags ...Tag) (*Constant, error) {
	c, err := p.Get(i)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if c.Tag == t {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrMalformed, "constant %d is %s, want %v", i, c.Tag, tags)
}

// Utf8 returns the text of a Utf8 entry.
func (p *Pool) Utf8(i uint16) (string, error) {
	c, err := p.expect(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// ClassName returns the internal name referenced by a Class entry.
func (p *Pool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.A)
}

// StringValue returns the text referenced by a String entry.
func (p *Pool) StringValue(i uint16) (string, error) {
	c, err := p.expect(i, TagString)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.A)
}

// NameAndType resolves a NameAndType entry.
func (p *Pool) NameAndType(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Utf8(c.A); err != nil {
		return "", "", err
	}
	desc, err = p.Utf8(c.B)
	return name, desc, err
}

// MemberRef is a resolved field or method reference.
type MemberRef struct {
	Tag   Tag
	Owner string
	Name  string
	Desc  string
}

func (r MemberRef) String() string { return r.Owner + "." + r.Name + ":" + r.Desc }

// Member resolves a Fieldref, Methodref or InterfaceMethodref entry.
func (p *Pool) Member(i uint16) (MemberRef, error) {
	c, err := p.expect(i, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return MemberRef{}, err
	}
	owner, err := p.ClassName(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Tag: c.Tag, Owner: owner, Name: name, Desc: desc}, nil
}

// add appends or reuses an entry.
func (p *Pool) add(c Constant) uint16 {
	k := c.key()
	if i, ok := p.index[k]; ok {
		return i
	}
	need := 1
	if c.Tag.Wide() {
		need = 2
	}
	if len(p.entries)+need > MaxPoolSize {
		if p.err == nil {
			p.err = ErrPoolOverflow
		}
		return 0
	}
	i := uint16(len(p.entries))
	cc := c
	p.entries = append(p.entries, &cc)
	if need == 2 {
		p.entries = append(p.entries, nil)
	}
	p.index[k] = i
	return i
}

// AddUtf8 interns a Utf8 entry.
func (p *Pool) AddUtf8(s string) uint16 {
	return p.add(Constant{Tag: TagUtf8, Text: s})
}

// AddClass interns a Class entry for an internal name.
func (p *Pool) AddClass(name string) uint16 {
	return p.add(Constant{Tag: TagClass, A: p.AddUtf8(name)})
}

// AddString interns a String entry.
func (p *Pool) AddString(s string) uint16 {
	return p.add(Constant{Tag: TagString, A: p.AddUtf8(s)})
}

func (p *Pool) AddInteger(v int32) uint16 {
	return p.add(Constant{Tag: TagInteger, Value: uint64(uint32(v))})
}

func (p *Pool) AddFloat(v float32) uint16 {
	return p.add(Constant{Tag: TagFloat, Value: uint64(math.Float32bits(v))})
}

func (p *Pool) AddLong(v int64) uint16 {
	return p.add(Constant{Tag: TagLong, Value: uint64(v)})
}

func (p *Pool) AddDouble(v float64) uint16 {
	return p.add(Constant{Tag: TagDouble, Value: math.Float64bits(v)})
}

// AddNameAndType interns a NameAndType entry.
func (p *Pool) AddNameAndType(name, desc string) uint16 {
	return p.add(Constant{Tag: TagNameAndType, A: p.AddUtf8(name), B: p.AddUtf8(desc)})
}

// AddMember interns a field or method reference of the given tag.
func (p *Pool) AddMember(ref MemberRef) uint16 {
	return p.add(Constant{Tag: ref.Tag, A: p.AddClass(ref.Owner), B: p.AddNameAndType(ref.Name, ref.Desc)})
}

// AddFieldref interns a Fieldref entry.
func (p *Pool) AddFieldref(owner, name, desc string) uint16 {
	return p.AddMember(MemberRef{Tag: TagFieldref, Owner: owner, Name: name, Desc: desc})
}

// AddMethodref interns a Methodref entry.
func (p *Pool) AddMethodref(owner, name, desc string) uint16 {
	return p.AddMember(MemberRef{Tag: TagMethodref, Owner: owner, Name: name, Desc: desc})
}

func (p *Pool) readFrom(s *Stream) error {
	count, err := s.ReadUint16()
	if err != nil {
		return malformed(err, "constant pool count")
	}
	if count == 0 {
		return errors.Wrap(ErrMalformed, "constant pool count is zero")
	}
	for i := 1; i < int(count); i++ {
		t, err := s.ReadUint8()
		if err != nil {
			return malformed(err, "constant %d", i)
		}
		c := &Constant{Tag: Tag(t)}
		switch c.Tag {
		case TagUtf8:
			n, err := s.ReadUint16()
			if err != nil {
				return malformed(err, "constant %d", i)
			}
			raw, err := s.ReadBytes(int(n))
			if err != nil {
				return malformed(err, "constant %d", i)
			}
			text, ok := decodeMUTF8(raw)
			if !ok {
				return errors.Wrapf(ErrMalformed, "constant %d: invalid modified UTF-8", i)
			}
			c.Text, c.raw = text, raw
		case TagInteger, TagFloat:
			v, err := s.ReadUint32()
			if err != nil {
				return malformed(err, "constant %d", i)
			}
			c.Value = uint64(v)
		case TagLong, TagDouble:
			v, err := s.ReadUint64()
			if err != nil {
				return malformed(err, "constant %d", i)
			}
			c.Value = v
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			if c.A, err = s.ReadUint16(); err != nil {
				return malformed(err, "constant %d", i)
			}
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			if c.A, err = s.ReadUint16(); err != nil {
				return malformed(err, "constant %d", i)
			}
			if c.B, err = s.ReadUint16(); err != nil {
				return malformed(err, "constant %d", i)
			}
		case TagMethodHandle:
			if c.Kind, err = s.ReadUint8(); err != nil {
				return malformed(err, "constant %d", i)
			}
			if c.A, err = s.ReadUint16(); err != nil {
				return malformed(err, "constant %d", i)
			}
		default:
			return errors.Wrapf(ErrMalformed, "constant %d: unknown tag %d", i, t)
		}
		p.entries = append(p.entries, c)
		if _, dup := p.index[c.key()]; !dup {
			p.index[c.key()] = uint16(i)
		}
		if c.Tag.Wide() {
			p.entries = append(p.entries, nil)
			i++
		}
	}
	if len(p.entries) != int(count) {
		return errors.Wrap(ErrMalformed, "wide constant overruns constant pool")
	}
	return nil
}

func (p *Pool) writeTo(w *Writer) error {
	if p.err != nil {
		return p.err
	}
	w.U2(uint16(len(p.entries)))
	for _, c := range p.entries {
		if c == nil {
			continue
		}
		w.U1(uint8(c.Tag))
		switch c.Tag {
		case TagUtf8:
			raw := c.raw
			if raw == nil {
				raw = encodeMUTF8(c.Text)
			}
			if len(raw) > math.MaxUint16 {
				return errors.Errorf("classfile: utf8 constant too long (%d bytes)", len(raw))
			}
			w.U2(uint16(len(raw)))
			w.Raw(raw)
		case TagInteger, TagFloat:
			w.U4(uint32(c.Value))
		case TagLong, TagDouble:
			w.U8(c.Value)
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.U2(c.A)
		case TagMethodHandle:
			w.U1(c.Kind)
			w.U2(c.A)
		default:
			w.U2(c.A)
			w.U2(c.B)
		}
	}
	return nil
}
