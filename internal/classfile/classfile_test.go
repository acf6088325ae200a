package classfile

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestStreamBigEndian(t *testing.T) {
	s := NewStream([]byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x34, 0x07})
	v, err := s.ReadUint32()
	if err != nil || v != Magic {
		t.Fatalf("ReadUint32 = 0x%x, %v", v, err)
	}
	u, err := s.ReadUint16()
	if err != nil || u != 52 {
		t.Fatalf("ReadUint16 = %d, %v", u, err)
	}
	if s.Remaining() != 1 {
		t.Fatalf("remaining = %d, want 1", s.Remaining())
	}
	if _, err := s.ReadUint16(); err != ErrStreamEOF {
		t.Fatalf("ReadUint16 past end: err = %v, want ErrStreamEOF", err)
	}
}

func TestMUTF8(t *testing.T) {
	tests := []struct {
		in  string
		raw []byte
	}{
		{"abc", []byte("abc")},
		{"a\x00b", []byte{'a', 0xC0, 0x80, 'b'}},
		{"é", []byte{0xC3, 0xA9}},
		{"😀", []byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}},
	}
	for _, tt := range tests {
		got := encodeMUTF8(tt.in)
		if !bytes.Equal(got, tt.raw) {
			t.Errorf("encode(%q) = % x, want % x", tt.in, got, tt.raw)
		}
		back, ok := decodeMUTF8(tt.raw)
		if !ok || back != tt.in {
			t.Errorf("decode(% x) = %q, %v; want %q", tt.raw, back, ok, tt.in)
		}
	}
	if _, ok := decodeMUTF8([]byte{'a', 0}); ok {
		t.Error("decode accepted a raw NUL byte")
	}
}

func TestPoolInternDedup(t *testing.T) {
	p := NewPool()
	a := p.AddMethodref("Foo", "bar", "()V")
	b := p.AddMethodref("Foo", "bar", "()V")
	if a != b {
		t.Fatalf("methodref interned twice: %d vs %d", a, b)
	}
	l := p.AddLong(7)
	next := p.AddUtf8("after")
	if next != l+2 {
		t.Fatalf("long occupies %d slots, want 2", next-l)
	}
	ref, err := p.Member(a)
	if err != nil {
		t.Fatal(err)
	}
	if ref.String() != "Foo.bar:()V" {
		t.Fatalf("member = %s", ref)
	}
	if _, err := p.Utf8(a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Utf8 on methodref: err = %v, want ErrMalformed", err)
	}
}

func sampleClass(t *testing.T) []byte {
	t.Helper()
	c := New("pkg/Sample", "java/lang/Object", 52)
	c.Interfaces = []string{"java/lang/Runnable"}
	f := c.AddField(AccPublic|AccStatic|AccFinal, "LIMIT", "J")
	f.SetConstantValue(c.Pool.AddLong(42))
	m := c.AddMethod(AccPublic, "run", "()V")
	code := &Code{MaxStack: 0, MaxLocals: 1, Code: []byte{0xb1}}
	data, err := code.Bytes(c.Pool)
	if err != nil {
		t.Fatal(err)
	}
	m.SetAttribute("Code", data)
	out, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseRoundTrip(t *testing.T) {
	raw := sampleClass(t)
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Name != "pkg/Sample" || c.Super != "java/lang/Object" || c.Major != 52 {
		t.Fatalf("header = %s extends %s v%d", c.Name, c.Super, c.Major)
	}
	if len(c.Interfaces) != 1 || c.Interfaces[0] != "java/lang/Runnable" {
		t.Fatalf("interfaces = %v", c.Interfaces)
	}
	f, ok := c.Field("LIMIT")
	if !ok {
		t.Fatal("field LIMIT missing")
	}
	cv, ok, err := f.ConstantValue(c.Pool)
	if err != nil || !ok || cv.Tag != TagLong || cv.Value != 42 {
		t.Fatalf("ConstantValue = %+v, %v, %v", cv, ok, err)
	}
	code, ok, err := c.Methods[0].Code(c.Pool)
	if err != nil || !ok {
		t.Fatalf("Code: %v %v", ok, err)
	}
	if !bytes.Equal(code.Code, []byte{0xb1}) || code.MaxLocals != 1 {
		t.Fatalf("code = %+v", code)
	}

	again, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, again) {
		t.Fatal("re-serialized class differs from input")
	}
}

func TestParseMalformed(t *testing.T) {
	raw := sampleClass(t)
	cases := map[string][]byte{
		"empty":     nil,
		"bad magic": append([]byte{0xCA, 0xFE, 0xBA, 0xBF}, raw[4:]...),
		"truncated": raw[:len(raw)-3],
		"trailing":  append(append([]byte{}, raw...), 0),
	}
	for name, data := range cases {
		if _, err := Parse(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestVisibleAnnotations(t *testing.T) {
	p := NewPool()
	ann := p.AddUtf8("Lorg/example/Guarded;")
	other := p.AddUtf8("Lorg/example/Other;")
	elemName := p.AddUtf8("value")
	var w Writer
	w.U2(2)
	w.U2(other)
	w.U2(1)
	w.U2(elemName)
	w.U1('[')
	w.U2(2)
	w.U1('I')
	w.U2(p.AddInteger(1))
	w.U1('e')
	w.U2(1)
	w.U2(1)
	w.U2(ann)
	w.U2(0)
	m := &Member{Name: "m", Descriptor: "()V"}
	m.SetAttribute("RuntimeVisibleAnnotations", w.Bytes())

	got, err := m.VisibleAnnotations(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "Lorg/example/Other;" || got[1] != "Lorg/example/Guarded;" {
		t.Fatalf("annotations = %v", got)
	}
}

func TestParseMethodDescriptor(t *testing.T) {
	tests := []struct {
		desc   string
		params int
		slots  int
		ret    string
	}{
		{"()V", 0, 0, "V"},
		{"(IJ)I", 2, 3, "I"},
		{"([[Ljava/lang/String;D)Ljava/lang/Object;", 2, 3, "Ljava/lang/Object;"},
	}
	for _, tt := range tests {
		mt, err := ParseMethodDescriptor(tt.desc)
		if err != nil {
			t.Errorf("%s: %v", tt.desc, err)
			continue
		}
		if len(mt.Params) != tt.params || mt.ArgSlots(true) != tt.slots || mt.Return != tt.ret {
			t.Errorf("%s: params=%v slots=%d ret=%s", tt.desc, mt.Params, mt.ArgSlots(true), mt.Return)
		}
		if mt.ArgSlots(false) != tt.slots+1 {
			t.Errorf("%s: instance slots = %d", tt.desc, mt.ArgSlots(false))
		}
	}
	for _, bad := range []string{"V", "(L;)V", "(I", "(Q)V", "()Ljava"} {
		if _, err := ParseMethodDescriptor(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}
