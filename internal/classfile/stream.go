// Class file data stream reader and writer.
// All multi-byte quantities are big-endian per the class file format.
package classfile

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrStreamEOF = errors.New("stream: unexpected end of data")
	ErrMalformed = errors.New("classfile: malformed input")
)

// Stream reads class file data.
type Stream struct {
	data []byte
	pos  int
	end  int
}

// NewStream creates a stream over the given data.
func NewStream(data []byte) *Stream {
	return &Stream{data: data, pos: 0, end: len(data)}
}

// Position returns the current read position.
func (s *Stream) Position() int { return s.pos }

// Remaining returns bytes left to read.
func (s *Stream) Remaining() int { return s.end - s.pos }

// ReadUint8 reads a single byte.
func (s *Stream) ReadUint8() (uint8, error) {
	if s.pos >= s.end {
		return 0, ErrStreamEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// ReadUint16 reads a big-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if s.pos+2 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.BigEndian.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	if s.pos+4 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.BigEndian.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// ReadUint64 reads a big-endian uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	if s.pos+8 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.BigEndian.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

// ReadBytes reads n bytes into a new slice.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if n < 0 || s.pos+n > s.end {
		return nil, ErrStreamEOF
	}
	out := make([]byte, n)
	copy(out, s.data[s.pos:s.pos+n])
	s.pos += n
	return out, nil
}

// Skip advances the position by n bytes.
func (s *Stream) Skip(n int) error {
	if n < 0 || s.pos+n > s.end {
		return ErrStreamEOF
	}
	s.pos += n
	return nil
}

// Writer accumulates big-endian class file data.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated data.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) U1(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U2(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) U4(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) U8(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// PutU2 overwrites two bytes at off.
func (w *Writer) PutU2(off int, v uint16) { binary.BigEndian.PutUint16(w.buf[off:], v) }

// PutU4 overwrites four bytes at off.
func (w *Writer) PutU4(off int, v uint32) { binary.BigEndian.PutUint32(w.buf[off:], v) }

// malformed wraps a read failure with the section being read.
func malformed(err error, format string, args ...any) error {
	if errors.Is(err, ErrMalformed) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(errors.Wrap(ErrMalformed, err.Error()), format, args...)
}
