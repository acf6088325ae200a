package bytecode

import "github.com/pkg/errors"

// ErrStaleRef is returned when a Ref names a node that has been removed.
var ErrStaleRef = errors.New("bytecode: stale instruction reference")

// Ref is a handle to a node in a Stream. A Ref stays valid across
// insertions anywhere in the stream; it goes stale once its node is
// replaced or removed. The zero Ref is the end-of-stream sentinel.
type Ref struct {
	idx int32
	gen uint32
}

// Nil is the end-of-stream Ref.
var Nil Ref

// IsNil reports whether r is the end-of-stream sentinel.
func (r Ref) IsNil() bool { return r.gen == 0 }

type node struct {
	insn       Insn
	prev, next int32
	gen        uint32 // 0 when the slot is free
	off        int    // code offset from the last layout
}

// Stream is an ordered, mutable method body. Nodes live in an arena and
// are linked in both directions, so edits never copy the sequence.
type Stream struct {
	nodes      []node // nodes[0] is unused so a zero index means "none"
	head, tail int32
	free       []int32
	gens       uint32
	n          int
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{nodes: make([]node, 1)}
}

// Len returns the number of nodes, pseudo-instructions included.
func (s *Stream) Len() int { return s.n }

func (s *Stream) alloc(insn Insn) int32 {
	s.gens++
	var idx int32
	if k := len(s.free); k > 0 {
		idx = s.free[k-1]
		s.free = s.free[:k-1]
	} else {
		s.nodes = append(s.nodes, node{})
		idx = int32(len(s.nodes) - 1)
	}
	s.nodes[idx] = node{insn: insn, gen: s.gens}
	s.n++
	return idx
}

func (s *Stream) ref(idx int32) Ref {
	if idx == 0 {
		return Nil
	}
	return Ref{idx: idx, gen: s.nodes[idx].gen}
}

// Valid reports whether r names a live node.
func (s *Stream) Valid(r Ref) bool {
	return r.idx > 0 && int(r.idx) < len(s.nodes) && r.gen != 0 && s.nodes[r.idx].gen == r.gen
}

func (s *Stream) check(r Ref) error {
	if !s.Valid(r) {
		return ErrStaleRef
	}
	return nil
}

// Get returns the instruction at r, or nil for a stale or nil Ref.
func (s *Stream) Get(r Ref) Insn {
	if !s.Valid(r) {
		return nil
	}
	return s.nodes[r.idx].insn
}

// First returns the head of the stream.
func (s *Stream) First() Ref { return s.ref(s.head) }

// Last returns the tail of the stream.
func (s *Stream) Last() Ref { return s.ref(s.tail) }

// Next returns the node after r.
func (s *Stream) Next(r Ref) Ref {
	if !s.Valid(r) {
		return Nil
	}
	return s.ref(s.nodes[r.idx].next)
}

// Prev returns the node before r.
func (s *Stream) Prev(r Ref) Ref {
	if !s.Valid(r) {
		return Nil
	}
	return s.ref(s.nodes[r.idx].prev)
}

// link places idx between prev and next.
func (s *Stream) link(idx, prev, next int32) {
	s.nodes[idx].prev = prev
	s.nodes[idx].next = next
	if prev == 0 {
		s.head = idx
	} else {
		s.nodes[prev].next = idx
	}
	if next == 0 {
		s.tail = idx
	} else {
		s.nodes[next].prev = idx
	}
}

// insertBetween links seq in order between prev and next and returns the
// Ref of the last inserted node, or Nil for an empty seq.
func (s *Stream) insertBetween(prev, next int32, seq []Insn) Ref {
	last := Nil
	for _, insn := range seq {
		idx := s.alloc(insn)
		s.link(idx, prev, next)
		prev = idx
		last = s.ref(idx)
	}
	return last
}

// Append adds seq at the end of the stream.
func (s *Stream) Append(seq ...Insn) Ref {
	return s.insertBetween(s.tail, 0, seq)
}

// InsertAtHead adds seq before the first node.
func (s *Stream) InsertAtHead(seq ...Insn) Ref {
	return s.insertBetween(0, s.head, seq)
}

// InsertAfter adds seq immediately after at and returns the last inserted Ref.
func (s *Stream) InsertAfter(at Ref, seq ...Insn) (Ref, error) {
	if err := s.check(at); err != nil {
		return Nil, err
	}
	return s.insertBetween(at.idx, s.nodes[at.idx].next, seq), nil
}

// InsertBefore adds seq immediately before at.
func (s *Stream) InsertBefore(at Ref, seq ...Insn) error {
	if err := s.check(at); err != nil {
		return err
	}
	s.insertBetween(s.nodes[at.idx].prev, at.idx, seq)
	return nil
}

// Remove unlinks the node at r. r and any copies of it become stale.
func (s *Stream) Remove(r Ref) error {
	if err := s.check(r); err != nil {
		return err
	}
	nd := &s.nodes[r.idx]
	prev, next := nd.prev, nd.next
	if prev == 0 {
		s.head = next
	} else {
		s.nodes[prev].next = next
	}
	if next == 0 {
		s.tail = prev
	} else {
		s.nodes[next].prev = prev
	}
	*nd = node{}
	s.free = append(s.free, r.idx)
	s.n--
	return nil
}

// Replace substitutes seq for the node at r as a single edit and returns the
// Ref of the last node of seq. A scan that continues from the returned Ref
// resumes exactly after the replacement. An empty seq behaves like Remove
// and returns the node that preceded r.
func (s *Stream) Replace(r Ref, seq ...Insn) (Ref, error) {
	if err := s.check(r); err != nil {
		return Nil, err
	}
	prev, next := s.nodes[r.idx].prev, s.nodes[r.idx].next
	if err := s.Remove(r); err != nil {
		return Nil, err
	}
	if len(seq) == 0 {
		return s.ref(prev), nil
	}
	return s.insertBetween(prev, next, seq), nil
}

// Each calls fn for every node whose instruction satisfies match, in order.
// fn returns the Ref to resume after; returning the Ref it was given keeps
// the scan on course, and returning the last node of an edit skips the
// edit. Nodes inserted ahead of the cursor are visited.
func (s *Stream) Each(match func(Insn) bool, fn func(Ref, Insn) (Ref, error)) error {
	for r := s.First(); !r.IsNil(); {
		insn := s.nodes[r.idx].insn
		if match == nil || match(insn) {
			resume, err := fn(r, insn)
			if err != nil {
				return err
			}
			if !s.Valid(resume) {
				return ErrStaleRef
			}
			r = resume
		}
		r = s.Next(r)
	}
	return nil
}

// Insns returns the live instructions in order.
func (s *Stream) Insns() []Insn {
	out := make([]Insn, 0, s.n)
	for idx := s.head; idx != 0; idx = s.nodes[idx].next {
		out = append(out, s.nodes[idx].insn)
	}
	return out
}

// Refs returns the live node handles in order.
func (s *Stream) Refs() []Ref {
	out := make([]Ref, 0, s.n)
	for idx := s.head; idx != 0; idx = s.nodes[idx].next {
		out = append(out, s.ref(idx))
	}
	return out
}

// Offset returns the code offset of r from the last layout.
func (s *Stream) Offset(r Ref) int {
	if !s.Valid(r) {
		return -1
	}
	return s.nodes[r.idx].off
}

// Branches matches jumps and switches.
func Branches(insn Insn) bool { return IsBranch(insn) }

// OpcodeIs matches instructions with the given opcode.
func OpcodeIs(op Opcode) func(Insn) bool {
	return func(insn Insn) bool { return insn.Opcode() == op }
}
