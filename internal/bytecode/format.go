package bytecode

import (
	"fmt"
	"strings"

	"loopguard/internal/classfile"
)

// Annotator returns a trailing comment for an instruction, or "".
type Annotator func(r Ref, insn Insn) string

// Format renders the body as stable text output.
// Each line: <index>  <disasm>  ; <comments>
// Labels are named L0, L1, ... in stream order. Annotators are checked in
// order; every non-empty result is appended.
func Format(b *Body, annotators ...Annotator) string {
	s := b.Insns
	names := make(map[*Label]string)
	for _, insn := range s.Insns() {
		if l, ok := insn.(*Label); ok {
			names[l] = fmt.Sprintf("L%d", len(names))
		}
	}
	labelName := func(l *Label) string {
		if n, ok := names[l]; ok {
			return n
		}
		return "L?"
	}

	var sb strings.Builder
	for i, r := range s.Refs() {
		insn := s.Get(r)
		if _, ok := insn.(*Label); ok {
			fmt.Fprintf(&sb, "%s\n", Text(insn, labelName))
			continue
		}
		fmt.Fprintf(&sb, "%5d  %s", i, Text(insn, labelName))
		for _, ann := range annotators {
			if c := ann(r, insn); c != "" {
				fmt.Fprintf(&sb, "  ; %s", c)
			}
		}
		sb.WriteByte('\n')
	}
	for _, h := range b.Handlers {
		typ := h.Type
		if typ == "" {
			typ = "any"
		}
		fmt.Fprintf(&sb, "  try %s..%s -> %s  catch %s\n",
			labelName(h.Start), labelName(h.End), labelName(h.Handler), typ)
	}
	return sb.String()
}

// MarkAnnotator flags the instruction at bad.
func MarkAnnotator(bad Ref) Annotator {
	return func(r Ref, _ Insn) string {
		if r == bad {
			return "<<< BAD INSTRUCTION HERE"
		}
		return ""
	}
}

// ConstAnnotator resolves ldc operands against the constant pool.
func ConstAnnotator(pool *classfile.Pool) Annotator {
	return func(_ Ref, insn Insn) string {
		ldc, ok := insn.(*Ldc)
		if !ok {
			return ""
		}
		c, err := pool.Get(ldc.Index)
		if err != nil {
			return "?"
		}
		switch c.Tag {
		case classfile.TagString:
			if s, err := pool.Utf8(c.A); err == nil {
				if len(s) > 50 {
					s = s[:47] + "..."
				}
				return fmt.Sprintf("%q", s)
			}
		case classfile.TagClass:
			if s, err := pool.Utf8(c.A); err == nil {
				return s + ".class"
			}
		case classfile.TagInteger:
			return fmt.Sprintf("int %d", int32(c.Value))
		case classfile.TagLong:
			return fmt.Sprintf("long %d", int64(c.Value))
		}
		return c.Tag.String()
	}
}
