package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/loops"
)

var loopsCommand = &cli.Command{
	Name:      "loops",
	Usage:     "print back edges, or the control flow graph as DOT",
	ArgsUsage: "<file.class>",
	Flags: []cli.Flag{
		methodFlag,
		&cli.BoolFlag{Name: "dot", Usage: "print a DOT graph instead of the back edge list"},
	},
	Action: cmdLoops,
}

func cmdLoops(c *cli.Context) error {
	cls, err := readClass(c)
	if err != nil {
		return err
	}
	if c.Bool("dot") {
		return loopsDOT(c.App.Writer, c, cls)
	}
	return listLoops(c.App.Writer, c, cls)
}

func listLoops(w io.Writer, c *cli.Context, cls *classfile.Class) error {
	return eachBody(c, cls, func(m *classfile.Member, b *bytecode.Body) error {
		found, err := loops.Find(b)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		index := make(map[bytecode.Ref]int)
		labels := make(map[*bytecode.Label]int)
		for i, r := range b.Insns.Refs() {
			index[r] = i
			if l, ok := b.Insns.Get(r).(*bytecode.Label); ok {
				labels[l] = i
			}
		}
		labelName := func(l *bytecode.Label) string { return fmt.Sprintf("@%d", labels[l]) }
		fmt.Fprintf(w, "%s%s\n", m.Name, m.Descriptor)
		for _, l := range found {
			fmt.Fprintf(w, "  %5d -> %-5d %s\n", index[l.From], index[l.To],
				bytecode.Text(b.Insns.Get(l.From), labelName))
		}
		return nil
	})
}

func loopsDOT(w io.Writer, c *cli.Context, cls *classfile.Class) error {
	var cfgs []*loops.FuncCFG
	err := eachBody(c, cls, func(m *classfile.Member, b *bytecode.Body) error {
		cfg := loops.BuildCFG(cls.Name+"."+m.Name+m.Descriptor, b)
		cfgs = append(cfgs, &cfg)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, loops.DOT(cls.Name, cfgs...))
	return err
}
