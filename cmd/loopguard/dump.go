package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/output"
)

var methodFlag = &cli.StringFlag{
	Name:    "method",
	Aliases: []string{"m"},
	Usage:   "only methods with this name",
}

var dumpCommand = &cli.Command{
	Name:      "dump",
	Usage:     "print the instruction listing of a class",
	ArgsUsage: "<file.class>",
	Flags: []cli.Flag{
		methodFlag,
		&cli.StringFlag{Name: "out", Usage: "write one listing per method under <dir>/asm instead of stdout"},
	},
	Action: cmdDump,
}

func readClass(c *cli.Context) (*classfile.Class, error) {
	if c.NArg() != 1 {
		return nil, errors.Errorf("%s: expected one class file", c.Command.Name)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return nil, err
	}
	return classfile.Parse(data)
}

// eachBody decodes every method with code that passes the --method filter.
func eachBody(c *cli.Context, cls *classfile.Class, fn func(m *classfile.Member, b *bytecode.Body) error) error {
	only := c.String("method")
	for _, m := range cls.Methods {
		if only != "" && m.Name != only {
			continue
		}
		code, ok, err := m.Code(cls.Pool)
		if err != nil {
			return errors.Wrapf(err, "%s%s", m.Name, m.Descriptor)
		}
		if !ok {
			continue
		}
		b, err := bytecode.Decode(code, cls.Pool)
		if err != nil {
			return errors.Wrapf(err, "%s%s", m.Name, m.Descriptor)
		}
		if err := fn(m, b); err != nil {
			return err
		}
	}
	return nil
}

func cmdDump(c *cli.Context) error {
	cls, err := readClass(c)
	if err != nil {
		return err
	}
	if dir := c.String("out"); dir != "" {
		return dumpFiles(dir, c, cls)
	}
	return dump(c.App.Writer, c, cls)
}

// dumpFiles writes asm/<class>/<method>.<n>.txt, n telling overloads apart.
func dumpFiles(dir string, c *cli.Context, cls *classfile.Class) error {
	n := 0
	return eachBody(c, cls, func(m *classfile.Member, b *bytecode.Body) error {
		name := fmt.Sprintf("%s/%s.%d", cls.Name, strings.Trim(m.Name, "<>"), n)
		n++
		return output.WriteListing(dir, name, b, bytecode.ConstAnnotator(cls.Pool))
	})
}

func dump(w io.Writer, c *cli.Context, cls *classfile.Class) error {
	header := color.New(color.FgCyan, color.Bold)
	fmt.Fprintf(w, "class %s extends %s (version %d.%d)\n\n", cls.Name, cls.Super, cls.Major, cls.Minor)
	return eachBody(c, cls, func(m *classfile.Member, b *bytecode.Body) error {
		header.Fprintf(w, "%s%s", m.Name, m.Descriptor)
		fmt.Fprintf(w, "  stack=%d locals=%d\n", b.MaxStack, b.MaxLocals)
		fmt.Fprintln(w, bytecode.Format(b, bytecode.ConstAnnotator(cls.Pool)))
		return nil
	})
}
