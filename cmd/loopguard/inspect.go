package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/instrument"
	"loopguard/internal/loops"
)

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "show which methods would be instrumented",
	ArgsUsage: "<file.class>",
	Flags:     []cli.Flag{configFlag, methodFlag},
	Action:    cmdInspect,
}

func cmdInspect(c *cli.Context) error {
	cls, err := readClass(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	return inspect(c.App.Writer, c, cls, settings)
}

func inspect(w io.Writer, c *cli.Context, cls *classfile.Class, settings instrument.Settings) error {
	fmt.Fprintf(w, "class %s\n", cls.Name)
	fmt.Fprintf(w, "marker: %s\n", markerStatus(cls))

	selected, err := instrument.Select(cls, settings)
	if err != nil {
		return err
	}
	byMethod := make(map[*classfile.Member]*instrument.MethodProperties, len(selected))
	for _, p := range selected {
		byMethod[p.Method] = p
	}

	var rows [][]string
	err = eachBody(c, cls, func(m *classfile.Member, b *bytecode.Body) error {
		branches := 0
		for _, insn := range b.Insns.Insns() {
			if bytecode.IsBranch(insn) {
				branches++
			}
		}
		found, err := loops.Find(b)
		if err != nil {
			return err
		}
		watchdog := "-"
		if p, ok := byMethod[m]; ok {
			watchdog = fmt.Sprintf("%s, slot %d", p.Origin, p.Watchdog.Index)
		}
		rows = append(rows, []string{
			m.Name,
			m.Descriptor,
			strconv.Itoa(int(b.MaxStack)),
			strconv.Itoa(int(b.MaxLocals)),
			strconv.Itoa(branches),
			strconv.Itoa(len(found)),
			watchdog,
		})
		return nil
	})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Method", "Descriptor", "Stack", "Locals", "Branches", "Back edges", "Watchdog"})
	table.SetFooter([]string{"", "", "", "", "", "Selected", strconv.Itoa(len(selected))})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func markerStatus(cls *classfile.Class) string {
	f, ok := cls.Field(instrument.MarkerField)
	if !ok {
		return "absent"
	}
	v, ok, err := f.ConstantValue(cls.Pool)
	if err != nil || !ok || v.Tag != classfile.TagLong {
		return "present, unreadable"
	}
	return fmt.Sprintf("version %d (current %d)", int64(v.Value), instrument.FormatVersion)
}
