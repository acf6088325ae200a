package loops

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"loopguard/internal/bytecode"
)

// BasicBlock represents a sequence of instructions with a single entry point.
type BasicBlock struct {
	ID      int
	Start   int    // index into FuncCFG.Insns (inclusive)
	End     int    // index into FuncCFG.Insns (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // ends with a return, athrow or ret
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken, "F" = fallthrough, "E" = exception, else a switch key
}

// FuncCFG is a per-method control flow graph over the real instructions of
// a body.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insns  []bytecode.Insn
}

// BuildCFG constructs a control flow graph from a method body.
// The algorithm:
//  1. Find block leaders: index 0, branch targets, handler boundaries,
//     instructions after branches and terminators.
//  2. Partition instructions into blocks by leaders.
//  3. Compute successor edges from each block's last instruction and from
//     the exception ranges covering it.
func BuildCFG(name string, b *bytecode.Body) FuncCFG {
	var insns []bytecode.Insn
	labelIdx := make(map[*bytecode.Label]int)
	var pending []*bytecode.Label
	for _, insn := range b.Insns.Insns() {
		switch i := insn.(type) {
		case *bytecode.Label:
			pending = append(pending, i)
			continue
		case *bytecode.LineNumber:
			continue
		}
		for _, l := range pending {
			labelIdx[l] = len(insns)
		}
		pending = pending[:0]
		insns = append(insns, insn)
	}
	for _, l := range pending {
		labelIdx[l] = len(insns)
	}
	if len(insns) == 0 {
		return FuncCFG{Name: name}
	}

	// Pass 1: Identify block leaders.
	leaders := map[int]bool{0: true}
	mark := func(idx int) {
		if idx < len(insns) {
			leaders[idx] = true
		}
	}
	for i, insn := range insns {
		op := insn.Opcode()
		if bytecode.IsBranch(insn) || !op.FallsThrough() {
			mark(i + 1)
		}
		for _, l := range bytecode.Targets(insn) {
			if idx, ok := labelIdx[l]; ok {
				mark(idx)
			}
		}
	}
	for _, h := range b.Handlers {
		for _, l := range []*bytecode.Label{h.Start, h.End, h.Handler} {
			if idx, ok := labelIdx[l]; ok {
				mark(idx)
			}
		}
	}

	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: Partition into blocks.
	blocks := make([]BasicBlock, len(sorted))
	leaderToBlock := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := len(insns)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = BasicBlock{ID: i, Start: start, End: end, IsEntry: start == 0}
		leaderToBlock[start] = i
	}
	blockOf := func(l *bytecode.Label) (int, bool) {
		idx, ok := labelIdx[l]
		if !ok {
			return 0, false
		}
		bid, ok := leaderToBlock[idx]
		return bid, ok
	}

	// Pass 3: Compute successors.
	for i := range blocks {
		blk := &blocks[i]
		last := insns[blk.End-1]
		op := last.Opcode()
		switch insn := last.(type) {
		case *bytecode.Jump:
			if bid, ok := blockOf(insn.Target); ok {
				cond := ""
				if op.IsConditional() {
					cond = "T"
				}
				blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: cond})
			}
		case *bytecode.TableSwitch:
			for k, t := range insn.Targets {
				if bid, ok := blockOf(t); ok {
					blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: fmt.Sprint(insn.Low + int32(k))})
				}
			}
			if bid, ok := blockOf(insn.Default); ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: "default"})
			}
		case *bytecode.LookupSwitch:
			for k, t := range insn.Targets {
				if bid, ok := blockOf(t); ok {
					blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: fmt.Sprint(insn.Keys[k])})
				}
			}
			if bid, ok := blockOf(insn.Default); ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: "default"})
			}
		}
		if op.FallsThrough() {
			if next, ok := leaderToBlock[blk.End]; ok {
				cond := ""
				if op.IsConditional() {
					cond = "F"
				}
				blk.Succs = append(blk.Succs, Succ{BlockID: next, Cond: cond})
			}
		} else if !bytecode.IsBranch(last) {
			blk.IsTerm = true
		}

		for _, h := range b.Handlers {
			start, ok1 := labelIdx[h.Start]
			end, ok2 := labelIdx[h.End]
			hid, ok3 := blockOf(h.Handler)
			if ok1 && ok2 && ok3 && blk.Start < end && blk.End > start {
				blk.Succs = append(blk.Succs, Succ{BlockID: hid, Cond: "E"})
			}
		}
	}

	return FuncCFG{Name: name, Blocks: blocks, Insns: insns}
}

// ToLattice maps a FuncCFG to a lattice.FuncCFG. Method invocations become
// call sites of the block that contains them.
func ToLattice(cfg *FuncCFG) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: cfg.Name}
	for _, db := range cfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		for idx := db.Start; idx < db.End; idx++ {
			switch i := cfg.Insns[idx].(type) {
			case *bytecode.Method:
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: i.Ref.Owner + "." + i.Ref.Name})
			case *bytecode.InvokeDynamic:
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: "indy " + i.Name})
			}
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}

// DOT renders the graphs of one or more methods as a single DOT document.
func DOT(title string, cfgs ...*FuncCFG) string {
	g := &lattice.CFGGraph{}
	for _, c := range cfgs {
		g.Funcs = append(g.Funcs, ToLattice(c))
	}
	return render.DOTCFG(g, title)
}
