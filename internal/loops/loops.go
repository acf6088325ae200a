// Package loops finds control-flow cycles in method bodies and renders
// their basic-block graphs.
package loops

import (
	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
)

// Loop is a back edge: control flows from the node at From to the node at
// To while To is still on the path that reached From.
type Loop struct {
	From bytecode.Ref
	To   bytecode.Ref
}

// graph has one node per stream element, labels and line markers included.
type graph struct {
	refs []bytecode.Ref
	succ [][]int
}

func buildGraph(b *bytecode.Body) (*graph, error) {
	s := b.Insns
	g := &graph{refs: s.Refs()}
	at := make(map[*bytecode.Label]int)
	for i, r := range g.refs {
		if l, ok := s.Get(r).(*bytecode.Label); ok {
			at[l] = i
		}
	}
	pos := func(l *bytecode.Label) (int, error) {
		i, ok := at[l]
		if !ok {
			return 0, errors.New("loops: label is not in the body")
		}
		return i, nil
	}

	type span struct{ start, end, handler int }
	var spans []span
	for _, h := range b.Handlers {
		start, err := pos(h.Start)
		if err != nil {
			return nil, err
		}
		end, err := pos(h.End)
		if err != nil {
			return nil, err
		}
		handler, err := pos(h.Handler)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{start, end, handler})
	}

	g.succ = make([][]int, len(g.refs))
	for i, r := range g.refs {
		insn := s.Get(r)
		seen := make(map[int]bool)
		add := func(v int) {
			if !seen[v] {
				seen[v] = true
				g.succ[i] = append(g.succ[i], v)
			}
		}
		for _, sp := range spans {
			if i >= sp.start && i < sp.end {
				add(sp.handler)
			}
		}
		for _, l := range bytecode.Targets(insn) {
			v, err := pos(l)
			if err != nil {
				return nil, err
			}
			add(v)
		}
		if insn.Opcode().FallsThrough() && i+1 < len(g.refs) {
			add(i + 1)
		}
	}
	return g, nil
}

// Find returns every back edge reachable from the method entry, in the
// order a depth-first walk meets them. Exception handlers count as
// successors of each node their range covers.
func Find(b *bytecode.Body) ([]Loop, error) {
	g, err := buildGraph(b)
	if err != nil {
		return nil, err
	}
	if len(g.refs) == 0 {
		return nil, nil
	}

	const (
		unvisited = iota
		onPath
		done
	)
	type cursor struct{ node, next int }
	state := make([]uint8, len(g.refs))
	stack := []cursor{{node: 0}}
	state[0] = onPath
	var out []Loop
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(g.succ[top.node]) {
			state[top.node] = done
			stack = stack[:len(stack)-1]
			continue
		}
		u := top.node
		v := g.succ[u][top.next]
		top.next++
		switch state[v] {
		case onPath:
			out = append(out, Loop{From: g.refs[u], To: g.refs[v]})
		case unvisited:
			state[v] = onPath
			stack = append(stack, cursor{node: v})
		}
	}
	return out, nil
}
