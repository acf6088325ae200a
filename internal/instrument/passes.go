package instrument

import (
	"strconv"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
	"loopguard/internal/loops"
	"loopguard/internal/verify"
)

type pass struct {
	name string
	run  func(*State) error
}

// pipeline lists the passes for s in execution order. The entry pass runs
// after every branch pass so its own placeholder test is never counted as
// a branch.
func pipeline(s Settings) []pass {
	ps := []pass{
		{"check-marker", checkMarker},
		{"analyze", analyze},
		{"placeholder", substitutePlaceholders},
	}
	if s.Branches == BranchLoops {
		ps = append(ps, pass{"loop-points", loopPoints})
	} else {
		ps = append(ps, pass{"branch-points", branchPoints})
	}
	if s.HandlerEntries {
		ps = append(ps, pass{"handler-entries", handlerEntries})
	}
	if s.TrackArrays {
		ps = append(ps, pass{"track-arrays", trackArrays})
	}
	if s.TrackObjects {
		ps = append(ps, pass{"track-objects", trackObjects})
	}
	return append(ps,
		pass{"entry-points", entryPoints},
		pass{"set-marker", setMarker},
	)
}

func checkMarker(st *State) error {
	f, ok := st.Class.Field(MarkerField)
	if !ok {
		return nil
	}
	if f.Descriptor != "J" {
		return &VersionMismatchError{Found: "a field of type " + f.Descriptor, Want: FormatVersion}
	}
	c, ok, err := f.ConstantValue(st.Class.Pool)
	switch {
	case err != nil:
		return malformed(err)
	case !ok:
		return &VersionMismatchError{Found: "missing its value", Want: FormatVersion}
	case c.Tag != classfile.TagLong:
		return &VersionMismatchError{Found: "a " + c.Tag.String() + " constant", Want: FormatVersion}
	case int64(c.Value) != FormatVersion:
		return &VersionMismatchError{Found: strconv.FormatInt(int64(c.Value), 10), Want: FormatVersion}
	}
	st.Control = Skip
	return nil
}

func hasAnnotation(types []string, desc string) bool {
	for _, t := range types {
		if t == desc {
			return true
		}
	}
	return false
}

// analyze type-checks every method body and selects the methods to
// instrument.
func analyze(st *State) error {
	c := st.Class
	rt := st.Settings.Runtime
	classTypes, err := c.VisibleAnnotations()
	if err != nil {
		return malformed(err)
	}
	classOptIn := hasAnnotation(classTypes, rt.Annotation)

	for _, m := range c.Methods {
		code, ok, err := m.Code(c.Pool)
		if err != nil {
			return malformed(err)
		}
		if !ok {
			continue
		}
		// Every body is checked, selected or not.
		body, err := bytecode.Decode(code, c.Pool)
		if err != nil {
			return malformed(errors.Wrapf(err, "method %s%s", m.Name, m.Descriptor))
		}
		if err := checkInput(st, m, body); err != nil {
			return err
		}
		vars, err := NewVariableTable(c.Name, m.IsStatic(), m.Descriptor, code.MaxLocals)
		if err != nil {
			return malformed(errors.Wrapf(err, "method %s", m.Name))
		}
		props := &MethodProperties{Method: m, Vars: vars}
		for _, p := range vars.Params() {
			if p.Desc == rt.Descriptor() {
				props.Watchdog, props.Origin = p, OriginArgument
				break
			}
		}
		if props.Watchdog.Desc == "" {
			types, err := m.VisibleAnnotations(c.Pool)
			if err != nil {
				return malformed(errors.Wrapf(err, "method %s%s", m.Name, m.Descriptor))
			}
			if !classOptIn && !hasAnnotation(types, rt.Annotation) {
				continue
			}
			v, err := vars.Acquire(rt.Descriptor())
			if err != nil {
				return errors.Wrapf(err, "method %s%s", m.Name, m.Descriptor)
			}
			props.Watchdog, props.Origin = v, OriginSynthesized
		}
		if err := vars.Pin(props.Watchdog); err != nil {
			return err
		}
		props.Body = body
		st.Selected = append(st.Selected, props)
	}
	return nil
}

// checkInput type-checks a body before any pass touches it. A body the
// verifier rejects here is the input's fault.
func checkInput(st *State, m *classfile.Member, b *bytecode.Body) error {
	_, err := verify.Analyze(verify.Method{
		Owner:  st.Class.Name,
		Name:   m.Name,
		Desc:   m.Descriptor,
		Static: m.IsStatic(),
		Body:   b,
	}, st.provider)
	if err == nil {
		return nil
	}
	var nf *hierarchy.NotFoundError
	if errors.As(err, &nf) {
		return &UnresolvedTypeError{Name: nf.Name, Err: err}
	}
	return malformed(errors.Wrapf(err, "method %s", methodName(m)))
}

// substitutePlaceholders loads the method's watchdog wherever the code
// reads the placeholder field.
func substitutePlaceholders(st *State) error {
	rt := st.Settings.Runtime
	for _, p := range st.Selected {
		s := p.Body.Insns
		err := s.Each(bytecode.OpcodeIs(bytecode.OpGetstatic), func(r bytecode.Ref, insn bytecode.Insn) (bytecode.Ref, error) {
			f := insn.(*bytecode.Field)
			if f.Ref.Owner != rt.Class || f.Ref.Name != rt.Placeholder {
				return r, nil
			}
			return s.Replace(r, join(st.emit.debug("Replaced watchdog placeholder"), []bytecode.Insn{st.emit.load(p.Watchdog)})...)
		})
		if err != nil {
			return errors.Wrapf(err, "method %s", p.Method.Name)
		}
	}
	return nil
}

// branchPoints reports every jump and switch before it executes.
func branchPoints(st *State) error {
	for _, p := range st.Selected {
		s := p.Body.Insns
		err := s.Each(bytecode.Branches, func(r bytecode.Ref, _ bytecode.Insn) (bytecode.Ref, error) {
			return r, s.InsertBefore(r, st.emit.onBranch(p.Watchdog)...)
		})
		if err != nil {
			return errors.Wrapf(err, "method %s", p.Method.Name)
		}
	}
	return nil
}

// loopPoints reports only the transfers that close a cycle.
func loopPoints(st *State) error {
	for _, p := range st.Selected {
		s := p.Body.Insns
		found, err := loops.Find(p.Body)
		if err != nil {
			return errors.Wrapf(err, "method %s", p.Method.Name)
		}
		done := make(map[bytecode.Ref]bool)
		for _, l := range found {
			at := l.From
			for !at.IsNil() && bytecode.IsPseudo(s.Get(at)) {
				at = s.Next(at)
			}
			if at.IsNil() || done[at] {
				continue
			}
			done[at] = true
			if err := s.InsertBefore(at, st.emit.onBranch(p.Watchdog)...); err != nil {
				return errors.Wrapf(err, "method %s", p.Method.Name)
			}
		}
	}
	return nil
}

// handlerEntries reports entry into every exception handler.
func handlerEntries(st *State) error {
	for _, p := range st.Selected {
		s := p.Body.Insns
		at := make(map[*bytecode.Label]bytecode.Ref)
		for _, r := range s.Refs() {
			if l, ok := s.Get(r).(*bytecode.Label); ok {
				at[l] = r
			}
		}
		done := make(map[*bytecode.Label]bool)
		for _, h := range p.Body.Handlers {
			if done[h.Handler] {
				continue
			}
			done[h.Handler] = true
			r, ok := at[h.Handler]
			if !ok {
				return errors.Errorf("method %s: handler label is not in the body", p.Method.Name)
			}
			if _, err := s.InsertAfter(r, st.emit.onBranch(p.Watchdog)...); err != nil {
				return errors.Wrapf(err, "method %s", p.Method.Name)
			}
		}
	}
	return nil
}

func isArrayAllocation(insn bytecode.Insn) bool {
	switch insn.Opcode() {
	case bytecode.OpNewarray, bytecode.OpAnewarray, bytecode.OpMultianewarray:
		return true
	}
	return false
}

// trackArrays passes every new array to the watchdog.
func trackArrays(st *State) error {
	for _, p := range st.Selected {
		s := p.Body.Insns
		err := s.Each(isArrayAllocation, func(r bytecode.Ref, _ bytecode.Insn) (bytecode.Ref, error) {
			return s.InsertAfter(r, st.emit.onInstantiate(p.Watchdog)...)
		})
		if err != nil {
			return errors.Wrapf(err, "method %s", p.Method.Name)
		}
	}
	return nil
}

func isConstructorCall(insn bytecode.Insn) bool {
	m, ok := insn.(*bytecode.Method)
	return ok && m.Op == bytecode.OpInvokespecial && m.Ref.Name == "<init>"
}

// trackObjects passes every object to the watchdog once its constructor
// has run. In instance methods, constructor calls on the receiver itself
// are not reported. The slots holding the parked operands are leased per
// call site and released straight after it.
func trackObjects(st *State) error {
	for _, p := range st.Selected {
		s := p.Body.Insns
		var self *Variable
		if !p.Method.IsStatic() {
			this, _ := p.Vars.Arg(0)
			self = &this
		}
		err := s.Each(isConstructorCall, func(r bytecode.Ref, insn bytecode.Insn) (bytecode.Ref, error) {
			call := insn.(*bytecode.Method)
			mt, err := classfile.ParseMethodDescriptor(call.Ref.Desc)
			if err != nil {
				return r, malformed(err)
			}
			args := make([]Variable, len(mt.Params))
			for k := len(args) - 1; k >= 0; k-- {
				if args[k], err = p.Vars.Acquire(mt.Params[k]); err != nil {
					return r, err
				}
			}
			obj, err := p.Vars.Acquire(classfile.ObjectDescriptor(call.Ref.Owner))
			if err != nil {
				return r, err
			}
			r, err = s.Replace(r, st.emit.construction(call, p.Watchdog, obj, args, self)...)
			if err != nil {
				return r, err
			}
			for _, v := range append(args, obj) {
				if err := p.Vars.Release(v); err != nil {
					return r, err
				}
			}
			return r, nil
		})
		if err != nil {
			return errors.Wrapf(err, "method %s", p.Method.Name)
		}
	}
	return nil
}

func entryPoints(st *State) error {
	for _, p := range st.Selected {
		p.Body.Insns.InsertAtHead(st.emit.entry(p.Watchdog, p.Origin)...)
	}
	return nil
}

func setMarker(st *State) error {
	c := st.Class
	f := c.AddField(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal, MarkerField, "J")
	f.SetConstantValue(c.Pool.AddLong(FormatVersion))
	return c.Pool.Err()
}
