package instrument

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
	"loopguard/internal/loops"
	"loopguard/internal/verify"
)

func methodName(m *classfile.Member) string { return m.Name + m.Descriptor }

// assemble lays out a rewritten body, recomputes its maximums and stack map
// frames, and stores the result as the method's Code attribute.
func assemble(c *classfile.Class, p *MethodProperties, provider hierarchy.Provider) error {
	b := p.Body
	name := methodName(p.Method)
	if n := p.Vars.MaxLocals(); n > b.MaxLocals {
		b.MaxLocals = n
	}
	if err := b.Layout(); err != nil {
		return errors.Wrapf(err, "method %s", name)
	}

	res, err := verify.Analyze(verify.Method{
		Owner:  c.Name,
		Name:   p.Method.Name,
		Desc:   p.Method.Descriptor,
		Static: p.Method.IsStatic(),
		Body:   b,
	}, provider)
	if err != nil {
		return classify(name, b, err)
	}
	if err := res.PatchDead(b); err != nil {
		return errors.Wrapf(err, "method %s", name)
	}
	b.MaxStack, b.MaxLocals = res.MaxStack, res.MaxLocals

	code, err := b.Encode()
	if err != nil {
		return errors.Wrapf(err, "method %s", name)
	}
	if c.Major >= classfile.VersionStackMaps && !res.HasJSR {
		smt, err := res.StackMapTable(b)
		if err != nil {
			return errors.Wrapf(err, "method %s", name)
		}
		if smt != nil {
			code.Attributes = append(code.Attributes, classfile.Attribute{Name: "StackMapTable", Data: smt})
		}
	}
	data, err := code.Bytes(c.Pool)
	if err != nil {
		return errors.Wrapf(err, "method %s", name)
	}
	p.Method.SetAttribute("Code", data)
	return nil
}

// verifyClass re-reads serialized output and type-checks every method body.
func verifyClass(data []byte, provider hierarchy.Provider) error {
	c, err := classfile.Parse(data)
	if err != nil {
		return errors.Wrap(err, "re-reading output")
	}
	for _, m := range c.Methods {
		code, ok, err := m.Code(c.Pool)
		if err != nil {
			return errors.Wrap(err, "re-reading output")
		}
		if !ok {
			continue
		}
		b, err := bytecode.Decode(code, c.Pool)
		if err != nil {
			return errors.Wrapf(err, "re-reading method %s", methodName(m))
		}
		err = verify.Verify(verify.Method{
			Owner:  c.Name,
			Name:   m.Name,
			Desc:   m.Descriptor,
			Static: m.IsStatic(),
			Body:   b,
		}, provider)
		if err != nil {
			return classify(methodName(m), b, err)
		}
	}
	return nil
}

// cfgArtifacts renders one DOT graph per rewritten method. Names are
// "<class with dots>.<method>.<n>.dot", n counting rewritten methods.
func cfgArtifacts(st *State) {
	prefix := strings.ReplaceAll(st.Class.Name, "/", ".")
	for i, p := range st.Selected {
		cfg := loops.BuildCFG(methodName(p.Method), p.Body)
		name := fmt.Sprintf("%s.%s.%d.dot", prefix, strings.Trim(p.Method.Name, "<>"), i)
		st.Artifacts[name] = []byte(loops.DOT(st.Class.Name+"."+methodName(p.Method), &cfg))
	}
}
