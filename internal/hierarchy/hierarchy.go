// Package hierarchy resolves class names to their supertypes.
package hierarchy

import (
	"strings"

	"github.com/pkg/errors"

	"loopguard/internal/classfile"
)

// Object is the root of every class hierarchy.
const Object = "java/lang/Object"

// ErrNotFound is matched by errors for names no provider knows.
var ErrNotFound = errors.New("hierarchy: class not found")

// NotFoundError names the class that could not be resolved.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return "hierarchy: class not found: " + e.Name }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Info is what the verifier needs to know about a class.
type Info struct {
	Name       string
	Super      string // empty only for java/lang/Object
	Interfaces []string
	Interface  bool
}

// Provider answers type queries. Implementations must be safe for
// concurrent use.
type Provider interface {
	Lookup(name string) (*Info, error)
}

// FromClass extracts Info from a parsed class.
func FromClass(c *classfile.Class) *Info {
	return &Info{
		Name:       c.Name,
		Super:      c.Super,
		Interfaces: c.Interfaces,
		Interface:  c.IsInterface(),
	}
}

// Map is a fixed set of classes.
type Map map[string]*Info

// Lookup implements Provider.
func (m Map) Lookup(name string) (*Info, error) {
	if info, ok := m[name]; ok {
		return info, nil
	}
	return nil, &NotFoundError{Name: name}
}

// Chain consults providers in order and returns the first answer.
type Chain []Provider

// Lookup implements Provider. Errors other than not-found stop the search.
func (c Chain) Lookup(name string) (*Info, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		info, err := p.Lookup(name)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Name: name}
}

// maxDepth bounds superclass walks so a cyclic hierarchy cannot hang.
const maxDepth = 512

// IsArray reports whether name is an array descriptor.
func IsArray(name string) bool { return strings.HasPrefix(name, "[") }

// IsAssignable reports whether a value of class from can be stored where
// class to is expected. Interfaces are treated like java/lang/Object, as
// the bytecode verifier does.
func IsAssignable(p Provider, to, from string) (bool, error) {
	if to == from || to == Object {
		return true, nil
	}
	if IsArray(to) || IsArray(from) {
		return arrayAssignable(p, to, from)
	}
	toInfo, err := p.Lookup(to)
	if err != nil {
		return false, err
	}
	if toInfo.Interface {
		return true, nil
	}
	for cur, depth := from, 0; cur != "" && depth < maxDepth; depth++ {
		if cur == to {
			return true, nil
		}
		info, err := p.Lookup(cur)
		if err != nil {
			return false, err
		}
		cur = info.Super
	}
	return false, nil
}

func arrayAssignable(p Provider, to, from string) (bool, error) {
	if !IsArray(from) {
		return false, nil
	}
	if !IsArray(to) {
		// Arrays implement Cloneable and Serializable besides extending Object.
		return to == "java/lang/Cloneable" || to == "java/io/Serializable", nil
	}
	te, fe := to[1:], from[1:]
	if isReference(te) && isReference(fe) {
		return IsAssignable(p, internalName(te), internalName(fe))
	}
	return te == fe, nil
}

func isReference(desc string) bool {
	return strings.HasPrefix(desc, "L") || strings.HasPrefix(desc, "[")
}

// internalName turns a field descriptor of reference type into the form
// used for class constants: "Ljava/lang/String;" -> "java/lang/String",
// arrays unchanged.
func internalName(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// CommonSuperclass returns the most specific class both a and b extend.
// If either is an interface the answer is java/lang/Object. Reference
// arrays merge element-wise.
func CommonSuperclass(p Provider, a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	if IsArray(a) || IsArray(b) {
		if !IsArray(a) || !IsArray(b) {
			return Object, nil
		}
		ae, be := a[1:], b[1:]
		if !isReference(ae) || !isReference(be) {
			return Object, nil
		}
		elem, err := CommonSuperclass(p, internalName(ae), internalName(be))
		if err != nil {
			return "", err
		}
		return "[" + classfile.ObjectDescriptor(elem), nil
	}
	if a == Object || b == Object {
		return Object, nil
	}
	ai, err := p.Lookup(a)
	if err != nil {
		return "", err
	}
	bi, err := p.Lookup(b)
	if err != nil {
		return "", err
	}
	if ai.Interface || bi.Interface {
		return Object, nil
	}
	ancestors := map[string]bool{}
	for cur, depth := ai, 0; ; depth++ {
		ancestors[cur.Name] = true
		if cur.Super == "" || depth >= maxDepth {
			break
		}
		if cur, err = p.Lookup(cur.Super); err != nil {
			return "", err
		}
	}
	for cur, depth := bi, 0; ; depth++ {
		if ancestors[cur.Name] {
			return cur.Name, nil
		}
		if cur.Super == "" || depth >= maxDepth {
			return Object, nil
		}
		if cur, err = p.Lookup(cur.Super); err != nil {
			return "", err
		}
	}
}
