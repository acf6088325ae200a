package classfile

import "github.com/pkg/errors"

// VisibleAnnotations returns the type descriptors of a member's
// runtime-visible annotations.
func (m *Member) VisibleAnnotations(pool *Pool) ([]string, error) {
	return annotationTypes(m.Attributes, pool)
}

// VisibleAnnotations returns the type descriptors of the class's
// runtime-visible annotations.
func (c *Class) VisibleAnnotations() ([]string, error) {
	return annotationTypes(c.Attributes, c.Pool)
}

func annotationTypes(attrs []Attribute, pool *Pool) ([]string, error) {
	a, ok := findAttribute(attrs, "RuntimeVisibleAnnotations")
	if !ok {
		return nil, nil
	}
	s := NewStream(a.Data)
	n, err := s.ReadUint16()
	if err != nil {
		return nil, malformed(err, "annotations")
	}
	types := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		desc, err := readAnnotation(s, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "annotation %d", i)
		}
		types = append(types, desc)
	}
	return types, nil
}

func readAnnotation(s *Stream, pool *Pool) (string, error) {
	idx, err := s.ReadUint16()
	if err != nil {
		return "", malformed(err, "annotation type")
	}
	desc, err := pool.Utf8(idx)
	if err != nil {
		return "", err
	}
	pairs, err := s.ReadUint16()
	if err != nil {
		return "", malformed(err, "annotation pairs")
	}
	for i := 0; i < int(pairs); i++ {
		if err := s.Skip(2); err != nil {
			return "", malformed(err, "element name")
		}
		if err := skipElementValue(s, pool); err != nil {
			return "", err
		}
	}
	return desc, nil
}

func skipElementValue(s *Stream, pool *Pool) error {
	tag, err := s.ReadUint8()
	if err != nil {
		return malformed(err, "element value")
	}
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		return wrapSkip(s.Skip(2))
	case 'e':
		return wrapSkip(s.Skip(4))
	case '@':
		_, err := readAnnotation(s, pool)
		return err
	case '[':
		n, err := s.ReadUint16()
		if err != nil {
			return malformed(err, "array element value")
		}
		for i := 0; i < int(n); i++ {
			if err := skipElementValue(s, pool); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Wrapf(ErrMalformed, "element value tag %q", tag)
}

func wrapSkip(err error) error {
	if err != nil {
		return malformed(err, "element value")
	}
	return nil
}
