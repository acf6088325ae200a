package instrument

import (
	"fmt"

	"github.com/pkg/errors"

	"loopguard/internal/bytecode"
	"loopguard/internal/hierarchy"
	"loopguard/internal/verify"
)

// InstrumentationError is the only error type Instrument returns. Err is
// one of the typed causes below.
type InstrumentationError struct {
	Class string // empty when the input could not be parsed
	Err   error
}

func (e *InstrumentationError) Error() string {
	if e.Class == "" {
		return "cannot instrument: " + e.Err.Error()
	}
	return fmt.Sprintf("cannot instrument %s: %v", e.Class, e.Err)
}

func (e *InstrumentationError) Unwrap() error { return e.Err }

// MalformedInputError reports input that is not a well-formed class file.
type MalformedInputError struct {
	Err error
}

func (e *MalformedInputError) Error() string { return "malformed class: " + e.Err.Error() }

func (e *MalformedInputError) Unwrap() error { return e.Err }

// UnresolvedTypeError reports a class the type information provider does
// not know, needed to merge or check reference types.
type UnresolvedTypeError struct {
	Name string
	Err  error
}

func (e *UnresolvedTypeError) Error() string { return "unresolved type " + e.Name }

func (e *UnresolvedTypeError) Unwrap() error { return e.Err }

// VersionMismatchError reports a class instrumented under another format
// version.
type VersionMismatchError struct {
	Found string
	Want  int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("instrumentation marker is %s, want %d", e.Found, e.Want)
}

// InternalConsistencyError reports rewritten code that fails verification.
// Listing is the failing method with the offending instruction marked.
type InternalConsistencyError struct {
	Method  string
	Index   int
	Listing string
	Err     error
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("method %s fails verification at instruction %d: %v", e.Method, e.Index, e.Err)
}

func (e *InternalConsistencyError) Unwrap() error { return e.Err }

func malformed(err error) error {
	return &MalformedInputError{Err: err}
}

// classify turns a verifier failure into UnresolvedTypeError when it stems
// from a missing class, or InternalConsistencyError otherwise.
func classify(method string, b *bytecode.Body, err error) error {
	var nf *hierarchy.NotFoundError
	if errors.As(err, &nf) {
		return &UnresolvedTypeError{Name: nf.Name, Err: err}
	}
	ice := &InternalConsistencyError{Method: method, Index: -1, Err: err}
	var ve *verify.Error
	if errors.As(err, &ve) {
		ice.Index = ve.Index
		ice.Listing = bytecode.Format(b, bytecode.MarkAnnotator(ve.Ref), bytecode.ConstAnnotator(b.Pool()))
	} else {
		ice.Listing = bytecode.Format(b, bytecode.ConstAnnotator(b.Pool()))
	}
	return ice
}
