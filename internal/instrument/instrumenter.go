// Package instrument rewrites JVM class files so that selected methods
// report every control transfer and method entry to a watchdog object.
package instrument

import (
	"github.com/rs/zerolog"

	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
)

// Result is the outcome of a successful Instrument call.
type Result struct {
	// Class is the rewritten class file, or the input itself when the class
	// already carries the current marker.
	Class []byte
	// Artifacts holds auxiliary output by name, such as DOT graphs.
	Artifacts map[string][]byte
	// Instrumented is false when the class was left untouched.
	Instrumented bool
}

// Instrumenter rewrites classes. It keeps no per-call state and is safe for
// concurrent use when its provider is.
type Instrumenter struct {
	provider hierarchy.Provider
	log      zerolog.Logger
}

// Option configures an Instrumenter.
type Option func(*Instrumenter)

// WithProvider supplies the type information used to merge reference types
// and check assignments. Without one, distinct classes merge to
// java/lang/Object and assignments are not checked.
func WithProvider(p hierarchy.Provider) Option {
	return func(in *Instrumenter) { in.provider = p }
}

// WithLogger receives per-class debug events.
func WithLogger(l zerolog.Logger) Option {
	return func(in *Instrumenter) { in.log = l }
}

// New returns an Instrumenter.
func New(opts ...Option) *Instrumenter {
	in := &Instrumenter{log: zerolog.Nop()}
	for _, o := range opts {
		o(in)
	}
	return in
}

// providerFor answers lookups of the class being rewritten from the class
// itself before consulting the configured provider. The watchdog type is
// known even when the runtime library is not on the classpath.
func (in *Instrumenter) providerFor(c *classfile.Class, rt Runtime) hierarchy.Provider {
	if in.provider == nil {
		return nil
	}
	return hierarchy.Chain{
		hierarchy.Map{c.Name: hierarchy.FromClass(c)},
		in.provider,
		hierarchy.Map{rt.Class: {Name: rt.Class, Super: hierarchy.Object}},
	}
}

// Instrument rewrites one class file. Every failure is an
// *InstrumentationError.
func (in *Instrumenter) Instrument(input []byte, settings Settings) (*Result, error) {
	c, err := classfile.Parse(input)
	if err != nil {
		return nil, &InstrumentationError{Err: malformed(err)}
	}
	fail := func(err error) (*Result, error) {
		return nil, &InstrumentationError{Class: c.Name, Err: err}
	}
	if settings.Runtime.Class == "" {
		settings.Runtime = DefaultRuntime()
	}
	if err := settings.Runtime.Validate(); err != nil {
		return fail(err)
	}
	log := in.log.With().Str("class", c.Name).Logger()

	provider := in.providerFor(c, settings.Runtime)
	st := newState(c, settings, provider)
	for _, p := range pipeline(settings) {
		if st.Control == Skip {
			break
		}
		if err := p.run(st); err != nil {
			return fail(err)
		}
		log.Debug().Str("pass", p.name).Int("selected", len(st.Selected)).Msg("pass done")
	}
	if st.Control == Skip {
		log.Debug().Msg("already instrumented")
		return &Result{Class: input, Artifacts: st.Artifacts}, nil
	}

	for _, p := range st.Selected {
		if err := assemble(c, p, provider); err != nil {
			return fail(err)
		}
		log.Debug().
			Str("method", methodName(p.Method)).
			Stringer("origin", p.Origin).
			Uint16("slot", p.Watchdog.Index).
			Msg("method rewritten")
	}
	if settings.EmitCFG {
		cfgArtifacts(st)
	}

	out, err := c.Bytes()
	if err != nil {
		return fail(err)
	}
	if err := verifyClass(out, provider); err != nil {
		return fail(err)
	}
	return &Result{Class: out, Artifacts: st.Artifacts, Instrumented: true}, nil
}

// Select reports which methods of c Instrument would rewrite and where each
// one's watchdog comes from. Bodies are decoded but not modified.
func Select(c *classfile.Class, settings Settings) ([]*MethodProperties, error) {
	if settings.Runtime.Class == "" {
		settings.Runtime = DefaultRuntime()
	}
	if err := settings.Runtime.Validate(); err != nil {
		return nil, err
	}
	st := newState(c, settings, nil)
	if err := analyze(st); err != nil {
		return nil, err
	}
	return st.Selected, nil
}
