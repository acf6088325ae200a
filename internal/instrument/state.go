package instrument

import (
	"loopguard/internal/bytecode"
	"loopguard/internal/classfile"
	"loopguard/internal/hierarchy"
)

// Control tells the pipeline whether to keep running passes.
type Control int

const (
	Continue Control = iota
	Skip             // leave the class as it came in
)

// Origin records where a selected method's watchdog handle comes from.
type Origin int

const (
	// OriginArgument: a declared parameter has the watchdog type.
	OriginArgument Origin = iota
	// OriginSynthesized: the handle is fetched from the runtime on entry
	// and kept in a slot of its own.
	OriginSynthesized
)

func (o Origin) String() string {
	if o == OriginSynthesized {
		return "synthesized"
	}
	return "argument"
}

// MethodProperties is the selection record for one method. It is written
// once by the analysis pass and only read afterwards.
type MethodProperties struct {
	Method   *classfile.Member
	Body     *bytecode.Body
	Vars     *VariableTable
	Watchdog Variable
	Origin   Origin
}

// State is threaded through every pass of one Instrument call.
type State struct {
	Settings Settings
	Class    *classfile.Class
	Control  Control
	// Selected lists the instrumented methods in declaration order.
	Selected  []*MethodProperties
	Artifacts map[string][]byte

	emit     *emitter
	provider hierarchy.Provider // nil merges unrelated classes to Object
}

func newState(c *classfile.Class, settings Settings, provider hierarchy.Provider) *State {
	return &State{
		Settings:  settings,
		Class:     c,
		Artifacts: make(map[string][]byte),
		emit:      newEmitter(c, settings),
		provider:  provider,
	}
}
