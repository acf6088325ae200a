package instrument

import (
	"strings"

	"github.com/pkg/errors"
)

// FormatVersion identifies the shape of the code this package emits. It is
// stored in every instrumented class; a class carrying another value is
// rejected.
const FormatVersion int64 = 0

// MarkerField is the static final long field that flags a class as
// instrumented.
const MarkerField = "__WATCHDOG_INSTRUMENTATION_VERSION"

// MarkerType controls the debug markers interleaved with injected code.
type MarkerType int

const (
	MarkerNone     MarkerType = iota // no markers
	MarkerConstant                   // ldc "text"; pop
	MarkerStdout                     // System.out.println("text")
)

var markerNames = map[MarkerType]string{
	MarkerNone:     "none",
	MarkerConstant: "constant",
	MarkerStdout:   "stdout",
}

func (m MarkerType) String() string {
	if s, ok := markerNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMarkerType accepts none, constant or stdout.
func ParseMarkerType(s string) (MarkerType, error) {
	for m, name := range markerNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return MarkerNone, errors.Errorf("unknown marker type %q", s)
}

// BranchMode selects which transfers receive an on-branch call.
type BranchMode int

const (
	BranchAll   BranchMode = iota // every jump and switch
	BranchLoops                   // back edges only
)

func (b BranchMode) String() string {
	if b == BranchLoops {
		return "loops"
	}
	return "all"
}

// ParseBranchMode accepts all or loops.
func ParseBranchMode(s string) (BranchMode, error) {
	switch strings.ToLower(s) {
	case "all":
		return BranchAll, nil
	case "loops":
		return BranchLoops, nil
	}
	return BranchAll, errors.Errorf("unknown branch mode %q", s)
}

// Runtime names the watchdog API that injected code calls.
type Runtime struct {
	Class         string // internal name of the watchdog type
	Placeholder   string // static field holding the placeholder handle
	Get           string // static accessor for the current thread's watchdog
	OnBranch      string
	OnMethodEntry string
	OnInstantiate string
	Annotation    string // descriptor of the opt-in annotation
}

// DefaultRuntime is the binding for the loopguard watchdog library.
func DefaultRuntime() Runtime {
	return Runtime{
		Class:         "dev/loopguard/Watchdog",
		Placeholder:   "PLACEHOLDER",
		Get:           "get",
		OnBranch:      "onBranch",
		OnMethodEntry: "onMethodEntry",
		OnInstantiate: "onInstantiate",
		Annotation:    "Ldev/loopguard/Watch;",
	}
}

// Descriptor is the field descriptor of the watchdog type.
func (r Runtime) Descriptor() string { return "L" + r.Class + ";" }

// Validate rejects bindings with empty names.
func (r Runtime) Validate() error {
	fields := []struct{ name, value string }{
		{"class", r.Class},
		{"placeholder", r.Placeholder},
		{"get", r.Get},
		{"on-branch", r.OnBranch},
		{"on-method-entry", r.OnMethodEntry},
		{"on-instantiate", r.OnInstantiate},
		{"annotation", r.Annotation},
	}
	for _, f := range fields {
		if f.value == "" {
			return errors.Errorf("runtime binding: %s is empty", f.name)
		}
	}
	if !strings.HasPrefix(r.Annotation, "L") || !strings.HasSuffix(r.Annotation, ";") {
		return errors.Errorf("runtime binding: annotation %q is not a class descriptor", r.Annotation)
	}
	return nil
}

// Settings configures one Instrument call.
type Settings struct {
	Marker   MarkerType
	Branches BranchMode
	// HandlerEntries adds an on-branch call at the start of every
	// exception handler.
	HandlerEntries bool
	// TrackArrays reports every array allocation to onInstantiate.
	TrackArrays bool
	// TrackObjects reports every object to onInstantiate once its
	// constructor returns.
	TrackObjects bool
	// EmitCFG renders the control flow graph of each rewritten method as a
	// DOT artifact.
	EmitCFG bool
	Runtime Runtime
}

// DefaultSettings instruments every branch with no markers.
func DefaultSettings() Settings {
	return Settings{Runtime: DefaultRuntime()}
}
