// Package config handles loopguard.toml configuration.
package config

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"loopguard/internal/instrument"
)

// FileName is the configuration file looked up next to the input.
const FileName = "loopguard.toml"

// Config represents a loopguard.toml file.
type Config struct {
	Instrument Instrument `toml:"instrument"`
	Runtime    Runtime    `toml:"runtime"`
	Classpath  []string   `toml:"classpath"`
	Batch      Batch      `toml:"batch"`

	// Dir is the directory containing the file (set at load time).
	// Relative classpath entries and output paths resolve against it.
	Dir string `toml:"-"`
}

// Instrument mirrors instrument.Settings with textual enums.
type Instrument struct {
	Marker         string `toml:"marker"`
	Branches       string `toml:"branches"`
	HandlerEntries bool   `toml:"handler-entries"`
	TrackArrays    bool   `toml:"track-arrays"`
	TrackObjects   bool   `toml:"track-objects"`
	EmitCFG        bool   `toml:"emit-cfg"`
}

// Runtime overrides the watchdog binding. Empty values keep the default.
type Runtime struct {
	Class         string `toml:"class"`
	Placeholder   string `toml:"placeholder"`
	Get           string `toml:"get"`
	OnBranch      string `toml:"on-branch"`
	OnMethodEntry string `toml:"on-method-entry"`
	OnInstantiate string `toml:"on-instantiate"`
	Annotation    string `toml:"annotation"`
}

// Batch configures directory and jar runs.
type Batch struct {
	Jobs      int    `toml:"jobs"`
	KeepGoing bool   `toml:"keep-going"`
	Artifacts string `toml:"artifacts"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Instrument: Instrument{Marker: "none", Branches: "all"},
	}
}

// Load parses the file at path on top of Default. Unknown keys are
// rejected so a typo does not silently fall back to a default.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "parse error in %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", path)
	}
	return c, nil
}

// Settings converts the file into instrument settings.
func (c *Config) Settings() (instrument.Settings, error) {
	s := instrument.DefaultSettings()
	var err error
	if s.Marker, err = instrument.ParseMarkerType(c.Instrument.Marker); err != nil {
		return s, errors.Wrap(err, "instrument.marker")
	}
	if s.Branches, err = instrument.ParseBranchMode(c.Instrument.Branches); err != nil {
		return s, errors.Wrap(err, "instrument.branches")
	}
	s.HandlerEntries = c.Instrument.HandlerEntries
	s.TrackArrays = c.Instrument.TrackArrays
	s.TrackObjects = c.Instrument.TrackObjects
	s.EmitCFG = c.Instrument.EmitCFG

	rt := &s.Runtime
	for _, o := range []struct {
		dst *string
		v   string
	}{
		{&rt.Class, c.Runtime.Class},
		{&rt.Placeholder, c.Runtime.Placeholder},
		{&rt.Get, c.Runtime.Get},
		{&rt.OnBranch, c.Runtime.OnBranch},
		{&rt.OnMethodEntry, c.Runtime.OnMethodEntry},
		{&rt.OnInstantiate, c.Runtime.OnInstantiate},
		{&rt.Annotation, c.Runtime.Annotation},
	} {
		if o.v != "" {
			*o.dst = o.v
		}
	}
	return s, rt.Validate()
}

// ClasspathPaths returns the classpath with relative entries resolved
// against Dir.
func (c *Config) ClasspathPaths() []string {
	paths := make([]string, 0, len(c.Classpath))
	for _, p := range c.Classpath {
		paths = append(paths, c.resolve(p))
	}
	return paths
}

// ArtifactDir returns the resolved artifact directory, or "" when unset.
func (c *Config) ArtifactDir() string {
	if c.Batch.Artifacts == "" {
		return ""
	}
	return c.resolve(c.Batch.Artifacts)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
