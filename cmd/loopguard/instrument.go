package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"loopguard/internal/batch"
	"loopguard/internal/config"
	"loopguard/internal/hierarchy"
	"loopguard/internal/instrument"
	"loopguard/internal/output"
)

var instrumentCommand = &cli.Command{
	Name:      "instrument",
	Usage:     "rewrite a class file, directory or jar",
	ArgsUsage: "<input> <output>",
	Description: `
Rewrites every class under <input> into <output>, which takes the same shape
as the input: a single class, a directory tree or a jar. Non-class files are
copied unchanged. Classes that already carry the current instrumentation
marker are copied unchanged as well.

Flags override values from the configuration file.`,
	Flags: []cli.Flag{
		configFlag,
		classpathFlag,
		&cli.StringFlag{Name: "marker", Usage: "debug markers: none, constant or stdout"},
		&cli.StringFlag{Name: "branches", Usage: "instrumented transfers: all or loops"},
		&cli.BoolFlag{Name: "handler-entries", Usage: "report entry into exception handlers"},
		&cli.BoolFlag{Name: "track-arrays", Usage: "report array allocations"},
		&cli.BoolFlag{Name: "track-objects", Usage: "report objects once their constructor returns"},
		&cli.BoolFlag{Name: "emit-cfg", Usage: "write a DOT graph per rewritten method"},
		&cli.StringFlag{Name: "artifacts", Usage: "directory for auxiliary output"},
		&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "classes rewritten in parallel (default: GOMAXPROCS)"},
		&cli.BoolFlag{Name: "keep-going", Aliases: []string{"k"}, Usage: "continue past failing classes"},
		&cli.StringFlag{Name: "report", Usage: "write a JSON summary of the run to this file"},
	},
	Action: cmdInstrument,
}

// loadConfig reads --config, or loopguard.toml in the working directory
// when it exists.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(config.FileName); err != nil {
			return config.Default(), nil
		}
		path = config.FileName
	}
	logger.Debug().Str("path", path).Msg("loading config")
	return config.Load(path)
}

// openProvider resolves types from the classpath, then the bootstrap
// classes, through a shared cache.
func openProvider(paths []string) (hierarchy.Provider, func(), error) {
	cp, err := hierarchy.OpenClasspath(paths...)
	if err != nil {
		return nil, nil, err
	}
	cache, err := hierarchy.NewCache(hierarchy.Chain{cp, hierarchy.Bootstrap}, 0)
	if err != nil {
		cp.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := cp.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing classpath")
		}
	}
	return cache, closeFn, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("marker") {
		cfg.Instrument.Marker = c.String("marker")
	}
	if c.IsSet("branches") {
		cfg.Instrument.Branches = c.String("branches")
	}
	if c.IsSet("handler-entries") {
		cfg.Instrument.HandlerEntries = c.Bool("handler-entries")
	}
	if c.IsSet("track-arrays") {
		cfg.Instrument.TrackArrays = c.Bool("track-arrays")
	}
	if c.IsSet("track-objects") {
		cfg.Instrument.TrackObjects = c.Bool("track-objects")
	}
	if c.IsSet("emit-cfg") {
		cfg.Instrument.EmitCFG = c.Bool("emit-cfg")
	}
	if c.IsSet("jobs") {
		cfg.Batch.Jobs = c.Int("jobs")
	}
	if c.IsSet("keep-going") {
		cfg.Batch.KeepGoing = c.Bool("keep-going")
	}
}

func cmdInstrument(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("instrument: expected <input> <output>")
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyFlags(c, cfg)
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	// Paths given on the command line are relative to the working
	// directory, not to the configuration file.
	artifacts := cfg.ArtifactDir()
	if c.IsSet("artifacts") {
		artifacts = c.String("artifacts")
	}
	if settings.EmitCFG && artifacts == "" {
		return errors.New("instrument: --emit-cfg needs --artifacts")
	}

	// Classes of the input resolve each other's supertypes.
	paths := append(cfg.ClasspathPaths(), c.StringSlice("classpath")...)
	if fi, err := os.Stat(src); err == nil && (fi.IsDir() || batch.IsArchive(src)) {
		paths = append([]string{src}, paths...)
	}
	provider, closeFn, err := openProvider(paths)
	if err != nil {
		return err
	}
	defer closeFn()

	in := instrument.New(instrument.WithProvider(provider), instrument.WithLogger(logger))
	r := batch.New(in, batch.Options{
		Settings:    settings,
		Jobs:        cfg.Batch.Jobs,
		KeepGoing:   cfg.Batch.KeepGoing,
		ArtifactDir: artifacts,
	}, logger)

	stats, err := r.Run(c.Context, src, dst)
	logger.Info().
		Int("classes", stats.Classes).
		Int("instrumented", stats.Instrumented).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("copied", stats.Copied).
		Msg("done")
	if path := c.String("report"); path != "" {
		if werr := output.WriteReport(path, output.NewReport(src, dst, stats, err)); werr != nil {
			logger.Error().Err(werr).Msg("writing report")
		}
	}
	return err
}
