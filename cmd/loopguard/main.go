package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var logger = zerolog.Nop()

var (
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log every pass and method",
	}
	noColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "disable colored output",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "configuration file (default: ./loopguard.toml if present)",
	}
	classpathFlag = &cli.StringSliceFlag{
		Name:    "classpath",
		Aliases: []string{"cp"},
		Usage:   "directories and jars used to resolve supertypes",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "loopguard",
		Usage: "inject watchdog calls into JVM class files",
		Flags: []cli.Flag{verboseFlag, noColorFlag},
		Before: func(c *cli.Context) error {
			if c.Bool("no-color") {
				color.NoColor = true
			}
			level := zerolog.InfoLevel
			if c.Bool("verbose") {
				level = zerolog.DebugLevel
			}
			logger = zerolog.New(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.TimeOnly,
				NoColor:    color.NoColor,
			}).Level(level).With().Timestamp().Logger()
			return nil
		},
		Commands: []*cli.Command{
			instrumentCommand,
			dumpCommand,
			inspectCommand,
			loopsCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		os.Exit(1)
	}
}
