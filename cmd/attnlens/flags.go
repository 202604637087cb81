package main

import "github.com/urfave/cli/v3"

const envDataDir = "ATTNLENS_DATA_DIR"

var (
	configFile string
	dataDir    string
	patchCount int
	logLevel   string
	logFormat  string
	debug      bool
	jsonOutput bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/attnlens/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Aliases:     []string{"d"},
			Usage:       "directory holding the session artifacts",
			Value:       ".",
			Sources:     cli.EnvVars(envDataDir),
			Destination: &dataDir,
		},
		&cli.IntFlag{
			Name:        "patch-count",
			Usage:       "number of image patch tokens (a perfect square)",
			Value:       576,
			Destination: &patchCount,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print results as JSON",
			Destination: &jsonOutput,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// selectionFlags pick generation steps by index or by output word.
func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntSliceFlag{
			Name:    "tokens",
			Aliases: []string{"t"},
			Usage:   "generation step indices to average over (default 0)",
		},
		&cli.StringSliceFlag{
			Name:    "selected",
			Aliases: []string{"s"},
			Usage:   "decoded output words to average over; overrides --tokens",
		},
	}
}

// rolloutFlags are shared by rollout and flow. Unset flags fall back to the
// configured defaults.
func rolloutFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "fusion",
			Usage: "head fusion (mean, min, max)",
		},
		&cli.StringFlag{
			Name:  "discard",
			Usage: "discard strategy (none, first-row, row-wise)",
		},
		&cli.Float64Flag{
			Name:  "discard-ratio",
			Usage: "fraction of the smallest weights to zero, in [0, 1]",
		},
		&cli.IntFlag{
			Name:  "cls-index",
			Usage: "index of the [CLS] token",
		},
		&cli.IntFlag{
			Name:  "start-layer",
			Usage: "first layer folded into the product",
		},
	}
}
