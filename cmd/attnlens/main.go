package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/api"
	"github.com/samcharles93/attnlens/internal/logger"
)

var (
	config   Config
	defaults = api.DefaultDefaults()
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "attnlens",
		Usage:  "Attention saliency analysis for multimodal generation dumps",
		Flags:  append(globalFlags(), loggingFlags()...),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(),
			headsCmd(),
			rankCmd(),
			summaryCmd(),
			patchesCmd(),
			rolloutCmd(),
			flowCmd(),
			wordsCmd(),
			promptWordsCmd(),
			convertCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file, resolves the analysis defaults and installs
// the logger into the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	applyGlobalConfig(cmd, cfg)
	d, err := cfg.Defaults()
	if err != nil {
		return ctx, err
	}
	config, defaults = cfg, d

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	w := cmd.Root().ErrWriter
	if w == nil {
		w = os.Stderr
	}
	log, err := logger.Open(w, logFormat, level)
	if err != nil {
		return ctx, err
	}
	log.Debug("configuration loaded", "data_dir", dataDir, "patch_count", patchCount)
	return logger.WithContext(ctx, log), nil
}
