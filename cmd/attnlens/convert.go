package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/logger"
	"github.com/samcharles93/attnlens/internal/safetensors"
	"github.com/samcharles93/attnlens/internal/store"
)

func convertCmd() *cli.Command {
	var (
		dtype     string
		overwrite bool
	)
	return &cli.Command{
		Name:      "convert",
		Usage:     "Rewrite pickled attention and prompt ids as safetensors",
		ArgsUsage: "KEY...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "attention storage type (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtype,
			},
			&cli.BoolFlag{
				Name:        "overwrite",
				Usage:       "replace existing safetensors files",
				Destination: &overwrite,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keys := cmd.Args().Slice()
			if len(keys) == 0 {
				return errMissingKey
			}
			log := logger.FromContext(ctx)
			opts := store.ConvertOptions{
				DType:     safetensors.DType(strings.ToUpper(dtype)),
				Overwrite: overwrite,
			}
			s := openStore()
			var written []string
			for _, key := range keys {
				paths, err := s.Convert(ctx, key, opts)
				written = append(written, paths...)
				if err != nil {
					log.Error("convert failed", "session", key, "error", err)
					return fmt.Errorf("convert %s: %w", key, err)
				}
			}
			return emit(cmd, written, func(w io.Writer) {
				for _, p := range written {
					_, _ = fmt.Fprintln(w, p)
				}
			})
		},
	}
}
