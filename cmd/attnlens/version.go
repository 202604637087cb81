package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			return emit(cmd, info, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "version:    %s\n", version.String())
				if info.BuildTime != "" {
					_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
				}
				if info.GoVersion != "" {
					_, _ = fmt.Fprintf(w, "go:         %s\n", info.GoVersion)
				}
			})
		},
	}
}
