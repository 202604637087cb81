package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/store"
)

var errMissingKey = errors.New("missing session KEY argument")

func openStore() *store.Store {
	return store.New(dataDir, patchCount)
}

func loadSession(ctx context.Context, cmd *cli.Command) (*store.Loaded, error) {
	key := strings.TrimSpace(cmd.Args().First())
	if key == "" {
		return nil, errMissingKey
	}
	return openStore().Load(ctx, key)
}

// resolveSteps turns --selected or --tokens into generation step indices.
func resolveSteps(ctx context.Context, cmd *cli.Command, l *store.Loaded) ([]int, error) {
	selected := cmd.StringSlice("selected")
	if len(selected) == 0 {
		return cmd.IntSlice("tokens"), nil
	}
	if l.Meta.OutputIDsDecoded == nil {
		return nil, fmt.Errorf("session %s has no decoded output to select from", l.Key)
	}
	return attn.ResolveSelection(ctx, l.Meta.OutputIDsDecoded, selected)
}

// parsePatch parses "row,col" or "row:col".
func parsePatch(s string) (attn.Patch, error) {
	r, c, ok := strings.Cut(s, ",")
	if !ok {
		r, c, ok = strings.Cut(s, ":")
	}
	if !ok {
		return attn.Patch{}, fmt.Errorf("invalid patch %q, want row,col", s)
	}
	row, err := strconv.Atoi(strings.TrimSpace(r))
	if err != nil {
		return attn.Patch{}, fmt.Errorf("invalid patch row %q: %w", r, err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(c))
	if err != nil {
		return attn.Patch{}, fmt.Errorf("invalid patch col %q: %w", c, err)
	}
	return attn.Patch{Row: row, Col: col}, nil
}

// rolloutOptions merges the rollout flags over the configured defaults.
func rolloutOptions(cmd *cli.Command, discard attn.Discard) (attn.RolloutOptions, error) {
	opts := attn.RolloutOptions{
		Fusion:       defaults.Fusion,
		ClsIndex:     cmd.Int("cls-index"),
		DiscardRatio: defaults.DiscardRatio,
		Discard:      discard,
		StartLayer:   cmd.Int("start-layer"),
	}
	var err error
	if cmd.IsSet("fusion") {
		if opts.Fusion, err = attn.ParseFusion(cmd.String("fusion")); err != nil {
			return opts, err
		}
	}
	if cmd.IsSet("discard") {
		if opts.Discard, err = attn.ParseDiscard(cmd.String("discard")); err != nil {
			return opts, err
		}
	}
	if cmd.IsSet("discard-ratio") {
		opts.DiscardRatio = cmd.Float64("discard-ratio")
	}
	return opts, nil
}

func mergePolicy(cmd *cli.Command) (attn.MergePolicy, error) {
	if !cmd.IsSet("policy") {
		return defaults.WordMerge, nil
	}
	return attn.ParseMergePolicy(cmd.String("policy"))
}
