package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/api"
	"github.com/samcharles93/attnlens/internal/attn"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a recorded session",
		ArgsUsage: "KEY",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			info := api.NewSessionInfo(l)
			return emit(cmd, info, func(w io.Writer) {
				table := newTable(w, "FIELD", "VALUE")
				table.AppendBulk([][]string{
					{"key", info.Key},
					{"source", info.Source},
					{"steps", strconv.Itoa(info.Steps)},
					{"layers", strconv.Itoa(info.Layers)},
					{"heads", strconv.Itoa(info.Heads)},
					{"image index", strconv.Itoa(info.ImageIndex)},
					{"patches", fmt.Sprintf("%d (%dx%d)", info.PatchCount, info.GridSide, info.GridSide)},
					{"prompt length", strconv.Itoa(info.PromptLen)},
				})
				for _, warn := range info.Warnings {
					table.Append([]string{"warning", warn})
				}
				table.Render()
				_, _ = fmt.Fprintln(w)

				steps := newTable(w, "STEP", "TOKEN", "QUERY ROW", "KEYS")
				for t := 0; t < l.Session.Steps(); t++ {
					token := ""
					if t < len(info.Outputs) {
						token = info.Outputs[t]
					}
					q := l.Session.Step(t).Query
					steps.Append([]string{
						strconv.Itoa(t), token, strconv.Itoa(q.Index), strconv.Itoa(l.Session.Layer(t, 0).Keys),
					})
				}
				steps.Render()
			})
		},
	}
}

func headsCmd() *cli.Command {
	var layer, head int
	return &cli.Command{
		Name:      "heads",
		Usage:     "Image saliency of one attention head averaged over generation steps",
		ArgsUsage: "KEY",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "layer index", Destination: &layer},
			&cli.IntFlag{Name: "head", Usage: "head index", Destination: &head},
		}, selectionFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			steps, err := resolveSteps(ctx, cmd, l)
			if err != nil {
				return err
			}
			hs, err := attn.Aggregate(ctx, l.Session, layer, head, steps)
			if err != nil {
				return err
			}
			return emit(cmd, hs, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "layer %d head %d  score %s  steps %v\n", hs.Layer, hs.Head, fmtFloat(hs.Score), hs.Tokens)
				if len(hs.Skipped) > 0 {
					_, _ = fmt.Fprintf(w, "skipped out-of-range steps %v\n", hs.Skipped)
				}
				renderGrid(w, "ROW", hs.Grid)
			})
		},
	}
}

func rankCmd() *cli.Command {
	return &cli.Command{
		Name:      "rank",
		Usage:     "Rank heads by spatial concentration of their image saliency",
		ArgsUsage: "KEY",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "rank the heads of one layer (default: score every layer)"},
		}, selectionFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			steps, err := resolveSteps(ctx, cmd, l)
			if err != nil {
				return err
			}
			if !cmd.IsSet("layer") {
				scores := attn.LayerScores(ctx, l.Session, steps)
				return emit(cmd, api.RankResult{Scores: scores}, func(w io.Writer) {
					renderMatrix(w, scores)
				})
			}
			layer := cmd.Int("layer")
			ranked, err := attn.RankLayer(ctx, l.Session, layer, steps)
			if err != nil {
				return err
			}
			return emit(cmd, api.RankResult{Layer: &layer, Heads: ranked}, func(w io.Writer) {
				table := newTable(w, "RANK", "HEAD", "SCORE")
				for i, hs := range ranked {
					table.Append([]string{strconv.Itoa(i + 1), strconv.Itoa(hs.Head), fmtFloat(hs.Score)})
				}
				table.Render()
			})
		},
	}
}

func summaryCmd() *cli.Command {
	var modality string
	return &cli.Command{
		Name:      "summary",
		Usage:     "Mean attention of every layer and head to the image or the question",
		ArgsUsage: "KEY",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "modality",
				Usage:       "image-to-answer or question-to-answer",
				Value:       "image-to-answer",
				Destination: &modality,
			},
			&cli.IntFlag{
				Name:  "question-len",
				Usage: "question span length (default derived from the prompt)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := attn.ParseModality(modality)
			if err != nil {
				return err
			}
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			qlen := l.QuestionLen()
			if cmd.IsSet("question-len") {
				qlen = cmd.Int("question-len")
			}
			sum, err := attn.Summarize(ctx, l.Session, m, qlen)
			if err != nil {
				return err
			}
			return emit(cmd, sum, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s, keys [%d, %d)\n", m, sum.Span[0], sum.Span[1])
				renderMatrix(w, sum.Mean)
				if sum.Normalized != nil {
					_, _ = fmt.Fprintln(w, "\nnormalized")
					renderMatrix(w, sum.Normalized)
				}
			})
		},
	}
}

func patchesCmd() *cli.Command {
	var layer, head int
	return &cli.Command{
		Name:      "patches",
		Usage:     "Attention each output token pays to selected image patches",
		ArgsUsage: "KEY",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "layer index", Destination: &layer},
			&cli.IntFlag{Name: "head", Usage: "head index", Destination: &head},
			&cli.StringSliceFlag{Name: "patch", Aliases: []string{"p"}, Usage: "patch as row:col, repeatable (default centre patch)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var patches []attn.Patch
			for _, s := range cmd.StringSlice("patch") {
				p, err := parsePatch(s)
				if err != nil {
					return err
				}
				patches = append(patches, p)
			}
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			pa, err := attn.AttendPatches(ctx, l.Session, layer, head, patches)
			if err != nil {
				return err
			}
			return emit(cmd, pa, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "layer %d head %d  patches %v\n", pa.Layer, pa.Head, pa.Patches)
				table := newTable(w, "STEP", "TOKEN", "ATTENTION", "NORMALIZED")
				for t, v := range pa.Values {
					token := ""
					if t < len(l.Meta.OutputIDsDecoded) {
						token = l.Meta.OutputIDsDecoded[t]
					}
					table.Append([]string{strconv.Itoa(t), token, fmtFloat(v), fmtFloat(pa.Normalized[t])})
				}
				table.Render()
			})
		},
	}
}

func rolloutCmd() *cli.Command {
	return &cli.Command{
		Name:      "rollout",
		Usage:     "Attention rollout of the first step across layers",
		ArgsUsage: "KEY",
		Flags:     rolloutFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := rolloutOptions(cmd, defaults.RolloutDiscard)
			if err != nil {
				return err
			}
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			res, err := attn.Rollout(ctx, l.Session, opts)
			if err != nil {
				return err
			}
			return emit(cmd, res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "fusion %s  discard %s (%s)  layers %d\n",
					opts.Fusion, opts.Discard, fmtFloat(opts.DiscardRatio), res.Layers)
				renderGrid(w, "DIAGONAL", res.Diagonal)
				_, _ = fmt.Fprintln(w)
				renderGrid(w, "COLUMN", res.Column)
			})
		},
	}
}

func flowCmd() *cli.Command {
	var sourceRow int
	return &cli.Command{
		Name:      "flow",
		Usage:     "Max-based attention flow of the first step across layers",
		ArgsUsage: "KEY",
		Flags: append(rolloutFlags(),
			&cli.StringFlag{Name: "composition", Usage: "layer composition (max-of-max, bottleneck)"},
			&cli.IntFlag{Name: "source-row", Usage: "image block row projected to the grid", Destination: &sourceRow},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ro, err := rolloutOptions(cmd, defaults.FlowDiscard)
			if err != nil {
				return err
			}
			opts := attn.FlowOptions{
				Fusion:       ro.Fusion,
				ClsIndex:     ro.ClsIndex,
				DiscardRatio: ro.DiscardRatio,
				Discard:      ro.Discard,
				StartLayer:   ro.StartLayer,
				Composition:  defaults.FlowComposition,
				SourceRow:    sourceRow,
			}
			if cmd.IsSet("composition") {
				if opts.Composition, err = attn.ParseComposition(cmd.String("composition")); err != nil {
					return err
				}
			}
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			res, err := attn.Flow(ctx, l.Session, opts)
			if err != nil {
				return err
			}
			return emit(cmd, res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "fusion %s  composition %s  layers %d\n", opts.Fusion, opts.Composition, res.Layers)
				renderGrid(w, "ROW", res.Columnar)
			})
		},
	}
}

func promptWordsCmd() *cli.Command {
	var step, layer, topK int
	return &cli.Command{
		Name:      "prompt-words",
		Usage:     "Word-level attention of one output token to the prompt text",
		ArgsUsage: "KEY",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "step", Usage: "generation step", Destination: &step},
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "layer index", Destination: &layer},
			&cli.IntFlag{Name: "trim-head", Usage: "chat-template tokens dropped after the image token"},
			&cli.IntFlag{Name: "trim-tail", Usage: "chat-template tokens dropped at the end of the prompt"},
			&cli.IntFlag{Name: "top-k", Usage: "number of top words", Value: 3, Destination: &topK},
			&cli.StringFlag{Name: "policy", Usage: "word merge policy (corrected, legacy)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			policy, err := mergePolicy(cmd)
			if err != nil {
				return err
			}
			l, err := loadSession(ctx, cmd)
			if err != nil {
				return err
			}
			if l.Meta.InputTextTokenized == nil {
				return fmt.Errorf("session %s has no tokenized prompt text", l.Key)
			}
			opts := attn.PromptOptions{
				Step:     step,
				Layer:    layer,
				TrimHead: defaults.PromptTrimHead,
				TrimTail: defaults.PromptTrimTail,
				TopK:     topK,
				Policy:   policy,
			}
			if cmd.IsSet("trim-head") {
				opts.TrimHead = cmd.Int("trim-head")
			}
			if cmd.IsSet("trim-tail") {
				opts.TrimTail = cmd.Int("trim-tail")
			}
			pa, err := attn.AttendPrompt(ctx, l.Session, l.Meta.InputTextTokenized, opts)
			if err != nil {
				return err
			}
			return emit(cmd, pa, func(w io.Writer) {
				renderWords(w, pa.Words)
				top := make([]string, len(pa.Top))
				for i, word := range pa.Top {
					top[i] = word.Display()
				}
				_, _ = fmt.Fprintf(w, "\ntop %s\nimage mean %s  max %s  rank %s\n",
					strings.Join(top, ", "), fmtFloat(pa.ImageMean), fmtFloat(pa.ImageMax), fmtFloat(pa.ImageRank))
			})
		},
	}
}
