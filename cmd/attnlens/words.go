package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/api"
	"github.com/samcharles93/attnlens/internal/attn"
)

func wordsCmd() *cli.Command {
	return &cli.Command{
		Name:      "words",
		Usage:     "Merge sub-word relevancy scores into words",
		ArgsUsage: "[FILE]",
		Description: `Reads {"tokens": [...], "relevancy": [...]} from FILE, or stdin when FILE
is omitted or "-", and prints the mean relevancy of every word.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "policy", Usage: "word merge policy (corrected, legacy)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := readWordsRequest(cmd)
			if err != nil {
				return err
			}
			policy, err := mergePolicy(cmd)
			if err != nil {
				return err
			}
			if !cmd.IsSet("policy") && req.Policy != nil {
				if policy, err = attn.ParseMergePolicy(*req.Policy); err != nil {
					return err
				}
			}
			sepList := req.Separators
			if sepList == nil {
				sepList = attn.DefaultSeparators
			}
			seps := attn.NewSeparators(sepList)
			tokens, err := attn.NewTokens(req.Tokens, req.Relevancy, seps)
			if err != nil {
				return err
			}
			words := attn.Merge(tokens, seps, policy)
			if words == nil {
				words = []attn.WordRelevancy{}
			}
			return emit(cmd, words, func(w io.Writer) {
				renderWords(w, words)
			})
		},
	}
}

func readWordsRequest(cmd *cli.Command) (api.WordsRequest, error) {
	var r io.Reader = cmd.Root().Reader
	if r == nil {
		r = os.Stdin
	}
	if path := cmd.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return api.WordsRequest{}, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var req api.WordsRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode words input: %w", err)
	}
	return req, nil
}
