package attn

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/attnlens/internal/logger"
)

// HeadSaliency is the pooled image attention of one head.
type HeadSaliency struct {
	Layer int     `json:"layer"`
	Head  int     `json:"head"`
	Grid  Grid    `json:"grid"`
	Score float64 `json:"score"`
	// Tokens are the step indices that contributed; Skipped were out of range.
	Tokens  []int `json:"tokens"`
	Skipped []int `json:"skipped,omitempty"`
}

// Aggregate pools the image-patch attention of (layer, head) over the given
// generation steps. An empty token list selects the first output token.
// Out-of-range steps are skipped and logged; the sum is divided by the size
// of the requested set, so a fully skipped request yields a zero grid.
func Aggregate(ctx context.Context, s *Session, layer, head int, tokens []int) (HeadSaliency, error) {
	if err := s.checkLayer(layer); err != nil {
		return HeadSaliency{}, err
	}
	if err := s.checkHead(head); err != nil {
		return HeadSaliency{}, err
	}
	set := tokenSet(tokens)
	valid, skipped := splitTokens(ctx, s, set)
	return aggregate(s, layer, head, len(set), valid, skipped), nil
}

func aggregate(s *Session, layer, head, denom int, valid, skipped []int) HeadSaliency {
	acc := make([]float64, s.patchCount)
	for _, t := range valid {
		for i, v := range s.ImageRow(t, layer, head) {
			acc[i] += float64(v)
		}
	}
	if len(valid) > 0 && denom > 1 {
		inv := 1 / float64(denom)
		for i := range acc {
			acc[i] *= inv
		}
	}
	g := Grid{Side: s.side, Data: acc}
	return HeadSaliency{
		Layer:   layer,
		Head:    head,
		Grid:    g,
		Score:   g.Score(),
		Tokens:  valid,
		Skipped: skipped,
	}
}

// tokenSet deduplicates tokens keeping first occurrences; nil becomes {0}.
func tokenSet(tokens []int) []int {
	if len(tokens) == 0 {
		return []int{0}
	}
	out := make([]int, 0, len(tokens))
	seen := make(map[int]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func splitTokens(ctx context.Context, s *Session, set []int) (valid, skipped []int) {
	log := logger.FromContext(ctx)
	for _, t := range set {
		if t < 0 || t >= len(s.steps) {
			log.Warn("skipping token", "index", t, "steps", len(s.steps), "err", ErrOutOfBoundsToken)
			skipped = append(skipped, t)
			continue
		}
		valid = append(valid, t)
	}
	return valid, skipped
}

// RankLayer aggregates every head of a layer and orders them by score,
// highest first. Equal scores keep head order.
func RankLayer(ctx context.Context, s *Session, layer int, tokens []int) ([]HeadSaliency, error) {
	if err := s.checkLayer(layer); err != nil {
		return nil, err
	}
	set := tokenSet(tokens)
	valid, skipped := splitTokens(ctx, s, set)
	out := make([]HeadSaliency, s.heads)
	for h := range out {
		out[h] = aggregate(s, layer, h, len(set), valid, skipped)
	}
	slices.SortStableFunc(out, func(a, b HeadSaliency) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	logger.FromContext(ctx).Debug("ranked heads", "layer", layer, "heads", s.heads, "tokens", len(valid))
	return out, nil
}

// LayerScores returns the head score of every (layer, head), indexed
// [layer][head].
func LayerScores(ctx context.Context, s *Session, tokens []int) [][]float64 {
	set := tokenSet(tokens)
	valid, skipped := splitTokens(ctx, s, set)
	out := make([][]float64, s.layers)
	for l := range out {
		out[l] = make([]float64, s.heads)
		for h := range out[l] {
			out[l][h] = aggregate(s, l, h, len(set), valid, skipped).Score
		}
	}
	return out
}

// ResolveSelection maps highlighted output words to generation steps. Words
// separated by spaces inside one selection are resolved individually; when a
// word occurs more than once its last position wins.
func ResolveSelection(ctx context.Context, outputs []string, selected []string) ([]int, error) {
	index := make(map[string]int, len(outputs))
	for i, tok := range outputs {
		index[tok] = i
	}
	log := logger.FromContext(ctx)
	var out []int
	for _, sel := range selected {
		for _, word := range strings.Split(sel, " ") {
			word = strings.TrimSpace(word)
			if word == "" {
				continue
			}
			i, ok := index[word]
			if !ok {
				log.Warn("selected word not found in generated text", "word", word)
				continue
			}
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %q found in generated text", ErrEmptySelection, selected)
	}
	return out, nil
}
