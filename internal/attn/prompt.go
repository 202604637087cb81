package attn

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/attnlens/internal/logger"
)

// PromptOptions configures AttendPrompt.
type PromptOptions struct {
	Step  int
	Layer int
	// TrimHead and TrimTail drop chat-template tokens after the image token
	// and at the end of the prompt.
	TrimHead int
	TrimTail int
	TopK     int
	Policy   MergePolicy
	// Separators defaults to DefaultSeparators.
	Separators Separators
}

// PromptAttention is the attention one output token pays to the prompt text.
type PromptAttention struct {
	Tokens []Token         `json:"tokens"`
	Words  []WordRelevancy `json:"words"`
	Top    []WordRelevancy `json:"top"`
	// ImageMean and ImageMax summarize the image span, which the tokenized
	// prompt represents as a single token.
	ImageMean float64 `json:"image_mean"`
	ImageMax  float64 `json:"image_max"`
	// ImageRank is the fraction of the top word scores (plus the image max
	// itself) strictly below the image max.
	ImageRank float64 `json:"image_rank"`
}

// AttendPrompt aligns the head-mean effective attention of (step, layer)
// with the tokenized prompt text and merges it into words. texts carries one
// entry for the whole image at ImageIndex.
func AttendPrompt(ctx context.Context, s *Session, texts []string, opts PromptOptions) (PromptAttention, error) {
	if opts.Step < 0 || opts.Step >= len(s.steps) {
		return PromptAttention{}, newRangeError("step", opts.Step, 0, len(s.steps))
	}
	if err := s.checkLayer(opts.Layer); err != nil {
		return PromptAttention{}, err
	}
	want := s.PromptLen() - s.patchCount + 1
	if len(texts) != want {
		return PromptAttention{}, fmt.Errorf("%w: prompt has %d tokens, attention expects %d",
			ErrInvalidShape, len(texts), want)
	}
	lo := s.imageIndex + opts.TrimHead
	hi := len(texts) - opts.TrimTail
	if opts.TrimHead < 0 || opts.TrimTail < 0 || lo > hi {
		return PromptAttention{}, fmt.Errorf("%w: trim %d/%d leaves no prompt tokens", ErrInvalidRange, opts.TrimHead, opts.TrimTail)
	}
	seps := opts.Separators
	if seps == nil {
		seps = NewSeparators(DefaultSeparators)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}

	keys := s.headMeanRow(opts.Step, opts.Layer)
	img := keys[s.imageIndex : s.imageIndex+s.patchCount]
	var imgSum, imgMax float64
	for _, v := range img {
		imgSum += v
		imgMax = max(imgMax, v)
	}
	imgMean := imgSum / float64(len(img))

	rel := make([]float64, 0, len(texts))
	rel = append(rel, keys[:s.imageIndex]...)
	rel = append(rel, imgMean)
	rel = append(rel, keys[s.imageIndex+s.patchCount:s.PromptLen()]...)

	tokens, err := NewTokens(texts[lo:hi], rel[lo:hi], seps)
	if err != nil {
		return PromptAttention{}, err
	}
	words := Merge(tokens, seps, opts.Policy)
	top := slices.Clone(words)
	slices.SortStableFunc(top, func(a, b WordRelevancy) int {
		switch {
		case a.Relevancy > b.Relevancy:
			return -1
		case a.Relevancy < b.Relevancy:
			return 1
		}
		return 0
	})
	top = top[:min(topK, len(top))]

	logger.FromContext(ctx).Debug("prompt attention", "step", opts.Step, "layer", opts.Layer, "words", len(words))
	return PromptAttention{
		Tokens:    tokens,
		Words:     words,
		Top:       top,
		ImageMean: imgMean,
		ImageMax:  imgMax,
		ImageRank: strictRank(top, imgMax),
	}, nil
}

func (s *Session) headMeanRow(t, l int) []float64 {
	la := s.Layer(t, l)
	out := make([]float64, la.Keys)
	for h := 0; h < s.heads; h++ {
		for k, v := range s.Row(t, l, h) {
			out[k] += float64(v)
		}
	}
	for k := range out {
		out[k] /= float64(s.heads)
	}
	return out
}

func strictRank(top []WordRelevancy, score float64) float64 {
	below := 0
	for _, w := range top {
		if w.Relevancy < score {
			below++
		}
	}
	return float64(below) / float64(len(top)+1)
}
