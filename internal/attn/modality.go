package attn

import (
	"context"
	"fmt"

	"github.com/samcharles93/attnlens/internal/logger"
)

// Modality selects which key span of the prompt a summary pools over.
type Modality uint8

const (
	ImageToAnswer Modality = iota
	QuestionToAnswer
)

func (m Modality) String() string {
	switch m {
	case ImageToAnswer:
		return "image-to-answer"
	case QuestionToAnswer:
		return "question-to-answer"
	default:
		return fmt.Sprintf("modality(%d)", uint8(m))
	}
}

// ParseModality accepts the canonical names and the labels used by the
// inspection UI ("Image-to-Answer", "Question-to-Answer").
func ParseModality(s string) (Modality, error) {
	switch s {
	case "image-to-answer", "Image-to-Answer", "image", "i2a":
		return ImageToAnswer, nil
	case "question-to-answer", "Question-to-Answer", "question", "q2a":
		return QuestionToAnswer, nil
	}
	return 0, fmt.Errorf("%w: unknown modality %q", ErrInvalidRange, s)
}

// Summary is the per-(layer, head) mean attention between all generated
// tokens and one key span.
type Summary struct {
	Modality Modality `json:"-"`
	// Mean is indexed [layer][head].
	Mean [][]float64 `json:"mean"`
	// Raw holds, for ImageToAnswer, the step-mean grid of every
	// [layer][head]. It is nil for QuestionToAnswer.
	Raw [][]Grid `json:"raw,omitempty"`
	// Normalized holds, for QuestionToAnswer, the mean of the span attention
	// after dividing by its maximum over steps and keys.
	Normalized [][]float64 `json:"normalized,omitempty"`
	Span       [2]int      `json:"span"`
}

// QuestionLen derives the question span length from the prompt ids, which
// carry a single sentinel for the whole image.
func QuestionLen(inputIDs int, imageIndex int) int {
	return max(inputIDs-imageIndex-1, 0)
}

// Summarize pools the effective query rows of every generated step against
// the image patches or the question tokens. questionLen is ignored for
// ImageToAnswer.
func Summarize(ctx context.Context, s *Session, m Modality, questionLen int) (Summary, error) {
	logger.FromContext(ctx).Debug("summarizing attention", "modality", m, "layers", s.layers, "heads", s.heads)
	switch m {
	case ImageToAnswer:
		return summarizeImage(s), nil
	case QuestionToAnswer:
		return summarizeQuestion(s, questionLen)
	default:
		return Summary{}, fmt.Errorf("%w: unknown modality %d", ErrInvalidRange, m)
	}
}

func summarizeImage(s *Session) Summary {
	sum := Summary{
		Modality: ImageToAnswer,
		Mean:     make([][]float64, s.layers),
		Raw:      make([][]Grid, s.layers),
		Span:     [2]int{s.imageIndex, s.imageIndex + s.patchCount},
	}
	steps := float64(len(s.steps))
	for l := 0; l < s.layers; l++ {
		sum.Mean[l] = make([]float64, s.heads)
		sum.Raw[l] = make([]Grid, s.heads)
		for h := 0; h < s.heads; h++ {
			g := NewGrid(s.side)
			for t := range s.steps {
				for i, v := range s.ImageRow(t, l, h) {
					g.Data[i] += float64(v)
				}
			}
			for i := range g.Data {
				g.Data[i] /= steps
			}
			sum.Raw[l][h] = g
			sum.Mean[l][h] = g.Mean()
		}
	}
	return sum
}

func summarizeQuestion(s *Session, questionLen int) (Summary, error) {
	start := s.imageIndex + s.patchCount
	end := start + questionLen
	if questionLen <= 0 {
		return Summary{}, fmt.Errorf("%w: question length %d", ErrInvalidRange, questionLen)
	}
	if end > s.PromptLen() {
		return Summary{}, fmt.Errorf("%w: question span [%d, %d) exceeds prompt length %d",
			ErrInvalidRange, start, end, s.PromptLen())
	}
	sum := Summary{
		Modality:   QuestionToAnswer,
		Mean:       make([][]float64, s.layers),
		Normalized: make([][]float64, s.layers),
		Span:       [2]int{start, end},
	}
	n := float64(len(s.steps) * questionLen)
	for l := 0; l < s.layers; l++ {
		sum.Mean[l] = make([]float64, s.heads)
		sum.Normalized[l] = make([]float64, s.heads)
		for h := 0; h < s.heads; h++ {
			var total, peak float64
			for t := range s.steps {
				for _, v := range s.Row(t, l, h)[start:end] {
					total += float64(v)
					peak = max(peak, float64(v))
				}
			}
			mean := total / n
			sum.Mean[l][h] = mean
			if peak > 0 {
				sum.Normalized[l][h] = mean / peak
			}
		}
	}
	return sum, nil
}
