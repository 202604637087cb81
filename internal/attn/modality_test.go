package attn

import (
	"errors"
	"testing"
)

func TestSummarizeImageToAnswer(t *testing.T) {
	t.Parallel()
	s := canonicalSession(t, varied)
	ctx := quietContext()

	sum, err := Summarize(ctx, s, ImageToAnswer, 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Span != [2]int{0, 4} {
		t.Fatalf("unexpected span %v", sum.Span)
	}
	for l := 0; l < s.Layers(); l++ {
		for h := 0; h < s.Heads(); h++ {
			pooled, _ := Aggregate(ctx, s, l, h, []int{0, 1})
			compareFloats(t, sum.Raw[l][h].Data, pooled.Grid.Data, 1e-12)
			if !approxEqual(sum.Mean[l][h], pooled.Grid.Mean(), 1e-12) {
				t.Fatalf("mean[%d][%d] = %v, want %v", l, h, sum.Mean[l][h], pooled.Grid.Mean())
			}
		}
	}
	if sum.Normalized != nil {
		t.Fatal("image summary should not carry normalized scores")
	}
}

func TestSummarizeQuestionToAnswer(t *testing.T) {
	t.Parallel()
	// Prompt: 1 prefix token, 4 image patches, 3 question tokens.
	raw := buildRaw(2, 1, 1, 8, func(step, l, h, q, k int) float64 {
		if k >= 5 && k < 8 {
			return 2
		}
		return 1
	})
	s, err := NewSession(raw, Options{ImageIndex: 1, PatchCount: 4})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := quietContext()

	// Input ids: prefix, image sentinel, three question tokens.
	qlen := QuestionLen(5, 1)
	if qlen != 3 {
		t.Fatalf("QuestionLen = %d, want 3", qlen)
	}
	sum, err := Summarize(ctx, s, QuestionToAnswer, qlen)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Span != [2]int{5, 8} {
		t.Fatalf("unexpected span %v", sum.Span)
	}
	// Step 0 keys: 8 with weights summing to 11, step 1: 9 summing to 12.
	want := (3*(2.0/11) + 3*(2.0/12)) / 6
	if !approxEqual(sum.Mean[0][0], want, 1e-6) {
		t.Fatalf("mean = %v, want %v", sum.Mean[0][0], want)
	}
	if !approxEqual(sum.Normalized[0][0], want/(2.0/11), 1e-6) {
		t.Fatalf("normalized = %v", sum.Normalized[0][0])
	}

	if _, err := Summarize(ctx, s, QuestionToAnswer, 4); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for overlong span, got %v", err)
	}
}

func TestParseModality(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Modality{
		"Image-to-Answer":    ImageToAnswer,
		"question-to-answer": QuestionToAnswer,
		"q2a":                QuestionToAnswer,
	} {
		got, err := ParseModality(in)
		if err != nil || got != want {
			t.Fatalf("ParseModality(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseModality("audio"); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
