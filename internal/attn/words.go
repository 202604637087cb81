package attn

import (
	"fmt"
	"strings"
)

// WordMarker is the SentencePiece prefix that opens a new word.
const WordMarker = "▁"

// DefaultSeparators are the punctuation, bracket, whitespace and
// end-of-sequence tokens excluded from word-level scores.
var DefaultSeparators = []string{
	".", ",", "?", "!", ":", ";", "</s>", "/", "(", ")", "[", "]", "{", "}",
	"<", ">", "|", "\\", "-", "_", "+", "=", "*", "&", "^", "%", "$", "#",
	"@", "~", "`", " ", "\t", "\n", "\r", "\x0b", "\x0c",
}

// Separators is a lookup set of separator tokens.
type Separators map[string]struct{}

func NewSeparators(tokens []string) Separators {
	s := make(Separators, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

func (s Separators) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Token is a sub-word unit with its relevancy.
type Token struct {
	Text      string  `json:"text"`
	WordStart bool    `json:"word_start"`
	Relevancy float64 `json:"relevancy"`
}

// NewTokens pairs token texts with relevancies and marks word starts.
func NewTokens(texts []string, relevancy []float64, seps Separators) ([]Token, error) {
	if len(texts) != len(relevancy) {
		return nil, fmt.Errorf("%w: %d tokens but %d relevancy values", ErrInvalidShape, len(texts), len(relevancy))
	}
	out := make([]Token, len(texts))
	for i, text := range texts {
		out[i] = Token{
			Text:      text,
			WordStart: strings.HasPrefix(text, WordMarker) || seps.Has(text),
			Relevancy: relevancy[i],
		}
	}
	return out, nil
}

// WordRelevancy is the mean relevancy of the tokens forming one word.
type WordRelevancy struct {
	Word      string  `json:"word"`
	Relevancy float64 `json:"relevancy"`
}

// Display strips the word marker for presentation.
func (w WordRelevancy) Display() string {
	return strings.TrimLeft(strings.TrimLeft(w.Word, WordMarker), "_")
}

// MergePolicy selects how the word buffer is seeded and flushed.
type MergePolicy uint8

const (
	// MergeCorrected opens the first buffer on the first token and flushes
	// the final buffer.
	MergeCorrected MergePolicy = iota
	// MergeLegacy seeds an empty buffer with count 1 before the first token,
	// never flushes the last buffer, so the final word is always lost, and
	// collapses repeated words into their first slot with the latest mean.
	MergeLegacy
)

func (p MergePolicy) String() string {
	if p == MergeLegacy {
		return "legacy"
	}
	return "corrected"
}

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(s) {
	case "", "corrected":
		return MergeCorrected, nil
	case "legacy":
		return MergeLegacy, nil
	}
	return 0, fmt.Errorf("%w: unknown word merge policy %q", ErrInvalidRange, s)
}

type wordBuffer struct {
	text  strings.Builder
	sum   float64
	count int
	open  bool
}

func (b *wordBuffer) reset(text string, rel float64, count int) {
	b.text.Reset()
	b.text.WriteString(text)
	b.sum = rel
	b.count = count
	b.open = true
}

// Merge collapses sub-word tokens into words. A token that is neither a
// separator nor word-initial continues the current word; any other token
// closes it. Words equal to a separator are not emitted.
func Merge(tokens []Token, seps Separators, policy MergePolicy) []WordRelevancy {
	var (
		buf wordBuffer
		out []WordRelevancy
	)
	// Legacy keeps one entry per distinct word: its first position, its
	// latest mean.
	var seen map[string]int
	if policy == MergeLegacy {
		seen = make(map[string]int)
	}
	emit := func() {
		word := buf.text.String()
		if seps.Has(word) {
			return
		}
		rel := buf.sum / float64(buf.count)
		if seen != nil {
			if i, ok := seen[word]; ok {
				out[i].Relevancy = rel
				return
			}
			seen[word] = len(out)
		}
		out = append(out, WordRelevancy{Word: word, Relevancy: rel})
	}

	if policy == MergeLegacy {
		buf.reset("", 0, 1)
	}
	for _, tok := range tokens {
		continuation := !tok.WordStart && !seps.Has(tok.Text)
		switch {
		case continuation && buf.open:
			buf.text.WriteString(tok.Text)
			buf.sum += tok.Relevancy
			buf.count++
		case !buf.open:
			buf.reset(tok.Text, tok.Relevancy, 1)
		default:
			emit()
			buf.reset(tok.Text, tok.Relevancy, 1)
		}
	}
	if policy == MergeCorrected && buf.open {
		emit()
	}
	return out
}
