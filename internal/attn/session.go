package attn

import (
	"fmt"
	"math"
)

// DefaultPatchCount is the number of image tokens the vision tower emits for
// a 336px input (a 24x24 grid).
const DefaultPatchCount = 576

// Layer holds the attention of one layer at one generation step with the
// batch axis squeezed: Data is [Heads][Queries][Keys] row-major.
type Layer struct {
	Heads   int
	Queries int
	Keys    int
	Data    []float32
}

// NewLayer wraps data recorded with shape [1, heads, queries, keys].
func NewLayer(shape []int, data []float32) (Layer, error) {
	if len(shape) != 4 {
		return Layer{}, fmt.Errorf("%w: expected rank 4, got shape %v", ErrInvalidShape, shape)
	}
	if shape[0] != 1 {
		return Layer{}, fmt.Errorf("%w: batch size %d, want 1", ErrInvalidShape, shape[0])
	}
	for _, d := range shape[1:] {
		if d <= 0 {
			return Layer{}, fmt.Errorf("%w: non-positive dim in %v", ErrInvalidShape, shape)
		}
	}
	n := shape[1] * shape[2] * shape[3]
	if len(data) != n {
		return Layer{}, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalidShape, shape, n, len(data))
	}
	return Layer{Heads: shape[1], Queries: shape[2], Keys: shape[3], Data: data}, nil
}

// Row returns the key vector for (head, query). The slice aliases Data.
func (l *Layer) Row(head, query int) []float32 {
	off := (head*l.Queries + query) * l.Keys
	return l.Data[off : off+l.Keys]
}

// At returns a single attention weight.
func (l *Layer) At(head, query, key int) float32 {
	return l.Data[(head*l.Queries+query)*l.Keys+key]
}

// QueryKind tags how the effective query row of a step is chosen.
type QueryKind uint8

const (
	// QuerySingle is used for steps after the first: the query axis has
	// length one and is used directly.
	QuerySingle QueryKind = iota
	// QueryLast is used for the first step, whose query axis spans the whole
	// prompt; only the last prompt position predicts the first output token.
	QueryLast
)

// QueryRow is the effective query row of a step, resolved once.
type QueryRow struct {
	Kind  QueryKind
	Index int
}

func resolveQueryRow(queries int) QueryRow {
	if queries > 1 {
		return QueryRow{Kind: QueryLast, Index: queries - 1}
	}
	return QueryRow{Kind: QuerySingle, Index: 0}
}

// Step is one autoregressive decoding step.
type Step struct {
	Layers []Layer
	Query  QueryRow
}

// Options configures session construction.
type Options struct {
	// ImageIndex is the offset of the first image-patch token in the prompt.
	ImageIndex int
	// PatchCount is the number of image tokens; it must be a perfect square.
	// Zero selects DefaultPatchCount.
	PatchCount int
}

// Session is a validated, read-only view over the attention recorded for one
// response. It is never mutated after NewSession returns.
type Session struct {
	steps      []Step
	imageIndex int
	patchCount int
	side       int
	heads      int
	layers     int
}

// NewSession validates the raw per-step, per-layer attention and resolves the
// effective query row of every step.
func NewSession(raw [][]Layer, opts Options) (*Session, error) {
	patches := opts.PatchCount
	if patches == 0 {
		patches = DefaultPatchCount
	}
	side := int(math.Sqrt(float64(patches)))
	if patches < 0 || side*side != patches {
		return nil, fmt.Errorf("%w: patch count %d is not a square", ErrInvalidRange, patches)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no generation steps", ErrInvalidShape)
	}
	layers := len(raw[0])
	if layers == 0 {
		return nil, fmt.Errorf("%w: step 0 has no layers", ErrInvalidShape)
	}
	heads := raw[0][0].Heads
	promptLen := raw[0][0].Keys

	steps := make([]Step, len(raw))
	for t, ls := range raw {
		if len(ls) != layers {
			return nil, shapeError{step: t, layer: len(ls), msg: fmt.Sprintf("expected %d layers", layers)}
		}
		for l := range ls {
			la := &ls[l]
			if la.Heads != heads {
				return nil, shapeError{step: t, layer: l, msg: fmt.Sprintf("has %d heads, want %d", la.Heads, heads)}
			}
			if la.Keys != promptLen+t {
				return nil, shapeError{step: t, layer: l, msg: fmt.Sprintf("key length %d, want %d", la.Keys, promptLen+t)}
			}
			if t > 0 && la.Queries != 1 {
				return nil, shapeError{step: t, layer: l, msg: fmt.Sprintf("query length %d, want 1", la.Queries)}
			}
			if la.Queries < 1 || la.Queries > la.Keys {
				return nil, shapeError{step: t, layer: l, msg: fmt.Sprintf("query length %d exceeds key length %d", la.Queries, la.Keys)}
			}
			if t == 0 && la.Queries != ls[0].Queries {
				return nil, shapeError{step: t, layer: l, msg: "query length differs across layers"}
			}
		}
		steps[t] = Step{Layers: ls, Query: resolveQueryRow(ls[0].Queries)}
	}

	if opts.ImageIndex < 0 || opts.ImageIndex+patches > promptLen {
		return nil, fmt.Errorf("%w: image span [%d, %d) exceeds key length %d",
			ErrInvalidRange, opts.ImageIndex, opts.ImageIndex+patches, promptLen)
	}

	return &Session{
		steps:      steps,
		imageIndex: opts.ImageIndex,
		patchCount: patches,
		side:       side,
		heads:      heads,
		layers:     layers,
	}, nil
}

func (s *Session) Steps() int      { return len(s.steps) }
func (s *Session) Layers() int     { return s.layers }
func (s *Session) Heads() int      { return s.heads }
func (s *Session) ImageIndex() int { return s.imageIndex }
func (s *Session) PatchCount() int { return s.patchCount }

// GridSide is the edge length of the patch grid.
func (s *Session) GridSide() int { return s.side }

// PromptLen is the key length of the first step.
func (s *Session) PromptLen() int { return s.steps[0].Layers[0].Keys }

// Step returns generation step t.
func (s *Session) Step(t int) *Step { return &s.steps[t] }

// Layer returns LayerAttention(t, l).
func (s *Session) Layer(t, l int) *Layer { return &s.steps[t].Layers[l] }

// Row returns the effective query row of LayerAttention(t, l) for head.
func (s *Session) Row(t, l, head int) []float32 {
	st := &s.steps[t]
	return st.Layers[l].Row(head, st.Query.Index)
}

// ImageRow returns the image-patch slice of the effective query row.
func (s *Session) ImageRow(t, l, head int) []float32 {
	return s.Row(t, l, head)[s.imageIndex : s.imageIndex+s.patchCount]
}

// CheckOutputLength compares the step count with the number of decoded
// output tokens. A mismatch is reported as a *LengthMismatchError; callers
// are expected to warn and carry on.
func (s *Session) CheckOutputLength(outputs int) error {
	if outputs == len(s.steps) {
		return nil
	}
	return &LengthMismatchError{Steps: len(s.steps), Outputs: outputs}
}

func (s *Session) checkLayer(layer int) error {
	if layer < 0 || layer >= s.layers {
		return newRangeError("layer", layer, 0, s.layers)
	}
	return nil
}

func (s *Session) checkHead(head int) error {
	if head < 0 || head >= s.heads {
		return newRangeError("head", head, 0, s.heads)
	}
	return nil
}
