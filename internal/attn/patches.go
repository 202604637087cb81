package attn

import (
	"context"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/attnlens/internal/logger"
)

// Patch addresses one cell of the patch grid.
type Patch struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// PatchAttention is the attention every generated token pays to a set of
// image patches.
type PatchAttention struct {
	Layer   int     `json:"layer"`
	Head    int     `json:"head"`
	Patches []Patch `json:"patches"`
	// Values is indexed by generation step.
	Values []float64 `json:"values"`
	// Normalized is Values min-max scaled to [0, 1].
	Normalized []float64 `json:"normalized"`
	// HeadMeans is the mean over patches and steps, indexed [layer][head].
	HeadMeans [][]float64 `json:"head_means"`
}

// AttendPatches measures how strongly each output token attends to the
// selected patches at (layer, head). With no patches the centre of the grid
// is used.
func AttendPatches(ctx context.Context, s *Session, layer, head int, patches []Patch) (PatchAttention, error) {
	if err := s.checkLayer(layer); err != nil {
		return PatchAttention{}, err
	}
	if err := s.checkHead(head); err != nil {
		return PatchAttention{}, err
	}
	if len(patches) == 0 {
		patches = []Patch{{Row: s.side / 2, Col: s.side / 2}}
		logger.FromContext(ctx).Info("no patch given, using grid centre", "row", s.side/2, "col", s.side/2)
	}
	for _, p := range patches {
		if p.Row < 0 || p.Row >= s.side {
			return PatchAttention{}, newRangeError("patch row", p.Row, 0, s.side)
		}
		if p.Col < 0 || p.Col >= s.side {
			return PatchAttention{}, newRangeError("patch column", p.Col, 0, s.side)
		}
	}

	out := PatchAttention{
		Layer:     layer,
		Head:      head,
		Patches:   patches,
		Values:    s.patchValues(layer, head, patches),
		HeadMeans: make([][]float64, s.layers),
	}
	out.Normalized = minMax(out.Values)
	for l := range out.HeadMeans {
		out.HeadMeans[l] = make([]float64, s.heads)
		for h := range out.HeadMeans[l] {
			vals := s.patchValues(l, h, patches)
			out.HeadMeans[l][h] = floats.Sum(vals) / float64(len(vals))
		}
	}
	return out, nil
}

// patchValues returns, per step, the mean attention to the patches.
func (s *Session) patchValues(layer, head int, patches []Patch) []float64 {
	vals := make([]float64, len(s.steps))
	for t := range s.steps {
		row := s.ImageRow(t, layer, head)
		var sum float64
		for _, p := range patches {
			sum += float64(row[p.Row*s.side+p.Col])
		}
		vals[t] = sum / float64(len(patches))
	}
	return vals
}

func minMax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	lo, hi := floats.Min(v), floats.Max(v)
	if hi == lo {
		return out
	}
	for i, x := range v {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}
