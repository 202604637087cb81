package attn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Fusion reduces the head axis of a layer before composition.
type Fusion uint8

const (
	FuseMean Fusion = iota
	FuseMin
	FuseMax
)

func (f Fusion) String() string {
	switch f {
	case FuseMean:
		return "mean"
	case FuseMin:
		return "min"
	case FuseMax:
		return "max"
	default:
		return fmt.Sprintf("fusion(%d)", uint8(f))
	}
}

func ParseFusion(s string) (Fusion, error) {
	switch strings.ToLower(s) {
	case "mean":
		return FuseMean, nil
	case "min":
		return FuseMin, nil
	case "max":
		return FuseMax, nil
	}
	return 0, fmt.Errorf("%w: unknown fusion method %q", ErrInvalidRange, s)
}

// fuseHeads reduces la over heads on the n×n window starting at (off, off).
func fuseHeads(la *Layer, off, n int, f Fusion) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for q := 0; q < n; q++ {
		row := out.RawRowView(q)
		switch f {
		case FuseMin:
			for k := range row {
				row[k] = math.Inf(1)
			}
		case FuseMax:
			for k := range row {
				row[k] = math.Inf(-1)
			}
		}
		for h := 0; h < la.Heads; h++ {
			src := la.Row(h, off+q)[off : off+n]
			for k, v := range src {
				x := float64(v)
				switch f {
				case FuseMin:
					row[k] = min(row[k], x)
				case FuseMax:
					row[k] = max(row[k], x)
				default:
					row[k] += x
				}
			}
		}
		if f == FuseMean {
			floats.Scale(1/float64(la.Heads), row)
		}
	}
	return out
}

// Discard selects how low-salience connections are suppressed before a layer
// is composed.
type Discard uint8

const (
	// NoDiscard leaves the fused map untouched.
	NoDiscard Discard = iota
	// FirstRowDiscard finds the smallest entries of every row but zeroes
	// their columns in row 0 only.
	FirstRowDiscard
	// RowWiseDiscard zeroes the smallest entries of every row.
	RowWiseDiscard
)

func (d Discard) String() string {
	switch d {
	case NoDiscard:
		return "none"
	case FirstRowDiscard:
		return "first-row"
	case RowWiseDiscard:
		return "row-wise"
	default:
		return fmt.Sprintf("discard(%d)", uint8(d))
	}
}

func ParseDiscard(s string) (Discard, error) {
	switch strings.ToLower(s) {
	case "none", "no":
		return NoDiscard, nil
	case "first-row", "legacy":
		return FirstRowDiscard, nil
	case "row-wise", "rowwise":
		return RowWiseDiscard, nil
	}
	return 0, fmt.Errorf("%w: unknown discard strategy %q", ErrInvalidRange, s)
}

// apply zeroes floor(cols*ratio) of the smallest entries per row.
// FirstRowDiscard gathers the k smallest columns of every row and zeroes the
// union of them in row 0 only.
func (d Discard) apply(m *mat.Dense, ratio float64) {
	if d == NoDiscard {
		return
	}
	rows, cols := m.Dims()
	k := int(float64(cols) * ratio)
	if k <= 0 {
		return
	}
	vals := make([]float64, cols)
	inds := make([]int, cols)
	smallest := func(r int) []int {
		copy(vals, m.RawRowView(r))
		floats.Argsort(vals, inds)
		return inds[:k]
	}
	if d == FirstRowDiscard {
		drop := make([]bool, cols)
		for r := 0; r < rows; r++ {
			for _, i := range smallest(r) {
				drop[i] = true
			}
		}
		row := m.RawRowView(0)
		for i, z := range drop {
			if z {
				row[i] = 0
			}
		}
		return
	}
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for _, i := range smallest(r) {
			row[i] = 0
		}
	}
}

// rowNormalize divides every row by its sum; rows summing to zero are kept.
func rowNormalize(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		if s := floats.Sum(row); s != 0 {
			floats.Scale(1/s, row)
		}
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// propagationWindow validates the shared preconditions of rollout and flow
// and returns N, the side of the composed map.
func propagationWindow(s *Session, start, cls int, ratio float64) (int, error) {
	if start < 0 || start >= s.layers {
		return 0, newRangeError("start layer", start, 0, s.layers)
	}
	if cls < 0 {
		return 0, newRangeError("cls index", cls, 0, s.PromptLen())
	}
	if ratio < 0 || ratio > 1 || math.IsNaN(ratio) {
		return 0, fmt.Errorf("%w: discard ratio %v outside [0, 1]", ErrInvalidRange, ratio)
	}
	n := cls + s.imageIndex + s.patchCount
	first := s.Layer(0, 0)
	if cls+n > first.Queries || cls+n > first.Keys {
		return 0, fmt.Errorf("%w: window [%d, %d) exceeds first step attention %dx%d",
			ErrInvalidRange, cls, cls+n, first.Queries, first.Keys)
	}
	return n, nil
}

// imageBlock copies the image-patch block out of an N×N map.
func (s *Session) imageBlock(m *mat.Dense) *mat.Dense {
	lo, hi := s.imageIndex, s.imageIndex+s.patchCount
	return mat.DenseCopyOf(m.Slice(lo, hi, lo, hi))
}
