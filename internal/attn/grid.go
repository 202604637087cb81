package attn

import (
	"gonum.org/v1/gonum/floats"
)

// Grid is a square saliency map over image patches in the vision encoder's
// raster order.
type Grid struct {
	Side int       `json:"side"`
	Data []float64 `json:"data"`
}

func NewGrid(side int) Grid {
	return Grid{Side: side, Data: make([]float64, side*side)}
}

// gridFrom copies a patch vector into a grid.
func gridFrom[T float32 | float64](side int, v []T) Grid {
	g := NewGrid(side)
	for i, x := range v {
		g.Data[i] = float64(x)
	}
	return g
}

func (g Grid) At(row, col int) float64 {
	return g.Data[row*g.Side+col]
}

// Rows returns the grid as a slice of rows sharing the backing array.
func (g Grid) Rows() [][]float64 {
	out := make([][]float64, g.Side)
	for r := range out {
		out[r] = g.Data[r*g.Side : (r+1)*g.Side]
	}
	return out
}

func (g Grid) Max() float64 {
	if len(g.Data) == 0 {
		return 0
	}
	return floats.Max(g.Data)
}

func (g Grid) Mean() float64 {
	if len(g.Data) == 0 {
		return 0
	}
	return floats.Sum(g.Data) / float64(len(g.Data))
}

// MaxNormalized returns a copy scaled so the largest cell is 1. An all-zero
// grid is returned unchanged.
func (g Grid) MaxNormalized() Grid {
	out := Grid{Side: g.Side, Data: append([]float64(nil), g.Data...)}
	if m := g.Max(); m > 0 {
		floats.Scale(1/m, out.Data)
	}
	return out
}

// Score is mean(grid / max(grid)), 0 when the grid has no positive cell.
func (g Grid) Score() float64 {
	m := g.Max()
	if m <= 0 {
		return 0
	}
	return g.Mean() / m
}
