package attn

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/attnlens/internal/logger"
)

// RolloutOptions configures Rollout. The zero value fuses by mean, starts at
// layer 0 and discards nothing.
type RolloutOptions struct {
	Fusion       Fusion
	ClsIndex     int
	DiscardRatio float64
	Discard      Discard
	StartLayer   int
}

// RolloutResult holds both projections of the image block of the rolled map.
type RolloutResult struct {
	// Column is the first column of the image block, max-normalized.
	Column Grid `json:"column"`
	// Diagonal is the self-retained mass per patch, max-normalized. This is
	// the projection forwarded to the overlay renderer.
	Diagonal Grid `json:"diagonal"`
	// Map is the full N×N rolled map.
	Map    *mat.Dense `json:"-"`
	Layers int        `json:"layers"`
}

// Rollout composes the first step's attention from opts.StartLayer to the
// last layer with the residual folded in, keeping every row of the rolled map
// a probability distribution.
func Rollout(ctx context.Context, s *Session, opts RolloutOptions) (RolloutResult, error) {
	n, err := propagationWindow(s, opts.StartLayer, opts.ClsIndex, opts.DiscardRatio)
	if err != nil {
		return RolloutResult{}, err
	}
	log := logger.FromContext(ctx)

	roll := identity(n)
	for l := opts.StartLayer; l < s.layers; l++ {
		fused := fuseHeads(s.Layer(0, l), opts.ClsIndex, n, opts.Fusion)
		opts.Discard.apply(fused, opts.DiscardRatio)
		roll = rolloutStep(roll, fused)
		log.Debug("rolled layer", "layer", l, "fusion", opts.Fusion, "discard", opts.Discard)
	}

	return RolloutResult{
		Column:   s.columnProjection(roll),
		Diagonal: s.diagonalProjection(roll),
		Map:      roll,
		Layers:   s.layers - opts.StartLayer,
	}, nil
}

// rolloutStep returns normalize(roll · (fused + I) / 2). fused is consumed.
func rolloutStep(roll, fused *mat.Dense) *mat.Dense {
	n, _ := fused.Dims()
	for i := 0; i < n; i++ {
		fused.Set(i, i, fused.At(i, i)+1)
	}
	fused.Scale(0.5, fused)
	var next mat.Dense
	next.Mul(roll, fused)
	rowNormalize(&next)
	return &next
}

func (s *Session) columnProjection(roll *mat.Dense) Grid {
	block := s.imageBlock(roll)
	return gridFrom(s.side, mat.Col(nil, 0, block)).MaxNormalized()
}

func (s *Session) diagonalProjection(roll *mat.Dense) Grid {
	block := s.imageBlock(roll)
	diag := make([]float64, s.patchCount)
	for i := range diag {
		diag[i] = block.At(i, i)
	}
	return gridFrom(s.side, diag).MaxNormalized()
}
