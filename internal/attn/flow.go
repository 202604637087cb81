package attn

import (
	"context"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/attnlens/internal/logger"
)

// Composition chooses how FlowEngine folds a layer into the running map.
type Composition uint8

const (
	// MaxOfMax keeps, for every (q, k), the larger of the running value and
	// the largest normalized attention any query of the layer pays to k.
	// This is an experimental relaxation, not a widest-path solve.
	MaxOfMax Composition = iota
	// Bottleneck is the widest-path composition max_j min(flow[q,j], a[j,k]).
	Bottleneck
)

func (c Composition) String() string {
	switch c {
	case MaxOfMax:
		return "max-of-max"
	case Bottleneck:
		return "bottleneck"
	default:
		return fmt.Sprintf("composition(%d)", uint8(c))
	}
}

func ParseComposition(s string) (Composition, error) {
	switch strings.ToLower(s) {
	case "max-of-max", "maxofmax", "legacy":
		return MaxOfMax, nil
	case "bottleneck", "widest-path":
		return Bottleneck, nil
	}
	return 0, fmt.Errorf("%w: unknown flow composition %q", ErrInvalidRange, s)
}

// FlowOptions configures Flow. Discard defaults to NoDiscard.
type FlowOptions struct {
	Fusion       Fusion
	ClsIndex     int
	DiscardRatio float64
	Discard      Discard
	StartLayer   int
	Composition  Composition
	// SourceRow is the row of the image block projected to the grid.
	SourceRow int
}

type FlowResult struct {
	Columnar Grid `json:"columnar"`
	// Block is the image-patch block of the composed map.
	Block  *mat.Dense `json:"-"`
	Layers int        `json:"layers"`
}

// Flow propagates the first step's attention across layers with a max-based
// accumulator.
func Flow(ctx context.Context, s *Session, opts FlowOptions) (FlowResult, error) {
	n, err := propagationWindow(s, opts.StartLayer, opts.ClsIndex, opts.DiscardRatio)
	if err != nil {
		return FlowResult{}, err
	}
	if opts.SourceRow < 0 || opts.SourceRow >= s.patchCount {
		return FlowResult{}, newRangeError("source row", opts.SourceRow, 0, s.patchCount)
	}
	log := logger.FromContext(ctx)

	flow := identity(n)
	for l := opts.StartLayer; l < s.layers; l++ {
		fused := fuseHeads(s.Layer(0, l), opts.ClsIndex, n, opts.Fusion)
		opts.Discard.apply(fused, opts.DiscardRatio)
		rowNormalize(fused)
		switch opts.Composition {
		case Bottleneck:
			flow = composeBottleneck(flow, fused)
		default:
			composeMaxOfMax(flow, fused)
		}
		log.Debug("composed flow layer", "layer", l, "composition", opts.Composition)
	}

	block := s.imageBlock(flow)
	return FlowResult{
		Columnar: gridFrom(s.side, block.RawRowView(opts.SourceRow)),
		Block:    block,
		Layers:   s.layers - opts.StartLayer,
	}, nil
}

// composeMaxOfMax updates flow in place:
// flow[q,k] = max(flow[q,k], max_a fused[a,k]).
func composeMaxOfMax(flow, fused *mat.Dense) {
	n, _ := fused.Dims()
	colMax := make([]float64, n)
	for k := range colMax {
		colMax[k] = floats.Max(mat.Col(nil, k, fused))
	}
	for q := 0; q < n; q++ {
		row := flow.RawRowView(q)
		for k, v := range colMax {
			row[k] = max(row[k], v)
		}
	}
}

func composeBottleneck(flow, fused *mat.Dense) *mat.Dense {
	n, _ := fused.Dims()
	out := mat.NewDense(n, n, nil)
	for q := 0; q < n; q++ {
		src := flow.RawRowView(q)
		dst := out.RawRowView(q)
		for j, fj := range src {
			if fj == 0 {
				continue
			}
			next := fused.RawRowView(j)
			for k, v := range next {
				dst[k] = max(dst[k], min(fj, v))
			}
		}
	}
	return out
}
