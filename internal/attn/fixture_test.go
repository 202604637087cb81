package attn

import (
	"context"
	"math"
	"testing"

	"github.com/samcharles93/attnlens/internal/logger"
)

// weightFunc returns an unnormalized weight for (step, layer, head, query, key).
type weightFunc func(t, l, h, q, k int) float64

// buildRaw creates T steps of L layers with heads heads. Step 0 has a square
// prompt×prompt attention, later steps one query row over prompt+t keys.
// Every row is normalized to sum to one.
func buildRaw(steps, layers, heads, prompt int, w weightFunc) [][]Layer {
	raw := make([][]Layer, steps)
	for t := range raw {
		queries := 1
		if t == 0 {
			queries = prompt
		}
		keys := prompt + t
		raw[t] = make([]Layer, layers)
		for l := range raw[t] {
			data := make([]float32, heads*queries*keys)
			for h := 0; h < heads; h++ {
				for q := 0; q < queries; q++ {
					row := data[(h*queries+q)*keys : (h*queries+q+1)*keys]
					var sum float64
					vals := make([]float64, keys)
					for k := range vals {
						vals[k] = w(t, l, h, q, k)
						sum += vals[k]
					}
					for k := range row {
						row[k] = float32(vals[k] / sum)
					}
				}
			}
			raw[t][l] = Layer{Heads: heads, Queries: queries, Keys: keys, Data: data}
		}
	}
	return raw
}

func uniform(t, l, h, q, k int) float64 { return 1 }

func varied(t, l, h, q, k int) float64 {
	return float64(1 + (h*7+q*5+k*3+l*11+t*13)%5)
}

// canonicalSession is the 2-layer, 2-head fixture with img_idx=0 and a 2x2
// patch grid.
func canonicalSession(t *testing.T, w weightFunc) *Session {
	t.Helper()
	s, err := NewSession(buildRaw(2, 2, 2, 4, w), Options{ImageIndex: 0, PatchCount: 4})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func quietContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func compareFloats(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if !approxEqual(got[i], want[i], tol) {
			t.Fatalf("index %d: got %v want %v (got=%v)", i, got[i], want[i], got)
		}
	}
}
