package attn

import (
	"errors"
	"testing"
)

func TestFlowCanonicalUniform(t *testing.T) {
	t.Parallel()
	s := canonicalSession(t, uniform)

	res, err := Flow(quietContext(), s, FlowOptions{})
	if err != nil {
		t.Fatalf("Flow: %v", err)
	}
	compareFloats(t, res.Columnar.Data, []float64{1, 0.25, 0.25, 0.25}, 1e-12)
	if res.Layers != 2 {
		t.Fatalf("layers = %d, want 2", res.Layers)
	}

	row2, err := Flow(quietContext(), s, FlowOptions{SourceRow: 2})
	if err != nil {
		t.Fatalf("Flow: %v", err)
	}
	compareFloats(t, row2.Columnar.Data, []float64{0.25, 0.25, 1, 0.25}, 1e-12)
}

func TestFlowMaxOfMaxMonotoneInLayers(t *testing.T) {
	t.Parallel()
	s := canonicalSession(t, varied)
	ctx := quietContext()

	for _, d := range []Discard{NoDiscard, RowWiseDiscard} {
		deep, err := Flow(ctx, s, FlowOptions{StartLayer: 0, Discard: d, DiscardRatio: 0.25})
		if err != nil {
			t.Fatalf("Flow: %v", err)
		}
		shallow, err := Flow(ctx, s, FlowOptions{StartLayer: 1, Discard: d, DiscardRatio: 0.25})
		if err != nil {
			t.Fatalf("Flow: %v", err)
		}
		a, b := deep.Block.RawMatrix().Data, shallow.Block.RawMatrix().Data
		for i := range a {
			if a[i] < b[i] {
				t.Fatalf("%v: cell %d shrank with more layers: %v < %v", d, i, a[i], b[i])
			}
		}
	}
}

func TestFlowBottleneckSingleLayer(t *testing.T) {
	t.Parallel()
	s := canonicalSession(t, varied)

	res, err := Flow(quietContext(), s, FlowOptions{StartLayer: 1, Composition: Bottleneck})
	if err != nil {
		t.Fatalf("Flow: %v", err)
	}
	want := fuseHeads(s.Layer(0, 1), 0, 4, FuseMean)
	rowNormalize(want)
	compareFloats(t, res.Block.RawMatrix().Data, want.RawMatrix().Data, 1e-15)
}

func TestFlowRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	s := canonicalSession(t, varied)
	ctx := quietContext()

	for _, opts := range []FlowOptions{
		{StartLayer: 2},
		{DiscardRatio: 2},
		{SourceRow: 4},
		{SourceRow: -1},
	} {
		if _, err := Flow(ctx, s, opts); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("%+v: expected ErrInvalidRange, got %v", opts, err)
		}
	}
}

func TestParseComposition(t *testing.T) {
	t.Parallel()
	if c, err := ParseComposition("widest-path"); err != nil || c != Bottleneck {
		t.Fatalf("ParseComposition = %v, %v", c, err)
	}
	if c, err := ParseComposition("max-of-max"); err != nil || c != MaxOfMax {
		t.Fatalf("ParseComposition = %v, %v", c, err)
	}
	if _, err := ParseComposition("sum"); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
