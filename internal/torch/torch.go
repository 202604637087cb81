// Package torch decodes attention and token-id dumps written with torch.save.
package torch

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

var ErrUnsupported = errors.New("torch: unsupported pickle content")

// Tensor is a dense, contiguous copy of a pickled tensor.
type Tensor[T float32 | int64] struct {
	Shape []int
	Data  []T
}

// LoadAttention reads a pickled sequence of generation steps, each a sequence
// of per-layer tensors, as produced by saving generate(output_attentions=True).
func LoadAttention(path string) ([][]Tensor[float32], error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	steps, err := DecodeAttention(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return steps, nil
}

// DecodeAttention converts an unpickled steps×layers value.
func DecodeAttention(v any) ([][]Tensor[float32], error) {
	outer, err := sequence(v)
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	steps := make([][]Tensor[float32], len(outer))
	for t, sv := range outer {
		inner, err := sequence(sv)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		steps[t] = make([]Tensor[float32], len(inner))
		for l, lv := range inner {
			pt, ok := lv.(*pytorch.Tensor)
			if !ok {
				return nil, fmt.Errorf("%w: step %d layer %d is %T", ErrUnsupported, t, l, lv)
			}
			ten, err := Float32s(pt)
			if err != nil {
				return nil, fmt.Errorf("step %d layer %d: %w", t, l, err)
			}
			steps[t][l] = ten
		}
	}
	return steps, nil
}

// LoadIDs reads a pickled integer tensor, either bare or stored under key in
// a dict.
func LoadIDs(path, key string) (Tensor[int64], error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return Tensor[int64]{}, fmt.Errorf("load %s: %w", path, err)
	}
	if d, ok := v.(*types.Dict); ok {
		inner, found := d.Get(key)
		if !found {
			return Tensor[int64]{}, fmt.Errorf("%w: %s has no %q entry", ErrUnsupported, path, key)
		}
		v = inner
	}
	pt, ok := v.(*pytorch.Tensor)
	if !ok {
		return Tensor[int64]{}, fmt.Errorf("%w: %s holds %T", ErrUnsupported, path, v)
	}
	return Int64s(pt)
}

func sequence(v any) ([]any, error) {
	switch s := v.(type) {
	case *types.Tuple:
		return *s, nil
	case *types.List:
		return *s, nil
	case types.Tuple:
		return s, nil
	case types.List:
		return s, nil
	}
	return nil, fmt.Errorf("%w: expected tuple or list, got %T", ErrUnsupported, v)
}

// Float32s materializes a floating point tensor.
func Float32s(pt *pytorch.Tensor) (Tensor[float32], error) {
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		return dense(s.Data, pt)
	case *pytorch.HalfStorage:
		return dense(s.Data, pt)
	case *pytorch.BFloat16Storage:
		return dense(s.Data, pt)
	case *pytorch.DoubleStorage:
		shape, wide, err := gather(s.Data, pt)
		if err != nil {
			return Tensor[float32]{}, err
		}
		out := Tensor[float32]{Shape: shape, Data: make([]float32, len(wide))}
		for i, v := range wide {
			out.Data[i] = float32(v)
		}
		return out, nil
	}
	return Tensor[float32]{}, fmt.Errorf("%w: storage %T is not floating point", ErrUnsupported, pt.Source)
}

// Int64s materializes an integer tensor.
func Int64s(pt *pytorch.Tensor) (Tensor[int64], error) {
	switch s := pt.Source.(type) {
	case *pytorch.LongStorage:
		return dense(s.Data, pt)
	case *pytorch.IntStorage:
		shape, narrow, err := gather(s.Data, pt)
		if err != nil {
			return Tensor[int64]{}, err
		}
		out := Tensor[int64]{Shape: shape, Data: make([]int64, len(narrow))}
		for i, v := range narrow {
			out.Data[i] = int64(v)
		}
		return out, nil
	}
	return Tensor[int64]{}, fmt.Errorf("%w: storage %T is not an integer type", ErrUnsupported, pt.Source)
}

func dense[T float32 | int64](src []T, pt *pytorch.Tensor) (Tensor[T], error) {
	shape, data, err := gather(src, pt)
	if err != nil {
		return Tensor[T]{}, err
	}
	return Tensor[T]{Shape: shape, Data: data}, nil
}

// gather copies the strided view of src described by pt into row-major order.
func gather[T any](src []T, pt *pytorch.Tensor) ([]int, []T, error) {
	shape := append([]int(nil), pt.Size...)
	stride := pt.Stride
	if stride == nil {
		stride = contiguous(shape)
	}
	if len(stride) != len(shape) {
		return nil, nil, fmt.Errorf("%w: %d strides for shape %v", ErrUnsupported, len(stride), shape)
	}
	n := 1
	last := pt.StorageOffset
	for i, d := range shape {
		if d < 0 || stride[i] < 0 {
			return nil, nil, fmt.Errorf("%w: shape %v stride %v", ErrUnsupported, shape, stride)
		}
		n *= d
		if d > 0 {
			last += (d - 1) * stride[i]
		}
	}
	out := make([]T, n)
	if n == 0 {
		return shape, out, nil
	}
	if pt.StorageOffset < 0 || last >= len(src) {
		return nil, nil, fmt.Errorf("%w: view of %d elements exceeds storage of %d", ErrUnsupported, n, len(src))
	}

	idx := make([]int, len(shape))
	for i := range out {
		off := pt.StorageOffset
		for d, x := range idx {
			off += x * stride[d]
		}
		out[i] = src[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return shape, out, nil
}

func contiguous(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}
