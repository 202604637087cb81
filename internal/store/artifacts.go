package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/logger"
	"github.com/samcharles93/attnlens/internal/safetensors"
	"github.com/samcharles93/attnlens/internal/torch"
)

// InputIDsTensor is the tensor name used for prompt ids in safetensors dumps.
const InputIDsTensor = "input_ids"

// AttentionTensor names the attention of step t, layer l in safetensors dumps.
func AttentionTensor(t, l int) string {
	return "attn." + strconv.Itoa(t) + "." + strconv.Itoa(l)
}

func parseAttentionTensor(name string) (t, l int, ok bool) {
	rest, ok := strings.CutPrefix(name, "attn.")
	if !ok {
		return 0, 0, false
	}
	ts, ls, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	t, err1 := strconv.Atoi(ts)
	l, err2 := strconv.Atoi(ls)
	if err1 != nil || err2 != nil || t < 0 || l < 0 {
		return 0, 0, false
	}
	return t, l, true
}

func (s *Store) readAttention(pre string) ([][]attn.Layer, string, error) {
	if p := pre + suffixAttn + extSafetensors; exists(p) {
		raw, err := readAttentionSafetensors(p)
		return raw, p, err
	}
	if p := pre + suffixAttn + extTorch; exists(p) {
		raw, err := readAttentionTorch(p)
		return raw, p, err
	}
	return nil, "", fmt.Errorf("%w: %s%s{%s,%s}", attn.ErrSourceNotFound, pre, suffixAttn, extSafetensors, extTorch)
}

func readAttentionTorch(path string) ([][]attn.Layer, error) {
	steps, err := torch.LoadAttention(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
	}
	raw := make([][]attn.Layer, len(steps))
	for t, layers := range steps {
		raw[t] = make([]attn.Layer, len(layers))
		for l, ten := range layers {
			la, err := attn.NewLayer(ten.Shape, ten.Data)
			if err != nil {
				return nil, fmt.Errorf("step %d layer %d: %w", t, l, err)
			}
			raw[t][l] = la
		}
	}
	return raw, nil
}

func readAttentionSafetensors(path string) ([][]attn.Layer, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
	}
	defer func() { _ = f.Close() }()

	steps, layers := 0, 0
	for _, name := range f.Names() {
		if t, l, ok := parseAttentionTensor(name); ok {
			steps = max(steps, t+1)
			layers = max(layers, l+1)
		}
	}
	if steps == 0 {
		return nil, fmt.Errorf("%w: %s has no attn.{step}.{layer} tensors", attn.ErrInvalidShape, path)
	}

	raw := make([][]attn.Layer, steps)
	for t := range raw {
		raw[t] = make([]attn.Layer, layers)
		for l := range raw[t] {
			data, info, err := f.Float32s(AttentionTensor(t, l))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
			}
			if raw[t][l], err = attn.NewLayer(info.Shape, data); err != nil {
				return nil, fmt.Errorf("step %d layer %d: %w", t, l, err)
			}
		}
	}
	return raw, nil
}

// readInputIDs returns the flattened prompt ids of shape [1, P] or [P].
func (s *Store) readInputIDs(pre string) ([]int64, error) {
	if p := pre + suffixInputIDs + extSafetensors; exists(p) {
		f, err := safetensors.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
		}
		defer func() { _ = f.Close() }()
		ids, info, err := f.Int64s(InputIDsTensor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
		}
		return ids, checkIDsShape(info.Shape)
	}
	if p := pre + suffixInputIDs + extTorch; exists(p) {
		ten, err := torch.LoadIDs(p, InputIDsTensor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
		}
		return ten.Data, checkIDsShape(ten.Shape)
	}
	return nil, fmt.Errorf("%w: %s%s", attn.ErrSourceNotFound, pre, suffixInputIDs)
}

func checkIDsShape(shape []int) error {
	if len(shape) == 1 || (len(shape) == 2 && shape[0] == 1) {
		return nil
	}
	return fmt.Errorf("%w: input ids shape %v, want [1, P]", attn.ErrInvalidShape, shape)
}

// ConvertOptions controls Convert.
type ConvertOptions struct {
	DType     safetensors.DType
	Overwrite bool
}

// Convert rewrites the pickled attention and prompt ids of key as
// safetensors files next to the originals and returns the written paths.
func (s *Store) Convert(ctx context.Context, key string, opts ConvertOptions) ([]string, error) {
	log := logger.FromContext(ctx).With("session", key)
	pre, err := s.prefix(key)
	if err != nil {
		return nil, err
	}
	dtype := opts.DType
	if dtype == "" {
		dtype = safetensors.F32
	}

	src := pre + suffixAttn + extTorch
	if !exists(src) {
		return nil, fmt.Errorf("%w: %s", attn.ErrSourceNotFound, src)
	}
	dst := pre + suffixAttn + extSafetensors
	if exists(dst) && !opts.Overwrite {
		return nil, fmt.Errorf("%s already exists", dst)
	}

	steps, err := torch.LoadAttention(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
	}
	w := safetensors.NewWriter()
	w.SetMetadata("source", src)
	for t, layers := range steps {
		for l, ten := range layers {
			if err := w.AddFloat32(AttentionTensor(t, l), dtype, ten.Shape, ten.Data); err != nil {
				return nil, err
			}
		}
	}
	if err := w.WriteFile(dst); err != nil {
		return nil, err
	}
	written := []string{dst}
	log.Info("converted attention", "src", src, "dst", dst, "steps", len(steps), "dtype", dtype)

	idsSrc := pre + suffixInputIDs + extTorch
	idsDst := pre + suffixInputIDs + extSafetensors
	if !exists(idsSrc) || (exists(idsDst) && !opts.Overwrite) {
		return written, nil
	}
	ids, err := torch.LoadIDs(idsSrc, InputIDsTensor)
	if err != nil {
		return written, fmt.Errorf("%w: %v", attn.ErrInvalidShape, err)
	}
	iw := safetensors.NewWriter()
	if err := iw.AddInt64(InputIDsTensor, ids.Shape, ids.Data); err != nil {
		return written, err
	}
	if err := iw.WriteFile(idsDst); err != nil {
		return written, err
	}
	log.Info("converted input ids", "dst", idsDst, "tokens", len(ids.Data))
	return append(written, idsDst), nil
}
