package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/logger"
	"github.com/samcharles93/attnlens/internal/safetensors"
)

func quietContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

// writeAttention writes a uniform two-step, one-layer, one-head dump over a
// four-token prompt.
func writeAttention(t *testing.T, pre string, dtype safetensors.DType) {
	t.Helper()
	w := safetensors.NewWriter()
	step0 := make([]float32, 16)
	for i := range step0 {
		step0[i] = 0.25
	}
	step1 := []float32{0.2, 0.2, 0.2, 0.2, 0.2}
	if err := w.AddFloat32(AttentionTensor(0, 0), dtype, []int{1, 1, 4, 4}, step0); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFloat32(AttentionTensor(1, 0), dtype, []int{1, 1, 1, 5}, step1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(pre + "_attn.safetensors"); err != nil {
		t.Fatal(err)
	}
}

func writeIDs(t *testing.T, pre string, ids []int64) {
	t.Helper()
	w := safetensors.NewWriter()
	if err := w.AddInt64(InputIDsTensor, []int{1, len(ids)}, ids); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(pre + "_input_ids.safetensors"); err != nil {
		t.Fatal(err)
	}
}

func writeMeta(t *testing.T, pre, body string) {
	t.Helper()
	if err := os.WriteFile(pre+"_meta.json", []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDerivesImageIndexFromIDs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pre := filepath.Join(dir, "chat1")
	writeAttention(t, pre, safetensors.F32)
	writeIDs(t, pre, []int64{attn.DefaultPatchCount, ImageSentinel, 7})

	// Patch count 1 keeps the image span inside the four-token prompt.
	s := New(dir, 1)
	got, err := s.Load(quietContext(), "chat1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Session.ImageIndex() != 1 {
		t.Fatalf("image index = %d, want 1", got.Session.ImageIndex())
	}
	if got.Session.Steps() != 2 || got.Session.Layers() != 1 || got.Session.PromptLen() != 4 {
		t.Fatalf("unexpected session dims")
	}
	if got.QuestionLen() != 1 {
		t.Fatalf("question len = %d, want 1", got.QuestionLen())
	}
	if len(got.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", got.Warnings)
	}
	if filepath.Base(got.Source) != "chat1_attn.safetensors" {
		t.Fatalf("source = %s", got.Source)
	}
}

func TestLoadPrefersMetaAndWarnsOnMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pre := filepath.Join(dir, "chat2")
	writeAttention(t, pre, safetensors.BF16)
	writeMeta(t, pre, `{"attention_key":"chat2","image_idx":0,
		"output_ids_decoded":["▁a","▁cat","</s>"],
		"input_text_tokenized":["<image>","▁what","?"]}`)

	got, err := New(dir, 4).Load(quietContext(), "chat2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Session.ImageIndex() != 0 || got.Session.GridSide() != 2 {
		t.Fatalf("unexpected image geometry")
	}
	if len(got.Warnings) != 1 {
		t.Fatalf("expected one length warning, got %v", got.Warnings)
	}
	if got.QuestionLen() != 2 {
		t.Fatalf("question len from tokenized text = %d, want 2", got.QuestionLen())
	}
	if got.Meta.OutputIDsDecoded[1] != "▁cat" {
		t.Fatalf("meta = %+v", got.Meta)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := quietContext()
	s := New(dir, 4)

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, attn.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}

	noImage := filepath.Join(dir, "noimage")
	writeAttention(t, noImage, safetensors.F32)
	writeIDs(t, noImage, []int64{1, 2, 3})
	if _, err := s.Load(ctx, "noimage"); !errors.Is(err, attn.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange without sentinel, got %v", err)
	}

	noIDs := filepath.Join(dir, "noids")
	writeAttention(t, noIDs, safetensors.F32)
	if _, err := s.Load(ctx, "noids"); !errors.Is(err, attn.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound without image index, got %v", err)
	}

	badMeta := filepath.Join(dir, "badmeta")
	writeAttention(t, badMeta, safetensors.F32)
	writeMeta(t, badMeta, `{"image_idx": "zero"}`)
	if _, err := s.Load(ctx, "badmeta"); !errors.Is(err, attn.ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for bad meta, got %v", err)
	}

	outside := filepath.Join(dir, "outside")
	writeAttention(t, outside, safetensors.F32)
	writeMeta(t, outside, `{"image_idx": 1}`)
	if _, err := s.Load(ctx, "outside"); !errors.Is(err, attn.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for image span, got %v", err)
	}

	if _, err := s.Load(ctx, "../etc/passwd"); !errors.Is(err, attn.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for traversal, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeAttention(t, filepath.Join(dir, "b"), safetensors.F32)
	writeAttention(t, filepath.Join(dir, "a"), safetensors.F32)
	for _, name := range []string{"a_attn.pt", "c_attn.pt", "c_meta.json", "_attn.pt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := New(dir, 4).Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestImageIndex(t *testing.T) {
	t.Parallel()
	if i, err := ImageIndex([]int64{1, 2, ImageSentinel, ImageSentinel}); err != nil || i != 2 {
		t.Fatalf("ImageIndex = %d, %v", i, err)
	}
}

func TestParseAttentionTensor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		t, l int
		ok   bool
	}{
		{"attn.3.17", 3, 17, true},
		{AttentionTensor(0, 0), 0, 0, true},
		{"attn.3", 0, 0, false},
		{"attn.x.1", 0, 0, false},
		{"attn.-1.0", 0, 0, false},
		{"input_ids", 0, 0, false},
	}
	for _, tc := range tests {
		st, l, ok := parseAttentionTensor(tc.name)
		if ok != tc.ok || (ok && (st != tc.t || l != tc.l)) {
			t.Errorf("parseAttentionTensor(%q) = %d, %d, %v", tc.name, st, l, ok)
		}
	}
}

func TestConvertRequiresPickle(t *testing.T) {
	t.Parallel()
	_, err := New(t.TempDir(), 4).Convert(quietContext(), "chat", ConvertOptions{})
	if !errors.Is(err, attn.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}
