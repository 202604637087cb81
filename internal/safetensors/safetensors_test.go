package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw writes a file with a hand-built header and zeroed data.
func writeRaw(t *testing.T, header map[string]any, dataLen int) string {
	t.Helper()
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	buf.Write(lenBuf[:])
	buf.Write(hdr)
	buf.Write(make([]byte, dataLen))

	path := filepath.Join(t.TempDir(), "raw.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func openFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriterRoundTripDTypes(t *testing.T) {
	t.Parallel()
	vals := []float32{0, 0.25, -1.5, 2, 1024, -0.125}

	w := NewWriter()
	w.SetMetadata("format", "attnlens")
	for _, dt := range []DType{F32, F16, BF16} {
		if err := w.AddFloat32("attn."+string(dt), dt, []int{1, 1, 2, 3}, vals); err != nil {
			t.Fatalf("AddFloat32 %s: %v", dt, err)
		}
	}
	if err := w.AddInt64("input_ids", []int{1, 4}, []int64{1, -200, 3, 1 << 40}); err != nil {
		t.Fatalf("AddInt64: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := openFile(t, path)
	if f.Metadata["format"] != "attnlens" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
	if got := f.Names(); len(got) != 4 || got[0] != "attn.BF16" || got[3] != "input_ids" {
		t.Fatalf("names = %v", got)
	}
	for _, dt := range []DType{F32, F16, BF16} {
		got, info, err := f.Float32s("attn." + string(dt))
		if err != nil {
			t.Fatalf("Float32s %s: %v", dt, err)
		}
		if info.DType != dt || info.Elements() != 6 {
			t.Fatalf("info = %+v", info)
		}
		for i := range vals {
			if got[i] != vals[i] {
				t.Fatalf("%s[%d] = %v, want %v", dt, i, got[i], vals[i])
			}
		}
	}
	ids, _, err := f.Int64s("input_ids")
	if err != nil {
		t.Fatalf("Int64s: %v", err)
	}
	if ids[1] != -200 || ids[3] != 1<<40 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestHeaderIsPadded(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddFloat32("x", F32, []int{1}, []float32{1}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("reported %d bytes, wrote %d", n, buf.Len())
	}
	hlen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if hlen%8 != 0 {
		t.Fatalf("header length %d not 8-byte aligned", hlen)
	}
}

func TestFloat64AndInt32(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"d": map[string]any{"dtype": "F64", "shape": []int{2}, "data_offsets": []int64{0, 16}},
		"i": map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{16, 24}},
	}, 24)
	f := openFile(t, path)

	d, _, err := f.Float32s("d")
	if err != nil || len(d) != 2 || d[0] != 0 {
		t.Fatalf("Float32s = %v, %v", d, err)
	}
	i, _, err := f.Int64s("i")
	if err != nil || len(i) != 2 {
		t.Fatalf("Int64s = %v, %v", i, err)
	}
	if _, _, err := f.Int64s("d"); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
	if _, _, err := f.Float32s("i"); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  map[string]any
		dataLen int
	}{
		{
			name:   "single data offset",
			header: map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}},
		},
		{
			name:    "offsets past data",
			header:  map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}}},
			dataLen: 8,
		},
		{
			name:    "inverted offsets",
			header:  map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{4, 0}}},
			dataLen: 4,
		},
		{
			name:    "size disagrees with shape",
			header:  map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int64{0, 8}}},
			dataLen: 8,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(writeRaw(t, tc.header, tc.dataLen)); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestOpenRejectsBadPrefix(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for short file, got %v", err)
	}

	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	buf.Write(lenBuf[:])
	buf.WriteString("not valid js")
	garbage := filepath.Join(dir, "garbage.safetensors")
	if err := os.WriteFile(garbage, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(garbage); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for bad JSON, got %v", err)
	}

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f := openFile(t, writeRaw(t, map[string]any{}, 0))
	if _, _, err := f.Raw("attn.0.0"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
	if _, ok := f.Tensor("attn.0.0"); ok {
		t.Fatal("unexpected tensor")
	}
}

func TestWriterRejectsBadInput(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddFloat32("x", F32, []int{2, 2}, make([]float32, 3)); err == nil {
		t.Fatal("expected shape error")
	}
	if err := w.AddFloat32("x", I64, []int{1}, []float32{1}); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
	if err := w.AddInt64("__metadata__", []int{1}, []int64{1}); err == nil {
		t.Fatal("expected reserved name error")
	}
	if err := w.AddInt64("y", []int{1}, []int64{1}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddInt64("y", []int{1}, []int64{1}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	f, err := Open(writeRaw(t, map[string]any{}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
