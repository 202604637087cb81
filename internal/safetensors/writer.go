package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

type pending struct {
	dtype DType
	shape []int
	data  []byte
}

// Writer accumulates tensors in memory and serializes them in name order.
type Writer struct {
	metadata map[string]string
	tensors  map[string]pending
}

func NewWriter() *Writer {
	return &Writer{tensors: make(map[string]pending)}
}

// SetMetadata records a free-form string entry in the header.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// AddFloat32 stores data as dtype, which must be F32, F16 or BF16.
func (w *Writer) AddFloat32(name string, dtype DType, shape []int, data []float32) error {
	if err := w.check(name, shape, len(data)); err != nil {
		return err
	}
	var buf []byte
	switch dtype {
	case F32:
		buf = make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case F16:
		buf = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		buf = bfloat16.EncodeFloat32(data)
	default:
		return fmt.Errorf("%w: cannot encode float32 as %s", ErrDType, dtype)
	}
	w.tensors[name] = pending{dtype: dtype, shape: slices.Clone(shape), data: buf}
	return nil
}

// AddInt64 stores data as I64.
func (w *Writer) AddInt64(name string, shape []int, data []int64) error {
	if err := w.check(name, shape, len(data)); err != nil {
		return err
	}
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	w.tensors[name] = pending{dtype: I64, shape: slices.Clone(shape), data: buf}
	return nil
}

func (w *Writer) check(name string, shape []int, n int) error {
	if name == "" || name == "__metadata__" {
		return fmt.Errorf("safetensors: invalid tensor name %q", name)
	}
	if _, dup := w.tensors[name]; dup {
		return fmt.Errorf("safetensors: duplicate tensor %q", name)
	}
	want := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("safetensors: tensor %s: negative dim in %v", name, shape)
		}
		want *= d
	}
	if want != n {
		return fmt.Errorf("safetensors: tensor %s: shape %v needs %d values, got %d", name, shape, want, n)
	}
	return nil
}

// WriteTo serializes the header and data. The header is space-padded to an
// 8-byte boundary.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	names := make([]string, 0, len(w.tensors))
	for n := range w.tensors {
		names = append(names, n)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		header["__metadata__"] = w.metadata
	}
	var off int64
	for _, n := range names {
		p := w.tensors[n]
		end := off + int64(len(p.data))
		header[n] = headerEntry{DType: p.dtype, Shape: p.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("safetensors: encode header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(out)
	var total int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	chunks := make([][]byte, 0, len(names)+2)
	chunks = append(chunks, lenBuf[:], hdr)
	for _, n := range names {
		chunks = append(chunks, w.tensors[n].data)
	}
	for _, c := range chunks {
		k, err := bw.Write(c)
		total += int64(k)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// WriteFile writes atomically through a temporary file in the same directory.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
