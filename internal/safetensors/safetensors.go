// Package safetensors reads and writes the safetensors container: an 8-byte
// little-endian header length, a JSON header describing every tensor, and the
// raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

var (
	ErrCorrupt        = errors.New("safetensors: corrupt file")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
	ErrDType          = errors.New("safetensors: unsupported dtype")
)

// maxHeaderLen bounds the JSON header to reject garbage length prefixes.
const maxHeaderLen = 100 << 20

type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
)

// Size is the element width in bytes, 0 for unknown dtypes.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

type TensorInfo struct {
	Name  string
	DType DType
	Shape []int
	// Start and End are offsets into the data section.
	Start int64
	End   int64
}

// Elements is the product of the shape; a scalar has one element.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type headerEntry struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an opened safetensors file. Tensor bytes are served from a
// read-only mapping when the platform allows it.
type File struct {
	Path     string
	Metadata map[string]string

	tensors map[string]TensorInfo
	buf     []byte
	data    []byte
	mmapped bool
}

// Open maps path read-only, falling back to reading it into memory. The
// returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(math.MaxInt) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, size)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		buf = make([]byte, size)
		if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	sf, err := parse(path, buf)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(buf)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, buf []byte) (*File, error) {
	hlen := binary.LittleEndian.Uint64(buf[:8])
	if hlen > maxHeaderLen || hlen > uint64(len(buf)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorrupt, hlen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[8:8+hlen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	sf := &File{
		Path:    path,
		tensors: make(map[string]TensorInfo, len(raw)),
		buf:     buf,
		data:    buf[8+hlen:],
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
		delete(raw, "__metadata__")
	}
	for name, msg := range raw {
		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorrupt, name, err)
		}
		info, err := e.info(name, int64(len(sf.data)))
		if err != nil {
			return nil, err
		}
		sf.tensors[name] = info
	}
	return sf, nil
}

func (e headerEntry) info(name string, dataLen int64) (TensorInfo, error) {
	if len(e.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: data_offsets has %d entries", ErrCorrupt, name, len(e.DataOffsets))
	}
	t := TensorInfo{Name: name, DType: e.DType, Shape: e.Shape, Start: e.DataOffsets[0], End: e.DataOffsets[1]}
	if t.Start < 0 || t.End < t.Start || t.End > dataLen {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes", ErrCorrupt, name, t.Start, t.End, dataLen)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return TensorInfo{}, fmt.Errorf("%w: tensor %s: negative dim in %v", ErrCorrupt, name, t.Shape)
		}
	}
	if sz := t.DType.Size(); sz != 0 && int64(t.Elements()*sz) != t.End-t.Start {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: %d bytes for %v %s", ErrCorrupt, name, t.End-t.Start, t.Shape, t.DType)
	}
	return t, nil
}

// Close releases the mapping. Slices returned by Raw are invalid afterwards.
func (f *File) Close() error {
	if f == nil || f.buf == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.buf)
	}
	f.buf, f.data, f.mmapped = nil, nil, false
	return err
}

// Names lists the tensors in lexical order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for n := range f.tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Raw returns the tensor bytes without copying.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s in %s", ErrTensorNotFound, name, f.Path)
	}
	return f.data[t.Start:t.End], t, nil
}

// Float32s decodes a floating point tensor, widening or narrowing to float32.
func (f *File) Float32s(name string) ([]float32, TensorInfo, error) {
	raw, t, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n := t.Elements()
	out := make([]float32, n)
	switch t.DType {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		out = bfloat16.DecodeFloat32(raw)
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want a float type", ErrDType, name, t.DType)
	}
	return out, t, nil
}

// Int64s decodes an integer tensor.
func (f *File) Int64s(name string) ([]int64, TensorInfo, error) {
	raw, t, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out := make([]int64, t.Elements())
	switch t.DType {
	case I64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case I32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want an integer type", ErrDType, name, t.DType)
	}
	return out, t, nil
}
