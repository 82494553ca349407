package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is one named entry to be written
type Tensor struct {
	Name  string
	Dtype string
	Shape []int
	Data  []float64
}

func (t Tensor) encode() ([]byte, error) {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil, errors.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
	}

	var buf []byte
	switch strings.ToUpper(t.Dtype) {
	case "F64":
		buf = make([]byte, 8*n)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	case "F32":
		buf = make([]byte, 4*n)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
	case "F16":
		buf = make([]byte, 2*n)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case "BF16":
		f32s := make([]float32, n)
		for i, v := range t.Data {
			f32s[i] = float32(v)
		}
		buf = bfloat16.EncodeFloat32(f32s)
	default:
		return nil, errors.Errorf("tensor %s: unsupported dtype %s", t.Name, t.Dtype)
	}
	return buf, nil
}

// Write stores tensors in a single safetensors file. Entries are laid out in
// name order.
func Write(path string, tensors []Tensor, metadata map[string]string) error {
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var payload bytes.Buffer
	for _, t := range sorted {
		if _, dup := header[t.Name]; dup {
			return errors.Errorf("duplicate tensor %s", t.Name)
		}
		buf, err := t.encode()
		if err != nil {
			return err
		}
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		start := int64(payload.Len())
		payload.Write(buf)
		header[t.Name] = TensorInfo{
			Dtype:       strings.ToUpper(t.Dtype),
			Shape:       shape,
			DataOffsets: [2]int64{start, int64(payload.Len())},
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	// pad the header so the payload starts 8 byte aligned
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		f.Close()
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerBytes); err != nil {
		f.Close()
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		f.Close()
		return errors.Wrap(err, "write payload")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
