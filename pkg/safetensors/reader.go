package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// TensorInfo describes a tensor entry in safetensors header
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Header is the parsed header map: name -> tensor info
type Header map[string]TensorInfo

// File represents an opened safetensors file
type File struct {
	Path     string
	Header   Header
	Metadata map[string]string
	Data     []byte
	offset   int64
}

// Open opens a .safetensors file and parses its header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "read header length")
	}

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if size := st.Size() - 8; size < 0 || headerLen > uint64(size) {
		return nil, errors.Errorf("header length %d exceeds file size %d", headerLen, st.Size())
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read payload")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, errors.Wrap(err, "parse header json")
	}

	file := &File{Path: path, Header: make(Header), Data: data}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &file.Metadata); err != nil {
				return nil, errors.Wrap(err, "parse metadata")
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, errors.Wrapf(err, "parse tensor info for %s", k)
		}
		file.Header[k] = ti
	}
	return file, nil
}

// Names returns the tensor names in sorted order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Header))
	for k := range f.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Multi represents a collection of shard files under a directory
type Multi struct {
	Files []*File
}

// OpenDir loads all .safetensors files from a directory (sorted)
func OpenDir(dir string) (*Multi, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".safetensors") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no .safetensors files found in %s", dir)
	}
	sort.Strings(paths)
	var files []*File
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, errors.Wrap(err, p)
		}
		files = append(files, f)
	}
	return &Multi{Files: files}, nil
}

// Find locates a tensor by name across shards, returning file and info
func (m *Multi) Find(name string) (*File, TensorInfo, bool) {
	for _, f := range m.Files {
		if ti, ok := f.Header[name]; ok {
			return f, ti, true
		}
	}
	return nil, TensorInfo{}, false
}

// ReadRaw returns the raw bytes for a tensor by name
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Header[name]
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("tensor %s not found", name)
	}
	start, end := ti.DataOffsets[0], ti.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(f.Data)) {
		return nil, TensorInfo{}, errors.Errorf("bad offsets for %s: %v", name, ti.DataOffsets)
	}
	return f.Data[start:end], ti, nil
}

// ReadFloat64 reads a tensor and widens it to float64 (supports F64, F32, F16, BF16)
func (f *File) ReadFloat64(name string) ([]float64, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	dtype := strings.ToUpper(ti.Dtype)
	width, ok := dtypeWidth[dtype]
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("unsupported dtype %s for %s", ti.Dtype, name)
	}
	if len(raw)%width != 0 {
		return nil, TensorInfo{}, errors.Errorf("%s byte length not multiple of %d: %d", dtype, width, len(raw))
	}

	out := make([]float64, len(raw)/width)
	switch dtype {
	case "F64":
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "F16":
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case "BF16":
		for i, v := range bfloat16.DecodeFloat32(raw) {
			out[i] = float64(v)
		}
	}
	return out, ti, nil
}

var dtypeWidth = map[string]int{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
}
