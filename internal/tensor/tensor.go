package tensor

import (
	"sync"

	"github.com/pkg/errors"
	ggtensor "gorgonia.org/tensor"
)

// Device represents computation device
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return "unknown"
}

// Tensor represents a multi-dimensional array
type Tensor struct {
	data   ggtensor.Tensor
	device Device
	mu     sync.Mutex
}

// NewTensor creates a new zero-filled tensor
func NewTensor(shape []int, dtype Dtype, dev Device) (*Tensor, error) {
	if dev == GPU {
		// GPU implementation would go here
		return nil, errors.New("GPU not implemented yet")
	}
	if len(shape) == 0 {
		return nil, errors.New("tensor shape must have at least one axis")
	}
	for i, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("tensor axis %d has non-positive size %d", i, d)
		}
	}

	data := ggtensor.New(ggtensor.WithShape(shape...), ggtensor.Of(dtype))
	return &Tensor{
		data:   data,
		device: dev,
	}, nil
}

// FromFloat64s creates a floating point tensor of the given dtype holding data.
func FromFloat64s(shape []int, dtype Dtype, dev Device, data []float64) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, dev)
	if err != nil {
		return nil, err
	}
	if err := t.SetFloat64s(data); err != nil {
		return nil, err
	}
	return t, nil
}

// FromInt64s creates an Int64 tensor holding ids.
func FromInt64s(shape []int, data []int64) (*Tensor, error) {
	t, err := NewTensor(shape, Int64, CPU)
	if err != nil {
		return nil, err
	}
	if len(data) != t.Numel() {
		return nil, errors.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	dense := t.Data().(*Dense)
	for i, v := range data {
		dense.Set(i, v)
	}
	return t, nil
}

// Data returns the underlying tensor data
func (t *Tensor) Data() ggtensor.Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Shape returns a copy of the tensor shape
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.data.Shape()...)
}

// Dtype returns the tensor data type
func (t *Tensor) Dtype() Dtype {
	return t.data.Dtype()
}

// Device returns the tensor device
func (t *Tensor) Device() Device {
	return t.device
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.data.Shape() {
		n *= d
	}
	return n
}

// Float64s returns a row-major copy of a floating point tensor widened to float64.
func (t *Tensor) Float64s() ([]float64, error) {
	switch v := t.Data().Data().(type) {
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []float64:
		return append([]float64(nil), v...), nil
	case float32:
		return []float64{float64(v)}, nil
	case float64:
		return []float64{v}, nil
	default:
		return nil, errors.Errorf("unsupported dtype for float read: %v", t.Dtype())
	}
}

// SetFloat64s overwrites every element of a floating point tensor.
func (t *Tensor) SetFloat64s(data []float64) error {
	if len(data) != t.Numel() {
		return errors.Errorf("data length %d does not match tensor size %d", len(data), t.Numel())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch buf := t.data.Data().(type) {
	case []float32:
		for i, x := range data {
			buf[i] = float32(x)
		}
		return nil
	case []float64:
		copy(buf, data)
		return nil
	}

	// single element tensors report a scalar rather than their backing slice
	dense, ok := t.data.(*Dense)
	if !ok {
		return errors.Errorf("unsupported tensor storage %T", t.data)
	}
	for i, x := range data {
		switch t.data.Dtype() {
		case Float32:
			dense.Set(i, float32(x))
		case Float64:
			dense.Set(i, x)
		default:
			return errors.Errorf("unsupported dtype for float write: %v", t.data.Dtype())
		}
	}
	return nil
}

// Int64s returns the ids held by an integer tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	switch v := t.Data().Data().(type) {
	case []int64:
		return append([]int64(nil), v...), nil
	case int64:
		return []int64{v}, nil
	case []int:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case int:
		return []int64{int64(v)}, nil
	case []int32:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case int32:
		return []int64{int64(v)}, nil
	default:
		return nil, errors.Errorf("unsupported input dtype for ids: %T", v)
	}
}

// Reshape reshapes the tensor in place
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := t.data.Reshape(shape...); err != nil {
		return nil, err
	}
	return t, nil
}

// CheckFloat reports an error unless dtype is a supported floating point type.
func CheckFloat(dtype Dtype) error {
	if dtype == Float32 || dtype == Float64 {
		return nil
	}
	return errors.Errorf("unsupported element type %v, want float32 or float64", dtype)
}

// ParseDtype maps a dtype name to a floating point dtype.
func ParseDtype(s string) (Dtype, error) {
	switch s {
	case "", "float32", "f32", "F32":
		return Float32, nil
	case "float64", "f64", "F64":
		return Float64, nil
	}
	return Dtype{}, errors.Errorf("unsupported dtype %q", s)
}

// Re-export selected gorgonia.org/tensor types and dtypes for convenience
type (
	Dense = ggtensor.Dense
	Dtype = ggtensor.Dtype
)

var (
	Float32 = ggtensor.Float32
	Float64 = ggtensor.Float64
	Int64   = ggtensor.Int64
	Int32   = ggtensor.Int32
	Int     = ggtensor.Int
	Bool    = ggtensor.Bool
)
