package layers

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/mathx"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// Linear represents a linear layer
type Linear struct {
	weight     *tensor.Tensor
	bias       *tensor.Tensor
	inputSize  int
	outputSize int
}

// NewLinear creates a new linear layer
func NewLinear(inputSize, outputSize int, hasBias bool, dtype tensor.Dtype, dev tensor.Device) (*Linear, error) {
	weight, err := tensor.NewTensor([]int{outputSize, inputSize}, dtype, dev)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create weight tensor")
	}

	var bias *tensor.Tensor
	if hasBias {
		bias, err = tensor.NewTensor([]int{outputSize}, dtype, dev)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create bias tensor")
		}
	}

	return &Linear{
		weight:     weight,
		bias:       bias,
		inputSize:  inputSize,
		outputSize: outputSize,
	}, nil
}

// Forward performs forward pass
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	// input shape: [batchSize, inputSize]
	// weight shape: [outputSize, inputSize]
	// output shape: [batchSize, outputSize]
	shape := input.Shape()
	if len(shape) != 2 || shape[1] != l.inputSize {
		return nil, errors.Errorf("linear input must be [batch, %d], got %v", l.inputSize, shape)
	}
	x, err := input.Float64s()
	if err != nil {
		return nil, err
	}
	y, err := l.apply(x, shape[0])
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat64s([]int{shape[0], l.outputSize}, l.weight.Dtype(), l.weight.Device(), y)
}

func (l *Linear) apply(x []float64, rows int) ([]float64, error) {
	w, err := l.weight.Float64s()
	if err != nil {
		return nil, err
	}
	var b []float64
	if l.bias != nil {
		if b, err = l.bias.Float64s(); err != nil {
			return nil, err
		}
	}
	return linearForward(x, rows, l.inputSize, w, l.outputSize, b), nil
}

// linearForward computes x·wᵀ + b for row-major x [rows, in] and w [out, in].
func linearForward(x []float64, rows, in int, w []float64, out int, b []float64) []float64 {
	y := make([]float64, rows*out)
	if rows == 0 {
		return y
	}
	beta := 0.0
	if b != nil {
		for r := 0; r < rows; r++ {
			copy(y[r*out:(r+1)*out], b)
		}
		beta = 1
	}
	mathx.GemmNT(1, x, rows, in, w, out, in, beta, y)
	return y
}

// LoadWeights loads weights from data
func (l *Linear) LoadWeights(weightData, biasData []float64) error {
	if err := l.weight.SetFloat64s(weightData); err != nil {
		return errors.Wrap(err, "load linear weight")
	}

	// Load bias if provided
	if l.bias != nil && biasData != nil {
		if err := l.bias.SetFloat64s(biasData); err != nil {
			return errors.Wrap(err, "load linear bias")
		}
	}

	return nil
}

func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }
