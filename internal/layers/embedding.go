package layers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// Embedding represents a single-device embedding layer
type Embedding struct {
	weight        *tensor.Tensor
	numEmbeddings int
	embeddingDim  int
	paddingIdx    int
}

// NewEmbedding creates a new embedding layer with a zero weight. A nil
// paddingIdx disables padding; negative indices count from the end.
func NewEmbedding(numEmbeddings, embeddingDim int, paddingIdx *int, dtype tensor.Dtype, dev tensor.Device) (*Embedding, error) {
	if numEmbeddings <= 0 || embeddingDim <= 0 {
		return nil, errors.Errorf("embedding dimensions must be positive, got %d x %d", numEmbeddings, embeddingDim)
	}
	if err := tensor.CheckFloat(dtype); err != nil {
		return nil, err
	}
	pad, err := normalizePadding(paddingIdx, numEmbeddings)
	if err != nil {
		return nil, err
	}

	weight, err := tensor.NewTensor([]int{numEmbeddings, embeddingDim}, dtype, dev)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create weight tensor")
	}

	return &Embedding{
		weight:        weight,
		numEmbeddings: numEmbeddings,
		embeddingDim:  embeddingDim,
		paddingIdx:    pad,
	}, nil
}

// Weight returns the [numEmbeddings, embeddingDim] table
func (e *Embedding) Weight() *tensor.Tensor { return e.weight }

// FullWeight returns the weight; a single device table is never sharded.
func (e *Embedding) FullWeight() (*tensor.Tensor, error) { return e.weight, nil }

// PaddingIdx returns the padding row, or -1
func (e *Embedding) PaddingIdx() int { return e.paddingIdx }

// ResetPadding zeroes the padding row, if any
func (e *Embedding) ResetPadding() error {
	return zeroRow(e.weight, e.paddingIdx, e.embeddingDim)
}

// Forward looks up each id of a 1D or 2D integer input
func (e *Embedding) Forward(_ context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	ids, shape, err := lookupIDs(input, e.numEmbeddings)
	if err != nil {
		return nil, err
	}
	weight, err := e.weight.Float64s()
	if err != nil {
		return nil, err
	}
	out := gatherRows(weight, e.embeddingDim, ids)
	return tensor.FromFloat64s(append(shape, e.embeddingDim), e.weight.Dtype(), e.weight.Device(), out)
}

// LoadWeights loads weights from data
func (e *Embedding) LoadWeights(weightData []float64) error {
	return e.weight.SetFloat64s(weightData)
}

func normalizePadding(paddingIdx *int, numEmbeddings int) (int, error) {
	if paddingIdx == nil {
		return -1, nil
	}
	p := *paddingIdx
	if p < -numEmbeddings || p >= numEmbeddings {
		return 0, errors.Errorf("padding_idx %d must be within num_embeddings %d", p, numEmbeddings)
	}
	if p < 0 {
		p += numEmbeddings
	}
	return p, nil
}

// lookupIDs validates an id tensor of rank 1 or 2 and returns its ids
// flattened together with its shape.
func lookupIDs(input *tensor.Tensor, numEmbeddings int) ([]int64, []int, error) {
	shape := input.Shape()
	if len(shape) != 1 && len(shape) != 2 {
		return nil, nil, errors.New("input must be 1D or 2D tensor")
	}
	ids, err := input.Int64s()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if id < 0 || id >= int64(numEmbeddings) {
			return nil, nil, errors.Errorf("token ID out of range: %d", id)
		}
	}
	return ids, shape, nil
}

// gatherRows copies row id of a [*, width] table for every id.
func gatherRows(table []float64, width int, ids []int64) []float64 {
	out := make([]float64, len(ids)*width)
	for i, id := range ids {
		copy(out[i*width:(i+1)*width], table[int(id)*width:(int(id)+1)*width])
	}
	return out
}

func zeroRow(t *tensor.Tensor, row, width int) error {
	if row < 0 {
		return nil
	}
	data, err := t.Float64s()
	if err != nil {
		return err
	}
	clear(data[row*width : (row+1)*width])
	return t.SetFloat64s(data)
}
