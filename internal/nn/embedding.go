// Package nn provides layers that pick their tensor parallel implementation
// from the process-wide mode when they are constructed.
package nn

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/layers"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

type embedder interface {
	Weight() *tensor.Tensor
	Forward(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error)
}

type embeddingConstructor func(pc *parallel.Context, numEmbeddings, embeddingDim int, opts layers.EmbeddingOptions) (embedder, error)

func adaptEmbedding(fn func(*parallel.Context, int, int, layers.EmbeddingOptions) (*layers.ParallelEmbedding, error)) embeddingConstructor {
	return func(pc *parallel.Context, numEmbeddings, embeddingDim int, opts layers.EmbeddingOptions) (embedder, error) {
		return fn(pc, numEmbeddings, embeddingDim, opts)
	}
}

// parallelEmbedding has no ModeNone entry: the single-device table is built
// by NewEmbedding itself.
var parallelEmbedding = map[parallel.Mode]embeddingConstructor{
	parallel.Mode1D:   adaptEmbedding(layers.NewEmbedding1D),
	parallel.Mode2D:   adaptEmbedding(layers.NewEmbedding2D),
	parallel.Mode2p5D: adaptEmbedding(layers.NewEmbedding2p5D),
	parallel.Mode3D:   adaptEmbedding(layers.NewEmbedding3D),
}

type embeddingOptions struct {
	paddingIdx *int
	dtype      tensor.Dtype
	weightInit initializer.Initializer
}

// EmbeddingOption configures NewEmbedding.
type EmbeddingOption func(*embeddingOptions)

// WithPaddingIdx marks a row whose embedding is kept at zero.
func WithPaddingIdx(idx int) EmbeddingOption {
	return func(o *embeddingOptions) { o.paddingIdx = &idx }
}

// WithDtype sets the weight element type (float32 by default).
func WithDtype(dtype tensor.Dtype) EmbeddingOption {
	return func(o *embeddingOptions) { o.dtype = dtype }
}

// WithWeightInitializer replaces the default N(0, 1) initializer.
func WithWeightInitializer(fn initializer.Initializer) EmbeddingOption {
	return func(o *embeddingOptions) { o.weightInit = fn }
}

// Embedding is an embedding table backed by the implementation matching the
// tensor parallel mode at construction time.
type Embedding struct {
	mode  parallel.Mode
	embed embedder
}

// NewEmbedding builds a numEmbeddings x embeddingDim table.
func NewEmbedding(numEmbeddings, embeddingDim int, opts ...EmbeddingOption) (*Embedding, error) {
	o := embeddingOptions{
		dtype:      tensor.Float32,
		weightInit: initializer.Normal(0, 1),
	}
	for _, opt := range opts {
		opt(&o)
	}

	mode := parallel.TensorParallelMode()
	slog.Debug("constructing embedding", "mode", mode, "num_embeddings", numEmbeddings, "embedding_dim", embeddingDim)

	if mode == parallel.ModeNone {
		e, err := layers.NewEmbedding(numEmbeddings, embeddingDim, o.paddingIdx, o.dtype, parallel.CurrentDevice())
		if err != nil {
			return nil, err
		}
		if err := o.weightInit(e.Weight(), numEmbeddings, embeddingDim); err != nil {
			return nil, errors.Wrap(err, "initialize embedding weight")
		}
		if err := e.ResetPadding(); err != nil {
			return nil, err
		}
		return &Embedding{mode: mode, embed: e}, nil
	}

	ctor, ok := parallelEmbedding[mode]
	if !ok {
		return nil, errors.Wrapf(parallel.ErrUnsupportedMode, "embedding: %q", mode)
	}
	e, err := ctor(parallel.Current(), numEmbeddings, embeddingDim, layers.EmbeddingOptions{
		PaddingIdx:        o.paddingIdx,
		Dtype:             o.dtype,
		WeightInitializer: o.weightInit,
	})
	if err != nil {
		return nil, err
	}
	return &Embedding{mode: mode, embed: e}, nil
}

// Weight returns the weight of the inner layer.
func (e *Embedding) Weight() *tensor.Tensor { return e.embed.Weight() }

// Forward delegates to the inner layer.
func (e *Embedding) Forward(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	return e.embed.Forward(ctx, input)
}

// Mode reports the mode the layer was built for.
func (e *Embedding) Mode() parallel.Mode { return e.mode }

// Inner returns the implementation selected at construction.
func (e *Embedding) Inner() any { return e.embed }
