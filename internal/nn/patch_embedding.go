package nn

import (
	"context"
	"log/slog"
	"math"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/layers"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

type patchEmbedder interface {
	embedder
	Bias() *tensor.Tensor
	PosEmbed() *tensor.Tensor
	ClsToken() *tensor.Tensor
}

type patchEmbeddingConstructor func(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts layers.PatchEmbeddingOptions) (patchEmbedder, error)

func vanillaPatchEmbedding(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts layers.PatchEmbeddingOptions) (patchEmbedder, error) {
	opts.Device = pc.Device()
	return layers.NewPatchEmbedding(imgSize, patchSize, inChans, embedSize, opts)
}

func adaptPatchEmbedding(fn func(*parallel.Context, int, int, int, int, layers.PatchEmbeddingOptions) (*layers.ParallelPatchEmbedding, error)) patchEmbeddingConstructor {
	return func(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts layers.PatchEmbeddingOptions) (patchEmbedder, error) {
		return fn(pc, imgSize, patchSize, inChans, embedSize, opts)
	}
}

// 1d keeps patch embeddings unsharded.
var parallelPatchEmbedding = map[parallel.Mode]patchEmbeddingConstructor{
	parallel.ModeNone: vanillaPatchEmbedding,
	parallel.Mode1D:   vanillaPatchEmbedding,
	parallel.Mode2D:   adaptPatchEmbedding(layers.NewPatchEmbedding2D),
	parallel.Mode2p5D: adaptPatchEmbedding(layers.NewPatchEmbedding2p5D),
	parallel.Mode3D:   adaptPatchEmbedding(layers.NewPatchEmbedding3D),
}

// PatchEmbeddingOption configures NewPatchEmbedding.
type PatchEmbeddingOption func(*layers.PatchEmbeddingOptions)

// WithPatchDtype sets the parameter element type (float32 by default).
func WithPatchDtype(dtype tensor.Dtype) PatchEmbeddingOption {
	return func(o *layers.PatchEmbeddingOptions) { o.Dtype = dtype }
}

// WithFlatten selects between the [B, N+1, E] token sequence (the default)
// and the raw [B, E, H/P, W/P] projection.
func WithFlatten(flatten bool) PatchEmbeddingOption {
	return func(o *layers.PatchEmbeddingOptions) { o.Flatten = flatten }
}

func WithPatchWeightInitializer(fn initializer.Initializer) PatchEmbeddingOption {
	return func(o *layers.PatchEmbeddingOptions) { o.WeightInitializer = fn }
}

func WithBiasInitializer(fn initializer.Initializer) PatchEmbeddingOption {
	return func(o *layers.PatchEmbeddingOptions) { o.BiasInitializer = fn }
}

func WithPositionEmbedInitializer(fn initializer.Initializer) PatchEmbeddingOption {
	return func(o *layers.PatchEmbeddingOptions) { o.PositionEmbedInitializer = fn }
}

// PatchEmbedding turns images into patch tokens with the implementation
// matching the tensor parallel mode at construction time.
type PatchEmbedding struct {
	mode  parallel.Mode
	embed patchEmbedder
}

// NewPatchEmbedding builds a patch embedding for square imgSize images cut
// into patchSize patches.
func NewPatchEmbedding(imgSize, patchSize, inChans, embedSize int, opts ...PatchEmbeddingOption) (*PatchEmbedding, error) {
	o := layers.PatchEmbeddingOptions{
		Dtype:                    tensor.Float32,
		Flatten:                  true,
		WeightInitializer:        initializer.KaimingUniform(math.Sqrt(5)),
		BiasInitializer:          initializer.XavierUniform(1, 1, 1),
		PositionEmbedInitializer: initializer.Zeros(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	mode := parallel.TensorParallelMode()
	slog.Debug("constructing patch embedding", "mode", mode, "img_size", imgSize, "patch_size", patchSize,
		"in_chans", inChans, "embed_size", embedSize)

	ctor, ok := parallelPatchEmbedding[mode]
	if !ok {
		return nil, errors.Wrapf(parallel.ErrUnsupportedMode, "patch embedding: %q", mode)
	}
	e, err := ctor(parallel.Current(), imgSize, patchSize, inChans, embedSize, o)
	if err != nil {
		return nil, err
	}
	return &PatchEmbedding{mode: mode, embed: e}, nil
}

func (p *PatchEmbedding) Weight() *tensor.Tensor   { return p.embed.Weight() }
func (p *PatchEmbedding) Bias() *tensor.Tensor     { return p.embed.Bias() }
func (p *PatchEmbedding) PosEmbed() *tensor.Tensor { return p.embed.PosEmbed() }
func (p *PatchEmbedding) ClsToken() *tensor.Tensor { return p.embed.ClsToken() }

// Forward delegates to the inner layer.
func (p *PatchEmbedding) Forward(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	return p.embed.Forward(ctx, input)
}

// Mode reports the mode the layer was built for.
func (p *PatchEmbedding) Mode() parallel.Mode { return p.mode }

// Inner returns the implementation selected at construction.
func (p *PatchEmbedding) Inner() any { return p.embed }
