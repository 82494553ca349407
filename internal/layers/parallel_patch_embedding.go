package layers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// ParallelPatchEmbedding shards the embedding size of a patch embedding
// (kernel, bias, class token and position embedding) across the ranks of a
// tensor parallel world, using the same layouts as ParallelEmbedding with
// images as the batch axis.
type ParallelPatchEmbedding struct {
	pc        *parallel.Context
	layout    parallel.Layout
	geometry  patchGeometry
	embedSize int
	flatten   bool
	weight    *shardedParam
	bias      *shardedParam
	clsToken  *shardedParam
	posEmbed  *shardedParam
}

// NewPatchEmbedding2D shards the embedding size q² ways on a q x q grid.
func NewPatchEmbedding2D(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts PatchEmbeddingOptions) (*ParallelPatchEmbedding, error) {
	return newParallelPatchEmbedding(pc, parallel.Mode2D, imgSize, patchSize, inChans, embedSize, opts)
}

// NewPatchEmbedding2p5D shards the embedding size q² ways, replicated over depth.
func NewPatchEmbedding2p5D(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts PatchEmbeddingOptions) (*ParallelPatchEmbedding, error) {
	return newParallelPatchEmbedding(pc, parallel.Mode2p5D, imgSize, patchSize, inChans, embedSize, opts)
}

// NewPatchEmbedding3D shards the embedding size q³ ways on a q x q x q cube.
func NewPatchEmbedding3D(pc *parallel.Context, imgSize, patchSize, inChans, embedSize int, opts PatchEmbeddingOptions) (*ParallelPatchEmbedding, error) {
	return newParallelPatchEmbedding(pc, parallel.Mode3D, imgSize, patchSize, inChans, embedSize, opts)
}

func newParallelPatchEmbedding(pc *parallel.Context, mode parallel.Mode, imgSize, patchSize, inChans, embedSize int, opts PatchEmbeddingOptions) (*ParallelPatchEmbedding, error) {
	g, err := newPatchGeometry(imgSize, patchSize, inChans, embedSize)
	if err != nil {
		return nil, err
	}
	dtype := opts.dtype()
	if err := tensor.CheckFloat(dtype); err != nil {
		return nil, err
	}
	pc, err = pc.As(mode)
	if err != nil {
		return nil, errors.Wrapf(err, "patch embedding %s", mode)
	}
	layout, err := pc.Layout()
	if err != nil {
		return nil, err
	}

	p := &ParallelPatchEmbedding{
		pc:        pc,
		layout:    layout,
		geometry:  g,
		embedSize: embedSize,
		flatten:   opts.Flatten,
	}
	params := []struct {
		dst   **shardedParam
		name  string
		shape []int
		axis  int
	}{
		{&p.weight, "weight", []int{embedSize, inChans, patchSize, patchSize}, 0},
		{&p.bias, "bias", []int{embedSize}, 0},
		{&p.clsToken, "cls_token", []int{1, 1, embedSize}, 2},
		{&p.posEmbed, "pos_embed", []int{1, g.numPatches + 1, embedSize}, 2},
	}
	for _, prm := range params {
		sp, err := newShardedParam(prm.name, prm.shape, prm.axis, layout.Shards, dtype, pc.Device())
		if err != nil {
			return nil, errors.Wrapf(err, "patch embedding %s", mode)
		}
		*prm.dst = sp
	}

	fanIn, fanOut := patchFans(g, embedSize)
	if err := p.weight.initialize(opts.WeightInitializer, fanIn, fanOut); err != nil {
		return nil, err
	}
	if err := p.bias.initialize(opts.BiasInitializer, fanIn, 0); err != nil {
		return nil, err
	}
	if err := p.posEmbed.initialize(opts.PositionEmbedInitializer, 0, 0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ParallelPatchEmbedding) local(sp *shardedParam) *tensor.Tensor {
	return sp.shards[p.layout.Placements[p.pc.Rank()].Shard]
}

// Weight, Bias, PosEmbed and ClsToken return the local rank's shards.
func (p *ParallelPatchEmbedding) Weight() *tensor.Tensor   { return p.local(p.weight) }
func (p *ParallelPatchEmbedding) Bias() *tensor.Tensor     { return p.local(p.bias) }
func (p *ParallelPatchEmbedding) PosEmbed() *tensor.Tensor { return p.local(p.posEmbed) }
func (p *ParallelPatchEmbedding) ClsToken() *tensor.Tensor { return p.local(p.clsToken) }

func (p *ParallelPatchEmbedding) Context() *parallel.Context { return p.pc }
func (p *ParallelPatchEmbedding) Layout() parallel.Layout    { return p.layout }

// Shards returns the kernel shard of every rank, indexed by rank.
func (p *ParallelPatchEmbedding) Shards() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(p.layout.Placements))
	for r, pl := range p.layout.Placements {
		out[r] = p.weight.shards[pl.Shard]
	}
	return out
}

// RankParams returns every parameter shard held by rank, keyed by name.
func (p *ParallelPatchEmbedding) RankParams(rank int) map[string]*tensor.Tensor {
	shard := p.layout.Placements[rank].Shard
	out := make(map[string]*tensor.Tensor, 4)
	for _, sp := range []*shardedParam{p.weight, p.bias, p.clsToken, p.posEmbed} {
		out[sp.name] = sp.shards[shard]
	}
	return out
}

// FullWeight reassembles the logical [E, C, P, P] kernel.
func (p *ParallelPatchEmbedding) FullWeight() (*tensor.Tensor, error) {
	return p.weight.full()
}

// FullParams reassembles the logical weight, bias, class token and position
// embedding.
func (p *ParallelPatchEmbedding) FullParams() ([][]float64, error) {
	out := make([][]float64, 4)
	for n, sp := range []*shardedParam{p.weight, p.bias, p.clsToken, p.posEmbed} {
		t, err := sp.full()
		if err != nil {
			return nil, err
		}
		if out[n], err = t.Float64s(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadWeights shards logical parameters across the ranks.
func (p *ParallelPatchEmbedding) LoadWeights(weight, bias, cls, pos []float64) error {
	for _, x := range []struct {
		sp   *shardedParam
		data []float64
	}{{p.weight, weight}, {p.bias, bias}, {p.clsToken, cls}, {p.posEmbed, pos}} {
		if err := x.sp.load(x.data); err != nil {
			return err
		}
	}
	return nil
}

// Forward embeds a [B, C, H, W] batch of images.
func (p *ParallelPatchEmbedding) Forward(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	images, batch, err := p.geometry.images(input)
	if err != nil {
		return nil, err
	}
	bounds := parallel.ChunkBounds(batch, p.layout.Chunks)
	width := p.embedSize / p.layout.Blocks
	plane := p.geometry.inChans * p.geometry.imgSize * p.geometry.imgSize

	blocks := make([][]float64, p.pc.Size())
	err = parallel.Run(ctx, p.pc.Size(), func(ctx context.Context, rank int) error {
		pl := p.layout.Placements[rank]
		shards := shardsOf(p.layout, pl.Group)
		gathered := make([][]float64, 4)
		for n, sp := range []*shardedParam{p.weight, p.bias, p.clsToken, p.posEmbed} {
			v, _, err := sp.gather(shards)
			if err != nil {
				return err
			}
			gathered[n] = v
		}
		lo, hi := bounds[pl.Chunk][0], bounds[pl.Chunk][1]
		blocks[rank], _ = p.geometry.forward(images[lo*plane:hi*plane], hi-lo, gathered[0], gathered[1], gathered[2], gathered[3], width, p.flatten)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "patch embedding %s forward", p.layout.Mode)
	}

	hidden := 2
	if !p.flatten {
		hidden = 1
	}
	n, grid := p.geometry.numPatches, p.geometry.grid
	out, shape, err := assemble(p.layout, blocks, func(chunk int) []int {
		rows := bounds[chunk][1] - bounds[chunk][0]
		if p.flatten {
			return []int{rows, n + 1, width}
		}
		return []int{rows, width, grid, grid}
	}, hidden)
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat64s(shape, p.weight.shards[0].Dtype(), p.pc.Device(), out)
}
