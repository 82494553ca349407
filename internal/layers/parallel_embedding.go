package layers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// EmbeddingOptions configures the tensor parallel embedding constructors.
type EmbeddingOptions struct {
	PaddingIdx        *int
	Dtype             tensor.Dtype
	WeightInitializer initializer.Initializer
}

// ParallelEmbedding is an embedding table whose embedding dimension is
// sharded across the ranks of a tensor parallel world. Every rank of the
// world lives in this process; Forward runs them concurrently and returns
// the logical output.
type ParallelEmbedding struct {
	pc            *parallel.Context
	layout        parallel.Layout
	numEmbeddings int
	embeddingDim  int
	paddingIdx    int
	weight        *shardedParam
}

// NewEmbedding1D shards the embedding dimension over p ranks; every rank
// all-gathers the full table and computes the whole output.
func NewEmbedding1D(pc *parallel.Context, numEmbeddings, embeddingDim int, opts EmbeddingOptions) (*ParallelEmbedding, error) {
	return newParallelEmbedding(pc, parallel.Mode1D, numEmbeddings, embeddingDim, opts)
}

// NewEmbedding2D shards the embedding dimension q² ways on a q x q grid.
// Rank (i, j) gathers hidden block j over its column and embeds batch chunk i.
func NewEmbedding2D(pc *parallel.Context, numEmbeddings, embeddingDim int, opts EmbeddingOptions) (*ParallelEmbedding, error) {
	return newParallelEmbedding(pc, parallel.Mode2D, numEmbeddings, embeddingDim, opts)
}

// NewEmbedding2p5D is the 2D layout replicated over d depth slices, each
// slice embedding its own share of the batch.
func NewEmbedding2p5D(pc *parallel.Context, numEmbeddings, embeddingDim int, opts EmbeddingOptions) (*ParallelEmbedding, error) {
	return newParallelEmbedding(pc, parallel.Mode2p5D, numEmbeddings, embeddingDim, opts)
}

// NewEmbedding3D shards the embedding dimension q³ ways on a q x q x q cube.
// Rank (i, j, l) gathers hidden block j over its (i, l) plane and embeds
// batch chunk i*q+l.
func NewEmbedding3D(pc *parallel.Context, numEmbeddings, embeddingDim int, opts EmbeddingOptions) (*ParallelEmbedding, error) {
	return newParallelEmbedding(pc, parallel.Mode3D, numEmbeddings, embeddingDim, opts)
}

func newParallelEmbedding(pc *parallel.Context, mode parallel.Mode, numEmbeddings, embeddingDim int, opts EmbeddingOptions) (*ParallelEmbedding, error) {
	if numEmbeddings <= 0 || embeddingDim <= 0 {
		return nil, errors.Errorf("embedding dimensions must be positive, got %d x %d", numEmbeddings, embeddingDim)
	}
	dtype := opts.Dtype
	if dtype == (tensor.Dtype{}) {
		dtype = tensor.Float32
	}
	if err := tensor.CheckFloat(dtype); err != nil {
		return nil, err
	}
	pad, err := normalizePadding(opts.PaddingIdx, numEmbeddings)
	if err != nil {
		return nil, err
	}

	pc, err = pc.As(mode)
	if err != nil {
		return nil, errors.Wrapf(err, "embedding %s", mode)
	}
	layout, err := pc.Layout()
	if err != nil {
		return nil, err
	}

	weight, err := newShardedParam("weight", []int{numEmbeddings, embeddingDim}, 1, layout.Shards, dtype, pc.Device())
	if err != nil {
		return nil, errors.Wrapf(err, "embedding %s", mode)
	}

	e := &ParallelEmbedding{
		pc:            pc,
		layout:        layout,
		numEmbeddings: numEmbeddings,
		embeddingDim:  embeddingDim,
		paddingIdx:    pad,
		weight:        weight,
	}
	if err := weight.initialize(opts.WeightInitializer, numEmbeddings, embeddingDim); err != nil {
		return nil, err
	}
	if err := e.resetPadding(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ParallelEmbedding) resetPadding() error {
	for _, s := range e.weight.shards {
		if err := zeroRow(s, e.paddingIdx, e.weight.shardShape[1]); err != nil {
			return err
		}
	}
	return nil
}

// Weight returns the shard held by the local rank.
func (e *ParallelEmbedding) Weight() *tensor.Tensor {
	return e.weight.shards[e.layout.Placements[e.pc.Rank()].Shard]
}

// Shards returns the weight shard of every rank, indexed by rank.
func (e *ParallelEmbedding) Shards() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(e.layout.Placements))
	for r, p := range e.layout.Placements {
		out[r] = e.weight.shards[p.Shard]
	}
	return out
}

// FullWeight reassembles the logical [numEmbeddings, embeddingDim] table.
func (e *ParallelEmbedding) FullWeight() (*tensor.Tensor, error) {
	return e.weight.full()
}

// LoadWeights shards a logical table across the ranks.
func (e *ParallelEmbedding) LoadWeights(weightData []float64) error {
	return e.weight.load(weightData)
}

func (e *ParallelEmbedding) Context() *parallel.Context { return e.pc }
func (e *ParallelEmbedding) Layout() parallel.Layout    { return e.layout }
func (e *ParallelEmbedding) PaddingIdx() int            { return e.paddingIdx }

// Forward looks up a 1D or 2D integer input. Rows of the leading axis are
// spread over the batch chunks of the layout.
func (e *ParallelEmbedding) Forward(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	ids, shape, err := lookupIDs(input, e.numEmbeddings)
	if err != nil {
		return nil, err
	}
	rows := shape[0]
	perRow := len(ids) / rows
	bounds := parallel.ChunkBounds(rows, e.layout.Chunks)
	width := e.embeddingDim / e.layout.Blocks

	blocks := make([][]float64, e.pc.Size())
	err = parallel.Run(ctx, e.pc.Size(), func(ctx context.Context, rank int) error {
		p := e.layout.Placements[rank]
		table, _, err := e.weight.gather(shardsOf(e.layout, p.Group))
		if err != nil {
			return err
		}
		lo, hi := bounds[p.Chunk][0], bounds[p.Chunk][1]
		blocks[rank] = gatherRows(table, width, ids[lo*perRow:hi*perRow])
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "embedding %s forward", e.layout.Mode)
	}

	out, _, err := assemble(e.layout, blocks, func(chunk int) []int {
		b := bounds[chunk]
		return []int{(b[1] - b[0]) * perRow, width}
	}, 1)
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat64s(append(shape, e.embeddingDim), e.weight.shards[0].Dtype(), e.pc.Device(), out)
}
