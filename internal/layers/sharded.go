package layers

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// shardedParam is a logical parameter split evenly along one axis. Ranks
// holding the same shard index share its tensor.
type shardedParam struct {
	name       string
	shape      []int
	axis       int
	shardShape []int
	shards     []*tensor.Tensor
}

func newShardedParam(name string, shape []int, axis, n int, dtype tensor.Dtype, dev tensor.Device) (*shardedParam, error) {
	if shape[axis]%n != 0 {
		return nil, errors.Errorf("%s: axis %d of size %d is not divisible by %d shards", name, axis, shape[axis], n)
	}
	shardShape := append([]int(nil), shape...)
	shardShape[axis] /= n

	shards := make([]*tensor.Tensor, n)
	for i := range shards {
		t, err := tensor.NewTensor(shardShape, dtype, dev)
		if err != nil {
			return nil, errors.Wrapf(err, "%s shard %d", name, i)
		}
		shards[i] = t
	}
	return &shardedParam{name: name, shape: shape, axis: axis, shardShape: shardShape, shards: shards}, nil
}

// initialize runs fn once per shard with the fans of the logical parameter.
func (p *shardedParam) initialize(fn initializer.Initializer, fanIn, fanOut int) error {
	if fn == nil {
		return nil
	}
	for i, s := range p.shards {
		if err := fn(s, fanIn, fanOut); err != nil {
			return errors.Wrapf(err, "initialize %s shard %d", p.name, i)
		}
	}
	return nil
}

// load splits logical data across the shards.
func (p *shardedParam) load(full []float64) error {
	parts, _, err := parallel.Split(full, p.shape, p.axis, len(p.shards))
	if err != nil {
		return errors.Wrapf(err, "load %s", p.name)
	}
	for i, part := range parts {
		if err := p.shards[i].SetFloat64s(part); err != nil {
			return errors.Wrapf(err, "load %s shard %d", p.name, i)
		}
	}
	return nil
}

// gather all-gathers the given shard indices along the sharded axis.
func (p *shardedParam) gather(indices []int) ([]float64, []int, error) {
	parts := make([][]float64, len(indices))
	for n, i := range indices {
		v, err := p.shards[i].Float64s()
		if err != nil {
			return nil, nil, err
		}
		parts[n] = v
	}
	return parallel.AllGather(parts, p.shardShape, p.axis)
}

// full reassembles the logical parameter.
func (p *shardedParam) full() (*tensor.Tensor, error) {
	all := make([]int, len(p.shards))
	for i := range all {
		all[i] = i
	}
	data, shape, err := p.gather(all)
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat64s(shape, p.shards[0].Dtype(), p.shards[0].Device(), data)
}

// shardsOf maps the ranks of a gather group to the shard indices they hold.
func shardsOf(l parallel.Layout, group []int) []int {
	out := make([]int, len(group))
	for n, r := range group {
		out[n] = l.Placements[r].Shard
	}
	return out
}

// assemble stitches per-rank output blocks into the logical output. Blocks
// of one chunk are joined along hiddenAxis, chunks along axis 0; shapeOf
// gives the block shape for a chunk.
func assemble(l parallel.Layout, blocks [][]float64, shapeOf func(chunk int) []int, hiddenAxis int) ([]float64, []int, error) {
	var (
		chunks      [][]float64
		chunkShapes [][]int
	)
	for c := 0; c < l.Chunks; c++ {
		parts := make([][]float64, l.Blocks)
		shapes := make([][]int, l.Blocks)
		for b := 0; b < l.Blocks; b++ {
			r, ok := l.Owner(c, b)
			if !ok {
				return nil, nil, errors.Errorf("no rank produces chunk %d block %d", c, b)
			}
			parts[b] = blocks[r]
			shapes[b] = shapeOf(c)
		}
		data, shape, err := parallel.Concat(parts, shapes, hiddenAxis)
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, data)
		chunkShapes = append(chunkShapes, shape)
	}
	return parallel.Concat(chunks, chunkShapes, 0)
}
