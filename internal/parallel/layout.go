package parallel

import "github.com/pkg/errors"

// Placement is what one rank stores and computes for a layer sharded along
// its hidden axis.
type Placement struct {
	Rank int
	// Shard is the hidden shard stored by this rank.
	Shard int
	// Group lists the ranks, in concatenation order, whose shards are
	// all-gathered into hidden block Block.
	Group []int
	Block int
	// Chunk is the slice of the leading input axis this rank processes.
	Chunk int
}

// Layout partitions a hidden axis and the leading input axis across ranks.
// Hidden block b is the concatenation of shards b*Shards/Blocks up to
// (b+1)*Shards/Blocks.
type Layout struct {
	Mode       Mode
	Shards     int
	Blocks     int
	Chunks     int
	Placements []Placement
}

// Layout returns the placement of every rank under the context's mode.
func (c *Context) Layout() (Layout, error) {
	q := c.dim
	l := Layout{Mode: c.mode, Placements: make([]Placement, c.size)}

	switch c.mode {
	case ModeNone:
		l.Shards, l.Blocks, l.Chunks = 1, 1, 1
		l.Placements[0] = Placement{Rank: 0, Group: []int{0}}
	case Mode1D:
		l.Shards, l.Blocks, l.Chunks = c.size, 1, 1
		all := make([]int, c.size)
		for r := range all {
			all[r] = r
		}
		for r := 0; r < c.size; r++ {
			l.Placements[r] = Placement{Rank: r, Shard: r, Group: all}
		}
	case Mode2D:
		l.Shards, l.Blocks, l.Chunks = q*q, q, q
		for r := 0; r < c.size; r++ {
			xy := c.Coords(r)
			i, j := xy[0], xy[1]
			group := make([]int, q)
			for ii := 0; ii < q; ii++ {
				group[ii] = c.RankOf(ii, j)
			}
			l.Placements[r] = Placement{Rank: r, Shard: j*q + i, Group: group, Block: j, Chunk: i}
		}
	case Mode2p5D:
		l.Shards, l.Blocks, l.Chunks = q*q, q, c.depth*q
		for r := 0; r < c.size; r++ {
			xyz := c.Coords(r)
			i, j, k := xyz[0], xyz[1], xyz[2]
			group := make([]int, q)
			for ii := 0; ii < q; ii++ {
				group[ii] = c.RankOf(ii, j, k)
			}
			l.Placements[r] = Placement{Rank: r, Shard: j*q + i, Group: group, Block: j, Chunk: k*q + i}
		}
	case Mode3D:
		l.Shards, l.Blocks, l.Chunks = q*q*q, q, q*q
		for r := 0; r < c.size; r++ {
			xyz := c.Coords(r)
			i, j, k := xyz[0], xyz[1], xyz[2]
			group := make([]int, 0, q*q)
			for ii := 0; ii < q; ii++ {
				for kk := 0; kk < q; kk++ {
					group = append(group, c.RankOf(ii, j, kk))
				}
			}
			l.Placements[r] = Placement{Rank: r, Shard: j*q*q + i*q + k, Group: group, Block: j, Chunk: i*q + k}
		}
	default:
		return Layout{}, errors.Wrapf(ErrUnsupportedMode, "%q", c.mode)
	}
	return l, nil
}

// Owner returns the first rank producing (chunk, block).
func (l Layout) Owner(chunk, block int) (int, bool) {
	for _, p := range l.Placements {
		if p.Chunk == chunk && p.Block == block {
			return p.Rank, true
		}
	}
	return 0, false
}

// ChunkBounds splits n rows into parts ranges of ceil(n/parts) rows; trailing
// ranges may be short or empty.
func ChunkBounds(n, parts int) [][2]int {
	size := (n + parts - 1) / parts
	out := make([][2]int, parts)
	for c := range out {
		lo, hi := min(c*size, n), min((c+1)*size, n)
		out[c] = [2]int{lo, hi}
	}
	return out
}
