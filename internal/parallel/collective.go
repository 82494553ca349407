package parallel

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Run executes fn once per rank concurrently and waits for all of them. The
// first error cancels the context handed to the remaining ranks.
func Run(ctx context.Context, size int, fn func(ctx context.Context, rank int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for r := 0; r < size; r++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, r); err != nil {
				return errors.Wrapf(err, "rank %d", r)
			}
			return nil
		})
	}
	return g.Wait()
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Concat joins row-major blocks along axis. All shapes must agree on every
// other axis.
func Concat(parts [][]float64, shapes [][]int, axis int) ([]float64, []int, error) {
	if len(parts) == 0 || len(parts) != len(shapes) {
		return nil, nil, errors.Errorf("concat needs matching parts and shapes, got %d and %d", len(parts), len(shapes))
	}
	rank := len(shapes[0])
	if axis < 0 || axis >= rank {
		return nil, nil, errors.Errorf("concat axis %d out of range for rank %d", axis, rank)
	}

	out := append([]int(nil), shapes[0]...)
	out[axis] = 0
	for p, s := range shapes {
		if len(s) != rank {
			return nil, nil, errors.Errorf("part %d has rank %d, want %d", p, len(s), rank)
		}
		for a := range s {
			if a != axis && s[a] != shapes[0][a] {
				return nil, nil, errors.Errorf("part %d shape %v incompatible with %v on axis %d", p, s, shapes[0], a)
			}
		}
		if len(parts[p]) != numel(s) {
			return nil, nil, errors.Errorf("part %d holds %d values, shape %v wants %d", p, len(parts[p]), s, numel(s))
		}
		out[axis] += s[axis]
	}

	outer := numel(out[:axis])
	inner := numel(out[axis+1:])
	data := make([]float64, 0, numel(out))
	for o := 0; o < outer; o++ {
		for p, s := range shapes {
			span := s[axis] * inner
			data = append(data, parts[p][o*span:(o+1)*span]...)
		}
	}
	return data, out, nil
}

// Split cuts a row-major tensor into n equal pieces along axis.
func Split(data []float64, shape []int, axis, n int) ([][]float64, []int, error) {
	if axis < 0 || axis >= len(shape) {
		return nil, nil, errors.Errorf("split axis %d out of range for rank %d", axis, len(shape))
	}
	if n < 1 || shape[axis]%n != 0 {
		return nil, nil, errors.Errorf("axis %d of size %d cannot be split into %d parts", axis, shape[axis], n)
	}
	if len(data) != numel(shape) {
		return nil, nil, errors.Errorf("data holds %d values, shape %v wants %d", len(data), shape, numel(shape))
	}

	part := append([]int(nil), shape...)
	part[axis] = shape[axis] / n
	outer := numel(shape[:axis])
	inner := numel(shape[axis+1:])
	span := part[axis] * inner

	out := make([][]float64, n)
	for p := range out {
		out[p] = make([]float64, 0, numel(part))
		for o := 0; o < outer; o++ {
			start := o*shape[axis]*inner + p*span
			out[p] = append(out[p], data[start:start+span]...)
		}
	}
	return out, part, nil
}

// AllGather concatenates equally shaped shards along axis, as every member
// of a process group would see them after an all-gather.
func AllGather(shards [][]float64, shape []int, axis int) ([]float64, []int, error) {
	shapes := make([][]int, len(shards))
	for i := range shapes {
		shapes[i] = shape
	}
	return Concat(shards, shapes, axis)
}
