package nn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/layers"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

type call struct {
	shape   []int
	fanIn   int
	fanOut  int
	pointer *tensor.Tensor
}

func recorder(calls *[]call, fill initializer.Initializer) initializer.Initializer {
	return func(t *tensor.Tensor, fanIn, fanOut int) error {
		*calls = append(*calls, call{shape: t.Shape(), fanIn: fanIn, fanOut: fanOut, pointer: t})
		return fill(t, fanIn, fanOut)
	}
}

func launch(t *testing.T, mode string, size, depth int) {
	t.Helper()
	t.Cleanup(parallel.Reset)
	m, err := parallel.ParseMode(mode)
	require.NoError(t, err)
	_, err = parallel.Launch(m, size, depth, 0)
	require.NoError(t, err)
}

func TestEmbeddingNoneInitializesOnce(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.Reset()

	var calls []call
	e, err := NewEmbedding(10, 4, WithWeightInitializer(recorder(&calls, initializer.Ones())))
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].fanIn)
	assert.Equal(t, 4, calls[0].fanOut)
	assert.Same(t, e.Weight(), calls[0].pointer)
	assert.Equal(t, []int{10, 4}, e.Weight().Shape())
	assert.Equal(t, tensor.Float32, e.Weight().Dtype())
	assert.Equal(t, parallel.ModeNone, e.Mode())
	assert.IsType(t, &layers.Embedding{}, e.Inner())

	w, err := e.Weight().Float64s()
	require.NoError(t, err)
	for _, v := range w {
		assert.Equal(t, 1.0, v)
	}
}

func TestEmbeddingNonePadding(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.Reset()

	e, err := NewEmbedding(5, 3,
		WithPaddingIdx(2),
		WithDtype(tensor.Float64),
		WithWeightInitializer(initializer.Ones()))
	require.NoError(t, err)

	ids, err := tensor.FromInt64s([]int{3}, []int64{1, 2, 4})
	require.NoError(t, err)
	out, err := e.Forward(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape())
	got, err := out.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 0, 0, 0, 1, 1, 1}, got)
}

func TestEmbeddingDispatch(t *testing.T) {
	for _, tc := range []struct {
		mode  string
		size  int
		depth int
	}{
		{"1d", 2, 1},
		{"2d", 4, 1},
		{"2.5d", 8, 2},
		{"3d", 8, 1},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			launch(t, tc.mode, tc.size, tc.depth)

			var calls []call
			e, err := NewEmbedding(6, 16, WithWeightInitializer(recorder(&calls, initializer.Normal(0, 1))))
			require.NoError(t, err)

			inner, ok := e.Inner().(*layers.ParallelEmbedding)
			require.True(t, ok)
			assert.Equal(t, parallel.Mode(tc.mode), inner.Layout().Mode)
			assert.Equal(t, parallel.Mode(tc.mode), e.Mode())
			assert.Same(t, inner.Weight(), e.Weight())
			assert.NotEmpty(t, calls)
			for _, c := range calls {
				assert.Equal(t, 6, c.fanIn)
				assert.Equal(t, 16, c.fanOut)
			}
		})
	}
}

func TestEmbeddingParallelMatchesFullWeight(t *testing.T) {
	launch(t, "2d", 4, 1)

	e, err := NewEmbedding(7, 8, WithDtype(tensor.Float64), WithPaddingIdx(0))
	require.NoError(t, err)
	inner := e.Inner().(*layers.ParallelEmbedding)
	full, err := inner.FullWeight()
	require.NoError(t, err)
	table, err := full.Float64s()
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 8), table[:8])

	ids, err := tensor.FromInt64s([]int{3, 2}, []int64{0, 1, 2, 3, 6, 5})
	require.NoError(t, err)
	out, err := e.Forward(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 8}, out.Shape())

	got, err := out.Float64s()
	require.NoError(t, err)
	for n, id := range []int{0, 1, 2, 3, 6, 5} {
		assert.Equal(t, table[id*8:(id+1)*8], got[n*8:(n+1)*8], "token %d", n)
	}
}

func TestEmbeddingUnsupportedMode(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.SetTensorParallelMode("4d")

	_, err := NewEmbedding(4, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, parallel.ErrUnsupportedMode)
}

func TestEmbeddingInitializerError(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.Reset()

	_, err := NewEmbedding(4, 4, WithWeightInitializer(initializer.XavierUniform(0, 1, 1)))
	require.NoError(t, err)

	_, err = NewEmbedding(4, 4, WithWeightInitializer(initializer.Uniform(1, 0)))
	assert.Error(t, err)
}

func TestPatchEmbeddingDispatch(t *testing.T) {
	for _, tc := range []struct {
		mode     string
		size     int
		depth    int
		parallel bool
	}{
		{"None", 1, 1, false},
		{"1d", 2, 1, false},
		{"2d", 4, 1, true},
		{"2.5d", 8, 2, true},
		{"3d", 8, 1, true},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			launch(t, tc.mode, tc.size, tc.depth)

			p, err := NewPatchEmbedding(8, 4, 3, 16)
			require.NoError(t, err)
			assert.Equal(t, parallel.Mode(tc.mode), p.Mode())

			if !tc.parallel {
				inner, ok := p.Inner().(*layers.PatchEmbedding)
				require.True(t, ok)
				assert.Same(t, inner.Weight(), p.Weight())
				assert.Same(t, inner.Bias(), p.Bias())
				assert.Same(t, inner.PosEmbed(), p.PosEmbed())
				assert.Same(t, inner.ClsToken(), p.ClsToken())
				assert.Equal(t, []int{16, 3, 4, 4}, p.Weight().Shape())
				assert.Equal(t, []int{1, 5, 16}, p.PosEmbed().Shape())
				assert.Equal(t, parallel.CurrentDevice(), p.Weight().Device())
				assert.Equal(t, parallel.CurrentDevice(), p.ClsToken().Device())
				return
			}

			inner, ok := p.Inner().(*layers.ParallelPatchEmbedding)
			require.True(t, ok)
			assert.Equal(t, parallel.Mode(tc.mode), inner.Layout().Mode)
			assert.Same(t, inner.Weight(), p.Weight())
			assert.Same(t, inner.Bias(), p.Bias())
			assert.Same(t, inner.PosEmbed(), p.PosEmbed())
			assert.Same(t, inner.ClsToken(), p.ClsToken())
			width := 16 / inner.Layout().Shards
			assert.Equal(t, []int{width, 3, 4, 4}, p.Weight().Shape())
			assert.Equal(t, []int{1, 1, width}, p.ClsToken().Shape())
		})
	}
}

func TestPatchEmbeddingDefaults(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.Reset()

	p, err := NewPatchEmbedding(4, 2, 1, 4)
	require.NoError(t, err)

	pos, err := p.PosEmbed().Float64s()
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 20), pos)

	// kaiming_uniform(a=sqrt(5)) over fan_in 4 gives bound 1/sqrt(4)
	w, err := p.Weight().Float64s()
	require.NoError(t, err)
	for _, v := range w {
		assert.LessOrEqual(t, v, 0.5)
		assert.GreaterOrEqual(t, v, -0.5)
	}

	img, err := tensor.FromFloat64s([]int{2, 1, 4, 4}, tensor.Float32, tensor.CPU, make([]float64, 32))
	require.NoError(t, err)
	out, err := p.Forward(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 4}, out.Shape())
}

func TestPatchEmbeddingOptions(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.Reset()

	var weights, biases, positions []call
	p, err := NewPatchEmbedding(4, 2, 3, 8,
		WithPatchDtype(tensor.Float64),
		WithFlatten(false),
		WithPatchWeightInitializer(recorder(&weights, initializer.Zeros())),
		WithBiasInitializer(recorder(&biases, initializer.Ones())),
		WithPositionEmbedInitializer(recorder(&positions, initializer.Zeros())))
	require.NoError(t, err)

	require.Len(t, weights, 1)
	require.Len(t, biases, 1)
	require.Len(t, positions, 1)
	assert.Equal(t, 12, weights[0].fanIn)
	assert.Equal(t, 32, weights[0].fanOut)
	assert.Equal(t, 12, biases[0].fanIn)
	assert.Equal(t, 0, biases[0].fanOut)
	assert.Equal(t, tensor.Float64, p.Weight().Dtype())

	img, err := tensor.FromFloat64s([]int{1, 3, 4, 4}, tensor.Float64, tensor.CPU, make([]float64, 48))
	require.NoError(t, err)
	out, err := p.Forward(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 2, 2}, out.Shape())
	got, err := out.Float64s()
	require.NoError(t, err)
	for _, v := range got {
		assert.Equal(t, 1.0, v)
	}
}

func TestPatchEmbeddingUnsupportedMode(t *testing.T) {
	t.Cleanup(parallel.Reset)
	parallel.SetTensorParallelMode("sequence")

	_, err := NewPatchEmbedding(8, 4, 3, 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, parallel.ErrUnsupportedMode)
}
