package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	err := Write(path, []Tensor{
		{Name: "weight", Dtype: "F32", Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		{Name: "bias", Dtype: "F64", Shape: []int{2}, Data: []float64{0.125, -7}},
		{Name: "half", Dtype: "F16", Shape: []int{3}, Data: []float64{0.5, -2, 1024}},
		{Name: "brain", Dtype: "BF16", Shape: []int{2}, Data: []float64{1, -0.25}},
	}, map[string]string{"mode": "2d"})
	require.NoError(t, err)

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"bias", "brain", "half", "weight"}, f.Names())
	assert.Equal(t, "2d", f.Metadata["mode"])

	for name, want := range map[string][]float64{
		"weight": {1, 2, 3, 4, 5, 6},
		"bias":   {0.125, -7},
		"half":   {0.5, -2, 1024},
		"brain":  {1, -0.25},
	} {
		got, _, err := f.ReadFloat64(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, ti, err := f.ReadRaw("weight")
	require.NoError(t, err)
	assert.Equal(t, "F32", ti.Dtype)
	assert.Equal(t, []int64{2, 3}, ti.Shape)

	_, _, err = f.ReadRaw("missing")
	assert.Error(t, err)
}

func TestWriteRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, Write(filepath.Join(dir, "a.safetensors"), []Tensor{
		{Name: "w", Dtype: "F32", Shape: []int{2, 2}, Data: []float64{1}},
	}, nil))
	assert.Error(t, Write(filepath.Join(dir, "b.safetensors"), []Tensor{
		{Name: "w", Dtype: "I8", Shape: []int{1}, Data: []float64{1}},
	}, nil))
	assert.Error(t, Write(filepath.Join(dir, "c.safetensors"), []Tensor{
		{Name: "w", Dtype: "F32", Shape: []int{1}, Data: []float64{1}},
		{Name: "w", Dtype: "F32", Shape: []int{1}, Data: []float64{2}},
	}, nil))
}

func TestOpenDir(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenDir(dir)
	assert.Error(t, err)

	require.NoError(t, Write(filepath.Join(dir, "rank-1.safetensors"), []Tensor{
		{Name: "b", Dtype: "F32", Shape: []int{1}, Data: []float64{2}},
	}, nil))
	require.NoError(t, Write(filepath.Join(dir, "rank-0.safetensors"), []Tensor{
		{Name: "a", Dtype: "F32", Shape: []int{1}, Data: []float64{1}},
	}, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	m, err := OpenDir(dir)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, filepath.Join(dir, "rank-0.safetensors"), m.Files[0].Path)

	f, ti, ok := m.Find("b")
	require.True(t, ok)
	assert.Equal(t, "F32", ti.Dtype)
	got, _, err := f.ReadFloat64("b")
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, got)

	_, _, ok = m.Find("c")
	assert.False(t, ok)
}

func TestOpenTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenHeaderLengthExceedsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	require.NoError(t, os.WriteFile(path, binary.LittleEndian.AppendUint64(nil, 1<<62), 0o644))
	_, err := Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds file size")

	buf := binary.LittleEndian.AppendUint64(nil, 3)
	require.NoError(t, os.WriteFile(path, append(buf, '{', '}'), 0o644))
	_, err = Open(path)
	assert.Error(t, err)
}
