package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/pkg/safetensors"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(parallel.Reset)
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseIDs(t *testing.T) {
	ids, shape, err := parseIDs("1, 2,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, []int{3}, shape)

	ids, shape, err = parseIDs("1,2;3,4;5,6")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, ids)
	assert.Equal(t, []int{3, 2}, shape)

	_, _, err = parseIDs("1,2;3")
	assert.Error(t, err)
	_, _, err = parseIDs("a")
	assert.Error(t, err)
}

func TestEmbedVerify(t *testing.T) {
	for _, args := range [][]string{
		{"--mode", "None"},
		{"--mode", "1d", "--size", "2"},
		{"--mode", "2d", "--size", "4"},
		{"--mode", "2.5d", "--size", "8", "--depth", "2"},
		{"--mode", "3d", "--size", "8", "--dtype", "float64"},
	} {
		t.Run(args[1], func(t *testing.T) {
			out, err := run(t, append([]string{"embed", "--dim", "16", "--padding-idx", "1", "--ids", "0,1;2,3;4,5", "--verify"}, args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, fmt.Sprintf("mode %s: output [3 2 16]", args[1]))
			assert.Contains(t, out, "output matches the single device reference")
		})
	}
}

func TestEmbedRejectsBadWorld(t *testing.T) {
	_, err := run(t, "embed", "--mode", "2d", "--size", "3")
	assert.Error(t, err)

	_, err = run(t, "embed", "--mode", "3d", "--size", "8", "--dim", "12")
	assert.Error(t, err)

	_, err = run(t, "embed", "--ids", "99")
	assert.Error(t, err)
}

func TestEmbedLoadsWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	table := make([]float64, 4*4)
	for i := range table {
		table[i] = float64(i)
	}
	require.NoError(t, safetensors.Write(path, []safetensors.Tensor{
		{Name: "weight", Dtype: "F32", Shape: []int{4, 4}, Data: table},
	}, nil))

	out, err := run(t, "embed", "--mode", "2d", "--size", "4", "--num", "4", "--dim", "4",
		"--weights", path, "--ids", "3", "--verify")
	require.NoError(t, err)
	// row 3 is 12+13+14+15
	assert.Contains(t, out, "sum 54.000000")
}

func TestPatchVerify(t *testing.T) {
	for _, args := range [][]string{
		{"--mode", "None"},
		{"--mode", "1d", "--size", "2"},
		{"--mode", "2d", "--size", "4"},
		{"--mode", "2.5d", "--size", "8", "--depth", "2"},
		{"--mode", "3d", "--size", "8"},
	} {
		t.Run(args[1], func(t *testing.T) {
			out, err := run(t, append([]string{"patch", "--batch", "3", "--verify"}, args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "output [3 5 16]")
			assert.Contains(t, out, "output matches the single device reference")

			out, err = run(t, append([]string{"patch", "--flatten=false", "--verify"}, args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "output [2 16 2 2]")
		})
	}
}

func TestShards(t *testing.T) {
	out, err := run(t, "shards", "--mode", "2d", "--size", "4", "--dim", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "mode 2d, 4 ranks")
	assert.Contains(t, out, "(1,1)")
	assert.Contains(t, out, "[16 2]")

	out, err = run(t, "shards", "--layer", "patch", "--mode", "3d", "--size", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "mode 3d, 8 ranks")
	assert.Contains(t, out, "[2 3 4 4]")

	out, err = run(t, "shards")
	require.NoError(t, err)
	assert.Contains(t, out, "mode None, 1 ranks")
	assert.Contains(t, out, "[16 8]")

	_, err = run(t, "shards", "--layer", "conv")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "export", dir, "--mode", "1d", "--size", "2", "--dim", "8", "--dtype", "float64")
	require.NoError(t, err)

	m, err := safetensors.OpenDir(dir)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	for r, f := range m.Files {
		assert.Equal(t, "1d", f.Metadata["mode"])
		assert.Equal(t, fmt.Sprint(r), f.Metadata["rank"])
		data, ti, err := f.ReadFloat64("weight")
		require.NoError(t, err)
		assert.Equal(t, "F64", ti.Dtype)
		assert.Equal(t, []int64{16, 4}, ti.Shape)
		assert.Len(t, data, 64)
	}
}

func TestExportPatch(t *testing.T) {
	for _, tt := range []struct {
		args  []string
		files int
		embed int64
	}{
		{args: []string{"--mode", "None"}, files: 1, embed: 16},
		{args: []string{"--mode", "2d", "--size", "4"}, files: 4, embed: 4},
	} {
		t.Run(tt.args[1], func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "out", "patch")
			_, err := run(t, append([]string{"export", dir, "--layer", "patch"}, tt.args...)...)
			require.NoError(t, err)

			m, err := safetensors.OpenDir(dir)
			require.NoError(t, err)
			require.Len(t, m.Files, tt.files)
			for _, f := range m.Files {
				assert.Equal(t, []string{"bias", "cls_token", "pos_embed", "weight"}, f.Names())
				for name, want := range map[string][]int64{
					"weight":    {tt.embed, 3, 4, 4},
					"bias":      {tt.embed},
					"cls_token": {1, 1, tt.embed},
					"pos_embed": {1, 5, tt.embed},
				} {
					_, ti, err := f.ReadRaw(name)
					require.NoError(t, err, name)
					assert.Equal(t, want, ti.Shape, name)
				}
			}
		})
	}
}

func TestModesAndEnv(t *testing.T) {
	out, err := run(t, "modes")
	require.NoError(t, err)
	for _, m := range parallel.Modes() {
		assert.Contains(t, out, string(m))
	}

	out, err = run(t, "env", "--mode", "3d")
	require.NoError(t, err)
	assert.Contains(t, out, "NANOTP_TP_MODE")
	assert.Contains(t, out, "3d")

	_, err = run(t, "env", "--mode", "4d")
	assert.ErrorIs(t, err, parallel.ErrUnsupportedMode)
	_, err = run(t, "env", "--mode", "2d", "--size", "3")
	assert.Error(t, err)
}
