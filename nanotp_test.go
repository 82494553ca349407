package nanotp

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tp/internal/config"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

func TestInit(t *testing.T) {
	t.Cleanup(Shutdown)
	dir := t.TempDir()
	cfg := `{"tensor_parallel_mode": "2d", "tensor_parallel_size": 4, "rank": 3, "dtype": "float64"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0o644))

	rt, err := Init(dir)
	require.NoError(t, err)
	assert.Equal(t, parallel.Mode2D, rt.Context.Mode())
	assert.Equal(t, 3, rt.Context.Rank())
	assert.Equal(t, tensor.Float64, rt.Dtype)
	assert.Equal(t, parallel.Mode2D, parallel.TensorParallelMode())

	Shutdown()
	assert.Equal(t, parallel.ModeNone, parallel.TensorParallelMode())
}

func TestInitRejectsBadWorld(t *testing.T) {
	t.Cleanup(Shutdown)
	_, err := Init("", config.WithTensorParallelMode("3d"), config.WithTensorParallelSize(4))
	assert.Error(t, err)
	_, err = Init("", config.WithDtype("int8"))
	assert.Error(t, err)
	_, err = Init("", config.WithTensorParallelMode("4d"))
	assert.ErrorIs(t, err, parallel.ErrUnsupportedMode)
}

func TestInitDebugLevel(t *testing.T) {
	t.Cleanup(Shutdown)
	t.Cleanup(func() { LogLevel.Set(slog.LevelInfo) })

	_, err := Init("", config.WithDebug(true))
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())

	_, err = Init("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, LogLevel.Level())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"debug": true}`), 0o644))
	_, err = Init(dir)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())

	t.Setenv("NANOTP_DEBUG", "false")
	_, err = Init(dir)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, LogLevel.Level())
}
