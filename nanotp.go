// Package nanotp wires the configuration, the simulated tensor parallel world
// and the initializer seed together for programs embedding the layers.
package nanotp

import (
	"log/slog"

	"github.com/unixsysdev/nano-go-tp/internal/config"
	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// LogLevel is the level Init derives from Config.Debug. Install it in the
// handler passed to slog.SetDefault.
var LogLevel = new(slog.LevelVar)

// Runtime is what Init resolved.
type Runtime struct {
	Config  *config.Config
	Context *parallel.Context
	Dtype   tensor.Dtype
}

// Init loads the configuration from path, the environment and opts, makes
// the described world process-wide and seeds the weight initializers.
func Init(path string, opts ...config.Option) (*Runtime, error) {
	cfg, err := config.LoadConfig(path, opts...)
	if err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDtype(cfg.Dtype)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		LogLevel.Set(slog.LevelDebug)
	} else {
		LogLevel.Set(slog.LevelInfo)
	}
	mode, err := parallel.ParseMode(cfg.TensorParallelMode)
	if err != nil {
		return nil, err
	}
	pc, err := parallel.Launch(mode, cfg.TensorParallelSize, cfg.TensorParallelDepth, cfg.Rank)
	if err != nil {
		return nil, err
	}
	initializer.Seed(cfg.Seed)
	slog.Info("tensor parallel runtime ready", "mode", pc.Mode(), "size", pc.Size(), "rank", pc.Rank(), "dtype", cfg.Dtype)
	return &Runtime{Config: cfg, Context: pc, Dtype: dtype}, nil
}

// Shutdown drops the process-wide world.
func Shutdown() {
	parallel.Reset()
}
