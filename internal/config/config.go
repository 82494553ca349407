package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// Config holds the parallel runtime configuration
type Config struct {
	TensorParallelMode  string `json:"tensor_parallel_mode"`
	TensorParallelSize  int    `json:"tensor_parallel_size"`
	TensorParallelDepth int    `json:"tensor_parallel_depth"`
	Rank                int    `json:"rank"`
	Seed                uint64 `json:"seed"`
	Dtype               string `json:"dtype"`
	Debug               bool   `json:"debug"`
}

// EnvVar describes one environment override
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap lists the environment variables LoadConfig honours together with
// the values they currently resolve to.
func AsMap(c *Config) map[string]EnvVar {
	return map[string]EnvVar{
		"NANOTP_TP_MODE":  {"NANOTP_TP_MODE", c.TensorParallelMode, "Tensor parallel mode: None, 1d, 2d, 2.5d or 3d"},
		"NANOTP_TP_SIZE":  {"NANOTP_TP_SIZE", c.TensorParallelSize, "Number of tensor parallel ranks (default 1)"},
		"NANOTP_TP_DEPTH": {"NANOTP_TP_DEPTH", c.TensorParallelDepth, "Depth of the 2.5d grid (default 1)"},
		"NANOTP_RANK":     {"NANOTP_RANK", c.Rank, "Rank whose shards the accessors report (default 0)"},
		"NANOTP_SEED":     {"NANOTP_SEED", c.Seed, "Seed for weight initializers"},
		"NANOTP_DTYPE":    {"NANOTP_DTYPE", c.Dtype, "Parameter element type: float32 or float64"},
		"NANOTP_DEBUG":    {"NANOTP_DEBUG", c.Debug, "Show additional debug information (e.g. NANOTP_DEBUG=1)"},
	}
}

// Default returns the single-process configuration
func Default() *Config {
	return &Config{
		TensorParallelMode:  "None",
		TensorParallelSize:  1,
		TensorParallelDepth: 1,
		Rank:                0,
		Seed:                42,
		Dtype:               "float32",
	}
}

// LoadConfig loads configuration from path, the environment and opts, in that order.
// path may name a JSON file, a directory holding config.json, or be empty.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			path = filepath.Join(path, "config.json")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() error {
	if s := clean("NANOTP_TP_MODE"); s != "" {
		c.TensorParallelMode = s
	}
	if err := envInt("NANOTP_TP_SIZE", &c.TensorParallelSize); err != nil {
		return err
	}
	if err := envInt("NANOTP_TP_DEPTH", &c.TensorParallelDepth); err != nil {
		return err
	}
	if err := envInt("NANOTP_RANK", &c.Rank); err != nil {
		return err
	}
	if s := clean("NANOTP_SEED"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid NANOTP_SEED %q", s)
		}
		c.Seed = n
	}
	if s := clean("NANOTP_DTYPE"); s != "" {
		c.Dtype = s
	}
	if s := clean("NANOTP_DEBUG"); s != "" {
		d, err := strconv.ParseBool(s)
		if err != nil {
			slog.Warn("invalid boolean, ignoring", "key", "NANOTP_DEBUG", "value", s)
		} else {
			c.Debug = d
		}
	}
	return nil
}

// Validate checks the mode, that the ranks fit its grid and the dtype.
func (c *Config) Validate() error {
	if c.TensorParallelSize < 1 {
		return errors.Errorf("tensor_parallel_size must be positive, got %d", c.TensorParallelSize)
	}
	if c.TensorParallelDepth < 1 {
		return errors.Errorf("tensor_parallel_depth must be positive, got %d", c.TensorParallelDepth)
	}
	if c.Rank < 0 || c.Rank >= c.TensorParallelSize {
		return errors.Errorf("rank %d out of range for %d ranks", c.Rank, c.TensorParallelSize)
	}
	mode, err := parallel.ParseMode(c.TensorParallelMode)
	if err != nil {
		return errors.Wrap(err, "tensor_parallel_mode")
	}
	if _, err := parallel.NewContext(mode, c.TensorParallelSize, c.TensorParallelDepth, c.Rank); err != nil {
		return errors.Wrap(err, "tensor parallel world")
	}
	if _, err := tensor.ParseDtype(c.Dtype); err != nil {
		return errors.Wrap(err, "dtype")
	}
	return nil
}

func envInt(key string, dst *int) error {
	s := clean(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrapf(err, "invalid %s %q", key, s)
	}
	*dst = n
	return nil
}

// clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// Option is a function that modifies the config
type Option func(*Config)

// WithTensorParallelMode sets the tensor parallel mode
func WithTensorParallelMode(v string) Option {
	return func(c *Config) { c.TensorParallelMode = v }
}

// WithTensorParallelSize sets the tensor parallel size
func WithTensorParallelSize(v int) Option {
	return func(c *Config) { c.TensorParallelSize = v }
}

// WithTensorParallelDepth sets the depth of a 2.5d grid
func WithTensorParallelDepth(v int) Option {
	return func(c *Config) { c.TensorParallelDepth = v }
}

// WithRank sets the local rank
func WithRank(v int) Option {
	return func(c *Config) { c.Rank = v }
}

// WithSeed sets the initializer seed
func WithSeed(v uint64) Option {
	return func(c *Config) { c.Seed = v }
}

// WithDtype sets the parameter element type
func WithDtype(v string) Option {
	return func(c *Config) { c.Dtype = v }
}

// WithDebug enables debug logging
func WithDebug(v bool) Option {
	return func(c *Config) { c.Debug = v }
}
