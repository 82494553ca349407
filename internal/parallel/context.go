package parallel

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// Context describes the tensor parallel world one process participates in.
//
// Ranks are laid out on a grid whose shape depends on the mode:
//
//	1d:   p ranks, rank = i
//	2d:   q x q, rank = i*q + j
//	2.5d: q x q x d, rank = k*q*q + i*q + j
//	3d:   q x q x q, rank = (i*q + j)*q + l
type Context struct {
	mode   Mode
	size   int
	depth  int
	dim    int
	rank   int
	device tensor.Device
}

// NewContext validates that size ranks fit the grid of mode.
func NewContext(mode Mode, size, depth, rank int) (*Context, error) {
	if size < 1 {
		return nil, errors.Errorf("world size must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, size)
	}
	if depth < 1 {
		depth = 1
	}

	c := &Context{mode: mode, size: size, depth: 1, rank: rank, device: tensor.CPU}
	switch mode {
	case ModeNone:
		if size != 1 {
			return nil, errors.Errorf("mode %s requires a world size of 1, got %d", mode, size)
		}
		c.dim = 1
	case Mode1D:
		c.dim = size
	case Mode2D:
		q, ok := isqrt(size)
		if !ok {
			return nil, errors.Errorf("2d parallelism requires a square world size, got %d", size)
		}
		c.dim = q
	case Mode2p5D:
		if size%depth != 0 {
			return nil, errors.Errorf("2.5d world size %d is not divisible by depth %d", size, depth)
		}
		q, ok := isqrt(size / depth)
		if !ok {
			return nil, errors.Errorf("2.5d parallelism requires size/depth to be square, got %d", size/depth)
		}
		c.dim = q
		c.depth = depth
	case Mode3D:
		q, ok := icbrt(size)
		if !ok {
			return nil, errors.Errorf("3d parallelism requires a cubic world size, got %d", size)
		}
		c.dim = q
	default:
		return nil, errors.Wrapf(ErrUnsupportedMode, "%q", mode)
	}
	return c, nil
}

// As re-validates the same world and rank under mode m.
func (c *Context) As(m Mode) (*Context, error) {
	out, err := NewContext(m, c.size, c.depth, c.rank)
	if err != nil {
		return nil, err
	}
	out.device = c.device
	return out, nil
}

func (c *Context) Mode() Mode            { return c.mode }
func (c *Context) Size() int             { return c.size }
func (c *Context) Depth() int            { return c.depth }
func (c *Context) Rank() int             { return c.rank }
func (c *Context) Device() tensor.Device { return c.device }

// Dim returns the grid edge: p for 1d, q otherwise.
func (c *Context) Dim() int { return c.dim }

// Coords returns the grid coordinates of rank, ordered as in the type doc.
func (c *Context) Coords(rank int) []int {
	q := c.dim
	switch c.mode {
	case Mode2D:
		return []int{rank / q, rank % q}
	case Mode2p5D:
		return []int{(rank / q) % q, rank % q, rank / (q * q)}
	case Mode3D:
		return []int{rank / (q * q), (rank / q) % q, rank % q}
	}
	return []int{rank}
}

// RankOf is the inverse of Coords.
func (c *Context) RankOf(coords ...int) int {
	q := c.dim
	switch c.mode {
	case Mode2D:
		return coords[0]*q + coords[1]
	case Mode2p5D:
		return coords[2]*q*q + coords[0]*q + coords[1]
	case Mode3D:
		return (coords[0]*q+coords[1])*q + coords[2]
	}
	return coords[0]
}

func isqrt(n int) (int, bool) {
	q := 0
	for q*q < n {
		q++
	}
	return q, q*q == n
}

func icbrt(n int) (int, bool) {
	q := 0
	for q*q*q < n {
		q++
	}
	return q, q*q*q == n
}

var current atomic.Pointer[Context]

func single() *Context {
	return &Context{mode: ModeNone, size: 1, depth: 1, dim: 1, device: tensor.CPU}
}

// Current returns the process-wide context, a single rank context if
// none has been launched.
func Current() *Context {
	if c := current.Load(); c != nil {
		return c
	}
	return single()
}

// SetCurrent replaces the process-wide context.
func SetCurrent(c *Context) {
	current.Store(c)
}

// Reset drops the process-wide context.
func Reset() {
	current.Store(nil)
}

// Launch validates the described world and makes it process-wide.
func Launch(mode Mode, size, depth, rank int) (*Context, error) {
	c, err := NewContext(mode, size, depth, rank)
	if err != nil {
		return nil, err
	}
	SetCurrent(c)
	slog.Debug("launched tensor parallel context", "mode", mode, "size", c.size, "depth", c.depth, "rank", c.rank)
	return c, nil
}

// TensorParallelMode returns the mode layers consult at construction time.
func TensorParallelMode() Mode {
	return Current().mode
}

// SetTensorParallelMode overrides only the mode tag of the process-wide
// context. The tag is not validated here; layer constructors reject modes
// they have no implementation for.
func SetTensorParallelMode(m Mode) {
	c := *Current()
	c.mode = m
	current.Store(&c)
}

// CurrentDevice returns the device new parameters are placed on.
func CurrentDevice() tensor.Device {
	return Current().device
}
