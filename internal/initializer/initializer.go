// Package initializer fills parameter tensors in place.
//
// Every initializer shares one signature: it receives the tensor together
// with the fan-in and fan-out of the layer owning it. A fan of zero means the
// caller did not supply it; initializers that need a missing fan fail.
package initializer

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// Initializer mutates t in place.
type Initializer func(t *tensor.Tensor, fanIn, fanOut int) error

var (
	mu  sync.Mutex
	src = rand.NewSource(42)
)

// Seed resets the process-wide random source.
func Seed(seed uint64) {
	mu.Lock()
	defer mu.Unlock()
	src = rand.NewSource(seed)
}

// sample draws n values from a distribution bound to the shared source.
func sample(n int, draw func(rand.Source) func() float64) []float64 {
	mu.Lock()
	defer mu.Unlock()
	next := draw(src)
	out := make([]float64, n)
	for i := range out {
		out[i] = next()
	}
	return out
}

func constant(v float64) Initializer {
	return func(t *tensor.Tensor, _, _ int) error {
		data := make([]float64, t.Numel())
		for i := range data {
			data[i] = v
		}
		return t.SetFloat64s(data)
	}
}

// Zeros fills with 0.
func Zeros() Initializer { return constant(0) }

// Ones fills with 1.
func Ones() Initializer { return constant(1) }

// Uniform draws from U(a, b).
func Uniform(a, b float64) Initializer {
	return func(t *tensor.Tensor, _, _ int) error {
		return fillUniform(t, a, b)
	}
}

// Normal draws from N(mean, std²).
func Normal(mean, std float64) Initializer {
	return func(t *tensor.Tensor, _, _ int) error {
		return fillNormal(t, mean, std)
	}
}

// TruncNormal draws from N(mean, std²) restricted to [a, b].
func TruncNormal(mean, std, a, b float64) Initializer {
	return func(t *tensor.Tensor, _, _ int) error {
		return fillTruncNormal(t, mean, std, a, b)
	}
}

// KaimingUniform is He initialization over fan-in with a leaky relu gain
// for negative slope a.
func KaimingUniform(a float64) Initializer {
	return kaiming(a, false, true)
}

// KaimingUniformFanOut is KaimingUniform scaled by fan-out.
func KaimingUniformFanOut(a float64) Initializer {
	return kaiming(a, true, true)
}

// KaimingNormal is the normal variant of KaimingUniform.
func KaimingNormal(a float64) Initializer {
	return kaiming(a, false, false)
}

// KaimingNormalFanOut is KaimingNormal scaled by fan-out.
func KaimingNormalFanOut(a float64) Initializer {
	return kaiming(a, true, false)
}

func kaiming(a float64, useFanOut, uniform bool) Initializer {
	return func(t *tensor.Tensor, fanIn, fanOut int) error {
		fan, name := fanIn, "fan_in"
		if useFanOut {
			fan, name = fanOut, "fan_out"
		}
		if fan <= 0 {
			return errors.Errorf("kaiming initialization requires %s", name)
		}
		gain := math.Sqrt(2 / (1 + a*a))
		std := gain / math.Sqrt(float64(fan))
		if uniform {
			bound := math.Sqrt(3) * std
			return fillUniform(t, -bound, bound)
		}
		return fillNormal(t, 0, std)
	}
}

// XavierUniform draws from U(-a·std, a·std) with std = gain·sqrt(scale/(fanIn+fanOut)).
// A missing fan-out is treated as zero.
func XavierUniform(a, scale, gain float64) Initializer {
	return func(t *tensor.Tensor, fanIn, fanOut int) error {
		if fanIn <= 0 {
			return errors.New("xavier initialization requires fan_in")
		}
		std := gain * math.Sqrt(scale/float64(fanIn+fanOut))
		bound := a * std
		return fillUniform(t, -bound, bound)
	}
}

// XavierNormal draws from N(0, std²) with std = gain·sqrt(scale/(fanIn+fanOut)).
func XavierNormal(scale, gain float64) Initializer {
	return func(t *tensor.Tensor, fanIn, fanOut int) error {
		if fanIn <= 0 {
			return errors.New("xavier initialization requires fan_in")
		}
		std := gain * math.Sqrt(scale/float64(fanIn+fanOut))
		return fillNormal(t, 0, std)
	}
}

// LecunUniform draws from U(-sqrt(3/fanIn), sqrt(3/fanIn)).
func LecunUniform() Initializer {
	return func(t *tensor.Tensor, fanIn, _ int) error {
		if fanIn <= 0 {
			return errors.New("lecun initialization requires fan_in")
		}
		bound := math.Sqrt(3 / float64(fanIn))
		return fillUniform(t, -bound, bound)
	}
}

// LecunNormal draws from a normal with stddev sqrt(1/fanIn)/.8796, truncated
// to the absolute interval [-2, 2].
func LecunNormal() Initializer {
	return func(t *tensor.Tensor, fanIn, _ int) error {
		if fanIn <= 0 {
			return errors.New("lecun initialization requires fan_in")
		}
		std := math.Sqrt(1/float64(fanIn)) / .87962566103423978
		return fillTruncNormal(t, 0, std, -2, 2)
	}
}

func fillUniform(t *tensor.Tensor, a, b float64) error {
	if b < a {
		return errors.Errorf("uniform bounds out of order: [%g, %g]", a, b)
	}
	if a == b {
		return constant(a)(t, 0, 0)
	}
	data := sample(t.Numel(), func(s rand.Source) func() float64 {
		return distuv.Uniform{Min: a, Max: b, Src: s}.Rand
	})
	return t.SetFloat64s(data)
}

func fillNormal(t *tensor.Tensor, mean, std float64) error {
	if std < 0 {
		return errors.Errorf("normal std must be non-negative, got %g", std)
	}
	if std == 0 {
		return constant(mean)(t, 0, 0)
	}
	data := sample(t.Numel(), func(s rand.Source) func() float64 {
		return distuv.Normal{Mu: mean, Sigma: std, Src: s}.Rand
	})
	return t.SetFloat64s(data)
}

func fillTruncNormal(t *tensor.Tensor, mean, std, a, b float64) error {
	if b <= a {
		return errors.Errorf("truncation bounds out of order: [%g, %g]", a, b)
	}
	if std <= 0 {
		return errors.Errorf("normal std must be positive, got %g", std)
	}
	norm := distuv.Normal{Mu: mean, Sigma: std}
	if norm.CDF(b)-norm.CDF(a) < 1e-6 {
		return errors.Errorf("truncation bounds [%g, %g] hold no mass", a, b)
	}
	data := sample(t.Numel(), func(s rand.Source) func() float64 {
		n := distuv.Normal{Mu: mean, Sigma: std, Src: s}
		return func() float64 {
			for {
				if v := n.Rand(); v >= a && v <= b {
					return v
				}
			}
		}
	})
	return t.SetFloat64s(data)
}
