package layers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tp/internal/initializer"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
)

// PatchEmbeddingOptions configures patch embedding constructors. Zero
// values select float32 on the CPU, flatten disabled and no initialization.
type PatchEmbeddingOptions struct {
	Dtype                    tensor.Dtype
	Device                   tensor.Device
	Flatten                  bool
	WeightInitializer        initializer.Initializer
	BiasInitializer          initializer.Initializer
	PositionEmbedInitializer initializer.Initializer
}

func (o PatchEmbeddingOptions) dtype() tensor.Dtype {
	if o.Dtype == (tensor.Dtype{}) {
		return tensor.Float32
	}
	return o.Dtype
}

// patchGeometry describes how a square image is cut into square patches.
type patchGeometry struct {
	imgSize    int
	patchSize  int
	inChans    int
	grid       int
	numPatches int
}

func newPatchGeometry(imgSize, patchSize, inChans, embedSize int) (patchGeometry, error) {
	if imgSize <= 0 || patchSize <= 0 || inChans <= 0 || embedSize <= 0 {
		return patchGeometry{}, errors.Errorf("patch embedding sizes must be positive, got img=%d patch=%d chans=%d embed=%d",
			imgSize, patchSize, inChans, embedSize)
	}
	if imgSize%patchSize != 0 {
		return patchGeometry{}, errors.Errorf("image size %d is not divisible by patch size %d", imgSize, patchSize)
	}
	grid := imgSize / patchSize
	return patchGeometry{
		imgSize:    imgSize,
		patchSize:  patchSize,
		inChans:    inChans,
		grid:       grid,
		numPatches: grid * grid,
	}, nil
}

// patchDim is the flattened length of one patch across channels.
func (g patchGeometry) patchDim() int { return g.inChans * g.patchSize * g.patchSize }

// images reads and validates a [B, C, H, W] input.
func (g patchGeometry) images(input *tensor.Tensor) ([]float64, int, error) {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != g.inChans || shape[2] != g.imgSize || shape[3] != g.imgSize {
		return nil, 0, errors.Errorf("input must be [batch, %d, %d, %d], got %v", g.inChans, g.imgSize, g.imgSize, shape)
	}
	data, err := input.Float64s()
	if err != nil {
		return nil, 0, err
	}
	return data, shape[0], nil
}

// extract lays out every patch as a row ordered like a [C, P, P] kernel,
// patches enumerated batch first then row-major over the grid.
func (g patchGeometry) extract(images []float64, batch int) []float64 {
	p, d := g.patchSize, g.patchDim()
	out := make([]float64, batch*g.numPatches*d)
	plane := g.imgSize * g.imgSize
	for b := 0; b < batch; b++ {
		for gy := 0; gy < g.grid; gy++ {
			for gx := 0; gx < g.grid; gx++ {
				row := out[((b*g.numPatches)+gy*g.grid+gx)*d:]
				for c := 0; c < g.inChans; c++ {
					base := (b*g.inChans + c) * plane
					for py := 0; py < p; py++ {
						src := base + (gy*p+py)*g.imgSize + gx*p
						copy(row[(c*p+py)*p:(c*p+py+1)*p], images[src:src+p])
					}
				}
			}
		}
	}
	return out
}

// forward projects patches with a [E, C, P, P] kernel and arranges the
// result.
func (g patchGeometry) forward(images []float64, batch int, weight, bias, cls, pos []float64, embed int, flatten bool) ([]float64, []int) {
	proj := linearForward(g.extract(images, batch), batch*g.numPatches, g.patchDim(), weight, embed, bias)
	return g.arrange(proj, batch, cls, pos, embed, flatten)
}

// arrange turns [B*N, E] patch projections into the layer output. With
// flatten the result is [B, N+1, E]: the class token followed by the
// patches, plus the position embedding. Otherwise it is the raw
// [B, E, grid, grid] map.
func (g patchGeometry) arrange(proj []float64, batch int, cls, pos []float64, embed int, flatten bool) ([]float64, []int) {
	n := g.numPatches
	if !flatten {
		out := make([]float64, len(proj))
		for b := 0; b < batch; b++ {
			for i := 0; i < n; i++ {
				for e := 0; e < embed; e++ {
					out[(b*embed+e)*n+i] = proj[(b*n+i)*embed+e]
				}
			}
		}
		return out, []int{batch, embed, g.grid, g.grid}
	}

	out := make([]float64, batch*(n+1)*embed)
	for b := 0; b < batch; b++ {
		dst := out[b*(n+1)*embed:]
		for e := 0; e < embed; e++ {
			dst[e] = cls[e] + pos[e]
		}
		for i := 0; i < n; i++ {
			for e := 0; e < embed; e++ {
				dst[(i+1)*embed+e] = proj[(b*n+i)*embed+e] + pos[(i+1)*embed+e]
			}
		}
	}
	return out, []int{batch, n + 1, embed}
}

// PatchEmbedding represents a single-device vision patch embedding
type PatchEmbedding struct {
	geometry  patchGeometry
	embedSize int
	flatten   bool
	proj      *Linear
	clsToken  *tensor.Tensor
	posEmbed  *tensor.Tensor
}

// NewPatchEmbedding creates and initializes a patch embedding.
func NewPatchEmbedding(imgSize, patchSize, inChans, embedSize int, opts PatchEmbeddingOptions) (*PatchEmbedding, error) {
	g, err := newPatchGeometry(imgSize, patchSize, inChans, embedSize)
	if err != nil {
		return nil, err
	}
	dtype := opts.dtype()
	if err := tensor.CheckFloat(dtype); err != nil {
		return nil, err
	}

	dev := opts.Device
	proj, err := NewLinear(g.patchDim(), embedSize, true, dtype, dev)
	if err != nil {
		return nil, err
	}
	if _, err := proj.weight.Reshape(embedSize, inChans, patchSize, patchSize); err != nil {
		return nil, errors.Wrap(err, "reshape patch kernel")
	}
	cls, err := tensor.NewTensor([]int{1, 1, embedSize}, dtype, dev)
	if err != nil {
		return nil, err
	}
	pos, err := tensor.NewTensor([]int{1, g.numPatches + 1, embedSize}, dtype, dev)
	if err != nil {
		return nil, err
	}

	p := &PatchEmbedding{
		geometry:  g,
		embedSize: embedSize,
		flatten:   opts.Flatten,
		proj:      proj,
		clsToken:  cls,
		posEmbed:  pos,
	}
	if err := p.resetParameters(opts); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PatchEmbedding) resetParameters(opts PatchEmbeddingOptions) error {
	fanIn, fanOut := patchFans(p.geometry, p.embedSize)
	if opts.WeightInitializer != nil {
		if err := opts.WeightInitializer(p.proj.weight, fanIn, fanOut); err != nil {
			return errors.Wrap(err, "initialize patch weight")
		}
	}
	if opts.BiasInitializer != nil {
		if err := opts.BiasInitializer(p.proj.bias, fanIn, 0); err != nil {
			return errors.Wrap(err, "initialize patch bias")
		}
	}
	if opts.PositionEmbedInitializer != nil {
		if err := opts.PositionEmbedInitializer(p.posEmbed, 0, 0); err != nil {
			return errors.Wrap(err, "initialize position embedding")
		}
	}
	return nil
}

// patchFans mirrors the fans of a conv kernel [E, C, P, P].
func patchFans(g patchGeometry, embedSize int) (int, int) {
	field := g.patchSize * g.patchSize
	return g.inChans * field, embedSize * field
}

func (p *PatchEmbedding) Weight() *tensor.Tensor   { return p.proj.weight }
func (p *PatchEmbedding) Bias() *tensor.Tensor     { return p.proj.bias }
func (p *PatchEmbedding) PosEmbed() *tensor.Tensor { return p.posEmbed }
func (p *PatchEmbedding) ClsToken() *tensor.Tensor { return p.clsToken }

// Forward embeds a [B, C, H, W] batch of images
func (p *PatchEmbedding) Forward(_ context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	images, batch, err := p.geometry.images(input)
	if err != nil {
		return nil, err
	}
	dtype, dev := p.proj.weight.Dtype(), p.proj.weight.Device()
	patches, err := tensor.FromFloat64s([]int{batch * p.geometry.numPatches, p.geometry.patchDim()}, tensor.Float64, dev,
		p.geometry.extract(images, batch))
	if err != nil {
		return nil, err
	}
	projected, err := p.proj.Forward(patches)
	if err != nil {
		return nil, errors.Wrap(err, "patch projection")
	}
	params, err := readAll(projected, p.clsToken, p.posEmbed)
	if err != nil {
		return nil, err
	}
	out, shape := p.geometry.arrange(params[0], batch, params[1], params[2], p.embedSize, p.flatten)
	return tensor.FromFloat64s(shape, dtype, dev, out)
}

// FullParams returns the weight, bias, class token and position embedding.
func (p *PatchEmbedding) FullParams() ([][]float64, error) {
	return readAll(p.proj.weight, p.proj.bias, p.clsToken, p.posEmbed)
}

// LoadWeights loads every parameter from logical data
func (p *PatchEmbedding) LoadWeights(weight, bias, cls, pos []float64) error {
	if err := p.proj.LoadWeights(weight, bias); err != nil {
		return err
	}
	if err := p.clsToken.SetFloat64s(cls); err != nil {
		return errors.Wrap(err, "load class token")
	}
	if err := p.posEmbed.SetFloat64s(pos); err != nil {
		return errors.Wrap(err, "load position embedding")
	}
	return nil
}

func readAll(ts ...*tensor.Tensor) ([][]float64, error) {
	out := make([][]float64, len(ts))
	for i, t := range ts {
		v, err := t.Float64s()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
