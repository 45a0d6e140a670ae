package preprocessing

import (
	"image"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-histocv/tensor"
)

// Transform turns a decoded image into a [3, Size, Size] model input.
// Deterministic transforms ignore rng and may be given nil.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) (*tensor.Tensor, error)
	Size() int
}

// Pipeline is a square-output transform. With Augment set it picks a random
// crop scale from Scales, then applies random flips, a random number of
// quarter turns and a brightness jitter of ±Jitter. Without Augment it only
// resizes and normalizes.
type Pipeline struct {
	Side         int
	Augment      bool
	Scales       []float64
	Jitter       float32
	Norm         Normalization
	Interpolator draw.Interpolator
}

// TrainTransform is the augmenting multi-scale pipeline for training views.
func TrainTransform(side int) *Pipeline {
	return &Pipeline{
		Side:         side,
		Augment:      true,
		Scales:       []float64{1, 0.875, 0.75},
		Jitter:       0.1,
		Norm:         ImageNet,
		Interpolator: draw.ApproxBiLinear,
	}
}

// ValTransform is the deterministic pipeline for validation views.
func ValTransform(side int) *Pipeline {
	return &Pipeline{
		Side:         side,
		Norm:         ImageNet,
		Interpolator: draw.ApproxBiLinear,
	}
}

func (p *Pipeline) Size() int { return p.Side }

func (p *Pipeline) Apply(img image.Image, rng *rand.Rand) (*tensor.Tensor, error) {
	if p.Side < 1 {
		return nil, errors.Errorf("transform side must be positive, got %d", p.Side)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	interp := p.Interpolator
	if interp == nil {
		interp = draw.ApproxBiLinear
	}
	if !p.Augment {
		return ToTensor(Resize(img, p.Side, p.Side, interp), p.Norm)
	}
	if rng == nil {
		return nil, ErrNeedRandomness
	}

	src := img
	if len(p.Scales) > 0 {
		src = randomCrop(img, p.Scales[rng.Intn(len(p.Scales))], rng)
	}
	out := Resize(src, p.Side, p.Side, interp)
	if rng.Intn(2) == 1 {
		out = FlipHorizontal(out)
	}
	if rng.Intn(2) == 1 {
		out = FlipVertical(out)
	}
	for r := rng.Intn(4); r > 0; r-- {
		out = Rotate90(out)
	}
	if p.Jitter > 0 {
		out = ScaleBrightness(out, 1+p.Jitter*(2*rng.Float32()-1))
	}
	return ToTensor(out, p.Norm)
}

// randomCrop takes a square of side scale·min(W, H) at a random position.
func randomCrop(img image.Image, scale float64, rng *rand.Rand) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}
	side = int(float64(side) * scale)
	if side < 1 {
		side = 1
	}
	x0 := b.Min.X + rng.Intn(b.Dx()-side+1)
	y0 := b.Min.Y + rng.Intn(b.Dy()-side+1)
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst
}
