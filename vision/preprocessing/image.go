package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/tsawler/go-histocv/tensor"
)

var (
	// ErrEmptyImage is returned for images with no pixels.
	ErrEmptyImage = errors.New("image has no pixels")
	// ErrNeedRandomness is returned when an augmenting transform gets no rng.
	ErrNeedRandomness = errors.New("augmenting transform needs a random source")
)

// Decode reads a JPEG, PNG, BMP or TIFF image.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	if img.Bounds().Empty() {
		return nil, errors.Wrapf(ErrEmptyImage, "%s image", format)
	}
	return img, nil
}

// DecodeFile opens and decodes one image file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// DecodeFiles decodes paths concurrently with up to maxWorkers goroutines.
// Results keep the order of paths.
func DecodeFiles(paths []string, maxWorkers int) ([]image.Image, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]image.Image, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index], errs[j.index] = DecodeFile(j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}
	return results, nil
}

// Resize scales img to w×h.
func Resize(img image.Image, w, h int, interp draw.Interpolator) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA copies img into a zero-origin RGBA image.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FlipHorizontal mirrors the image left to right.
func FlipHorizontal(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(b.Max.X-1-(x-b.Min.X), y, src.RGBAAt(x, y))
		}
	}
	return dst
}

// FlipVertical mirrors the image top to bottom.
func FlipVertical(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(x, b.Max.Y-1-(y-b.Min.Y), src.RGBAAt(x, y))
		}
	}
	return dst
}

// Rotate90 rotates the image a quarter turn clockwise.
func Rotate90(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetRGBA(h-1-y, x, src.RGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// ScaleBrightness multiplies every color channel by f, clamping at 255.
func ScaleBrightness(src *image.RGBA, f float32) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	scale := func(v uint8) uint8 {
		s := float32(v) * f
		if s > 255 {
			return 255
		}
		if s < 0 {
			return 0
		}
		return uint8(s + 0.5)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.RGBAAt(x, y)
			dst.SetRGBA(x, y, color.RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A})
		}
	}
	return dst
}

// Normalization is a per-channel affine map applied after scaling pixels
// to [0, 1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNet is the normalization published backbones were trained with.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Identity leaves [0, 1] pixel values unchanged.
var Identity = Normalization{Std: [3]float32{1, 1, 1}}

// ToTensor lays the image out as a [3, H, W] float tensor.
func ToTensor(img *image.RGBA, norm Normalization) (*tensor.Tensor, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, ErrEmptyImage
	}
	for c, s := range norm.Std {
		if s == 0 {
			return nil, errors.Errorf("normalization std for channel %d is zero", c)
		}
	}
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			for c, v := range [3]uint8{px.R, px.G, px.B} {
				data[c*plane+idx] = (float32(v)/255 - norm.Mean[c]) / norm.Std[c]
			}
		}
	}
	return tensor.NewTensor([]int{3, h, w}, tensor.Float32, data)
}
