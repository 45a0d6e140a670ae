// Package tiling turns each image of a batch into a fixed set of
// multi-resolution tiles and pools per-tile features back to one row per
// image.
package tiling

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
)

var (
	// ErrTileCount is returned when the feature rows handed to Aggregate are
	// not exactly numImages·TilesPerImage.
	ErrTileCount = errors.New("tile count does not match image count")
	// ErrUnsupportedResolutions is returned by New for counts other than 2 or 3.
	ErrUnsupportedResolutions = errors.New("unsupported number of resolutions")
)

// Kind tags the tiling variant.
type Kind int

const (
	TwoRes Kind = iota
	ThreeRes
)

func (k Kind) String() string {
	switch k {
	case TwoRes:
		return "two-resolution"
	case ThreeRes:
		return "three-resolution"
	default:
		return "unknown"
	}
}

// Mode selects how the per-resolution maxima are combined.
type Mode int

const (
	// ConcatResolutions concatenates the resolution maxima: (N, F·R).
	ConcatResolutions Mode = iota
	// MaxResolutions takes the maximum across resolutions: (N, F).
	MaxResolutions
)

func (m Mode) String() string {
	if m == ConcatResolutions {
		return "concat"
	}
	return "max"
}

// Downscale is the ratio between the image side and the tile side.
const Downscale = 4

// Tiler is the tile/aggregate pair for one variant. It is chosen once when a
// model is built.
type Tiler struct {
	kind   Kind
	levels []int
	groups []int
}

// New returns the tiler for the given number of resolution levels.
func New(resolutions int) (*Tiler, error) {
	switch resolutions {
	case 2:
		return &Tiler{kind: TwoRes, levels: []int{0, 1}, groups: []int{1, 4}}, nil
	case 3:
		return &Tiler{kind: ThreeRes, levels: []int{0, 1, 2}, groups: []int{1, 4, 16}}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedResolutions, "got %d, want 2 or 3", resolutions)
	}
}

func (t *Tiler) Kind() Kind         { return t.kind }
func (t *Tiler) Resolutions() int   { return len(t.levels) }
func (t *Tiler) TilesPerImage() int { return sum(t.groups) }

// Groups returns the number of tiles of each resolution, coarsest first.
func (t *Tiler) Groups() []int {
	return append([]int(nil), t.groups...)
}

// TileSide returns the tile side for an image of the given side.
func TileSide(imageSide int) int { return imageSide / Downscale }

// Tile maps an (N, C, H, W) batch to (N·T, C, H/4, W/4). Rows are
// image-major; within an image the coarsest level comes first and each
// level's crops are in row-major grid order. Level l splits the image into a
// 2^l × 2^l grid and area-averages every crop down to the tile side.
func (t *Tiler) Tile(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if len(batch.Shape) != 4 {
		return nil, fmt.Errorf("tiling expects 4D input [N, C, H, W], got shape %v", batch.Shape)
	}
	n, c, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2], batch.Shape[3]
	if h != w || h%Downscale != 0 || h == 0 {
		return nil, fmt.Errorf("tiling expects square images with side divisible by %d, got %dx%d", Downscale, h, w)
	}
	src, err := batch.Float32Data()
	if err != nil {
		return nil, err
	}

	side := h / Downscale
	tiles := t.TilesPerImage()
	tileSize := c * side * side
	out := make([]float32, n*tiles*tileSize)

	for img := 0; img < n; img++ {
		image := src[img*c*h*w : (img+1)*c*h*w]
		row := img * tiles
		for _, level := range t.levels {
			grid := 1 << level
			crop := h / grid
			factor := crop / side
			for gy := 0; gy < grid; gy++ {
				for gx := 0; gx < grid; gx++ {
					dst := out[row*tileSize : (row+1)*tileSize]
					areaDownsample(image, dst, c, h, w, gy*crop, gx*crop, side, factor)
					row++
				}
			}
		}
	}

	return tensor.NewTensor([]int{n * tiles, c, side, side}, tensor.Float32, out)
}

// areaDownsample averages factor×factor blocks of the crop starting at
// (y0, x0) into a side×side tile.
func areaDownsample(image, dst []float32, c, h, w, y0, x0, side, factor int) {
	inv := 1 / float32(factor*factor)
	for ch := 0; ch < c; ch++ {
		plane := image[ch*h*w : (ch+1)*h*w]
		for i := 0; i < side; i++ {
			for j := 0; j < side; j++ {
				var acc float32
				for a := 0; a < factor; a++ {
					base := (y0+i*factor+a)*w + x0 + j*factor
					for b := 0; b < factor; b++ {
						acc += plane[base+b]
					}
				}
				dst[ch*side*side+i*side+j] = acc * inv
			}
		}
	}
}

// Aggregate pools (numImages·T, F) tile features to one row per image. The
// image count must be the batch size seen before tiling.
func (t *Tiler) Aggregate(features *tensor.Tensor, numImages int, mode Mode) (*tensor.Tensor, error) {
	if len(features.Shape) != 2 {
		return nil, fmt.Errorf("aggregation expects 2D features [rows, F], got shape %v", features.Shape)
	}
	if numImages < 1 || features.Shape[0] != numImages*t.TilesPerImage() {
		return nil, errors.Wrapf(ErrTileCount, "%d rows for %d images of %d tiles",
			features.Shape[0], numImages, t.TilesPerImage())
	}
	reduce := tensor.ConcatGroups
	if mode == MaxResolutions {
		reduce = tensor.MaxGroups
	}
	return tensor.GroupMaxAutograd(features, numImages, t.groups, reduce)
}

// OutputWidth returns the aggregated feature width for F input features.
func (t *Tiler) OutputWidth(features int, mode Mode) int {
	if mode == ConcatResolutions {
		return features * t.Resolutions()
	}
	return features
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
