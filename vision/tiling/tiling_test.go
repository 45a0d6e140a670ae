package tiling

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-histocv/tensor"
)

// ramp builds n single-channel side×side images with pixel (y, x) = y·side+x
// plus 1000·image.
func ramp(t *testing.T, n, side int) *tensor.Tensor {
	t.Helper()
	data := make([]float32, n*side*side)
	for i := 0; i < n; i++ {
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				data[i*side*side+y*side+x] = float32(1000*i + y*side + x)
			}
		}
	}
	batch, err := tensor.NewTensor([]int{n, 1, side, side}, tensor.Float32, data)
	require.NoError(t, err)
	return batch
}

func TestNew(t *testing.T) {
	two, err := New(2)
	require.NoError(t, err)
	assert.Equal(t, TwoRes, two.Kind())
	assert.Equal(t, 5, two.TilesPerImage())
	assert.Equal(t, []int{1, 4}, two.Groups())

	three, err := New(3)
	require.NoError(t, err)
	assert.Equal(t, ThreeRes, three.Kind())
	assert.Equal(t, 21, three.TilesPerImage())
	assert.Equal(t, 3, three.Resolutions())

	_, err = New(1)
	assert.True(t, errors.Is(err, ErrUnsupportedResolutions))
}

func TestTileGeometry(t *testing.T) {
	tiler, err := New(3)
	require.NoError(t, err)

	tiles, err := tiler.Tile(ramp(t, 2, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{42, 1, 2, 2}, tiles.Shape)

	at := func(row, y, x int) float32 {
		v, err := tiles.At(row, 0, y, x)
		require.NoError(t, err)
		return v
	}

	// Whole image averaged over 4×4 blocks.
	assert.Equal(t, float32(13.5), at(0, 0, 0))
	// Level 1, top-right crop, averaged over 2×2 blocks.
	assert.Equal(t, float32(8.5), at(2, 0, 0))
	// Level 2, bottom-right native crop.
	assert.Equal(t, float32(54), at(20, 0, 0))
	assert.Equal(t, float32(63), at(20, 1, 1))
	// Second image starts at row 21.
	assert.Equal(t, float32(1013.5), at(21, 0, 0))

	_, err = tiler.Tile(ramp(t, 1, 6))
	require.Error(t, err)
}

func TestAggregatePreservesImageCount(t *testing.T) {
	for _, res := range []int{2, 3} {
		tiler, err := New(res)
		require.NoError(t, err)
		for _, n := range []int{1, 3, 7} {
			tiles, err := tiler.Tile(ramp(t, n, 8))
			require.NoError(t, err)
			features, err := tiles.Reshape([]int{tiles.Shape[0], -1})
			require.NoError(t, err)

			concat, err := tiler.Aggregate(features, n, ConcatResolutions)
			require.NoError(t, err)
			assert.Equal(t, []int{n, 4 * res}, concat.Shape)
			assert.Equal(t, tiler.OutputWidth(4, ConcatResolutions), concat.Shape[1])

			pooled, err := tiler.Aggregate(features, n, MaxResolutions)
			require.NoError(t, err)
			assert.Equal(t, []int{n, 4}, pooled.Shape)
		}
	}
}

func TestAggregateRejectsWrongTileCount(t *testing.T) {
	tiler, err := New(2)
	require.NoError(t, err)
	features, err := tensor.Zeros([]int{12, 3}, tensor.Float32)
	require.NoError(t, err)

	_, err = tiler.Aggregate(features, 2, ConcatResolutions)
	assert.True(t, errors.Is(err, ErrTileCount))
	_, err = tiler.Aggregate(features, 0, MaxResolutions)
	assert.True(t, errors.Is(err, ErrTileCount))
}

func TestAggregateGradientReachesArgmaxTile(t *testing.T) {
	tiler, err := New(2)
	require.NoError(t, err)
	// One image, five tiles, one feature: the level-1 maximum is tile 3.
	features, err := tensor.NewTensor([]int{5, 1}, tensor.Float32, []float32{0.5, 0.1, 0.2, 0.9, 0.3})
	require.NoError(t, err)
	features.SetRequiresGrad(true)

	pooled, err := tiler.Aggregate(features, 1, MaxResolutions)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9}, pooled.Data.([]float32))

	loss, err := tensor.CrossEntropyAutograd(pooled, []int{0})
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	grad := features.Grad().Data.([]float32)
	for i, g := range grad {
		if i == 3 {
			continue
		}
		assert.Zero(t, g)
	}
}
