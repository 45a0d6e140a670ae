package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConv2DForward(t *testing.T) {
	x, _ := Ones([]int{1, 1, 3, 3}, Float32)
	w, _ := Ones([]int{1, 1, 3, 3}, Float32)

	y, err := Conv2DAutograd(x, w, nil, Conv2DParams{Stride: 1, Padding: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, y.Shape)
	// Each output counts the in-bounds neighbours.
	assert.Equal(t, []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}, y.Data.([]float32))

	y, err = Conv2DAutograd(x, w, nil, Conv2DParams{Stride: 2, Padding: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{4, 4, 4, 4}, y.Data.([]float32))

	bad, _ := Ones([]int{1, 2, 3, 3}, Float32)
	_, err = Conv2DAutograd(x, bad, nil, Conv2DParams{Stride: 1})
	require.Error(t, err)
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	x, _ := RandomNormal([]int{2, 2, 5, 5}, 0, 1, rng)
	w, _ := RandomNormal([]int{3, 2, 3, 3}, 0, 1, rng)
	b, _ := RandomNormal([]int{3}, 0, 1, rng)
	params := Conv2DParams{Stride: 2, Padding: 1}

	forward := func() (*Tensor, error) { return Conv2DAutograd(x, w, b, params) }

	t.Run("input", func(t *testing.T) { checkGradient(t, x, forward, 1e-2, 1e-2) })
	t.Run("weight", func(t *testing.T) { checkGradient(t, w, forward, 1e-2, 1e-2) })
	t.Run("bias", func(t *testing.T) { checkGradient(t, b, forward, 1e-2, 1e-2) })
}

func TestBatchNorm2D(t *testing.T) {
	newParams := func(c int, training bool) BatchNormParams {
		rm, _ := Zeros([]int{c}, Float32)
		rv, _ := Ones([]int{c}, Float32)
		return BatchNormParams{RunningMean: rm, RunningVar: rv, Training: training, Momentum: 0.1, Eps: 1e-5}
	}

	t.Run("training normalizes and updates running stats", func(t *testing.T) {
		x, _ := NewTensor([]int{2, 1, 1, 2}, Float32, []float32{1, 2, 3, 4})
		gamma, _ := Ones([]int{1}, Float32)
		beta, _ := Zeros([]int{1}, Float32)
		p := newParams(1, true)

		y, err := BatchNorm2DAutograd(x, gamma, beta, p)
		require.NoError(t, err)

		var mean float32
		for _, v := range y.Data.([]float32) {
			mean += v
		}
		assert.InDelta(t, 0, float64(mean/4), 1e-5)
		assert.InDelta(t, 0.25, float64(p.RunningMean.Data.([]float32)[0]), 1e-6)
		// unbiased variance of {1,2,3,4} is 5/3
		assert.InDelta(t, 0.9+0.1*5.0/3.0, float64(p.RunningVar.Data.([]float32)[0]), 1e-5)
	})

	t.Run("eval uses running stats only", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 1, 1, 2}, Float32, []float32{1, 2})
		gamma, _ := Ones([]int{1}, Float32)
		beta, _ := Zeros([]int{1}, Float32)
		p := newParams(1, false)

		y, err := BatchNorm2DAutograd(x, gamma, beta, p)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{1, 2}, y.Data.([]float32), 1e-4)
		assert.Equal(t, []float32{0}, p.RunningMean.Data.([]float32))
	})

	t.Run("single value per channel in training", func(t *testing.T) {
		x, _ := Ones([]int{1, 2, 1, 1}, Float32)
		gamma, _ := Ones([]int{2}, Float32)
		beta, _ := Zeros([]int{2}, Float32)
		_, err := BatchNorm2DAutograd(x, gamma, beta, newParams(2, true))
		require.Error(t, err)
	})

	t.Run("gradients", func(t *testing.T) {
		rng := rand.New(rand.NewSource(4))
		x, _ := RandomNormal([]int{3, 2, 2, 2}, 0, 1, rng)
		gamma, _ := RandomNormal([]int{2}, 1, 0.2, rng)
		beta, _ := RandomNormal([]int{2}, 0, 0.2, rng)

		for _, training := range []bool{true, false} {
			p := newParams(2, training)
			forward := func() (*Tensor, error) { return BatchNorm2DAutograd(x, gamma, beta, p) }
			checkGradient(t, x, forward, 1e-2, 2e-2)
			checkGradient(t, gamma, forward, 1e-2, 2e-2)
			checkGradient(t, beta, forward, 1e-2, 2e-2)
		}
	})
}

func TestPooling(t *testing.T) {
	t.Run("max pool values", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 1, 4, 4}, Float32, []float32{
			1, 2, 3, 4,
			5, 6, 7, 8,
			9, 10, 11, 12,
			13, 14, 15, 16,
		})
		y, err := MaxPool2DAutograd(x, 3, 2, 1)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
		assert.Equal(t, []float32{6, 8, 14, 16}, y.Data.([]float32))
	})

	t.Run("max pool gradients", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 2, 4, 4}, Float32, spacedValues(32, 2))
		forward := func() (*Tensor, error) { return MaxPool2DAutograd(x, 3, 2, 1) }
		checkGradient(t, x, forward, 1e-3, 1e-2)
	})

	t.Run("global average", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 2, 2, 2}, Float32, []float32{1, 2, 3, 4, 10, 10, 10, 10})
		y, err := GlobalAvgPoolAutograd(x)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 1, 1}, y.Shape)
		assert.Equal(t, []float32{2.5, 10}, y.Data.([]float32))

		forward := func() (*Tensor, error) { return GlobalAvgPoolAutograd(x) }
		checkGradient(t, x, forward, 1e-2, 1e-2)
	})
}

func TestGroupMax(t *testing.T) {
	// Two images, groups of 1 and 2 tiles, 2 features.
	x, _ := NewTensor([]int{6, 2}, Float32, []float32{
		1, 9, // image 0, group 0
		5, 0, // image 0, group 1
		2, 4,
		-1, -2, // image 1, group 0
		-3, 7, // image 1, group 1
		-5, 3,
	})

	t.Run("concat", func(t *testing.T) {
		y, err := GroupMaxAutograd(x, 2, []int{1, 2}, ConcatGroups)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4}, y.Shape)
		assert.Equal(t, []float32{1, 9, 5, 4, -1, -2, -3, 7}, y.Data.([]float32))
	})

	t.Run("max", func(t *testing.T) {
		y, err := GroupMaxAutograd(x, 2, []int{1, 2}, MaxGroups)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, y.Shape)
		assert.Equal(t, []float32{5, 9, -1, 7}, y.Data.([]float32))
	})

	t.Run("row count must match image count", func(t *testing.T) {
		_, err := GroupMaxAutograd(x, 3, []int{1, 2}, ConcatGroups)
		require.Error(t, err)
		_, err = GroupMaxAutograd(x, 1, []int{1, 2}, MaxGroups)
		require.Error(t, err)
	})

	t.Run("gradients", func(t *testing.T) {
		for _, reduce := range []GroupReduce{ConcatGroups, MaxGroups} {
			in, _ := NewTensor([]int{10, 3}, Float32, spacedValues(30, 8))
			forward := func() (*Tensor, error) { return GroupMaxAutograd(in, 2, []int{1, 4}, reduce) }
			checkGradient(t, in, forward, 1e-3, 1e-2)
		}
	})
}
