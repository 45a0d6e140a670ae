package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensor(t *testing.T) {
	t.Run("valid float tensor", func(t *testing.T) {
		x, err := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 1}, x.Strides)
		assert.Equal(t, 6, x.NumElems)
		v, err := x.At(1, 2)
		require.NoError(t, err)
		assert.Equal(t, float32(6), v)
	})

	t.Run("int32 tensor", func(t *testing.T) {
		x, err := NewTensor([]int{3}, Int32, []int32{4, 5, 6})
		require.NoError(t, err)
		d, err := x.Int32Data()
		require.NoError(t, err)
		assert.Equal(t, []int32{4, 5, 6}, d)
		assert.Equal(t, 3, x.Numel())
		assert.Equal(t, 1, x.Dim())

		f, _ := Zeros([]int{2, 2}, Float32)
		_, err = f.Int32Data()
		assert.Error(t, err)
		assert.Equal(t, 2, f.Dim())
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3})
		require.Error(t, err)
	})

	t.Run("non-positive dimension", func(t *testing.T) {
		_, err := Zeros([]int{2, 0}, Float32)
		require.Error(t, err)
	})

	t.Run("shape is copied", func(t *testing.T) {
		shape := []int{2, 2}
		x, err := Zeros(shape, Float32)
		require.NoError(t, err)
		shape[0] = 5
		assert.Equal(t, []int{2, 2}, x.Shape)
	})
}

func TestReshapeCloneDetach(t *testing.T) {
	x, err := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	x.SetRequiresGrad(true)

	t.Run("infer dimension", func(t *testing.T) {
		y, err := x.Reshape([]int{-1, 2})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, y.Shape)
	})

	t.Run("invalid reshape", func(t *testing.T) {
		_, err := x.Reshape([]int{4, 2})
		require.Error(t, err)
	})

	t.Run("clone owns storage", func(t *testing.T) {
		c, err := x.Clone()
		require.NoError(t, err)
		c.Data.([]float32)[0] = 42
		assert.Equal(t, float32(1), x.Data.([]float32)[0])
	})

	t.Run("detach shares storage without grad", func(t *testing.T) {
		d := x.Detach()
		assert.False(t, d.RequiresGrad())
		assert.True(t, d.IsLeaf())
		d.Data.([]float32)[1] = 7
		assert.Equal(t, float32(7), x.Data.([]float32)[1])
		x.Data.([]float32)[1] = 2
	})
}

func TestMatMulAndSoftmax(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, []float32{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, c.Data.([]float32))

	_, err = MatMul(a, a)
	require.Error(t, err)

	p, err := Softmax(c)
	require.NoError(t, err)
	pd := p.Data.([]float32)
	assert.InDelta(t, 1.0, float64(pd[0]+pd[1]), 1e-6)
	assert.InDelta(t, 1.0, float64(pd[2]+pd[3]), 1e-6)

	idx, err := ArgMax(c)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, idx)
}

func TestRandomIsSeeded(t *testing.T) {
	a, err := RandomNormal([]int{4, 4}, 0, 1, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	b, err := RandomNormal([]int{4, 4}, 0, 1, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	eq, err := a.Equal(b)
	require.NoError(t, err)
	assert.True(t, eq)

	_, err = RandomUniform([]int{2}, -1, 1, nil)
	require.Error(t, err)
}
