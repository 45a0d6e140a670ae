package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-histocv/tensor"
)

func TestCrossEntropyLoss(t *testing.T) {
	ce := NewCrossEntropyLoss()
	assert.Equal(t, "CrossEntropy", ce.Name())

	t.Run("uniform logits", func(t *testing.T) {
		logits, err := tensor.Zeros([]int{2, 4}, tensor.Float32)
		require.NoError(t, err)
		logits.SetRequiresGrad(true)

		loss, err := ce.Forward(logits, []int{1, 3})
		require.NoError(t, err)
		v, err := loss.Item()
		require.NoError(t, err)
		assert.InDelta(t, math.Log(4), float64(v), 1e-6)

		require.NoError(t, loss.Backward())
		g := logits.Grad().Data.([]float32)
		// (softmax - onehot) / N
		assert.InDelta(t, -0.375, float64(g[1]), 1e-6)
		assert.InDelta(t, 0.125, float64(g[0]), 1e-6)
		assert.InDelta(t, -0.375, float64(g[7]), 1e-6)
	})

	t.Run("confident prediction", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{1, 4}, tensor.Float32, []float32{0, 20, 0, 0})
		require.NoError(t, err)
		loss, err := ce.Forward(logits, []int{1})
		require.NoError(t, err)
		v, _ := loss.Item()
		assert.Less(t, float64(v), 1e-6)
	})

	t.Run("shape and target errors", func(t *testing.T) {
		flat, _ := tensor.Zeros([]int{4}, tensor.Float32)
		_, err := ce.Forward(flat, []int{0})
		assert.Error(t, err)

		logits, _ := tensor.Zeros([]int{2, 4}, tensor.Float32)
		_, err = ce.Forward(logits, []int{0})
		assert.Error(t, err)
		_, err = ce.Forward(logits, []int{0, 4})
		assert.Error(t, err)
	})
}
