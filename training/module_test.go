package training

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-histocv/tensor"
)

func TestLinearLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	t.Run("forward shape and init bound", func(t *testing.T) {
		linear, err := NewLinear(16, 3, true, rng)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 16}, linear.Weight().Shape)
		for _, v := range linear.Weight().Data.([]float32) {
			assert.LessOrEqual(t, float64(v), 0.25)
			assert.GreaterOrEqual(t, float64(v), -0.25)
		}

		x, _ := tensor.RandomNormal([]int{5, 16}, 0, 1, rng)
		y, err := linear.Forward(EvalContext(), x)
		require.NoError(t, err)
		assert.Equal(t, []int{5, 3}, y.Shape)
		assert.False(t, y.RequiresGrad(), "inference must not record a graph")
	})

	t.Run("training context records gradients", func(t *testing.T) {
		linear, err := NewLinear(4, 2, true, rng)
		require.NoError(t, err)
		x, _ := tensor.RandomNormal([]int{3, 4}, 0, 1, rng)

		y, err := linear.Forward(TrainContext(rng), x)
		require.NoError(t, err)
		loss, err := tensor.CrossEntropyAutograd(y, []int{0, 1, 0})
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
		assert.NotNil(t, linear.Weight().Grad())
		assert.NotNil(t, linear.Bias().Grad())
	})

	t.Run("input size mismatch", func(t *testing.T) {
		linear, err := NewLinear(4, 2, false, rng)
		require.NoError(t, err)
		x, _ := tensor.Zeros([]int{1, 5}, tensor.Float32)
		_, err = linear.Forward(EvalContext(), x)
		require.Error(t, err)
	})
}

func TestSequentialNaming(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv, err := NewConv2D(3, 4, 3, 1, 1, false, rng)
	require.NoError(t, err)
	bn, err := NewBatchNorm2D(4, 0, 0)
	require.NoError(t, err)

	seq := NewSequential(conv, bn, NewReLU())
	names := []string{}
	buffers := 0
	for _, nt := range seq.NamedTensors("layer1") {
		names = append(names, nt.Name)
		if nt.Buffer {
			buffers++
		}
	}
	assert.Equal(t, []string{
		"layer1.0.weight",
		"layer1.1.weight",
		"layer1.1.bias",
		"layer1.1.running_mean",
		"layer1.1.running_var",
	}, names)
	assert.Equal(t, 2, buffers)
	assert.Len(t, seq.Parameters(), 3)
}

func TestBatchNormModes(t *testing.T) {
	bn, err := NewBatchNorm2D(2, 1e-5, 0.1)
	require.NoError(t, err)
	x, _ := tensor.RandomNormal([]int{4, 2, 3, 3}, 2, 1, rand.New(rand.NewSource(3)))

	_, err = bn.Forward(EvalContext(), x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, bn.RunningMean().Data.([]float32), "eval must not touch running stats")
	assert.Equal(t, []float32{0, 0}, bn.Beta().Data.([]float32))

	_, err = bn.Forward(TrainContext(rand.New(rand.NewSource(1))), x)
	require.NoError(t, err)
	for _, v := range bn.RunningMean().Data.([]float32) {
		assert.Greater(t, v, float32(0))
	}
}

func TestDropoutModes(t *testing.T) {
	d, err := NewDropout(0.5)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), d.P())
	x, _ := tensor.Ones([]int{2, 50}, tensor.Float32)

	y, err := d.Forward(EvalContext(), x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	y, err = d.Forward(TrainContext(rand.New(rand.NewSource(4))), x)
	require.NoError(t, err)
	zeros := 0
	for _, v := range y.Data.([]float32) {
		if v == 0 {
			zeros++
		}
	}
	assert.Greater(t, zeros, 0)

	_, err = NewDropout(1)
	require.Error(t, err)
}

func TestExecContextParam(t *testing.T) {
	p, _ := tensor.Ones([]int{2}, tensor.Float32)
	p.SetRequiresGrad(true)

	assert.Same(t, p, TrainContext(nil).Param(p))
	detached := EvalContext().Param(p)
	assert.NotSame(t, p, detached)
	assert.False(t, detached.RequiresGrad())
	assert.Nil(t, EvalContext().Param(nil))
}

func TestKaimingInit(t *testing.T) {
	w, _ := tensor.Zeros([]int{64, 8, 3, 3}, tensor.Float32)
	require.NoError(t, KaimingNormalFanOut(w, rand.New(rand.NewSource(5))))

	var sum, sq float64
	data := w.Data.([]float32)
	for _, v := range data {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(data))
	std := sq/n - (sum/n)*(sum/n)
	// expected variance 2/(64·3·3)
	assert.InDelta(t, 2.0/576.0, std, 0.0008)

	bad, _ := tensor.Zeros([]int{4, 4}, tensor.Float32)
	require.Error(t, KaimingNormalFanOut(bad, rand.New(rand.NewSource(1))))
}
