package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-histocv/tensor"
)

// KaimingNormalFanOut fills a convolution weight [out, in, kh, kw] from
// N(0, 2/fan_out) with fan_out = out·kh·kw, the ReLU-tuned scheme.
func KaimingNormalFanOut(weight *tensor.Tensor, rng *rand.Rand) error {
	if len(weight.Shape) != 4 {
		return fmt.Errorf("kaiming init expects a 4D convolution weight, got shape %v", weight.Shape)
	}
	fanOut := weight.Shape[0] * weight.Shape[2] * weight.Shape[3]
	return NormalInit(weight, float32(math.Sqrt(2/float64(fanOut))), rng)
}

// NormalInit fills t in place from N(0, std^2).
func NormalInit(t *tensor.Tensor, std float32, rng *rand.Rand) error {
	data, err := t.Float32Data()
	if err != nil {
		return err
	}
	if rng == nil {
		return fmt.Errorf("normal init requires a random source")
	}
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * std
	}
	return nil
}

// ConstantInit fills t in place with v.
func ConstantInit(t *tensor.Tensor, v float32) error {
	data, err := t.Float32Data()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = v
	}
	return nil
}
