package tensor

import (
	"fmt"
	"math"
)

// BatchNormParams carries the running statistics and hyperparameters of a
// 2-D batch normalization. RunningMean and RunningVar are updated in place
// when Training is set.
type BatchNormParams struct {
	RunningMean *Tensor
	RunningVar  *Tensor
	Training    bool
	Momentum    float32
	Eps         float32
}

type batchNormOp struct {
	inputs []*Tensor // x, gamma, beta
	xhat   []float32
	invStd []float32
	train  bool
}

func (op *batchNormOp) Inputs() []*Tensor { return op.inputs }

func (op *batchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	dy, err := floatData(gradOut, "BatchNorm2D backward")
	if err != nil {
		return nil, err
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	m := float32(n * hw)
	gd := gamma.Data.([]float32)

	dgamma := make([]float32, c)
	dbeta := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var sg, sgx float32
		for i := 0; i < n; i++ {
			base := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				sg += dy[base+j]
				sgx += dy[base+j] * op.xhat[base+j]
			}
		}
		dbeta[ch] = sg
		dgamma[ch] = sgx
	}

	grads := make([]*Tensor, 3)
	if x.requiresGrad {
		dx := make([]float32, len(dy))
		for ch := 0; ch < c; ch++ {
			scale := gd[ch] * op.invStd[ch]
			for i := 0; i < n; i++ {
				base := (i*c + ch) * hw
				for j := 0; j < hw; j++ {
					k := base + j
					if op.train {
						// dx = γ/σ · (dy - mean(dy) - x̂·mean(dy·x̂))
						dx[k] = scale * (dy[k] - dbeta[ch]/m - op.xhat[k]*dgamma[ch]/m)
					} else {
						dx[k] = scale * dy[k]
					}
				}
			}
		}
		if grads[0], err = NewTensor(x.Shape, Float32, dx); err != nil {
			return nil, err
		}
	}
	if gamma.requiresGrad {
		if grads[1], err = NewTensor(gamma.Shape, Float32, dgamma); err != nil {
			return nil, err
		}
	}
	if beta.requiresGrad {
		if grads[2], err = NewTensor(beta.Shape, Float32, dbeta); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// BatchNorm2DAutograd normalizes x [N, C, H, W] per channel. In training
// mode batch statistics are used and the running estimates are updated with
// an unbiased variance; otherwise the running estimates are used as-is.
func BatchNorm2DAutograd(x, gamma, beta *Tensor, params BatchNormParams) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	xd, err := floatData(x, "BatchNorm2D")
	if err != nil {
		return nil, err
	}
	gd, err := floatData(gamma, "BatchNorm2D")
	if err != nil {
		return nil, err
	}
	bd, err := floatData(beta, "BatchNorm2D")
	if err != nil {
		return nil, err
	}
	rm, err := floatData(params.RunningMean, "BatchNorm2D")
	if err != nil {
		return nil, err
	}
	rv, err := floatData(params.RunningVar, "BatchNorm2D")
	if err != nil {
		return nil, err
	}
	if len(gd) != c || len(bd) != c || len(rm) != c || len(rv) != c {
		return nil, fmt.Errorf("BatchNorm2D configured for %d features, input has %d channels", len(gd), c)
	}

	m := n * hw
	if params.Training && m < 2 {
		return nil, fmt.Errorf("BatchNorm2D expects more than 1 value per channel when training, got input shape %v", x.Shape)
	}

	mean := make([]float32, c)
	variance := make([]float32, c)
	if params.Training {
		for ch := 0; ch < c; ch++ {
			var sum float64
			for i := 0; i < n; i++ {
				base := (i*c + ch) * hw
				for j := 0; j < hw; j++ {
					sum += float64(xd[base+j])
				}
			}
			mu := sum / float64(m)
			var sq float64
			for i := 0; i < n; i++ {
				base := (i*c + ch) * hw
				for j := 0; j < hw; j++ {
					d := float64(xd[base+j]) - mu
					sq += d * d
				}
			}
			mean[ch] = float32(mu)
			variance[ch] = float32(sq / float64(m))

			unbiased := float32(sq / float64(m-1))
			rm[ch] = (1-params.Momentum)*rm[ch] + params.Momentum*mean[ch]
			rv[ch] = (1-params.Momentum)*rv[ch] + params.Momentum*unbiased
		}
	} else {
		copy(mean, rm)
		copy(variance, rv)
	}

	invStd := make([]float32, c)
	for ch := range invStd {
		invStd[ch] = float32(1 / math.Sqrt(float64(variance[ch]+params.Eps)))
	}

	xhat := make([]float32, len(xd))
	out := make([]float32, len(xd))
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			base := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				k := base + j
				xhat[k] = (xd[k] - mean[ch]) * invStd[ch]
				out[k] = gd[ch]*xhat[k] + bd[ch]
			}
		}
	}

	result, err := NewTensor(x.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	op := &batchNormOp{inputs: []*Tensor{x, gamma, beta}, xhat: xhat, invStd: invStd, train: params.Training}
	return record(result, op, x, gamma, beta), nil
}
