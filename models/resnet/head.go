package resnet

import (
	"math/rand"

	"github.com/tsawler/go-histocv/tensor"
	"github.com/tsawler/go-histocv/training"
)

// Head maps pooled features to class scores: one linear layer, or
// linear → dropout → relu → linear.
type Head struct {
	fc1     *training.Linear
	dropout *training.Dropout
	relu    *training.ReLU
	fc2     *training.Linear
	names   []string
}

func newHead(in, hidden, classes int, dropout float32, twoLayer bool, name string, rng *rand.Rand) (*Head, error) {
	if !twoLayer {
		fc, err := training.NewLinear(in, classes, true, rng)
		if err != nil {
			return nil, err
		}
		return &Head{fc1: fc, names: []string{name}}, nil
	}
	fc1, err := training.NewLinear(in, hidden, true, rng)
	if err != nil {
		return nil, err
	}
	drop, err := training.NewDropout(dropout)
	if err != nil {
		return nil, err
	}
	fc2, err := training.NewLinear(hidden, classes, true, rng)
	if err != nil {
		return nil, err
	}
	return &Head{fc1: fc1, dropout: drop, relu: training.NewReLU(), fc2: fc2, names: []string{"fc1", "fc2"}}, nil
}

func (h *Head) Forward(ctx *training.ExecContext, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.fc1.Forward(ctx, x)
	if err != nil || h.fc2 == nil {
		return out, err
	}
	if out, err = h.dropout.Forward(ctx, out); err != nil {
		return nil, err
	}
	if out, err = h.relu.Forward(ctx, out); err != nil {
		return nil, err
	}
	return h.fc2.Forward(ctx, out)
}

func (h *Head) Parameters() []*tensor.Tensor {
	params := h.fc1.Parameters()
	if h.fc2 != nil {
		params = append(params, h.fc2.Parameters()...)
	}
	return params
}

func (h *Head) NamedTensors(prefix string) []training.NamedTensor {
	named := h.fc1.NamedTensors(training.JoinName(prefix, h.names[0]))
	if h.fc2 != nil {
		named = append(named, h.fc2.NamedTensors(training.JoinName(prefix, h.names[1]))...)
	}
	return named
}

// Layers returns the head's linear layers in forward order.
func (h *Head) Layers() []*training.Linear {
	if h.fc2 == nil {
		return []*training.Linear{h.fc1}
	}
	return []*training.Linear{h.fc1, h.fc2}
}

// InFeatures is the width the head expects.
func (h *Head) InFeatures() int { return h.fc1.InFeatures() }

// initSmallNormal sets every weight from N(0, 0.01²) and every bias to 0.
func (h *Head) initSmallNormal(rng *rand.Rand) error {
	for _, l := range h.Layers() {
		if err := training.NormalInit(l.Weight(), 0.01, rng); err != nil {
			return err
		}
		if err := training.ConstantInit(l.Bias(), 0); err != nil {
			return err
		}
	}
	return nil
}
