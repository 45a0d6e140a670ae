package training

import (
	"math/rand"

	"github.com/tsawler/go-histocv/tensor"
)

// Mode selects layer behaviour that differs between training and inference
// (batch statistics, dropout).
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	default:
		return "unknown"
	}
}

// ExecContext is threaded through every Forward call. It replaces any
// process-wide train/eval toggle: two contexts can drive the same model
// without interfering, and nothing outlives the call that received it.
type ExecContext struct {
	Mode Mode
	// Grad records the autograd graph when set. Inference contexts leave
	// it false so parameters are read through detached views.
	Grad bool
	// Device names where computation runs. Only "cpu" is implemented.
	Device string
	// Rng drives stochastic layers. It is nil in inference contexts, which
	// makes any stochastic draw there an error rather than silent noise.
	Rng *rand.Rand
}

// TrainContext returns a context for a gradient-recording training step.
func TrainContext(rng *rand.Rand) *ExecContext {
	return &ExecContext{Mode: ModeTrain, Grad: true, Device: "cpu", Rng: rng}
}

// EvalContext returns a deterministic inference context.
func EvalContext() *ExecContext {
	return &ExecContext{Mode: ModeEval, Device: "cpu"}
}

func (c *ExecContext) Training() bool {
	return c != nil && c.Mode == ModeTrain
}

// Param returns the tensor a layer should compute with. Without Grad the
// parameter is detached so no graph is built.
func (c *ExecContext) Param(p *tensor.Tensor) *tensor.Tensor {
	if p == nil {
		return nil
	}
	if c == nil || !c.Grad {
		return p.Detach()
	}
	return p
}
