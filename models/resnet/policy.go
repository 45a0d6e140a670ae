package resnet

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
)

var (
	// ErrPolicyApplied is returned when a parameter policy is applied to a
	// model that already has one.
	ErrPolicyApplied = errors.New("parameter policy already applied")
	// ErrNoTrainableParameters is returned when a policy leaves nothing to
	// optimize.
	ErrNoTrainableParameters = errors.New("policy selected no trainable parameters")
)

// ParameterPolicy marks each parameter of m trainable or frozen and returns
// the trainable ones in a stable order.
type ParameterPolicy func(m *Model) ([]*tensor.Tensor, error)

// TrainAll makes every parameter trainable.
func TrainAll(m *Model) ([]*tensor.Tensor, error) {
	params := m.Parameters()
	for _, p := range params {
		p.SetRequiresGrad(true)
	}
	return params, nil
}

// FineTuneHead freezes the backbone and leaves only the head layers
// trainable. Batch-norm running statistics are buffers and still update in
// training mode.
func FineTuneHead(m *Model) ([]*tensor.Tensor, error) {
	for _, p := range m.backbone.Parameters() {
		p.SetRequiresGrad(false)
	}
	head := m.head.Parameters()
	for _, p := range head {
		p.SetRequiresGrad(true)
	}
	return head, nil
}

// ApplyPolicy runs policy once. The resulting list is what
// TrainableParameters returns.
func (m *Model) ApplyPolicy(policy ParameterPolicy) error {
	if m.policyApplied {
		return ErrPolicyApplied
	}
	trainable, err := policy(m)
	if err != nil {
		return err
	}
	if len(trainable) == 0 {
		return ErrNoTrainableParameters
	}
	m.trainable = trainable
	m.policyApplied = true
	return nil
}
