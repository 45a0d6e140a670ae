package training

import (
	"fmt"

	"github.com/tsawler/go-histocv/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns a scalar loss connected to the graph of predicted.
	Forward(predicted *tensor.Tensor, targets []int) (*tensor.Tensor, error)
	Name() string
}

// CrossEntropyLoss implements softmax cross-entropy over integer class
// targets, averaged over the batch.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross-entropy loss function
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes L = -(1/N) Σ log softmax(z_i)[y_i]
func (ce *CrossEntropyLoss) Forward(predicted *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("CrossEntropyLoss expects predictions [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	return tensor.CrossEntropyAutograd(predicted, targets)
}

func (ce *CrossEntropyLoss) Name() string { return "CrossEntropy" }
