package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// record attaches op as the creator of out when any input requires
// gradients. Inference never builds a graph.
func record(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Backward runs reverse-mode differentiation from a single-element tensor
// and accumulates gradients into every reachable leaf that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element output, got shape %v", t.Shape)
	}
	return t.BackwardWithGradient(FromScalar(1))
}

// BackwardWithGradient is Backward with an explicit output gradient, for
// non-scalar outputs.
func (t *Tensor) BackwardWithGradient(grad *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}
	if grad.NumElems != t.NumElems {
		return fmt.Errorf("gradient has %d elements, output has %d", grad.NumElems, t.NumElems)
	}

	order := topoOrder(t)
	grads := map[*Tensor]*Tensor{t: grad}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.grad == nil {
				owned, err := g.Reshape(node.Shape)
				if err != nil {
					return err
				}
				if node.grad, err = owned.Clone(); err != nil {
					return err
				}
				node.grad.requiresGrad = false
			} else if err := addInto(node.grad, g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			prev, ok := grads[in]
			if !ok {
				grads[in] = inputGrads[j]
				continue
			}
			// Gradients may alias each other, so accumulate into a fresh buffer.
			sum, err := Add(prev, inputGrads[j])
			if err != nil {
				return fmt.Errorf("failed to accumulate gradient: %v", err)
			}
			grads[in] = sum
		}
	}
	return nil
}

func topoOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// addOp is element-wise addition of two same-shaped tensors.
type addOp struct {
	inputs []*Tensor
}

func (op *addOp) Inputs() []*Tensor { return op.inputs }

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

// AddAutograd adds two tensors of identical shape, recording the op.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return record(out, &addOp{inputs: []*Tensor{a, b}}, a, b), nil
}

type reluOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *reluOp) Inputs() []*Tensor { return op.inputs }

func (op *reluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := floatData(gradOut, "ReLU backward")
	if err != nil {
		return nil, err
	}
	y := op.output.Data.([]float32)

	// ∂ReLU(x)/∂x = 1 if x > 0, else 0
	dx := make([]float32, len(g))
	for i := range g {
		if y[i] > 0 {
			dx[i] = g[i]
		}
	}
	grad, err := NewTensor(op.inputs[0].Shape, Float32, dx)
	return []*Tensor{grad}, err
}

// ReLUAutograd applies max(x, 0).
func ReLUAutograd(x *Tensor) (*Tensor, error) {
	out, err := ReLU(x)
	if err != nil {
		return nil, err
	}
	return record(out, &reluOp{inputs: []*Tensor{x}, output: out}, x), nil
}

type reshapeOp struct {
	inputs []*Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Reshape(op.inputs[0].Shape)
	return []*Tensor{g}, err
}

// ReshapeAutograd reshapes x while keeping it in the graph.
func ReshapeAutograd(x *Tensor, shape []int) (*Tensor, error) {
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	out.requiresGrad = false
	return record(out, &reshapeOp{inputs: []*Tensor{x}}, x), nil
}

// linearOp computes y = x·Wᵀ + b with W laid out [out, in].
type linearOp struct {
	inputs []*Tensor // x, weight, bias (bias may be nil)
}

func (op *linearOp) Inputs() []*Tensor { return op.inputs }

func (op *linearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	g, err := floatData(gradOut, "Linear backward")
	if err != nil {
		return nil, err
	}
	n, in, out := x.Shape[0], x.Shape[1], w.Shape[0]
	grads := make([]*Tensor, 3)

	if x.requiresGrad {
		dx := make([]float32, n*in)
		gemm(false, false, n, in, out, 1, g, w.Data.([]float32), 0, dx)
		if grads[0], err = NewTensor(x.Shape, Float32, dx); err != nil {
			return nil, err
		}
	}
	if w.requiresGrad {
		dw := make([]float32, out*in)
		gemm(true, false, out, in, n, 1, g, x.Data.([]float32), 0, dw)
		if grads[1], err = NewTensor(w.Shape, Float32, dw); err != nil {
			return nil, err
		}
	}
	if b != nil && b.requiresGrad {
		db := make([]float32, out)
		for i := 0; i < n; i++ {
			for j := 0; j < out; j++ {
				db[j] += g[i*out+j]
			}
		}
		if grads[2], err = NewTensor(b.Shape, Float32, db); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// LinearAutograd computes x·Wᵀ + b for x [N, in], W [out, in], b [out].
// The bias may be nil.
func LinearAutograd(x, weight, bias *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects 2D input [batch_size, input_size], got shape %v", x.Shape)
	}
	if len(weight.Shape) != 2 || weight.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("input size mismatch: weight %v, input %v", weight.Shape, x.Shape)
	}
	xd, err := floatData(x, "Linear")
	if err != nil {
		return nil, err
	}
	wd, err := floatData(weight, "Linear")
	if err != nil {
		return nil, err
	}

	n, in, out := x.Shape[0], x.Shape[1], weight.Shape[0]
	y := make([]float32, n*out)
	if bias != nil {
		bd, err := floatData(bias, "Linear")
		if err != nil {
			return nil, err
		}
		if len(bd) != out {
			return nil, fmt.Errorf("bias size %d does not match output size %d", len(bd), out)
		}
		for i := 0; i < n; i++ {
			copy(y[i*out:(i+1)*out], bd)
		}
	}
	gemm(false, true, n, out, in, 1, xd, wd, 1, y)

	result, err := NewTensor([]int{n, out}, Float32, y)
	if err != nil {
		return nil, err
	}
	return record(result, &linearOp{inputs: []*Tensor{x, weight, bias}}, x, weight, bias), nil
}

type dropoutOp struct {
	inputs []*Tensor
	mask   []float32
}

func (op *dropoutOp) Inputs() []*Tensor { return op.inputs }

func (op *dropoutOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := floatData(gradOut, "Dropout backward")
	if err != nil {
		return nil, err
	}
	dx := make([]float32, len(g))
	for i := range g {
		dx[i] = g[i] * op.mask[i]
	}
	grad, err := NewTensor(op.inputs[0].Shape, Float32, dx)
	return []*Tensor{grad}, err
}

// DropoutAutograd zeroes each element with probability p and scales the
// survivors by 1/(1-p). Draws come from rng only.
func DropoutAutograd(x *Tensor, p float32, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %f", p)
	}
	if p == 0 {
		return x, nil
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout requires a random source")
	}
	xd, err := floatData(x, "Dropout")
	if err != nil {
		return nil, err
	}

	scale := 1 / (1 - p)
	mask := make([]float32, len(xd))
	out := make([]float32, len(xd))
	for i, v := range xd {
		if rng.Float32() >= p {
			mask[i] = scale
			out[i] = v * scale
		}
	}
	result, err := NewTensor(x.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return record(result, &dropoutOp{inputs: []*Tensor{x}, mask: mask}, x), nil
}

func softmaxRow(in, out []float32) {
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for j, v := range in {
		e := math.Exp(float64(v - maxVal))
		out[j] = float32(e)
		sum += e
	}
	for j := range out {
		out[j] = float32(float64(out[j]) / sum)
	}
}

type crossEntropyOp struct {
	inputs  []*Tensor
	probs   []float32
	targets []int
}

func (op *crossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *crossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	scale, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	logits := op.inputs[0]
	n, c := logits.Shape[0], logits.Shape[1]

	// ∂L/∂z = (softmax(z) - onehot(y)) / N
	dz := make([]float32, n*c)
	inv := scale / float32(n)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			v := op.probs[i*c+j]
			if j == op.targets[i] {
				v--
			}
			dz[i*c+j] = v * inv
		}
	}
	grad, err := NewTensor(logits.Shape, Float32, dz)
	return []*Tensor{grad}, err
}

// CrossEntropyAutograd returns the mean negative log-likelihood of the
// log-softmax of logits [N, C] against integer targets.
func CrossEntropyAutograd(logits *Tensor, targets []int) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects logits [batch, classes], got shape %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return nil, fmt.Errorf("got %d targets for batch of %d", len(targets), n)
	}
	zd, err := floatData(logits, "CrossEntropy")
	if err != nil {
		return nil, err
	}

	probs := make([]float32, n*c)
	var loss float64
	for i := 0; i < n; i++ {
		if targets[i] < 0 || targets[i] >= c {
			return nil, fmt.Errorf("target %d out of range [0, %d) at index %d", targets[i], c, i)
		}
		row := zd[i*c : (i+1)*c]
		softmaxRow(row, probs[i*c:(i+1)*c])

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxVal))
		}
		logProb := float64(row[targets[i]]-maxVal) - math.Log(sum)
		loss -= logProb
	}

	owned := make([]int, n)
	copy(owned, targets)
	result := FromScalar(float32(loss / float64(n)))
	return record(result, &crossEntropyOp{inputs: []*Tensor{logits}, probs: probs, targets: owned}, logits), nil
}
