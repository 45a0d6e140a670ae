package tensor

import (
	"fmt"
	"math"
)

type maxPool2dOp struct {
	inputs []*Tensor
	argmax []int
}

func (op *maxPool2dOp) Inputs() []*Tensor { return op.inputs }

func (op *maxPool2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	dy, err := floatData(gradOut, "MaxPool2D backward")
	if err != nil {
		return nil, err
	}
	dx := make([]float32, op.inputs[0].NumElems)
	for i, src := range op.argmax {
		dx[src] += dy[i]
	}
	grad, err := NewTensor(op.inputs[0].Shape, Float32, dx)
	return []*Tensor{grad}, err
}

// MaxPool2DAutograd takes the maximum over kernel×kernel windows. Padded
// positions never win.
func MaxPool2DAutograd(x *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	if kernel < 1 || stride < 1 || padding < 0 || padding*2 > kernel {
		return nil, fmt.Errorf("invalid max pool kernel %d / stride %d / padding %d", kernel, stride, padding)
	}
	xd, err := floatData(x, "MaxPool2D")
	if err != nil {
		return nil, err
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := ConvOutputSize(h, kernel, stride, padding)
	ow := ConvOutputSize(w, kernel, stride, padding)
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("MaxPool2D output would be empty for input %v", x.Shape)
	}

	out := make([]float32, n*c*oh*ow)
	argmax := make([]int, len(out))
	for plane := 0; plane < n*c; plane++ {
		inBase := plane * h * w
		outBase := plane * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ki := 0; ki < kernel; ki++ {
					iy := oy*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					for kj := 0; kj < kernel; kj++ {
						ix := ox*stride - padding + kj
						if ix < 0 || ix >= w {
							continue
						}
						idx := inBase + iy*w + ix
						if bestIdx < 0 || xd[idx] > best {
							best = xd[idx]
							bestIdx = idx
						}
					}
				}
				o := outBase + oy*ow + ox
				out[o] = best
				argmax[o] = bestIdx
			}
		}
	}

	result, err := NewTensor([]int{n, c, oh, ow}, Float32, out)
	if err != nil {
		return nil, err
	}
	return record(result, &maxPool2dOp{inputs: []*Tensor{x}, argmax: argmax}, x), nil
}

type globalAvgPoolOp struct {
	inputs []*Tensor
}

func (op *globalAvgPoolOp) Inputs() []*Tensor { return op.inputs }

func (op *globalAvgPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	dy, err := floatData(gradOut, "GlobalAvgPool backward")
	if err != nil {
		return nil, err
	}
	x := op.inputs[0]
	hw := x.Shape[2] * x.Shape[3]
	inv := 1 / float32(hw)
	dx := make([]float32, x.NumElems)
	for plane, g := range dy {
		v := g * inv
		row := dx[plane*hw : (plane+1)*hw]
		for i := range row {
			row[i] = v
		}
	}
	grad, err := NewTensor(x.Shape, Float32, dx)
	return []*Tensor{grad}, err
}

// GlobalAvgPoolAutograd averages each channel plane, producing [N, C, 1, 1].
func GlobalAvgPoolAutograd(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	xd, err := floatData(x, "GlobalAvgPool")
	if err != nil {
		return nil, err
	}

	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := make([]float32, n*c)
	for plane := range out {
		var sum float32
		for _, v := range xd[plane*hw : (plane+1)*hw] {
			sum += v
		}
		out[plane] = sum / float32(hw)
	}

	result, err := NewTensor([]int{n, c, 1, 1}, Float32, out)
	if err != nil {
		return nil, err
	}
	return record(result, &globalAvgPoolOp{inputs: []*Tensor{x}}, x), nil
}
