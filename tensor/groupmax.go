package tensor

import (
	"fmt"
)

// GroupReduce selects how per-group maxima are combined.
type GroupReduce int

const (
	// ConcatGroups concatenates the group maxima along the feature axis.
	ConcatGroups GroupReduce = iota
	// MaxGroups takes the element-wise maximum of the group maxima.
	MaxGroups
)

func (r GroupReduce) String() string {
	switch r {
	case ConcatGroups:
		return "concat"
	case MaxGroups:
		return "max"
	default:
		return "unknown"
	}
}

type groupMaxOp struct {
	inputs []*Tensor
	argmax []int
}

func (op *groupMaxOp) Inputs() []*Tensor { return op.inputs }

func (op *groupMaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	dy, err := floatData(gradOut, "GroupMax backward")
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

// GroupMaxAutograd collapses x [numImages·T, F] back to one row per image.
// Rows are image-major, and each image's T rows are split into consecutive
// groups of the given sizes (sum(groups) == T). Within each group the
// element-wise maximum is taken; the group maxima are then combined by
// reduce, giving [numImages, F·len(groups)] for ConcatGroups and
// [numImages, F] for MaxGroups.
func GroupMaxAutograd(x *Tensor, numImages int, groups []int, reduce GroupReduce) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("GroupMax expects 2D input [rows, features], got shape %v", x.Shape)
	}
	if numImages < 1 {
		return nil, fmt.Errorf("GroupMax requires a positive image count, got %d", numImages)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("GroupMax requires at least one group")
	}
	perImage := 0
	for i, g := range groups {
		if g < 1 {
			return nil, fmt.Errorf("group %d has invalid size %d", i, g)
		}
		perImage += g
	}
	if x.Shape[0] != numImages*perImage {
		return nil, fmt.Errorf("GroupMax got %d rows, expected %d images × %d tiles = %d",
			x.Shape[0], numImages, perImage, numImages*perImage)
	}
	xd, err := floatData(x, "GroupMax")
	if err != nil {
		return nil, err
	}

	f := x.Shape[1]
	outWidth := f
	if reduce == ConcatGroups {
		outWidth = f * len(groups)
	} else if reduce != MaxGroups {
		return nil, fmt.Errorf("unsupported group reduction %d", reduce)
	}

	out := make([]float32, numImages*outWidth)
	argmax := make([]int, len(out))
	for n := 0; n < numImages; n++ {
		row := n * perImage
		for gi, size := range groups {
			for j := 0; j < f; j++ {
				bestIdx := row*f + j
				for t := 1; t < size; t++ {
					idx := (row+t)*f + j
					if xd[idx] > xd[bestIdx] {
						bestIdx = idx
					}
				}

				var o int
				if reduce == ConcatGroups {
					o = n*outWidth + gi*f + j
				} else {
					o = n*outWidth + j
					if gi > 0 && xd[argmax[o]] >= xd[bestIdx] {
						continue
					}
				}
				out[o] = xd[bestIdx]
				argmax[o] = bestIdx
			}
			row += size
		}
	}

	result, err := NewTensor([]int{numImages, outWidth}, Float32, out)
	if err != nil {
		return nil, err
	}
	return record(result, &groupMaxOp{inputs: []*Tensor{x}, argmax: argmax}, x), nil
}
