package resnet

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/layers"
	"github.com/tsawler/go-histocv/tensor"
	"github.com/tsawler/go-histocv/training"
)

// Backbone is the stem followed by four residual stages. It maps
// (N, C, H, W) images to an (N, 8w·expansion, h, w) feature map.
type Backbone struct {
	conv1   *training.Conv2D
	bn1     *training.BatchNorm2D
	relu    *training.ReLU
	maxpool *training.MaxPool2D
	stages  [4]*training.Sequential
	blocks  [4][]*Block
	outC    int
}

// blockPlan is the geometry of one block; planStages derives it from the
// stage depths.
type blockPlan struct {
	inplanes, planes, stride int
	project                  bool
}

func planStages(kind BlockKind, depths [4]int, width int) [4][]blockPlan {
	var plans [4][]blockPlan
	inplanes := width
	for s := 0; s < 4; s++ {
		planes := width << s
		stride := 2
		if s == 0 {
			stride = 1
		}
		for b := 0; b < depths[s]; b++ {
			p := blockPlan{inplanes: inplanes, planes: planes, stride: 1}
			if b == 0 {
				p.stride = stride
				p.project = needsProjection(kind, inplanes, planes, stride)
			}
			plans[s] = append(plans[s], p)
			inplanes = planes * kind.Expansion()
		}
	}
	return plans
}

// backboneSpec appends the stem and stages to a layer builder.
func backboneSpec(mb *layers.ModelBuilder, kind BlockKind, plans [4][]blockPlan, width int) {
	mb.AddConv2D(width, 7, 2, 3, false, "conv1").
		AddBatchNorm(width, "bn1").
		AddReLU("relu").
		AddMaxPool2D(3, 2, 1, "maxpool")
	for s, stage := range plans {
		for b, p := range stage {
			mb.AddLayer(blockSpec(kind, p.inplanes, p.planes, p.stride, p.project, fmt.Sprintf("layer%d.%d", s+1, b)))
		}
	}
}

func newBackbone(kind BlockKind, plans [4][]blockPlan, inChannels, width int, rng *rand.Rand) (*Backbone, error) {
	conv1, err := training.NewConv2D(inChannels, width, 7, 2, 3, false, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := training.NewBatchNorm2D(width, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	bb := &Backbone{
		conv1:   conv1,
		bn1:     bn1,
		relu:    training.NewReLU(),
		maxpool: training.NewMaxPool2D(3, 2, 1),
	}
	for s, stage := range plans {
		bb.stages[s] = training.NewSequential()
		for _, p := range stage {
			block, err := newBlock(kind, p.inplanes, p.planes, p.stride, p.project, rng)
			if err != nil {
				return nil, errors.Wrapf(err, "layer%d", s+1)
			}
			bb.stages[s].Add(block)
			bb.blocks[s] = append(bb.blocks[s], block)
		}
	}
	bb.outC = (width << 3) * kind.Expansion()
	return bb, nil
}

func (bb *Backbone) Forward(ctx *training.ExecContext, x *tensor.Tensor) (*tensor.Tensor, error) {
	stem := []training.Module{bb.conv1, bb.bn1, bb.relu, bb.maxpool}
	out := x
	var err error
	for _, m := range stem {
		if out, err = m.Forward(ctx, out); err != nil {
			return nil, errors.Wrap(err, "stem")
		}
	}
	for s, stage := range bb.stages {
		if out, err = stage.Forward(ctx, out); err != nil {
			return nil, errors.Wrapf(err, "layer%d", s+1)
		}
	}
	return out, nil
}

func (bb *Backbone) Parameters() []*tensor.Tensor {
	params := append(bb.conv1.Parameters(), bb.bn1.Parameters()...)
	for _, stage := range bb.stages {
		params = append(params, stage.Parameters()...)
	}
	return params
}

// NamedTensors uses the published layout (conv1, bn1, layer1.0.conv1 ...)
// under prefix. Published weights are keyed with an empty prefix.
func (bb *Backbone) NamedTensors(prefix string) []training.NamedTensor {
	named := bb.conv1.NamedTensors(training.JoinName(prefix, "conv1"))
	named = append(named, bb.bn1.NamedTensors(training.JoinName(prefix, "bn1"))...)
	for s, stage := range bb.stages {
		named = append(named, stage.NamedTensors(training.JoinName(prefix, fmt.Sprintf("layer%d", s+1)))...)
	}
	return named
}

// OutChannels is the channel count of the final feature map.
func (bb *Backbone) OutChannels() int { return bb.outC }

// Blocks returns the blocks of stage s (0-based).
func (bb *Backbone) Blocks(s int) []*Block { return bb.blocks[s] }

func (bb *Backbone) initWeights(rng *rand.Rand) error {
	if err := training.KaimingNormalFanOut(bb.conv1.Weight(), rng); err != nil {
		return err
	}
	for _, stage := range bb.blocks {
		for _, b := range stage {
			if err := b.initWeights(rng); err != nil {
				return err
			}
		}
	}
	return nil
}
