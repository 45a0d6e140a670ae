package resnet

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/layers"
	"github.com/tsawler/go-histocv/tensor"
	"github.com/tsawler/go-histocv/training"
)

// Block is a residual block: relu(main(x) + skip(x)). The main path is a
// chain of conv/bn pairs with ReLU between them; the skip path is either
// the identity or a 1x1 projection.
type Block struct {
	kind       BlockKind
	convs      []*training.Conv2D
	bns        []*training.BatchNorm2D
	downsample *training.Sequential
	relu       *training.ReLU
}

// needsProjection is the rule that decides a stage's first block.
func needsProjection(kind BlockKind, inplanes, planes, stride int) bool {
	return stride != 1 || inplanes != planes*kind.Expansion()
}

// blockSpec describes the block to the layer compiler. Names match the
// state-dict names of the block's tensors.
func blockSpec(kind BlockKind, inplanes, planes, stride int, project bool, name string) layers.LayerSpec {
	f := layers.NewFactory()
	var main []layers.LayerSpec
	switch kind {
	case Basic:
		main = []layers.LayerSpec{
			f.CreateConv2DSpec(planes, 3, stride, 1, false, "conv1"),
			f.CreateBatchNormSpec(planes, "bn1"),
			f.CreateReLUSpec("relu"),
			f.CreateConv2DSpec(planes, 3, 1, 1, false, "conv2"),
			f.CreateBatchNormSpec(planes, "bn2"),
		}
	default:
		out := planes * kind.Expansion()
		main = []layers.LayerSpec{
			f.CreateConv2DSpec(planes, 1, 1, 0, false, "conv1"),
			f.CreateBatchNormSpec(planes, "bn1"),
			f.CreateReLUSpec("relu"),
			f.CreateConv2DSpec(planes, 3, stride, 1, false, "conv2"),
			f.CreateBatchNormSpec(planes, "bn2"),
			f.CreateReLUSpec("relu"),
			f.CreateConv2DSpec(out, 1, 1, 0, false, "conv3"),
			f.CreateBatchNormSpec(out, "bn3"),
		}
	}
	var skip []layers.LayerSpec
	if project {
		out := planes * kind.Expansion()
		skip = []layers.LayerSpec{
			f.CreateConv2DSpec(out, 1, stride, 0, false, "downsample.0"),
			f.CreateBatchNormSpec(out, "downsample.1"),
		}
	}
	return f.CreateResidualSpec(main, skip, name)
}

// NewBlock builds one residual block. The block's shape plan is compiled
// first, so a main/skip disagreement (for example a strided block without a
// projection) fails here with layers.ErrShapeMismatch.
func NewBlock(kind BlockKind, inplanes, planes, stride int, project bool, rng *rand.Rand) (*Block, error) {
	if inplanes < 1 || planes < 1 || stride < 1 {
		return nil, errors.Errorf("invalid block %d -> %d planes, stride %d", inplanes, planes, stride)
	}
	probe := 4 * stride
	_, err := layers.NewModelBuilder([]int{1, inplanes, probe, probe}).
		AddLayer(blockSpec(kind, inplanes, planes, stride, project, "block")).
		Compile()
	if err != nil {
		return nil, err
	}
	return newBlock(kind, inplanes, planes, stride, project, rng)
}

// newBlock instantiates a block whose shapes have already been checked.
func newBlock(kind BlockKind, inplanes, planes, stride int, project bool, rng *rand.Rand) (*Block, error) {
	b := &Block{kind: kind, relu: training.NewReLU()}

	type convDef struct{ in, out, k, stride, pad int }
	var defs []convDef
	switch kind {
	case Basic:
		defs = []convDef{{inplanes, planes, 3, stride, 1}, {planes, planes, 3, 1, 1}}
	default:
		defs = []convDef{
			{inplanes, planes, 1, 1, 0},
			{planes, planes, 3, stride, 1},
			{planes, planes * kind.Expansion(), 1, 1, 0},
		}
	}
	for _, d := range defs {
		conv, err := training.NewConv2D(d.in, d.out, d.k, d.stride, d.pad, false, rng)
		if err != nil {
			return nil, err
		}
		bn, err := training.NewBatchNorm2D(d.out, 1e-5, 0.1)
		if err != nil {
			return nil, err
		}
		b.convs = append(b.convs, conv)
		b.bns = append(b.bns, bn)
	}

	if project {
		out := planes * kind.Expansion()
		conv, err := training.NewConv2D(inplanes, out, 1, stride, 0, false, rng)
		if err != nil {
			return nil, err
		}
		bn, err := training.NewBatchNorm2D(out, 1e-5, 0.1)
		if err != nil {
			return nil, err
		}
		b.downsample = training.NewSequential(conv, bn)
	}
	return b, nil
}

func (b *Block) Forward(ctx *training.ExecContext, x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	var err error
	for i := range b.convs {
		if out, err = b.convs[i].Forward(ctx, out); err != nil {
			return nil, errors.Wrapf(err, "conv%d", i+1)
		}
		if out, err = b.bns[i].Forward(ctx, out); err != nil {
			return nil, errors.Wrapf(err, "bn%d", i+1)
		}
		if i < len(b.convs)-1 {
			if out, err = b.relu.Forward(ctx, out); err != nil {
				return nil, err
			}
		}
	}

	residual := x
	if b.downsample != nil {
		if residual, err = b.downsample.Forward(ctx, x); err != nil {
			return nil, errors.Wrap(err, "downsample")
		}
	}
	sum, err := tensor.AddAutograd(out, residual)
	if err != nil {
		return nil, err
	}
	return b.relu.Forward(ctx, sum)
}

func (b *Block) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for i := range b.convs {
		params = append(params, b.convs[i].Parameters()...)
		params = append(params, b.bns[i].Parameters()...)
	}
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

func (b *Block) NamedTensors(prefix string) []training.NamedTensor {
	var named []training.NamedTensor
	for i := range b.convs {
		idx := strconv.Itoa(i + 1)
		named = append(named, b.convs[i].NamedTensors(training.JoinName(prefix, "conv"+idx))...)
		named = append(named, b.bns[i].NamedTensors(training.JoinName(prefix, "bn"+idx))...)
	}
	if b.downsample != nil {
		named = append(named, b.downsample.NamedTensors(training.JoinName(prefix, "downsample"))...)
	}
	return named
}

func (b *Block) Kind() BlockKind     { return b.kind }
func (b *Block) HasProjection() bool { return b.downsample != nil }

// initWeights applies the fan-out normal init to every convolution.
func (b *Block) initWeights(rng *rand.Rand) error {
	for _, conv := range b.convs {
		if err := training.KaimingNormalFanOut(conv.Weight(), rng); err != nil {
			return err
		}
	}
	if b.downsample != nil {
		conv := b.downsample.Module(0).(*training.Conv2D)
		return training.KaimingNormalFanOut(conv.Weight(), rng)
	}
	return nil
}
