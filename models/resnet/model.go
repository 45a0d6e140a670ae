package resnet

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/checkpoints"
	"github.com/tsawler/go-histocv/layers"
	"github.com/tsawler/go-histocv/tensor"
	"github.com/tsawler/go-histocv/training"
	"github.com/tsawler/go-histocv/vision/tiling"
)

type forwardFunc func(ctx *training.ExecContext, x *tensor.Tensor, numImages int) (*tensor.Tensor, error)

// Model is a backbone with a classification head, optionally wrapped in a
// tile/aggregate pair. Its architecture is fixed by Build.
type Model struct {
	config     Config
	descriptor Descriptor
	spec       *layers.ModelSpec

	backbone *Backbone
	pool     *training.GlobalAvgPool
	flatten  *training.Flatten
	head     *Head
	tiler    *tiling.Tiler
	forward  forwardFunc

	trainable     []*tensor.Tensor
	policyApplied bool
	loadReport    *checkpoints.LoadReport
}

// Build assembles the model described by cfg. The shape plan is compiled
// before any tensor is allocated, so block and head mismatches surface here.
// Weights are initialized from cfg.Seed, pretrained backbone weights are
// loaded non-strictly when cfg.Pretrained is set, and the parameter policy
// (FineTuneHead when cfg.FineTune, TrainAll otherwise) is applied once.
func Build(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	plans := planStages(cfg.Block, cfg.Layers, cfg.BaseWidth)
	m := &Model{
		config:     cfg,
		descriptor: cfg.descriptor(),
		pool:       training.NewGlobalAvgPool(),
		flatten:    training.NewFlatten(),
	}
	if cfg.Variant.Tiled() {
		tiler, err := tiling.New(cfg.Resolutions)
		if err != nil {
			return nil, err
		}
		m.tiler = tiler
	}

	spec, err := m.compileSpec(plans)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", cfg.Variant, cfg.Block)
	}
	m.spec = spec

	rng := rand.New(rand.NewSource(cfg.Seed))
	if m.backbone, err = newBackbone(cfg.Block, plans, cfg.InChannels, cfg.BaseWidth, rng); err != nil {
		return nil, err
	}
	headIn := m.backbone.OutChannels()
	if m.tiler != nil && cfg.Timing == PoolBeforeHead {
		headIn = m.tiler.OutputWidth(headIn, tiling.ConcatResolutions)
	}
	m.head, err = newHead(headIn, cfg.HiddenUnits, cfg.NumClasses, cfg.Dropout, cfg.Variant.HeadLayers() == 2, m.headName(), rng)
	if err != nil {
		return nil, err
	}

	if err := m.backbone.initWeights(rng); err != nil {
		return nil, err
	}
	if cfg.Variant != Plain {
		if err := m.head.initSmallNormal(rng); err != nil {
			return nil, err
		}
	}

	switch {
	case m.tiler == nil:
		m.forward = m.forwardPlain
	case cfg.Timing == PoolAfterHead:
		m.forward = m.forwardPoolAfter
	default:
		m.forward = m.forwardPoolBefore
	}

	if cfg.Pretrained != "" {
		if err := m.loadPretrained(cfg.Pretrained); err != nil {
			return nil, err
		}
	}

	policy := TrainAll
	if cfg.FineTune {
		policy = FineTuneHead
	}
	if err := m.ApplyPolicy(policy); err != nil {
		return nil, err
	}
	return m, nil
}

// headName keeps the layer names of the published variants: the plain
// network's single layer is "fc", the tiled one's is "fc1".
func (m *Model) headName() string {
	if m.config.Variant == Plain {
		return "fc"
	}
	return "fc1"
}

func (m *Model) compileSpec(plans [4][]blockPlan) (*layers.ModelSpec, error) {
	cfg := m.config
	mb := layers.NewModelBuilder([]int{1, cfg.InChannels, cfg.InputSize, cfg.InputSize})
	if m.tiler != nil {
		mb.AddTile(m.tiler.TilesPerImage(), tiling.Downscale, "tiling")
	}
	backboneSpec(mb, cfg.Block, plans, cfg.BaseWidth)
	mb.AddGlobalAvgPool("avgpool").AddFlatten("flatten")

	if m.tiler != nil && cfg.Timing == PoolBeforeHead {
		mb.AddAggregate(m.tiler.Groups(), true, "aggregate")
	}
	if cfg.Variant.HeadLayers() == 2 {
		mb.AddDense(cfg.HiddenUnits, true, "fc1").
			AddDropout(cfg.Dropout, "dropout").
			AddReLU("relu").
			AddDense(cfg.NumClasses, true, "fc2")
	} else {
		mb.AddDense(cfg.NumClasses, true, m.headName())
	}
	if m.tiler != nil && cfg.Timing == PoolAfterHead {
		mb.AddAggregate(m.tiler.Groups(), false, "aggregate")
	}
	return mb.Compile()
}

func (m *Model) loadPretrained(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return errors.Wrap(err, "pretrained weights")
	}
	report, err := checkpoints.LoadWeights(m.backbone.NamedTensors(""), ckpt.Weights, false)
	if err != nil {
		return errors.Wrap(err, "pretrained weights")
	}
	m.loadReport = report
	return nil
}

// features runs backbone, global pooling and flattening: (B, F).
func (m *Model) features(ctx *training.ExecContext, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.backbone.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	if out, err = m.pool.Forward(ctx, out); err != nil {
		return nil, err
	}
	return m.flatten.Forward(ctx, out)
}

func (m *Model) forwardPlain(ctx *training.ExecContext, x *tensor.Tensor, _ int) (*tensor.Tensor, error) {
	feats, err := m.features(ctx, x)
	if err != nil {
		return nil, err
	}
	return m.head.Forward(ctx, feats)
}

func (m *Model) forwardPoolBefore(ctx *training.ExecContext, x *tensor.Tensor, numImages int) (*tensor.Tensor, error) {
	tiles, err := m.tiler.Tile(x)
	if err != nil {
		return nil, err
	}
	feats, err := m.features(ctx, tiles)
	if err != nil {
		return nil, err
	}
	pooled, err := m.tiler.Aggregate(feats, numImages, tiling.ConcatResolutions)
	if err != nil {
		return nil, err
	}
	return m.head.Forward(ctx, pooled)
}

func (m *Model) forwardPoolAfter(ctx *training.ExecContext, x *tensor.Tensor, numImages int) (*tensor.Tensor, error) {
	tiles, err := m.tiler.Tile(x)
	if err != nil {
		return nil, err
	}
	feats, err := m.features(ctx, tiles)
	if err != nil {
		return nil, err
	}
	scores, err := m.head.Forward(ctx, feats)
	if err != nil {
		return nil, err
	}
	return m.tiler.Aggregate(scores, numImages, tiling.MaxResolutions)
}

// Forward maps (N, C, H, W) images to (N, NumClasses) scores. The image
// count is taken before tiling and handed to the aggregation step.
func (m *Model) Forward(ctx *training.ExecContext, x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("model expects 4D input [N, C, H, W], got shape %v", x.Shape)
	}
	numImages := x.Shape[0]
	out, err := m.forward(ctx, x, numImages)
	if err != nil {
		return nil, errors.Wrapf(err, "%s forward", m.config.Variant)
	}
	if len(out.Shape) != 2 || out.Shape[0] != numImages || out.Shape[1] != m.config.NumClasses {
		return nil, errors.Errorf("%s forward produced %v for %d images", m.config.Variant, out.Shape, numImages)
	}
	return out, nil
}

// Parameters returns every learnable tensor, frozen or not.
func (m *Model) Parameters() []*tensor.Tensor {
	return append(m.backbone.Parameters(), m.head.Parameters()...)
}

// NamedTensors returns parameters and buffers under their state-dict names.
func (m *Model) NamedTensors(prefix string) []training.NamedTensor {
	return append(m.backbone.NamedTensors(prefix), m.head.NamedTensors(prefix)...)
}

// NumParameters counts learnable scalars.
func (m *Model) NumParameters() int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.NumElems)
	}
	return n
}

// TrainableParameters is the list chosen by the parameter policy. It is
// the only list an optimizer should be built from.
func (m *Model) TrainableParameters() []*tensor.Tensor {
	return append([]*tensor.Tensor(nil), m.trainable...)
}

func (m *Model) Backbone() *Backbone     { return m.backbone }
func (m *Model) Head() *Head             { return m.head }
func (m *Model) Tiler() *tiling.Tiler    { return m.tiler }
func (m *Model) Config() Config          { return m.config }
func (m *Model) Descriptor() Descriptor  { return m.descriptor }
func (m *Model) Spec() *layers.ModelSpec { return m.spec }
func (m *Model) NumClasses() int         { return m.config.NumClasses }

// PretrainedReport is nil unless Build loaded a checkpoint.
func (m *Model) PretrainedReport() *checkpoints.LoadReport { return m.loadReport }

// ParamStatus is one line of the trainability report.
type ParamStatus struct {
	Name      string
	Shape     []int
	Trainable bool
}

// TrainabilityReport lists every parameter (buffers excluded) with its
// trainability flag, in state-dict order.
func (m *Model) TrainabilityReport() []ParamStatus {
	var out []ParamStatus
	for _, nt := range m.NamedTensors("") {
		if nt.Buffer {
			continue
		}
		out = append(out, ParamStatus{Name: nt.Name, Shape: nt.Tensor.Shape, Trainable: nt.Tensor.RequiresGrad()})
	}
	return out
}

// Summary describes the architecture and parameter counts.
func (m *Model) Summary() string {
	d := m.descriptor
	var b strings.Builder
	fmt.Fprintf(&b, "Variant: %s, block: %s, layers: %v, head layers: %d\n", d.Variant, d.Block, d.Layers, d.HeadLayers)
	if d.Resolutions > 0 {
		fmt.Fprintf(&b, "Tiling: %s, %d tiles per image, pooling %s head\n",
			m.tiler.Kind(), m.tiler.TilesPerImage(), d.Timing)
	}
	var trainable int64
	for _, p := range m.trainable {
		trainable += int64(p.NumElems)
	}
	fmt.Fprintf(&b, "Trainable parameters: %s of %s\n", humanize.Comma(trainable), humanize.Comma(m.NumParameters()))
	b.WriteString(m.spec.Summary())
	return b.String()
}
