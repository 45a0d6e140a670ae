package training

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/tsawler/go-histocv/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor             // Learnable tensors, frozen or not
	NamedTensors(prefix string) []NamedTensor // Parameters and buffers under dotted names
}

// NamedTensor pairs a tensor with its state-dict name. Buffers are state
// that is saved and loaded but never optimized (running statistics).
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
	Buffer bool
}

// JoinName builds a dotted state-dict name.
func JoinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear implements a fully connected (dense) layer: y = xW^T + b
type Linear struct {
	weight *tensor.Tensor // [out, in]
	bias   *tensor.Tensor
}

// NewLinear creates a Linear layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Linear size %d -> %d", inputSize, outputSize)
	}
	bound := float32(1 / math.Sqrt(float64(inputSize)))

	weight, err := tensor.RandomUniform([]int{outputSize, inputSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight}

	if bias {
		biasT, err := tensor.RandomUniform([]int{outputSize}, -bound, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW^T + b
func (l *Linear) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.InFeatures() {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.InFeatures(), input.Shape[1])
	}
	return tensor.LinearAutograd(input, ctx.Param(l.weight), ctx.Param(l.bias))
}

// Parameters returns the weight and, when present, the bias
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) NamedTensors(prefix string) []NamedTensor {
	named := []NamedTensor{{Name: JoinName(prefix, "weight"), Tensor: l.weight}}
	if l.bias != nil {
		named = append(named, NamedTensor{Name: JoinName(prefix, "bias"), Tensor: l.bias})
	}
	return named
}

func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }
func (l *Linear) InFeatures() int        { return l.weight.Shape[1] }
func (l *Linear) OutFeatures() int       { return l.weight.Shape[0] }

// ReLU implements ReLU activation function module
type ReLU struct{}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor              { return nil }
func (r *ReLU) NamedTensors(prefix string) []NamedTensor { return nil }

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	weight  *tensor.Tensor // [out, in, k, k]
	bias    *tensor.Tensor
	stride  int
	padding int
}

// NewConv2D creates a Conv2D layer with weights drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)), fan_in = in·k·k.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, rng *rand.Rand) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid Conv2D configuration %d -> %d, kernel %d", inputChannels, outputChannels, kernelSize)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid Conv2D stride %d / padding %d", stride, padding)
	}
	fanIn := float64(inputChannels * kernelSize * kernelSize)
	bound := float32(1 / math.Sqrt(fanIn))

	// Weight shape: [output_channels, input_channels, kernel_height, kernel_width]
	weight, err := tensor.RandomUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:  weight,
		stride:  stride,
		padding: padding,
	}

	if bias {
		biasT, err := tensor.RandomUniform([]int{outputChannels}, -bound, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	params := tensor.Conv2DParams{Stride: c.stride, Padding: c.padding}
	return tensor.Conv2DAutograd(input, ctx.Param(c.weight), ctx.Param(c.bias), params)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) NamedTensors(prefix string) []NamedTensor {
	named := []NamedTensor{{Name: JoinName(prefix, "weight"), Tensor: c.weight}}
	if c.bias != nil {
		named = append(named, NamedTensor{Name: JoinName(prefix, "bias"), Tensor: c.bias})
	}
	return named
}

func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }
func (c *Conv2D) Stride() int            { return c.stride }
func (c *Conv2D) Padding() int           { return c.padding }

// BatchNorm2D implements per-channel batch normalization for [N, C, H, W]
// inputs. Running statistics are buffers owned by the layer.
type BatchNorm2D struct {
	numFeatures int
	eps         float32
	momentum    float32
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
}

// NewBatchNorm2D creates a batch normalization layer with scale 1, offset 0,
// running mean 0 and running variance 1.
func NewBatchNorm2D(numFeatures int, eps, momentum float32) (*BatchNorm2D, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid BatchNorm2D feature count %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean tensor: %v", err)
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance tensor: %v", err)
	}

	return &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
	}, nil
}

// Forward normalizes with batch statistics in training mode and with the
// running statistics otherwise.
func (bn *BatchNorm2D) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	params := tensor.BatchNormParams{
		RunningMean: bn.runningMean,
		RunningVar:  bn.runningVar,
		Training:    ctx.Training(),
		Momentum:    bn.momentum,
		Eps:         bn.eps,
	}
	return tensor.BatchNorm2DAutograd(input, ctx.Param(bn.gamma), ctx.Param(bn.beta), params)
}

func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm2D) NamedTensors(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: JoinName(prefix, "weight"), Tensor: bn.gamma},
		{Name: JoinName(prefix, "bias"), Tensor: bn.beta},
		{Name: JoinName(prefix, "running_mean"), Tensor: bn.runningMean, Buffer: true},
		{Name: JoinName(prefix, "running_var"), Tensor: bn.runningVar, Buffer: true},
	}
}

func (bn *BatchNorm2D) Gamma() *tensor.Tensor       { return bn.gamma }
func (bn *BatchNorm2D) Beta() *tensor.Tensor        { return bn.beta }
func (bn *BatchNorm2D) RunningMean() *tensor.Tensor { return bn.runningMean }
func (bn *BatchNorm2D) RunningVar() *tensor.Tensor  { return bn.runningVar }

// Sequential runs child modules in order. Children are named by position,
// matching the usual state-dict layout ("layer1.0.conv1.weight").
type Sequential struct {
	modules []Module
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

func (s *Sequential) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(ctx, output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) NamedTensors(prefix string) []NamedTensor {
	var named []NamedTensor
	for i, module := range s.modules {
		named = append(named, module.NamedTensors(JoinName(prefix, strconv.Itoa(i)))...)
	}
	return named
}

// Add appends a module
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Len() int { return len(s.modules) }

func (s *Sequential) Module(i int) Module { return s.modules[i] }

// MaxPool2D implements 2D max pooling
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, padding: padding}
}

func (m *MaxPool2D) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride, m.padding)
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor              { return nil }
func (m *MaxPool2D) NamedTensors(prefix string) []NamedTensor { return nil }

// GlobalAvgPool averages each feature map to 1×1, accepting any spatial size.
type GlobalAvgPool struct{}

func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{} }

func (g *GlobalAvgPool) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPoolAutograd(input)
}

func (g *GlobalAvgPool) Parameters() []*tensor.Tensor              { return nil }
func (g *GlobalAvgPool) NamedTensors(prefix string) []NamedTensor { return nil }

// Flatten reshapes [N, ...] to [N, prod(...)].
type Flatten struct{}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{}
}

func (f *Flatten) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}
	return tensor.ReshapeAutograd(input, []int{input.Shape[0], -1})
}

func (f *Flatten) Parameters() []*tensor.Tensor              { return nil }
func (f *Flatten) NamedTensors(prefix string) []NamedTensor { return nil }

// Dropout zeroes activations with probability p in training mode and is the
// identity in inference mode.
type Dropout struct {
	p float32
}

func NewDropout(p float32) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %f", p)
	}
	return &Dropout{p: p}, nil
}

func (d *Dropout) Forward(ctx *ExecContext, input *tensor.Tensor) (*tensor.Tensor, error) {
	if !ctx.Training() || d.p == 0 {
		return input, nil
	}
	return tensor.DropoutAutograd(input, d.p, ctx.Rng)
}

func (d *Dropout) Parameters() []*tensor.Tensor              { return nil }
func (d *Dropout) NamedTensors(prefix string) []NamedTensor { return nil }

func (d *Dropout) P() float32 { return d.p }
