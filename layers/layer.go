package layers

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
)

// ErrShapeMismatch is returned when two branches that must be summed, or a
// layer and its declared input, disagree on shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	BatchNorm
	GlobalAvgPool
	Flatten
	Residual
	Tile
	Aggregate
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Flatten:
		return "Flatten"
	case Residual:
		return "Residual"
	case Tile:
		return "Tile"
	case Aggregate:
		return "Aggregate"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It carries no weights; the model
// builder compiles a list of specs to check shapes before any tensor is
// allocated.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Residual blocks only: the summed branches. An empty Skip is the identity.
	Main []LayerSpec `json:"main,omitempty"`
	Skip []LayerSpec `json:"skip,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled list of layer specs.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification
func (lf *LayerFactory) CreateBatchNormSpec(numFeatures int, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"affine":       true,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}}
}

// CreateResidualSpec creates a residual block whose output is the sum of the
// main and skip branches.
func (lf *LayerFactory) CreateResidualSpec(main, skip []LayerSpec, name string) LayerSpec {
	return LayerSpec{
		Type:       Residual,
		Name:       name,
		Parameters: map[string]interface{}{},
		Main:       main,
		Skip:       skip,
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	factory    *LayerFactory
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
		factory:    NewFactory(),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDenseSpec(outputSize, useBias, name))
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv2DSpec(outputChannels, kernelSize, stride, padding, useBias, name))
}

// AddBatchNorm adds a Batch Normalization layer to the model
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBatchNormSpec(numFeatures, name))
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateReLUSpec(name))
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride, padding int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
		},
	})
}

// AddGlobalAvgPool averages each channel to 1x1
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name, Parameters: map[string]interface{}{}})
}

// AddFlatten collapses every dimension after the batch
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// AddResidual adds a block computing main(x) + skip(x). A nil skip is the
// identity.
func (mb *ModelBuilder) AddResidual(main, skip []LayerSpec, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateResidualSpec(main, skip, name))
}

// AddTile splits every image into tilesPerImage tiles of side 1/downscale of
// the input side. The batch dimension grows by tilesPerImage.
func (mb *ModelBuilder) AddTile(tilesPerImage, downscale int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Tile,
		Name: name,
		Parameters: map[string]interface{}{
			"tiles_per_image": tilesPerImage,
			"downscale":       downscale,
		},
	})
}

// AddAggregate pools the tile rows of each image back into one row. With
// concat set the per-group maxima are concatenated, otherwise they are
// reduced by another max.
func (mb *ModelBuilder) AddAggregate(groups []int, concat bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Aggregate,
		Name: name,
		Parameters: map[string]interface{}{
			"groups": append([]int(nil), groups...),
			"concat": concat,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("input shape is required")
	}

	model := &ModelSpec{
		InputShape: mb.inputShape,
	}

	layers, outputShape, paramShapes, total, err := compileLayers(mb.layers, mb.inputShape)
	if err != nil {
		return nil, err
	}

	model.Layers = layers
	model.OutputShape = outputShape
	model.ParameterShapes = paramShapes
	model.TotalParameters = total
	model.Compiled = true
	return model, nil
}

// compileLayers propagates a shape through a list of specs, returning
// annotated copies.
func compileLayers(specs []LayerSpec, inputShape []int) ([]LayerSpec, []int, [][]int, int64, error) {
	out := make([]LayerSpec, len(specs))
	currentShape := inputShape
	var allShapes [][]int
	var total int64

	for i := range specs {
		layer := specs[i]
		layer.Parameters = copyParams(layer.Parameters)
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, nil, nil, 0, errors.Wrapf(err, "layer %d (%s)", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		out[i] = layer

		allShapes = append(allShapes, paramShapes...)
		total += paramCount
		currentShape = outputShape
	}
	return out, currentShape, allShapes, total, nil
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("global average pooling requires 4D input, got %v", inputShape)
		}
		return []int{inputShape[0], inputShape[1], 1, 1}, nil, 0, nil
	case Flatten:
		size := 1
		for _, d := range inputShape[1:] {
			size *= d
		}
		return []int{inputShape[0], size}, nil, 0, nil
	case Residual:
		return computeResidualInfo(layer, inputShape)
	case Tile:
		return computeTileInfo(layer, inputShape)
	case Aggregate:
		return computeAggregateInfo(layer, inputShape)
	case ReLU, Dropout:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information. The input must already
// be flat: [batch, features].
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires 2D input, got %v", inputShape)
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	if declared := getIntParam(layer.Parameters, "input_size", 0); declared != 0 && declared != inputSize {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch, "dense layer declares %d inputs, receives %d", declared, inputSize)
	}
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [outputSize, inputSize]
	paramShapes := [][]int{{outputSize, inputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels or kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	if declared := getIntParam(layer.Parameters, "input_channels", 0); declared != 0 && declared != inputChannels {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch, "conv declares %d input channels, receives %d", declared, inputChannels)
	}
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := tensor.ConvOutputSize(inputShape[2], kernelSize, stride, padding)
	outputWidth := tensor.ConvOutputSize(inputShape[3], kernelSize, stride, padding)
	if inputShape[2]+2*padding < kernelSize || inputShape[3]+2*padding < kernelSize {
		return nil, nil, 0, fmt.Errorf("input %dx%d too small for kernel %d stride %d padding %d",
			inputShape[2], inputShape[3], kernelSize, stride, padding)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information.
// Running statistics are buffers and are not counted.
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires at least 2D input")
	}
	numFeatures := getIntParam(layer.Parameters, "num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch,
			"num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	var paramShapes [][]int
	var paramCount int64
	if getBoolParam(layer.Parameters, "affine", true) {
		paramShapes = [][]int{{numFeatures}, {numFeatures}}
		paramCount = int64(numFeatures * 2)
	}
	return append([]int(nil), inputShape...), paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("max pooling requires 4D input, got %v", inputShape)
	}
	k := getIntParam(layer.Parameters, "kernel_size", 2)
	s := getIntParam(layer.Parameters, "stride", k)
	p := getIntParam(layer.Parameters, "padding", 0)
	if inputShape[2]+2*p < k || inputShape[3]+2*p < k {
		return nil, nil, 0, fmt.Errorf("input %dx%d too small for pooling window %d", inputShape[2], inputShape[3], k)
	}
	h := tensor.ConvOutputSize(inputShape[2], k, s, p)
	w := tensor.ConvOutputSize(inputShape[3], k, s, p)
	return []int{inputShape[0], inputShape[1], h, w}, nil, 0, nil
}

// computeResidualInfo compiles both branches from the same input and
// requires their outputs to agree.
func computeResidualInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(layer.Main) == 0 {
		return nil, nil, 0, fmt.Errorf("residual block has an empty main branch")
	}
	main, mainShape, mainParams, mainCount, err := compileLayers(layer.Main, inputShape)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "main branch")
	}
	skip, skipShape, skipParams, skipCount, err := compileLayers(layer.Skip, inputShape)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "skip branch")
	}
	if !sameShape(mainShape, skipShape) {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch, "main branch produces %v, skip branch produces %v", mainShape, skipShape)
	}
	layer.Main = main
	layer.Skip = skip
	return mainShape, append(mainParams, skipParams...), mainCount + skipCount, nil
}

func computeTileInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("tiling requires 4D input, got %v", inputShape)
	}
	tiles := getIntParam(layer.Parameters, "tiles_per_image", 0)
	scale := getIntParam(layer.Parameters, "downscale", 0)
	if tiles <= 0 || scale <= 0 {
		return nil, nil, 0, fmt.Errorf("missing tiles_per_image or downscale parameter")
	}
	h, w := inputShape[2], inputShape[3]
	if h != w || h%scale != 0 {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch, "tiling needs square input divisible by %d, got %dx%d", scale, h, w)
	}
	return []int{inputShape[0] * tiles, inputShape[1], h / scale, w / scale}, nil, 0, nil
}

func computeAggregateInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("aggregation requires 2D input, got %v", inputShape)
	}
	groups, _ := layer.Parameters["groups"].([]int)
	if len(groups) == 0 {
		return nil, nil, 0, fmt.Errorf("missing groups parameter")
	}
	tiles := 0
	for _, g := range groups {
		tiles += g
	}
	if inputShape[0]%tiles != 0 {
		return nil, nil, 0, errors.Wrapf(ErrShapeMismatch, "%d rows is not a multiple of %d tiles per image", inputShape[0], tiles)
	}
	features := inputShape[1]
	if getBoolParam(layer.Parameters, "concat", false) {
		features *= len(groups)
	}
	return []int{inputShape[0] / tiles, features}, nil, 0, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %s\n", humanize.Comma(ms.TotalParameters))
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		writeLayer(&b, fmt.Sprintf("%d", i+1), layer, "")
	}
	return b.String()
}

func writeLayer(b *strings.Builder, label string, layer LayerSpec, indent string) {
	fmt.Fprintf(b, "%sLayer %s: %s (%s) %v -> %v, %s params\n", indent, label, layer.Name,
		layer.Type.String(), layer.InputShape, layer.OutputShape, humanize.Comma(layer.ParameterCount))
	for i, sub := range layer.Main {
		writeLayer(b, fmt.Sprintf("%s.main.%d", label, i), sub, indent+"  ")
	}
	for i, sub := range layer.Skip {
		writeLayer(b, fmt.Sprintf("%s.skip.%d", label, i), sub, indent+"  ")
	}
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}
