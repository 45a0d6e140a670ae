package resnet

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Option adjusts a named builder's configuration before Build.
type Option func(*Config)

func WithBaseWidth(w int) Option        { return func(c *Config) { c.BaseWidth = w } }
func WithResolutions(r int) Option      { return func(c *Config) { c.Resolutions = r } }
func WithSeed(seed int64) Option        { return func(c *Config) { c.Seed = seed } }
func WithPretrained(path string) Option { return func(c *Config) { c.Pretrained = path } }
func WithInputSize(side int) Option     { return func(c *Config) { c.InputSize = side } }
func WithInChannels(n int) Option       { return func(c *Config) { c.InChannels = n } }
func WithDropout(p float32) Option      { return func(c *Config) { c.Dropout = p } }
func WithHiddenUnits(n int) Option      { return func(c *Config) { c.HiddenUnits = n } }
func WithFineTune(on bool) Option       { return func(c *Config) { c.FineTune = on } }

func baseConfig(variant Variant, block BlockKind, depths [4]int, numClasses int) Config {
	cfg := DefaultConfig()
	cfg.Variant = variant
	cfg.Block = block
	cfg.Layers = depths
	cfg.NumClasses = numClasses
	// Every variant except the plain network is a fine-tuning recipe.
	cfg.FineTune = variant != Plain
	return cfg
}

func build(cfg Config, opts []Option) (*Model, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	return Build(cfg)
}

func ResNet18(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain, Basic, [4]int{2, 2, 2, 2}, numClasses), opts)
}

func ResNet34(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain, Basic, [4]int{3, 4, 6, 3}, numClasses), opts)
}

func ResNet50(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain, Bottleneck, [4]int{3, 4, 6, 3}, numClasses), opts)
}

func ResNet101(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain, Bottleneck, [4]int{3, 4, 23, 3}, numClasses), opts)
}

func ResNet152(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain, Bottleneck, [4]int{3, 8, 36, 3}, numClasses), opts)
}

// ResNet50FC is ResNet-50 with a two-layer head, backbone frozen.
func ResNet50FC(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Plain2FC, Bottleneck, [4]int{3, 4, 6, 3}, numClasses), opts)
}

// ResNet50Tiling2FC tiles the input, concatenates per-resolution maxima and
// classifies them with a two-layer head.
func ResNet50Tiling2FC(numClasses int, opts ...Option) (*Model, error) {
	return build(baseConfig(Tiled2FC, Bottleneck, [4]int{3, 4, 6, 3}, numClasses), opts)
}

// ResNet50Tiling1FC tiles the input and uses a single linear head, pooling
// tile features before it or tile scores after it.
func ResNet50Tiling1FC(numClasses int, poolAfter bool, opts ...Option) (*Model, error) {
	cfg := baseConfig(Tiled1FC, Bottleneck, [4]int{3, 4, 6, 3}, numClasses)
	if poolAfter {
		cfg.Timing = PoolAfterHead
	}
	return build(cfg, opts)
}

type namedBuilder func(numClasses int, opts ...Option) (*Model, error)

var namedBuilders = map[string]namedBuilder{
	"resnet18":            ResNet18,
	"resnet34":            ResNet34,
	"resnet50":            ResNet50,
	"resnet101":           ResNet101,
	"resnet152":           ResNet152,
	"resnet50_fc":         ResNet50FC,
	"resnet50_tiling_2fc": ResNet50Tiling2FC,
	"resnet50_tiling_1fc": func(n int, opts ...Option) (*Model, error) {
		return ResNet50Tiling1FC(n, false, opts...)
	},
	"resnet50_tiling_1fc_after": func(n int, opts ...Option) (*Model, error) {
		return ResNet50Tiling1FC(n, true, opts...)
	},
}

// Names lists the names NewVariant accepts, sorted.
func Names() []string {
	names := make([]string, 0, len(namedBuilders))
	for name := range namedBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewVariant builds a model by name, e.g. "resnet50_tiling_1fc_after".
func NewVariant(name string, numClasses int, opts ...Option) (*Model, error) {
	b, ok := namedBuilders[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown model %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return b(numClasses, opts...)
}
