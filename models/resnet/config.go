package resnet

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/vision/tiling"
)

// ErrInvalidConfig wraps every configuration problem found by Validate.
var ErrInvalidConfig = errors.New("invalid model configuration")

// BlockKind selects the residual block.
type BlockKind int

const (
	Basic BlockKind = iota
	Bottleneck
)

func (b BlockKind) String() string {
	switch b {
	case Basic:
		return "basic"
	case Bottleneck:
		return "bottleneck"
	default:
		return "unknown"
	}
}

// Expansion is the ratio between a block's output width and its planes.
func (b BlockKind) Expansion() int {
	if b == Bottleneck {
		return 4
	}
	return 1
}

// Variant names the backbone/head arrangement.
type Variant int

const (
	Plain Variant = iota
	Plain2FC
	Tiled2FC
	Tiled1FC
)

func (v Variant) String() string {
	switch v {
	case Plain:
		return "plain"
	case Plain2FC:
		return "plain-2fc"
	case Tiled2FC:
		return "tiled-2fc"
	case Tiled1FC:
		return "tiled-1fc"
	default:
		return "unknown"
	}
}

// Tiled reports whether the variant tiles its input.
func (v Variant) Tiled() bool { return v == Tiled2FC || v == Tiled1FC }

// HeadLayers is the number of linear layers in the variant's head.
func (v Variant) HeadLayers() int {
	if v == Plain2FC || v == Tiled2FC {
		return 2
	}
	return 1
}

// Timing says whether tile features are pooled before or after the head.
type Timing int

const (
	PoolBeforeHead Timing = iota
	PoolAfterHead
)

func (t Timing) String() string {
	if t == PoolAfterHead {
		return "after"
	}
	return "before"
}

// ParseVariant accepts the names printed by Variant.String.
func ParseVariant(s string) (Variant, error) {
	for _, v := range []Variant{Plain, Plain2FC, Tiled2FC, Tiled1FC} {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown variant %q", s)
}

// ParseBlock accepts "basic" or "bottleneck".
func ParseBlock(s string) (BlockKind, error) {
	switch strings.ToLower(s) {
	case "basic":
		return Basic, nil
	case "bottleneck":
		return Bottleneck, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown block %q", s)
}

// ParseTiming accepts "before" or "after".
func ParseTiming(s string) (Timing, error) {
	switch strings.ToLower(s) {
	case "", "before":
		return PoolBeforeHead, nil
	case "after":
		return PoolAfterHead, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown pooling timing %q", s)
}

// Config fully determines a model. Build is a pure function of it.
type Config struct {
	Variant     Variant
	Block       BlockKind
	Layers      [4]int
	NumClasses  int
	Resolutions int    // tiled variants only: 2 or 3
	HeadLayers  int    // 0 takes the variant's count
	Timing      Timing // tiled-1fc only
	BaseWidth   int    // stage-1 planes; stages use w, 2w, 4w, 8w
	HiddenUnits int    // 2fc heads
	Dropout     float32
	InChannels  int
	InputSize   int // image side used to compile the shape plan
	Seed        int64
	FineTune    bool   // freeze everything but the head
	Pretrained  string // optional checkpoint loaded into the backbone
}

// DefaultConfig returns the ResNet-50 plain configuration.
func DefaultConfig() Config {
	return Config{
		Variant:     Plain,
		Block:       Bottleneck,
		Layers:      [4]int{3, 4, 6, 3},
		NumClasses:  4,
		Resolutions: 3,
		BaseWidth:   64,
		HiddenUnits: 512,
		Dropout:     0.2,
		InChannels:  3,
		InputSize:   224,
	}
}

// Validate checks the configuration without building anything.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num classes must be positive, got %d", c.NumClasses)
	}
	for i, n := range c.Layers {
		if n < 1 {
			return errors.Wrapf(ErrInvalidConfig, "stage %d needs at least one block, got %d", i+1, n)
		}
	}
	if c.BaseWidth < 1 || c.InChannels < 1 {
		return errors.Wrapf(ErrInvalidConfig, "base width %d and input channels %d must be positive", c.BaseWidth, c.InChannels)
	}
	if c.Block != Basic && c.Block != Bottleneck {
		return errors.Wrapf(ErrInvalidConfig, "unknown block kind %d", c.Block)
	}
	if c.HeadLayers != 0 && c.HeadLayers != c.Variant.HeadLayers() {
		return errors.Wrapf(ErrInvalidConfig, "variant %s has %d head layers, config asks for %d",
			c.Variant, c.Variant.HeadLayers(), c.HeadLayers)
	}
	if c.Variant.HeadLayers() == 2 {
		if c.HiddenUnits < 1 {
			return errors.Wrapf(ErrInvalidConfig, "hidden units must be positive, got %d", c.HiddenUnits)
		}
		if c.Dropout < 0 || c.Dropout >= 1 {
			return errors.Wrapf(ErrInvalidConfig, "dropout must be in [0, 1), got %g", c.Dropout)
		}
	}
	switch c.Variant {
	case Plain, Plain2FC:
	case Tiled2FC:
		if c.Timing != PoolBeforeHead {
			return errors.Wrapf(ErrInvalidConfig, "tiled-2fc pools before the head")
		}
	case Tiled1FC:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown variant %d", c.Variant)
	}
	if c.Variant.Tiled() {
		if c.Resolutions != 2 && c.Resolutions != 3 {
			return errors.Wrapf(ErrInvalidConfig, "tiled variants need 2 or 3 resolutions, got %d", c.Resolutions)
		}
		if c.InputSize%tiling.Downscale != 0 {
			return errors.Wrapf(ErrInvalidConfig, "input size %d is not divisible by %d", c.InputSize, tiling.Downscale)
		}
	}
	if c.InputSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "input size must be positive, got %d", c.InputSize)
	}
	return nil
}

// Descriptor is the immutable architecture summary of a built model.
type Descriptor struct {
	Variant     Variant
	Block       BlockKind
	Layers      [4]int
	HeadLayers  int
	Resolutions int // 0 for untiled variants
	Timing      Timing
}

func (c Config) descriptor() Descriptor {
	d := Descriptor{
		Variant:    c.Variant,
		Block:      c.Block,
		Layers:     c.Layers,
		HeadLayers: c.Variant.HeadLayers(),
	}
	if c.Variant.Tiled() {
		d.Resolutions = c.Resolutions
		d.Timing = c.Timing
	}
	return d
}
