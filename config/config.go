// Package config holds the run configuration of a cross-validation
// experiment.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-histocv/models/resnet"
	"github.com/tsawler/go-histocv/training"
)

// ErrInvalid wraps every problem reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Data locates the images and their ground truth.
type Data struct {
	Root        string `yaml:"root"`
	GroundTruth string `yaml:"ground_truth"` // empty: scan class directories under Root
	ImageSize   int    `yaml:"image_size"`
	CacheSize   int    `yaml:"cache_size"` // decoded images kept in memory
	Workers     int    `yaml:"workers"`
	Shuffle     bool   `yaml:"shuffle"`
}

// Model selects the network.
type Model struct {
	Name        string  `yaml:"name"` // see resnet.Names
	NumClasses  int     `yaml:"num_classes"`
	Resolutions int     `yaml:"resolutions"`
	BaseWidth   int     `yaml:"base_width"`
	HiddenUnits int     `yaml:"hidden_units"`
	Dropout     float32 `yaml:"dropout"`
	Pretrained  string  `yaml:"pretrained"`
	FineTune    *bool   `yaml:"fine_tune"` // nil keeps the builder's choice
}

// Train controls the optimization of one fold.
type Train struct {
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	ValBatchSize  int     `yaml:"val_batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	Optimizer     string  `yaml:"optimizer"` // adam, sgd or rmsprop
	Momentum      float64 `yaml:"momentum"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Scheduler     string  `yaml:"scheduler"` // constant, step or cosine
	StepSize      int     `yaml:"step_size"`
	Gamma         float64 `yaml:"gamma"`
	PrintEvery    int     `yaml:"print_every"`
	ValidateEvery int     `yaml:"validate_every"`
	Prefetch      int     `yaml:"prefetch"`
}

// CV controls the fold split.
type CV struct {
	K          int   `yaml:"k"`
	Stratified bool  `yaml:"stratified"`
	Shuffle    bool  `yaml:"shuffle"`
	Folds      []int `yaml:"folds"` // run only these folds; empty runs all
	Seed       int64 `yaml:"seed"`
}

// Output says where reports go.
type Output struct {
	Dir     string `yaml:"dir"`
	Charts  bool   `yaml:"charts"`
	Weights string `yaml:"weights"` // "", json or onnx; empty skips the per-fold weights
}

// Log configures the logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the whole run configuration.
type Config struct {
	Data   Data   `yaml:"data"`
	Model  Model  `yaml:"model"`
	Train  Train  `yaml:"train"`
	CV     CV     `yaml:"cv"`
	Output Output `yaml:"output"`
	Log    Log    `yaml:"log"`
}

// Default reproduces the reference run: 10 folds over the four-class
// microscopy set, ResNet-50, Adam at 1e-3, 200 epochs.
func Default() Config {
	return Config{
		Data: Data{
			GroundTruth: "microscopy_ground_truth.csv",
			ImageSize:   224,
			CacheSize:   400,
			Workers:     4,
			Shuffle:     true,
		},
		Model: Model{
			Name:        "resnet50",
			NumClasses:  4,
			Resolutions: 3,
			BaseWidth:   64,
			HiddenUnits: 512,
			Dropout:     0.2,
		},
		Train: Train{
			Epochs:        200,
			BatchSize:     32,
			ValBatchSize:  40,
			LearningRate:  1e-3,
			Optimizer:     "adam",
			Momentum:      0.9,
			Scheduler:     "constant",
			Gamma:         0.1,
			PrintEvery:    2,
			ValidateEvery: 1,
			Prefetch:      2,
		},
		CV: CV{
			K:    10,
			Seed: 1,
		},
		Output: Output{
			Dir:    ".",
			Charts: true,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	switch {
	case c.Data.Root == "":
		return errors.Wrap(ErrInvalid, "data.root is required")
	case c.Data.ImageSize < 1:
		return errors.Wrapf(ErrInvalid, "data.image_size must be positive, got %d", c.Data.ImageSize)
	case c.Data.CacheSize < 1:
		return errors.Wrapf(ErrInvalid, "data.cache_size must be positive, got %d", c.Data.CacheSize)
	case c.Model.NumClasses != training.ReportClasses:
		return errors.Wrapf(ErrInvalid, "model.num_classes must be %d, got %d", training.ReportClasses, c.Model.NumClasses)
	case c.Train.Epochs < 1:
		return errors.Wrapf(ErrInvalid, "train.epochs must be positive, got %d", c.Train.Epochs)
	case c.Train.BatchSize < 1 || c.Train.ValBatchSize < 1:
		return errors.Wrapf(ErrInvalid, "batch sizes must be positive, got %d and %d", c.Train.BatchSize, c.Train.ValBatchSize)
	case c.Train.LearningRate <= 0:
		return errors.Wrapf(ErrInvalid, "train.learning_rate must be positive, got %g", c.Train.LearningRate)
	case c.Train.Optimizer != "adam" && c.Train.Optimizer != "sgd" && c.Train.Optimizer != "rmsprop":
		return errors.Wrapf(ErrInvalid, "train.optimizer must be adam, sgd or rmsprop, got %q", c.Train.Optimizer)
	case c.Output.Weights != "" && c.Output.Weights != "json" && c.Output.Weights != "onnx":
		return errors.Wrapf(ErrInvalid, "output.weights must be json or onnx, got %q", c.Output.Weights)
	case c.CV.K < 2:
		return errors.Wrapf(ErrInvalid, "cv.k must be at least 2, got %d", c.CV.K)
	}
	for _, f := range c.CV.Folds {
		if f < 0 || f >= c.CV.K {
			return errors.Wrapf(ErrInvalid, "cv.folds entry %d is outside [0, %d)", f, c.CV.K)
		}
	}
	known := false
	for _, name := range resnet.Names() {
		if name == c.Model.Name {
			known = true
			break
		}
	}
	if !known {
		return errors.Wrapf(ErrInvalid, "unknown model.name %q", c.Model.Name)
	}
	return nil
}

// ModelOptions turns the model section into builder options.
func (c Config) ModelOptions(seed int64) []resnet.Option {
	opts := []resnet.Option{
		resnet.WithBaseWidth(c.Model.BaseWidth),
		resnet.WithResolutions(c.Model.Resolutions),
		resnet.WithHiddenUnits(c.Model.HiddenUnits),
		resnet.WithDropout(c.Model.Dropout),
		resnet.WithInputSize(c.Data.ImageSize),
		resnet.WithSeed(seed),
	}
	if c.Model.Pretrained != "" {
		opts = append(opts, resnet.WithPretrained(c.Model.Pretrained))
	}
	if c.Model.FineTune != nil {
		opts = append(opts, resnet.WithFineTune(*c.Model.FineTune))
	}
	return opts
}
