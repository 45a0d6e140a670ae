// Command histocv runs k-fold cross-validation of a ResNet variant over a
// folder of labeled microscopy images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-histocv/config"
	"github.com/tsawler/go-histocv/crossval"
	"github.com/tsawler/go-histocv/internal/logging"
	"github.com/tsawler/go-histocv/models/resnet"
	"github.com/tsawler/go-histocv/training"
	"github.com/tsawler/go-histocv/vision/dataloader"
	"github.com/tsawler/go-histocv/vision/dataset"
	"github.com/tsawler/go-histocv/vision/preprocessing"
)

var imageExtensions = []string{".tif", ".tiff", ".png", ".jpg", ".jpeg", ".bmp"}

type args struct {
	Config     string `arg:"-c" help:"YAML run configuration"`
	Root       string `help:"image root directory"`
	Truth      string `help:"ground-truth CSV, relative to root unless absolute; 'scan' reads class directories"`
	Model      string `help:"model variant"`
	Epochs     int    `help:"epochs per fold"`
	K          int    `help:"number of folds"`
	Folds      []int  `help:"run only these folds"`
	Output     string `arg:"-o" help:"output directory"`
	LogLevel   string `help:"debug, info, warn or error"`
	ListModels bool   `help:"print the model variants and exit"`
	DumpConfig bool   `help:"print the effective configuration and exit"`
}

func (args) Description() string {
	return "Cross-validates a ResNet classifier over four-class histopathology images."
}

func fail(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a args) apply(cfg *config.Config) {
	if a.Root != "" {
		cfg.Data.Root = a.Root
	}
	if a.Truth != "" {
		cfg.Data.GroundTruth = a.Truth
	}
	if a.Model != "" {
		cfg.Model.Name = a.Model
	}
	if a.Epochs > 0 {
		cfg.Train.Epochs = a.Epochs
	}
	if a.K > 0 {
		cfg.CV.K = a.K
	}
	if len(a.Folds) > 0 {
		cfg.CV.Folds = a.Folds
	}
	if a.Output != "" {
		cfg.Output.Dir = a.Output
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
}

func main() {
	var a args
	arg.MustParse(&a)

	if a.ListModels {
		for _, name := range resnet.Names() {
			fmt.Println(name)
		}
		return
	}

	cfg := config.Default()
	if a.Config != "" {
		var err error
		cfg, err = config.Load(a.Config)
		fail(err)
	}
	a.apply(&cfg)
	if a.DumpConfig {
		buf, err := cfg.Marshal()
		fail(err)
		fmt.Print(string(buf))
		return
	}
	fail(cfg.Validate())

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	fail(err)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("cross-validation failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println(res)
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (*crossval.Result, error) {
	samples, err := loadSamples(cfg.Data)
	if err != nil {
		return nil, err
	}

	dir, err := dataset.NewDirSource(cfg.Data.Root)
	if err != nil {
		return nil, err
	}
	cache, err := dataloader.GetGlobalSharedCache().GetOrCreateCache(cfg.Data.Root, dir, cfg.Data.CacheSize)
	if err != nil {
		return nil, err
	}
	defer func() { logger.Info("image cache", zap.Stringer("stats", cache.Stats())) }()
	if len(samples) <= cfg.Data.CacheSize {
		ids := make([]string, len(samples))
		for i, s := range samples {
			ids[i] = s.ID
		}
		if err := cache.Warm(ids, cfg.Data.Workers); err != nil {
			return nil, errors.Wrap(err, "warm image cache")
		}
	}

	side := cfg.Data.ImageSize
	trainView, err := dataset.NewView(samples, cache, dataset.ViewOptions{
		Shuffle:   cfg.Data.Shuffle,
		Seed:      cfg.CV.Seed,
		Transform: preprocessing.TrainTransform(side),
	})
	if err != nil {
		return nil, err
	}
	valView, err := dataset.NewView(samples, cache, dataset.ViewOptions{
		Seed:      cfg.CV.Seed,
		Transform: preprocessing.ValTransform(side),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("dataset loaded", zap.String("root", cfg.Data.Root), zap.Int("samples", trainView.Len()),
		zap.Any("classes", trainView.ClassDistribution()))

	var splitter crossval.Splitter = crossval.KFold{K: cfg.CV.K, Shuffle: cfg.CV.Shuffle, Seed: cfg.CV.Seed}
	if cfg.CV.Stratified {
		splitter = crossval.StratifiedKFold{K: cfg.CV.K, Shuffle: cfg.CV.Shuffle, Seed: cfg.CV.Seed}
	}
	scheduler, err := training.NewScheduler(cfg.Train.Scheduler, cfg.Train.StepSize, cfg.Train.Gamma, cfg.Train.Epochs)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, err
	}

	runner := &crossval.Runner{
		Options: crossval.Options{
			Epochs:        cfg.Train.Epochs,
			BatchSize:     cfg.Train.BatchSize,
			ValBatchSize:  cfg.Train.ValBatchSize,
			LearningRate:  cfg.Train.LearningRate,
			Optimizer:     cfg.Train.Optimizer,
			Momentum:      cfg.Train.Momentum,
			WeightDecay:   cfg.Train.WeightDecay,
			Scheduler:     scheduler,
			PrintEvery:    cfg.Train.PrintEvery,
			ValidateEvery: cfg.Train.ValidateEvery,
			Workers:       cfg.Data.Workers,
			Prefetch:      cfg.Train.Prefetch,
			Folds:         cfg.CV.Folds,
			OutputDir:     cfg.Output.Dir,
			Charts:        cfg.Output.Charts,
			Weights:       cfg.Output.Weights,
			Seed:          cfg.CV.Seed,
		},
		TrainView: trainView,
		ValView:   valView,
		Splitter:  splitter,
		NewModel: func(fold int) (*resnet.Model, error) {
			return resnet.NewVariant(cfg.Model.Name, cfg.Model.NumClasses, cfg.ModelOptions(cfg.CV.Seed+int64(fold))...)
		},
		Logger: logger,
	}
	return runner.Run(ctx)
}

func loadSamples(data config.Data) ([]dataset.Sample, error) {
	if data.GroundTruth == "" || data.GroundTruth == "scan" {
		return dataset.ScanImageFolder(data.Root, imageExtensions)
	}
	path := data.GroundTruth
	if !filepath.IsAbs(path) {
		path = filepath.Join(data.Root, path)
	}
	samples, err := dataset.ReadGroundTruthFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "ground truth")
	}
	return samples, nil
}
