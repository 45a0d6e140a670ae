package crossval

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-histocv/checkpoints"
	"github.com/tsawler/go-histocv/models/resnet"
	"github.com/tsawler/go-histocv/training"
	"github.com/tsawler/go-histocv/vision/dataset"
)

// ModelFactory builds a fresh model for a fold, with its parameter policy
// already applied.
type ModelFactory func(fold int) (*resnet.Model, error)

// Options controls the per-fold training run.
type Options struct {
	Epochs        int
	BatchSize     int
	ValBatchSize  int
	LearningRate  float64
	Optimizer     string // adam, sgd or rmsprop
	Momentum      float64
	WeightDecay   float64
	Scheduler     training.LRScheduler
	PrintEvery    int
	ValidateEvery int
	Workers       int
	Prefetch      int
	Folds         []int // empty runs every fold
	OutputDir     string
	Charts        bool
	Weights       string // json or onnx writes model_<k>.<ext>; empty skips it
	Seed          int64
}

// Runner drives a cross-validation experiment. TrainView carries the
// training transform and ValView the deterministic one; both must list the
// same samples in the same order.
type Runner struct {
	Options   Options
	TrainView *dataset.PathologyDataset
	ValView   *dataset.PathologyDataset
	Splitter  Splitter
	NewModel  ModelFactory
	Logger    *zap.Logger
}

// Run synchronizes the views, trains and evaluates every selected fold in
// sequence and aggregates the accuracies.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if r.TrainView == nil || r.ValView == nil {
		return nil, errors.New("runner needs both a training and a validation view")
	}
	if r.Splitter == nil || r.NewModel == nil {
		return nil, errors.New("runner needs a splitter and a model factory")
	}

	r.ValView.SyncFrom(r.TrainView)
	if err := dataset.VerifyAligned(r.TrainView, r.ValView); err != nil {
		return nil, err
	}

	n := r.TrainView.Len()
	folds, err := r.Splitter.Split(r.TrainView.Labels())
	if err != nil {
		return nil, errors.Wrap(err, "split")
	}
	for _, f := range folds {
		if err := f.Validate(n); err != nil {
			return nil, err
		}
	}
	selected, err := r.selectFolds(folds)
	if err != nil {
		return nil, err
	}
	logger.Info("cross-validation started",
		zap.Int("samples", n),
		zap.Int("folds", len(folds)),
		zap.Int("selected", len(selected)))

	var results []FoldResult
	for _, fold := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.runFold(ctx, fold, logger.With(zap.Int("fold", fold.Index)))
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d", fold.Index)
		}
		results = append(results, *res)
	}

	result, err := NewResult(results)
	if err != nil {
		return nil, err
	}
	if err := result.WriteJSON(filepath.Join(r.Options.OutputDir, SummaryFileName)); err != nil {
		return nil, err
	}
	if r.Options.Charts && len(results) > 1 {
		if err := result.PlotAccuracy(filepath.Join(r.Options.OutputDir, "fold_accuracy.png")); err != nil {
			logger.Warn("fold accuracy chart failed", zap.Error(err))
		}
	}
	logger.Info("cross-validation finished",
		zap.Float64s("accuracies", result.Accuracies),
		zap.Float64("mean", result.Mean),
		zap.Float64("std", result.StdDev))
	return result, nil
}

func (r *Runner) selectFolds(folds []Fold) ([]Fold, error) {
	if len(r.Options.Folds) == 0 {
		return folds, nil
	}
	var out []Fold
	for _, idx := range r.Options.Folds {
		if idx < 0 || idx >= len(folds) {
			return nil, errors.Errorf("fold %d is outside [0, %d)", idx, len(folds))
		}
		out = append(out, folds[idx])
	}
	return out, nil
}

func (r *Runner) runFold(ctx context.Context, fold Fold, logger *zap.Logger) (*FoldResult, error) {
	start := time.Now()
	opts := r.Options

	trainLoader, err := training.NewDataLoader(r.TrainView, fold.Train, training.LoaderConfig{
		BatchSize: opts.BatchSize,
		Shuffle:   true,
		Workers:   opts.Workers,
		Prefetch:  opts.Prefetch,
		Seed:      opts.Seed + int64(fold.Index),
	})
	if err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	valLoader, err := training.NewDataLoader(r.ValView, fold.Val, training.LoaderConfig{
		BatchSize: opts.ValBatchSize,
		Workers:   opts.Workers,
		Prefetch:  opts.Prefetch,
	})
	if err != nil {
		return nil, errors.Wrap(err, "validation loader")
	}

	model, err := r.NewModel(fold.Index)
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	if model.NumClasses() != training.ReportClasses {
		return nil, errors.Errorf("model has %d classes, reports need %d", model.NumClasses(), training.ReportClasses)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		for _, p := range model.TrainabilityReport() {
			logger.Debug("parameter",
				zap.String("name", p.Name),
				zap.Ints("shape", p.Shape),
				zap.Bool("trainable", p.Trainable))
		}
	}
	logger.Info("fold model ready",
		zap.Stringer("variant", model.Descriptor().Variant),
		zap.String("parameters", humanize.Comma(model.NumParameters())),
		zap.Int("trainable_tensors", len(model.TrainableParameters())),
		zap.Int("train_samples", len(fold.Train)),
		zap.Int("val_samples", len(fold.Val)))

	optimizer, err := training.NewOptimizer(opts.Optimizer, model.TrainableParameters(),
		opts.LearningRate, opts.Momentum, opts.WeightDecay)
	if err != nil {
		return nil, err
	}
	trainer := training.NewTrainer(model, optimizer, training.NewCrossEntropyLoss(), model.NumClasses(),
		training.TrainingConfig{
			Epochs:        opts.Epochs,
			PrintEvery:    opts.PrintEvery,
			ValidateEvery: opts.ValidateEvery,
			BaseLR:        opts.LearningRate,
			Scheduler:     opts.Scheduler,
			Seed:          opts.Seed + int64(fold.Index),
		}, logger)
	if err := trainer.Train(ctx, trainLoader, valLoader); err != nil {
		return nil, err
	}

	reportPath := filepath.Join(opts.OutputDir, training.ReportFileName(fold.Index))
	eval, err := trainer.Evaluate(ctx, valLoader, reportPath)
	if err != nil {
		return nil, errors.Wrap(err, "final evaluation")
	}
	if opts.Weights != "" {
		path := filepath.Join(opts.OutputDir, WeightsFileName(fold.Index, opts.Weights))
		if err := saveWeights(model, path); err != nil {
			return nil, errors.Wrap(err, "save weights")
		}
	}
	if opts.Charts {
		chart := filepath.Join(opts.OutputDir, fmt.Sprintf("history_%d.png", fold.Index))
		if err := training.PlotHistory(chart, "fold history", trainer.Metrics()); err != nil &&
			!errors.Is(err, training.ErrTooFewPoints) {
			logger.Warn("history chart failed", zap.Error(err))
		}
	}

	logger.Info("fold complete",
		zap.Float64("accuracy", eval.Accuracy),
		zap.Float64("macro_f1", eval.Confusion.MacroF1()),
		zap.Duration("duration", time.Since(start)))
	return &FoldResult{
		Fold:         fold.Index,
		Accuracy:     eval.Accuracy,
		MacroF1:      eval.Confusion.MacroF1(),
		TrainSamples: len(fold.Train),
		ValSamples:   len(fold.Val),
		Report:       reportPath,
		Seconds:      time.Since(start).Seconds(),
		History:      trainer.Metrics(),
	}, nil
}

// WeightsFileName names the trained weights of fold k.
func WeightsFileName(k int, format string) string {
	return fmt.Sprintf("model_%d.%s", k, format)
}

func saveWeights(model *resnet.Model, path string) error {
	weights, err := checkpoints.ExtractWeights(model.NamedTensors(""))
	if err != nil {
		return err
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).SaveCheckpoint(&checkpoints.Checkpoint{
		Weights: weights,
		Metadata: checkpoints.CheckpointMetadata{
			Description: model.Descriptor().Variant.String(),
		},
	}, path)
}
