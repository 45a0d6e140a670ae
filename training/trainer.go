package training

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-histocv/tensor"
)

// ErrEmptyValidation is returned when an evaluation pass sees no samples.
var ErrEmptyValidation = errors.New("validation pass saw zero samples")

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int
	PrintEvery    int         // Log the training loss every N batches, starting with the first
	ValidateEvery int         // Run validation every N epochs (0 = every epoch)
	BaseLR        float64     // Learning rate the scheduler starts from
	Scheduler     LRScheduler // nil keeps the optimizer's rate
	Seed          int64       // Seeds stochastic layers during training
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidAccuracy float64
	Validated     bool
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
}

// EvalResult is the outcome of a full pass over a validation loader.
type EvalResult struct {
	Accuracy  float64
	Confusion *ConfusionMatrix
	Rows      []ReportRow
}

// Trainer manages the training process of one model
type Trainer struct {
	model       Module
	optimizer   Optimizer
	criterion   Loss
	config      TrainingConfig
	logger      *zap.Logger
	rng         *rand.Rand
	numClasses  int
	metrics     []TrainingMetrics
	lossHistory []float64
}

// NewTrainer creates a new Trainer. numClasses sizes the confusion matrix.
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, numClasses int, config TrainingConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PrintEvery <= 0 {
		config.PrintEvery = 1
	}
	if config.ValidateEvery <= 0 {
		config.ValidateEvery = 1
	}
	if config.BaseLR == 0 {
		config.BaseLR = optimizer.GetLR()
	}
	return &Trainer{
		model:      model,
		optimizer:  optimizer,
		criterion:  criterion,
		config:     config,
		logger:     logger,
		rng:        rand.New(rand.NewSource(config.Seed)),
		numClasses: numClasses,
	}
}

// Train runs the epoch loop. Each epoch is followed by an inference-mode
// accuracy check on validLoader when one is given.
func (t *Trainer) Train(ctx context.Context, trainLoader, validLoader *DataLoader) error {
	t.logger.Info("starting training",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_samples", trainLoader.NumSamples()),
		zap.Int("batches_per_epoch", trainLoader.Len()))

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.config.Scheduler != nil {
			t.optimizer.SetLR(t.config.Scheduler.GetLR(epoch, t.config.BaseLR))
		}

		epochStart := time.Now()
		trainLoss, trainAcc, batchCount, err := t.trainEpoch(ctx, trainLoader, epoch)
		if err != nil {
			return errors.Wrapf(err, "training epoch %d", epoch)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			LearningRate:  t.optimizer.GetLR(),
			BatchCount:    batchCount,
		}

		if validLoader != nil && (epoch+1)%t.config.ValidateEvery == 0 {
			acc, err := t.Validate(ctx, validLoader)
			if err != nil {
				return errors.Wrapf(err, "validating epoch %d", epoch)
			}
			metrics.ValidAccuracy = acc
			metrics.Validated = true
		}
		metrics.EpochDuration = time.Since(epochStart)

		t.metrics = append(t.metrics, metrics)
		t.logger.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Float64("train_loss", metrics.TrainLoss),
			zap.Float64("train_accuracy", metrics.TrainAccuracy),
			zap.Float64("val_accuracy", metrics.ValidAccuracy),
			zap.Float64("lr", metrics.LearningRate),
			zap.Duration("duration", metrics.EpochDuration))
	}
	return nil
}

// trainEpoch runs forward, loss, backward, step and zero-grad for every
// batch in strict sequence.
func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader, epoch int) (float64, float64, int, error) {
	var (
		totalLoss    float64
		totalCorrect int
		totalSamples int
		batchCount   int
	)
	execCtx := TrainContext(t.rng)

	err := loader.Iterate(ctx, func(batch *Batch) error {
		output, err := t.model.Forward(execCtx, batch.Images)
		if err != nil {
			return errors.Wrap(err, "forward pass failed")
		}

		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return errors.Wrap(err, "loss computation failed")
		}
		lossValue, err := loss.Item()
		if err != nil {
			return errors.Wrap(err, "failed to get loss value")
		}

		if err := loss.Backward(); err != nil {
			return errors.Wrap(err, "backward pass failed")
		}
		if err := t.optimizer.Step(); err != nil {
			return errors.Wrap(err, "optimizer step failed")
		}
		t.optimizer.ZeroGrad()

		preds, err := tensor.ArgMax(output)
		if err != nil {
			return err
		}
		for i, p := range preds {
			if p == batch.Labels[i] {
				totalCorrect++
			}
		}

		batchSize := batch.Size()
		totalLoss += float64(lossValue) * float64(batchSize)
		totalSamples += batchSize
		batchCount++
		t.lossHistory = append(t.lossHistory, float64(lossValue))

		if (batchCount-1)%t.config.PrintEvery == 0 {
			t.logger.Info("training loss",
				zap.Int("epoch", epoch+1),
				zap.Int("iteration", batchCount),
				zap.Float64("loss", float64(lossValue)))
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	if totalSamples == 0 {
		return 0, 0, 0, ErrEmptyLoader
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), batchCount, nil
}

// Validate computes accuracy over loader in inference mode. It persists
// nothing.
func (t *Trainer) Validate(ctx context.Context, loader *DataLoader) (float64, error) {
	res, err := t.evaluate(ctx, loader, false)
	if err != nil {
		return 0, err
	}
	return res.Accuracy, nil
}

// Evaluate is the final pass: accuracy plus one report row per sample,
// written to reportPath when it is non-empty.
func (t *Trainer) Evaluate(ctx context.Context, loader *DataLoader, reportPath string) (*EvalResult, error) {
	res, err := t.evaluate(ctx, loader, true)
	if err != nil {
		return nil, err
	}
	if reportPath != "" {
		if err := WriteReport(reportPath, res.Rows); err != nil {
			return nil, err
		}
		t.logger.Info("wrote evaluation report",
			zap.String("path", reportPath),
			zap.Int("rows", len(res.Rows)))
	}
	t.logger.Debug("confusion matrix", zap.String("matrix", res.Confusion.String()),
		zap.Float64("macro_f1", res.Confusion.MacroF1()))
	return res, nil
}

func (t *Trainer) evaluate(ctx context.Context, loader *DataLoader, withRows bool) (*EvalResult, error) {
	execCtx := EvalContext()
	confusion := NewConfusionMatrix(t.numClasses)
	var rows []ReportRow

	err := loader.Iterate(ctx, func(batch *Batch) error {
		output, err := t.model.Forward(execCtx, batch.Images)
		if err != nil {
			return errors.Wrap(err, "forward pass failed")
		}
		preds, err := tensor.ArgMax(output)
		if err != nil {
			return err
		}
		for i, p := range preds {
			if err := confusion.Add(p, batch.Labels[i]); err != nil {
				return err
			}
		}
		if !withRows {
			return nil
		}

		probs, err := tensor.Softmax(output)
		if err != nil {
			return err
		}
		pd := probs.Data.([]float32)
		c := probs.Shape[1]
		for i, p := range preds {
			id := ""
			if batch.SampleIDs != nil {
				id = batch.SampleIDs[i]
			}
			row, err := NewReportRow(id, pd[i*c:(i+1)*c], batch.Labels[i], p)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if confusion.Total() == 0 {
		return nil, ErrEmptyValidation
	}
	return &EvalResult{Accuracy: confusion.Accuracy(), Confusion: confusion, Rows: rows}, nil
}

// Metrics returns per-epoch metrics recorded so far
func (t *Trainer) Metrics() []TrainingMetrics {
	return t.metrics
}

// LossHistory returns the loss of every training batch in order
func (t *Trainer) LossHistory() []float64 {
	return t.lossHistory
}
