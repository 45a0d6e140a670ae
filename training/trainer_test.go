package training

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTinyClassifier(t *testing.T) *Sequential {
	t.Helper()
	linear, err := NewLinear(4, 4, true, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	return NewSequential(NewFlatten(), linear)
}

func TestTrainerFitAndFinalReport(t *testing.T) {
	ds := newConstDataset(80)
	model := newTinyClassifier(t)
	opt, err := NewAdam(model.Parameters(), 1e-2, 0.9, 0.999, 1e-8, 0)
	require.NoError(t, err)

	trainIdx, valIdx := []int{}, []int{}
	for i := 0; i < ds.Len(); i++ {
		if i%2 == 0 {
			trainIdx = append(trainIdx, i)
		} else {
			valIdx = append(valIdx, i)
		}
	}
	trainLoader, err := NewDataLoader(ds, trainIdx, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 1})
	require.NoError(t, err)
	valLoader, err := NewDataLoader(ds, valIdx, LoaderConfig{BatchSize: 40})
	require.NoError(t, err)

	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), 4, TrainingConfig{
		Epochs:     3,
		PrintEvery: 2,
		Scheduler:  StepLR{StepSize: 2, Gamma: 0.5},
	}, nil)
	require.NoError(t, trainer.Train(context.Background(), trainLoader, valLoader))

	metrics := trainer.Metrics()
	require.Len(t, metrics, 3)
	for _, m := range metrics {
		assert.True(t, m.Validated)
		assert.GreaterOrEqual(t, m.ValidAccuracy, 0.0)
		assert.LessOrEqual(t, m.ValidAccuracy, 1.0)
		assert.Equal(t, 5, m.BatchCount)
	}
	assert.Equal(t, 5e-3, metrics[2].LearningRate)
	assert.Len(t, trainer.LossHistory(), 15)

	reportPath := filepath.Join(t.TempDir(), ReportFileName(0))
	res, err := trainer.Evaluate(context.Background(), valLoader, reportPath)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Confusion.Total())

	rows, err := ReadReport(reportPath)
	require.NoError(t, err)
	require.Len(t, rows, 40)
	correct := 0
	for _, row := range rows {
		var sum float64
		for _, p := range row.Probabilities() {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
		assert.Equal(t, row.Label == row.Pred, row.Eval)
		assert.NotEmpty(t, row.SampleID)
		if row.Eval {
			correct++
		}
	}
	assert.InDelta(t, res.Accuracy, float64(correct)/40, 1e-12)
}

func TestTrainerLogsFirstBatchThenEveryN(t *testing.T) {
	ds := newConstDataset(40)
	model := newTinyClassifier(t)
	opt, err := NewSGD(model.Parameters(), 0.1, 0, 0)
	require.NoError(t, err)
	loader, err := NewDataLoader(ds, nil, LoaderConfig{BatchSize: 8})
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), 4, TrainingConfig{Epochs: 1, PrintEvery: 2}, zap.New(core))
	require.NoError(t, trainer.Train(context.Background(), loader, nil))

	var iterations []int64
	for _, entry := range logs.FilterMessage("training loss").All() {
		iterations = append(iterations, entry.ContextMap()["iteration"].(int64))
	}
	assert.Equal(t, []int64{1, 3, 5}, iterations)
}

func TestValidateDoesNotWriteOrTrain(t *testing.T) {
	ds := newConstDataset(8)
	model := newTinyClassifier(t)
	opt, err := NewSGD(model.Parameters(), 0.1, 0, 0)
	require.NoError(t, err)
	loader, err := NewDataLoader(ds, nil, LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	before := append([]float32(nil), model.Parameters()[0].Data.([]float32)...)
	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), 4, TrainingConfig{Epochs: 1}, nil)
	acc, err := trainer.Validate(context.Background(), loader)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.Equal(t, before, model.Parameters()[0].Data.([]float32))
	assert.Nil(t, model.Parameters()[0].Grad())
}

func TestTrainerHonoursCancellation(t *testing.T) {
	ds := newConstDataset(8)
	model := newTinyClassifier(t)
	opt, err := NewSGD(model.Parameters(), 0.1, 0, 0)
	require.NoError(t, err)
	loader, err := NewDataLoader(ds, nil, LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), 4, TrainingConfig{Epochs: 5}, nil)
	err = trainer.Train(ctx, loader, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, trainer.Metrics())
}
