package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlotLinesWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charts", "lines.png")
	err := PlotLines(path, "accuracy", "fold", "accuracy", []LineSeries{
		{Name: "accuracy", X: []float64{0, 1, 2}, Y: []float64{0.5, 0.75, 0.6}},
		{Name: "flat", X: []float64{0, 1, 2}, Y: []float64{0.6, 0.6, 0.6}},
	})
	require.NoError(t, err)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(buf), 8)
	assert.Equal(t, "\x89PNG", string(buf[:4]))
}

func TestPlotRejectsDegenerateSeries(t *testing.T) {
	dir := t.TempDir()
	err := PlotLines(filepath.Join(dir, "a.png"), "t", "x", "y", []LineSeries{{Name: "one", X: []float64{1}, Y: []float64{1}}})
	assert.True(t, errors.Is(err, ErrTooFewPoints))

	err = PlotLines(filepath.Join(dir, "b.png"), "t", "x", "y", nil)
	assert.True(t, errors.Is(err, ErrTooFewPoints))

	err = PlotHistory(filepath.Join(dir, "c.png"), "t", []TrainingMetrics{{Epoch: 0, TrainLoss: 1}})
	assert.True(t, errors.Is(err, ErrTooFewPoints))
}

func TestPlotHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.png")
	history := []TrainingMetrics{
		{Epoch: 0, TrainLoss: 1.4, ValidAccuracy: 0.3},
		{Epoch: 1, TrainLoss: 1.1, ValidAccuracy: 0.45},
		{Epoch: 2, TrainLoss: 0.9, ValidAccuracy: 0.5},
	}
	require.NoError(t, PlotHistory(path, "fold 0", history))
	assert.FileExists(t, path)

	flat := filepath.Join(filepath.Dir(path), "flat.png")
	require.NoError(t, PlotHistory(flat, "flat", []TrainingMetrics{
		{Epoch: 0, TrainLoss: 1, ValidAccuracy: 1},
		{Epoch: 1, TrainLoss: 1, ValidAccuracy: 1},
	}))
}
