package crossval

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/training"
)

// SummaryFileName is the per-run summary written next to the fold reports.
const SummaryFileName = "summary.json"

// FoldResult is the outcome of one fold.
type FoldResult struct {
	Fold         int                        `json:"fold"`
	Accuracy     float64                    `json:"accuracy"`
	MacroF1      float64                    `json:"macro_f1"`
	TrainSamples int                        `json:"train_samples"`
	ValSamples   int                        `json:"val_samples"`
	Report       string                     `json:"report"`
	Seconds      float64                    `json:"seconds"`
	History      []training.TrainingMetrics `json:"-"`
}

// Result aggregates the folds of a run.
type Result struct {
	Folds      []FoldResult `json:"folds"`
	Accuracies []float64    `json:"accuracies"`
	Mean       float64      `json:"mean"`
	StdDev     float64      `json:"std_dev"`
	Median     float64      `json:"median"`
	Min        float64      `json:"min"`
	Max        float64      `json:"max"`
}

// NewResult computes the summary statistics of folds.
func NewResult(folds []FoldResult) (*Result, error) {
	if len(folds) == 0 {
		return nil, errors.New("no fold results")
	}
	r := &Result{Folds: folds}
	for _, f := range folds {
		r.Accuracies = append(r.Accuracies, f.Accuracy)
	}
	data := stats.Float64Data(r.Accuracies)
	var err error
	if r.Mean, err = stats.Mean(data); err != nil {
		return nil, err
	}
	if r.StdDev, err = stats.StandardDeviationPopulation(data); err != nil {
		return nil, err
	}
	if r.Median, err = stats.Median(data); err != nil {
		return nil, err
	}
	if r.Min, err = stats.Min(data); err != nil {
		return nil, err
	}
	if r.Max, err = stats.Max(data); err != nil {
		return nil, err
	}
	return r, nil
}

// String prints the accuracy vector and its mean.
func (r *Result) String() string {
	parts := make([]string, len(r.Accuracies))
	for i, a := range r.Accuracies {
		parts[i] = fmt.Sprintf("%.4f", a)
	}
	return fmt.Sprintf("k-fold CV accuracy: [%s]\nfinal mean accuracy: %.4f (std %.4f)",
		strings.Join(parts, " "), r.Mean, r.StdDev)
}

// WriteJSON writes the result to path.
func (r *Result) WriteJSON(path string) error {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, buf, 0o644)
}

// ReadResult reads a summary written by WriteJSON.
func ReadResult(path string) (*Result, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &r, nil
}

// PlotAccuracy charts per-fold accuracy against the run mean.
func (r *Result) PlotAccuracy(path string) error {
	var x, mean []float64
	for _, f := range r.Folds {
		x = append(x, float64(f.Fold))
		mean = append(mean, r.Mean)
	}
	return training.PlotLines(path, "fold accuracy", "fold", "accuracy", []training.LineSeries{
		{Name: "accuracy", X: x, Y: r.Accuracies},
		{Name: "mean", X: x, Y: mean},
	})
}
