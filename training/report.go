package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// ReportClasses is the number of probability columns in a prediction report.
const ReportClasses = 4

// ReportRow is one validation sample of a fold's final evaluation.
type ReportRow struct {
	SampleID string  `csv:"sample_id"`
	P0       float64 `csv:"p0"`
	P1       float64 `csv:"p1"`
	P2       float64 `csv:"p2"`
	P3       float64 `csv:"p3"`
	Label    int     `csv:"label"`
	Pred     int     `csv:"pred"`
	Eval     bool    `csv:"eval"`
}

// NewReportRow builds a row from class probabilities. The correctness flag
// is derived, never supplied.
func NewReportRow(sampleID string, probs []float32, label, pred int) (ReportRow, error) {
	if len(probs) != ReportClasses {
		return ReportRow{}, errors.Errorf("report expects %d class probabilities, got %d", ReportClasses, len(probs))
	}
	return ReportRow{
		SampleID: sampleID,
		P0:       float64(probs[0]),
		P1:       float64(probs[1]),
		P2:       float64(probs[2]),
		P3:       float64(probs[3]),
		Label:    label,
		Pred:     pred,
		Eval:     label == pred,
	}, nil
}

// Probabilities returns the four class probabilities of the row.
func (r ReportRow) Probabilities() []float64 {
	return []float64{r.P0, r.P1, r.P2, r.P3}
}

// ReportFileName is the per-fold report file name.
func ReportFileName(fold int) string {
	return fmt.Sprintf("results_%d.csv", fold)
}

// WriteReport writes rows as CSV with a header line.
func WriteReport(path string, rows []ReportRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating report directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating report %s", path)
	}
	defer f.Close()

	if err := gocsv.Marshal(&rows, f); err != nil {
		return errors.Wrapf(err, "writing report %s", path)
	}
	return f.Close()
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) ([]ReportRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening report %s", path)
	}
	defer f.Close()

	var rows []ReportRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "parsing report %s", path)
	}
	return rows, nil
}
