package dataset

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Class indices of the four microscopy classes.
const (
	Normal = iota
	Benign
	InSitu
	Invasive
	NumClasses
)

// ClassNames maps a class index to its ground-truth name.
var ClassNames = []string{"Normal", "Benign", "InSitu", "Invasive"}

var (
	// ErrUnknownClass is returned for a label outside the four classes.
	ErrUnknownClass = errors.New("unknown class")
	// ErrDuplicateSample is returned when an image id appears twice.
	ErrDuplicateSample = errors.New("duplicate sample id")
)

// ParseClass accepts the ground-truth spelling of a class, ignoring case,
// spaces and underscores ("In Situ", "in_situ" and "InSitu" are the same).
func ParseClass(name string) (int, error) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(name)))
	for i, c := range ClassNames {
		if strings.ToLower(c) == key {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownClass, "%q", name)
}

// ClassName returns the name of class c.
func ClassName(c int) string {
	if c < 0 || c >= len(ClassNames) {
		return "unknown"
	}
	return ClassNames[c]
}

// Sample is one labeled image.
type Sample struct {
	ID    string
	Label int
}

// groundTruthRow is the on-disk form: "n001.tif,Normal".
type groundTruthRow struct {
	ImageID string `csv:"image"`
	Class   string `csv:"class"`
}

// ReadGroundTruth parses a two-column image,class CSV. A header row is
// tolerated and skipped.
func ReadGroundTruth(r io.Reader) ([]Sample, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []groundTruthRow
	if err := gocsv.UnmarshalWithoutHeaders(bytes.NewReader(raw), &rows); err != nil {
		return nil, errors.Wrap(err, "ground truth")
	}
	if len(rows) > 0 {
		if _, err := ParseClass(rows[0].Class); err != nil {
			rows = rows[1:]
		}
	}

	samples := make([]Sample, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		id := strings.TrimSpace(row.ImageID)
		label, err := ParseClass(row.Class)
		if err != nil {
			return nil, errors.Wrapf(err, "ground truth row %d (%s)", i+1, id)
		}
		if id == "" {
			return nil, errors.Errorf("ground truth row %d has no image id", i+1)
		}
		if seen[id] {
			return nil, errors.Wrapf(ErrDuplicateSample, "%s", id)
		}
		seen[id] = true
		samples = append(samples, Sample{ID: id, Label: label})
	}
	if len(samples) == 0 {
		return nil, errors.New("ground truth has no samples")
	}
	return samples, nil
}

// ReadGroundTruthFile reads the ground truth at path.
func ReadGroundTruthFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	samples, err := ReadGroundTruth(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return samples, nil
}

// WriteGroundTruth writes samples in the headerless format ReadGroundTruth
// reads.
func WriteGroundTruth(w io.Writer, samples []Sample) error {
	rows := make([]groundTruthRow, len(samples))
	for i, s := range samples {
		if s.Label < 0 || s.Label >= NumClasses {
			return errors.Wrapf(ErrUnknownClass, "sample %s has label %d", s.ID, s.Label)
		}
		rows[i] = groundTruthRow{ImageID: s.ID, Class: ClassNames[s.Label]}
	}
	return gocsv.MarshalWithoutHeaders(&rows, w)
}
