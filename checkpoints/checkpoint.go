package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/training"
)

var (
	// ErrMissingKeys is returned by a strict load when the model has tensors
	// the checkpoint does not provide.
	ErrMissingKeys = errors.New("checkpoint is missing model tensors")
	// ErrShapeMismatch is returned when a checkpoint tensor and the model
	// tensor of the same name disagree on shape.
	ErrShapeMismatch = errors.New("checkpoint tensor shape mismatch")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension. Anything that is not
// .onnx is read as JSON.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint is a named set of tensors plus metadata. Names follow the
// dotted state-dict convention ("layer1.0.conv1.weight").
type Checkpoint struct {
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model tensor with its data
type WeightTensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Data   []float32 `json:"data"`
	Buffer bool      `json:"buffer,omitempty"` // running statistics and other non-trainable state
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return writeONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return readONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint, choosing the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-histocv"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	for _, w := range checkpoint.Weights {
		if err := w.validate(); err != nil {
			return nil, err
		}
	}
	return &checkpoint, nil
}

func (w WeightTensor) validate() error {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return errors.Errorf("tensor %s has shape %v but %d values", w.Name, w.Shape, len(w.Data))
	}
	return nil
}

// ExtractWeights copies the named tensors of a model into checkpoint form.
func ExtractWeights(named []training.NamedTensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(named))
	for _, nt := range named {
		data, err := nt.Tensor.Float32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %s", nt.Name)
		}
		weights = append(weights, WeightTensor{
			Name:   nt.Name,
			Shape:  append([]int(nil), nt.Tensor.Shape...),
			Data:   append([]float32(nil), data...),
			Buffer: nt.Buffer,
		})
	}
	return weights, nil
}

// LoadReport lists the names that did not line up during a load.
type LoadReport struct {
	Loaded     int
	Missing    []string // model tensors absent from the checkpoint
	Unexpected []string // checkpoint tensors the model does not have
}

// LoadWeights copies checkpoint data into the model tensors of the same
// name. A non-strict load tolerates missing and unexpected names and reports
// them; a strict load fails on missing names. A shape disagreement on a name
// both sides have is always an error, and nothing is copied in that case.
func LoadWeights(named []training.NamedTensor, weights []WeightTensor, strict bool) (*LoadReport, error) {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	report := &LoadReport{}
	type pending struct {
		dst []float32
		src []float32
	}
	var copies []pending
	seen := make(map[string]bool, len(named))

	for _, nt := range named {
		seen[nt.Name] = true
		w, ok := byName[nt.Name]
		if !ok {
			report.Missing = append(report.Missing, nt.Name)
			continue
		}
		if !sameShape(nt.Tensor.Shape, w.Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: model %v, checkpoint %v", nt.Name, nt.Tensor.Shape, w.Shape)
		}
		dst, err := nt.Tensor.Float32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %s", nt.Name)
		}
		copies = append(copies, pending{dst: dst, src: w.Data})
	}
	for _, w := range weights {
		if !seen[w.Name] {
			report.Unexpected = append(report.Unexpected, w.Name)
		}
	}
	sort.Strings(report.Unexpected)

	if strict && len(report.Missing) > 0 {
		return report, errors.Wrapf(ErrMissingKeys, "%s", strings.Join(report.Missing, ", "))
	}

	for _, c := range copies {
		copy(c.dst, c.src)
	}
	report.Loaded = len(copies)
	return report, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
