package checkpoints

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-histocv/training"
)

func smallModel(t *testing.T, seed int64) *training.Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	conv, err := training.NewConv2D(3, 4, 3, 1, 1, false, rng)
	require.NoError(t, err)
	bn, err := training.NewBatchNorm2D(4, 0, 0)
	require.NoError(t, err)
	return training.NewSequential(conv, bn)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			src := smallModel(t, 1)
			weights, err := ExtractWeights(src.NamedTensors(""))
			require.NoError(t, err)
			weights[3].Data[0] = 0.25 // running_mean differs from the default

			path := filepath.Join(t.TempDir(), "weights.bin")
			if format == FormatONNX {
				path = filepath.Join(t.TempDir(), "weights.onnx")
			}
			saver := NewCheckpointSaver(format)
			require.NoError(t, saver.SaveCheckpoint(&Checkpoint{
				Weights:  weights,
				Metadata: CheckpointMetadata{Description: "round trip"},
			}, path))

			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)
			require.Len(t, loaded.Weights, len(weights))
			for i := range weights {
				assert.Equal(t, weights[i].Name, loaded.Weights[i].Name)
				assert.Equal(t, weights[i].Shape, loaded.Weights[i].Shape)
				assert.Equal(t, weights[i].Data, loaded.Weights[i].Data)
				assert.Equal(t, weights[i].Buffer, loaded.Weights[i].Buffer)
			}
			assert.Equal(t, "round trip", loaded.Metadata.Description)

			dst := smallModel(t, 2)
			report, err := LoadWeights(dst.NamedTensors(""), loaded.Weights, true)
			require.NoError(t, err)
			assert.Equal(t, 5, report.Loaded)
			assert.Equal(t, src.NamedTensors("")[0].Tensor.Data, dst.NamedTensors("")[0].Tensor.Data)
			assert.Equal(t, float32(0.25), dst.NamedTensors("")[3].Tensor.Data.([]float32)[0])
		})
	}
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatONNX, FormatForPath("/tmp/resnet50.ONNX"))
	assert.Equal(t, FormatJSON, FormatForPath("/tmp/resnet50.json"))
}

func TestNonStrictLoad(t *testing.T) {
	model := smallModel(t, 3)
	weights, err := ExtractWeights(model.NamedTensors("backbone"))
	require.NoError(t, err)

	extra := WeightTensor{Name: "fc.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}}
	partial := append([]WeightTensor{extra}, weights[1:]...)

	target := smallModel(t, 4)
	before := append([]float32(nil), target.NamedTensors("backbone")[0].Tensor.Data.([]float32)...)

	report, err := LoadWeights(target.NamedTensors("backbone"), partial, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"backbone.0.weight"}, report.Missing)
	assert.Equal(t, []string{"fc.weight"}, report.Unexpected)
	assert.Equal(t, 4, report.Loaded)
	assert.Equal(t, before, target.NamedTensors("backbone")[0].Tensor.Data.([]float32))

	_, err = LoadWeights(target.NamedTensors("backbone"), partial, true)
	assert.True(t, errors.Is(err, ErrMissingKeys))
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	model := smallModel(t, 5)
	bad := []WeightTensor{{Name: "0.weight", Shape: []int{4, 3, 1, 1}, Data: make([]float32, 12)}}
	_, err := LoadWeights(model.NamedTensors(""), bad, false)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestDecodeRawData(t *testing.T) {
	// A tensor written by an external exporter: dims, data_type, name, raw_data.
	raw := []byte{
		0x08, 0x02, // dims: 2
		0x10, 0x01, // data_type: FLOAT
		0x42, 0x01, 'w', // name: "w"
		0x4a, 0x08, 0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x40, // raw_data: 1.0, 2.0
	}
	w, err := decodeTensor(raw)
	require.NoError(t, err)
	assert.Equal(t, "w", w.Name)
	assert.Equal(t, []int{2}, w.Shape)
	assert.Equal(t, []float32{1, 2}, w.Data)

	_, err = decodeONNX([]byte{0x3a, 0x05, 0x2a})
	require.Error(t, err)
}
