package training

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportRoundTrip(t *testing.T) {
	a, err := NewReportRow("n001.tif", []float32{0.7, 0.1, 0.1, 0.1}, 0, 0)
	require.NoError(t, err)
	b, err := NewReportRow("iv002.tif", []float32{0.4, 0.1, 0.1, 0.4}, 3, 0)
	require.NoError(t, err)
	assert.True(t, a.Eval)
	assert.False(t, b.Eval)

	path := filepath.Join(t.TempDir(), "out", ReportFileName(7))
	assert.Equal(t, "results_7.csv", filepath.Base(path))
	require.NoError(t, WriteReport(path, []ReportRow{a, b}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "sample_id,p0,p1,p2,p3,label,pred,eval\n"))

	rows, err := ReadReport(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "iv002.tif", rows[1].SampleID)
	assert.Equal(t, 3, rows[1].Label)
	assert.InDeltaSlice(t, []float64{0.4, 0.1, 0.1, 0.4}, rows[1].Probabilities(), 1e-6)
}

func TestReportRowNeedsFourClasses(t *testing.T) {
	_, err := NewReportRow("x", []float32{0.5, 0.5}, 0, 1)
	assert.Error(t, err)
}
