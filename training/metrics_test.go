package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(4)
	assert.Equal(t, 0.0, cm.Accuracy())

	// (predicted, actual)
	for _, pa := range [][2]int{{0, 0}, {0, 0}, {1, 1}, {2, 1}, {2, 2}, {3, 3}, {3, 3}, {0, 3}} {
		require.NoError(t, cm.Add(pa[0], pa[1]))
	}
	assert.Equal(t, 8, cm.Total())
	assert.Equal(t, 6, cm.Correct())
	assert.InDelta(t, 0.75, cm.Accuracy(), 1e-9)

	assert.InDelta(t, 2.0/3, cm.Precision(0), 1e-9)
	assert.InDelta(t, 1.0, cm.Recall(0), 1e-9)
	assert.InDelta(t, 0.8, cm.F1(0), 1e-9)
	assert.InDelta(t, 0.5, cm.Recall(1), 1e-9)
	assert.InDelta(t, 0.5, cm.Precision(2), 1e-9)
	assert.InDelta(t, 2.0/3, cm.Recall(3), 1e-9)

	macroP := (2.0/3 + 1 + 0.5 + 1) / 4
	assert.InDelta(t, macroP, cm.MacroPrecision(), 1e-9)
	assert.InDelta(t, (1+0.5+1+2.0/3)/4, cm.MacroRecall(), 1e-9)
	assert.Greater(t, cm.MacroF1(), 0.0)
	assert.LessOrEqual(t, cm.MacroF1(), 1.0)
	assert.Contains(t, cm.String(), "0:    2    0    0    0")

	assert.Error(t, cm.Add(4, 0))
	assert.Error(t, cm.Add(0, -1))

	cm.Reset()
	assert.Equal(t, 0, cm.Total())
	assert.Equal(t, 0.0, cm.Precision(0), "never predicted")
}
