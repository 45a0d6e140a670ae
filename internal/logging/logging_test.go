package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitsByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := NewWithWriters(Options{Level: "info", JSON: true}, &stdout, &stderr)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("fold done", zap.Int("fold", 3))
	logger.Error("broken")
	require.NoError(t, logger.Sync())

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.Equal(t, "fold done", rec["msg"])
	assert.Equal(t, float64(3), rec["fold"])
	assert.NotContains(t, stdout.String(), "hidden")
	assert.NotContains(t, stdout.String(), "broken")
	assert.Contains(t, stderr.String(), "broken")
}

func TestConsoleAndLevels(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := NewWithWriters(Options{Level: "error"}, &stdout, &stderr)
	require.NoError(t, err)
	logger.Warn("quiet")
	logger.Error("loud")
	require.NoError(t, logger.Sync())
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "ERROR")

	_, err = NewWithWriters(Options{Level: "chatty"}, &stdout, &stderr)
	assert.Error(t, err)

	assert.NotNil(t, OrNop(nil))
}
