package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	log := WithBatch("transport", "batch-1")
	log.Error().Int("items", 3).Msg("send failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "transport", line["component"])
	assert.Equal(t, "batch-1", line["batch_id"])
	assert.Equal(t, float64(3), line["items"])
	assert.Equal(t, "send failed", line["message"])
}
