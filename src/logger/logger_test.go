package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, ok := ParseLevel("DEBUG")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelDebug, level)

	level, ok = ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestInitLoggerWithOutput(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerWithOutput("warn", &buf)
	t.Cleanup(func() { InitLoggerWithOutput("error", &bytes.Buffer{}) })

	L.Info("dropped")
	L.Warn("kept", "userID", int64(7))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, float64(7), entry["userID"])
	assert.NotEmpty(t, entry["time"])
}
