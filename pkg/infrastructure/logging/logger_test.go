package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, level)

	level, err = ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: WarnLevel, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")
	logger.Error("also visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "also visible")
}

func TestTextFormatIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: DebugLevel, Output: &buf})

	logger.Info("cache miss", map[string]interface{}{"key": "stylesheet"})

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "cache miss")
	assert.Contains(t, out, "key=stylesheet")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})

	logger.Info("started", map[string]interface{}{"workers": 4})

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "started", entry.Message)
	assert.Equal(t, float64(4), entry.Fields["workers"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})

	logger.WithComponent("cache").Info("hello")

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cache", entry.Fields["component"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: ErrorLevel, Output: &buf})

	logger.Info("before")
	logger.SetLevel(DebugLevel)
	logger.Debugf("after %d", 1)

	lines := strings.TrimSpace(buf.String())
	assert.NotContains(t, lines, "before")
	assert.Contains(t, lines, "after 1")
}

func TestGlobalLoggerLazyInit(t *testing.T) {
	logger := GetGlobalLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.IsEnabled(ErrorLevel))
}
