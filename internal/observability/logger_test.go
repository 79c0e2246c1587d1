package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_ConsoleColors(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("polling widget", zap.Int("attempt", 1))
	logger.Warn("solve failed")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, colorMagenta+"DEBUG"+colorReset)
	assert.Contains(t, out, colorYellow+"WARN"+colorReset)
	assert.Contains(t, out, "turnstiled.")
	assert.Contains(t, out, "polling widget")
	assert.Contains(t, out, `"attempt": 1`)
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("visible", zap.String("task_id", "abc"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "abc", entry["task_id"])
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstiled.log")
	logger, err := New(config.LogConfig{Level: "info", File: path, MaxSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "0123456789...", Redact("0123456789abcdef"))
	assert.Equal(t, "short...", Redact("short"))
}
