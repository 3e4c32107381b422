package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/config"
)

func TestNewWriterJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWriter(&buf, config.LoggerConfig{Level: "info", Format: "json"}), "projector")

	log.Debug("hidden")
	log.Warn("malformed frame", "line", "data: {")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "malformed frame", entry["msg"])
	assert.Equal(t, "projector", entry["component"])
	assert.Equal(t, "data: {", entry["line"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLevel(input), input)
	}
}

func TestOpenOutputTargets(t *testing.T) {
	w, closer, err := openOutput("stdout")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	assert.NoError(t, closer())

	w, _, err = openOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)

	path := filepath.Join(t.TempDir(), "chatstream.log")
	log, closer, err := New(config.LoggerConfig{Output: path, Format: "text"})
	require.NoError(t, err)
	log.Info("turn finished", "turn", "01H")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "turn finished")

	_, _, err = New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
