// ABOUTME: Tests for logger construction
// ABOUTME: Covers level parsing, color console output, JSON output and file rotation

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/upkeep/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNew_ColorConsole(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger, closer := New(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	defer closer.Close()

	logger.Debug("hidden")
	logger.With("component", "store").WithGroup("op").Info("query done", "rows", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF query done")
	assert.Contains(t, out, "component=store")
	assert.Contains(t, out, "op.rows=3")
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	defer closer.Close()

	logger.Debug("migration applied", "version", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "migration applied", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.EqualValues(t, 2, rec["version"])
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "upkeep.log")
	var console bytes.Buffer

	logger, closer := New(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, &console)

	logger.Warn("account locked", "identifier", "tech@example.com")
	require.NoError(t, closer.Close())

	assert.Empty(t, console.String(), "file logging bypasses the console")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"account locked"`)
}
