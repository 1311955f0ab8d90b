package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l3lb/l3/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNewJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, _, cleanup, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("hidden")
	logger.Info("upstream connected", "host", "a:1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "upstream connected", rec["msg"])
	require.Equal(t, "a:1", rec["host"])
}

func TestNewTextConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, _, cleanup, err := New(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("queue drained", "queued", 0)
	require.Contains(t, buf.String(), "msg=\"queue drained\"")
	require.Contains(t, buf.String(), "queued=0")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, _, err := New(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestLevelVarIsLive(t *testing.T) {
	var buf bytes.Buffer
	logger, level, cleanup, err := New(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Info("before")
	require.Zero(t, buf.Len())

	level.Set(ParseLevel("debug"))
	logger.Debug("after")
	require.Contains(t, buf.String(), "after")
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "l3.log")
	var console bytes.Buffer

	logger, _, cleanup, err := New(config.LoggingConfig{
		Level:      "info",
		Format:     "text",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, &console)
	require.NoError(t, err)

	logger.With("component", "pool").Info("started", "hosts", 2)
	cleanup()

	require.Contains(t, console.String(), "started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	require.Equal(t, "started", rec["msg"])
	require.Equal(t, "pool", rec["component"])
	require.EqualValues(t, 2, rec["hosts"])
}
