package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestControllerToggleFlipsDebug(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewController(ControllerConfig{Level: "info", Stderr: &buf})
	require.NoError(t, err)

	c.Logger().Debug("hidden", nil)
	assert.NotContains(t, buf.String(), "hidden")

	assert.Equal(t, slog.LevelDebug, c.Toggle())
	c.Logger().Debug("visible", LogFields{"shard": "s1"})
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "shard=s1")

	assert.Equal(t, slog.LevelInfo, c.Toggle())
}

func TestControllerToggleFromDebugBase(t *testing.T) {
	c, err := NewController(ControllerConfig{Level: "debug", Stderr: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, c.Toggle())
}

func TestControllerReopenFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rflow.log")

	c, err := NewController(ControllerConfig{Path: path, Level: "info"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Logger().Info("before rotation", nil)
	require.NoError(t, os.Rename(path, path+".1"))

	require.NoError(t, c.Reopen())
	c.Logger().Info("after rotation", nil)

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	current, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(rotated), "before rotation")
	assert.NotContains(t, string(rotated), "after rotation")
	assert.Contains(t, string(current), "after rotation")
}

func TestControllerReopenWithoutFileIsNoop(t *testing.T) {
	c, err := NewController(ControllerConfig{Stderr: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.NoError(t, c.Reopen())
	assert.NoError(t, c.Close())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestZapServiceLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapServiceLogger(zap.New(core))

	child := logger.With(LogFields{"component": "filter"})
	child.Info("processed", LogFields{"port": "in"})
	child.Error("failed", errors.New("boom"), nil)
	child.Trace("trace", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "processed", entries[0].Message)
	assert.Equal(t, "filter", entries[0].ContextMap()["component"])
	assert.Equal(t, "in", entries[0].ContextMap()["port"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, true, entries[2].ContextMap()["trace"])

	assert.Same(t, logger, logger.With(nil))
}

func TestZapServiceLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewZapServiceLogger(nil) })
}
