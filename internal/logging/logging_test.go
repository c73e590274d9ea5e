package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetup_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	defer cleanup()

	logger.Info("test_event", slog.String("key", "value"))

	data, err := os.ReadFile(filepath.Join(dir, "notedex.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "test_event")
	assert.Contains(t, string(data), "key=value")
}

func TestSetup_DebugFiltered(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Level = "warn"

	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("hidden_event")
	logger.Warn("visible_event")

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden_event")
	assert.Contains(t, string(data), "visible_event")
}
