package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerLevels(t *testing.T) {
	logger, err := SetupLogger("warn", "")
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
}

func TestSetupLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	logger, err := SetupLogger("shouting", "")
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestSetupLoggerWritesRotatedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := SetupLogger("info", dir)
	require.NoError(t, err)

	logger.Info("pipeline started", "phase", "discovery")

	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, "capitol-ingest.log"))
}

func TestTracedHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	h := &TracedHandler{Handler: slog.NewJSONHandler(&buf, nil)}
	logger := slog.New(h)

	logger.Info("no span here")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "trace_id")
	assert.NotContains(t, rec, "span_id")
}
