package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resumevault.log")
	logger, closer := New("info", FileOptions{Path: path, MaxSizeMB: 1})
	logger.Info("sweep completed", "deleted", 1)
	logger.Debug("suppressed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "sweep completed", entry["msg"])
	assert.NotContains(t, string(data), "suppressed")
}

func TestStartSpanCarriesTraceAcrossChildren(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info"))

	ctx, parent := StartSpan(ctx, "sweeper.run")
	traceID := TraceIDFromContext(ctx)
	require.NotEmpty(t, traceID)

	child, span := StartSpan(ctx, "sweeper.reclaim")
	assert.Equal(t, traceID, TraceIDFromContext(child))
	assert.NotEqual(t, SpanIDFromContext(ctx), SpanIDFromContext(child))
	span.End()
	parent.End()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "sweeper.reclaim", entry["span_name"])
	assert.Equal(t, SpanIDFromContext(ctx), entry["parent_span_id"])
}
