package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf).InfoContext(context.Background(), "manager started", "mailbox", 64)

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "account_id")
	assert.Equal(t, "manager started", entry["msg"])
	assert.EqualValues(t, 64, entry["mailbox"])
}

func TestTraceHandler_SpanContext(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf).InfoContext(spanContext(t), "download persisted")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_AccountID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithAccountID(spanContext(t), "acc-1")
	newTestLogger(&buf).WarnContext(ctx, "subscriber replaced")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "acc-1", entry["account_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
}

func TestTraceHandler_EmptyAccountIDIgnored(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf).InfoContext(WithAccountID(context.Background(), ""), "noop")

	assert.NotContains(t, decodeEntry(t, &buf), "account_id")
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("download")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(context.Background(), "transition", "status", "ACTIVE")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "manager", entry["component"])

	group, ok := entry["download"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", group["status"])
}

func TestNewTraceHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}
