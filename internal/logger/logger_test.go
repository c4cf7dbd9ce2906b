package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(" INFO "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("bogus"))
}

func TestWithContext_AddsSessionID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := New(slog.LevelInfo, true, &buf)

	ctx := ContextWithSessionID(context.Background(), "abc-123")
	l.WithContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"session_id":"abc-123"`)
	assert.Equal(t, "abc-123", SessionIDFromContext(ctx))
	assert.Empty(t, SessionIDFromContext(context.Background()))
}

func TestWithComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	New(slog.LevelInfo, false, &buf).WithComponent("store").Info("opened")
	require.Contains(t, buf.String(), "component=store")
}
