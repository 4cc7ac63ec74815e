package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNew_LevelGating(t *testing.T) {
	assert.True(t, New("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, New("error", "text").Enabled(context.Background(), slog.LevelInfo))
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("license minted", "tier", "pro")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "license minted", line["msg"])
	assert.Equal(t, "pro", line["tier"])
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, slog.Default(), FromContext(ctx))

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_AddsRequestIDAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = With(ctx, "feature", "ai_research")

	L(ctx).Info("gated")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-456", line["request_id"])
	assert.Equal(t, "ai_research", line["feature"])
}

func TestLicenseKeysAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("saved OUTREACH-AB12-CD34-EF56-7890",
		"key", "OUTREACH-AB12-CD34-EF56-7890",
		"note", "keys: OUTREACH-0000-1111-2222-3333, OUTREACH-4444-5555-6666-7777",
		"tier", "pro",
		"count", 3,
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "saved OUTREACH-AB12...", line["msg"])
	assert.Equal(t, "OUTREACH-AB12...", line["key"])
	assert.Equal(t, "keys: OUTREACH-0000..., OUTREACH-4444...", line["note"])
	assert.Equal(t, "pro", line["tier"])
	assert.Equal(t, float64(3), line["count"])
	assert.NotContains(t, buf.String(), "EF56-7890")
}
