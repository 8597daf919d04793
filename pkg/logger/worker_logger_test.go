package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_FormatsAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf, Service: "test"})

	l.WithFields(map[string]any{"account_id": 7}).Info("[Svc.Run] synced %d messages", 3)
	l.WithError(errors.New("boom")).Warn("plain message")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "[Svc.Run] synced 3 messages", lines[0]["message"])
	assert.Equal(t, float64(7), lines[0]["account_id"])
	assert.Equal(t, "test", lines[0]["service"])

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown %s", "x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown x", lines[0]["message"])
}

func TestLogger_WithContextRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	l.WithContext(ctx).Info("handled")
	l.WithContext(context.Background()).Info("no id")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.NotContains(t, lines[1], "request_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestInitReplacesDefault(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	Info("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}
