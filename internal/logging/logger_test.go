package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopLogger(t *testing.T) {
	logger := Noop()
	assert.NotPanics(t, func() {
		logger.Debug("test message", "arg1", "arg2")
		logger.Info("test message", "arg1", "arg2")
		logger.Warn("test message", "arg1", "arg2")
		logger.Error("test message", "arg1", "arg2")
	})
	assert.Equal(t, Noop(), OrNoop(nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("dropped duplicates", "count", 3)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"count":3`)

	var l Logger = logger
	require.NotNil(t, l)
}
