package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer l.Close()

		l.Zerolog().Info().Msg("console message")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "recall.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		l.Zerolog().Info().Str("component", "test").Msg("file message")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "file message")
	})

	t.Run("redaction scrubs credentials in output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "recall.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		l.Zerolog().Error().Msg("provider rejected key sk-ant-REDACTED")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "[REDACTED]")
		assert.NotContains(t, string(data), "sk-ant-")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "recall.log")

		l, err := New(Config{Level: "loud", File: logFile})
		require.NoError(t, err)

		l.Zerolog().Debug().Msg("below the fallback level")
		l.Zerolog().Info().Msg("at the fallback level")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(data), "below the fallback level"))
		assert.Contains(t, string(data), "at the fallback level")
	})
}

func TestZerolog_ReturnsStableHandle(t *testing.T) {
	l, err := New(Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer l.Close()

	zl := l.Zerolog()
	require.Same(t, zl, l.Zerolog())
	zl.Info().Str("component", "test").Msg("level call on returned handle")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Positive(t, cfg.MaxSizeMB)
}
