package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates file and parent directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "recall.log")

		w, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("resumes size from existing file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "recall.log")
		require.NoError(t, os.WriteFile(logFile, []byte("existing content\n"), 0644))

		w, err := NewRotatingWriter(logFile, 10, 0, false)
		require.NoError(t, err)
		defer w.Close()

		assert.Equal(t, int64(17), w.size)
	})
}

func TestRotatingWriter_Write(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "recall.log")

	w, err := NewRotatingWriter(logFile, 10, 0, false)
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Write([]byte("log line\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, int64(9), w.size)
}

func TestRotatingWriter_RotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "recall.log")

	w, err := NewRotatingWriter(logFile, 10, 0, false)
	require.NoError(t, err)
	defer w.Close()

	// Force the limit low enough that the second write must rotate.
	w.maxSize = 16
	_, err = w.Write([]byte(strings.Repeat("a", 12)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 12)))
	require.NoError(t, err)

	entries, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.Len(t, entries, 1, "one rotated file")

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 12), string(current))

	rotated, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 12), string(rotated))
}

func TestRotatingWriter_ExpiresOldFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "recall.log")

	old := logFile + ".20200101-000000"
	require.NoError(t, os.WriteFile(old, []byte("ancient"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	w, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired rotation removed on open")
}

func TestRotatingWriter_NoLimit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "recall.log")

	w, err := NewRotatingWriter(logFile, 0, 0, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte(strings.Repeat("x", 4096)))
	require.NoError(t, err)

	entries, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.Empty(t, entries, "maxSize zero never rotates")
}
