package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embedding.APIKey = "sk-test-embedding"
	cfg.Extraction.APIKey = "sk-test-extraction"
	cfg.Rewrite.Enabled = false
	cfg.Logging.Console = false
	return cfg
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return l
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	require.NotNil(t, d.Store())
	require.NotNil(t, d.Engine())
	require.NotNil(t, d.Pipeline())

	require.NoError(t, d.Store().Close())
}

func TestNew_UnknownExtractionProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extraction.Provider = "carrier-pigeon"

	_, err := New(cfg, newTestLogger(t))
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "double start is rejected")

	// Ingestion works while running and does not trigger extraction.
	require.NoError(t, d.Pipeline().BufferExchange(context.Background(), "ex-1", "hello from the chat layer"))

	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop(), "stop is idempotent")
}

func TestStop_PersistsBufferedExchanges(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	ctx := context.Background()
	require.NoError(t, d.Pipeline().BufferExchange(ctx, "ex-1", "an exchange"))
	require.NoError(t, d.Stop())

	// A fresh daemon over the same data dir sees the buffered exchange.
	d2, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	defer d2.Store().Close()

	pending, err := d2.Store().PendingExchanges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ex-1", pending[0].ExchangeID)
}
