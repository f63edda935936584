package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 20, cfg.Extraction.ThrottleMinutes)
	assert.InDelta(t, 0.55, cfg.Extraction.RelevanceFloor, 1e-9)
	assert.Equal(t, 2048, cfg.Retrieval.DefaultBudget)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, filepath.Dir(path), cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "`+dir+`",
		"embedding": {"provider": "openai", "model": "text-embedding-3-large", "api_key": "sk-test", "dimension": 3072},
		"extraction": {"provider": "anthropic", "model": "claude-sonnet-4-5", "api_key": "sk-ant-test", "throttle_minutes": 30}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 3072, cfg.Embedding.Dimension)
	assert.Equal(t, "anthropic", cfg.Extraction.Provider)
	assert.Equal(t, 30, cfg.Extraction.ThrottleMinutes)
	// Unset sections keep defaults.
	assert.Equal(t, "0 */6 * * *", cfg.Gardener.Schedule)
	assert.Equal(t, filepath.Join(dir, "recall.db"), cfg.DBPath())
}

func TestLoad_EnvironmentKeys(t *testing.T) {
	t.Setenv("RECALL_EMBEDDING_API_KEY", "sk-from-env")
	t.Setenv("RECALL_EXTRACTION_API_KEY", "sk-extraction-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "recall.json"))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-extraction-env", cfg.Extraction.APIKey)
	assert.Equal(t, "sk-extraction-env", cfg.Rewrite.APIKey, "rewrite falls back to the extraction key")
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "recall.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Dir(path)
	cfg.Embedding.APIKey = "sk-saved"
	cfg.Retrieval.DefaultBudget = 512
	require.NoError(t, loader.Save(cfg))

	got, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-saved", got.Embedding.APIKey)
	assert.Equal(t, 512, got.Retrieval.DefaultBudget)
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "sk-proj-abcdefghijklmnop"

	out, err := cfg.Redacted()
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-proj-abcdefghijklmnop")
	assert.Contains(t, out, "sk-p...mnop")
}
