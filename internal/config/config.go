// Package config defines the recall configuration, loaded from
// ~/.recall/recall.json with RECALL_ environment overrides.
package config

import (
	"encoding/json"
	"path/filepath"

	"github.com/harun/recall/internal/logger"
)

// Config is the full recall configuration.
type Config struct {
	// DataDir holds the database, log files, and anything else durable.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Embedding  EmbeddingConfig  `json:"embedding" mapstructure:"embedding"`
	Extraction ExtractionConfig `json:"extraction" mapstructure:"extraction"`
	Rewrite    RewriteConfig    `json:"rewrite" mapstructure:"rewrite"`
	Gardener   GardenerConfig   `json:"gardener" mapstructure:"gardener"`
	Retrieval  RetrievalConfig  `json:"retrieval" mapstructure:"retrieval"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Logging    logger.Config    `json:"logging" mapstructure:"logging"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"`
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	TimeoutMS int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// ExtractionConfig tunes the librarian.
type ExtractionConfig struct {
	Provider        string  `json:"provider" mapstructure:"provider"`
	Model           string  `json:"model" mapstructure:"model"`
	APIKey          string  `json:"api_key" mapstructure:"api_key"`
	ThrottleMinutes int     `json:"throttle_minutes" mapstructure:"throttle_minutes"`
	RelevanceFloor  float64 `json:"relevance_floor" mapstructure:"relevance_floor"`
	TimeoutMS       int     `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// RewriteConfig tunes the optional query rewrite collaborator.
type RewriteConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Model   string `json:"model" mapstructure:"model"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
}

// GardenerConfig tunes the maintenance sweep.
type GardenerConfig struct {
	// Schedule is a standard 5-field cron expression.
	Schedule            string `json:"schedule" mapstructure:"schedule"`
	RecencyHalfLifeDays int    `json:"recency_half_life_days" mapstructure:"recency_half_life_days"`
}

// RetrievalConfig tunes the retrieval engine.
type RetrievalConfig struct {
	DefaultBudget    int     `json:"default_budget" mapstructure:"default_budget"`
	ThreadCandidates int     `json:"thread_candidates" mapstructure:"thread_candidates"`
	BonusCandidates  int     `json:"bonus_candidates" mapstructure:"bonus_candidates"`
	RecencyWeight    float64 `json:"recency_weight" mapstructure:"recency_weight"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			TimeoutMS: 15000,
		},
		Extraction: ExtractionConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			ThrottleMinutes: 20,
			RelevanceFloor:  0.55,
			TimeoutMS:       60000,
		},
		Rewrite: RewriteConfig{
			Enabled: true,
			Model:   "gpt-4o-mini",
		},
		Gardener: GardenerConfig{
			Schedule:            "0 */6 * * *",
			RecencyHalfLifeDays: 30,
		},
		Retrieval: RetrievalConfig{
			DefaultBudget:    2048,
			ThreadCandidates: 8,
			BonusCandidates:  16,
			RecencyWeight:    0.1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Logging: logger.DefaultConfig(),
	}
}

// DBPath returns the database file path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "recall.db")
}

// Redacted returns a JSON rendering with API keys masked, for status output.
func (c *Config) Redacted() (string, error) {
	clone := *c
	clone.Embedding.APIKey = mask(clone.Embedding.APIKey)
	clone.Extraction.APIKey = mask(clone.Extraction.APIKey)
	clone.Rewrite.APIKey = mask(clone.Rewrite.APIKey)

	data, err := json.MarshalIndent(&clone, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
