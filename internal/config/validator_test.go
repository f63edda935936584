package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "sk-embedding-test"
	cfg.Extraction.APIKey = "sk-extraction-test"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown embedding provider",
			mutate: func(c *Config) { c.Embedding.Provider = "local" },
			want:   "unknown provider",
		},
		{
			name:   "missing embedding key",
			mutate: func(c *Config) { c.Embedding.APIKey = "" },
			want:   "API key cannot be empty",
		},
		{
			name:   "zero dimension",
			mutate: func(c *Config) { c.Embedding.Dimension = 0 },
			want:   "dimension",
		},
		{
			name: "anthropic key shape",
			mutate: func(c *Config) {
				c.Extraction.Provider = "anthropic"
				c.Extraction.APIKey = "sk-wrong-prefix"
			},
			want: "sk-ant-",
		},
		{
			name:   "throttle below a minute",
			mutate: func(c *Config) { c.Extraction.ThrottleMinutes = 0 },
			want:   "throttle_minutes",
		},
		{
			name:   "relevance floor out of range",
			mutate: func(c *Config) { c.Extraction.RelevanceFloor = 1.2 },
			want:   "relevance_floor",
		},
		{
			name:   "bad cron schedule",
			mutate: func(c *Config) { c.Gardener.Schedule = "whenever" },
			want:   "schedule",
		},
		{
			name:   "negative budget",
			mutate: func(c *Config) { c.Retrieval.DefaultBudget = -1 },
			want:   "default_budget",
		},
		{
			name: "metrics enabled without addr",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			want: "addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
