package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for values that would fail at runtime.
// It returns the first problem found.
func Validate(cfg *Config) error {
	if err := validateProvider("embedding", cfg.Embedding.Provider, []string{"openai"}); err != nil {
		return err
	}
	if err := validateAPIKey(cfg.Embedding.Provider, cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if cfg.Embedding.Model == "" {
		return fmt.Errorf("embedding: model cannot be empty")
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding: dimension must be positive, got %d", cfg.Embedding.Dimension)
	}

	if err := validateProvider("extraction", cfg.Extraction.Provider, []string{"openai", "anthropic"}); err != nil {
		return err
	}
	if err := validateAPIKey(cfg.Extraction.Provider, cfg.Extraction.APIKey); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	if cfg.Extraction.ThrottleMinutes < 1 {
		return fmt.Errorf("extraction: throttle_minutes must be at least 1, got %d", cfg.Extraction.ThrottleMinutes)
	}
	if cfg.Extraction.RelevanceFloor <= 0 || cfg.Extraction.RelevanceFloor >= 1 {
		return fmt.Errorf("extraction: relevance_floor must be in (0, 1), got %g", cfg.Extraction.RelevanceFloor)
	}

	if _, err := cron.ParseStandard(cfg.Gardener.Schedule); err != nil {
		return fmt.Errorf("gardener: invalid schedule %q: %w", cfg.Gardener.Schedule, err)
	}
	if cfg.Gardener.RecencyHalfLifeDays < 1 {
		return fmt.Errorf("gardener: recency_half_life_days must be at least 1, got %d", cfg.Gardener.RecencyHalfLifeDays)
	}

	if cfg.Retrieval.DefaultBudget < 0 {
		return fmt.Errorf("retrieval: default_budget cannot be negative, got %d", cfg.Retrieval.DefaultBudget)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr cannot be empty when metrics are enabled")
	}
	return nil
}

func validateProvider(section, provider string, allowed []string) error {
	for _, a := range allowed {
		if provider == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown provider %q (supported: %s)", section, provider, strings.Join(allowed, ", "))
}

func validateAPIKey(provider, key string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("anthropic API keys start with sk-ant-")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("openai API keys start with sk-")
		}
	}
	return nil
}
