package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPath returns ~/.recall/recall.json, or "" when the home directory
// cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".recall", "recall.json")
}

// Loader reads and writes the configuration file.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path means the default location.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the effective config file path.
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultPath()
}

// Load reads the config file, applies RECALL_ environment overrides, and
// fills defaults. A missing file yields the defaults, not an error.
func (l *Loader) Load() (*Config, error) {
	path := l.Path()
	if path == "" {
		return nil, fmt.Errorf("cannot determine config path")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment keys still apply when the file is absent.
	if key := os.Getenv("RECALL_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("RECALL_EXTRACTION_API_KEY"); key != "" {
		cfg.Extraction.APIKey = key
	}
	if key := os.Getenv("RECALL_REWRITE_API_KEY"); key != "" {
		cfg.Rewrite.APIKey = key
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "recall.log")
	}
	// The rewriter and extractor usually share one account.
	if cfg.Rewrite.APIKey == "" {
		cfg.Rewrite.APIKey = cfg.Extraction.APIKey
	}
	return cfg, nil
}

// Save writes the configuration to the config file, creating the directory
// as needed.
func (l *Loader) Save(cfg *Config) error {
	path := l.Path()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("embedding", cfg.Embedding)
	v.Set("extraction", cfg.Extraction)
	v.Set("rewrite", cfg.Rewrite)
	v.Set("gardener", cfg.Gardener)
	v.Set("retrieval", cfg.Retrieval)
	v.Set("metrics", cfg.Metrics)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience wrapper over NewLoader(path).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
