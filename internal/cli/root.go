// Package cli implements the recall command tree.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/pkg/memory"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - semantic long-term memory for your assistant",
	Long: `recall extracts atomic facts from conversation, organizes them into
overlapping threads, and serves budget-constrained context for any query.
Run the daemon for background extraction and maintenance, or use the
one-shot commands to manage facts directly.`,
	Version: version,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.recall/recall.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the build version string.
func GetVersion() string {
	return version
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the memory store for a one-shot command. The caller must
// Close it.
func openStore(cfg *config.Config) (*memory.Store, *logger.Logger, error) {
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Console: false, File: cfg.Logging.File, Redaction: true})
	if err != nil {
		return nil, nil, err
	}

	provider := memory.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model,
		time.Duration(cfg.Embedding.TimeoutMS)*time.Millisecond)
	store, err := memory.Open(memory.StoreConfig{
		DBPath:   cfg.DBPath(),
		Provider: provider,
		Logger:   *log.Zerolog(),
	})
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return store, log, nil
}
