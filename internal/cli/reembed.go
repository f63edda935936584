package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed all facts and threads with the configured model",
	Long: `Re-embed every fact and thread with the currently configured embedding
model and rebuild both vector indexes. Required after changing the
embedding model: cached vectors from different models are not
comparable.`,
	RunE: runReembed,
}

func init() {
	rootCmd.AddCommand(reembedCmd)
}

func runReembed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, log, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	defer store.Close()

	start := time.Now()
	fmt.Printf("Re-embedding with %s, this may take a while...\n", cfg.Embedding.Model)
	if err := store.ReembedAll(context.Background()); err != nil {
		return err
	}
	fmt.Printf("Done in %s\n", time.Since(start).Round(time.Second))
	return nil
}
