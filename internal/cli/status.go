package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and store status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if pid, running := readPID(pidFilePath(cfg.DataDir)); running {
		fmt.Printf("Daemon:  running (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon:  stopped")
	}

	store, log, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Store:   %s\n", cfg.DBPath())
	fmt.Printf("Facts:   %d (%d guaranteed)\n", stats.Memories, stats.GuaranteedFacts)
	fmt.Printf("Threads: %d (%d stale)\n", stats.Threads, stats.StaleThreads)
	fmt.Printf("Buffer:  %d pending exchanges\n", stats.PendingExchanges)
	fmt.Printf("Cache:   %d embeddings\n", stats.CachedEmbeddings)
	if stats.LastExtraction != nil {
		fmt.Printf("Last extraction: %s ago\n", time.Since(*stats.LastExtraction).Round(time.Second))
	} else {
		fmt.Println("Last extraction: never")
	}
	if store.ReembedRequired() {
		fmt.Println("NOTE: embedding model changed, run `recall reembed`")
	}
	return nil
}
