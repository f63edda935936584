package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/retrieval"
	"github.com/harun/recall/pkg/tokenizer"
)

var (
	recallBudget int
	recallJSON   bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Retrieve a context block for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecall,
}

func init() {
	recallCmd.Flags().IntVarP(&recallBudget, "budget", "b", 0, "token budget (default from config)")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "emit the context block as JSON")
	rootCmd.AddCommand(recallCmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
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

	tok, err := tokenizer.New()
	if err != nil {
		log.Zerolog().Warn().Err(err).Msg("Tokenizer encoding unavailable, using byte heuristic")
	}

	engine := retrieval.New(store, tok, nil, *log.Zerolog(), retrieval.Config{
		ThreadCandidates: cfg.Retrieval.ThreadCandidates,
		BonusCandidates:  cfg.Retrieval.BonusCandidates,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
	})

	budget := recallBudget
	if budget <= 0 {
		budget = cfg.Retrieval.DefaultBudget
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	block, err := engine.Retrieve(ctx, strings.Join(args, " "), budget)
	if err != nil {
		return err
	}

	// Query-time access stats are flushed by the daemon's gardener; a
	// one-shot CLI call flushes them itself before exiting.
	if stats := engine.Recorder().Drain(); len(stats) > 0 {
		if err := store.UpdateAccessStats(ctx, stats); err != nil {
			log.Zerolog().Warn().Err(err).Msg("access stat flush failed")
		}
	}

	if recallJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(block)
	}

	if block.Empty() {
		fmt.Println("Nothing relevant remembered.")
		return nil
	}
	if len(block.Guaranteed) > 0 {
		fmt.Println("Always:")
		for _, f := range block.Guaranteed {
			fmt.Printf("  - %s\n", f.Content)
		}
	}
	for _, tg := range block.Threads {
		fmt.Printf("%s:\n", tg.ThreadName)
		for _, f := range tg.Facts {
			fmt.Printf("  - %s\n", f.Content)
		}
	}
	if len(block.Bonus) > 0 {
		fmt.Println("Related:")
		for _, f := range block.Bonus {
			fmt.Printf("  - %s\n", f.Content)
		}
	}
	fmt.Printf("(%d tokens)\n", block.TotalTokens)
	return nil
}
