package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/memory"
)

var (
	rememberImportance int
	rememberTags       []string
	rememberPin        bool
)

var rememberCmd = &cobra.Command{
	Use:   "remember <fact>",
	Short: "Store a fact directly, bypassing extraction",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

func init() {
	rememberCmd.Flags().IntVarP(&rememberImportance, "importance", "i", 50, "importance score (0-99)")
	rememberCmd.Flags().StringSliceVarP(&rememberTags, "tags", "t", nil, "topic tags")
	rememberCmd.Flags().BoolVarP(&rememberPin, "pin", "p", false, "pin the fact: always included in retrieval")
	rootCmd.AddCommand(rememberCmd)
}

func runRemember(cmd *cobra.Command, args []string) error {
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

	importance := rememberImportance
	if rememberPin {
		importance = memory.GuaranteedImportance
	}

	fact, merged, err := store.AddMemory(context.Background(), memory.AddMemoryParams{
		Content:    strings.Join(args, " "),
		Importance: importance,
		Tags:       rememberTags,
	})
	if err != nil {
		return err
	}

	if merged {
		fmt.Printf("Merged into existing fact %s: %s\n", fact.ID, fact.Content)
	} else {
		fmt.Printf("Remembered %s\n", fact.ID)
	}
	return nil
}
