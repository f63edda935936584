package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List memory threads",
	RunE:  runThreads,
}

func init() {
	rootCmd.AddCommand(threadsCmd)
}

func runThreads(cmd *cobra.Command, args []string) error {
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

	threads, err := store.ListThreads(context.Background())
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("No threads yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFACTS\tUPDATED\tSTATE")
	for _, th := range threads {
		state := "ok"
		switch {
		case th.Stale:
			state = "stale"
		case th.Dirty:
			state = "dirty"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			th.ID, th.Name, len(th.MemoryIDs), th.LastUpdated.Format("2006-01-02 15:04"), state)
	}
	return w.Flush()
}
