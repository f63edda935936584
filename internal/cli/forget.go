package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <fact-id>",
	Short: "Delete a fact and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
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

	if err := store.DeleteMemory(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Forgot %s\n", args[0])
	return nil
}
