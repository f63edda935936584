package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

var observeCmd = &cobra.Command{
	Use:   "observe [text]",
	Short: "Buffer a conversation exchange for extraction",
	Long: `Buffer a conversation exchange for the extraction pipeline. Text is
read from arguments, or from stdin when none are given. Buffered
exchanges are processed by the daemon on its next extraction run.`,
	RunE: runObserve,
}

func init() {
	rootCmd.AddCommand(observeCmd)
}

func runObserve(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if text == "" {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var lines []string
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return err
		}
		text = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	if text == "" {
		return fmt.Errorf("nothing to observe")
	}

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

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	if err := store.BufferExchange(context.Background(), id, text); err != nil {
		return err
	}
	fmt.Printf("Buffered exchange %s\n", id)
	return nil
}
