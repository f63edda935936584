package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/recall/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive configuration setup",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewWizard().Run()
	if err != nil {
		return err
	}
	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", loader.Path())
	fmt.Println("Run 'recall start' to launch the daemon.")
	return nil
}
