package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/recall/internal/daemon"
	"github.com/harun/recall/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the recall daemon",
	Long: `Run the daemon in the foreground. It drains the exchange buffer on the
extraction throttle, runs maintenance sweeps on the gardener schedule, and
serves metrics when enabled.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg.DataDir)
	if pid, running := readPID(pidFile); running {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if err := writePID(pidFile); err != nil {
		log.Zerolog().Warn().Err(err).Msg("Failed to write pid file")
	}
	defer os.Remove(pidFile)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Zerolog().Info().Str("signal", sig.String()).Msg("Shutting down")

	return d.Stop()
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recall.pid")
}

func writePID(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPID reports the recorded pid and whether that process is alive.
func readPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	return pid, process.Signal(syscall.Signal(0)) == nil
}
