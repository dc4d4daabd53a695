package cli

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plugd/internal/daemon"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the plugd daemon",
	Long: `Stop the plugd daemon gracefully.
Sends SIGTERM to the daemon and waits for it to unload its plugins.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Rescan the plugin directories of the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd, reloadCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()
	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())

	if err := lm.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(out, "Daemon is not running")
			return nil
		}
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lm.IsRunning() {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := lm.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	if err := lm.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	if err := lm.Signal(syscall.SIGHUP); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Plugin rescan requested")
	return nil
}
