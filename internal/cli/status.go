package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plugd/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the plugd daemon is running and, when the gateway is reachable, what it has loaded.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()
	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())

	if !lm.IsRunning() {
		fmt.Fprintf(out, "Status: %s\n", color.YellowString("stopped"))
		return nil
	}
	pid, err := lm.GetPID()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: %s\n", color.GreenString("running"))
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(lm.PIDFile()); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Gateway.Enabled || cfg.Gateway.SharedSecret == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client := NewClient(cfg.Gateway.Addr, cfg.Gateway.SharedSecret, actor)
	var order struct {
		Order    []string `json:"order"`
		Warnings []string `json:"warnings"`
	}
	if err := client.Call(ctx, "plugins.order", nil, &order); err != nil {
		fmt.Fprintf(out, "Gateway: %s (%v)\n", color.RedString("unreachable"), err)
		return nil
	}
	var tenants []string
	_ = client.Call(ctx, "tenants.list", nil, &tenants)

	fmt.Fprintf(out, "Gateway: %s\n", cfg.Gateway.Addr)
	fmt.Fprintf(out, "Plugins loaded: %d\n", len(order.Order))
	fmt.Fprintf(out, "Tenants: %d\n", len(tenants))
	for _, w := range order.Warnings {
		fmt.Fprintf(out, "%s %s\n", color.YellowString("warning:"), w)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
