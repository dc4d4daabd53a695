package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/plugd/internal/config"
	"github.com/harun/plugd/internal/daemon"
	"github.com/harun/plugd/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the plugd daemon in the foreground",
	Long: `Run the plugd daemon in the foreground. It loads every plugin, restores
tenant state and serves the administrative gateway until SIGINT or SIGTERM.
SIGHUP rescans the plugin directories.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	d.Wait()
	return nil
}

func loggerConfig(c config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:     c.Level,
		File:      c.File,
		Console:   c.Console,
		Pretty:    c.Pretty,
		Redaction: c.Redaction,
		MaxSize:   c.MaxSize,
		MaxAge:    c.MaxAge,
		Compress:  c.Compress,
	}
}
