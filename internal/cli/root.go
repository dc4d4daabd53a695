package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/plugd/internal/config"
)

const version = "0.1.0"

var (
	cfgFile      string
	logLevel     string
	gatewayAddr  string
	sharedSecret string
	actor        string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plugd",
	Short: "plugd - multi-tenant plugin runtime",
	Long: `plugd hosts plugins for many tenants at once. It loads builtin and
external plugins in dependency order, enables them per tenant, checks every
host call against the capabilities a plugin was granted and records what
plugins do.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.plugd/plugd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "", "gateway address (default from config)")
	rootCmd.PersistentFlags().StringVar(&sharedSecret, "secret", "", "gateway shared secret (default from config or "+config.EnvPrefix+"_GATEWAY_SHARED_SECRET)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "principal recorded for administrative changes")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the configuration named by --config and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	if gatewayAddr != "" {
		cfg.Gateway.Addr = gatewayAddr
	}
	if sharedSecret != "" {
		cfg.Gateway.SharedSecret = sharedSecret
	}
	return cfg, nil
}

// newClient builds a gateway client from the configuration
func newClient() (*Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Gateway.SharedSecret == "" {
		return nil, fmt.Errorf("gateway shared secret is not configured (set --secret or %s_GATEWAY_SHARED_SECRET)", config.EnvPrefix)
	}
	return NewClient(cfg.Gateway.Addr, cfg.Gateway.SharedSecret, actor), nil
}
