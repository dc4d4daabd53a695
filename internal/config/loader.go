package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PLUGD_GATEWAY_ADDR
const EnvPrefix = "PLUGD"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path looks for
// plugd.yaml, plugd.yml or plugd.json in the default data directory.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, if present, then applies PLUGD_ overrides.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())

	path, err := l.resolvePath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.Database == "" {
		cfg.Database = cfg.DatabasePath()
	}
	if len(cfg.PluginDirs) == 0 {
		cfg.PluginDirs = []string{filepath.Join(cfg.DataDir, "plugins")}
	}

	return cfg, nil
}

// ConfigPath returns the file Load reads, or "" when there is none
func (l *Loader) ConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return l.configPath, nil
	}

	dir, err := defaultDataDir()
	if err != nil {
		return "", err
	}
	for _, name := range []string{"plugd.yaml", "plugd.yml", "plugd.json"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".plugd"), nil
}

// registerDefaults makes every scalar key known to viper so that environment
// variables can override keys absent from the file.
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("plugin_dirs", cfg.PluginDirs)
	v.SetDefault("watch", cfg.Watch)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("lifecycle.load_timeout", cfg.Lifecycle.LoadTimeout)
	v.SetDefault("lifecycle.enable_timeout", cfg.Lifecycle.EnableTimeout)
	v.SetDefault("lifecycle.disable_timeout", cfg.Lifecycle.DisableTimeout)
	v.SetDefault("lifecycle.unload_timeout", cfg.Lifecycle.UnloadTimeout)
	v.SetDefault("lifecycle.install_timeout", cfg.Lifecycle.InstallTimeout)
	v.SetDefault("lifecycle.parallelism", cfg.Lifecycle.Parallelism)

	v.SetDefault("audit.capacity", cfg.Audit.Capacity)
	v.SetDefault("audit.queue_size", cfg.Audit.QueueSize)
	v.SetDefault("audit.window", cfg.Audit.Window)
	v.SetDefault("audit.burst_threshold", cfg.Audit.BurstThreshold)
	v.SetDefault("audit.failure_threshold", cfg.Audit.FailureThreshold)
	v.SetDefault("audit.retention", cfg.Audit.Retention)

	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.addr", cfg.Gateway.Addr)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("telegram.bot_token", cfg.Telegram.BotToken)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
