package config

import (
	"path/filepath"
	"time"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/plugin"
)

// Config represents the plugd configuration
type Config struct {
	DataDir    string          `mapstructure:"data_dir" json:"data_dir"`
	Database   string          `mapstructure:"database" json:"database"`
	PluginDirs []string        `mapstructure:"plugin_dirs" json:"plugin_dirs"`
	Watch      bool            `mapstructure:"watch" json:"watch"`
	Logging    LoggingConfig   `mapstructure:"logging" json:"logging"`
	Lifecycle  LifecycleConfig `mapstructure:"lifecycle" json:"lifecycle"`
	RateLimits []RateWindow    `mapstructure:"rate_limits" json:"rate_limits"`
	Audit      AuditConfig     `mapstructure:"audit" json:"audit"`
	Gateway    GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Metrics    MetricsConfig   `mapstructure:"metrics" json:"metrics"`
	Tracing    TracingConfig   `mapstructure:"tracing" json:"tracing"`
	Telegram   TelegramConfig  `mapstructure:"telegram" json:"telegram"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `mapstructure:"level" json:"level"`
	File      string `mapstructure:"file" json:"file"`
	Console   bool   `mapstructure:"console" json:"console"`
	Pretty    bool   `mapstructure:"pretty" json:"pretty"`
	Redaction bool   `mapstructure:"redaction" json:"redaction"`
	MaxSize   int    `mapstructure:"max_size" json:"max_size"`
	MaxAge    int    `mapstructure:"max_age" json:"max_age"`
	Compress  bool   `mapstructure:"compress" json:"compress"`
}

// LifecycleConfig bounds lifecycle hooks
type LifecycleConfig struct {
	LoadTimeout    time.Duration `mapstructure:"load_timeout" json:"load_timeout"`
	EnableTimeout  time.Duration `mapstructure:"enable_timeout" json:"enable_timeout"`
	DisableTimeout time.Duration `mapstructure:"disable_timeout" json:"disable_timeout"`
	UnloadTimeout  time.Duration `mapstructure:"unload_timeout" json:"unload_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout" json:"install_timeout"`
	Parallelism    int           `mapstructure:"parallelism" json:"parallelism"`
}

// RateWindow is one sliding rate-limit window applied to every plugin
type RateWindow struct {
	Size  time.Duration `mapstructure:"size" json:"size"`
	Limit int           `mapstructure:"limit" json:"limit"`
}

// AuditConfig holds activity auditor configuration
type AuditConfig struct {
	Capacity         int           `mapstructure:"capacity" json:"capacity"`
	QueueSize        uint64        `mapstructure:"queue_size" json:"queue_size"`
	Window           time.Duration `mapstructure:"window" json:"window"`
	BurstThreshold   int           `mapstructure:"burst_threshold" json:"burst_threshold"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Retention        time.Duration `mapstructure:"retention" json:"retention"` // 0 keeps activity forever
}

// GatewayConfig holds the administrative gateway configuration
type GatewayConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	Addr         string `mapstructure:"addr" json:"addr"`
	SharedSecret string `mapstructure:"shared_secret" json:"shared_secret"`
}

// MetricsConfig holds metrics configuration. The collectors are always
// served on the gateway; Addr adds a dedicated listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	ServiceName string  `mapstructure:"service_name" json:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" json:"sample_ratio"`
}

// TelegramConfig holds the bot backing the bot.send host API
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" json:"bot_token"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	lc := plugin.DefaultConfig()
	ac := audit.DefaultConfig()

	var windows []RateWindow
	for _, w := range guard.DefaultWindows() {
		windows = append(windows, RateWindow{Size: w.Size, Limit: w.Limit})
	}

	return &Config{
		Watch: true,
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
		Lifecycle: LifecycleConfig{
			LoadTimeout:    lc.LoadTimeout,
			EnableTimeout:  lc.EnableTimeout,
			DisableTimeout: lc.DisableTimeout,
			UnloadTimeout:  lc.UnloadTimeout,
			InstallTimeout: lc.InstallTimeout,
			Parallelism:    lc.Parallelism,
		},
		RateLimits: windows,
		Audit: AuditConfig{
			Capacity:         ac.Capacity,
			QueueSize:        ac.QueueSize,
			Window:           ac.Window,
			BurstThreshold:   ac.BurstThreshold,
			FailureThreshold: ac.FailureThreshold,
			Retention:        30 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7420",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			ServiceName: "plugd",
			SampleRatio: 1.0,
		},
	}
}

// LifecycleSettings converts the lifecycle section for the orchestrator
func (c *Config) LifecycleSettings() plugin.Config {
	return plugin.Config{
		LoadTimeout:    c.Lifecycle.LoadTimeout,
		EnableTimeout:  c.Lifecycle.EnableTimeout,
		DisableTimeout: c.Lifecycle.DisableTimeout,
		UnloadTimeout:  c.Lifecycle.UnloadTimeout,
		InstallTimeout: c.Lifecycle.InstallTimeout,
		Parallelism:    c.Lifecycle.Parallelism,
	}
}

// GuardSettings converts the rate limits for the access guard
func (c *Config) GuardSettings() guard.Config {
	var windows []guard.Window
	for _, w := range c.RateLimits {
		windows = append(windows, guard.Window{Size: w.Size, Limit: w.Limit})
	}
	return guard.Config{Windows: windows}
}

// AuditSettings converts the audit section, keeping the batching defaults
func (c *Config) AuditSettings() audit.Config {
	ac := audit.DefaultConfig()
	ac.Capacity = c.Audit.Capacity
	ac.QueueSize = c.Audit.QueueSize
	ac.Window = c.Audit.Window
	ac.BurstThreshold = c.Audit.BurstThreshold
	ac.FailureThreshold = c.Audit.FailureThreshold
	return ac
}

// DatabasePath returns the database path, defaulting into the data directory
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "plugd.db")
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.PluginDirs = append([]string(nil), c.PluginDirs...)
	out.RateLimits = append([]RateWindow(nil), c.RateLimits...)
	if out.Gateway.SharedSecret != "" {
		out.Gateway.SharedSecret = "********"
	}
	if out.Telegram.BotToken != "" {
		out.Telegram.BotToken = "********"
	}
	return &out
}
