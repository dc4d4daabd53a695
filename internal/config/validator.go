package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a zerolog level name
func (v *Validator) ValidateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	}
	return fmt.Errorf("invalid log level %q (must be one of: trace, debug, info, warn, error)", level)
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateConfig returns every problem found in cfg
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("logging: max_size and max_age cannot be negative"))
	}

	lc := cfg.Lifecycle
	for name, d := range map[string]int64{
		"load_timeout":    int64(lc.LoadTimeout),
		"enable_timeout":  int64(lc.EnableTimeout),
		"disable_timeout": int64(lc.DisableTimeout),
		"unload_timeout":  int64(lc.UnloadTimeout),
		"install_timeout": int64(lc.InstallTimeout),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("lifecycle.%s must be positive", name))
		}
	}
	if lc.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("lifecycle.parallelism must be at least 1"))
	}

	if len(cfg.RateLimits) == 0 {
		errs = append(errs, fmt.Errorf("rate_limits: at least one window is required"))
	}
	for i, w := range cfg.RateLimits {
		if w.Size <= 0 || w.Limit <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits[%d]: size and limit must be positive", i))
		}
	}

	if cfg.Audit.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("audit.capacity must be positive"))
	}
	if cfg.Audit.QueueSize == 0 {
		errs = append(errs, fmt.Errorf("audit.queue_size must be positive"))
	}
	if cfg.Audit.Window <= 0 {
		errs = append(errs, fmt.Errorf("audit.window must be positive"))
	}
	if cfg.Audit.Retention < 0 {
		errs = append(errs, fmt.Errorf("audit.retention cannot be negative"))
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidateAddr(cfg.Gateway.Addr); err != nil {
			errs = append(errs, fmt.Errorf("gateway.addr: %w", err))
		}
		if len(cfg.Gateway.SharedSecret) < 16 {
			errs = append(errs, fmt.Errorf("gateway.shared_secret must be at least 16 characters"))
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: %w", err))
		}
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}
	if cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errs = append(errs, fmt.Errorf("telegram.bot_token: %w", err))
		}
	}

	return errs
}

// Validate validates cfg and joins every problem into one error
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
}
