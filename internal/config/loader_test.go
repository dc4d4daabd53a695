package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("HOME", dir)

		cfg, err := Load(filepath.Join(dir, "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, ".plugd"), cfg.DataDir)
		assert.Equal(t, filepath.Join(dir, ".plugd", "plugd.db"), cfg.Database)
		assert.Equal(t, []string{filepath.Join(dir, ".plugd", "plugins")}, cfg.PluginDirs)
		assert.Equal(t, "127.0.0.1:7420", cfg.Gateway.Addr)
	})

	t.Run("yaml file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "plugd.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
plugin_dirs:
  - `+filepath.Join(dir, "a")+`
  - `+filepath.Join(dir, "b")+`
lifecycle:
  enable_timeout: 2s
  parallelism: 8
rate_limits:
  - size: 1s
    limit: 3
gateway:
  addr: 0.0.0.0:9000
  shared_secret: 0123456789abcdef
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, dir, cfg.DataDir)
		assert.Len(t, cfg.PluginDirs, 2)
		assert.Equal(t, 2*time.Second, cfg.Lifecycle.EnableTimeout)
		assert.Equal(t, 10*time.Second, cfg.Lifecycle.DisableTimeout)
		assert.Equal(t, 8, cfg.Lifecycle.Parallelism)
		assert.Equal(t, []RateWindow{{Size: time.Second, Limit: 3}}, cfg.RateLimits)
		assert.Equal(t, "0.0.0.0:9000", cfg.Gateway.Addr)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("json file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "plugd.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir":"`+dir+`","logging":{"level":"debug"}}`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("HOME", dir)
		t.Setenv("PLUGD_GATEWAY_SHARED_SECRET", "from-the-environment")
		t.Setenv("PLUGD_LIFECYCLE_ENABLE_TIMEOUT", "750ms")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "from-the-environment", cfg.Gateway.SharedSecret)
		assert.Equal(t, 750*time.Millisecond, cfg.Lifecycle.EnableTimeout)
	})

	t.Run("default location", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("HOME", dir)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".plugd"), 0o755))
		path := filepath.Join(dir, ".plugd", "plugd.yaml")
		require.NoError(t, os.WriteFile(path, []byte("watch: false\n"), 0o600))

		l := NewLoader("")
		assert.Equal(t, path, l.ConfigPath())
		cfg, err := l.Load()
		require.NoError(t, err)
		assert.False(t, cfg.Watch)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugd.yaml")
		require.NoError(t, os.WriteFile(path, []byte("gateway: [unclosed"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}
