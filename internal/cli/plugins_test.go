package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/gateway"
	"github.com/harun/plugd/pkg/plugin"
)

func TestPluginsCommands(t *testing.T) {
	fg, srv := newFakeGateway(t)
	cfg := writeConfig(t, t.TempDir(), srv.URL)

	fg.results["plugins.list"] = []gateway.PluginView{
		{ID: "core", Version: "1.0.0", Classification: plugin.ClassBuiltin, State: plugin.StateLoaded, IsGlobal: true, InstalledBy: "system"},
		{ID: "notes", Version: "0.2.0", Classification: plugin.ClassExternal, State: plugin.StateFailed, Errors: []string{"bad schema"}},
	}
	fg.results["plugins.get"] = gateway.PluginDetail{
		PluginView: gateway.PluginView{ID: "notes", Name: "Notes", Version: "0.2.0", Classification: plugin.ClassExternal, State: plugin.StateLoaded},
		Requires:   []plugin.Dependency{{PluginID: "core", Version: "^1.0.0"}},
		Tenants:    []gateway.TenantView{{TenantID: "acme", Enabled: true, Running: true, EnabledBy: "alice"}},
	}
	fg.results["plugins.enable"] = map[string]any{"plugin_id": "notes", "tenant_id": "acme", "enabled": true}
	fg.results["plugins.configure"] = map[string]any{"plugin_id": "notes", "tenant_id": "acme", "configured": true}
	fg.results["plugins.forceDisable"] = map[string]any{"plugin_id": "notes", "disabled": true}
	fg.results["plugins.order"] = map[string]any{"order": []string{"core", "notes"}, "warnings": []string{"optional dependency x missing"}}
	fg.results["tenants.create"] = map[string]any{"tenant_id": "acme", "enabled": []string{"notes"}}

	t.Run("list table", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "plugins", "list")
		require.NoError(t, err)
		assert.Contains(t, output, "core")
		assert.Contains(t, output, "notes")
		assert.Contains(t, output, "global")
		assert.Contains(t, output, "Total: 2 plugins")

		req, _ := fg.last(t)
		assert.Equal(t, "plugins.list", req.Method)
		assert.NotContains(t, req.Params, "tenant_id")
	})

	t.Run("list json for a tenant", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "-o", "json", "plugins", "list", "--tenant", "acme")
		require.NoError(t, err)

		var views []gateway.PluginView
		require.NoError(t, json.Unmarshal([]byte(output), &views))
		assert.Len(t, views, 2)

		req, _ := fg.last(t)
		assert.Equal(t, "acme", req.Params["tenant_id"])
	})

	t.Run("list yaml", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "-o", "yaml", "plugins", "list")
		require.NoError(t, err)
		assert.Contains(t, output, "id: core")
	})

	t.Run("unknown output format", func(t *testing.T) {
		_, err := execute(t, "--config", cfg, "-o", "xml", "plugins", "list")
		assert.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "plugins", "get", "notes")
		require.NoError(t, err)
		assert.Contains(t, output, "notes 0.2.0")
		assert.Contains(t, output, "core ^1.0.0")
		assert.Contains(t, output, "acme")
	})

	t.Run("enable sends the actor", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "--actor", "alice", "plugins", "enable", "notes", "--tenant", "acme")
		require.NoError(t, err)
		assert.Contains(t, output, "enabled notes for acme")

		req, actor := fg.last(t)
		assert.Equal(t, "plugins.enable", req.Method)
		assert.Equal(t, map[string]any{"plugin_id": "notes", "tenant_id": "acme"}, req.Params)
		assert.Equal(t, "alice", actor)
	})

	t.Run("enable requires a tenant", func(t *testing.T) {
		_, err := execute(t, "--config", cfg, "plugins", "enable", "notes")
		assert.Error(t, err)
	})

	t.Run("disable surfaces rpc errors", func(t *testing.T) {
		fg.mu.Lock()
		fg.errors["plugins.disable"] = &gateway.RPCError{Code: gateway.DependencyFailed, Message: "reports still requires notes"}
		fg.mu.Unlock()

		_, err := execute(t, "--config", cfg, "plugins", "disable", "notes", "--tenant", "acme")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reports still requires notes")
	})

	t.Run("configure merges file and set values", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "notes.yaml")
		require.NoError(t, os.WriteFile(file, []byte("chat_id: 1\nevents:\n  - plugin.enabled\n"), 0644))

		output, err := execute(t, "--config", cfg, "plugins", "configure", "notes", "--tenant", "acme",
			"--file", file, "--set", "chat_id=42", "--set", "label=ops")
		require.NoError(t, err)
		assert.Contains(t, output, "configured notes for acme")

		req, _ := fg.last(t)
		assert.Equal(t, "plugins.configure", req.Method)
		assert.Equal(t, map[string]any{
			"chat_id": float64(42),
			"label":   "ops",
			"events":  []any{"plugin.enabled"},
		}, req.Params["config"])
	})

	t.Run("force disable", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "plugins", "force-disable", "notes")
		require.NoError(t, err)
		assert.Contains(t, output, "disabled notes for every tenant")
	})

	t.Run("order", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "plugins", "order")
		require.NoError(t, err)
		assert.Contains(t, output, "1. core")
		assert.Contains(t, output, "2. notes")
		assert.Contains(t, output, "optional dependency x missing")
	})

	t.Run("tenants create", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "tenants", "create", "acme")
		require.NoError(t, err)
		assert.Contains(t, output, "created tenant acme")
		assert.Contains(t, output, "enabled notes")
	})

	t.Run("missing secret", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "plugd.yaml")
		require.NoError(t, os.WriteFile(empty, []byte("gateway:\n  addr: "+srv.URL+"\n"), 0644))
		t.Setenv("PLUGD_GATEWAY_SHARED_SECRET", "")

		_, err := execute(t, "--config", empty, "plugins", "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret")
	})
}

func TestActivityCommand(t *testing.T) {
	fg, srv := newFakeGateway(t)
	cfg := writeConfig(t, t.TempDir(), srv.URL)
	fg.results["activity.recent"] = []audit.Record{
		{ID: "2", PluginID: "notes", Action: "host.data.tenant_write", TenantID: "acme", Timestamp: time.Now(), Error: "capability denied"},
		{ID: "1", PluginID: "notes", Action: "lifecycle.enable", TenantID: "acme", ActorID: "alice", Timestamp: time.Now(), Success: true},
	}

	output, err := execute(t, "--config", cfg, "activity", "--plugin", "notes", "--limit", "10", "--since", "1h")
	require.NoError(t, err)
	assert.Contains(t, output, "lifecycle.enable")
	assert.Contains(t, output, "capability denied")

	req, _ := fg.last(t)
	assert.Equal(t, "activity.recent", req.Method)
	assert.Equal(t, "notes", req.Params["plugin_id"])
	assert.Equal(t, float64(10), req.Params["limit"])
	since, ok := req.Params["since"].(string)
	require.True(t, ok)
	at, err := time.Parse(time.RFC3339, since)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), at, time.Minute)
}

func TestBuildPluginConfig(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		strict  bool
		want    map[string]any
		wantErr bool
	}{
		{name: "json values", pairs: []string{"n=3", "on=true", "tags=[\"a\"]"}, want: map[string]any{"n": float64(3), "on": true, "tags": []any{"a"}}},
		{name: "plain strings", pairs: []string{"name=ops team"}, want: map[string]any{"name": "ops team"}},
		{name: "strict keeps strings", pairs: []string{"n=3"}, strict: true, want: map[string]any{"n": "3"}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]any{"q": "a=b"}},
		{name: "missing equals", pairs: []string{"broken"}, wantErr: true},
		{name: "empty key", pairs: []string{"=1"}, wantErr: true},
		{name: "nothing given", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPluginConfig("", tt.pairs, tt.strict)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
