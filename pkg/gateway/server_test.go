package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
)

const testSecret = "test-secret"

type fixture struct {
	server  *Server
	http    *httptest.Server
	auditor *audit.Auditor
	orch    *plugin.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	caps := capability.NewRegistry(zerolog.Nop())
	auditor := audit.New(audit.Config{BurstThreshold: 100000, FailureThreshold: 100000}, zerolog.Nop())
	g := guard.New(caps, guard.Config{}, zerolog.Nop(), guard.WithRecorder(auditor))
	h := host.New(host.Deps{Guard: g, Recorder: auditor}, zerolog.Nop())
	reg := plugin.NewRegistry(caps, zerolog.Nop())
	orch, err := plugin.NewOrchestrator(plugin.Config{}, plugin.Deps{Registry: reg, Guard: g, Host: h, Recorder: auditor}, zerolog.Nop())
	require.NoError(t, err)

	for _, m := range []plugin.Manifest{
		{ID: "core", Name: "Core", Version: "1.0.0", Classification: plugin.ClassBuiltin, IsGlobal: true},
		{ID: "notes", Name: "Notes", Version: "1.0.0", Classification: plugin.ClassBuiltin, DefaultEnabled: true},
		{ID: "reports", Name: "Reports", Version: "1.0.0", Classification: plugin.ClassBuiltin,
			Requires: []plugin.Dependency{{PluginID: "notes"}}},
		{ID: "vault", Name: "Vault", Version: "1.0.0", Classification: plugin.ClassBuiltin, IsPrivate: true},
	} {
		_, err := orch.Discover(&plugin.StaticProvider{M: m}, "test")
		require.NoError(t, err)
	}
	_, err = orch.Start(context.Background())
	require.NoError(t, err)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("always-ok", func() error { return nil })

	s, err := NewServer(Config{
		SharedSecret: testSecret,
		Orchestrator: orch,
		Auditor:      auditor,
		Health:       health,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	s.StartFeed()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return &fixture{server: s, http: ts, auditor: auditor, orch: orch}
}

func (f *fixture) call(t *testing.T, method string, params map[string]any) RPCResponse {
	t.Helper()
	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)
	req.Header.Set(ActorHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
	_, err = NewServer(Config{SharedSecret: "x"})
	assert.Error(t, err)
}

func TestServer_HTTPAuth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"plugins.list"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_PluginMethods(t *testing.T) {
	f := newFixture(t)

	t.Run("list", func(t *testing.T) {
		resp := f.call(t, "plugins.list", nil)
		require.Nil(t, resp.Error)
		var views []PluginView
		decode(t, resp.Result, &views)
		require.Len(t, views, 4)
		assert.Equal(t, "core", views[0].ID)
		assert.Equal(t, plugin.StateLoaded, views[0].State)
	})

	t.Run("create tenant applies defaults", func(t *testing.T) {
		resp := f.call(t, "tenants.create", map[string]any{"tenant_id": "acme"})
		require.Nil(t, resp.Error, resp.Error)
		assert.True(t, f.orch.IsRunning("notes", "acme"))
		assert.False(t, f.orch.IsRunning("reports", "acme"))

		resp = f.call(t, "tenants.list", nil)
		assert.Equal(t, []any{"acme"}, resp.Result)
	})

	t.Run("enable uses the request actor", func(t *testing.T) {
		resp := f.call(t, "plugins.enable", map[string]any{"plugin_id": "reports", "tenant_id": "acme"})
		require.Nil(t, resp.Error, resp.Error)
		ts, ok := f.orch.Registry().TenantState("reports", "acme")
		require.True(t, ok)
		assert.Equal(t, "alice", ts.EnabledBy)

		resp = f.call(t, "plugins.enable", map[string]any{"plugin_id": "reports", "tenant_id": "acme"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, Conflict, resp.Error.Code)
	})

	t.Run("list with tenant", func(t *testing.T) {
		resp := f.call(t, "plugins.list", map[string]any{"tenant_id": "acme"})
		var views []PluginView
		decode(t, resp.Result, &views)
		for _, v := range views {
			require.NotNil(t, v.Tenant)
			switch v.ID {
			case "core", "notes", "reports":
				assert.True(t, v.Tenant.Running, v.ID)
			case "vault":
				assert.False(t, v.Tenant.Running)
			}
		}
	})

	t.Run("disable with running dependents", func(t *testing.T) {
		resp := f.call(t, "plugins.disable", map[string]any{"plugin_id": "notes", "tenant_id": "acme"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, Conflict, resp.Error.Code)
	})

	t.Run("private plugin", func(t *testing.T) {
		resp := f.call(t, "plugins.enable", map[string]any{"plugin_id": "vault", "tenant_id": "acme"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, PermissionDenied, resp.Error.Code)

		resp = f.call(t, "plugins.grantAccess", map[string]any{"plugin_id": "vault", "tenant_id": "acme"})
		require.Nil(t, resp.Error, resp.Error)
		resp = f.call(t, "plugins.enable", map[string]any{"plugin_id": "vault", "tenant_id": "acme"})
		require.Nil(t, resp.Error, resp.Error)
	})

	t.Run("get", func(t *testing.T) {
		resp := f.call(t, "plugins.get", map[string]any{"plugin_id": "reports"})
		require.Nil(t, resp.Error)
		var detail PluginDetail
		decode(t, resp.Result, &detail)
		assert.Equal(t, []plugin.Dependency{{PluginID: "notes"}}, detail.Requires)
		require.Len(t, detail.Tenants, 1)
		assert.Equal(t, "alice", detail.Tenants[0].EnabledBy)

		resp = f.call(t, "plugins.get", map[string]any{"plugin_id": "ghost"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})

	t.Run("force disable cascades", func(t *testing.T) {
		resp := f.call(t, "plugins.forceDisable", map[string]any{"plugin_id": "notes"})
		require.Nil(t, resp.Error, resp.Error)
		assert.False(t, f.orch.IsRunning("notes", "acme"))
		assert.False(t, f.orch.IsRunning("reports", "acme"))
	})

	t.Run("order", func(t *testing.T) {
		resp := f.call(t, "plugins.order", nil)
		var out struct {
			Order []string `json:"order"`
		}
		decode(t, resp.Result, &out)
		assert.Equal(t, "core", out.Order[0])
	})

	t.Run("activity", func(t *testing.T) {
		resp := f.call(t, "activity.recent", map[string]any{"plugin_id": "reports", "limit": 2})
		require.Nil(t, resp.Error)
		var records []audit.Record
		decode(t, resp.Result, &records)
		require.Len(t, records, 2)
		assert.Equal(t, "reports", records[0].PluginID)

		resp = f.call(t, "activity.recent", map[string]any{"limit": 0})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		resp := f.call(t, "plugins.enable", map[string]any{"plugin_id": "notes"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestServer_ActivityFeed(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, "auth.challenge", challenge.Event)

	t.Run("requests before auth are refused", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "plugins.list"}))
		var resp RPCResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: Sign(testSecret, challenge.Challenge),
		Actor:     "bob",
		Filter:    FeedFilter{TenantID: "globex"},
	}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success, result.Message)

	require.Eventually(t, func() bool {
		clients := f.server.Clients()
		return len(clients) == 1 && clients[0].Authenticated
	}, time.Second, 10*time.Millisecond)

	// Records of other tenants are filtered out.
	f.auditor.Record(audit.Record{PluginID: "notes", Action: "lifecycle.enable", TenantID: "acme", Success: true})
	f.auditor.Record(audit.Record{PluginID: "notes", Action: "lifecycle.enable", TenantID: "globex", Success: true})

	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "activity", msg.Event)
	require.NotNil(t, msg.Record)
	assert.Equal(t, "globex", msg.Record.TenantID)

	t.Run("rpc over the socket carries the actor", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "7", Method: "tenants.create", Params: map[string]any{"tenant_id": "initech"}}))
		for {
			var raw map[string]any
			require.NoError(t, conn.ReadJSON(&raw))
			if raw["id"] == "7" {
				assert.Nil(t, raw["error"])
				break
			}
		}
		ts, ok := f.orch.Registry().TenantState("notes", "initech")
		require.True(t, ok)
		assert.Equal(t, "bob", ts.EnabledBy)
	})
}

func TestFeedFilter_Match(t *testing.T) {
	r := audit.Record{PluginID: "notes", TenantID: "acme"}
	assert.True(t, FeedFilter{}.Match(r))
	assert.True(t, FeedFilter{PluginID: "notes"}.Match(r))
	assert.False(t, FeedFilter{PluginID: "billing"}.Match(r))
	assert.False(t, FeedFilter{TenantID: "globex"}.Match(r))
}

func decode(t *testing.T, in any, out any) {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestServer_PluginsConfigure(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, "plugins.configure", map[string]any{
		"plugin_id": "notes", "tenant_id": "acme", "config": map[string]any{"folder": "inbox"},
	})
	require.Nil(t, resp.Error)

	ts, ok := f.orch.Registry().TenantState("notes", "acme")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"folder": "inbox"}, ts.Config)

	records := f.auditor.Query(audit.Query{PluginID: "notes"})
	require.NotEmpty(t, records)
	assert.Equal(t, "config.update", records[0].Action)
	assert.Equal(t, "alice", records[0].ActorID)

	resp = f.call(t, "plugins.configure", map[string]any{"plugin_id": "notes", "tenant_id": "acme"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = f.call(t, "plugins.configure", map[string]any{
		"plugin_id": "ghost", "tenant_id": "acme", "config": map[string]any{},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}
