package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
)

type memoryData struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (d *memoryData) GetPluginData(_ context.Context, tenantID, owner, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[tenantID+"/"+owner+"/"+key]
	return v, ok, nil
}

func (d *memoryData) PutPluginData(_ context.Context, tenantID, owner, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.values == nil {
		d.values = make(map[string][]byte)
	}
	d.values[tenantID+"/"+owner+"/"+key] = value
	return nil
}

type runningSet struct {
	mu      sync.Mutex
	running map[string]bool
}

func (r *runningSet) set(pluginID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = make(map[string]bool)
	}
	r.running[pluginID+"/"+tenantID] = true
}

func (r *runningSet) IsRunning(pluginID, tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[pluginID+"/"+tenantID]
}

func (r *runningSet) Enable(context.Context, string, string, string) error  { return nil }
func (r *runningSet) Disable(context.Context, string, string, string) error { return nil }

// greeter stores its configured greeting for each tenant it is enabled for.
type greeter struct {
	mu   sync.Mutex
	host HostAPI
}

func (g *greeter) api() HostAPI {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.host
}

func (g *greeter) Load(h HostAPI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.host = h
	return nil
}

func (g *greeter) Enable(tenantID string, cfg map[string]any) error {
	greeting, _ := cfg["greeting"].(string)
	if greeting == "" {
		return errors.New("greeting is required")
	}
	return g.api().WriteOwn(tenantID, "greeting", []byte(greeting))
}

func (g *greeter) Unload() error                { return nil }
func (g *greeter) Disable(string) error         { return nil }
func (g *greeter) Install() error               { return nil }
func (g *greeter) Uninstall() error             { return nil }
func (g *greeter) Upgrade(string, string) error { return nil }

func TestRemote_HostRoundTrip(t *testing.T) {
	caps := capability.NewRegistry(zerolog.Nop())
	caps.Grant("greeter", capability.OwnData, capability.ExternalPolicy)
	data := &memoryData{}
	h := host.New(host.Deps{Guard: guard.New(caps, guard.Config{}, zerolog.Nop()), Data: data}, zerolog.Nop())
	running := &runningSet{}
	h.AttachManager(running)

	impl := &greeter{}
	rpcClient, _ := goplugin.TestPluginRPCConn(t, map[string]goplugin.Plugin{"plugin": &RemotePlugin{Impl: impl}}, nil)
	defer rpcClient.Close()
	raw, err := rpcClient.Dispense("plugin")
	require.NoError(t, err)
	remote := raw.(*RemoteClient)

	bridge := newHostBridge(h.Client("greeter"))
	require.NoError(t, remote.Load(bridge))
	require.NotNil(t, impl.api())

	t.Run("hook calls run for the hook's tenant", func(t *testing.T) {
		ctx := guard.WithExecution(context.Background(), "greeter", "acme")
		leave := bridge.enter(ctx, "acme")
		err := remote.Enable("acme", map[string]any{"greeting": "hello"})
		leave()
		require.NoError(t, err)

		value, found, err := data.GetPluginData(context.Background(), "acme", "greeter", "greeting")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "hello", string(value))
	})

	t.Run("hook errors cross as text", func(t *testing.T) {
		err := remote.Enable("acme", map[string]any{})
		assert.EqualError(t, err, "greeting is required")
	})

	t.Run("calls outside a hook need a running tenant", func(t *testing.T) {
		err := impl.api().WriteOwn("globex", "k", []byte("v"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), guard.ErrTenantViolation.Error())

		running.set("greeter", "globex")
		require.NoError(t, impl.api().WriteOwn("globex", "k", []byte("v")))
		value, found, err := impl.api().ReadOwn("globex", "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v", string(value))
	})

	t.Run("grant still applies", func(t *testing.T) {
		err := impl.api().Emit("globex", "greeting.sent", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), guard.ErrCapabilityDenied.Error())
	})

	require.NoError(t, remote.Unload())
}
