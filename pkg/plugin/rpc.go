package plugin

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/host"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGD_PLUGIN",
	MagicCookieValue: "plugd-runtime-v1",
}

func init() {
	// Config values cross net/rpc as interface values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Remote is what an out-of-process plugin implements. Hooks mirror Provider;
// Load hands the process its host API.
type Remote interface {
	Load(host HostAPI) error
	Unload() error
	Enable(tenantID string, cfg map[string]any) error
	Disable(tenantID string) error
	Install() error
	Uninstall() error
	Upgrade(oldVersion, newVersion string) error
}

// Serve runs impl as a plugin process. It is called from the plugin's main.
func Serve(impl Remote) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{"plugin": &RemotePlugin{Impl: impl}},
	})
}

// RemotePlugin is the implementation of goplugin.Plugin for net/rpc
type RemotePlugin struct {
	Impl Remote
}

func (p *RemotePlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &RemoteServer{Impl: p.Impl, broker: b}, nil
}

func (p *RemotePlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RemoteClient{client: c, broker: b}, nil
}

// HookArgs carry the arguments of every hook call
type HookArgs struct {
	TenantID   string
	Config     map[string]any
	OldVersion string
	NewVersion string
	HostBroker uint32 // broker stream serving the host API, on Load
}

// HookResp carries a hook error as text; error values do not cross gob.
type HookResp struct {
	Error string
}

// RemoteServer is the RPC server that RemoteClient talks to
type RemoteServer struct {
	Impl   Remote
	broker *goplugin.MuxBroker
	host   *HostRPCClient
}

func reply(resp *HookResp, err error) error {
	if err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *RemoteServer) Load(args *HookArgs, resp *HookResp) error {
	conn, err := s.broker.Dial(args.HostBroker)
	if err != nil {
		return reply(resp, fmt.Errorf("failed to reach host API: %w", err))
	}
	s.host = &HostRPCClient{client: rpc.NewClient(conn)}
	return reply(resp, s.Impl.Load(s.host))
}

func (s *RemoteServer) Unload(_ *HookArgs, resp *HookResp) error {
	err := s.Impl.Unload()
	if s.host != nil {
		s.host.Close()
		s.host = nil
	}
	return reply(resp, err)
}

func (s *RemoteServer) Enable(args *HookArgs, resp *HookResp) error {
	return reply(resp, s.Impl.Enable(args.TenantID, args.Config))
}

func (s *RemoteServer) Disable(args *HookArgs, resp *HookResp) error {
	return reply(resp, s.Impl.Disable(args.TenantID))
}

func (s *RemoteServer) Install(_ *HookArgs, resp *HookResp) error {
	return reply(resp, s.Impl.Install())
}

func (s *RemoteServer) Uninstall(_ *HookArgs, resp *HookResp) error {
	return reply(resp, s.Impl.Uninstall())
}

func (s *RemoteServer) Upgrade(args *HookArgs, resp *HookResp) error {
	return reply(resp, s.Impl.Upgrade(args.OldVersion, args.NewVersion))
}

// RemoteClient is the RPC client that talks to RemoteServer
type RemoteClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

func (c *RemoteClient) call(method string, args *HookArgs) error {
	var resp HookResp
	if err := c.client.Call("Plugin."+method, args, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Load serves host on a new broker stream and passes its id to the plugin.
func (c *RemoteClient) Load(host HostAPI) error {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, &HostRPCServer{Impl: host})
	return c.call("Load", &HookArgs{HostBroker: id})
}

func (c *RemoteClient) Unload() error { return c.call("Unload", &HookArgs{}) }
func (c *RemoteClient) Enable(tenantID string, cfg map[string]any) error {
	return c.call("Enable", &HookArgs{TenantID: tenantID, Config: cfg})
}
func (c *RemoteClient) Disable(tenantID string) error {
	return c.call("Disable", &HookArgs{TenantID: tenantID})
}
func (c *RemoteClient) Install() error   { return c.call("Install", &HookArgs{}) }
func (c *RemoteClient) Uninstall() error { return c.call("Uninstall", &HookArgs{}) }
func (c *RemoteClient) Upgrade(oldVersion, newVersion string) error {
	return c.call("Upgrade", &HookArgs{OldVersion: oldVersion, NewVersion: newVersion})
}

// ProcessProvider runs a manifest's main executable as a plugin process.
// The process starts on load or install and is killed on unload or Close.
type ProcessProvider struct {
	manifest Manifest
	logger   zerolog.Logger

	mu     sync.Mutex
	client *goplugin.Client
	remote Remote
	bridge *hostBridge
}

// NewProcessProvider creates a provider for a manifest read from disk. The
// manifest's Dir and Main locate the executable.
func NewProcessProvider(m Manifest, logger zerolog.Logger) *ProcessProvider {
	return &ProcessProvider{
		manifest: m,
		logger:   logger.With().Str("component", "plugin-process").Str("plugin", m.ID).Logger(),
	}
}

// Manifest returns the plugin's declaration
func (p *ProcessProvider) Manifest() Manifest {
	return p.manifest
}

// start launches the plugin process if it is not running.
func (p *ProcessProvider) start() (Remote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		return p.remote, nil
	}

	path := filepath.Join(p.manifest.Dir, p.manifest.Main)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin executable not found: %s", path)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]goplugin.Plugin{"plugin": &RemotePlugin{}},
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + p.manifest.ID,
			Output: p.logger,
			Level:  hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}
	raw, err := rpcClient.Dispense("plugin")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}
	remote, ok := raw.(Remote)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}

	p.client = client
	p.remote = remote
	p.logger.Debug().Str("path", path).Msg("Plugin process started")
	return remote, nil
}

func (p *ProcessProvider) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Kill()
	}
	p.client = nil
	p.remote = nil
	p.bridge = nil
}

// Close kills the plugin process without running a hook.
func (p *ProcessProvider) Close() error {
	p.stop()
	return nil
}

// enter exposes ctx to host calls the process makes for tenantID while a
// hook runs. The returned function withdraws it.
func (p *ProcessProvider) enter(ctx context.Context, tenantID string) func() {
	p.mu.Lock()
	bridge := p.bridge
	p.mu.Unlock()
	if bridge == nil {
		return func() {}
	}
	return bridge.enter(ctx, tenantID)
}

func (p *ProcessProvider) running() (Remote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil, fmt.Errorf("plugin process %s is not running", p.manifest.ID)
	}
	return p.remote, nil
}

// OnLoad starts the process and forwards the load hook with a host API
// backed by client.
func (p *ProcessProvider) OnLoad(_ context.Context, client *host.Client) error {
	remote, err := p.start()
	if err != nil {
		return err
	}
	bridge := newHostBridge(client)
	p.mu.Lock()
	p.bridge = bridge
	p.mu.Unlock()
	return remote.Load(bridge)
}

// OnUnload forwards the unload hook and kills the process.
func (p *ProcessProvider) OnUnload(context.Context) error {
	defer p.stop()
	remote, err := p.running()
	if err != nil {
		return nil
	}
	return remote.Unload()
}

func (p *ProcessProvider) OnEnable(ctx context.Context, tenantID string, cfg map[string]any) error {
	remote, err := p.running()
	if err != nil {
		return err
	}
	defer p.enter(ctx, tenantID)()
	return remote.Enable(tenantID, cfg)
}

func (p *ProcessProvider) OnDisable(ctx context.Context, tenantID string) error {
	remote, err := p.running()
	if err != nil {
		return err
	}
	defer p.enter(ctx, tenantID)()
	return remote.Disable(tenantID)
}

// OnInstall starts the process ahead of load when needed.
func (p *ProcessProvider) OnInstall(context.Context) error {
	remote, err := p.start()
	if err != nil {
		return err
	}
	return remote.Install()
}

// OnUninstall runs after unload, so it starts a short-lived process.
func (p *ProcessProvider) OnUninstall(context.Context) error {
	remote, err := p.start()
	if err != nil {
		return err
	}
	defer p.stop()
	return remote.Uninstall()
}

func (p *ProcessProvider) OnUpgrade(_ context.Context, oldVersion, newVersion string) error {
	remote, err := p.start()
	if err != nil {
		return err
	}
	return remote.Upgrade(oldVersion, newVersion)
}

func (p *ProcessProvider) DefaultConfig() map[string]any { return nil }

func (p *ProcessProvider) Contributions() Contributions { return Contributions{} }

var _ Closer = (*ProcessProvider)(nil)
