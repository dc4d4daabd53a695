package plugin

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
)

// hostCallTimeout bounds a host call a plugin process makes outside a hook.
const hostCallTimeout = 30 * time.Second

// HostAPI is the part of the host a plugin process reaches over RPC. Every
// call is tenant-scoped and authorized by the guard as the plugin.
type HostAPI interface {
	ReadOwn(tenantID, key string) ([]byte, bool, error)
	WriteOwn(tenantID, key string, value []byte) error
	ReadTenant(tenantID, owner, key string) ([]byte, bool, error)
	WriteTenant(tenantID, owner, key string, value []byte) error
	Emit(tenantID, eventType string, payload map[string]any) error
	SendBotMessage(tenantID string, chatID int64, text string) error
	EnablePlugin(tenantID, pluginID string) error
	DisablePlugin(tenantID, pluginID string) error
}

// HostArgs carry the arguments of every host call
type HostArgs struct {
	TenantID  string
	Owner     string
	Key       string
	Value     []byte
	EventType string
	Payload   map[string]any
	ChatID    int64
	Text      string
	PluginID  string
}

// HostResp carries a host call result; errors cross as text.
type HostResp struct {
	Value []byte
	Found bool
	Error string
}

// HostRPCServer serves a HostAPI to a plugin process over a broker stream.
type HostRPCServer struct {
	Impl HostAPI
}

func hostReply(resp *HostResp, err error) error {
	if err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *HostRPCServer) ReadOwn(args *HostArgs, resp *HostResp) error {
	value, found, err := s.Impl.ReadOwn(args.TenantID, args.Key)
	resp.Value, resp.Found = value, found
	return hostReply(resp, err)
}

func (s *HostRPCServer) WriteOwn(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.WriteOwn(args.TenantID, args.Key, args.Value))
}

func (s *HostRPCServer) ReadTenant(args *HostArgs, resp *HostResp) error {
	value, found, err := s.Impl.ReadTenant(args.TenantID, args.Owner, args.Key)
	resp.Value, resp.Found = value, found
	return hostReply(resp, err)
}

func (s *HostRPCServer) WriteTenant(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.WriteTenant(args.TenantID, args.Owner, args.Key, args.Value))
}

func (s *HostRPCServer) Emit(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.Emit(args.TenantID, args.EventType, args.Payload))
}

func (s *HostRPCServer) SendBotMessage(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.SendBotMessage(args.TenantID, args.ChatID, args.Text))
}

func (s *HostRPCServer) EnablePlugin(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.EnablePlugin(args.TenantID, args.PluginID))
}

func (s *HostRPCServer) DisablePlugin(args *HostArgs, resp *HostResp) error {
	return hostReply(resp, s.Impl.DisablePlugin(args.TenantID, args.PluginID))
}

// HostRPCClient is the HostAPI a plugin process receives in Load.
type HostRPCClient struct {
	client *rpc.Client
}

// Close closes the connection to the host.
func (c *HostRPCClient) Close() error {
	return c.client.Close()
}

func (c *HostRPCClient) call(method string, args *HostArgs) (*HostResp, error) {
	var resp HostResp
	if err := c.client.Call("Plugin."+method, args, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *HostRPCClient) ReadOwn(tenantID, key string) ([]byte, bool, error) {
	resp, err := c.call("ReadOwn", &HostArgs{TenantID: tenantID, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *HostRPCClient) WriteOwn(tenantID, key string, value []byte) error {
	_, err := c.call("WriteOwn", &HostArgs{TenantID: tenantID, Key: key, Value: value})
	return err
}

func (c *HostRPCClient) ReadTenant(tenantID, owner, key string) ([]byte, bool, error) {
	resp, err := c.call("ReadTenant", &HostArgs{TenantID: tenantID, Owner: owner, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *HostRPCClient) WriteTenant(tenantID, owner, key string, value []byte) error {
	_, err := c.call("WriteTenant", &HostArgs{TenantID: tenantID, Owner: owner, Key: key, Value: value})
	return err
}

func (c *HostRPCClient) Emit(tenantID, eventType string, payload map[string]any) error {
	_, err := c.call("Emit", &HostArgs{TenantID: tenantID, EventType: eventType, Payload: payload})
	return err
}

func (c *HostRPCClient) SendBotMessage(tenantID string, chatID int64, text string) error {
	_, err := c.call("SendBotMessage", &HostArgs{TenantID: tenantID, ChatID: chatID, Text: text})
	return err
}

func (c *HostRPCClient) EnablePlugin(tenantID, pluginID string) error {
	_, err := c.call("EnablePlugin", &HostArgs{TenantID: tenantID, PluginID: pluginID})
	return err
}

func (c *HostRPCClient) DisablePlugin(tenantID, pluginID string) error {
	_, err := c.call("DisablePlugin", &HostArgs{TenantID: tenantID, PluginID: pluginID})
	return err
}

// hostBridge adapts a host.Client to HostAPI. A call for a tenant runs in
// the context of the hook executing for that tenant when there is one;
// otherwise it carries the tenant only while the plugin is running for it,
// as a scheduled job would.
type hostBridge struct {
	client *host.Client

	mu    sync.Mutex
	hooks map[string]context.Context
}

func newHostBridge(client *host.Client) *hostBridge {
	return &hostBridge{client: client, hooks: make(map[string]context.Context)}
}

func (b *hostBridge) enter(ctx context.Context, tenantID string) func() {
	b.mu.Lock()
	b.hooks[tenantID] = ctx
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.hooks, tenantID)
		b.mu.Unlock()
	}
}

func (b *hostBridge) context(tenantID string) (context.Context, context.CancelFunc) {
	b.mu.Lock()
	hookCtx, ok := b.hooks[tenantID]
	b.mu.Unlock()
	if ok {
		return context.WithCancel(hookCtx)
	}

	execTenant := ""
	if tenantID != "" && b.client.RunningFor(tenantID) {
		execTenant = tenantID
	}
	ctx := guard.WithExecution(context.Background(), b.client.PluginID(), execTenant)
	return context.WithTimeout(ctx, hostCallTimeout)
}

func (b *hostBridge) ReadOwn(tenantID, key string) ([]byte, bool, error) {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.ReadOwn(ctx, tenantID, key)
}

func (b *hostBridge) WriteOwn(tenantID, key string, value []byte) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.WriteOwn(ctx, tenantID, key, value)
}

func (b *hostBridge) ReadTenant(tenantID, owner, key string) ([]byte, bool, error) {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.ReadTenant(ctx, tenantID, owner, key)
}

func (b *hostBridge) WriteTenant(tenantID, owner, key string, value []byte) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.WriteTenant(ctx, tenantID, owner, key, value)
}

func (b *hostBridge) Emit(tenantID, eventType string, payload map[string]any) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.Emit(ctx, tenantID, eventType, payload)
}

func (b *hostBridge) SendBotMessage(tenantID string, chatID int64, text string) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.SendBotMessage(ctx, tenantID, chatID, text)
}

func (b *hostBridge) EnablePlugin(tenantID, pluginID string) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.EnablePlugin(ctx, tenantID, pluginID)
}

func (b *hostBridge) DisablePlugin(tenantID, pluginID string) error {
	ctx, cancel := b.context(tenantID)
	defer cancel()
	return b.client.DisablePlugin(ctx, tenantID, pluginID)
}

var (
	_ HostAPI = (*HostRPCClient)(nil)
	_ HostAPI = (*hostBridge)(nil)
)
