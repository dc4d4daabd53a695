package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/plugd/internal/tracing"
	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/plugin"
)

// registerBuiltinMethods registers the administrative RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("plugins.list", s.handlePluginsList)
	_ = s.RegisterMethod("plugins.get", s.handlePluginsGet)
	_ = s.RegisterMethod("plugins.enable", s.handlePluginsEnable)
	_ = s.RegisterMethod("plugins.disable", s.handlePluginsDisable)
	_ = s.RegisterMethod("plugins.grantAccess", s.handlePluginsGrantAccess)
	_ = s.RegisterMethod("plugins.configure", s.handlePluginsConfigure)
	_ = s.RegisterMethod("plugins.forceDisable", s.handlePluginsForceDisable)
	_ = s.RegisterMethod("plugins.order", s.handlePluginsOrder)
	_ = s.RegisterMethod("tenants.create", s.handleTenantsCreate)
	_ = s.RegisterMethod("tenants.list", s.handleTenantsList)
	_ = s.RegisterMethod("activity.recent", s.handleActivityRecent)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

// PluginView is one catalog row as returned by plugins.list and plugins.get
type PluginView struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Version        string                `json:"version"`
	Classification plugin.Classification `json:"classification"`
	State          plugin.State          `json:"state"`
	IsGlobal       bool                  `json:"is_global"`
	IsPrivate      bool                  `json:"is_private"`
	Capabilities   []string              `json:"capabilities,omitempty"`
	Errors         []string              `json:"errors,omitempty"`
	InstalledAt    time.Time             `json:"installed_at"`
	InstalledBy    string                `json:"installed_by"`
	Tenant         *TenantView           `json:"tenant,omitempty"`
}

// TenantView is a plugin's state for one tenant
type TenantView struct {
	TenantID  string       `json:"tenant_id"`
	Enabled   bool         `json:"enabled"`
	Running   bool         `json:"running"`
	Phase     plugin.Phase `json:"phase,omitempty"`
	HasAccess bool         `json:"has_access"`
	EnabledBy string       `json:"enabled_by,omitempty"`
}

// PluginDetail is the result of plugins.get
type PluginDetail struct {
	PluginView
	Requires      []plugin.Dependency   `json:"requires,omitempty"`
	Optional      []plugin.Dependency   `json:"optional,omitempty"`
	Conflicts     []string              `json:"conflicts,omitempty"`
	Tenants       []TenantView          `json:"tenants"`
	Contributions *plugin.Contributions `json:"contributions,omitempty"`
}

func (s *Server) view(e plugin.CatalogEntry, tenantID string) PluginView {
	v := PluginView{
		ID:             e.ID(),
		Name:           e.Manifest.Name,
		Version:        e.Manifest.Version,
		Classification: e.Manifest.Classification,
		State:          e.State,
		IsGlobal:       e.Manifest.IsGlobal,
		IsPrivate:      e.Manifest.IsPrivate,
		Capabilities:   e.Manifest.Capabilities,
		Errors:         e.Errors,
		InstalledAt:    e.InstalledAt,
		InstalledBy:    e.InstalledBy,
	}
	if tenantID != "" {
		tv := TenantView{TenantID: tenantID, Running: s.orchestrator.IsRunning(e.ID(), tenantID)}
		if ts, ok := s.orchestrator.Registry().TenantState(e.ID(), tenantID); ok {
			tv = tenantView(ts, tv.Running)
		}
		v.Tenant = &tv
	}
	return v
}

func tenantView(ts plugin.TenantState, running bool) TenantView {
	return TenantView{
		TenantID:  ts.TenantID,
		Enabled:   ts.Enabled,
		Running:   running,
		Phase:     ts.Phase,
		HasAccess: ts.HasAccess,
		EnabledBy: ts.EnabledBy,
	}
}

// handlePluginsList lists the catalog, optionally with one tenant's state
func (s *Server) handlePluginsList(ctx context.Context, params map[string]any) (any, error) {
	tenantID, err := optionalString(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	entries := s.orchestrator.Registry().List()
	out := make([]PluginView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.view(e, tenantID))
	}
	return out, nil
}

// handlePluginsGet describes one plugin and its tenant rows
func (s *Server) handlePluginsGet(ctx context.Context, params map[string]any) (any, error) {
	pluginID, err := requiredString(params, "plugin_id")
	if err != nil {
		return nil, err
	}
	e, ok := s.orchestrator.Registry().Get(pluginID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", pluginID, plugin.ErrNotFound)
	}

	detail := PluginDetail{
		PluginView: s.view(e, ""),
		Requires:   e.Manifest.Requires,
		Optional:   e.Manifest.Optional,
		Conflicts:  e.Manifest.Conflicts,
		Tenants:    []TenantView{},
	}
	for _, ts := range s.orchestrator.Registry().TenantStates(pluginID) {
		detail.Tenants = append(detail.Tenants, tenantView(ts, s.orchestrator.IsRunning(pluginID, ts.TenantID)))
	}
	if c, ok := s.orchestrator.Contributions(pluginID); ok && !c.IsEmpty() {
		detail.Contributions = &c
	}
	return detail, nil
}

func (s *Server) handlePluginsEnable(ctx context.Context, params map[string]any) (any, error) {
	pluginID, tenantID, err := pluginAndTenant(params)
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.Enable(ctx, pluginID, tenantID, actorFrom(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"plugin_id": pluginID, "tenant_id": tenantID, "enabled": true}, nil
}

func (s *Server) handlePluginsDisable(ctx context.Context, params map[string]any) (any, error) {
	pluginID, tenantID, err := pluginAndTenant(params)
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.Disable(ctx, pluginID, tenantID, actorFrom(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"plugin_id": pluginID, "tenant_id": tenantID, "enabled": false}, nil
}

func (s *Server) handlePluginsGrantAccess(ctx context.Context, params map[string]any) (any, error) {
	pluginID, tenantID, err := pluginAndTenant(params)
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.GrantAccess(ctx, pluginID, tenantID, actorFrom(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"plugin_id": pluginID, "tenant_id": tenantID, "has_access": true}, nil
}

// handlePluginsConfigure replaces a tenant's configuration override. The
// effective configuration is validated when the plugin is next enabled.
func (s *Server) handlePluginsConfigure(ctx context.Context, params map[string]any) (any, error) {
	pluginID, tenantID, err := pluginAndTenant(params)
	if err != nil {
		return nil, err
	}
	cfg, ok := params["config"].(map[string]any)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "config parameter is required and must be an object"}
	}
	if _, ok := s.orchestrator.Registry().Get(pluginID); !ok {
		return nil, fmt.Errorf("%s: %w", pluginID, plugin.ErrNotFound)
	}
	if err := s.orchestrator.Registry().SetTenantConfig(pluginID, tenantID, cfg); err != nil {
		return nil, err
	}
	s.auditor.Record(audit.Record{
		PluginID: pluginID,
		Action:   "config.update",
		TenantID: tenantID,
		ActorID:  actorFrom(ctx),
		Success:  true,
	})
	return map[string]any{"plugin_id": pluginID, "tenant_id": tenantID, "configured": true}, nil
}

// handlePluginsForceDisable disables a plugin and its dependents everywhere
func (s *Server) handlePluginsForceDisable(ctx context.Context, params map[string]any) (any, error) {
	pluginID, err := requiredString(params, "plugin_id")
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.ForceDisable(ctx, pluginID, actorFrom(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"plugin_id": pluginID, "disabled": true}, nil
}

func (s *Server) handlePluginsOrder(ctx context.Context, params map[string]any) (any, error) {
	return map[string]any{
		"order":    s.orchestrator.Order(),
		"warnings": s.orchestrator.Warnings(),
	}, nil
}

// handleTenantsCreate registers a tenant and applies default-enabled plugins
func (s *Server) handleTenantsCreate(ctx context.Context, params map[string]any) (any, error) {
	tenantID, err := requiredString(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.CreateTenant(ctx, tenantID, actorFrom(ctx)); err != nil {
		return nil, err
	}

	enabled := []string{}
	for _, e := range s.orchestrator.Registry().List() {
		if !e.Manifest.IsGlobal && s.orchestrator.IsRunning(e.ID(), tenantID) {
			enabled = append(enabled, e.ID())
		}
	}
	return map[string]any{"tenant_id": tenantID, "enabled": enabled}, nil
}

func (s *Server) handleTenantsList(ctx context.Context, params map[string]any) (any, error) {
	return s.orchestrator.Registry().Tenants(), nil
}

// handleActivityRecent returns activity newest first. Persisted history is
// consulted when configured; otherwise the auditor's buffer answers.
func (s *Server) handleActivityRecent(ctx context.Context, params map[string]any) (any, error) {
	q := audit.Query{Limit: 50}
	var err error
	if q.PluginID, err = optionalString(params, "plugin_id"); err != nil {
		return nil, err
	}
	if q.TenantID, err = optionalString(params, "tenant_id"); err != nil {
		return nil, err
	}
	if raw, ok := params["limit"]; ok {
		n, ok := raw.(float64)
		if !ok || n < 1 || n > 1000 {
			return nil, &RPCError{Code: InvalidParams, Message: "limit must be a number between 1 and 1000"}
		}
		q.Limit = int(n)
	}
	since, err := optionalString(params, "since")
	if err != nil {
		return nil, err
	}
	if since != "" {
		if q.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "since must be an RFC3339 timestamp"}
		}
	}

	if s.history != nil {
		records, err := s.history.RecentActivity(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to load activity: %w", err)
		}
		if records == nil {
			records = []audit.Record{}
		}
		return records, nil
	}
	return s.auditor.Query(q), nil
}

func (s *Server) handleGatewayClients(ctx context.Context, params map[string]any) (any, error) {
	return s.Clients(), nil
}

func actorFrom(ctx context.Context) string {
	if actor := tracing.GetActor(ctx); actor != "" {
		return actor
	}
	return DefaultActor
}

func pluginAndTenant(params map[string]any) (string, string, error) {
	pluginID, err := requiredString(params, "plugin_id")
	if err != nil {
		return "", "", err
	}
	tenantID, err := requiredString(params, "tenant_id")
	if err != nil {
		return "", "", err
	}
	return pluginID, tenantID, nil
}

func requiredString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required and must be a string", key)}
	}
	return v, nil
}

func optionalString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter must be a string", key)}
	}
	return v, nil
}
