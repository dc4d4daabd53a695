package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
)

// notifySettings is one tenant's notifications configuration
type notifySettings struct {
	chatID    int64
	events    map[string]bool
	digestJob string
}

// Notifications forwards plugin changes to a tenant's chat and sends a
// periodic digest built from the core changelog.
type Notifications struct {
	plugin.Base

	client  *host.Client
	tenants cmap.ConcurrentMap[string, *notifySettings]
	cancel  []func()
	now     func() time.Time
}

// NewNotifications creates the notifications plugin
func NewNotifications() *Notifications {
	return &Notifications{
		tenants: cmap.New[*notifySettings](),
		now:     time.Now,
	}
}

// Manifest returns the notifications manifest
func (n *Notifications) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:             "notifications",
		Name:           "Notifications",
		Version:        "1.0.0",
		Description:    "Chat notifications for plugin changes",
		Author:         "plugd",
		Classification: plugin.ClassBuiltin,
		Requires:       []plugin.Dependency{{PluginID: "core", Version: "^1.0.0"}},
		Capabilities: (capability.ListenEvents | capability.ScheduleJobs |
			capability.ReadTenantData | capability.ExternalBotSend).Names(),
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"chat_id"},
			"properties": map[string]any{
				"chat_id": map[string]any{"type": "integer"},
				"events": map[string]any{
					"type":    "array",
					"items":   map[string]any{"type": "string"},
					"default": []any{EventPluginEnabled, EventPluginDisabled},
				},
				"digest_schedule": map[string]any{"type": "string", "default": "@daily"},
			},
		},
	}
}

// OnLoad subscribes to lifecycle events
func (n *Notifications) OnLoad(ctx context.Context, client *host.Client) error {
	n.client = client
	for _, eventType := range []string{EventPluginEnabled, EventPluginDisabled} {
		cancel, err := client.Listen(ctx, eventType, n.onLifecycle)
		if err != nil {
			return fmt.Errorf("failed to listen for %s: %w", eventType, err)
		}
		n.cancel = append(n.cancel, cancel)
	}
	return nil
}

// OnUnload drops the subscriptions
func (n *Notifications) OnUnload(context.Context) error {
	for _, cancel := range n.cancel {
		cancel()
	}
	n.cancel = nil
	return nil
}

// OnEnable records the tenant's chat and schedules its digest
func (n *Notifications) OnEnable(ctx context.Context, tenantID string, cfg map[string]any) error {
	chatID, ok := toInt64(cfg["chat_id"])
	if !ok || chatID == 0 {
		return fmt.Errorf("chat_id is required")
	}

	settings := &notifySettings{chatID: chatID, events: make(map[string]bool)}
	switch events := cfg["events"].(type) {
	case []any:
		for _, e := range events {
			if s, ok := e.(string); ok {
				settings.events[s] = true
			}
		}
	case []string:
		for _, e := range events {
			settings.events[e] = true
		}
	}

	if spec, _ := cfg["digest_schedule"].(string); spec != "" {
		handle, err := n.client.Schedule(ctx, spec, n.sendDigest)
		if err != nil {
			return fmt.Errorf("failed to schedule digest: %w", err)
		}
		settings.digestJob = handle
	}

	if prev, ok := n.tenants.Get(tenantID); ok && prev.digestJob != "" {
		_ = n.client.Unschedule(ctx, prev.digestJob)
	}
	n.tenants.Set(tenantID, settings)
	return nil
}

// OnDisable forgets the tenant and cancels its digest
func (n *Notifications) OnDisable(ctx context.Context, tenantID string) error {
	settings, ok := n.tenants.Pop(tenantID)
	if !ok || settings.digestJob == "" {
		return nil
	}
	if err := n.client.Unschedule(ctx, settings.digestJob); err != nil {
		return fmt.Errorf("failed to cancel digest: %w", err)
	}
	return nil
}

// Contributions declares the chat command and the events consumed
func (n *Notifications) Contributions() plugin.Contributions {
	return plugin.Contributions{
		ChatCommands: []plugin.ChatCommand{
			{Name: "digest", Description: "Show recent plugin changes"},
		},
		EventListeners: []string{EventPluginEnabled, EventPluginDisabled},
		Jobs:           []plugin.JobDecl{{Name: "digest", Schedule: "@daily"}},
	}
}

func (n *Notifications) onLifecycle(ctx context.Context, ev host.Event) error {
	settings, ok := n.tenants.Get(ev.TenantID)
	if !ok || !settings.events[ev.Type] {
		return nil
	}
	pluginID, _ := ev.Payload["plugin_id"].(string)
	if pluginID == "notifications" && ev.Type == EventPluginEnabled {
		return nil
	}
	return n.client.SendBotMessage(ctx, ev.TenantID, settings.chatID, describe(ev.Type, pluginID, ev.Payload))
}

// sendDigest summarizes the last day of the tenant's changelog
func (n *Notifications) sendDigest(ctx context.Context) {
	exec, _ := guard.ExecutionFrom(ctx)
	logger := n.client.Logger().With().Str("tenant", exec.TenantID).Logger()

	settings, ok := n.tenants.Get(exec.TenantID)
	if !ok {
		return
	}
	text, err := n.Digest(ctx, exec.TenantID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to build digest")
		return
	}
	if text == "" {
		return
	}
	if err := n.client.SendBotMessage(ctx, exec.TenantID, settings.chatID, text); err != nil {
		logger.Warn().Err(err).Msg("Failed to send digest")
	}
}

// Digest renders the tenant's plugin changes of the last 24 hours. It is
// empty when nothing changed.
func (n *Notifications) Digest(ctx context.Context, tenantID string) (string, error) {
	read := func(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
		return n.client.ReadTenant(ctx, tenantID, "core", key)
	}
	log, err := readChangelog(ctx, read, tenantID)
	if err != nil {
		return "", err
	}

	cutoff := n.now().Add(-24 * time.Hour)
	var lines []string
	for _, e := range log {
		if e.At.Before(cutoff) {
			continue
		}
		lines = append(lines, "- "+describe(e.Event, e.PluginID, map[string]any{"actor": e.Actor}))
	}
	if len(lines) == 0 {
		return "", nil
	}
	return fmt.Sprintf("Plugin changes in the last 24h (%d):\n%s", len(lines), strings.Join(lines, "\n")), nil
}

func describe(eventType, pluginID string, payload map[string]any) string {
	verb := "enabled"
	if eventType == EventPluginDisabled {
		verb = "disabled"
	}
	if actor, _ := payload["actor"].(string); actor != "" {
		return fmt.Sprintf("%s was %s by %s", pluginID, verb, actor)
	}
	return fmt.Sprintf("%s was %s", pluginID, verb)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), x == float64(int64(x))
	case string:
		var id int64
		_, err := fmt.Sscan(x, &id)
		return id, err == nil
	}
	return 0, false
}
