package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
)

// ChangelogKey is the data key under which core keeps a tenant's changelog
const ChangelogKey = "changelog"

// maxChangelog bounds the entries kept per tenant
const maxChangelog = 100

// ChangelogEntry is one plugin enable or disable seen by a tenant
type ChangelogEntry struct {
	PluginID string    `json:"plugin_id"`
	Event    string    `json:"event"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// Core is the global plugin every tenant runs. It keeps a per-tenant
// changelog of plugin enables and disables and contributes the plugin
// administration pages.
type Core struct {
	plugin.Base

	// serializes read-modify-write of changelogs
	mu     sync.Mutex
	client *host.Client
	cancel []func()
}

// NewCore creates the core plugin
func NewCore() *Core {
	return &Core{}
}

// Manifest returns the core manifest
func (c *Core) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:             "core",
		Name:           "Core",
		Version:        "1.0.0",
		Description:    "Plugin administration and the per-tenant plugin changelog",
		Author:         "plugd",
		Classification: plugin.ClassBuiltin,
		IsGlobal:       true,
		Capabilities:   (capability.OwnData | capability.ListenEvents).Names(),
	}
}

// OnLoad subscribes to lifecycle events
func (c *Core) OnLoad(ctx context.Context, client *host.Client) error {
	c.client = client
	for _, eventType := range []string{EventPluginEnabled, EventPluginDisabled} {
		cancel, err := client.Listen(ctx, eventType, c.onLifecycle)
		if err != nil {
			return fmt.Errorf("failed to listen for %s: %w", eventType, err)
		}
		c.cancel = append(c.cancel, cancel)
	}
	return nil
}

// OnUnload drops the subscriptions
func (c *Core) OnUnload(context.Context) error {
	for _, cancel := range c.cancel {
		cancel()
	}
	c.cancel = nil
	return nil
}

// Contributions declares the administration surface
func (c *Core) Contributions() plugin.Contributions {
	return plugin.Contributions{
		Pages: []plugin.Page{
			{Path: "/plugins", Title: "Plugins"},
			{Path: "/plugins/activity", Title: "Plugin activity"},
		},
		MenuEntries: []plugin.MenuEntry{
			{Label: "Plugins", Path: "/plugins", Order: 90},
		},
		ChatCommands: []plugin.ChatCommand{
			{Name: "plugins", Description: "List the plugins enabled for this workspace"},
		},
		EventListeners: []string{EventPluginEnabled, EventPluginDisabled},
		Actions:        []string{"plugins.view", "plugins.manage"},
	}
}

func (c *Core) onLifecycle(ctx context.Context, ev host.Event) error {
	pluginID, _ := ev.Payload["plugin_id"].(string)
	actor, _ := ev.Payload["actor"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := readChangelog(ctx, c.client.ReadOwn, ev.TenantID)
	if err != nil {
		return err
	}
	log = append(log, ChangelogEntry{PluginID: pluginID, Event: ev.Type, Actor: actor, At: ev.At})
	if len(log) > maxChangelog {
		log = log[len(log)-maxChangelog:]
	}

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode changelog: %w", err)
	}
	return c.client.WriteOwn(ctx, ev.TenantID, ChangelogKey, data)
}

// readChangelog decodes a tenant's changelog through read, which is either
// the owner's own-data read or another plugin's tenant-data read.
func readChangelog(ctx context.Context, read func(ctx context.Context, tenantID, key string) ([]byte, bool, error), tenantID string) ([]ChangelogEntry, error) {
	data, ok, err := read(ctx, tenantID, ChangelogKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var log []ChangelogEntry
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to decode changelog: %w", err)
	}
	return log, nil
}
