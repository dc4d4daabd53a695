package plugin

import (
	"context"

	"github.com/harun/plugd/pkg/host"
)

// Provider is the contract a feature module implements to be loaded as a
// plugin. Every hook is optional in practice: embed Base and override what
// the plugin needs.
type Provider interface {
	// Manifest returns the plugin's declaration
	Manifest() Manifest

	// OnLoad runs once, after every required dependency has loaded
	OnLoad(ctx context.Context, client *host.Client) error

	// OnUnload runs once at shutdown, after every dependent has unloaded
	OnUnload(ctx context.Context) error

	// OnEnable runs when the plugin is enabled for a tenant
	OnEnable(ctx context.Context, tenantID string, cfg map[string]any) error

	// OnDisable runs when the plugin is disabled for a tenant
	OnDisable(ctx context.Context, tenantID string) error

	// OnInstall, OnUninstall and OnUpgrade run for external plugins only
	OnInstall(ctx context.Context) error
	OnUninstall(ctx context.Context) error
	OnUpgrade(ctx context.Context, oldVersion, newVersion string) error

	// DefaultConfig is the lowest-precedence configuration layer
	DefaultConfig() map[string]any

	// Contributions declares what the plugin adds to the host application
	Contributions() Contributions
}

// Closer is implemented by providers holding resources outside their hooks,
// such as a plugin process. Close releases them when an install is rolled
// back.
type Closer interface {
	Close() error
}

// Contributions are the declarations a plugin makes to the host
// application. The runtime records them; the host's web, chat and scheduling
// layers consume them.
type Contributions struct {
	Schemas        []SchemaDecl  `json:"schemas,omitempty"`
	Routes         []Route       `json:"routes,omitempty"`
	Pages          []Page        `json:"pages,omitempty"`
	ChatCommands   []ChatCommand `json:"chat_commands,omitempty"`
	EventTypes     []string      `json:"event_types,omitempty"`
	EventListeners []string      `json:"event_listeners,omitempty"`
	Jobs           []JobDecl     `json:"jobs,omitempty"`
	Actions        []string      `json:"actions,omitempty"`
	MenuEntries    []MenuEntry   `json:"menu_entries,omitempty"`
}

// SchemaDecl declares a data schema owned by the plugin
type SchemaDecl struct {
	Name       string         `json:"name"`
	Definition map[string]any `json:"definition,omitempty"`
}

// Route declares an HTTP route
type Route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Page declares a UI page
type Page struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

// ChatCommand declares a chat command
type ChatCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JobDecl declares a scheduled job
type JobDecl struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

// MenuEntry declares a navigation menu entry
type MenuEntry struct {
	Label string `json:"label"`
	Path  string `json:"path"`
	Order int    `json:"order,omitempty"`
}

// IsEmpty reports whether nothing is declared.
func (c Contributions) IsEmpty() bool {
	return len(c.Schemas) == 0 && len(c.Routes) == 0 && len(c.Pages) == 0 &&
		len(c.ChatCommands) == 0 && len(c.EventTypes) == 0 && len(c.EventListeners) == 0 &&
		len(c.Jobs) == 0 && len(c.Actions) == 0 && len(c.MenuEntries) == 0
}

// Base supplies no-op hooks. Embed it and override what the plugin needs.
type Base struct{}

func (Base) OnLoad(context.Context, *host.Client) error             { return nil }
func (Base) OnUnload(context.Context) error                         { return nil }
func (Base) OnEnable(context.Context, string, map[string]any) error { return nil }
func (Base) OnDisable(context.Context, string) error                { return nil }
func (Base) OnInstall(context.Context) error                        { return nil }
func (Base) OnUninstall(context.Context) error                      { return nil }
func (Base) OnUpgrade(context.Context, string, string) error        { return nil }
func (Base) DefaultConfig() map[string]any                          { return nil }
func (Base) Contributions() Contributions                           { return Contributions{} }

// StaticProvider serves a manifest with no behaviour, as for a manifest
// found on disk without an executable.
type StaticProvider struct {
	Base
	M Manifest
}

// Manifest returns the static manifest.
func (p *StaticProvider) Manifest() Manifest {
	return p.M
}
