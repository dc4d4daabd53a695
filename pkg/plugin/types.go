package plugin

import (
	"time"

	"github.com/harun/plugd/pkg/capability"
)

// State is the catalog-level lifecycle state of a plugin
type State string

const (
	StateDiscovered State = "discovered"
	StateValidated  State = "validated"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateFailed     State = "failed"
	StateUnloaded   State = "unloaded"
)

// Phase is the per-tenant sub-state of a loaded plugin
type Phase string

const (
	PhaseDisabled  Phase = "disabled"
	PhaseEnabling  Phase = "enabling"
	PhaseRunning   Phase = "running"
	PhaseDisabling Phase = "disabling"
)

// InFlight reports whether a transition is under way.
func (p Phase) InFlight() bool {
	return p == PhaseEnabling || p == PhaseDisabling
}

// Classification decides the capability policy applied to a plugin
type Classification string

const (
	ClassBuiltin  Classification = "builtin"
	ClassExternal Classification = "external"
)

// Policy returns the capability ceiling of the classification.
func (c Classification) Policy() capability.Capability {
	if c == ClassBuiltin {
		return capability.BuiltinPolicy
	}
	return capability.ExternalPolicy
}

// Manifest is the immutable declaration read from plugin.json or plugin.yaml
type Manifest struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Version        string         `json:"version" yaml:"version"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Author         string         `json:"author,omitempty" yaml:"author,omitempty"`
	Main           string         `json:"main,omitempty" yaml:"main,omitempty"`
	Classification Classification `json:"classification" yaml:"classification"`
	IsGlobal       bool           `json:"is_global,omitempty" yaml:"is_global,omitempty"`
	IsPrivate      bool           `json:"is_private,omitempty" yaml:"is_private,omitempty"`
	DefaultEnabled bool           `json:"default_enabled,omitempty" yaml:"default_enabled,omitempty"`
	Requires       []Dependency   `json:"requires,omitempty" yaml:"requires,omitempty"`
	Optional       []Dependency   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Conflicts      []string       `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	ConfigSchema   map[string]any `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`

	// Dir is the directory the manifest was read from.
	Dir string `json:"-" yaml:"-"`
}

// Dependency names another plugin and an optional semver range
type Dependency struct {
	PluginID string `json:"plugin_id" yaml:"plugin_id"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
}

// DeclaredCapabilities folds the recognized capability names of the manifest.
func (m *Manifest) DeclaredCapabilities() capability.Capability {
	set, _ := capability.ParseAll(m.Capabilities)
	return set
}

// Edge is one dependency declaration between two plugins
type Edge struct {
	From       string
	To         string
	Required   bool
	Constraint string
}

// Edges returns the dependency edges declared by the manifest.
func (m *Manifest) Edges() []Edge {
	edges := make([]Edge, 0, len(m.Requires)+len(m.Optional))
	for _, d := range m.Requires {
		edges = append(edges, Edge{From: m.ID, To: d.PluginID, Required: true, Constraint: d.Version})
	}
	for _, d := range m.Optional {
		edges = append(edges, Edge{From: m.ID, To: d.PluginID, Constraint: d.Version})
	}
	return edges
}

// CatalogEntry is the registry's view of one installed plugin
type CatalogEntry struct {
	Manifest      Manifest              `json:"manifest"`
	State         State                 `json:"state"`
	Grant         capability.Capability `json:"grant"`
	InstalledAt   time.Time             `json:"installed_at"`
	InstalledBy   string                `json:"installed_by"`
	Config        map[string]any        `json:"config,omitempty"`
	Errors        []string              `json:"errors,omitempty"`
	LoadAttempted bool                  `json:"load_attempted,omitempty"`
}

// ID returns the plugin id.
func (e CatalogEntry) ID() string {
	return e.Manifest.ID
}

// TenantState is the per-tenant record of a non-global plugin
type TenantState struct {
	PluginID  string         `json:"plugin_id"`
	TenantID  string         `json:"tenant_id"`
	Enabled   bool           `json:"enabled"`
	HasAccess bool           `json:"has_access"`
	Config    map[string]any `json:"config,omitempty"`
	EnabledAt *time.Time     `json:"enabled_at,omitempty"`
	EnabledBy string         `json:"enabled_by,omitempty"`
	Phase     Phase          `json:"phase"`
}

// LoadResult contains the results of loading plugins
type LoadResult struct {
	Loaded  []string         // Successfully loaded plugin IDs
	Failed  []string         // Plugins whose validation or load hook failed
	Skipped []string         // Plugins blocked by dependency errors
	Errors  map[string]error // Errors by plugin ID
}

func newLoadResult() *LoadResult {
	return &LoadResult{
		Loaded:  []string{},
		Failed:  []string{},
		Skipped: []string{},
		Errors:  make(map[string]error),
	}
}
