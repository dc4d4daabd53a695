package capability

import (
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Registry holds the effective grant of every known plugin. Lookups are
// sharded so checks on unrelated plugins never contend.
type Registry struct {
	grants cmap.ConcurrentMap[string, Capability]
	logger zerolog.Logger
}

// NewRegistry creates an empty grant registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		grants: cmap.New[Capability](),
		logger: logger.With().Str("component", "capability-registry").Logger(),
	}
}

// Grant stores the effective grant for a plugin: declared clamped to policy.
func (r *Registry) Grant(pluginID string, declared, policy Capability) Capability {
	effective := Effective(declared, policy)
	r.grants.Set(pluginID, effective)

	if dropped := declared &^ effective; dropped != None {
		r.logger.Warn().
			Str("plugin", pluginID).
			Strs("dropped", dropped.Names()).
			Msg("Declared capabilities exceed classification policy")
	}
	r.logger.Debug().
		Str("plugin", pluginID).
		Str("grant", effective.String()).
		Msg("Capabilities granted")

	return effective
}

// Get returns the grant of a plugin.
func (r *Registry) Get(pluginID string) (Capability, bool) {
	return r.grants.Get(pluginID)
}

// Has reports whether the plugin holds every bit of c. Unknown plugins hold
// nothing.
func (r *Registry) Has(pluginID string, c Capability) bool {
	grant, ok := r.grants.Get(pluginID)
	return ok && grant.Has(c)
}

// Revoke removes every grant of a plugin.
func (r *Registry) Revoke(pluginID string) {
	r.grants.Remove(pluginID)
}
