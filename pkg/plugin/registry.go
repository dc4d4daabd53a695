package plugin

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/capability"
)

// Mirror persists registry mutations. It is called with the plugin's slot
// locked, so writes for one plugin reach it in mutation order.
type Mirror interface {
	SaveCatalogEntry(ctx context.Context, entry CatalogEntry) error
	DeleteCatalogEntry(ctx context.Context, pluginID string) error
	SaveTenantState(ctx context.Context, state TenantState) error
}

// Registry is the single source of truth for catalog entries and tenant
// states. Each plugin id has its own slot and lock.
type Registry struct {
	slots   cmap.ConcurrentMap[string, *slot]
	tenants cmap.ConcurrentMap[string, time.Time]
	grants  *capability.Registry
	mirror  Mirror
	now     func() time.Time
	logger  zerolog.Logger
}

type slot struct {
	mu      sync.Mutex
	entry   CatalogEntry
	tenants map[string]*TenantState
	// before holds the pre-transition snapshot of in-flight tenant states; nil
	// marks a state the transition created.
	before map[string]*TenantState
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMirror persists every mutation.
func WithMirror(m Mirror) RegistryOption {
	return func(r *Registry) { r.mirror = m }
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a new plugin registry. Grants are held by the
// capability registry and read through on every lookup.
func NewRegistry(grants *capability.Registry, logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		slots:   cmap.New[*slot](),
		tenants: cmap.New[time.Time](),
		grants:  grants,
		now:     time.Now,
		logger:  logger.With().Str("component", "plugin-registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grants returns the capability registry backing the catalog grants.
func (r *Registry) Grants() *capability.Registry {
	return r.grants
}

// Register adds a discovered plugin to the catalog.
func (r *Registry) Register(m Manifest, actor string) (CatalogEntry, error) {
	s := &slot{
		entry: CatalogEntry{
			Manifest:    m,
			State:       StateDiscovered,
			InstalledAt: r.now(),
			InstalledBy: actor,
		},
		tenants: make(map[string]*TenantState),
		before:  make(map[string]*TenantState),
	}
	if !r.slots.SetIfAbsent(m.ID, s) {
		return CatalogEntry{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.saveEntry(s)

	r.logger.Debug().Str("plugin", m.ID).Str("actor", actor).Msg("Plugin registered")
	return r.snapshot(s), nil
}

// Get returns a copy of a catalog entry
func (r *Registry) Get(id string) (CatalogEntry, bool) {
	s, ok := r.slots.Get(id)
	if !ok {
		return CatalogEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.snapshot(s), true
}

// List returns copies of every catalog entry, sorted by id
func (r *Registry) List() []CatalogEntry {
	entries := make([]CatalogEntry, 0, r.slots.Count())
	for item := range r.slots.IterBuffered() {
		s := item.Val
		s.mu.Lock()
		entries = append(entries, r.snapshot(s))
		s.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Manifest.ID < entries[j].Manifest.ID })
	return entries
}

// SetState updates a plugin's lifecycle state
func (r *Registry) SetState(id string, state State) error {
	return r.update(id, func(e *CatalogEntry) {
		e.State = state
	})
}

// MarkFailed moves a plugin to Failed carrying the errors that put it there.
func (r *Registry) MarkFailed(id string, problems ...string) error {
	return r.update(id, func(e *CatalogEntry) {
		e.State = StateFailed
		e.Errors = append(e.Errors, problems...)
	})
}

// MarkLoadAttempted records that the plugin's load hook ran.
func (r *Registry) MarkLoadAttempted(id string) error {
	return r.update(id, func(e *CatalogEntry) {
		e.LoadAttempted = true
	})
}

// SetGrant computes and stores the effective capability grant.
func (r *Registry) SetGrant(id string) (capability.Capability, error) {
	var grant capability.Capability
	err := r.update(id, func(e *CatalogEntry) {
		grant = r.grants.Grant(id, e.Manifest.DeclaredCapabilities(), e.Manifest.Classification.Policy())
	})
	return grant, err
}

// SetCatalogConfig sets the catalog-level configuration override
func (r *Registry) SetCatalogConfig(id string, cfg map[string]any) error {
	return r.update(id, func(e *CatalogEntry) {
		e.Config = maps.Clone(cfg)
	})
}

// ReplaceManifest swaps the manifest of an installed plugin, as on upgrade.
func (r *Registry) ReplaceManifest(m Manifest) error {
	return r.update(m.ID, func(e *CatalogEntry) {
		e.Manifest = m
		e.Errors = nil
	})
}

// RestoreCatalog applies persisted installation metadata to a registered
// plugin.
func (r *Registry) RestoreCatalog(persisted CatalogEntry) error {
	return r.update(persisted.Manifest.ID, func(e *CatalogEntry) {
		if !persisted.InstalledAt.IsZero() {
			e.InstalledAt = persisted.InstalledAt
		}
		if persisted.InstalledBy != "" {
			e.InstalledBy = persisted.InstalledBy
		}
		if persisted.Config != nil {
			e.Config = maps.Clone(persisted.Config)
		}
	})
}

// Remove deletes a plugin and all its tenant states.
func (r *Registry) Remove(id string) error {
	s, ok := r.slots.Pop(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r.grants.Revoke(id)
	if r.mirror != nil {
		if err := r.mirror.DeleteCatalogEntry(context.Background(), id); err != nil {
			r.logger.Error().Err(err).Str("plugin", id).Msg("Failed to mirror catalog removal")
		}
	}
	return nil
}

// AddTenant records a tenant as known to the runtime.
func (r *Registry) AddTenant(tenantID string) bool {
	return r.tenants.SetIfAbsent(tenantID, r.now())
}

// Tenants returns every known tenant, sorted.
func (r *Registry) Tenants() []string {
	ids := r.tenants.Keys()
	sort.Strings(ids)
	return ids
}

// TenantState returns a copy of a plugin's state for a tenant
func (r *Registry) TenantState(pluginID, tenantID string) (TenantState, bool) {
	s, ok := r.slots.Get(pluginID)
	if !ok {
		return TenantState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return TenantState{}, false
	}
	return copyTenantState(ts), true
}

// TenantStates returns every tenant state of a plugin, sorted by tenant.
func (r *Registry) TenantStates(pluginID string) []TenantState {
	s, ok := r.slots.Get(pluginID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TenantState, 0, len(s.tenants))
	for _, ts := range s.tenants {
		out = append(out, copyTenantState(ts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// EnsureTenantState creates a disabled tenant state if none exists.
func (r *Registry) EnsureTenantState(pluginID, tenantID string) (TenantState, error) {
	var out TenantState
	err := r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		out = copyTenantState(ts)
		return created, nil
	})
	return out, err
}

// SetTenantEnabled sets the enabled flag directly, without running hooks.
func (r *Registry) SetTenantEnabled(pluginID, tenantID string, enabled bool, actor string) error {
	return r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		if ts.Phase.InFlight() {
			return false, fmt.Errorf("%w: %s for tenant %s", ErrAlreadyInProgress, pluginID, tenantID)
		}
		if enabled && s.entry.Manifest.IsPrivate && !ts.HasAccess {
			return false, fmt.Errorf("%w: %s for tenant %s", ErrAccessNotGranted, pluginID, tenantID)
		}
		r.applyEnabled(ts, enabled, actor)
		return true, nil
	})
}

// GrantTenantAccess gives a tenant access to a private plugin
func (r *Registry) GrantTenantAccess(pluginID, tenantID, actor string) error {
	return r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		if !s.entry.Manifest.IsPrivate {
			return false, fmt.Errorf("%w: %s", ErrNotPrivate, pluginID)
		}
		if ts.HasAccess {
			return false, nil
		}
		ts.HasAccess = true
		r.logger.Info().Str("plugin", pluginID).Str("tenant", tenantID).Str("actor", actor).Msg("Tenant access granted")
		return true, nil
	})
}

// SetTenantConfig sets a tenant's configuration override
func (r *Registry) SetTenantConfig(pluginID, tenantID string, cfg map[string]any) error {
	return r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		ts.Config = maps.Clone(cfg)
		return true, nil
	})
}

// RestoreTenantState reloads a persisted row. The plugin starts disabled for
// the tenant; the caller re-enables it through the lifecycle.
func (r *Registry) RestoreTenantState(persisted TenantState) error {
	r.AddTenant(persisted.TenantID)
	return r.mutateTenant(persisted.PluginID, persisted.TenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		ts.HasAccess = persisted.HasAccess
		ts.Config = maps.Clone(persisted.Config)
		return false, nil
	})
}

// BeginTenantTransition claims the plugin/tenant pair for an enable or
// disable. A second claim while one is in flight fails fast. The returned
// state is the snapshot restored by AbortTenantTransition.
func (r *Registry) BeginTenantTransition(pluginID, tenantID string, enable bool) (TenantState, error) {
	var before TenantState
	err := r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		if ts.Phase.InFlight() {
			return false, fmt.Errorf("%w: %s for tenant %s", ErrAlreadyInProgress, pluginID, tenantID)
		}
		if enable && ts.Enabled {
			return false, fmt.Errorf("%w: %s for tenant %s", ErrAlreadyEnabled, pluginID, tenantID)
		}
		if !enable && !ts.Enabled {
			return false, fmt.Errorf("%w: %s for tenant %s", ErrNotEnabled, pluginID, tenantID)
		}
		before = copyTenantState(ts)
		if created {
			s.before[tenantID] = nil
		} else {
			snap := copyTenantState(ts)
			s.before[tenantID] = &snap
		}
		if enable {
			ts.Phase = PhaseEnabling
		} else {
			ts.Phase = PhaseDisabling
		}
		return false, nil
	})
	return before, err
}

// CompleteTenantTransition finishes an in-flight transition.
func (r *Registry) CompleteTenantTransition(pluginID, tenantID, actor string) error {
	return r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		if !ts.Phase.InFlight() {
			return false, fmt.Errorf("no transition in progress for %s tenant %s", pluginID, tenantID)
		}
		r.applyEnabled(ts, ts.Phase == PhaseEnabling, actor)
		delete(s.before, tenantID)
		return true, nil
	})
}

// SuspendTenantTransition finishes an in-flight disable without mirroring
// it. The persisted row stays enabled, so the pair is re-enabled by the next
// restore.
func (r *Registry) SuspendTenantTransition(pluginID, tenantID string) error {
	return r.mutateTenant(pluginID, tenantID, func(s *slot, ts *TenantState, created bool) (bool, error) {
		if ts.Phase != PhaseDisabling {
			return false, fmt.Errorf("no disable in progress for %s tenant %s", pluginID, tenantID)
		}
		ts.Enabled = false
		ts.Phase = PhaseDisabled
		delete(s.before, tenantID)
		return false, nil
	})
}

// AbortTenantTransition restores the state captured when the transition
// began, exactly.
func (r *Registry) AbortTenantTransition(pluginID, tenantID string) error {
	s, ok := r.slots.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.before[tenantID]
	if !ok {
		return fmt.Errorf("no transition in progress for %s tenant %s", pluginID, tenantID)
	}
	delete(s.before, tenantID)
	if before == nil {
		delete(s.tenants, tenantID)
		return nil
	}
	restored := copyTenantState(before)
	s.tenants[tenantID] = &restored
	return nil
}

func (r *Registry) applyEnabled(ts *TenantState, enabled bool, actor string) {
	ts.Enabled = enabled
	if enabled {
		now := r.now()
		ts.Phase = PhaseRunning
		ts.EnabledAt = &now
		ts.EnabledBy = actor
	} else {
		ts.Phase = PhaseDisabled
	}
}

// mutateTenant runs fn on the plugin's tenant state, creating a disabled one
// when missing. Tenant state requires an existing, loaded, non-global plugin.
// Only changed states are mirrored.
func (r *Registry) mutateTenant(pluginID, tenantID string, fn func(s *slot, ts *TenantState, created bool) (bool, error)) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	s, ok := r.slots.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry.Manifest.IsGlobal {
		return fmt.Errorf("%w: %s", ErrGlobalPlugin, pluginID)
	}
	if s.entry.State != StateLoaded {
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, pluginID, s.entry.State)
	}

	ts, ok := s.tenants[tenantID]
	created := false
	if !ok {
		ts = &TenantState{PluginID: pluginID, TenantID: tenantID, Phase: PhaseDisabled}
		s.tenants[tenantID] = ts
		created = true
		r.AddTenant(tenantID)
	}

	changed, err := fn(s, ts, created)
	if err != nil {
		if created {
			delete(s.tenants, tenantID)
		}
		return err
	}
	if changed && r.mirror != nil {
		if err := r.mirror.SaveTenantState(context.Background(), copyTenantState(ts)); err != nil {
			r.logger.Error().Err(err).Str("plugin", pluginID).Str("tenant", tenantID).Msg("Failed to mirror tenant state")
		}
	}
	return nil
}

func (r *Registry) update(id string, fn func(*CatalogEntry)) error {
	s, ok := r.slots.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entry)
	r.saveEntry(s)
	return nil
}

func (r *Registry) saveEntry(s *slot) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SaveCatalogEntry(context.Background(), r.snapshot(s)); err != nil {
		r.logger.Error().Err(err).Str("plugin", s.entry.Manifest.ID).Msg("Failed to mirror catalog entry")
	}
}

func (r *Registry) snapshot(s *slot) CatalogEntry {
	e := s.entry
	e.Grant, _ = r.grants.Get(e.Manifest.ID)
	e.Config = maps.Clone(e.Config)
	e.Errors = append([]string(nil), e.Errors...)
	return e
}

func copyTenantState(ts *TenantState) TenantState {
	out := *ts
	out.Config = maps.Clone(ts.Config)
	if ts.EnabledAt != nil {
		at := *ts.EnabledAt
		out.EnabledAt = &at
	}
	return out
}
