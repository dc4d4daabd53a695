package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Enable runs a plugin's enable hook for a tenant. Preconditions are checked
// in order: the plugin exists, is not global, is loaded, is not already
// enabled or in flight, every transitive required dependency is running for
// the tenant, a private plugin has been granted to the tenant, and the
// effective configuration validates. When the hook fails the disable hook
// runs once and the tenant state is restored exactly.
func (o *Orchestrator) Enable(ctx context.Context, pluginID, tenantID, actor string) error {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	if entry.Manifest.IsGlobal {
		return fmt.Errorf("%w: %s", ErrGlobalPlugin, pluginID)
	}
	if entry.State != StateLoaded {
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, pluginID, entry.State)
	}

	before, err := o.registry.BeginTenantTransition(pluginID, tenantID, true)
	if err != nil {
		return err
	}

	abort := func(cause error) error {
		if aerr := o.registry.AbortTenantTransition(pluginID, tenantID); aerr != nil {
			o.logger.Error().Err(aerr).Str("plugin", pluginID).Str("tenant", tenantID).Msg("Failed to abort transition")
		}
		o.record(pluginID, "enable", tenantID, actor, cause)
		return cause
	}

	if depErr := o.checkDependencies(pluginID, tenantID); depErr != nil {
		return abort(depErr)
	}
	if entry.Manifest.IsPrivate && !before.HasAccess {
		return abort(fmt.Errorf("%w: %s for tenant %s", ErrAccessNotGranted, pluginID, tenantID))
	}

	p := o.provider(pluginID)
	cfg := EffectiveConfig(p.DefaultConfig(), entry.Manifest, entry.Config, before.Config)
	if err := ValidateConfig(entry.Manifest.ConfigSchema, cfg); err != nil {
		return abort(&LifecycleError{Kind: Precondition, PluginID: pluginID, TenantID: tenantID, Hook: "enable", Err: err})
	}

	hookErr := o.runHook(ctx, pluginID, tenantID, "enable", o.cfg.EnableTimeout, func(ctx context.Context) error {
		return p.OnEnable(ctx, tenantID, cfg)
	})
	if hookErr != nil {
		rollbackErr := o.runHook(ctx, pluginID, tenantID, "disable", o.cfg.DisableTimeout, func(ctx context.Context) error {
			return p.OnDisable(ctx, tenantID)
		})
		if rollbackErr != nil {
			o.logger.Error().Err(rollbackErr).Str("plugin", pluginID).Str("tenant", tenantID).Msg("Rollback disable hook failed")
		}
		o.logger.Error().Err(hookErr).Str("plugin", pluginID).Str("tenant", tenantID).Msg("Enable hook failed")
		return abort(&LifecycleError{
			Kind:        EnableFailed,
			PluginID:    pluginID,
			TenantID:    tenantID,
			Hook:        "enable",
			Err:         hookErr,
			RollbackErr: rollbackErr,
		})
	}

	if err := o.registry.CompleteTenantTransition(pluginID, tenantID, actor); err != nil {
		return err
	}
	o.record(pluginID, "enable", tenantID, actor, nil)
	o.logger.Info().Str("plugin", pluginID).Str("tenant", tenantID).Str("actor", actor).Msg("Plugin enabled")
	return nil
}

// checkDependencies verifies every transitive required dependency is active
// for the tenant. A global dependency is active once loaded.
func (o *Orchestrator) checkDependencies(pluginID, tenantID string) *DependencyError {
	visited := map[string]bool{pluginID: true}
	var walk func(id string) *DependencyError
	walk = func(id string) *DependencyError {
		entry, ok := o.registry.Get(id)
		if !ok {
			return nil
		}
		for _, dep := range entry.Manifest.Requires {
			if visited[dep.PluginID] {
				continue
			}
			visited[dep.PluginID] = true
			if !o.IsRunning(dep.PluginID, tenantID) {
				return &DependencyError{
					Kind:    Unsatisfied,
					Plugin:  pluginID,
					Missing: dep.PluginID,
					Detail:  fmt.Sprintf("not running for tenant %s", tenantID),
				}
			}
			if err := walk(dep.PluginID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(pluginID)
}

// IsRunning reports whether the plugin is active for the tenant. A global
// plugin is active for every tenant once loaded.
func (o *Orchestrator) IsRunning(pluginID, tenantID string) bool {
	entry, ok := o.registry.Get(pluginID)
	if !ok || entry.State != StateLoaded {
		return false
	}
	if entry.Manifest.IsGlobal {
		return true
	}
	ts, ok := o.registry.TenantState(pluginID, tenantID)
	return ok && ts.Phase == PhaseRunning
}

// Disable runs a plugin's disable hook for a tenant. It refuses while a
// plugin requiring this one is running for the tenant. A failing hook is
// logged and the plugin is disabled anyway.
func (o *Orchestrator) Disable(ctx context.Context, pluginID, tenantID, actor string) error {
	return o.disable(ctx, pluginID, tenantID, actor, disableOptions{checkDependents: true})
}

type disableOptions struct {
	checkDependents bool
	// suspend leaves the persisted row enabled, as at shutdown.
	suspend bool
}

func (o *Orchestrator) disable(ctx context.Context, pluginID, tenantID, actor string, opts disableOptions) error {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	if entry.Manifest.IsGlobal {
		return fmt.Errorf("%w: %s", ErrGlobalPlugin, pluginID)
	}

	if opts.checkDependents {
		if running := o.runningDependents(pluginID, tenantID); len(running) > 0 {
			return fmt.Errorf("%w: %s is required by %s for tenant %s",
				ErrDependentsRunning, pluginID, strings.Join(running, ", "), tenantID)
		}
	}

	if _, err := o.registry.BeginTenantTransition(pluginID, tenantID, false); err != nil {
		return err
	}

	p := o.provider(pluginID)
	hookErr := o.runHook(ctx, pluginID, tenantID, "disable", o.cfg.DisableTimeout, func(ctx context.Context) error {
		return p.OnDisable(ctx, tenantID)
	})
	if hookErr != nil {
		o.logger.Warn().Err(hookErr).Str("plugin", pluginID).Str("tenant", tenantID).Msg("Disable hook failed, disabling anyway")
	}

	complete := func() error { return o.registry.CompleteTenantTransition(pluginID, tenantID, actor) }
	if opts.suspend {
		complete = func() error { return o.registry.SuspendTenantTransition(pluginID, tenantID) }
	}
	if err := complete(); err != nil {
		return err
	}
	o.record(pluginID, "disable", tenantID, actor, hookErr)
	o.logger.Info().Str("plugin", pluginID).Str("tenant", tenantID).Str("actor", actor).Msg("Plugin disabled")
	return nil
}

// runningDependents lists the plugins that require pluginID and run for the
// tenant.
func (o *Orchestrator) runningDependents(pluginID, tenantID string) []string {
	var out []string
	for _, e := range o.registry.List() {
		if e.Manifest.IsGlobal {
			continue
		}
		for _, dep := range e.Manifest.Requires {
			if dep.PluginID == pluginID && o.IsRunning(e.ID(), tenantID) {
				out = append(out, e.ID())
				break
			}
		}
	}
	return out
}

// dependentsClosure returns pluginID and every plugin that transitively
// requires it.
func (o *Orchestrator) dependentsClosure(pluginID string) []string {
	required := make(map[string][]string)
	for _, e := range o.registry.List() {
		for _, dep := range e.Manifest.Requires {
			required[dep.PluginID] = append(required[dep.PluginID], e.ID())
		}
	}
	seen := map[string]bool{pluginID: true}
	queue := []string{pluginID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dependent := range required[id] {
			if !seen[dependent] {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// GrantAccess gives a tenant access to a private plugin.
func (o *Orchestrator) GrantAccess(ctx context.Context, pluginID, tenantID, actor string) error {
	err := o.registry.GrantTenantAccess(pluginID, tenantID, actor)
	o.record(pluginID, "grant_access", tenantID, actor, err)
	return err
}

// ForceDisable disables a plugin for every tenant, disabling the plugins that
// depend on it first. It returns the joined errors of the disables that
// failed.
func (o *Orchestrator) ForceDisable(ctx context.Context, pluginID, actor string) error {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	if entry.Manifest.IsGlobal {
		return fmt.Errorf("%w: %s", ErrGlobalPlugin, pluginID)
	}

	cascade := o.dependentsClosure(pluginID)
	o.sortByOrder(cascade)

	var errs []error
	for _, tenantID := range o.registry.Tenants() {
		for i := len(cascade) - 1; i >= 0; i-- {
			id := cascade[i]
			if !o.IsRunning(id, tenantID) {
				continue
			}
			e, _ := o.registry.Get(id)
			if e.Manifest.IsGlobal {
				continue
			}
			if err := o.disable(ctx, id, tenantID, actor, disableOptions{}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	o.record(pluginID, "force_disable", "", actor, joinErrors(errs))
	o.logger.Warn().Str("plugin", pluginID).Strs("cascade", cascade).Str("actor", actor).Msg("Plugin force-disabled")
	return joinErrors(errs)
}

// CreateTenant registers a tenant and enables every loaded plugin marked
// default_enabled that is not private, in load order. Failures are collected
// and do not stop the remaining enables.
func (o *Orchestrator) CreateTenant(ctx context.Context, tenantID, actor string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !o.registry.AddTenant(tenantID) {
		o.logger.Debug().Str("tenant", tenantID).Msg("Tenant already known")
	}

	ids := make([]string, 0)
	for _, e := range o.registry.List() {
		if e.State == StateLoaded && !e.Manifest.IsGlobal {
			ids = append(ids, e.ID())
		}
	}
	o.sortByOrder(ids)

	var errs []error
	for _, id := range ids {
		if _, err := o.registry.EnsureTenantState(id, tenantID); err != nil {
			errs = append(errs, err)
			continue
		}
		e, _ := o.registry.Get(id)
		if !e.Manifest.DefaultEnabled || e.Manifest.IsPrivate {
			continue
		}
		if err := o.Enable(ctx, id, tenantID, actor); err != nil {
			o.logger.Warn().Err(err).Str("plugin", id).Str("tenant", tenantID).Msg("Default plugin not enabled")
			errs = append(errs, err)
		}
	}
	o.logger.Info().Str("tenant", tenantID).Str("actor", actor).Msg("Tenant created")
	return joinErrors(errs)
}

// Restore reapplies persisted tenant rows after a start: access and
// configuration are restored, and rows that were enabled are re-enabled
// through the lifecycle in load order.
func (o *Orchestrator) Restore(ctx context.Context, rows []TenantState) error {
	idx := o.orderIndex()
	sorted := append([]TenantState(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		ai, aok := idx[a.PluginID]
		bi, bok := idx[b.PluginID]
		if aok && bok && ai != bi {
			return ai < bi
		}
		if aok != bok {
			return aok
		}
		if a.PluginID != b.PluginID {
			return a.PluginID < b.PluginID
		}
		return a.TenantID < b.TenantID
	})

	var errs []error
	for _, row := range sorted {
		if err := o.registry.RestoreTenantState(row); err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			o.logger.Warn().Err(err).Str("plugin", row.PluginID).Str("tenant", row.TenantID).Msg("Tenant state not restored")
			continue
		}
		if !row.Enabled {
			continue
		}
		actor := row.EnabledBy
		if actor == "" {
			actor = SystemActor
		}
		if err := o.Enable(ctx, row.PluginID, row.TenantID, actor); err != nil {
			o.logger.Warn().Err(err).Str("plugin", row.PluginID).Str("tenant", row.TenantID).Msg("Plugin not re-enabled")
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
