package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Install adds an external plugin at runtime: it is validated, its required
// dependencies must already be loaded, and its install and load hooks run.
// Any failure leaves the catalog as it was.
func (o *Orchestrator) Install(ctx context.Context, p Provider, actor string) (CatalogEntry, error) {
	m := p.Manifest()
	if m.Classification != ClassExternal {
		return CatalogEntry{}, fmt.Errorf("%w: %s", ErrBuiltinPermanent, m.ID)
	}

	if _, err := o.Discover(p, actor); err != nil {
		return CatalogEntry{}, err
	}
	rollback := func(cause error) (CatalogEntry, error) {
		if e, ok := o.registry.Get(m.ID); ok && e.LoadAttempted {
			o.unload(ctx, m.ID)
		}
		if c, ok := p.(Closer); ok {
			if err := c.Close(); err != nil {
				o.logger.Warn().Err(err).Str("plugin", m.ID).Msg("Failed to close provider")
			}
		}
		o.providers.Remove(m.ID)
		o.host.Release(m.ID)
		_ = o.registry.Remove(m.ID)
		o.record(m.ID, "install", "", actor, cause)
		return CatalogEntry{}, cause
	}

	if err := o.Validate(m.ID); err != nil {
		return rollback(err)
	}

	var candidates []CatalogEntry
	for _, e := range o.registry.List() {
		if e.State == StateLoaded || e.ID() == m.ID {
			candidates = append(candidates, e)
		}
	}
	plan := o.resolver.Plan(candidates)
	if depErr, blocked := plan.Blocked[m.ID]; blocked {
		return rollback(depErr)
	}

	err := o.runHook(ctx, m.ID, "", "install", o.cfg.InstallTimeout, p.OnInstall)
	if err != nil {
		return rollback(&LifecycleError{Kind: HookFailed, PluginID: m.ID, Hook: "install", Err: err})
	}
	if err := o.load(ctx, m.ID); err != nil {
		return rollback(err)
	}

	o.mu.Lock()
	o.order = append(o.order, m.ID)
	o.mu.Unlock()
	o.refreshStateMetrics()

	o.record(m.ID, "install", "", actor, nil)
	o.logger.Info().Str("plugin", m.ID).Str("version", m.Version).Str("actor", actor).Msg("Plugin installed")
	entry, _ := o.registry.Get(m.ID)
	return entry, nil
}

// Uninstall removes an external plugin. It refuses while another loaded
// plugin requires it; every tenant it runs for is disabled first.
func (o *Orchestrator) Uninstall(ctx context.Context, pluginID, actor string) error {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	if entry.Manifest.Classification != ClassExternal {
		return fmt.Errorf("%w: %s", ErrBuiltinPermanent, pluginID)
	}

	var requiredBy []string
	for _, e := range o.registry.List() {
		if e.State != StateLoaded || e.ID() == pluginID {
			continue
		}
		for _, dep := range e.Manifest.Requires {
			if dep.PluginID == pluginID {
				requiredBy = append(requiredBy, e.ID())
			}
		}
	}
	if len(requiredBy) > 0 {
		return fmt.Errorf("%w: %s is required by %s", ErrDependentsRunning, pluginID, strings.Join(requiredBy, ", "))
	}

	if entry.State == StateLoaded && !entry.Manifest.IsGlobal {
		for _, ts := range o.registry.TenantStates(pluginID) {
			if ts.Phase == PhaseRunning {
				if err := o.disable(ctx, pluginID, ts.TenantID, actor, disableOptions{}); err != nil {
					o.logger.Error().Err(err).Str("plugin", pluginID).Str("tenant", ts.TenantID).Msg("Failed to disable plugin before uninstall")
				}
			}
		}
	}
	if entry.State == StateLoaded || entry.LoadAttempted {
		o.unload(ctx, pluginID)
	}

	p := o.provider(pluginID)
	if err := o.runHook(ctx, pluginID, "", "uninstall", o.cfg.InstallTimeout, p.OnUninstall); err != nil {
		o.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Uninstall hook failed")
	}

	o.providers.Remove(pluginID)
	if err := o.registry.Remove(pluginID); err != nil {
		return err
	}
	o.mu.Lock()
	for i, id := range o.order {
		if id == pluginID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	o.refreshStateMetrics()

	o.record(pluginID, "uninstall", "", actor, nil)
	o.logger.Info().Str("plugin", pluginID).Str("actor", actor).Msg("Plugin uninstalled")
	return nil
}

// Upgrade replaces a loaded external plugin with a new version. The new
// version must validate, resolve against the loaded catalog and still satisfy
// the constraints of every plugin requiring it. For each tenant, the running
// plugins that depend on it are disabled first, dependents before
// dependencies; the plugin is reloaded and they are enabled again in load
// order. A pair whose re-enable fails stays disabled, and so do the plugins
// requiring it.
func (o *Orchestrator) Upgrade(ctx context.Context, p Provider, actor string) error {
	next := p.Manifest()
	current, ok := o.registry.Get(next.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	}
	if current.Manifest.Classification != ClassExternal || next.Classification != ClassExternal {
		return fmt.Errorf("%w: %s", ErrBuiltinPermanent, next.ID)
	}
	if current.State != StateLoaded {
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, next.ID, current.State)
	}
	if current.Manifest.IsGlobal != next.IsGlobal {
		return fmt.Errorf("%s cannot change is_global on upgrade", next.ID)
	}

	result := o.validator.ValidateManifest(&next)
	if !result.Valid {
		return result.Err()
	}
	if err := o.resolveUpgrade(current, next); err != nil {
		o.record(next.ID, "upgrade", "", actor, err)
		return err
	}

	oldVersion := current.Manifest.Version
	err := o.runHook(ctx, next.ID, "", "upgrade", o.cfg.InstallTimeout, func(ctx context.Context) error {
		return p.OnUpgrade(ctx, oldVersion, next.Version)
	})
	if err != nil {
		lerr := &LifecycleError{Kind: HookFailed, PluginID: next.ID, Hook: "upgrade", Err: err}
		o.record(next.ID, "upgrade", "", actor, lerr)
		return lerr
	}

	cascade := o.dependentsClosure(next.ID)
	o.sortByOrder(cascade)
	stopped := make(map[string][]string)
	for _, tenantID := range o.registry.Tenants() {
		for i := len(cascade) - 1; i >= 0; i-- {
			id := cascade[i]
			e, ok := o.registry.Get(id)
			if !ok || e.Manifest.IsGlobal || !o.IsRunning(id, tenantID) {
				continue
			}
			if err := o.disable(ctx, id, tenantID, actor, disableOptions{}); err != nil {
				o.logger.Error().Err(err).Str("plugin", id).Str("tenant", tenantID).Msg("Failed to disable plugin for upgrade")
				continue
			}
			stopped[tenantID] = append(stopped[tenantID], id)
		}
	}
	o.unload(ctx, next.ID)

	o.providers.Set(next.ID, p)
	if err := o.registry.ReplaceManifest(next); err != nil {
		return err
	}
	if _, err := o.registry.SetGrant(next.ID); err != nil {
		return err
	}
	if err := o.load(ctx, next.ID); err != nil {
		o.refreshStateMetrics()
		o.record(next.ID, "upgrade", "", actor, err)
		return err
	}

	var errs []error
	for _, tenantID := range o.registry.Tenants() {
		ids := stopped[tenantID]
		o.sortByOrder(ids)
		for _, id := range ids {
			if err := o.Enable(ctx, id, tenantID, actor); err != nil {
				o.logger.Warn().Err(err).Str("plugin", id).Str("tenant", tenantID).Msg("Plugin not re-enabled after upgrade")
				errs = append(errs, err)
			}
		}
	}
	o.refreshStateMetrics()
	o.record(next.ID, "upgrade", "", actor, joinErrors(errs))
	o.logger.Info().
		Str("plugin", next.ID).
		Str("from", oldVersion).
		Str("to", next.Version).
		Str("actor", actor).
		Msg("Plugin upgraded")
	return joinErrors(errs)
}

// resolveUpgrade checks the loaded catalog with next in place of current:
// next's own requirements and conflicts must resolve, and every loaded
// plugin must stay loadable.
func (o *Orchestrator) resolveUpgrade(current CatalogEntry, next Manifest) error {
	candidate := current
	candidate.Manifest = next
	candidates := []CatalogEntry{candidate}
	for _, e := range o.registry.List() {
		if e.State == StateLoaded && e.ID() != next.ID {
			candidates = append(candidates, e)
		}
	}

	plan := o.resolver.Plan(candidates)
	if depErr, blocked := plan.Blocked[next.ID]; blocked {
		return depErr
	}
	if len(plan.Blocked) == 0 {
		return nil
	}
	ids := make([]string, 0, len(plan.Blocked))
	for id := range plan.Blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return plan.Blocked[ids[0]]
}
