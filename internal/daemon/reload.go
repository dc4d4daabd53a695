package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/harun/plugd/pkg/plugin"
)

// WatcherActor is the actor recorded for changes picked up from the plugin
// directories.
const WatcherActor = "watcher"

func (d *Daemon) startWatcher() error {
	w, err := plugin.NewDirWatcher(d.logger.Zerolog(), watchDebounce, func() {
		if err := d.Reconcile(d.ctx); err != nil {
			d.log.Warn().Err(err).Msg("Plugin reconcile finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to create plugin watcher: %w", err)
	}

	watched := 0
	for _, dir := range d.config.PluginDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.log.Warn().Err(err).Str("dir", dir).Msg("Failed to create plugin directory")
			continue
		}
		if err := w.Watch(dir); err != nil {
			d.log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch plugin directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = w.Stop()
		return errors.New("no plugin directory could be watched")
	}
	d.watcher = w
	d.log.Info().Strs("dirs", d.config.PluginDirs).Msg("Watching plugin directories")
	return nil
}

// Reconcile brings the external plugins in line with the plugin
// directories: new manifests are installed, changed versions upgraded and
// vanished plugins uninstalled.
func (d *Daemon) Reconcile(ctx context.Context) error {
	d.reconcileMu.Lock()
	defer d.reconcileMu.Unlock()

	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return nil
	}

	base := d.logger.Zerolog()
	found, errs := d.discovery.Scan(d.config.PluginDirs)

	seen := make(map[string]bool, len(found))
	for _, f := range found {
		m := f.Manifest
		if m.Classification != plugin.ClassExternal {
			continue
		}
		seen[m.ID] = true

		current, ok := d.registry.Get(m.ID)
		switch {
		case !ok:
			if _, err := d.orch.Install(ctx, f.Provider(base), WatcherActor); err != nil {
				errs = append(errs, fmt.Errorf("install %s: %w", m.ID, err))
				continue
			}
			d.log.Info().Str("plugin", m.ID).Str("version", m.Version).Msg("Installed plugin from directory")
		case current.Manifest.Version != m.Version && current.State == plugin.StateLoaded:
			if err := d.orch.Upgrade(ctx, f.Provider(base), WatcherActor); err != nil {
				errs = append(errs, fmt.Errorf("upgrade %s: %w", m.ID, err))
				continue
			}
			d.log.Info().
				Str("plugin", m.ID).
				Str("from", current.Manifest.Version).
				Str("to", m.Version).
				Msg("Upgraded plugin from directory")
		}
	}

	for _, e := range d.registry.List() {
		if e.Manifest.Classification != plugin.ClassExternal || seen[e.ID()] {
			continue
		}
		if err := d.orch.Uninstall(ctx, e.ID(), WatcherActor); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", e.ID(), err))
			continue
		}
		d.log.Info().Str("plugin", e.ID()).Msg("Uninstalled plugin removed from directory")
	}

	d.publishCommands()
	return errors.Join(errs...)
}
