package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// Discovered is a manifest found on disk
type Discovered struct {
	Manifest   *Manifest
	Path       string
	Validation ValidationResult
}

// Provider returns the provider serving the discovered plugin: a plugin
// process when the manifest names a main executable, a static provider
// otherwise.
func (d Discovered) Provider(logger zerolog.Logger) Provider {
	if d.Manifest.Main != "" {
		return NewProcessProvider(*d.Manifest, logger)
	}
	return &StaticProvider{M: *d.Manifest}
}

// Discovery scans plugin directories for manifests
type Discovery struct {
	loader *ManifestLoader
	logger zerolog.Logger
}

// NewDiscovery creates a new plugin discovery instance
func NewDiscovery(loader *ManifestLoader, logger zerolog.Logger) *Discovery {
	return &Discovery{
		loader: loader,
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
	}
}

// Scan reads every subdirectory of dirs that holds a manifest. Missing
// directories are skipped; unreadable manifests are reported and skipped.
func (d *Discovery) Scan(dirs []string) ([]Discovered, []error) {
	var (
		found []Discovered
		errs  []error
	)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		items, err := d.scanDirectory(dir)
		if err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan plugin directory")
			errs = append(errs, err)
		}
		for _, item := range items {
			if item.err != nil {
				errs = append(errs, item.err)
				continue
			}
			found = append(found, item.Discovered)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Manifest.ID < found[j].Manifest.ID })
	d.logger.Info().Int("count", len(found)).Int("errors", len(errs)).Msg("Plugin discovery completed")
	return found, errs
}

type scanned struct {
	Discovered
	err error
}

// scanDirectory scans a single directory for plugins
func (d *Discovery) scanDirectory(dir string) ([]scanned, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Debug().Str("dir", dir).Msg("Directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var out []scanned
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		path, ok := FindManifest(pluginDir)
		if !ok {
			d.logger.Debug().Str("dir", pluginDir).Msg("Directory does not contain a manifest, skipping")
			continue
		}

		m, result, err := d.loader.LoadManifest(path)
		if err != nil {
			out = append(out, scanned{err: fmt.Errorf("%s: %w", path, err)})
			continue
		}
		out = append(out, scanned{Discovered: Discovered{Manifest: m, Path: path, Validation: result}})
		d.logger.Debug().Str("id", m.ID).Str("path", path).Msg("Discovered plugin")
	}
	return out, nil
}
