package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Manifest file names, in lookup order.
var manifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// ManifestLoader reads and validates plugin manifests from disk
type ManifestLoader struct {
	logger    zerolog.Logger
	validator *Validator
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger, validator *Validator) *ManifestLoader {
	return &ManifestLoader{
		logger:    logger.With().Str("component", "manifest-loader").Logger(),
		validator: validator,
	}
}

// LoadManifest reads a manifest file and validates it. A manifest that fails
// validation is returned together with its *ValidationError so callers can
// still register and report it.
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, fmt.Errorf("failed to read manifest file: %w", err)
	}

	result := m.validator.Validate(data)
	if result.Manifest == nil {
		return nil, result, result.Err()
	}
	result.Manifest.Dir = filepath.Dir(path)

	for _, w := range result.Warnings {
		m.logger.Warn().Str("id", result.Manifest.ID).Str("path", path).Msg(w)
	}
	m.logger.Debug().
		Str("id", result.Manifest.ID).
		Str("version", result.Manifest.Version).
		Bool("valid", result.Valid).
		Msg("Loaded manifest")

	return result.Manifest, result, nil
}

// FindManifest returns the manifest file inside dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// ParseManifest decodes a JSON or YAML manifest without validating it
func ParseManifest(data []byte) (*Manifest, error) {
	doc, err := manifestJSON(data)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// manifestJSON returns the document as JSON, converting YAML input.
func manifestJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	if trimmed[0] == '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("failed to parse manifest JSON")
		}
		return trimmed, nil
	}

	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("manifest must be a mapping")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest YAML: %w", err)
	}
	return out, nil
}
