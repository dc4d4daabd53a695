package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/plugd/pkg/capability"
)

var (
	// pluginIDRegex validates plugin ID format (lowercase letter, then lowercase alphanumerics or underscores)
	pluginIDRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// denyPattern is one dangerous call pattern searched for in code artifacts.
type denyPattern struct {
	name string
	re   *regexp.Regexp
}

var artifactDenylist = []denyPattern{
	{"dynamic code evaluation", regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\s*\(|\bcompile\s*\(.*\bexec\b|\bexec\s*\(\s*["'a-zA-Z_]`)},
	{"process execution", regexp.MustCompile(`\bos/exec\b|\bexec\.Command(Context)?\s*\(|\bsubprocess\.|\bos\.system\s*\(|\bchild_process\b|\bRuntime\.getRuntime\(\)\.exec|\bsyscall\.Exec\s*\(`)},
	{"recursive deletion", regexp.MustCompile(`\brm\s+-(rf|fr|r)\b|\bos\.RemoveAll\s*\(|\bshutil\.rmtree\s*\(|\brimraf\b|\bfs\.rmSync\s*\([^)]*recursive`)},
}

// ValidationResult is the outcome of validating one manifest. Errors make the
// manifest unusable; warnings need administrator attention only.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// Err returns the result as a *ValidationError, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	id := ""
	if r.Manifest != nil {
		id = r.Manifest.ID
	}
	return &ValidationError{PluginID: id, Problems: r.Errors}
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks manifests. It is a pure function over its input: it never
// panics on malformed documents and never returns an error value.
type Validator struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new manifest validator
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger:       logger.With().Str("component", "manifest-validator").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// Validate checks a raw JSON or YAML manifest
func (v *Validator) Validate(raw []byte) ValidationResult {
	result := ValidationResult{Errors: []string{}, Warnings: []string{}}

	doc, err := manifestJSON(raw)
	if err != nil {
		result.errorf("%v", err)
		return result
	}

	schemaResult, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		result.errorf("schema validation error: %v", err)
		return result
	}
	for _, e := range schemaResult.Errors() {
		result.errorf("%s", e.String())
	}

	var manifest Manifest
	if err := json.Unmarshal(doc, &manifest); err != nil {
		// Type mismatches are already reported by the schema.
		if len(result.Errors) == 0 {
			result.errorf("failed to decode manifest: %v", err)
		}
		return result
	}
	result.Manifest = &manifest

	v.check(&manifest, &result)
	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		v.logger.Debug().Str("id", manifest.ID).Strs("errors", result.Errors).Msg("Manifest rejected")
	}
	return result
}

// ValidateArtifact validates a manifest and scans the plugin's code artifact
// against the denylist of dangerous call patterns.
func (v *Validator) ValidateArtifact(raw, artifact []byte) ValidationResult {
	result := v.Validate(raw)
	for _, p := range ScanArtifact(artifact) {
		result.errorf("artifact uses %s", p)
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// ValidateManifest validates an in-memory manifest, as supplied by builtin
// providers.
func (v *Validator) ValidateManifest(m *Manifest) ValidationResult {
	raw, err := json.Marshal(m)
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("failed to encode manifest: %v", err)}, Warnings: []string{}}
	}
	result := v.Validate(raw)
	if result.Manifest != nil {
		result.Manifest.Dir = m.Dir
	}
	return result
}

// ScanArtifact returns the names of the denylisted patterns found in code.
func ScanArtifact(code []byte) []string {
	var found []string
	for _, p := range artifactDenylist {
		if p.re.Match(code) {
			found = append(found, p.name)
		}
	}
	return found
}

// check performs validation beyond the JSON schema
func (v *Validator) check(m *Manifest, result *ValidationResult) {
	if m.ID != "" && !pluginIDRegex.MatchString(m.ID) {
		result.errorf("invalid plugin ID format: %s (must match %s)", m.ID, pluginIDRegex.String())
	}

	if m.Version != "" {
		if _, err := semver.StrictNewVersion(m.Version); err != nil {
			result.errorf("invalid version format: %s (must be semver: X.Y.Z)", m.Version)
		}
	}

	if m.IsGlobal && m.IsPrivate {
		result.errorf("plugin cannot be both global and private")
	}

	for _, name := range m.Capabilities {
		if capability.Known(name) {
			continue
		}
		switch m.Classification {
		case ClassExternal:
			result.warnf("unrecognized capability %q requires administrator approval", name)
		default:
			result.errorf("unrecognized capability: %s", name)
		}
	}

	checkDeps := func(kind string, deps []Dependency) {
		seen := make(map[string]bool, len(deps))
		for i, dep := range deps {
			if dep.PluginID == m.ID {
				result.errorf("%s %d: plugin cannot depend on itself", kind, i)
			}
			if seen[dep.PluginID] {
				result.errorf("%s %d: duplicate dependency %s", kind, i, dep.PluginID)
			}
			seen[dep.PluginID] = true
			if dep.Version != "" {
				if _, err := semver.NewConstraint(dep.Version); err != nil {
					result.errorf("%s %d: invalid version constraint %q for %s", kind, i, dep.Version, dep.PluginID)
				}
			}
		}
	}
	checkDeps("requires", m.Requires)
	checkDeps("optional", m.Optional)

	for _, id := range m.Conflicts {
		if id == m.ID {
			result.errorf("plugin cannot conflict with itself")
		}
	}

	if m.ConfigSchema != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(m.ConfigSchema)); err != nil {
			result.errorf("invalid config_schema: %v", err)
		}
	}
}
