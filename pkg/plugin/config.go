package plugin

import (
	"fmt"
	"maps"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// MergeConfig layers configuration maps, lowest precedence first. Nested
// objects merge key by key; any other value in a higher layer replaces the
// lower one.
func MergeConfig(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			merged := maps.Clone(dstMap)
			mergeInto(merged, srcMap)
			dst[k] = merged
			continue
		}
		if srcIsMap {
			cloned := make(map[string]any, len(srcMap))
			mergeInto(cloned, srcMap)
			dst[k] = cloned
			continue
		}
		dst[k] = v
	}
}

// SchemaDefaults extracts the "default" values declared by an object schema's
// properties, recursing into nested object properties.
func SchemaDefaults(schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			out[name] = def
			continue
		}
		if nested := SchemaDefaults(prop); len(nested) > 0 {
			out[name] = nested
		}
	}
	return out
}

// EffectiveConfig merges tenant over catalog over manifest defaults over
// provider defaults.
func EffectiveConfig(providerDefault map[string]any, m Manifest, catalog, tenant map[string]any) map[string]any {
	return MergeConfig(providerDefault, SchemaDefaults(m.ConfigSchema), catalog, tenant)
}

// ValidateConfig checks cfg against the manifest's config schema. A manifest
// without a schema accepts any configuration.
func ValidateConfig(schema, cfg map[string]any) error {
	if schema == nil {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return nil
}
