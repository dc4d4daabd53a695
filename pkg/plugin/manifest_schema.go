package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation. Identifier,
// version and capability rules are checked separately so that their messages
// name the offending value.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "classification"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Semver version"
    },
    "description": { "type": "string" },
    "author": { "type": "string" },
    "main": {
      "type": "string",
      "minLength": 1,
      "description": "Plugin executable, relative to the manifest directory"
    },
    "classification": {
      "type": "string",
      "enum": ["builtin", "external"]
    },
    "is_global": { "type": "boolean" },
    "is_private": { "type": "boolean" },
    "default_enabled": { "type": "boolean" },
    "requires": { "$ref": "#/definitions/dependencies" },
    "optional": { "$ref": "#/definitions/dependencies" },
    "conflicts": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 },
      "uniqueItems": true
    },
    "capabilities": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 },
      "uniqueItems": true
    },
    "config_schema": {
      "type": "object",
      "description": "JSON Schema for tenant and catalog configuration"
    }
  },
  "definitions": {
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["plugin_id"],
        "properties": {
          "plugin_id": { "type": "string", "minLength": 1 },
          "version": {
            "type": "string",
            "description": "Semver constraint (e.g., ^1.0.0)"
          }
        }
      }
    }
  }
}`
