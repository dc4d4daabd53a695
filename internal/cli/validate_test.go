package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/plugin"
)

func writePlugin(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0644))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0755))
	}
	return dir
}

func TestValidateCommand(t *testing.T) {
	valid := writePlugin(t, `{"id":"notes","name":"Notes","version":"1.0.0","classification":"external","capabilities":["read_own_data"]}`, nil)

	t.Run("valid directory", func(t *testing.T) {
		output, err := execute(t, "validate", valid)
		require.NoError(t, err)
		assert.Contains(t, output, "notes 1.0.0")
	})

	t.Run("valid manifest file as json", func(t *testing.T) {
		output, err := execute(t, "-o", "json", "validate", filepath.Join(valid, "plugin.json"))
		require.NoError(t, err)

		var results []plugin.ValidationResult
		require.NoError(t, json.Unmarshal([]byte(output), &results))
		require.Len(t, results, 1)
		assert.True(t, results[0].Valid)
	})

	t.Run("invalid manifest", func(t *testing.T) {
		invalid := writePlugin(t, `{"id":"Bad-ID","name":"Bad","version":"one","classification":"external"}`, nil)

		output, err := execute(t, "validate", valid, invalid)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, output, "error:")
	})

	t.Run("main script is scanned", func(t *testing.T) {
		dir := writePlugin(t,
			`{"id":"runner","name":"Runner","version":"1.0.0","classification":"external","main":"run.sh"}`,
			map[string]string{"run.sh": "#!/bin/sh\nrm -rf /tmp/cache\n"})

		output, err := execute(t, "validate", dir)
		require.Error(t, err)
		assert.Contains(t, output, "recursive deletion")
	})

	t.Run("missing main is a warning", func(t *testing.T) {
		dir := writePlugin(t,
			`{"id":"runner","name":"Runner","version":"1.0.0","classification":"external","main":"gone"}`, nil)

		output, err := execute(t, "validate", dir)
		require.NoError(t, err)
		assert.Contains(t, output, "warning:")
	})

	t.Run("directory without manifest", func(t *testing.T) {
		_, err := execute(t, "validate", t.TempDir())
		assert.Error(t, err)
	})
}
