package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plugd/pkg/plugin"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plugin-dir-or-manifest>...",
	Short: "Validate plugin manifests without a running daemon",
	Long: `Validate plugin manifests offline. Each argument is a manifest file or a
plugin directory holding plugin.json or plugin.yaml. When the manifest
names a main script, the script is scanned for denylisted calls.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	validator := plugin.NewValidator(zerolog.Nop())
	out := cmd.OutOrStdout()

	var results []plugin.ValidationResult
	invalid := 0
	for _, arg := range args {
		result, err := validatePath(validator, arg)
		if err != nil {
			return err
		}
		if !result.Valid {
			invalid++
		}
		results = append(results, result)
	}

	if done, err := render(out, results); done {
		if err != nil {
			return err
		}
	} else {
		for i, r := range results {
			name := args[i]
			if r.Manifest != nil {
				name = fmt.Sprintf("%s %s", r.Manifest.ID, r.Manifest.Version)
			}
			if r.Valid {
				fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), name)
			} else {
				fmt.Fprintf(out, "%s %s\n", color.RedString("✗"), name)
			}
			for _, e := range r.Errors {
				fmt.Fprintf(out, "    %s %s\n", color.RedString("error:"), e)
			}
			for _, w := range r.Warnings {
				fmt.Fprintf(out, "    %s %s\n", color.YellowString("warning:"), w)
			}
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d manifests are invalid", invalid, len(args))
	}
	return nil
}

func validatePath(validator *plugin.Validator, path string) (plugin.ValidationResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return plugin.ValidationResult{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	manifestPath := path
	if info.IsDir() {
		found, ok := plugin.FindManifest(path)
		if !ok {
			return plugin.ValidationResult{}, fmt.Errorf("no plugin manifest in %s", path)
		}
		manifestPath = found
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return plugin.ValidationResult{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	result := validator.Validate(raw)
	if result.Manifest == nil || result.Manifest.Main == "" {
		return result, nil
	}
	main := result.Manifest.Main
	if !filepath.IsAbs(main) {
		main = filepath.Join(filepath.Dir(manifestPath), main)
	}
	artifact, err := os.ReadFile(main)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("main %s is not readable: %v", result.Manifest.Main, err))
		return result, nil
	}
	return validator.ValidateArtifact(raw, artifact), nil
}
