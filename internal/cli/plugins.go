package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/plugd/pkg/gateway"
)

var (
	pluginTenant    string
	configureSet    []string
	configureFile   string
	configureStrict bool
)

var pluginsCmd = &cobra.Command{
	Use:     "plugins",
	Aliases: []string{"plugin"},
	Short:   "Inspect and manage plugins on a running daemon",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the plugin catalog",
	Example: `  # Catalog with load states
  plugd plugins list

  # Catalog with one tenant's enablement
  plugd plugins list --tenant acme`,
	Args: cobra.NoArgs,
	RunE: runPluginsList,
}

var pluginsGetCmd = &cobra.Command{
	Use:   "get <plugin>",
	Short: "Show one plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsGet,
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <plugin>",
	Short: "Enable a plugin for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantAction("plugins.enable", "enabled %s for %s"),
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <plugin>",
	Short: "Disable a plugin for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantAction("plugins.disable", "disabled %s for %s"),
}

var pluginsGrantCmd = &cobra.Command{
	Use:   "grant <plugin>",
	Short: "Grant a tenant access to a private plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantAction("plugins.grantAccess", "granted %s to %s"),
}

var pluginsForceDisableCmd = &cobra.Command{
	Use:   "force-disable <plugin>",
	Short: "Disable a plugin and everything requiring it for every tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsForceDisable,
}

var pluginsConfigureCmd = &cobra.Command{
	Use:   "configure <plugin>",
	Short: "Set a tenant's configuration for a plugin",
	Long: `Set a tenant's configuration for a plugin. The configuration is read from
--file (JSON or YAML) and --set key=value pairs, which win over the file.
It is validated against the plugin's schema the next time the plugin is
enabled for the tenant.`,
	Example: `  plugd plugins configure notifications --tenant acme --set chat_id=12345
  plugd plugins configure notifications --tenant acme --file notifications.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPluginsConfigure,
}

var pluginsOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Show the load order and dependency warnings",
	Args:  cobra.NoArgs,
	RunE:  runPluginsOrder,
}

func init() {
	pluginsListCmd.Flags().StringVarP(&pluginTenant, "tenant", "t", "", "show enablement for this tenant")
	pluginsGetCmd.Flags().StringVarP(&pluginTenant, "tenant", "t", "", "show state for this tenant")
	for _, c := range []*cobra.Command{pluginsEnableCmd, pluginsDisableCmd, pluginsGrantCmd, pluginsConfigureCmd} {
		c.Flags().StringVarP(&pluginTenant, "tenant", "t", "", "tenant ID")
		_ = c.MarkFlagRequired("tenant")
	}
	pluginsConfigureCmd.Flags().StringArrayVar(&configureSet, "set", nil, "set a key (key=value, value parsed as JSON when possible)")
	pluginsConfigureCmd.Flags().StringVarP(&configureFile, "file", "f", "", "read the configuration from a JSON or YAML file")
	pluginsConfigureCmd.Flags().BoolVar(&configureStrict, "strict", false, "treat --set values as strings")

	pluginsCmd.AddCommand(pluginsListCmd, pluginsGetCmd, pluginsEnableCmd, pluginsDisableCmd,
		pluginsGrantCmd, pluginsForceDisableCmd, pluginsConfigureCmd, pluginsOrderCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	params := map[string]any{}
	if pluginTenant != "" {
		params["tenant_id"] = pluginTenant
	}
	var plugins []gateway.PluginView
	if err := client.Call(cmd.Context(), "plugins.list", params, &plugins); err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}

	out := cmd.OutOrStdout()
	if done, err := render(out, plugins); done {
		return err
	}
	if len(plugins) == 0 {
		fmt.Fprintln(out, "No plugins installed.")
		return nil
	}

	w := newTable(out)
	if pluginTenant != "" {
		fmt.Fprintf(w, "ID\tVERSION\tCLASS\tSTATE\tENABLED\tRUNNING\n")
		fmt.Fprintf(w, "--\t-------\t-----\t-----\t-------\t-------\n")
	} else {
		fmt.Fprintf(w, "ID\tVERSION\tCLASS\tSTATE\tSCOPE\tINSTALLED BY\n")
		fmt.Fprintf(w, "--\t-------\t-----\t-----\t-----\t------------\n")
	}
	for _, p := range plugins {
		if pluginTenant != "" {
			enabled, running := p.IsGlobal, p.IsGlobal
			if p.Tenant != nil {
				enabled, running = enabled || p.Tenant.Enabled, running || p.Tenant.Running
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.Version, colorizeClass(p.Classification), colorizeState(p.State), yesNo(enabled), yesNo(running))
			continue
		}
		scope := "tenant"
		switch {
		case p.IsGlobal:
			scope = "global"
		case p.IsPrivate:
			scope = "private"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Version, colorizeClass(p.Classification), colorizeState(p.State), scope, orDash(p.InstalledBy))
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d plugins\n", len(plugins))
	return nil
}

func runPluginsGet(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	params := map[string]any{"plugin_id": args[0]}
	if pluginTenant != "" {
		params["tenant_id"] = pluginTenant
	}
	var detail gateway.PluginDetail
	if err := client.Call(cmd.Context(), "plugins.get", params, &detail); err != nil {
		return fmt.Errorf("failed to get plugin %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if done, err := render(out, detail); done {
		return err
	}

	fmt.Fprintf(out, "%s %s (%s)\n", color.CyanString(detail.ID), detail.Version, detail.Name)
	fmt.Fprintf(out, "Class:        %s\n", colorizeClass(detail.Classification))
	fmt.Fprintf(out, "State:        %s\n", colorizeState(detail.State))
	fmt.Fprintf(out, "Installed:    %s by %s\n", detail.InstalledAt.Format("2006-01-02 15:04:05"), orDash(detail.InstalledBy))
	fmt.Fprintf(out, "Capabilities: %s\n", orDash(strings.Join(detail.Capabilities, ", ")))
	for _, dep := range detail.Requires {
		fmt.Fprintf(out, "Requires:     %s %s\n", dep.PluginID, dep.Version)
	}
	for _, dep := range detail.Optional {
		fmt.Fprintf(out, "Optional:     %s %s\n", dep.PluginID, dep.Version)
	}
	for _, e := range detail.Errors {
		fmt.Fprintf(out, "%s %s\n", color.RedString("Error:"), e)
	}
	if len(detail.Tenants) > 0 {
		fmt.Fprintln(out)
		w := newTable(out)
		fmt.Fprintf(w, "TENANT\tENABLED\tRUNNING\tACCESS\tENABLED BY\n")
		for _, t := range detail.Tenants {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.TenantID, yesNo(t.Enabled), yesNo(t.Running), yesNo(t.HasAccess), orDash(t.EnabledBy))
		}
		w.Flush()
	}
	return nil
}

// tenantAction runs a plugin_id/tenant_id method and prints msg
func tenantAction(method, msg string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		params := map[string]any{"plugin_id": args[0], "tenant_id": pluginTenant}
		var result map[string]any
		if err := client.Call(cmd.Context(), method, params, &result); err != nil {
			return fmt.Errorf("%s failed: %w", method, err)
		}
		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(msg, args[0], pluginTenant))
		return nil
	}
}

func runPluginsForceDisable(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var result map[string]any
	if err := client.Call(cmd.Context(), "plugins.forceDisable", map[string]any{"plugin_id": args[0]}, &result); err != nil {
		return fmt.Errorf("force disable failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, result); done {
		return err
	}
	fmt.Fprintf(out, "%s disabled %s for every tenant\n", color.GreenString("✓"), args[0])
	return nil
}

func runPluginsConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := buildPluginConfig(configureFile, configureSet, configureStrict)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	params := map[string]any{"plugin_id": args[0], "tenant_id": pluginTenant, "config": cfg}
	var result map[string]any
	if err := client.Call(cmd.Context(), "plugins.configure", params, &result); err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, result); done {
		return err
	}
	fmt.Fprintf(out, "%s configured %s for %s\n", color.GreenString("✓"), args[0], pluginTenant)
	return nil
}

// buildPluginConfig merges a config file with key=value pairs
func buildPluginConfig(file string, pairs []string, strict bool) (map[string]any, error) {
	cfg := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// YAML is a superset of JSON
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (expected key=value)", pair)
		}
		var value any = raw
		if !strict {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				value = parsed
			}
		}
		cfg[key] = value
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("no configuration given (use --file or --set)")
	}
	return cfg, nil
}

func runPluginsOrder(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var result struct {
		Order    []string `json:"order"`
		Warnings []string `json:"warnings"`
	}
	if err := client.Call(cmd.Context(), "plugins.order", nil, &result); err != nil {
		return fmt.Errorf("failed to get load order: %w", err)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, result); done {
		return err
	}
	for i, id := range result.Order {
		fmt.Fprintf(out, "%3d. %s\n", i+1, id)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "%s %s\n", color.YellowString("warning:"), w)
	}
	return nil
}
