package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var tenantsCmd = &cobra.Command{
	Use:     "tenants",
	Aliases: []string{"tenant"},
	Short:   "Manage tenants on a running daemon",
}

var tenantsCreateCmd = &cobra.Command{
	Use:   "create <tenant>",
	Short: "Create a tenant and enable its default plugins",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantsCreate,
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known tenants",
	Args:  cobra.NoArgs,
	RunE:  runTenantsList,
}

func init() {
	tenantsCmd.AddCommand(tenantsCreateCmd, tenantsListCmd)
	rootCmd.AddCommand(tenantsCmd)
}

func runTenantsCreate(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var result struct {
		TenantID string   `json:"tenant_id"`
		Enabled  []string `json:"enabled"`
	}
	if err := client.Call(cmd.Context(), "tenants.create", map[string]any{"tenant_id": args[0]}, &result); err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, result); done {
		return err
	}
	fmt.Fprintf(out, "%s created tenant %s\n", color.GreenString("✓"), args[0])
	for _, id := range result.Enabled {
		fmt.Fprintf(out, "  enabled %s\n", id)
	}
	return nil
}

func runTenantsList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var tenants []string
	if err := client.Call(cmd.Context(), "tenants.list", nil, &tenants); err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, tenants); done {
		return err
	}
	if len(tenants) == 0 {
		fmt.Fprintln(out, "No tenants.")
		return nil
	}
	for _, t := range tenants {
		fmt.Fprintln(out, t)
	}
	return nil
}
