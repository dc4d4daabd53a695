package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/gateway"
)

var (
	activityPlugin string
	activityTenant string
	activityLimit  int
	activitySince  time.Duration
	activityFollow bool
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recorded plugin activity",
	Long: `Show the activity log: lifecycle transitions, host calls, denials and
configuration changes, newest first. With --follow, records are streamed
from the daemon's activity feed as they happen.`,
	Example: `  plugd activity --plugin notifications --limit 20
  plugd activity --tenant acme --since 1h
  plugd activity --follow`,
	Args: cobra.NoArgs,
	RunE: runActivity,
}

func init() {
	activityCmd.Flags().StringVarP(&activityPlugin, "plugin", "p", "", "only this plugin")
	activityCmd.Flags().StringVarP(&activityTenant, "tenant", "t", "", "only this tenant")
	activityCmd.Flags().IntVarP(&activityLimit, "limit", "n", 50, "maximum records (1-1000)")
	activityCmd.Flags().DurationVar(&activitySince, "since", 0, "only records newer than this age")
	activityCmd.Flags().BoolVarP(&activityFollow, "follow", "F", false, "stream new records")
	rootCmd.AddCommand(activityCmd)
}

func runActivity(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if activityFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		filter := gateway.FeedFilter{PluginID: activityPlugin, TenantID: activityTenant}
		return client.Follow(ctx, filter, func(r audit.Record) {
			if done, err := render(out, r); done {
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
				return
			}
			printRecord(out, r)
		})
	}

	params := map[string]any{"limit": activityLimit}
	if activityPlugin != "" {
		params["plugin_id"] = activityPlugin
	}
	if activityTenant != "" {
		params["tenant_id"] = activityTenant
	}
	if activitySince > 0 {
		params["since"] = time.Now().Add(-activitySince).UTC().Format(time.RFC3339)
	}

	var records []audit.Record
	if err := client.Call(cmd.Context(), "activity.recent", params, &records); err != nil {
		return fmt.Errorf("failed to load activity: %w", err)
	}
	if done, err := render(out, records); done {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No activity recorded.")
		return nil
	}

	w := newTable(out)
	fmt.Fprintf(w, "TIME\tPLUGIN\tACTION\tTENANT\tACTOR\tRESULT\tERROR\n")
	fmt.Fprintf(w, "----\t------\t------\t------\t-----\t------\t-----\n")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.PluginID, r.Action, orDash(r.TenantID), orDash(r.ActorID),
			successMark(r.Success), truncate(orDash(r.Error), 60))
	}
	return w.Flush()
}

func printRecord(out io.Writer, r audit.Record) {
	line := fmt.Sprintf("%s %-16s %-24s tenant=%s actor=%s",
		r.Timestamp.Local().Format("15:04:05"), r.PluginID, r.Action, orDash(r.TenantID), orDash(r.ActorID))
	if r.Success {
		fmt.Fprintln(out, line)
		return
	}
	fmt.Fprintf(out, "%s %s\n", line, color.RedString(r.Error))
}
