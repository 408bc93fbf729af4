package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmcallan/cadence/internal/app"
	"github.com/bobmcallan/cadence/internal/models"
)

type auditTailOptions struct {
	user  string
	tool  string
	since time.Duration
	limit int
}

func newAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditTailCommand(opts))
	return cmd
}

func newAuditTailCommand(opts *RootOptions) *cobra.Command {
	ao := &auditTailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				return runAuditTail(cmd, opts, ao, a)
			})
		},
	}
	cmd.Flags().StringVar(&ao.user, "user", "", "only entries for this user id")
	cmd.Flags().StringVar(&ao.tool, "tool", "", "only entries for this tool")
	cmd.Flags().DurationVar(&ao.since, "since", 0, "only entries newer than this (e.g. 1h)")
	cmd.Flags().IntVarP(&ao.limit, "limit", "n", 20, "maximum entries")
	return cmd
}

func runAuditTail(cmd *cobra.Command, opts *RootOptions, ao *auditTailOptions, a *app.App) error {
	filter := models.AuditFilter{UserID: ao.user, Tool: ao.tool, Limit: ao.limit}
	if ao.since > 0 {
		filter.Since = time.Now().Add(-ao.since)
	}
	entries, err := a.Storage.AuditStore().ListAudit(cmd.Context(), filter)
	if err != nil {
		return err
	}

	p := newPrinter(opts, cmd.OutOrStdout())
	if p.json() {
		return p.emit(entries)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Format(time.RFC3339),
			e.UserID,
			e.Tool,
			string(e.Outcome),
			e.ErrorCode,
			e.ActionID,
		})
	}
	return p.table([]string{"TIME", "USER", "TOOL", "OUTCOME", "CODE", "ACTION"}, rows)
}
