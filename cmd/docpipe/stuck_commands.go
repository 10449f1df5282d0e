package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStuckCommand(ctx *commandContext) *cobra.Command {
	stuckCmd := &cobra.Command{
		Use:   "stuck",
		Short: "Inspect and retry stalled pipelines",
	}
	stuckCmd.AddCommand(newStuckListCommand(ctx))
	stuckCmd.AddCommand(newStuckRetryCommand(ctx))
	return stuckCmd
}

func newStuckListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines that stopped making progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			stuck, err := ctx.client().listStuck(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stuck) == 0 {
				fmt.Fprintln(out, "No stuck pipelines")
				return nil
			}
			rows := make([][]string, 0, len(stuck))
			for _, item := range stuck {
				rows = append(rows, []string{
					item.DocumentID,
					item.Stage.String(),
					item.Age.Round(time.Second).String(),
					yesNo(item.AutoRecovered),
					truncate(item.LastError, 60),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"DOCUMENT", "STAGE", "AGE", "RECOVERED", "LAST ERROR"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newStuckRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <document-id>",
		Short: "Re-enqueue a stuck pipeline for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().forceRetry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued %s\n", args[0])
			return nil
		},
	}
}
