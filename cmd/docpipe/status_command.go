package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and document pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			out := cmd.OutOrStdout()

			health, err := client.health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Daemon: %s (healthy: %v)\n", ctx.apiBaseURL(), health["healthy"])

			docs, err := client.listDocuments(cmd.Context())
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(out, "No documents tracked")
				return nil
			}

			sort.Slice(docs, func(i, j int) bool {
				return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
			})

			rows := make([][]string, 0, len(docs))
			for _, doc := range docs {
				rows = append(rows, []string{
					doc.DocumentID,
					doc.Stage,
					doc.UpdatedAt.Local().Format(time.RFC3339),
					fmt.Sprintf("%d", doc.AttemptCount),
					yesNo(doc.AutoRecovered),
					truncate(doc.LastError, 60),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"DOCUMENT", "STAGE", "UPDATED", "ATTEMPTS", "RECOVERED", "LAST ERROR"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
