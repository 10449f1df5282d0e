package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Submit a document for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := ctx.client().upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Accepted %s\n", args[0])
			fmt.Fprintf(out, "Document ID: %s\n", result.DocumentID)
			fmt.Fprintf(out, "Task ID:     %s\n", result.TaskID)
			return nil
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show pipeline state for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ctx.client().status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Document:  %s\n", status.DocumentID)
			fmt.Fprintf(out, "Stage:     %s\n", status.Stage)
			fmt.Fprintf(out, "Started:   %s\n", status.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Updated:   %s\n", status.UpdatedAt.Local().Format(time.RFC3339))
			if status.CompletedAt != nil {
				fmt.Fprintf(out, "Completed: %s\n", status.CompletedAt.Local().Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Attempts:  %d\n", status.AttemptCount)
			fmt.Fprintf(out, "Recovered: %s\n", yesNo(status.AutoRecovered))
			if status.LastError != "" {
				fmt.Fprintf(out, "Error:     %s\n", status.LastError)
			}
			return nil
		},
	}
}

func newResultCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "result <document-id>",
		Short: "Print the validated result for a completed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := ctx.client().result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			formatted, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				formatted = result
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
			return nil
		},
	}
}
